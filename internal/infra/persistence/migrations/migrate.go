// Package migrations manages the engine schema with golang-migrate.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migrations loader
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	dbmigrations "github.com/coachpo/kora/db/migrations"
	"github.com/coachpo/kora/internal/infra/telemetry"
)

// EmbeddedSource labels migrations bundled into the binary.
const EmbeddedSource = "embedded"

var errNotDirectory = errors.New("migrations path must be a directory")

// Source selects where migration files are read from. The zero value reads the
// files compiled into the binary.
type Source struct {
	Dir string
}

// Embedded returns the compiled-in migration set.
func Embedded() Source { return Source{} }

// FromDir reads migrations from a directory on disk.
func FromDir(dir string) Source { return Source{Dir: dir} }

// Label names the source in logs and metrics.
func (s Source) Label() string {
	if s.Dir == "" {
		return EmbeddedSource
	}
	return s.Dir
}

func (s Source) resolve() (Source, error) {
	if s.Dir == "" {
		return s, nil
	}
	dir, err := resolveDir(s.Dir)
	if err != nil {
		return Source{}, err
	}
	return Source{Dir: dir}, nil
}

func (s Source) open(driver database.Driver) (*migrate.Migrate, error) {
	if s.Dir == "" {
		src, err := iofs.New(dbmigrations.Files, ".")
		if err != nil {
			return nil, fmt.Errorf("open embedded migrations: %w", err)
		}
		return migrate.NewWithInstance("iofs", src, "pgx5", driver)
	}
	return migrate.NewWithDatabaseInstance(fileURL(s.Dir), "pgx5", driver)
}

// Status is the schema version recorded in the database.
type Status struct {
	Version uint
	Dirty   bool
	// Applied is false on a database no migration has touched.
	Applied bool
}

// Up applies every pending migration. A nil logger disables informational logging.
func Up(ctx context.Context, dsn string, src Source, logger *log.Logger) error {
	return run(ctx, dsn, src, "up", logger, func(m *migrate.Migrate, label string) error {
		logf(logger, "applying migrations: source=%s", label)
		err := m.Up()
		if errors.Is(err, migrate.ErrNoChange) {
			logf(logger, "schema up-to-date")
			return nil
		}
		return err
	})
}

// Down reverts steps migrations.
func Down(ctx context.Context, dsn string, src Source, steps int, logger *log.Logger) error {
	if steps <= 0 {
		return fmt.Errorf("rollback steps must be positive, got %d", steps)
	}
	return run(ctx, dsn, src, "down", logger, func(m *migrate.Migrate, label string) error {
		logf(logger, "reverting %d migration(s): source=%s", steps, label)
		err := m.Steps(-steps)
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		return err
	})
}

// Current reports the schema version without changing it.
func Current(ctx context.Context, dsn string, src Source, logger *log.Logger) (Status, error) {
	var status Status
	err := run(ctx, dsn, src, "version", logger, func(m *migrate.Migrate, _ string) error {
		version, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			return nil
		}
		if err != nil {
			return err
		}
		status = Status{Version: version, Dirty: dirty, Applied: true}
		return nil
	})
	return status, err
}

// Force records version as applied and clears the dirty flag without running any
// migration. -1 resets the database to the unmigrated state.
func Force(ctx context.Context, dsn string, src Source, version int, logger *log.Logger) error {
	if version < -1 {
		return fmt.Errorf("force version must be >= -1, got %d", version)
	}
	return run(ctx, dsn, src, "force", logger, func(m *migrate.Migrate, label string) error {
		logf(logger, "forcing schema version %d: source=%s", version, label)
		return m.Force(version)
	})
}

func run(ctx context.Context, dsn string, src Source, op string, logger *log.Logger, fn func(*migrate.Migrate, string) error) error {
	src, err := src.resolve()
	if err != nil {
		return err
	}
	label := src.Label()
	err = withInstance(ctx, dsn, src, logger, func(m *migrate.Migrate) error {
		return fn(m, label)
	})
	if err != nil {
		recordMigration(ctx, op, "failed", label)
		return fmt.Errorf("migrations %s: %w", op, err)
	}
	recordMigration(ctx, op, "ok", label)
	return nil
}

func withInstance(ctx context.Context, dsn string, src Source, logger *log.Logger, fn func(*migrate.Migrate) error) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open connection: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			logf(logger, "close connection: %v", cerr)
		}
	}()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	driver, err := pgxv5.WithInstance(db, &pgxv5.Config{})
	if err != nil {
		return fmt.Errorf("pgx v5 driver: %w", err)
	}
	m, err := src.open(driver)
	if err != nil {
		return fmt.Errorf("migrate instance: %w", err)
	}
	defer func() {
		sourceErr, dbErr := m.Close()
		if err := errors.Join(sourceErr, dbErr); err != nil {
			logf(logger, "close migrate: %v", err)
		}
	}()
	return fn(m)
}

func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}

func resolveDir(dir string) (string, error) {
	clean := strings.TrimSpace(dir)
	if clean == "" {
		return "", errors.New("migrations path required")
	}
	abs, err := filepath.Abs(clean)
	if err != nil {
		return "", fmt.Errorf("resolve migrations path: %w", err)
	}
	info, err := os.Stat(abs)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return "", fmt.Errorf("migrations directory: %w", err)
	case err != nil:
		return "", fmt.Errorf("stat migrations directory: %w", err)
	case !info.IsDir():
		return "", fmt.Errorf("migrations directory %s: %w", abs, errNotDirectory)
	}
	return abs, nil
}

func fileURL(path string) string {
	slashed := filepath.ToSlash(path)
	if !strings.HasPrefix(slashed, "/") {
		slashed = "/" + slashed
	}
	return (&url.URL{Scheme: "file", Path: slashed}).String()
}

var migrationCounter = sync.OnceValue(func() metric.Int64Counter {
	counter, err := otel.Meter("persistence.migrations").Int64Counter("kora_db_migrations_total",
		metric.WithDescription("Schema operations run through golang-migrate"),
		metric.WithUnit("{operation}"))
	if err != nil {
		return nil
	}
	return counter
})

func recordMigration(ctx context.Context, op, result, source string) {
	counter := migrationCounter()
	if counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("environment", telemetry.Environment()),
		attribute.String("op", op),
		attribute.String("result", result),
		attribute.String("source", source),
	))
}
