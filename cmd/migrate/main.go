// Command migrate manages the kora database schema.
//
//	migrate [flags] up
//	migrate [flags] down [steps]
//	migrate [flags] version
//	migrate [flags] force <version>
//
// The DSN comes from -database, or from the database section of -config.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coachpo/kora/internal/infra/config"
	"github.com/coachpo/kora/internal/infra/persistence/migrations"
)

const defaultTimeout = 30 * time.Second

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
}

type command struct {
	name string
	arg  int
}

func parseCommand(args []string) (command, error) {
	if len(args) == 0 {
		return command{}, errors.New("command required (up|down|version|force)")
	}
	cmd := command{name: args[0]}
	switch cmd.name {
	case "up", "version":
		if len(args) > 1 {
			return command{}, fmt.Errorf("%s takes no arguments", cmd.name)
		}
	case "down":
		cmd.arg = 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil || n <= 0 {
				return command{}, fmt.Errorf("invalid down steps %q", args[1])
			}
			cmd.arg = n
		}
	case "force":
		if len(args) != 2 {
			return command{}, errors.New("force requires a version")
		}
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return command{}, fmt.Errorf("invalid force version %q: %w", args[1], err)
		}
		cmd.arg = n
	default:
		return command{}, fmt.Errorf("unknown command %q", cmd.name)
	}
	return cmd, nil
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	var (
		dsn        = fs.String("database", "", "PostgreSQL DSN; overrides -config")
		configPath = fs.String("config", "", "Read the DSN from this kora configuration file")
		dir        = fs.String("path", "", "Read migrations from this directory instead of the embedded set")
		timeout    = fs.Duration("timeout", defaultTimeout, "Maximum time for the whole operation")
		quiet      = fs.Bool("quiet", false, "Suppress informational logs")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cmd, err := parseCommand(fs.Args())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	target := strings.TrimSpace(*dsn)
	if target == "" && *configPath != "" {
		cfg, err := config.Load(ctx, *configPath)
		if err != nil {
			return err
		}
		target = cfg.Database.DSN
	}
	if target == "" {
		return errors.New("-database or -config is required")
	}

	var logger *log.Logger
	if !*quiet {
		logger = log.New(stdout, "kora-migrate ", log.LstdFlags)
	}
	src := migrations.Embedded()
	if strings.TrimSpace(*dir) != "" {
		src = migrations.FromDir(*dir)
	}

	switch cmd.name {
	case "up":
		return migrations.Up(ctx, target, src, logger)
	case "down":
		return migrations.Down(ctx, target, src, cmd.arg, logger)
	case "force":
		return migrations.Force(ctx, target, src, cmd.arg, logger)
	default:
		status, err := migrations.Current(ctx, target, src, logger)
		if err != nil {
			return err
		}
		switch {
		case !status.Applied:
			fmt.Fprintln(stdout, "no migrations applied")
		case status.Dirty:
			fmt.Fprintf(stdout, "version %d (dirty)\n", status.Version)
		default:
			fmt.Fprintf(stdout, "version %d\n", status.Version)
		}
		return nil
	}
}
