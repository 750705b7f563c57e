package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/kora/internal/domain/outboxstore"
)

var errNilPool = errors.New("nil pool")

// OutboxStore keeps engine events in events_outbox until the durable bus has
// delivered them.
type OutboxStore struct {
	pool *pgxpool.Pool
}

// NewOutboxStore constructs an OutboxStore backed by the provided pool.
func NewOutboxStore(pool *pgxpool.Pool) *OutboxStore {
	return &OutboxStore{pool: pool}
}

const (
	defaultOutboxLimit = 128
	maxOutboxLimit     = 1024
)

const outboxColumns = `id, event_id, event_type, aggregate, aggregate_id, seq, payload,
    available_at, attempts, last_error, delivered_at, created_at`

// The no-op update on conflict makes RETURNING yield the row already stored under event_id.
const (
	outboxAppendSQL = `
INSERT INTO events_outbox (event_id, event_type, aggregate, aggregate_id, seq, payload, available_at)
VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)
ON CONFLICT (event_id) DO UPDATE SET event_id = EXCLUDED.event_id
RETURNING ` + outboxColumns

	outboxPendingSQL = `
SELECT ` + outboxColumns + `
FROM events_outbox
WHERE delivered_at IS NULL
  AND available_at <= NOW()
  AND ($2 = 0 OR attempts < $2)
ORDER BY available_at, id
LIMIT $1`

	outboxDeliveredSQL = `
UPDATE events_outbox
SET delivered_at = NOW(), attempts = attempts + 1
WHERE id = $1 AND delivered_at IS NULL`

	outboxFailedSQL = `
UPDATE events_outbox
SET attempts = attempts + 1, last_error = $2, available_at = $3
WHERE id = $1 AND delivered_at IS NULL`

	outboxPruneSQL = `
DELETE FROM events_outbox
WHERE delivered_at IS NOT NULL AND delivered_at < $1`
)

// Enqueue appends evt, or returns the stored record when its event id was seen before.
func (s *OutboxStore) Enqueue(ctx context.Context, evt outboxstore.Event) (outboxstore.Record, error) {
	if s.pool == nil {
		return outboxstore.Record{}, fmt.Errorf("outbox enqueue: %w", errNilPool)
	}
	eventID := strings.TrimSpace(evt.EventID)
	if eventID == "" {
		return outboxstore.Record{}, errors.New("outbox enqueue: event id required")
	}
	if strings.TrimSpace(evt.EventType) == "" {
		return outboxstore.Record{}, errors.New("outbox enqueue: event type required")
	}
	if len(evt.Payload) == 0 {
		return outboxstore.Record{}, errors.New("outbox enqueue: payload required")
	}
	aggregate := strings.TrimSpace(evt.Aggregate)
	if aggregate == "" {
		aggregate = "engine"
	}
	availableAt := evt.AvailableAt
	if availableAt.IsZero() {
		availableAt = time.Now()
	}
	row := s.pool.QueryRow(ctx, outboxAppendSQL,
		eventID, evt.EventType, aggregate, strings.TrimSpace(evt.AggregateID),
		numericFromUint64(evt.Seq), []byte(evt.Payload), availableAt,
	)
	return scanOutboxRecord(row)
}

// ListPending returns records ready for replay.
func (s *OutboxStore) ListPending(ctx context.Context, limit, maxAttempts int) ([]outboxstore.Record, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("outbox pending: %w", errNilPool)
	}
	switch {
	case limit <= 0:
		limit = defaultOutboxLimit
	case limit > maxOutboxLimit:
		limit = maxOutboxLimit
	}
	rows, err := s.pool.Query(ctx, outboxPendingSQL, limit, max(maxAttempts, 0))
	if err != nil {
		return nil, fmt.Errorf("outbox pending: %w", err)
	}
	defer rows.Close()

	var out []outboxstore.Record
	for rows.Next() {
		record, err := scanOutboxRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox pending: %w", err)
	}
	return out, nil
}

// MarkDelivered stamps the delivery time. Marking an already delivered record fails.
func (s *OutboxStore) MarkDelivered(ctx context.Context, id int64) error {
	return s.update(ctx, "outbox delivered", outboxDeliveredSQL, id)
}

// MarkFailed counts a failed attempt and defers the record until retryAt.
func (s *OutboxStore) MarkFailed(ctx context.Context, id int64, lastError string, retryAt time.Time) error {
	if retryAt.IsZero() {
		retryAt = time.Now()
	}
	return s.update(ctx, "outbox failed", outboxFailedSQL, id, strings.TrimSpace(lastError), retryAt)
}

// Prune removes delivered records older than before.
func (s *OutboxStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("outbox prune: %w", errNilPool)
	}
	tag, err := s.pool.Exec(ctx, outboxPruneSQL, before)
	if err != nil {
		return 0, fmt.Errorf("outbox prune: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *OutboxStore) update(ctx context.Context, op, sql string, args ...any) error {
	if s.pool == nil {
		return fmt.Errorf("%s: %w", op, errNilPool)
	}
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: no pending record %v", op, args[0])
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOutboxRecord(row rowScanner) (outboxstore.Record, error) {
	var (
		record      outboxstore.Record
		seq         pgtype.Numeric
		payload     []byte
		lastError   pgtype.Text
		deliveredAt pgtype.Timestamptz
	)
	if err := row.Scan(
		&record.ID,
		&record.EventID,
		&record.EventType,
		&record.Aggregate,
		&record.AggregateID,
		&seq,
		&payload,
		&record.AvailableAt,
		&record.Attempts,
		&lastError,
		&deliveredAt,
		&record.CreatedAt,
	); err != nil {
		return outboxstore.Record{}, fmt.Errorf("outbox scan: %w", err)
	}
	v, err := uint64FromNumeric(seq)
	if err != nil {
		return outboxstore.Record{}, fmt.Errorf("outbox scan seq: %w", err)
	}
	record.Seq = v
	record.Payload = json.RawMessage(payload)
	if lastError.Valid {
		record.LastError = lastError.String
	}
	if deliveredAt.Valid {
		t := deliveredAt.Time
		record.DeliveredAt = &t
	}
	return record, nil
}

var _ outboxstore.Store = (*OutboxStore)(nil)
