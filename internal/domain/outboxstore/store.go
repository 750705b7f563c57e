// Package outboxstore defines the durable log that engine events pass through before
// they reach subscribers.
package outboxstore

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
)

// Event is an engine event ready to be appended. EventID is the idempotency key: appending
// the same id twice yields the existing record.
type Event struct {
	EventID     string
	EventType   string
	Aggregate   string
	AggregateID string
	Seq         uint64
	Payload     json.RawMessage
	AvailableAt time.Time
}

// Record is the persisted state of an appended event.
type Record struct {
	ID          int64
	EventID     string
	EventType   string
	Aggregate   string
	AggregateID string
	Seq         uint64
	Payload     json.RawMessage
	AvailableAt time.Time
	Attempts    int
	LastError   string
	DeliveredAt *time.Time
	CreatedAt   time.Time
}

// Delivered reports whether the record reached the bus.
func (r Record) Delivered() bool { return r.DeliveredAt != nil }

// Store persists outbox records.
//
// ListPending returns undelivered records whose AvailableAt has passed, oldest first,
// skipping records that already failed maxAttempts times (zero means no cap).
// MarkFailed counts an attempt and hides the record until retryAt.
// Prune drops delivered records older than before and reports how many were removed.
type Store interface {
	Enqueue(ctx context.Context, evt Event) (Record, error)
	ListPending(ctx context.Context, limit, maxAttempts int) ([]Record, error)
	MarkDelivered(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, lastError string, retryAt time.Time) error
	Prune(ctx context.Context, before time.Time) (int64, error)
}
