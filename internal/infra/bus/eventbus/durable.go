package eventbus

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/coachpo/kora/internal/domain/events"
	"github.com/coachpo/kora/internal/domain/outboxstore"
)

// DurableOption configures the durable bus wrapper.
type DurableOption func(*DurableBus)

// WithDurableLogger overrides the default logger used by the durable bus.
func WithDurableLogger(logger *log.Logger) DurableOption {
	return func(b *DurableBus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithReplayInterval tweaks the polling cadence for replaying undelivered events.
func WithReplayInterval(interval time.Duration) DurableOption {
	return func(b *DurableBus) {
		if interval > 0 {
			b.replayInterval = interval
		}
	}
}

// WithReplayBatchSize configures the number of rows fetched per replay tick.
func WithReplayBatchSize(size int) DurableOption {
	return func(b *DurableBus) {
		if size > 0 {
			b.replayBatchSize = size
		}
	}
}

// WithReplayMaxAttempts stops replaying a record after it failed n times. Zero replays forever.
func WithReplayMaxAttempts(n int) DurableOption {
	return func(b *DurableBus) {
		if n >= 0 {
			b.replayMaxAttempts = n
		}
	}
}

// WithRetryDelay sets the delay before a failed record is retried. It doubles with each
// attempt up to maxDelay.
func WithRetryDelay(base, maxDelay time.Duration) DurableOption {
	return func(b *DurableBus) {
		if base > 0 {
			b.retryBase = base
		}
		if maxDelay >= b.retryBase {
			b.retryMax = maxDelay
		}
	}
}

// WithRetention prunes delivered records older than d on every replay tick. Zero keeps
// them forever.
func WithRetention(d time.Duration) DurableOption {
	return func(b *DurableBus) {
		if d >= 0 {
			b.retention = d
		}
	}
}

// WithReplayDisabled skips starting the background replay worker.
func WithReplayDisabled() DurableOption {
	return func(b *DurableBus) {
		b.replayDisabled = true
	}
}

// WithPayloadCapBytes rejects events whose encoded payload exceeds capBytes before they reach the outbox.
func WithPayloadCapBytes(capBytes int) DurableOption {
	return func(b *DurableBus) {
		if capBytes > 0 {
			b.payloadCapBytes = capBytes
		}
	}
}

// DurableBus wraps an event bus with outbox-backed durability guarantees.
type DurableBus struct {
	inner Bus
	store outboxstore.Store

	logger            *log.Logger
	replayInterval    time.Duration
	replayBatchSize   int
	replayMaxAttempts int
	replayDisabled    bool
	payloadCapBytes   int
	retryBase         time.Duration
	retryMax          time.Duration
	retention         time.Duration
	clock             func() time.Time

	replayMu     sync.Mutex
	replayCancel context.CancelFunc
	replayWG     sync.WaitGroup
}

const (
	defaultReplayInterval    = 5 * time.Second
	defaultReplayBatchSize   = 128
	defaultReplayMaxAttempts = 10
	defaultRetryBase         = time.Second
	defaultRetryMax          = 5 * time.Minute
)

// NewDurableBus wraps the provided bus with outbox persistence. When store is nil the
// original bus is returned unmodified.
func NewDurableBus(inner Bus, store outboxstore.Store, opts ...DurableOption) Bus {
	if inner == nil {
		return nil
	}
	if store == nil {
		return inner
	}
	durable := &DurableBus{
		inner:             inner,
		store:             store,
		logger:            log.New(os.Stdout, "eventbus/durable ", log.LstdFlags|log.Lmicroseconds),
		replayInterval:    defaultReplayInterval,
		replayBatchSize:   defaultReplayBatchSize,
		replayMaxAttempts: defaultReplayMaxAttempts,
		payloadCapBytes:   DefaultPayloadCapBytes,
		retryBase:         defaultRetryBase,
		retryMax:          defaultRetryMax,
		clock:             time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(durable)
		}
	}
	if !durable.replayDisabled {
		durable.startReplayWorker()
	}
	return durable
}

// Publish persists the event to the outbox before delegating to the inner bus. A failed
// delivery stays in the outbox for the replay worker.
func (b *DurableBus) Publish(ctx context.Context, evt *events.Event) error {
	if b == nil {
		return nil
	}
	if evt == nil {
		return fmt.Errorf("durable bus: event required")
	}
	if err := enforcePayloadCap(evt, b.payloadCapBytes); err != nil {
		return err
	}
	recordID, err := b.enqueueEvent(ctx, evt)
	if err != nil {
		return err
	}
	if err := b.inner.Publish(ctx, evt); err != nil {
		b.markFailure(ctx, recordID, 0, err)
		return fmt.Errorf("durable bus publish: %w", err)
	}
	if err := b.store.MarkDelivered(safeContext(ctx), recordID); err != nil {
		b.logger.Printf("mark delivered failed (id=%d): %v", recordID, err)
		return fmt.Errorf("durable bus mark delivered: %w", err)
	}
	return nil
}

// Subscribe delegates to the inner bus.
func (b *DurableBus) Subscribe(ctx context.Context, filter Filter) (SubscriptionID, <-chan *events.Event, error) {
	if b == nil || b.inner == nil {
		return "", nil, fmt.Errorf("durable bus: inner bus unavailable")
	}
	id, ch, err := b.inner.Subscribe(ctx, filter)
	if err != nil {
		return "", nil, fmt.Errorf("durable bus subscribe: %w", err)
	}
	return id, ch, nil
}

// Unsubscribe delegates to the inner bus.
func (b *DurableBus) Unsubscribe(id SubscriptionID) {
	if b == nil || b.inner == nil {
		return
	}
	b.inner.Unsubscribe(id)
}

// Close stops the replay worker before closing the inner bus.
func (b *DurableBus) Close() {
	if b == nil {
		return
	}
	if b.replayCancel != nil {
		b.replayCancel()
		b.replayWG.Wait()
	}
	if b.inner != nil {
		b.inner.Close()
	}
}

// Replay republishes up to one batch of undelivered outbox records and reports how many
// were delivered.
func (b *DurableBus) Replay(ctx context.Context) int {
	b.replayMu.Lock()
	defer b.replayMu.Unlock()

	ctx = safeContext(ctx)
	records, err := b.store.ListPending(ctx, b.replayBatchSize, b.replayMaxAttempts)
	if err != nil {
		b.logger.Printf("outbox replay list failed: %v", err)
		return 0
	}
	delivered := 0
	for _, record := range records {
		evt, err := events.Unmarshal(record.Payload)
		if err != nil {
			b.logger.Printf("outbox replay decode failed (id=%d event=%s): %v", record.ID, record.EventID, err)
			b.markFailure(ctx, record.ID, record.Attempts, err)
			continue
		}
		if err := b.inner.Publish(ctx, evt); err != nil {
			b.logger.Printf("outbox replay publish failed (id=%d event=%s): %v", record.ID, record.EventID, err)
			b.markFailure(ctx, record.ID, record.Attempts, err)
			continue
		}
		if err := b.store.MarkDelivered(ctx, record.ID); err != nil {
			b.logger.Printf("outbox replay mark delivered failed (id=%d): %v", record.ID, err)
			continue
		}
		delivered++
	}
	return delivered
}

// Prune drops delivered records past the retention window.
func (b *DurableBus) Prune(ctx context.Context) int64 {
	if b.retention <= 0 {
		return 0
	}
	n, err := b.store.Prune(safeContext(ctx), b.clock().Add(-b.retention))
	if err != nil {
		b.logger.Printf("outbox prune failed: %v", err)
		return 0
	}
	return n
}

func (b *DurableBus) retryDelay(attempts int) time.Duration {
	d := b.retryBase
	for i := 0; i < attempts && d < b.retryMax; i++ {
		d *= 2
	}
	return min(d, b.retryMax)
}

func (b *DurableBus) startReplayWorker() {
	ctx, cancel := context.WithCancel(context.Background())
	b.replayCancel = cancel
	b.replayWG.Add(1)
	go func() {
		defer b.replayWG.Done()
		ticker := time.NewTicker(b.replayInterval)
		defer ticker.Stop()
		b.Replay(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.Replay(ctx)
				b.Prune(ctx)
			}
		}
	}()
}

func (b *DurableBus) enqueueEvent(ctx context.Context, evt *events.Event) (int64, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return 0, fmt.Errorf("durable bus: encode payload: %w", err)
	}
	eventID := strings.TrimSpace(evt.EventID)
	if eventID == "" {
		eventID = uuid.NewString()
		evt.EventID = eventID
		if payload, err = json.Marshal(evt); err != nil {
			return 0, fmt.Errorf("durable bus: encode payload: %w", err)
		}
	}
	availableAt := evt.EmitTS
	if availableAt.IsZero() {
		availableAt = b.clock().UTC()
	}
	record, err := b.store.Enqueue(safeContext(ctx), outboxstore.Event{
		EventID:     eventID,
		EventType:   string(evt.Type),
		Aggregate:   evt.Aggregate,
		AggregateID: evt.AggregateID,
		Seq:         evt.Seq,
		Payload:     json.RawMessage(payload),
		AvailableAt: availableAt,
	})
	if err != nil {
		return 0, fmt.Errorf("durable bus enqueue: %w", err)
	}
	return record.ID, nil
}

func (b *DurableBus) markFailure(ctx context.Context, id int64, attempts int, cause error) {
	if id == 0 {
		return
	}
	msg := "publish failed"
	if cause != nil && strings.TrimSpace(cause.Error()) != "" {
		msg = cause.Error()
	}
	retryAt := b.clock().Add(b.retryDelay(attempts))
	if err := b.store.MarkFailed(safeContext(ctx), id, msg, retryAt); err != nil {
		b.logger.Printf("outbox mark failed error: %v", err)
	}
}

func safeContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

var _ Bus = (*DurableBus)(nil)
