package eventbus

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	json "github.com/goccy/go-json"

	"github.com/coachpo/kora/internal/domain/events"
	"github.com/coachpo/kora/internal/domain/outboxstore"
)

func quietDurable(inner Bus, store outboxstore.Store, opts ...DurableOption) *DurableBus {
	opts = append([]DurableOption{WithReplayDisabled(), WithDurableLogger(log.New(io.Discard, "", 0))}, opts...)
	return NewDurableBus(inner, store, opts...).(*DurableBus)
}

func TestNewDurableBusReturnsInnerWhenStoreNil(t *testing.T) {
	inner := &stubBus{}
	wrapped := NewDurableBus(inner, nil)
	if wrapped != inner {
		t.Fatalf("expected original bus when store nil")
	}
	if NewDurableBus(nil, &fakeOutboxStore{}) != nil {
		t.Fatalf("expected nil when inner bus nil")
	}
}

func TestDurableBusPublishPersistsAndMarksDelivered(t *testing.T) {
	inner := &stubBus{}
	store := &fakeOutboxStore{}
	bus := quietDurable(inner, store)
	defer bus.Close()

	if err := bus.Publish(context.Background(), batchEvent("evt-1", 42)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if len(inner.published) != 1 {
		t.Fatalf("expected publish delegation, got %d", len(inner.published))
	}
	if len(store.delivered) != 1 {
		t.Fatalf("expected delivered marker, got %d", len(store.delivered))
	}
	if len(store.failed) != 0 {
		t.Fatalf("unexpected failures: %v", store.failed)
	}
	enq := store.enqueued[0]
	if enq.Aggregate != "batch" || enq.AggregateID != "1" {
		t.Fatalf("unexpected aggregate %s/%s", enq.Aggregate, enq.AggregateID)
	}
	if enq.EventType != string(events.TypeBatchExecuted) {
		t.Fatalf("unexpected event type %s", enq.EventType)
	}
	if enq.EventID != "evt-1" || enq.Seq != 42 {
		t.Fatalf("unexpected identity %s/%d", enq.EventID, enq.Seq)
	}
}

func TestDurableBusAssignsMissingEventID(t *testing.T) {
	store := &fakeOutboxStore{}
	bus := quietDurable(&stubBus{}, store)
	defer bus.Close()

	evt := batchEvent("", 1)
	if err := bus.Publish(context.Background(), evt); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if evt.EventID == "" || store.enqueued[0].EventID != evt.EventID {
		t.Fatalf("expected generated id to reach the outbox, got %q / %q", evt.EventID, store.enqueued[0].EventID)
	}
	decoded, err := events.Unmarshal(store.enqueued[0].Payload)
	if err != nil {
		t.Fatalf("decode stored payload: %v", err)
	}
	if decoded.EventID != evt.EventID {
		t.Fatalf("stored payload lost the generated id")
	}
}

func TestDurableBusPublishRecordsFailure(t *testing.T) {
	pubErr := errors.New("publish failed")
	inner := &stubBus{publishErr: pubErr}
	store := &fakeOutboxStore{}
	bus := quietDurable(inner, store)
	defer bus.Close()
	now := time.Unix(1_700_000_000, 0)
	bus.clock = func() time.Time { return now }

	err := bus.Publish(context.Background(), batchEvent("evt-2", 7))
	if !errors.Is(err, pubErr) {
		t.Fatalf("expected publish error, got %v", err)
	}
	if len(store.failed) != 1 {
		t.Fatalf("expected failure recorded, got %d", len(store.failed))
	}
	if len(store.delivered) != 0 {
		t.Fatalf("expected no delivered rows, got %d", len(store.delivered))
	}
	if !store.retryAt[0].Equal(now.Add(time.Second)) {
		t.Fatalf("expected first retry one second out, got %v", store.retryAt[0])
	}
}

func TestDurableBusRetryDelayDoublesUpToMax(t *testing.T) {
	bus := quietDurable(&stubBus{}, &fakeOutboxStore{}, WithRetryDelay(time.Second, 10*time.Second))
	defer bus.Close()

	cases := map[int]time.Duration{0: time.Second, 1: 2 * time.Second, 3: 8 * time.Second, 4: 10 * time.Second, 30: 10 * time.Second}
	for attempts, want := range cases {
		if got := bus.retryDelay(attempts); got != want {
			t.Fatalf("retryDelay(%d) = %v, want %v", attempts, got, want)
		}
	}
}

func TestDurableBusPruneHonoursRetention(t *testing.T) {
	store := &fakeOutboxStore{pruned: 3}
	now := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)

	keep := quietDurable(&stubBus{}, store)
	defer keep.Close()
	if n := keep.Prune(context.Background()); n != 0 || !store.pruneBefore.IsZero() {
		t.Fatalf("expected no pruning without retention")
	}

	bus := quietDurable(&stubBus{}, store, WithRetention(24*time.Hour))
	defer bus.Close()
	bus.clock = func() time.Time { return now }
	if n := bus.Prune(context.Background()); n != 3 {
		t.Fatalf("expected 3 pruned, got %d", n)
	}
	if !store.pruneBefore.Equal(now.Add(-24 * time.Hour)) {
		t.Fatalf("unexpected prune cutoff %v", store.pruneBefore)
	}
}

func TestDurableBusReplayRestoresTypedPayload(t *testing.T) {
	inner := &stubBus{}
	store := &fakeOutboxStore{}
	bus := quietDurable(inner, store)
	defer bus.Close()

	source := &events.Event{
		EventID:     "evt-big",
		Type:        events.TypeIntentAccepted,
		Aggregate:   "batch",
		AggregateID: "9",
		Seq:         9007199254740995,
		Payload: events.IntentAccepted{
			RequestID:  9,
			IntentID:   common.HexToHash("0x01"),
			StrategyID: common.HexToHash("0x02"),
			User:       common.HexToAddress("0x03"),
		},
	}
	raw, err := json.Marshal(source)
	if err != nil {
		t.Fatalf("encode event: %v", err)
	}
	store.pending = []outboxstore.Record{{ID: 42, EventID: source.EventID, EventType: string(source.Type), Payload: raw}}

	if delivered := bus.Replay(context.Background()); delivered != 1 {
		t.Fatalf("expected one replayed record, got %d", delivered)
	}
	if len(inner.published) != 1 {
		t.Fatalf("expected replayed publish, got %d", len(inner.published))
	}
	replayed := inner.published[0]
	if replayed.Seq != source.Seq {
		t.Fatalf("seq mismatch: want %d got %d", source.Seq, replayed.Seq)
	}
	payload, ok := replayed.Payload.(events.IntentAccepted)
	if !ok {
		t.Fatalf("expected IntentAccepted, got %T", replayed.Payload)
	}
	if payload.IntentID != common.HexToHash("0x01") {
		t.Fatalf("unexpected intent id %s", payload.IntentID.Hex())
	}
	if len(store.delivered) != 1 || store.delivered[0] != 42 {
		t.Fatalf("expected record 42 delivered, got %v", store.delivered)
	}
}

func TestDurableBusReplayMarksUndecodableRecordsFailed(t *testing.T) {
	inner := &stubBus{}
	store := &fakeOutboxStore{}
	bus := quietDurable(inner, store, WithReplayMaxAttempts(3))
	defer bus.Close()
	now := time.Unix(1_700_000_000, 0)
	bus.clock = func() time.Time { return now }

	store.pending = []outboxstore.Record{{ID: 5, Attempts: 2, Payload: json.RawMessage(`{"type":"Nope"}`)}}
	if delivered := bus.Replay(context.Background()); delivered != 0 {
		t.Fatalf("expected nothing replayed, got %d", delivered)
	}
	if len(store.failed) != 1 || store.failed[0] != 5 {
		t.Fatalf("expected record 5 marked failed, got %v", store.failed)
	}
	if store.lastMaxAttempts != 3 {
		t.Fatalf("expected max attempts 3 passed to store, got %d", store.lastMaxAttempts)
	}
	if delay := store.retryAt[0].Sub(now); delay != 4*time.Second {
		t.Fatalf("expected backoff of four seconds after two attempts, got %v", delay)
	}
}

func TestDurableBusReplayDeliversToMemorySubscribers(t *testing.T) {
	inner := NewMemoryBus(MemoryConfig{BufferSize: 4, FanoutWorkers: 1})
	store := &fakeOutboxStore{}
	bus := quietDurable(inner, store)
	defer bus.Close()

	_, ch, err := bus.Subscribe(context.Background(), OfType(events.TypeBatchExecuted))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	raw, err := json.Marshal(batchEvent("evt-3", 3))
	if err != nil {
		t.Fatalf("encode event: %v", err)
	}
	store.pending = append(store.pending, outboxstore.Record{ID: 1, Payload: raw})

	bus.Replay(context.Background())

	got := receive(t, ch)
	if payload, ok := got.Payload.(events.BatchExecuted); !ok || payload.RequestID != 3 {
		t.Fatalf("unexpected payload %#v", got.Payload)
	}
}

func TestDurableBusPublishPayloadOverCap(t *testing.T) {
	inner := &stubBus{}
	store := &fakeOutboxStore{}
	bus := quietDurable(inner, store, WithPayloadCapBytes(16))
	defer bus.Close()

	tooLarge := &events.Event{
		EventID: "evt-big",
		Type:    events.TypeIntentRejected,
		Payload: events.IntentRejected{RevertData: []byte(strings.Repeat("x", 128))},
	}
	if err := bus.Publish(context.Background(), tooLarge); err == nil {
		t.Fatal("expected error for payload exceeding cap")
	}
	if len(store.enqueued) != 0 {
		t.Fatalf("expected no enqueued records, got %d", len(store.enqueued))
	}
	if len(inner.published) != 0 {
		t.Fatalf("expected no inner publishes, got %d", len(inner.published))
	}
}

type stubBus struct {
	published  []*events.Event
	publishErr error
}

func (s *stubBus) Publish(_ context.Context, evt *events.Event) error {
	if s.publishErr != nil {
		return s.publishErr
	}
	s.published = append(s.published, evt)
	return nil
}

func (*stubBus) Subscribe(context.Context, Filter) (SubscriptionID, <-chan *events.Event, error) {
	return "stub", make(chan *events.Event), nil
}

func (*stubBus) Unsubscribe(SubscriptionID) {}

func (s *stubBus) Close() {}

type fakeOutboxStore struct {
	mu              sync.Mutex
	nextID          int64
	enqueued        []outboxstore.Event
	delivered       []int64
	failed          []int64
	retryAt         []time.Time
	pending         []outboxstore.Record
	lastMaxAttempts int
	pruned          int64
	pruneBefore     time.Time
}

func (s *fakeOutboxStore) Enqueue(_ context.Context, evt outboxstore.Event) (outboxstore.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.enqueued = append(s.enqueued, evt)
	return outboxstore.Record{ID: s.nextID, EventID: evt.EventID, Payload: evt.Payload, EventType: evt.EventType}, nil
}

func (s *fakeOutboxStore) ListPending(_ context.Context, _ int, maxAttempts int) ([]outboxstore.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastMaxAttempts = maxAttempts
	batch := s.pending
	s.pending = nil
	return batch, nil
}

func (s *fakeOutboxStore) MarkDelivered(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered = append(s.delivered, id)
	return nil
}

func (s *fakeOutboxStore) MarkFailed(_ context.Context, id int64, _ string, retryAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, id)
	s.retryAt = append(s.retryAt, retryAt)
	return nil
}

func (s *fakeOutboxStore) Prune(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneBefore = before
	return s.pruned, nil
}
