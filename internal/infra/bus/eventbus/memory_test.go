package eventbus

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/coachpo/kora/internal/domain/events"
)

func batchEvent(id string, requestID uint64) *events.Event {
	return &events.Event{
		EventID:     id,
		Type:        events.TypeBatchExecuted,
		Aggregate:   "batch",
		AggregateID: "1",
		Seq:         requestID,
		EmitTS:      time.Unix(1_700_000_000, 0).UTC(),
		Payload:     events.BatchExecuted{RequestID: requestID, Processed: 2, TotalIn: 10, TotalOut: 20},
	}
}

func receive(t *testing.T, ch <-chan *events.Event) *events.Event {
	t.Helper()
	select {
	case evt, ok := <-ch:
		if !ok {
			t.Fatal("channel closed before event arrived")
		}
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return nil
}

func TestNewMemoryBus(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10, FanoutWorkers: 2})
	if bus == nil {
		t.Fatal("expected non-nil bus")
	}
	bus.Close()
}

func TestMemoryBusPublishNoSubscribers(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10})
	defer bus.Close()

	if err := bus.Publish(context.Background(), batchEvent("evt-1", 1)); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestMemoryBusPublishNilEvent(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10})
	defer bus.Close()

	if err := bus.Publish(context.Background(), nil); err != nil {
		t.Errorf("expected no error for nil event, got %v", err)
	}
}

func TestMemoryBusPublishRejectsMissingType(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10})
	defer bus.Close()

	evt := batchEvent("evt-1", 1)
	evt.Type = ""
	if err := bus.Publish(context.Background(), evt); err == nil {
		t.Error("expected error for missing event type")
	}
}

func TestMemoryBusSubscribeAndPublish(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10, FanoutWorkers: 2})
	defer bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	subID, ch, err := bus.Subscribe(ctx, OfType(events.TypeBatchExecuted))
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer bus.Unsubscribe(subID)

	source := batchEvent("evt-1", 7)
	if err := bus.Publish(ctx, source); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	got := receive(t, ch)
	if got.EventID != "evt-1" {
		t.Fatalf("expected evt-1, got %s", got.EventID)
	}
	if got == source {
		t.Fatal("expected subscriber to receive a copy of the envelope")
	}
	payload, ok := got.Payload.(events.BatchExecuted)
	if !ok || payload.RequestID != 7 {
		t.Fatalf("unexpected payload %#v", got.Payload)
	}
}

func TestMemoryBusOnlyDeliversSubscribedType(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10})
	defer bus.Close()

	ctx := context.Background()
	_, ch, err := bus.Subscribe(ctx, OfType(events.TypeIntentRejected))
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := bus.Publish(ctx, batchEvent("evt-1", 1)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	select {
	case evt := <-ch:
		t.Fatalf("unexpected delivery of %s", evt.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBusWildcardReceivesEveryType(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10})
	defer bus.Close()

	ctx := context.Background()
	_, all, err := bus.Subscribe(ctx, Filter{})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	paused := &events.Event{EventID: "evt-2", Type: events.TypePauseStateChanged, Payload: events.PauseStateChanged{Paused: true}}
	if err := bus.Publish(ctx, batchEvent("evt-1", 1)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := bus.Publish(ctx, paused); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if got := receive(t, all); got.Type != events.TypeBatchExecuted {
		t.Fatalf("expected BatchExecuted first, got %s", got.Type)
	}
	if got := receive(t, all); got.Type != events.TypePauseStateChanged {
		t.Fatalf("expected PauseStateChanged second, got %s", got.Type)
	}
}

func TestMemoryBusSubscribeRejectsBadFilter(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10})
	defer bus.Close()

	if _, _, err := bus.Subscribe(context.Background(), OfType("")); err == nil {
		t.Error("expected error for empty event type")
	}
	if _, _, err := bus.Subscribe(context.Background(), Filter{AggregateID: "7"}); err == nil {
		t.Error("expected error for aggregate id without aggregate")
	}
}

func TestMemoryBusAggregateFilter(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10})
	defer bus.Close()

	ctx := context.Background()
	_, ch, err := bus.Subscribe(ctx, ForAggregate("batch", "2"))
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	other := batchEvent("evt-other", 1)
	mine := batchEvent("evt-mine", 2)
	mine.AggregateID = "2"
	for _, evt := range []*events.Event{other, mine} {
		if err := bus.Publish(ctx, evt); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}
	if got := receive(t, ch); got.EventID != "evt-mine" {
		t.Fatalf("expected evt-mine, got %s", got.EventID)
	}
}

func TestFilterMatch(t *testing.T) {
	evt := batchEvent("evt-1", 1)
	cases := map[string]struct {
		filter Filter
		want   bool
	}{
		"zero":            {Filter{}, true},
		"type hit":        {OfType(events.TypeIntentRejected, events.TypeBatchExecuted), true},
		"type miss":       {OfType(events.TypeIntentRejected), false},
		"aggregate hit":   {Filter{Aggregate: "batch"}, true},
		"aggregate miss":  {Filter{Aggregate: "strategy"}, false},
		"id miss":         {ForAggregate("batch", "9"), false},
		"type and id hit": {Filter{Types: []events.Type{events.TypeBatchExecuted}, Aggregate: "batch", AggregateID: "1"}, true},
	}
	for name, tc := range cases {
		if got := tc.filter.Match(evt); got != tc.want {
			t.Errorf("%s: Match() = %v, want %v", name, got, tc.want)
		}
	}
	if (Filter{}).Match(nil) {
		t.Error("nil event must not match")
	}
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10})
	defer bus.Close()

	subID, ch, err := bus.Subscribe(context.Background(), OfType(events.TypeBatchExecuted))
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	bus.Unsubscribe(subID)

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected channel to be closed")
		}
	case <-time.After(time.Second):
		t.Error("channel was not closed")
	}

	bus.Unsubscribe(subID)
	bus.Unsubscribe("")
}

func TestMemoryBusCancelledContextEndsSubscription(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10})
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	_, ch, err := bus.Subscribe(ctx, OfType(events.TypeBatchExecuted))
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected channel to be closed")
		}
	case <-time.After(time.Second):
		t.Error("channel was not closed after context cancellation")
	}
}

func TestMemoryBusClose(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10})

	_, ch, err := bus.Subscribe(context.Background(), OfType(events.TypeBatchExecuted))
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	bus.Close()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected channel to be closed")
		}
	case <-time.After(time.Second):
		t.Error("channel was not closed")
	}

	bus.Close()
	if err := bus.Publish(context.Background(), batchEvent("evt-1", 1)); err == nil {
		t.Error("expected publish on a closed bus to fail")
	}
	if _, _, err := bus.Subscribe(context.Background(), OfType(events.TypeBatchExecuted)); err == nil {
		t.Error("expected subscribe on a closed bus to fail")
	}
}

func TestMemoryBusMultipleSubscribers(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10, FanoutWorkers: 2})
	defer bus.Close()

	ctx := context.Background()
	channels := make([]<-chan *events.Event, 0, 3)
	for i := 0; i < 3; i++ {
		_, ch, err := bus.Subscribe(ctx, OfType(events.TypeBatchExecuted))
		if err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}
		channels = append(channels, ch)
	}

	if err := bus.Publish(ctx, batchEvent("evt-1", 1)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	seen := make(map[*events.Event]struct{})
	for _, ch := range channels {
		evt := receive(t, ch)
		if evt.EventID != "evt-1" {
			t.Fatalf("expected evt-1, got %s", evt.EventID)
		}
		seen[evt] = struct{}{}
	}
	if len(seen) != len(channels) {
		t.Fatalf("expected a distinct copy per subscriber, got %d", len(seen))
	}
}

func TestMemoryBusFullBufferDropsOldest(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 1})
	defer bus.Close()

	ctx := context.Background()
	_, ch, err := bus.Subscribe(ctx, OfType(events.TypeBatchExecuted))
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := bus.Publish(ctx, batchEvent("evt-old", 1)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := bus.Publish(ctx, batchEvent("evt-new", 2)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if got := receive(t, ch); got.EventID != "evt-new" {
		t.Fatalf("expected newest event to survive, got %s", got.EventID)
	}
}

func TestMemoryConfigNormalize(t *testing.T) {
	cfg := MemoryConfig{}.normalize()
	if cfg.BufferSize != 64 {
		t.Errorf("expected default buffer size 64, got %d", cfg.BufferSize)
	}
	if cfg.FanoutWorkers != 4 {
		t.Errorf("expected default fanout workers 4, got %d", cfg.FanoutWorkers)
	}
	if cfg.PayloadCapBytes != DefaultPayloadCapBytes {
		t.Errorf("expected default payload cap %d, got %d", DefaultPayloadCapBytes, cfg.PayloadCapBytes)
	}
}

func TestMemoryBusPublishPayloadOverCap(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 1, PayloadCapBytes: 32})
	defer bus.Close()

	evt := &events.Event{
		EventID: "evt-big",
		Type:    events.TypeIntentRejected,
		Payload: events.IntentRejected{RevertData: []byte(strings.Repeat("x", 128))},
	}
	err := bus.Publish(context.Background(), evt)
	if err == nil {
		t.Fatal("expected cap violation")
	}
	if !strings.Contains(err.Error(), "exceeds cap") {
		t.Fatalf("unexpected error: %v", err)
	}
}
