package events

import (
	"context"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Emitter stamps events with an id, a process-wide sequence and a timestamp before
// publishing them. Publish failures are logged and never surface to the caller: the
// state change the event describes is already committed.
type Emitter struct {
	pub    Publisher
	seq    atomic.Uint64
	clock  func() time.Time
	logger *log.Logger
	onFail func(Type, error)
}

// EmitterOption customises an Emitter.
type EmitterOption func(*Emitter)

// WithClock overrides the timestamp source.
func WithClock(clock func() time.Time) EmitterOption {
	return func(e *Emitter) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithLogger overrides the logger used for publish failures.
func WithLogger(logger *log.Logger) EmitterOption {
	return func(e *Emitter) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithFailureHook observes publish failures, e.g. for metrics.
func WithFailureHook(fn func(Type, error)) EmitterOption {
	return func(e *Emitter) {
		e.onFail = fn
	}
}

// NewEmitter wraps pub. A nil publisher discards events.
func NewEmitter(pub Publisher, opts ...EmitterOption) *Emitter {
	e := &Emitter{
		pub:    pub,
		clock:  time.Now,
		logger: log.New(os.Stdout, "events ", log.LstdFlags|log.Lmicroseconds),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Emit publishes payload as an event of typ on the given aggregate.
func (e *Emitter) Emit(ctx context.Context, typ Type, aggregate, aggregateID string, payload any) {
	if e == nil || e.pub == nil {
		return
	}
	evt := &Event{
		EventID:     uuid.NewString(),
		Type:        typ,
		Aggregate:   aggregate,
		AggregateID: aggregateID,
		Seq:         e.seq.Add(1),
		EmitTS:      e.clock().UTC(),
		Payload:     payload,
	}
	if err := e.pub.Publish(ctx, evt); err != nil {
		e.logger.Printf("publish %s %s/%s failed: %v", typ, aggregate, aggregateID, err)
		if e.onFail != nil {
			e.onFail(typ, err)
		}
	}
}

// Recorder is a Publisher that keeps events in memory in publish order.
type Recorder struct {
	mu     sync.Mutex
	events []*Event
}

// Publish appends evt.
func (r *Recorder) Publish(_ context.Context, evt *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

// Events returns a snapshot of recorded events.
func (r *Recorder) Events() []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Event(nil), r.events...)
}

// OfType returns recorded events of typ in order.
func (r *Recorder) OfType(typ Type) []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Event
	for _, evt := range r.events {
		if evt.Type == typ {
			out = append(out, evt)
		}
	}
	return out
}

// Reset drops recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
