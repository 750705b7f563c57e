package eventbus

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/kora/errs"
	"github.com/coachpo/kora/internal/domain/events"
	"github.com/coachpo/kora/internal/infra/telemetry"
)

// MemoryBus delivers events to filtered subscriptions within the process. A slow
// subscriber loses its oldest buffered event rather than stalling the engine.
type MemoryBus struct {
	cfg    MemoryConfig
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	subs   map[SubscriptionID]*subscriber
	nextID atomic.Uint64
	once   sync.Once

	metrics busMetrics
}

type busMetrics struct {
	published metric.Int64Counter
	active    metric.Int64UpDownCounter
	failures  metric.Int64Counter
	dropped   metric.Int64Counter
	fanout    metric.Int64Histogram
	latency   metric.Float64Histogram
}

func newBusMetrics() busMetrics {
	meter := otel.Meter("eventbus")
	var m busMetrics
	m.published, _ = meter.Int64Counter("kora.eventbus.events.published",
		metric.WithDescription("Events accepted by the bus"),
		metric.WithUnit("{event}"))
	m.active, _ = meter.Int64UpDownCounter("kora.eventbus.subscribers",
		metric.WithDescription("Open subscriptions"),
		metric.WithUnit("{subscriber}"))
	m.failures, _ = meter.Int64Counter("kora.eventbus.delivery.errors",
		metric.WithDescription("Publishes that failed to reach every matching subscriber"),
		metric.WithUnit("{error}"))
	m.dropped, _ = meter.Int64Counter("kora.eventbus.delivery.blocked",
		metric.WithDescription("Buffered events dropped for slow subscribers"),
		metric.WithUnit("{event}"))
	m.fanout, _ = meter.Int64Histogram("kora.eventbus.fanout.size",
		metric.WithDescription("Matching subscribers per event"),
		metric.WithUnit("{subscriber}"))
	m.latency, _ = meter.Float64Histogram("kora.eventbus.publish.duration",
		metric.WithDescription("Publish latency"),
		metric.WithUnit("ms"))
	return m
}

type subscriber struct {
	filter Filter
	ctx    context.Context
	cancel context.CancelFunc
	ch     chan *events.Event

	mu     sync.RWMutex
	closed bool
}

// NewMemoryBus constructs a memory-backed event bus.
func NewMemoryBus(cfg MemoryConfig) *MemoryBus {
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryBus{
		cfg:     cfg.normalize(),
		logger:  log.New(os.Stdout, "eventbus ", log.LstdFlags|log.Lmicroseconds),
		ctx:     ctx,
		cancel:  cancel,
		subs:    make(map[SubscriptionID]*subscriber),
		metrics: newBusMetrics(),
	}
}

// Publish hands a shallow copy of evt to every subscription whose filter matches.
func (b *MemoryBus) Publish(ctx context.Context, evt *events.Event) error {
	if evt == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if evt.Type == "" {
		return errs.New("eventbus/publish", errs.CodeInvalid, errs.WithMessage("event type required"))
	}
	if b.ctx.Err() != nil {
		return errs.New("eventbus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	if err := enforcePayloadCap(evt, b.cfg.PayloadCapBytes); err != nil {
		return err
	}

	env := telemetry.Environment()
	start := time.Now()
	result, errorType := "success", ""
	defer func() {
		attrs := append(telemetry.OperationResultAttributes(env, "eventbus.publish", result, errorType),
			telemetry.AttrEventType.String(string(evt.Type)))
		b.metrics.latency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attrs...))
	}()

	targets := b.matching(evt)
	typeAttrs := metric.WithAttributes(telemetry.EventAttributes(env, string(evt.Type))...)
	b.metrics.fanout.Record(ctx, int64(len(targets)), typeAttrs)
	if len(targets) == 0 {
		result = "no_subscribers"
		return nil
	}
	if err := b.fanOut(ctx, targets, evt); err != nil {
		result, errorType = "error", "dispatch_failed"
		b.metrics.failures.Add(ctx, 1, metric.WithAttributes(
			telemetry.OperationResultAttributes(env, "eventbus.dispatch", result, errorType)...))
		return err
	}
	b.metrics.published.Add(ctx, 1, typeAttrs)
	return nil
}

func (b *MemoryBus) matching(evt *events.Event) []*subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.filter.Match(evt) {
			out = append(out, sub)
		}
	}
	return out
}

// Subscribe opens a subscription for events matching filter. The channel closes when
// ctx ends, on Unsubscribe, or when the bus closes.
func (b *MemoryBus) Subscribe(ctx context.Context, filter Filter) (SubscriptionID, <-chan *events.Event, error) {
	if err := filter.validate(); err != nil {
		return "", nil, err
	}
	if b.ctx.Err() != nil {
		return "", nil, errs.New("eventbus/subscribe", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	filter.Types = append([]events.Type(nil), filter.Types...)
	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscriber{
		filter: filter,
		ctx:    subCtx,
		cancel: cancel,
		ch:     make(chan *events.Event, b.cfg.BufferSize),
	}
	id := SubscriptionID(fmt.Sprintf("sub-%d", b.nextID.Add(1)))

	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()
	b.metrics.active.Add(ctx, 1, b.subscriptionAttrs(filter))

	context.AfterFunc(subCtx, func() { b.drop(id, sub) })
	return id, sub.ch, nil
}

// Unsubscribe ends the subscription and closes its channel.
func (b *MemoryBus) Unsubscribe(id SubscriptionID) {
	if id == "" {
		return
	}
	b.mu.RLock()
	sub := b.subs[id]
	b.mu.RUnlock()
	if sub != nil {
		b.drop(id, sub)
	}
}

// Close ends every subscription. Later publishes and subscribes fail.
func (b *MemoryBus) Close() {
	b.once.Do(func() {
		b.cancel()
		b.mu.Lock()
		subs := b.subs
		b.subs = make(map[SubscriptionID]*subscriber)
		b.mu.Unlock()
		for _, sub := range subs {
			sub.close()
		}
	})
}

func (b *MemoryBus) drop(id SubscriptionID, sub *subscriber) {
	b.mu.Lock()
	stored, ok := b.subs[id]
	if ok && stored == sub {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok && stored == sub {
		b.metrics.active.Add(context.Background(), -1, b.subscriptionAttrs(sub.filter))
	}
	sub.close()
}

func (b *MemoryBus) subscriptionAttrs(f Filter) metric.AddOption {
	return metric.WithAttributes(telemetry.EventAttributes(telemetry.Environment(), f.label())...)
}

// deliver hands evt to sub. A full buffer drops the subscriber's oldest event first.
func (b *MemoryBus) deliver(ctx context.Context, sub *subscriber, evt *events.Event) error {
	sub.mu.RLock()
	defer sub.mu.RUnlock()
	if sub.closed {
		return nil
	}
	select {
	case sub.ch <- evt:
		return nil
	case <-sub.ctx.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("deliver context: %w", ctx.Err())
	default:
	}

	select {
	case old := <-sub.ch:
		b.logger.Printf("slow subscriber: dropped %s %s/%s", old.Type, old.Aggregate, old.AggregateID)
		b.metrics.dropped.Add(ctx, 1, metric.WithAttributes(
			telemetry.EventAttributes(telemetry.Environment(), string(old.Type))...))
	default:
	}
	select {
	case sub.ch <- evt:
		return nil
	default:
		return errs.New("eventbus/publish", errs.CodeUnavailable, errs.WithMessage("subscriber buffer full"))
	}
}

func (b *MemoryBus) fanOut(ctx context.Context, subs []*subscriber, evt *events.Event) error {
	p := concpool.New().WithErrors().WithMaxGoroutines(b.cfg.FanoutWorkers)
	for _, sub := range subs {
		clone := *evt
		p.Go(func() error {
			return b.deliver(ctx, sub, &clone)
		})
	}
	return p.Wait()
}

func (s *subscriber) close() {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

var _ Bus = (*MemoryBus)(nil)
