// Package eventbus fans engine events out to subscribers, optionally through a durable outbox.
package eventbus

import (
	"context"
	"slices"
	"strings"

	"github.com/coachpo/kora/errs"
	"github.com/coachpo/kora/internal/domain/events"
)

// DefaultPayloadCapBytes is the fallback cap applied to encoded event payload sizes.
const DefaultPayloadCapBytes = 64 * 1024

// SubscriptionID uniquely identifies a bus subscription.
type SubscriptionID string

// Filter selects the events a subscription receives. Empty fields match anything,
// so the zero Filter receives every event.
type Filter struct {
	Types       []events.Type
	Aggregate   string
	AggregateID string
}

// OfType matches events of any of the given types.
func OfType(types ...events.Type) Filter {
	return Filter{Types: types}
}

// ForAggregate matches every event about one aggregate, e.g. ("batch", "7").
func ForAggregate(aggregate, id string) Filter {
	return Filter{Aggregate: aggregate, AggregateID: id}
}

// Match reports whether evt passes the filter.
func (f Filter) Match(evt *events.Event) bool {
	if evt == nil {
		return false
	}
	if len(f.Types) > 0 && !slices.Contains(f.Types, evt.Type) {
		return false
	}
	if f.Aggregate != "" && f.Aggregate != evt.Aggregate {
		return false
	}
	return f.AggregateID == "" || f.AggregateID == evt.AggregateID
}

func (f Filter) validate() error {
	for _, typ := range f.Types {
		if typ == "" {
			return errs.New("eventbus/subscribe", errs.CodeInvalid, errs.WithMessage("empty event type in filter"))
		}
	}
	if f.AggregateID != "" && f.Aggregate == "" {
		return errs.New("eventbus/subscribe", errs.CodeInvalid, errs.WithMessage("aggregate id requires an aggregate"))
	}
	return nil
}

// label is the metrics attribute for the subscription.
func (f Filter) label() string {
	if len(f.Types) == 0 {
		return "*"
	}
	parts := make([]string, len(f.Types))
	for i, typ := range f.Types {
		parts[i] = string(typ)
	}
	return strings.Join(parts, ",")
}

// Bus delivers engine events to interested subscribers.
type Bus interface {
	events.Publisher
	Subscribe(ctx context.Context, filter Filter) (SubscriptionID, <-chan *events.Event, error)
	Unsubscribe(id SubscriptionID)
	Close()
}

// MemoryConfig configures the in-memory bus buffers.
type MemoryConfig struct {
	BufferSize      int
	FanoutWorkers   int
	PayloadCapBytes int
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 64
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 4
	}
	if c.PayloadCapBytes <= 0 {
		c.PayloadCapBytes = DefaultPayloadCapBytes
	}
	return c
}
