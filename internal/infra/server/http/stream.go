package httpserver

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/coachpo/kora/internal/domain/events"
	"github.com/coachpo/kora/internal/infra/bus/eventbus"
	"github.com/coachpo/kora/internal/infra/config"
)

const streamWriteTimeout = 5 * time.Second

// streamEvents upgrades to a websocket and forwards engine events. The types query
// parameter takes a comma separated list; aggregate and id narrow the stream to one
// batch or strategy.
func (s *httpServer) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	filter, err := parseStreamFilter(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: s.deps.Environment == config.EnvDev,
	})
	if err != nil {
		s.logger.Printf("event stream upgrade failed: %v", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	// CloseRead discards client frames and cancels ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())
	subID, ch, err := s.deps.Bus.Subscribe(ctx, filter)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer s.deps.Bus.Unsubscribe(subID)

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "event bus closed")
				return
			}
			if err := writeEvent(ctx, conn, evt); err != nil {
				if !errors.Is(err, context.Canceled) {
					s.logger.Printf("event stream write failed: %v", err)
				}
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, evt *events.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

var streamAggregates = map[string]bool{"admin": true, "batch": true, "strategy": true}

func parseStreamFilter(q url.Values) (eventbus.Filter, error) {
	types, err := parseTypeFilter(q.Get("types"))
	if err != nil {
		return eventbus.Filter{}, err
	}
	filter := eventbus.Filter{
		Types:       types,
		Aggregate:   strings.TrimSpace(q.Get("aggregate")),
		AggregateID: strings.TrimSpace(q.Get("id")),
	}
	if filter.Aggregate != "" && !streamAggregates[filter.Aggregate] {
		return eventbus.Filter{}, errors.New("unknown aggregate " + filter.Aggregate)
	}
	if filter.AggregateID != "" && filter.Aggregate == "" {
		return eventbus.Filter{}, errors.New("id requires aggregate")
	}
	return filter, nil
}

func parseTypeFilter(raw string) ([]events.Type, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var out []events.Type
	for _, part := range strings.Split(raw, ",") {
		typ := events.Type(strings.TrimSpace(part))
		if typ == "" {
			continue
		}
		if !slices.Contains(events.AllTypes(), typ) {
			return nil, errors.New("unknown event type " + string(typ))
		}
		if !slices.Contains(out, typ) {
			out = append(out, typ)
		}
	}
	return out, nil
}
