package eventbus

import (
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/coachpo/kora/errs"
	"github.com/coachpo/kora/internal/domain/events"
)

func enforcePayloadCap(evt *events.Event, capBytes int) error {
	if evt == nil || capBytes <= 0 {
		return nil
	}
	size, err := payloadSize(evt.Payload)
	if err != nil {
		return fmt.Errorf("eventbus payload encode: %w", err)
	}
	if size > capBytes {
		return errs.New(
			"eventbus/payload",
			errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("%s payload %d bytes exceeds cap %d bytes", evt.Type, size, capBytes)),
			errs.WithField("event_id", evt.EventID),
		)
	}
	return nil
}

func payloadSize(payload any) (int, error) {
	switch v := payload.(type) {
	case nil:
		return 0, nil
	case []byte:
		return len(v), nil
	case json.RawMessage:
		return len(v), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return 0, err
		}
		return len(data), nil
	}
}
