// Package events defines the engine's observable events. They are the only interface
// through which off-engine schedulers and indexers learn what happened.
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	json "github.com/goccy/go-json"

	"github.com/coachpo/kora/internal/domain/fhe"
)

// Type names an event.
type Type string

const (
	TypeStrategyCreated      Type = "StrategyCreated"
	TypeBatchRequested       Type = "BatchRequested"
	TypeBatchExecuted        Type = "BatchExecuted"
	TypeBatchReclaimed       Type = "BatchReclaimed"
	TypeIntentAccepted       Type = "IntentAccepted"
	TypeIntentRejected       Type = "IntentRejected"
	TypePreHookFailed        Type = "PreHookFailed"
	TypePostHookFailed       Type = "PostHookFailed"
	TypeDecryptionFulfilled  Type = "DecryptionFulfilled"
	TypePauseStateChanged    Type = "PauseStateChanged"
	TypeOwnershipTransferred Type = "OwnershipTransferred"
	TypeSignerSetUpdated     Type = "SignerSetUpdated"
)

// AllTypes lists every event type in declaration order.
func AllTypes() []Type {
	return []Type{
		TypeStrategyCreated, TypeBatchRequested, TypeBatchExecuted, TypeBatchReclaimed,
		TypeIntentAccepted, TypeIntentRejected, TypePreHookFailed, TypePostHookFailed,
		TypeDecryptionFulfilled, TypePauseStateChanged, TypeOwnershipTransferred, TypeSignerSetUpdated,
	}
}

// Event is the envelope carried by the event bus and the outbox.
type Event struct {
	EventID     string    `json:"event_id"`
	Type        Type      `json:"type"`
	Aggregate   string    `json:"aggregate"`
	AggregateID string    `json:"aggregate_id"`
	Seq         uint64    `json:"seq"`
	EmitTS      time.Time `json:"emit_ts"`
	Payload     any       `json:"payload"`
}

// Publisher accepts engine events.
type Publisher interface {
	Publish(ctx context.Context, evt *Event) error
}

type StrategyCreated struct {
	StrategyID common.Hash      `json:"strategyId"`
	User       common.Address   `json:"user"`
	Hooks      []common.Address `json:"hooks"`
	CreatedAt  time.Time        `json:"createdAt"`
}

type BatchRequested struct {
	RequestID uint64         `json:"requestId"`
	Requester common.Address `json:"requester"`
	Size      int            `json:"size"`
	Handles   []fhe.Handle   `json:"handles"`
}

type BatchExecuted struct {
	RequestID uint64 `json:"requestId"`
	Processed int    `json:"processed"`
	TotalIn   uint64 `json:"totalIn"`
	TotalOut  uint64 `json:"totalOut"`
}

type BatchReclaimed struct {
	RequestID uint64 `json:"requestId"`
	Refunded  int    `json:"refunded"`
}

type IntentAccepted struct {
	RequestID  uint64         `json:"requestId"`
	IntentID   common.Hash    `json:"intentId"`
	StrategyID common.Hash    `json:"strategyId"`
	User       common.Address `json:"user"`
	AmountOut  fhe.Handle     `json:"amountOut"`
}

type IntentRejected struct {
	RequestID  uint64         `json:"requestId"`
	IntentID   common.Hash    `json:"intentId"`
	StrategyID common.Hash    `json:"strategyId"`
	User       common.Address `json:"user"`
	RevertData []byte         `json:"revertData"`
}

// HookFailed is the payload of PreHookFailed and PostHookFailed.
type HookFailed struct {
	RequestID  uint64         `json:"requestId"`
	IntentID   common.Hash    `json:"intentId"`
	StrategyID common.Hash    `json:"strategyId"`
	Hook       common.Address `json:"hook"`
	RevertData []byte         `json:"revertData"`
}

type DecryptionFulfilled struct {
	RequestID    uint64 `json:"requestId"`
	TotalIn      uint64 `json:"totalIn"`
	PackedChecks uint64 `json:"packedChecks"`
}

type PauseStateChanged struct {
	Paused bool           `json:"paused"`
	By     common.Address `json:"by"`
}

type OwnershipTransferred struct {
	PreviousOwner common.Address `json:"previousOwner"`
	NewOwner      common.Address `json:"newOwner"`
}

type SignerSetUpdated struct {
	Signers   []common.Address `json:"signers"`
	Threshold int              `json:"threshold"`
}

// DecodePayload restores the typed payload of an event decoded from JSON.
func DecodePayload(typ Type, raw json.RawMessage) (any, error) {
	var target any
	switch typ {
	case TypeStrategyCreated:
		target = new(StrategyCreated)
	case TypeBatchRequested:
		target = new(BatchRequested)
	case TypeBatchExecuted:
		target = new(BatchExecuted)
	case TypeBatchReclaimed:
		target = new(BatchReclaimed)
	case TypeIntentAccepted:
		target = new(IntentAccepted)
	case TypeIntentRejected:
		target = new(IntentRejected)
	case TypePreHookFailed, TypePostHookFailed:
		target = new(HookFailed)
	case TypeDecryptionFulfilled:
		target = new(DecryptionFulfilled)
	case TypePauseStateChanged:
		target = new(PauseStateChanged)
	case TypeOwnershipTransferred:
		target = new(OwnershipTransferred)
	case TypeSignerSetUpdated:
		target = new(SignerSetUpdated)
	default:
		return nil, fmt.Errorf("events: unknown type %q", typ)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return nil, fmt.Errorf("events: decode %s payload: %w", typ, err)
	}
	switch v := target.(type) {
	case *StrategyCreated:
		return *v, nil
	case *BatchRequested:
		return *v, nil
	case *BatchExecuted:
		return *v, nil
	case *BatchReclaimed:
		return *v, nil
	case *IntentAccepted:
		return *v, nil
	case *IntentRejected:
		return *v, nil
	case *HookFailed:
		return *v, nil
	case *DecryptionFulfilled:
		return *v, nil
	case *PauseStateChanged:
		return *v, nil
	case *OwnershipTransferred:
		return *v, nil
	default:
		return *target.(*SignerSetUpdated), nil
	}
}

// Unmarshal decodes an envelope and its typed payload.
func Unmarshal(data []byte) (*Event, error) {
	var wire struct {
		EventID     string          `json:"event_id"`
		Type        Type            `json:"type"`
		Aggregate   string          `json:"aggregate"`
		AggregateID string          `json:"aggregate_id"`
		Seq         uint64          `json:"seq"`
		EmitTS      time.Time       `json:"emit_ts"`
		Payload     json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("events: unmarshal envelope: %w", err)
	}
	payload, err := DecodePayload(wire.Type, wire.Payload)
	if err != nil {
		return nil, err
	}
	return &Event{
		EventID:     wire.EventID,
		Type:        wire.Type,
		Aggregate:   wire.Aggregate,
		AggregateID: wire.AggregateID,
		Seq:         wire.Seq,
		EmitTS:      wire.EmitTS,
		Payload:     payload,
	}, nil
}
