package hooks

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	json "github.com/goccy/go-json"

	"github.com/coachpo/kora/internal/domain/fhe"
)

// StateStore persists per-strategy hook state as opaque documents keyed by
// (kind, strategy). Each hook is the single writer of its own rows.
type StateStore interface {
	Load(ctx context.Context, kind Kind, strategyID common.Hash) ([]byte, bool, error)
	Save(ctx context.Context, kind Kind, strategyID common.Hash, doc []byte) error
	Delete(ctx context.Context, kind Kind, strategyID common.Hash) error
	// Range calls fn for every stored document of kind and stops at the first error.
	Range(ctx context.Context, kind Kind, fn func(strategyID common.Hash, doc []byte) error) error
}

type stateKey struct {
	kind Kind
	id   common.Hash
}

// MemoryStateStore keeps hook state in process.
type MemoryStateStore struct {
	mu   sync.RWMutex
	rows map[stateKey][]byte
}

// NewMemoryStateStore constructs an empty store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{rows: make(map[stateKey][]byte)}
}

func (s *MemoryStateStore) Load(_ context.Context, kind Kind, strategyID common.Hash) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.rows[stateKey{kind, strategyID}]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), doc...), true, nil
}

func (s *MemoryStateStore) Save(_ context.Context, kind Kind, strategyID common.Hash, doc []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[stateKey{kind, strategyID}] = append([]byte(nil), doc...)
	return nil
}

func (s *MemoryStateStore) Delete(_ context.Context, kind Kind, strategyID common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, stateKey{kind, strategyID})
	return nil
}

func (s *MemoryStateStore) Range(_ context.Context, kind Kind, fn func(strategyID common.Hash, doc []byte) error) error {
	s.mu.RLock()
	rows := make(map[common.Hash][]byte)
	for key, doc := range s.rows {
		if key.kind == kind {
			rows[key.id] = append([]byte(nil), doc...)
		}
	}
	s.mu.RUnlock()
	for id, doc := range rows {
		if err := fn(id, doc); err != nil {
			return err
		}
	}
	return nil
}

// load decodes a hook's state document into out.
func load[T any](ctx context.Context, b *base, strategyID common.Hash) (T, error) {
	var out T
	doc, found, err := b.states.Load(ctx, b.kind, strategyID)
	if err != nil {
		return out, err
	}
	if !found {
		return out, b.notInitialized(strategyID)
	}
	if err := json.Unmarshal(doc, &out); err != nil {
		return out, err
	}
	return out, nil
}

func save[T any](ctx context.Context, b *base, strategyID common.Hash, state T) error {
	doc, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return b.states.Save(ctx, b.kind, strategyID, doc)
}

type handleHolder interface {
	handles() []fhe.Handle
}

func decodeHandles[T handleHolder](doc []byte) ([]fhe.Handle, error) {
	var st T
	if err := json.Unmarshal(doc, &st); err != nil {
		return nil, err
	}
	return st.handles(), nil
}

// stateHandles lists the ciphertexts a state document of kind refers to.
func stateHandles(kind Kind, doc []byte) ([]fhe.Handle, error) {
	switch kind {
	case KindBudget:
		return decodeHandles[budgetState](doc)
	case KindPurchaseAmount:
		return decodeHandles[purchaseAmountState](doc)
	case KindTimeframe:
		return decodeHandles[timeframeState](doc)
	case KindFrequency:
		return decodeHandles[frequencyState](doc)
	default:
		return nil, fmt.Errorf("hooks: unknown kind %d", uint8(kind))
	}
}
