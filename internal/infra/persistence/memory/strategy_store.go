// Package memory provides in-process implementations of the engine stores, used by
// tests and single-node deployments without a database.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/coachpo/kora/errs"
	"github.com/coachpo/kora/internal/domain/strategy"
)

// StrategyStore keeps strategies in a map.
type StrategyStore struct {
	mu         sync.RWMutex
	strategies map[common.Hash]strategy.Strategy
}

var _ strategy.Store = (*StrategyStore)(nil)

// NewStrategyStore constructs an empty store.
func NewStrategyStore() *StrategyStore {
	return &StrategyStore{strategies: make(map[common.Hash]strategy.Strategy)}
}

func (s *StrategyStore) Create(_ context.Context, st strategy.Strategy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.strategies[st.ID]; ok {
		return strategy.ErrDuplicateStrategy.With(errs.WithField("strategy", st.ID.Hex()))
	}
	st.Hooks = append([]common.Address(nil), st.Hooks...)
	s.strategies[st.ID] = st
	return nil
}

func (s *StrategyStore) Get(_ context.Context, id common.Hash) (strategy.Strategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.strategies[id]
	if !ok {
		return strategy.Strategy{}, strategy.ErrNonExistentStrategy.With(errs.WithField("strategy", id.Hex()))
	}
	st.Hooks = append([]common.Address(nil), st.Hooks...)
	return st, nil
}

// ListByUser returns user's strategies ordered by creation time.
func (s *StrategyStore) ListByUser(_ context.Context, user common.Address) ([]strategy.Strategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []strategy.Strategy
	for _, st := range s.strategies {
		if st.User == user {
			st.Hooks = append([]common.Address(nil), st.Hooks...)
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.Hex() < out[j].ID.Hex()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *StrategyStore) Count(context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.strategies)), nil
}
