package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/kora/internal/infra/persistence"
)

// Store groups the PostgreSQL-backed repositories sharing one pool.
type Store struct {
	pool *pgxpool.Pool
}

// New constructs a PostgreSQL persistence store. A nil pool yields repositories that
// fail every call.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool exposes the shared pool.
func (s *Store) Pool() *pgxpool.Pool {
	if s == nil {
		return nil
	}
	return s.pool
}

// Strategies returns the strategy repository.
func (s *Store) Strategies() *StrategyStore { return NewStrategyStore(s.Pool()) }

// Batches returns the batch repository.
func (s *Store) Batches() *BatchStore { return NewBatchStore(s.Pool()) }

// HookStates returns the hook state repository.
func (s *Store) HookStates() *HookStateStore { return NewHookStateStore(s.Pool()) }

// Outbox returns the event outbox repository.
func (s *Store) Outbox() *OutboxStore { return NewOutboxStore(s.Pool()) }

// Stores bundles every repository for engine wiring.
func (s *Store) Stores() persistence.Stores {
	return persistence.Stores{
		Strategies: s.Strategies(),
		Batches:    s.Batches(),
		HookStates: s.HookStates(),
		Outbox:     s.Outbox(),
		Pool:       s.Pool(),
	}
}
