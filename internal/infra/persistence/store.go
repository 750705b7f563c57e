// Package persistence bundles the repositories the engine runs on.
package persistence

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/kora/errs"
	"github.com/coachpo/kora/internal/app/hooks"
	"github.com/coachpo/kora/internal/domain/batch"
	"github.com/coachpo/kora/internal/domain/outboxstore"
	"github.com/coachpo/kora/internal/domain/strategy"
	"github.com/coachpo/kora/internal/infra/persistence/memory"
)

// ErrStaleCiphertexts rejects durable stores written by an earlier process. Their
// encrypted fields name handles an in-process coprocessor and token ledgers no
// longer hold.
var ErrStaleCiphertexts = errs.New("persistence", errs.CodeConflict,
	errs.WithMessage("stores reference ciphertexts from an earlier process; reset the database before starting"))

// Stores is the set of repositories handed to the registry, the hooks and the executor.
// Outbox and Pool are nil when nothing is persisted.
type Stores struct {
	Strategies strategy.Store
	Batches    batch.Store
	HookStates hooks.StateStore
	Outbox     outboxstore.Store
	Pool       *pgxpool.Pool
}

// InMemory returns process-local stores. State is lost on restart.
func InMemory() Stores {
	return Stores{
		Strategies: memory.NewStrategyStore(),
		Batches:    memory.NewBatchStore(),
		HookStates: hooks.NewMemoryStateStore(),
	}
}

// Durable reports whether the stores survive a restart.
func (s Stores) Durable() bool { return s.Pool != nil }

// Close releases the pool, if any. It is safe to call more than once.
func (s *Stores) Close() {
	if s == nil || s.Pool == nil {
		return
	}
	s.Pool.Close()
	s.Pool = nil
}

// RequireFresh fails with ErrStaleCiphertexts when any strategy or batch is
// already stored.
func (s Stores) RequireFresh(ctx context.Context) error {
	strategies, err := s.Strategies.Count(ctx)
	if err != nil {
		return fmt.Errorf("count strategies: %w", err)
	}
	batches, err := s.Batches.Count(ctx)
	if err != nil {
		return fmt.Errorf("count batches: %w", err)
	}
	if strategies == 0 && batches == 0 {
		return nil
	}
	return ErrStaleCiphertexts.With(
		errs.WithField("strategies", strconv.FormatUint(strategies, 10)),
		errs.WithField("batches", strconv.FormatUint(batches, 10)))
}
