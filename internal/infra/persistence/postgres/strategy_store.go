package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/kora/errs"
	"github.com/coachpo/kora/internal/domain/strategy"
)

// StrategyStore persists registered strategies.
type StrategyStore struct {
	pool *pgxpool.Pool
}

// NewStrategyStore constructs a StrategyStore backed by the provided pgx pool.
func NewStrategyStore(pool *pgxpool.Pool) *StrategyStore {
	return &StrategyStore{pool: pool}
}

const (
	strategyInsertSQL = `
INSERT INTO strategies (id, user_address, hooks, created_at)
VALUES ($1, $2, $3::jsonb, $4)
ON CONFLICT (id) DO NOTHING;
`

	strategyGetSQL = `
SELECT id, user_address, hooks, created_at
FROM strategies
WHERE id = $1;
`

	strategyListByUserSQL = `
SELECT id, user_address, hooks, created_at
FROM strategies
WHERE user_address = $1
ORDER BY created_at ASC, id ASC;
`

	strategyCountSQL = `SELECT COUNT(*) FROM strategies;`
)

// Create inserts s; an existing id fails with DuplicateStrategy.
func (s *StrategyStore) Create(ctx context.Context, st strategy.Strategy) error {
	if s.pool == nil {
		return fmt.Errorf("strategy store: nil pool")
	}
	hooks, err := encodeJSON(st.Hooks, "[]")
	if err != nil {
		return fmt.Errorf("strategy store: encode hooks: %w", err)
	}
	tag, err := s.pool.Exec(ctx, strategyInsertSQL, st.ID.Hex(), st.User.Hex(), hooks, st.CreatedAt)
	if err != nil {
		return fmt.Errorf("strategy store: insert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return strategy.ErrDuplicateStrategy.With(errs.WithField("strategy", st.ID.Hex()))
	}
	return nil
}

// Get loads a strategy; unknown ids fail with NonExistentStrategy.
func (s *StrategyStore) Get(ctx context.Context, id common.Hash) (strategy.Strategy, error) {
	if s.pool == nil {
		return strategy.Strategy{}, fmt.Errorf("strategy store: nil pool")
	}
	st, err := scanStrategy(s.pool.QueryRow(ctx, strategyGetSQL, id.Hex()))
	if errors.Is(err, pgx.ErrNoRows) {
		return strategy.Strategy{}, strategy.ErrNonExistentStrategy.With(errs.WithField("strategy", id.Hex()))
	}
	return st, err
}

// ListByUser returns the strategies of user in creation order.
func (s *StrategyStore) ListByUser(ctx context.Context, user common.Address) ([]strategy.Strategy, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("strategy store: nil pool")
	}
	rows, err := s.pool.Query(ctx, strategyListByUserSQL, user.Hex())
	if err != nil {
		return nil, fmt.Errorf("strategy store: list: %w", err)
	}
	defer rows.Close()

	var out []strategy.Strategy
	for rows.Next() {
		st, err := scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("strategy store: iterate: %w", err)
	}
	return out, nil
}

// Count returns the number of registered strategies.
func (s *StrategyStore) Count(ctx context.Context) (uint64, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("strategy store: nil pool")
	}
	var n int64
	if err := s.pool.QueryRow(ctx, strategyCountSQL).Scan(&n); err != nil {
		return 0, fmt.Errorf("strategy store: count: %w", err)
	}
	return uint64(n), nil
}

func scanStrategy(row rowScanner) (strategy.Strategy, error) {
	var (
		id, user  string
		hooksJSON []byte
		st        strategy.Strategy
	)
	if err := row.Scan(&id, &user, &hooksJSON, &st.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return strategy.Strategy{}, err
		}
		return strategy.Strategy{}, fmt.Errorf("strategy store: scan: %w", err)
	}
	hooks, err := decodeJSON[[]common.Address](hooksJSON)
	if err != nil {
		return strategy.Strategy{}, fmt.Errorf("strategy store: decode hooks: %w", err)
	}
	st.ID = common.HexToHash(id)
	st.User = common.HexToAddress(user)
	st.Hooks = hooks
	st.CreatedAt = st.CreatedAt.UTC()
	return st, nil
}

var _ strategy.Store = (*StrategyStore)(nil)
