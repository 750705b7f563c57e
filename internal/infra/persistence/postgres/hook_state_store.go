package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/kora/internal/app/hooks"
)

// HookStateStore persists per-strategy hook state documents.
type HookStateStore struct {
	pool *pgxpool.Pool
}

// NewHookStateStore constructs a HookStateStore backed by the provided pgx pool.
func NewHookStateStore(pool *pgxpool.Pool) *HookStateStore {
	return &HookStateStore{pool: pool}
}

const (
	hookStateLoadSQL = `
SELECT state
FROM hook_states
WHERE kind = $1 AND strategy_id = $2;
`

	hookStateSaveSQL = `
INSERT INTO hook_states (kind, strategy_id, state, updated_at)
VALUES ($1, $2, $3::jsonb, NOW())
ON CONFLICT (kind, strategy_id) DO UPDATE
SET state = EXCLUDED.state,
    updated_at = NOW();
`

	hookStateDeleteSQL = `
DELETE FROM hook_states
WHERE kind = $1 AND strategy_id = $2;
`

	hookStateRangeSQL = `
SELECT strategy_id, state
FROM hook_states
WHERE kind = $1
ORDER BY strategy_id;
`
)

func (s *HookStateStore) Load(ctx context.Context, kind hooks.Kind, strategyID common.Hash) ([]byte, bool, error) {
	if s.pool == nil {
		return nil, false, fmt.Errorf("hook state store: nil pool")
	}
	var doc []byte
	err := s.pool.QueryRow(ctx, hookStateLoadSQL, kind.String(), strategyID.Hex()).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("hook state store: load: %w", err)
	}
	return doc, true, nil
}

func (s *HookStateStore) Save(ctx context.Context, kind hooks.Kind, strategyID common.Hash, doc []byte) error {
	if s.pool == nil {
		return fmt.Errorf("hook state store: nil pool")
	}
	if _, err := s.pool.Exec(ctx, hookStateSaveSQL, kind.String(), strategyID.Hex(), doc); err != nil {
		return fmt.Errorf("hook state store: save: %w", err)
	}
	return nil
}

func (s *HookStateStore) Delete(ctx context.Context, kind hooks.Kind, strategyID common.Hash) error {
	if s.pool == nil {
		return fmt.Errorf("hook state store: nil pool")
	}
	if _, err := s.pool.Exec(ctx, hookStateDeleteSQL, kind.String(), strategyID.Hex()); err != nil {
		return fmt.Errorf("hook state store: delete: %w", err)
	}
	return nil
}

var _ hooks.StateStore = (*HookStateStore)(nil)

func (s *HookStateStore) Range(ctx context.Context, kind hooks.Kind, fn func(strategyID common.Hash, doc []byte) error) error {
	if s.pool == nil {
		return fmt.Errorf("hook state store: nil pool")
	}
	rows, err := s.pool.Query(ctx, hookStateRangeSQL, kind.String())
	if err != nil {
		return fmt.Errorf("hook state store: range: %w", err)
	}
	type row struct {
		id  common.Hash
		doc []byte
	}
	var all []row
	for rows.Next() {
		var id string
		var doc []byte
		if err := rows.Scan(&id, &doc); err != nil {
			rows.Close()
			return fmt.Errorf("hook state store: scan: %w", err)
		}
		all = append(all, row{id: common.HexToHash(id), doc: doc})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("hook state store: range: %w", err)
	}
	for _, r := range all {
		if err := fn(r.id, r.doc); err != nil {
			return err
		}
	}
	return nil
}
