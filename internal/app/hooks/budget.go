package hooks

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/coachpo/kora/internal/domain/fhe"
	"github.com/coachpo/kora/internal/domain/intent"
)

// Budget caps the cumulative amount a strategy may spend.
type Budget struct {
	base
}

// LastApplied marks the intent most recently added to Spent. A strategy has at most
// one intent per batch, so only a redelivery of that intent can repeat.
type budgetState struct {
	Owner       common.Address `json:"owner"`
	MaxBudget   fhe.Euint64    `json:"maxBudget"`
	Spent       fhe.Euint64    `json:"spent"`
	LastApplied common.Hash    `json:"lastApplied"`
}

func (s budgetState) handles() []fhe.Handle {
	return []fhe.Handle{s.MaxBudget.Handle(), s.Spent.Handle()}
}

func (h *Budget) Initialize(ctx context.Context, caller common.Address, strategyID common.Hash, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	owner, maxBudget, err := h.importParam(ctx, caller, strategyID, data)
	if err != nil {
		return err
	}
	spent := h.cp.AsEuint64(0)
	if err := h.cp.Allow(spent.Handle(), owner); err != nil {
		return err
	}
	return save(ctx, &h.base, strategyID, budgetState{Owner: owner, MaxBudget: maxBudget, Spent: spent})
}

// PreSwap passes when spent + amount stays within maxBudget without wrapping.
func (h *Budget) PreSwap(ctx context.Context, strategyID common.Hash, in Input, _ time.Time) (fhe.Ebool, error) {
	st, err := load[budgetState](ctx, &h.base, strategyID)
	if err != nil {
		return fhe.Ebool{}, err
	}
	next, err := h.cp.Add(st.Spent, in.Amount)
	if err != nil {
		return fhe.Ebool{}, err
	}
	noWrap, err := h.cp.Ge(next, st.Spent)
	if err != nil {
		return fhe.Ebool{}, err
	}
	within, err := h.cp.Le(next, st.MaxBudget)
	if err != nil {
		return fhe.Ebool{}, err
	}
	return h.cp.And(noWrap, within)
}

// PostSwap adds an accepted intent's amount to spent. Redelivering the last applied
// intent is a no-op.
func (h *Budget) PostSwap(ctx context.Context, caller common.Address, strategyID common.Hash, result intent.Result, _ time.Time) error {
	if err := h.onlyExecutor(caller); err != nil {
		return err
	}
	if !result.HasPassedChecks {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	st, err := load[budgetState](ctx, &h.base, strategyID)
	if err != nil {
		return err
	}
	if st.LastApplied == result.IntentID {
		return nil
	}
	spent, err := h.cp.Add(st.Spent, result.Amount)
	if err != nil {
		return err
	}
	if err := h.cp.Allow(spent.Handle(), st.Owner); err != nil {
		return err
	}
	st.Spent = spent
	st.LastApplied = result.IntentID
	return save(ctx, &h.base, strategyID, st)
}

// UpdateMaxBudget replaces the cap with a freshly proven ciphertext. Owner only.
func (h *Budget) UpdateMaxBudget(ctx context.Context, caller common.Address, strategyID common.Hash, param fhe.External) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, err := load[budgetState](ctx, &h.base, strategyID)
	if err != nil {
		return err
	}
	if err := h.onlyOwner(caller, st.Owner); err != nil {
		return err
	}
	maxBudget, err := h.cp.FromExternal(param, h.addr, st.Owner)
	if err != nil {
		return err
	}
	if err := h.cp.Allow(maxBudget.Handle(), st.Owner); err != nil {
		return err
	}
	st.MaxBudget = maxBudget
	return save(ctx, &h.base, strategyID, st)
}

// Spent returns the encrypted cumulative spend.
func (h *Budget) Spent(ctx context.Context, strategyID common.Hash) (fhe.Euint64, error) {
	st, err := load[budgetState](ctx, &h.base, strategyID)
	if err != nil {
		return fhe.Euint64{}, err
	}
	return st.Spent, nil
}

// MaxBudget returns the encrypted cap.
func (h *Budget) MaxBudget(ctx context.Context, strategyID common.Hash) (fhe.Euint64, error) {
	st, err := load[budgetState](ctx, &h.base, strategyID)
	if err != nil {
		return fhe.Euint64{}, err
	}
	return st.MaxBudget, nil
}
