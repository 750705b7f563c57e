package hooks

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/coachpo/kora/internal/domain/fhe"
	"github.com/coachpo/kora/internal/domain/intent"
)

// PurchaseAmount caps the size of a single intent.
type PurchaseAmount struct {
	base
}

type purchaseAmountState struct {
	Owner             common.Address `json:"owner"`
	MaxPurchaseAmount fhe.Euint64    `json:"maxPurchaseAmount"`
}

func (s purchaseAmountState) handles() []fhe.Handle {
	return []fhe.Handle{s.MaxPurchaseAmount.Handle()}
}

func (h *PurchaseAmount) Initialize(ctx context.Context, caller common.Address, strategyID common.Hash, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	owner, maxAmount, err := h.importParam(ctx, caller, strategyID, data)
	if err != nil {
		return err
	}
	return save(ctx, &h.base, strategyID, purchaseAmountState{Owner: owner, MaxPurchaseAmount: maxAmount})
}

func (h *PurchaseAmount) PreSwap(ctx context.Context, strategyID common.Hash, in Input, _ time.Time) (fhe.Ebool, error) {
	st, err := load[purchaseAmountState](ctx, &h.base, strategyID)
	if err != nil {
		return fhe.Ebool{}, err
	}
	return h.cp.Le(in.Amount, st.MaxPurchaseAmount)
}

// PostSwap has nothing to commit.
func (h *PurchaseAmount) PostSwap(ctx context.Context, caller common.Address, strategyID common.Hash, _ intent.Result, _ time.Time) error {
	if err := h.onlyExecutor(caller); err != nil {
		return err
	}
	_, err := load[purchaseAmountState](ctx, &h.base, strategyID)
	return err
}

// UpdateMaxPurchaseAmount replaces the per-intent cap. Owner only.
func (h *PurchaseAmount) UpdateMaxPurchaseAmount(ctx context.Context, caller common.Address, strategyID common.Hash, param fhe.External) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, err := load[purchaseAmountState](ctx, &h.base, strategyID)
	if err != nil {
		return err
	}
	if err := h.onlyOwner(caller, st.Owner); err != nil {
		return err
	}
	maxAmount, err := h.cp.FromExternal(param, h.addr, st.Owner)
	if err != nil {
		return err
	}
	if err := h.cp.Allow(maxAmount.Handle(), st.Owner); err != nil {
		return err
	}
	st.MaxPurchaseAmount = maxAmount
	return save(ctx, &h.base, strategyID, st)
}
