package hooks

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/coachpo/kora/internal/domain/fhe"
	"github.com/coachpo/kora/internal/domain/intent"
)

// Timeframe expires a strategy at an encrypted unix timestamp.
type Timeframe struct {
	base
}

type timeframeState struct {
	Owner      common.Address `json:"owner"`
	ValidUntil fhe.Euint64    `json:"validUntil"`
}

func (s timeframeState) handles() []fhe.Handle { return []fhe.Handle{s.ValidUntil.Handle()} }

func (h *Timeframe) Initialize(ctx context.Context, caller common.Address, strategyID common.Hash, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	owner, validUntil, err := h.importParam(ctx, caller, strategyID, data)
	if err != nil {
		return err
	}
	return save(ctx, &h.base, strategyID, timeframeState{Owner: owner, ValidUntil: validUntil})
}

// PreSwap passes while now <= validUntil.
func (h *Timeframe) PreSwap(ctx context.Context, strategyID common.Hash, _ Input, now time.Time) (fhe.Ebool, error) {
	st, err := load[timeframeState](ctx, &h.base, strategyID)
	if err != nil {
		return fhe.Ebool{}, err
	}
	return h.cp.Le(h.cp.AsEuint64(unixSeconds(now)), st.ValidUntil)
}

func (h *Timeframe) PostSwap(ctx context.Context, caller common.Address, strategyID common.Hash, _ intent.Result, _ time.Time) error {
	if err := h.onlyExecutor(caller); err != nil {
		return err
	}
	_, err := load[timeframeState](ctx, &h.base, strategyID)
	return err
}
