package hooks

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/coachpo/kora/internal/domain/fhe"
	"github.com/coachpo/kora/internal/domain/intent"
)

// Frequency enforces a minimum interval, in seconds, between executions.
type Frequency struct {
	base
}

type frequencyState struct {
	Owner          common.Address `json:"owner"`
	Frequency      fhe.Euint64    `json:"frequency"`
	LastExecutedAt fhe.Euint64    `json:"lastExecutedAt"`
}

func (s frequencyState) handles() []fhe.Handle {
	return []fhe.Handle{s.Frequency.Handle(), s.LastExecutedAt.Handle()}
}

func (h *Frequency) Initialize(ctx context.Context, caller common.Address, strategyID common.Hash, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	owner, frequency, err := h.importParam(ctx, caller, strategyID, data)
	if err != nil {
		return err
	}
	return save(ctx, &h.base, strategyID, frequencyState{
		Owner:          owner,
		Frequency:      frequency,
		LastExecutedAt: h.cp.AsEuint64(0),
	})
}

// PreSwap passes when now >= lastExecutedAt + frequency. A sum that wraps means the
// next execution is never due. It never touches lastExecutedAt.
func (h *Frequency) PreSwap(ctx context.Context, strategyID common.Hash, _ Input, now time.Time) (fhe.Ebool, error) {
	st, err := load[frequencyState](ctx, &h.base, strategyID)
	if err != nil {
		return fhe.Ebool{}, err
	}
	due, err := h.cp.Add(st.LastExecutedAt, st.Frequency)
	if err != nil {
		return fhe.Ebool{}, err
	}
	noWrap, err := h.cp.Ge(due, st.LastExecutedAt)
	if err != nil {
		return fhe.Ebool{}, err
	}
	elapsed, err := h.cp.Ge(h.cp.AsEuint64(unixSeconds(now)), due)
	if err != nil {
		return fhe.Ebool{}, err
	}
	return h.cp.And(noWrap, elapsed)
}

// PostSwap records now as the last execution time.
func (h *Frequency) PostSwap(ctx context.Context, caller common.Address, strategyID common.Hash, result intent.Result, now time.Time) error {
	if err := h.onlyExecutor(caller); err != nil {
		return err
	}
	if !result.HasPassedChecks {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	st, err := load[frequencyState](ctx, &h.base, strategyID)
	if err != nil {
		return err
	}
	st.LastExecutedAt = h.cp.AsEuint64(unixSeconds(now))
	return save(ctx, &h.base, strategyID, st)
}
