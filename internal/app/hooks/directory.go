package hooks

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/coachpo/kora/internal/domain/fhe"
)

// Directory resolves hook addresses to deployed hook instances. An address outside the
// directory is not a callable hook.
type Directory struct {
	byAddr map[common.Address]Hook
	order  []Hook
}

// NewDirectory indexes hooks by address.
func NewDirectory(hooks ...Hook) (*Directory, error) {
	d := &Directory{byAddr: make(map[common.Address]Hook, len(hooks))}
	for _, h := range hooks {
		if h == nil {
			continue
		}
		if _, dup := d.byAddr[h.Address()]; dup {
			return nil, fmt.Errorf("hooks: duplicate hook address %s", h.Address().Hex())
		}
		d.byAddr[h.Address()] = h
		d.order = append(d.order, h)
	}
	return d, nil
}

// NewStandardDirectory deploys one hook of every kind at the supplied or default addresses.
func NewStandardDirectory(base Config, addrs map[Kind]common.Address) (*Directory, error) {
	hooks := make([]Hook, 0, len(Kinds()))
	for _, kind := range Kinds() {
		cfg := base
		cfg.Address = addrs[kind]
		h, err := New(kind, cfg)
		if err != nil {
			return nil, err
		}
		hooks = append(hooks, h)
	}
	return NewDirectory(hooks...)
}

// Lookup returns the hook deployed at addr.
func (d *Directory) Lookup(addr common.Address) (Hook, bool) {
	h, ok := d.byAddr[addr]
	return h, ok
}

// ByKind returns the first hook of kind.
func (d *Directory) ByKind(kind Kind) (Hook, bool) {
	for _, h := range d.order {
		if h.Kind() == kind {
			return h, true
		}
	}
	return nil, false
}

// LiveHandles lists every ciphertext held in the state of the directory's hooks.
func (d *Directory) LiveHandles(ctx context.Context) ([]fhe.Handle, error) {
	var out []fhe.Handle
	for _, h := range d.order {
		b := h.core()
		err := b.states.Range(ctx, b.kind, func(strategyID common.Hash, doc []byte) error {
			hs, err := stateHandles(b.kind, doc)
			if err != nil {
				return fmt.Errorf("hooks: %s state of %s: %w", b.kind, strategyID.Hex(), err)
			}
			out = append(out, hs...)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// All returns hooks in registration order.
func (d *Directory) All() []Hook {
	out := make([]Hook, len(d.order))
	copy(out, d.order)
	return out
}

// Budget returns the budget hook when deployed.
func (d *Directory) Budget() (*Budget, bool) {
	h, ok := d.ByKind(KindBudget)
	if !ok {
		return nil, false
	}
	b, ok := h.(*Budget)
	return b, ok
}

// PurchaseAmount returns the purchase amount hook when deployed.
func (d *Directory) PurchaseAmount() (*PurchaseAmount, bool) {
	h, ok := d.ByKind(KindPurchaseAmount)
	if !ok {
		return nil, false
	}
	p, ok := h.(*PurchaseAmount)
	return p, ok
}
