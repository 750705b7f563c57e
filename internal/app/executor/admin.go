package executor

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/coachpo/kora/errs"
	"github.com/coachpo/kora/internal/app/oracle"
	"github.com/coachpo/kora/internal/domain/events"
)

var (
	ErrContractPaused = errs.Domain("admin", errs.CodeUnavailable, errs.CanonicalContractPaused)
	ErrNotOwner       = errs.Domain("admin", errs.CodeAuth, errs.CanonicalNotOwner)
	ErrZeroAddress    = errs.Domain("admin", errs.CodeInvalid, errs.CanonicalZeroAddress)
)

// Controls is the administrative capability: owner, pause flag and the KMS signer
// set. Entry points receive it explicitly instead of reading package state.
type Controls struct {
	mu      sync.RWMutex
	owner   common.Address
	paused  bool
	signers *oracle.SignerSet
	emitter *events.Emitter
}

// NewControls constructs unpaused controls owned by owner.
func NewControls(owner common.Address, signers *oracle.SignerSet, emitter *events.Emitter) (*Controls, error) {
	if owner == (common.Address{}) {
		return nil, ErrZeroAddress.With(errs.WithField("param", "owner"))
	}
	if signers == nil {
		return nil, errs.New("admin", errs.CodeInvalid, errs.WithMessage("signer set required"))
	}
	return &Controls{owner: owner, signers: signers, emitter: emitter}, nil
}

func (c *Controls) Owner() common.Address {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.owner
}

func (c *Controls) Paused() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.paused
}

// Signers returns the current KMS committee.
func (c *Controls) Signers() *oracle.SignerSet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.signers
}

// RequireNotPaused fails with ContractPaused while paused.
func (c *Controls) RequireNotPaused() error {
	if c.Paused() {
		return ErrContractPaused
	}
	return nil
}

// RequireOwner fails with OwnableUnauthorizedAccount unless caller is the owner.
func (c *Controls) RequireOwner(caller common.Address) error {
	if caller != c.Owner() {
		return ErrNotOwner.With(errs.WithField("account", caller.Hex()))
	}
	return nil
}

// SetPaused flips the pause flag. Setting the current value is a no-op.
func (c *Controls) SetPaused(ctx context.Context, caller common.Address, paused bool) error {
	c.mu.Lock()
	if caller != c.owner {
		c.mu.Unlock()
		return ErrNotOwner.With(errs.WithField("account", caller.Hex()))
	}
	changed := c.paused != paused
	c.paused = paused
	c.mu.Unlock()
	if changed {
		c.emitter.Emit(ctx, events.TypePauseStateChanged, "admin", "engine", events.PauseStateChanged{Paused: paused, By: caller})
	}
	return nil
}

// TransferOwnership hands the capability to newOwner.
func (c *Controls) TransferOwnership(ctx context.Context, caller, newOwner common.Address) error {
	if newOwner == (common.Address{}) {
		return ErrZeroAddress.With(errs.WithField("param", "newOwner"))
	}
	c.mu.Lock()
	if caller != c.owner {
		c.mu.Unlock()
		return ErrNotOwner.With(errs.WithField("account", caller.Hex()))
	}
	previous := c.owner
	c.owner = newOwner
	c.mu.Unlock()
	c.emitter.Emit(ctx, events.TypeOwnershipTransferred, "admin", "engine", events.OwnershipTransferred{
		PreviousOwner: previous,
		NewOwner:      newOwner,
	})
	return nil
}

// UpdateSigners replaces the KMS committee.
func (c *Controls) UpdateSigners(ctx context.Context, caller common.Address, signers []common.Address, threshold int) error {
	set, err := oracle.NewSignerSet(signers, threshold)
	if err != nil {
		return errs.New("admin", errs.CodeInvalid, errs.WithMessage("invalid signer set"), errs.WithCause(err))
	}
	c.mu.Lock()
	if caller != c.owner {
		c.mu.Unlock()
		return ErrNotOwner.With(errs.WithField("account", caller.Hex()))
	}
	c.signers = set
	c.mu.Unlock()
	c.emitter.Emit(ctx, events.TypeSignerSetUpdated, "admin", "engine", events.SignerSetUpdated{
		Signers:   set.Signers(),
		Threshold: set.Threshold(),
	})
	return nil
}
