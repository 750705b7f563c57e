// Package strategy defines registered DCA strategies and their persistence contract.
package strategy

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/coachpo/kora/errs"
)

var (
	ErrTooManyHooks        = errs.Domain("registry", errs.CodeInvalid, errs.CanonicalTooManyHooks)
	ErrHookNotAContract    = errs.Domain("registry", errs.CodeInvalid, errs.CanonicalHookNotAContract)
	ErrDuplicateStrategy   = errs.Domain("registry", errs.CodeConflict, errs.CanonicalDuplicateStrategy)
	ErrNonExistentStrategy = errs.Domain("registry", errs.CodeNotFound, errs.CanonicalNonExistentStrategy)
)

// Strategy is a user's registered recurring swap configuration. Its hook list is
// fixed at creation.
type Strategy struct {
	ID        common.Hash      `json:"id"`
	User      common.Address   `json:"user"`
	CreatedAt time.Time        `json:"createdAt"`
	Hooks     []common.Address `json:"hooks"`
}

// HookInit pairs a hook address with its encoded initializer.
type HookInit struct {
	Hook common.Address `json:"hook"`
	Data []byte         `json:"data"`
}

// ComputeID returns keccak256(abi.encode(user, salt)). It is pure and matches the id
// assigned at registration.
func ComputeID(user common.Address, salt common.Hash) common.Hash {
	return crypto.Keccak256Hash(common.LeftPadBytes(user.Bytes(), common.HashLength), salt.Bytes())
}

// Store persists strategies. Create fails with ErrDuplicateStrategy when the id exists;
// Get fails with ErrNonExistentStrategy.
type Store interface {
	Create(ctx context.Context, s Strategy) error
	Get(ctx context.Context, id common.Hash) (Strategy, error)
	ListByUser(ctx context.Context, user common.Address) ([]Strategy, error)
	Count(ctx context.Context) (uint64, error)
}
