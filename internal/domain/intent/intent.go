// Package intent defines one-shot swap requests and their per-intent outcome.
package intent

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/coachpo/kora/internal/domain/fhe"
)

// Intent asks the engine to swap an encrypted amount on behalf of a strategy. It lives
// for the duration of one batch.
type Intent struct {
	ID         common.Hash  `json:"intentId"`
	StrategyID common.Hash  `json:"strategyId"`
	Amount     fhe.External `json:"amount"`
}

// Result is handed to every hook's PostSwap once the batch decryption resolved.
type Result struct {
	IntentID        common.Hash
	User            common.Address
	StrategyID      common.Hash
	Amount          fhe.Euint64
	HasPassedChecks bool
	HasPulledIn     bool
	RevertData      []byte
}

// NewID derives a fresh intent id as keccak256 of a random UUID, the way schedulers
// label recurring runs.
func NewID() common.Hash {
	id := uuid.New()
	return crypto.Keccak256Hash(id[:])
}
