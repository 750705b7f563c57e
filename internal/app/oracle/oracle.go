// Package oracle implements the engine side of the threshold decryption protocol:
// request bookkeeping with single-use fulfillment markers and KMS signature checks.
package oracle

import (
	"context"

	"github.com/coachpo/kora/errs"
	"github.com/coachpo/kora/internal/domain/fhe"
)

var (
	ErrHandlesAlreadySaved  = errs.Domain("oracle", errs.CodeConflict, errs.CanonicalHandlesAlreadySavedForRequestID)
	ErrNoHandleFound        = errs.Domain("oracle", errs.CodeNotFound, errs.CanonicalNoHandleFoundForRequestID)
	ErrInvalidKMSSignatures = errs.Domain("oracle", errs.CodeAuth, errs.CanonicalInvalidKMSSignatures)
	// ErrAlreadyFulfilled shares its canonical code with the batch layer so callers
	// can match either.
	ErrAlreadyFulfilled = errs.Domain("oracle", errs.CodeConflict, errs.CanonicalBatchAlreadyCompleted)
)

// Ledger tracks outstanding decryption requests.
type Ledger interface {
	// NextRequestID returns a fresh, strictly increasing request id.
	NextRequestID(ctx context.Context) (uint64, error)
	// SaveHandles records the handles of a request once; reuse fails with ErrHandlesAlreadySaved.
	SaveHandles(ctx context.Context, requestID uint64, handles []fhe.Handle) error
	// Handles fails with ErrNoHandleFound for unknown requests.
	Handles(ctx context.Context, requestID uint64) ([]fhe.Handle, error)
	// MarkFulfilled claims the single-use marker; a second claim fails with ErrAlreadyFulfilled.
	MarkFulfilled(ctx context.Context, requestID uint64) error
	// Release returns a claimed marker after a callback aborted before committing.
	Release(ctx context.Context, requestID uint64) error
}

// Requester forwards decryption requests to the threshold KMS.
type Requester interface {
	RequestDecryption(ctx context.Context, requestID uint64, handles []fhe.Handle) error
}

// Response is a signed decryption result.
type Response struct {
	RequestID  uint64   `json:"requestId"`
	Cleartexts []uint64 `json:"cleartexts"`
	Signatures [][]byte `json:"signatures"`
}

// Fulfiller consumes decryption responses.
type Fulfiller interface {
	Fulfill(ctx context.Context, resp Response) error
}
