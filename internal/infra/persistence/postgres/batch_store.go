package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/kora/errs"
	"github.com/coachpo/kora/internal/domain/batch"
	"github.com/coachpo/kora/internal/domain/fhe"
)

// BatchStore persists execution batches keyed by decryption request id.
type BatchStore struct {
	pool *pgxpool.Pool
}

// NewBatchStore constructs a BatchStore backed by the provided pgx pool.
func NewBatchStore(pool *pgxpool.Pool) *BatchStore {
	return &BatchStore{pool: pool}
}

const batchColumns = `
    request_id,
    status,
    requester,
    total_in,
    packed_checks,
    entries,
    requested_at,
    clear_total_in,
    total_out,
    processed,
    resolved_at`

const (
	batchInsertSQL = `
INSERT INTO batches (request_id, status, requester, total_in, packed_checks, entries, requested_at)
VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)
ON CONFLICT (request_id) DO NOTHING;
`

	batchGetSQL = `SELECT` + batchColumns + `
FROM batches
WHERE request_id = $1;
`

	batchResolveSQL = `
UPDATE batches
SET status = $2,
    clear_total_in = $3,
    total_out = $4,
    processed = $5,
    resolved_at = $6
WHERE request_id = $1
  AND status = 'pending_decryption';
`

	batchListPendingSQL = `SELECT` + batchColumns + `
FROM batches
WHERE status = 'pending_decryption'
  AND requested_at <= $1
ORDER BY requested_at ASC, request_id ASC;
`

	batchCountSQL = `SELECT COUNT(*) FROM batches;`
)

// Create inserts a new batch.
func (s *BatchStore) Create(ctx context.Context, b batch.Batch) error {
	if s.pool == nil {
		return fmt.Errorf("batch store: nil pool")
	}
	entries, err := encodeJSON(b.Entries, "[]")
	if err != nil {
		return fmt.Errorf("batch store: encode entries: %w", err)
	}
	tag, err := s.pool.Exec(ctx, batchInsertSQL,
		numericFromUint64(b.RequestID),
		b.Status.String(),
		b.Requester.Hex(),
		b.TotalIn.Handle().Hex(),
		b.PackedChecks.Handle().Hex(),
		entries,
		b.RequestedAt,
	)
	if err != nil {
		return fmt.Errorf("batch store: insert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.New("batch store", errs.CodeConflict,
			errs.WithMessage("batch exists"),
			errs.WithField("request_id", strconv.FormatUint(b.RequestID, 10)))
	}
	return nil
}

// Get loads a batch; unknown ids fail with NonExistentBatch.
func (s *BatchStore) Get(ctx context.Context, requestID uint64) (batch.Batch, error) {
	if s.pool == nil {
		return batch.Batch{}, fmt.Errorf("batch store: nil pool")
	}
	b, err := scanBatch(s.pool.QueryRow(ctx, batchGetSQL, numericFromUint64(requestID)))
	if errors.Is(err, pgx.ErrNoRows) {
		return batch.Batch{}, batch.ErrNonExistentBatch.With(errs.WithField("request_id", strconv.FormatUint(requestID, 10)))
	}
	return b, err
}

// Resolve records the terminal state of a pending batch. The status guard in the
// UPDATE makes a concurrent second resolution fail with BatchAlreadyCompleted.
func (s *BatchStore) Resolve(ctx context.Context, b batch.Batch) error {
	if s.pool == nil {
		return fmt.Errorf("batch store: nil pool")
	}
	var resolvedAt pgtype.Timestamptz
	if !b.ResolvedAt.IsZero() {
		resolvedAt = pgtype.Timestamptz{Time: b.ResolvedAt, Valid: true}
	}
	tag, err := s.pool.Exec(ctx, batchResolveSQL,
		numericFromUint64(b.RequestID),
		b.Status.String(),
		numericFromUint64(b.ClearTotalIn),
		numericFromUint64(b.TotalOut),
		b.Processed,
		resolvedAt,
	)
	if err != nil {
		return fmt.Errorf("batch store: resolve: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, b.RequestID); err != nil {
			return err
		}
		return batch.ErrBatchAlreadyCompleted.With(errs.WithField("request_id", strconv.FormatUint(b.RequestID, 10)))
	}
	return nil
}

// ListPending returns pending batches requested at or before requestedBefore.
func (s *BatchStore) ListPending(ctx context.Context, requestedBefore time.Time) ([]batch.Batch, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("batch store: nil pool")
	}
	rows, err := s.pool.Query(ctx, batchListPendingSQL, requestedBefore)
	if err != nil {
		return nil, fmt.Errorf("batch store: list pending: %w", err)
	}
	defer rows.Close()

	var out []batch.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("batch store: iterate pending: %w", err)
	}
	return out, nil
}

// Count returns the number of batches ever created.
func (s *BatchStore) Count(ctx context.Context) (uint64, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("batch store: nil pool")
	}
	var n int64
	if err := s.pool.QueryRow(ctx, batchCountSQL).Scan(&n); err != nil {
		return 0, fmt.Errorf("batch store: count: %w", err)
	}
	return uint64(n), nil
}

func scanBatch(row rowScanner) (batch.Batch, error) {
	var (
		b                          batch.Batch
		requestID, clearIn, outAmt pgtype.Numeric
		status, requester          string
		totalIn, packed            string
		entriesJSON                []byte
		resolvedAt                 pgtype.Timestamptz
	)
	if err := row.Scan(
		&requestID,
		&status,
		&requester,
		&totalIn,
		&packed,
		&entriesJSON,
		&b.RequestedAt,
		&clearIn,
		&outAmt,
		&b.Processed,
		&resolvedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return batch.Batch{}, err
		}
		return batch.Batch{}, fmt.Errorf("batch store: scan: %w", err)
	}
	var err error
	if b.RequestID, err = uint64FromNumeric(requestID); err != nil {
		return batch.Batch{}, fmt.Errorf("batch store: request id: %w", err)
	}
	if b.ClearTotalIn, err = uint64FromNumeric(clearIn); err != nil {
		return batch.Batch{}, fmt.Errorf("batch store: clear total in: %w", err)
	}
	if b.TotalOut, err = uint64FromNumeric(outAmt); err != nil {
		return batch.Batch{}, fmt.Errorf("batch store: total out: %w", err)
	}
	if b.Status, err = batch.ParseStatus(status); err != nil {
		return batch.Batch{}, fmt.Errorf("batch store: %w", err)
	}
	if b.TotalIn, err = parseEuint64(totalIn); err != nil {
		return batch.Batch{}, fmt.Errorf("batch store: total in handle: %w", err)
	}
	if b.PackedChecks, err = parseEuint64(packed); err != nil {
		return batch.Batch{}, fmt.Errorf("batch store: packed checks handle: %w", err)
	}
	if b.Entries, err = decodeJSON[[]batch.Entry](entriesJSON); err != nil {
		return batch.Batch{}, fmt.Errorf("batch store: decode entries: %w", err)
	}
	b.Requester = common.HexToAddress(requester)
	b.RequestedAt = b.RequestedAt.UTC()
	if resolvedAt.Valid {
		b.ResolvedAt = resolvedAt.Time.UTC()
	}
	return b, nil
}

func parseEuint64(s string) (fhe.Euint64, error) {
	h, err := fhe.ParseHandle(s)
	if err != nil {
		return fhe.Euint64{}, err
	}
	return fhe.AsEuint64Handle(h)
}

var _ batch.Store = (*BatchStore)(nil)
