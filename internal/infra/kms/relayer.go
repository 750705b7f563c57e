// Package kms runs a local threshold KMS: it decrypts requested handles, signs the
// cleartexts with t-of-n committee keys and delivers the callback to the engine.
package kms

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/kora/errs"
	"github.com/coachpo/kora/internal/app/oracle"
	"github.com/coachpo/kora/internal/domain/batch"
	"github.com/coachpo/kora/internal/domain/fhe"
	"github.com/coachpo/kora/internal/infra/telemetry"
	"github.com/coachpo/kora/lib/async"
)

const (
	defaultWorkers         = 4
	defaultQueue           = 64
	defaultMaxAttempts     = 8
	defaultInitialInterval = 200 * time.Millisecond
	defaultMaxInterval     = 10 * time.Second
)

var (
	ErrNoFulfiller = errs.New("kms", errs.CodeUnavailable, errs.WithMessage("no fulfiller attached"))
	ErrNoKeys      = errs.New("kms", errs.CodeInvalid, errs.WithMessage("threshold exceeds committee keys"))
)

var _ oracle.Requester = (*Relayer)(nil)

// Relayer is an oracle.Requester backed by local committee keys.
type Relayer struct {
	decrypter fhe.Decrypter
	keys      []*ecdsa.PrivateKey
	threshold int
	pool      *async.Pool
	logger    *log.Logger

	workers         int
	queue           int
	maxAttempts     int
	initialInterval time.Duration
	maxInterval     time.Duration
	latency         time.Duration

	mu        sync.RWMutex
	fulfiller oracle.Fulfiller

	deliveries metric.Int64Counter
}

// Option configures a Relayer.
type Option func(*Relayer)

// WithLogger overrides the relayer logger.
func WithLogger(l *log.Logger) Option {
	return func(r *Relayer) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithPool sizes the delivery worker pool.
func WithPool(workers, queue int) Option {
	return func(r *Relayer) {
		if workers > 0 {
			r.workers = workers
		}
		if queue >= 0 {
			r.queue = queue
		}
	}
}

// WithRetry bounds delivery retries.
func WithRetry(maxAttempts int, initial, maxInterval time.Duration) Option {
	return func(r *Relayer) {
		if maxAttempts > 0 {
			r.maxAttempts = maxAttempts
		}
		if initial > 0 {
			r.initialInterval = initial
		}
		if maxInterval > 0 {
			r.maxInterval = maxInterval
		}
	}
}

// WithLatency delays every response, simulating the asynchronous KMS round trip.
func WithLatency(d time.Duration) Option {
	return func(r *Relayer) {
		if d > 0 {
			r.latency = d
		}
	}
}

// New constructs a relayer signing with the first threshold keys.
func New(decrypter fhe.Decrypter, keys []*ecdsa.PrivateKey, threshold int, opts ...Option) (*Relayer, error) {
	if decrypter == nil {
		return nil, fmt.Errorf("kms: decrypter required")
	}
	if threshold <= 0 || threshold > len(keys) {
		return nil, ErrNoKeys.With(
			errs.WithField("threshold", strconv.Itoa(threshold)),
			errs.WithField("keys", strconv.Itoa(len(keys))))
	}
	r := &Relayer{
		decrypter:       decrypter,
		keys:            keys,
		threshold:       threshold,
		logger:          log.New(os.Stdout, "kms ", log.LstdFlags|log.Lmicroseconds),
		workers:         defaultWorkers,
		queue:           defaultQueue,
		maxAttempts:     defaultMaxAttempts,
		initialInterval: defaultInitialInterval,
		maxInterval:     defaultMaxInterval,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	pool, err := async.NewPool(r.workers, r.queue, async.WithErrorHandler(func(err error) {
		r.logger.Printf("delivery failed: %v", err)
	}))
	if err != nil {
		return nil, err
	}
	r.pool = pool

	meter := otel.Meter("kms")
	r.deliveries, _ = meter.Int64Counter("kora.kms.deliveries",
		metric.WithDescription("Decryption callbacks delivered by the local KMS"),
		metric.WithUnit("{callback}"))
	return r, nil
}

// ParseKeys decodes hex encoded secp256k1 private keys.
func ParseKeys(hexKeys []string) ([]*ecdsa.PrivateKey, error) {
	keys := make([]*ecdsa.PrivateKey, 0, len(hexKeys))
	for i, raw := range hexKeys {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
		if err != nil {
			return nil, fmt.Errorf("kms key %d: %w", i, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// Signers returns the committee addresses in key order.
func (r *Relayer) Signers() []common.Address {
	out := make([]common.Address, len(r.keys))
	for i, key := range r.keys {
		out[i] = crypto.PubkeyToAddress(key.PublicKey)
	}
	return out
}

// Threshold returns how many keys sign each response.
func (r *Relayer) Threshold() int { return r.threshold }

// Attach sets the callback target.
func (r *Relayer) Attach(f oracle.Fulfiller) {
	r.mu.Lock()
	r.fulfiller = f
	r.mu.Unlock()
}

// RequestDecryption schedules decryption and delivery; it returns once the job is queued.
func (r *Relayer) RequestDecryption(ctx context.Context, requestID uint64, handles []fhe.Handle) error {
	r.mu.RLock()
	f := r.fulfiller
	r.mu.RUnlock()
	if f == nil {
		return ErrNoFulfiller
	}
	snapshot := append([]fhe.Handle(nil), handles...)
	return r.pool.Submit(context.WithoutCancel(ctx), func(taskCtx context.Context) error {
		if r.latency > 0 {
			select {
			case <-taskCtx.Done():
				return taskCtx.Err()
			case <-time.After(r.latency):
			}
		}
		resp, err := r.Respond(requestID, snapshot)
		if err != nil {
			return err
		}
		return r.deliver(taskCtx, f, resp)
	})
}

// Respond decrypts handles and signs the cleartexts for requestID.
func (r *Relayer) Respond(requestID uint64, handles []fhe.Handle) (oracle.Response, error) {
	clear := make([]uint64, len(handles))
	for i, h := range handles {
		v, err := r.decrypter.Decrypt(h)
		if err != nil {
			return oracle.Response{}, fmt.Errorf("decrypt request %d handle %d: %w", requestID, i, err)
		}
		clear[i] = v
	}
	resp := oracle.Response{RequestID: requestID, Cleartexts: clear, Signatures: make([][]byte, 0, r.threshold)}
	for _, key := range r.keys[:r.threshold] {
		sig, err := oracle.Sign(key, requestID, clear)
		if err != nil {
			return oracle.Response{}, fmt.Errorf("sign request %d: %w", requestID, err)
		}
		resp.Signatures = append(resp.Signatures, sig)
	}
	return resp, nil
}

func (r *Relayer) deliver(ctx context.Context, f oracle.Fulfiller, resp oracle.Response) error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = r.initialInterval
	backoffCfg.MaxInterval = r.maxInterval

	for attempt := 1; ; attempt++ {
		err := f.Fulfill(ctx, resp)
		if err == nil {
			r.record(ctx, telemetry.ResultSuccess, "")
			r.logger.Printf("request %d delivered after %d attempt(s)", resp.RequestID, attempt)
			return nil
		}
		if permanent(err) || attempt >= r.maxAttempts {
			r.record(ctx, telemetry.ResultError, string(errs.CanonicalOf(err)))
			return fmt.Errorf("deliver request %d after %d attempt(s): %w", resp.RequestID, attempt, err)
		}
		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = r.maxInterval
		}
		r.logger.Printf("request %d: attempt %d failed, retrying in %s: %v", resp.RequestID, attempt, sleep, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

func (r *Relayer) record(ctx context.Context, result, errorType string) {
	if r.deliveries == nil {
		return
	}
	r.deliveries.Add(ctx, 1, metric.WithAttributes(
		telemetry.OperationResultAttributes(telemetry.Environment(), "kms_delivery", result, errorType)...))
}

// permanent reports failures a retry cannot fix.
func permanent(err error) bool {
	return errors.Is(err, batch.ErrBatchAlreadyCompleted) ||
		errors.Is(err, batch.ErrNonExistentBatch) ||
		errors.Is(err, oracle.ErrInvalidKMSSignatures)
}

// Shutdown drains queued deliveries.
func (r *Relayer) Shutdown(ctx context.Context) error {
	return r.pool.Shutdown(ctx)
}
