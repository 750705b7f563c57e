// Package redisledger keeps the decryption request ledger in Redis so request ids
// and fulfillment markers survive restarts and are shared between engine replicas.
package redisledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/coachpo/kora/errs"
	"github.com/coachpo/kora/internal/app/oracle"
	"github.com/coachpo/kora/internal/domain/fhe"
)

const defaultPrefix = "kora:oracle"

// markFulfilledScript claims the single-use marker of a known request.
// KEYS[1] = handles key, KEYS[2] = marker key
// Returns 1 when claimed, 0 when already claimed, -1 when the request is unknown.
var markFulfilledScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return -1
end
if redis.call("SETNX", KEYS[2], "1") == 0 then
    return 0
end
return 1
`)

// Ledger implements oracle.Ledger on Redis.
type Ledger struct {
	client redis.UniversalClient
	prefix string
}

var _ oracle.Ledger = (*Ledger)(nil)

// Option configures a Ledger.
type Option func(*Ledger)

// WithPrefix namespaces every key.
func WithPrefix(prefix string) Option {
	return func(l *Ledger) {
		if trimmed := strings.TrimSpace(prefix); trimmed != "" {
			l.prefix = strings.TrimSuffix(trimmed, ":")
		}
	}
}

// New wraps an existing client.
func New(client redis.UniversalClient, opts ...Option) (*Ledger, error) {
	if client == nil {
		return nil, fmt.Errorf("redisledger: client required")
	}
	l := &Ledger{client: client, prefix: defaultPrefix}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l, nil
}

// Dial connects to addr and verifies the connection.
func Dial(ctx context.Context, addr, password string, db int, opts ...Option) (*Ledger, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return New(client, opts...)
}

// Close releases the client.
func (l *Ledger) Close() error {
	return l.client.Close()
}

func (l *Ledger) seqKey() string { return l.prefix + ":seq" }

func (l *Ledger) handlesKey(id uint64) string {
	return l.prefix + ":handles:" + strconv.FormatUint(id, 10)
}

func (l *Ledger) markerKey(id uint64) string {
	return l.prefix + ":fulfilled:" + strconv.FormatUint(id, 10)
}

func (l *Ledger) NextRequestID(ctx context.Context) (uint64, error) {
	id, err := l.client.Incr(ctx, l.seqKey()).Uint64()
	if err != nil {
		return 0, fmt.Errorf("redis incr request id: %w", err)
	}
	return id, nil
}

func (l *Ledger) SaveHandles(ctx context.Context, requestID uint64, handles []fhe.Handle) error {
	raw, err := json.Marshal(handles)
	if err != nil {
		return fmt.Errorf("encode handles: %w", err)
	}
	ok, err := l.client.SetNX(ctx, l.handlesKey(requestID), raw, 0).Result()
	if err != nil {
		return fmt.Errorf("redis save handles %d: %w", requestID, err)
	}
	if !ok {
		return oracle.ErrHandlesAlreadySaved.With(errs.WithField("request_id", strconv.FormatUint(requestID, 10)))
	}
	return nil
}

func (l *Ledger) Handles(ctx context.Context, requestID uint64) ([]fhe.Handle, error) {
	raw, err := l.client.Get(ctx, l.handlesKey(requestID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, oracle.ErrNoHandleFound.With(errs.WithField("request_id", strconv.FormatUint(requestID, 10)))
	}
	if err != nil {
		return nil, fmt.Errorf("redis load handles %d: %w", requestID, err)
	}
	var handles []fhe.Handle
	if err := json.Unmarshal(raw, &handles); err != nil {
		return nil, fmt.Errorf("decode handles %d: %w", requestID, err)
	}
	return handles, nil
}

func (l *Ledger) MarkFulfilled(ctx context.Context, requestID uint64) error {
	id := strconv.FormatUint(requestID, 10)
	res, err := markFulfilledScript.Run(ctx, l.client, []string{l.handlesKey(requestID), l.markerKey(requestID)}).Int64()
	if err != nil {
		return fmt.Errorf("redis mark fulfilled %d: %w", requestID, err)
	}
	switch res {
	case 1:
		return nil
	case 0:
		return oracle.ErrAlreadyFulfilled.With(errs.WithField("request_id", id))
	default:
		return oracle.ErrNoHandleFound.With(errs.WithField("request_id", id))
	}
}

func (l *Ledger) Release(ctx context.Context, requestID uint64) error {
	if err := l.client.Del(ctx, l.markerKey(requestID)).Err(); err != nil {
		return fmt.Errorf("redis release %d: %w", requestID, err)
	}
	return nil
}
