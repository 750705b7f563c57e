package oracle

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"log"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/coachpo/kora/internal/domain/batch"
	"github.com/coachpo/kora/internal/domain/fhe"
)

func committee(t *testing.T, n int) ([]*ecdsa.PrivateKey, []common.Address) {
	t.Helper()
	keys := make([]*ecdsa.PrivateKey, n)
	addrs := make([]common.Address, n)
	for i := range keys {
		k, err := crypto.GenerateKey()
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		keys[i] = k
		addrs[i] = crypto.PubkeyToAddress(k.PublicKey)
	}
	return keys, addrs
}

func TestVerifyThreshold(t *testing.T) {
	keys, addrs := committee(t, 3)
	set, err := NewSignerSet(addrs, 2)
	if err != nil {
		t.Fatalf("signer set: %v", err)
	}
	clear := []uint64{750_000, 0b11}

	one, _ := Sign(keys[0], 7, clear)
	two, _ := Sign(keys[1], 7, clear)
	if err := set.Verify(7, clear, [][]byte{one}); !errors.Is(err, ErrInvalidKMSSignatures) {
		t.Fatalf("expected single signature to fail threshold, got %v", err)
	}
	if err := set.Verify(7, clear, [][]byte{one, one}); !errors.Is(err, ErrInvalidKMSSignatures) {
		t.Fatalf("duplicate signer must count once, got %v", err)
	}
	if err := set.Verify(7, clear, [][]byte{one, two}); err != nil {
		t.Fatalf("expected 2-of-3 to verify: %v", err)
	}
	if err := set.Verify(7, []uint64{750_001, 0b11}, [][]byte{one, two}); !errors.Is(err, ErrInvalidKMSSignatures) {
		t.Fatalf("tampered cleartext must fail, got %v", err)
	}
	if err := set.Verify(8, clear, [][]byte{one, two}); !errors.Is(err, ErrInvalidKMSSignatures) {
		t.Fatalf("signatures for another request must fail, got %v", err)
	}
}

func TestVerifyAcceptsLegacyRecoveryID(t *testing.T) {
	keys, addrs := committee(t, 1)
	set, _ := NewSignerSet(addrs, 1)
	sig, _ := Sign(keys[0], 1, []uint64{5})
	sig[64] += 27
	if err := set.Verify(1, []uint64{5}, [][]byte{sig}); err != nil {
		t.Fatalf("expected v=27/28 signature to verify: %v", err)
	}
}

func TestVerifyIgnoresForeignSigners(t *testing.T) {
	_, addrs := committee(t, 2)
	outsiders, _ := committee(t, 2)
	set, _ := NewSignerSet(addrs, 1)
	sig, _ := Sign(outsiders[0], 1, []uint64{5})
	if err := set.Verify(1, []uint64{5}, [][]byte{sig, []byte("junk")}); !errors.Is(err, ErrInvalidKMSSignatures) {
		t.Fatalf("expected outsider signature to be rejected, got %v", err)
	}
}

func TestNewSignerSetValidation(t *testing.T) {
	_, addrs := committee(t, 2)
	if _, err := NewSignerSet(nil, 1); err == nil {
		t.Fatalf("expected empty set to fail")
	}
	if _, err := NewSignerSet(addrs, 3); err == nil {
		t.Fatalf("expected threshold above n to fail")
	}
	if _, err := NewSignerSet([]common.Address{addrs[0], addrs[0]}, 1); err == nil {
		t.Fatalf("expected duplicate signer to fail")
	}
}

func TestMemoryLedgerSingleUse(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	first, _ := l.NextRequestID(ctx)
	second, _ := l.NextRequestID(ctx)
	if second <= first {
		t.Fatalf("request ids must increase: %d then %d", first, second)
	}
	hs := []fhe.Handle{{1}}
	if err := l.SaveHandles(ctx, first, hs); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := l.SaveHandles(ctx, first, hs); !errors.Is(err, ErrHandlesAlreadySaved) {
		t.Fatalf("expected HandlesAlreadySavedForRequestID, got %v", err)
	}
	if _, err := l.Handles(ctx, second); !errors.Is(err, ErrNoHandleFound) {
		t.Fatalf("expected NoHandleFoundForRequestID, got %v", err)
	}
	if err := l.MarkFulfilled(ctx, first); err != nil {
		t.Fatalf("mark: %v", err)
	}
	err := l.MarkFulfilled(ctx, first)
	if !errors.Is(err, ErrAlreadyFulfilled) || !errors.Is(err, batch.ErrBatchAlreadyCompleted) {
		t.Fatalf("expected second claim to fail as already completed, got %v", err)
	}
	if err := l.Release(ctx, first); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := l.MarkFulfilled(ctx, first); err != nil {
		t.Fatalf("claim after release: %v", err)
	}
}

func TestAnnouncerLogsRequest(t *testing.T) {
	var buf bytes.Buffer
	a := NewAnnouncer(log.New(&buf, "", 0))
	h := fhe.Handle{31: 0xab}
	if err := a.RequestDecryption(context.Background(), 12, []fhe.Handle{h}); err != nil {
		t.Fatalf("RequestDecryption() error = %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "request 12") || !strings.Contains(out, h.Hex()) {
		t.Fatalf("unexpected announcement %q", out)
	}
}
