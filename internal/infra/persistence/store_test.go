package persistence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/coachpo/kora/internal/domain/strategy"
)

func TestInMemoryStoresAreComplete(t *testing.T) {
	st := InMemory()
	if st.Strategies == nil || st.Batches == nil || st.HookStates == nil {
		t.Fatalf("expected every engine store, got %+v", st)
	}
	if st.Outbox != nil {
		t.Fatalf("memory stores must not carry an outbox")
	}
	if st.Durable() {
		t.Fatalf("memory stores must not report durable")
	}
	st.Close()
	st.Close()
}

func TestNilStoresCloseIsSafe(t *testing.T) {
	var st *Stores
	st.Close()
}

func TestRequireFreshRejectsExistingState(t *testing.T) {
	ctx := context.Background()
	st := InMemory()
	if err := st.RequireFresh(ctx); err != nil {
		t.Fatalf("empty stores: %v", err)
	}
	err := st.Strategies.Create(ctx, strategy.Strategy{
		ID:        common.HexToHash("0x01"),
		User:      common.HexToAddress("0x0a"),
		CreatedAt: time.Unix(1_700_000_000, 0),
	})
	if err != nil {
		t.Fatalf("create strategy: %v", err)
	}
	if err := st.RequireFresh(ctx); !errors.Is(err, ErrStaleCiphertexts) {
		t.Fatalf("expected ErrStaleCiphertexts, got %v", err)
	}
}
