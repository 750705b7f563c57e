package executor_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/kora/internal/domain/events"
	"github.com/coachpo/kora/internal/domain/intent"
)

// collectAll runs enough collections for every unreferenced ciphertext to age out.
func (h *harness) collectAll() {
	h.t.Helper()
	for i := 0; i < retention+2; i++ {
		_, err := h.engine.CollectCiphertexts(h.ctx)
		require.NoError(h.t, err)
	}
}

func TestCiphertextsStayBoundedAcrossBatches(t *testing.T) {
	h := newHarness(t)
	alice, bob := h.aliceAndBob(unit/2, unit/4)

	run := func() uint64 {
		requestID, err := h.engine.ExecuteBatch(h.ctx, relayerAddr, []intent.Intent{
			h.intent(alice, unit/10),
			h.intent(bob, unit/10),
		})
		require.NoError(t, err)
		// Pending batches keep their ciphertexts decryptable.
		h.collectAll()
		require.NoError(t, h.deliver(requestID))
		return requestID
	}

	first := run()
	req, ok := h.requester.find(first)
	require.True(t, ok)
	h.collectAll()
	for _, handle := range req.handles {
		_, err := h.cp.Decrypt(handle)
		require.Error(t, err, "settled batch handle %s must be released", handle.Hex())
	}
	ciphertexts, grants := h.cp.Stats()

	for i := 0; i < 3; i++ {
		h.advance(2 * time.Hour)
		run()
		h.collectAll()
		gotCiphertexts, gotGrants := h.cp.Stats()
		require.Equal(t, ciphertexts, gotCiphertexts, "ciphertexts after batch %d", i+2)
		require.Equal(t, grants, gotGrants, "ACL grants after batch %d", i+2)
	}

	require.Len(t, h.eventsOf(events.TypeIntentAccepted), 8)
	require.Equal(t, 4*unit/10, h.spent(alice))
	require.Equal(t, 4*unit/10, h.spent(bob))
	require.Equal(t, unit-4*unit/10, h.balance(h.token0, aliceAddr))
	require.Greater(t, h.balance(h.token1, bobAddr), uint64(0))
}
