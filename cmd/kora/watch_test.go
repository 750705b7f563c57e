package main

import (
	"bytes"
	"context"
	"errors"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/kora/internal/domain/batch"
)

type stubExpired struct {
	batches []batch.Batch
	err     error
}

func (s *stubExpired) ExpiredBatches(context.Context) ([]batch.Batch, error) {
	return s.batches, s.err
}

func (s *stubExpired) PersistUnresolved(context.Context) int { return 0 }

func (s *stubExpired) CollectCiphertexts(context.Context) (int, error) { return 0, nil }

func TestReportExpiredLogsEachBatchOnce(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(&buf, "", 0)
	src := &stubExpired{batches: []batch.Batch{
		{RequestID: 1, RequestedAt: time.Unix(1_700_000_000, 0)},
		{RequestID: 2, RequestedAt: time.Unix(1_700_000_100, 0)},
	}}
	reported := make(map[uint64]bool)

	require.Equal(t, 2, reportExpired(context.Background(), src, reported, logger))
	require.Contains(t, buf.String(), "batch 1 pending since 2023-11-14T22:13:20Z")
	require.Zero(t, reportExpired(context.Background(), src, reported, logger))

	src.batches = src.batches[1:]
	require.Zero(t, reportExpired(context.Background(), src, reported, logger))
	require.Equal(t, map[uint64]bool{2: true}, reported)
}

func TestReportExpiredLogsListFailure(t *testing.T) {
	var buf bytes.Buffer
	src := &stubExpired{err: errors.New("store down")}
	require.Zero(t, reportExpired(context.Background(), src, map[uint64]bool{}, log.New(&buf, "", 0)))
	require.Contains(t, buf.String(), "store down")
}

func TestWatchExpiredStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		watchExpired(ctx, &stubExpired{}, time.Millisecond, quietLogger())
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}
