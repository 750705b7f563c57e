package main

import (
	"context"
	"log"
	"time"

	"github.com/coachpo/kora/internal/domain/batch"
)

type expiredLister interface {
	ExpiredBatches(ctx context.Context) ([]batch.Batch, error)
}

type batchWatcher interface {
	expiredLister
	PersistUnresolved(ctx context.Context) int
	CollectCiphertexts(ctx context.Context) (int, error)
}

// watchExpired reports each batch that outlives the pending timeout once, retries
// settlements whose final write failed and drops unreferenced ciphertexts. Only
// the owner can reclaim, so the daemon surfaces expired batches instead of acting.
func watchExpired(ctx context.Context, src batchWatcher, every time.Duration, logger *log.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	reported := make(map[uint64]bool)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := src.PersistUnresolved(ctx); n > 0 {
				logger.Printf("persisted %d parked batch resolution(s)", n)
			}
			reportExpired(ctx, src, reported, logger)
			if _, err := src.CollectCiphertexts(ctx); err != nil {
				logger.Printf("ciphertext collection: %v", err)
			}
		}
	}
}

// reportExpired logs newly expired batches and forgets ones that were resolved or
// reclaimed. It returns how many were logged.
func reportExpired(ctx context.Context, src expiredLister, reported map[uint64]bool, logger *log.Logger) int {
	expired, err := src.ExpiredBatches(ctx)
	if err != nil {
		logger.Printf("expired batch check: %v", err)
		return 0
	}
	live := make(map[uint64]bool, len(expired))
	logged := 0
	for _, b := range expired {
		live[b.RequestID] = true
		if reported[b.RequestID] {
			continue
		}
		reported[b.RequestID] = true
		logged++
		logger.Printf("batch %d pending since %s; owner may reclaim", b.RequestID, b.RequestedAt.UTC().Format(time.RFC3339))
	}
	for id := range reported {
		if !live[id] {
			delete(reported, id)
		}
	}
	return logged
}
