//go:build integration

package redisledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/coachpo/kora/internal/app/oracle"
	"github.com/coachpo/kora/internal/domain/fhe"
)

func startRedis(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("endpoint: %v", err)
	}
	return endpoint
}

func TestLedgerContract(t *testing.T) {
	ctx := context.Background()
	l, err := Dial(ctx, startRedis(t), "", 0, WithPrefix("test"))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })

	first, err := l.NextRequestID(ctx)
	if err != nil {
		t.Fatalf("next id: %v", err)
	}
	second, err := l.NextRequestID(ctx)
	if err != nil || second <= first {
		t.Fatalf("ids must increase: %d then %d (%v)", first, second, err)
	}

	if err := l.MarkFulfilled(ctx, first); !errors.Is(err, oracle.ErrNoHandleFound) {
		t.Fatalf("expected NoHandleFound for unsaved request, got %v", err)
	}
	handles := []fhe.Handle{{1}, {2}}
	if err := l.SaveHandles(ctx, first, handles); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := l.SaveHandles(ctx, first, handles); !errors.Is(err, oracle.ErrHandlesAlreadySaved) {
		t.Fatalf("expected HandlesAlreadySaved, got %v", err)
	}
	got, err := l.Handles(ctx, first)
	if err != nil || len(got) != 2 || got[1] != handles[1] {
		t.Fatalf("unexpected handles %v (%v)", got, err)
	}
	if _, err := l.Handles(ctx, second); !errors.Is(err, oracle.ErrNoHandleFound) {
		t.Fatalf("expected NoHandleFound, got %v", err)
	}

	if err := l.MarkFulfilled(ctx, first); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if err := l.MarkFulfilled(ctx, first); !errors.Is(err, oracle.ErrAlreadyFulfilled) {
		t.Fatalf("expected AlreadyFulfilled, got %v", err)
	}
	if err := l.Release(ctx, first); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := l.MarkFulfilled(ctx, first); err != nil {
		t.Fatalf("mark after release: %v", err)
	}
}
