//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/coachpo/kora/internal/app/hooks"
	"github.com/coachpo/kora/internal/domain/batch"
	"github.com/coachpo/kora/internal/domain/outboxstore"
	"github.com/coachpo/kora/internal/domain/strategy"
	"github.com/coachpo/kora/internal/infra/fhe/mockfhe"
	"github.com/coachpo/kora/internal/infra/persistence/migrations"
	pgstore "github.com/coachpo/kora/internal/infra/persistence/postgres"
)

var (
	testPool    *pgxpool.Pool
	pgContainer testcontainers.Container
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "kora"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}
	pgContainer = container

	exitCode := 0
	if err := initialiseDatabase(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "postgres contract tests skipped: %v\n", err)
	} else {
		exitCode = m.Run()
	}

	if testPool != nil {
		testPool.Close()
	}
	_ = pgContainer.Terminate(ctx)
	os.Exit(exitCode)
}

func initialiseDatabase(ctx context.Context) error {
	host, err := pgContainer.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	dsn := fmt.Sprintf("postgresql://postgres:secret@%s:%s/kora?sslmode=disable", host, port.Port())

	deadline := time.Now().Add(30 * time.Second)
	for {
		err = migrations.Up(ctx, dsn, migrations.Embedded(), nil)
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	testPool, err = pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect pool: %w", err)
	}
	return nil
}

func TestStrategyStoreContract(t *testing.T) {
	ctx := context.Background()
	store := pgstore.New(testPool).Strategies()
	user := common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	st := strategy.Strategy{
		ID:        strategy.ComputeID(user, common.HexToHash("0x01")),
		User:      user,
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
		Hooks:     []common.Address{hooks.DefaultAddress(hooks.KindBudget)},
	}
	if err := store.Create(ctx, st); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, st); !errors.Is(err, strategy.ErrDuplicateStrategy) {
		t.Fatalf("expected DuplicateStrategy, got %v", err)
	}
	got, err := store.Get(ctx, st.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.User != user || len(got.Hooks) != 1 || !got.CreatedAt.Equal(st.CreatedAt) {
		t.Fatalf("unexpected strategy %+v", got)
	}
	if _, err := store.Get(ctx, common.HexToHash("0xdead")); !errors.Is(err, strategy.ErrNonExistentStrategy) {
		t.Fatalf("expected NonExistentStrategy, got %v", err)
	}
	list, err := store.ListByUser(ctx, user)
	if err != nil || len(list) != 1 {
		t.Fatalf("expected one strategy, got %d (%v)", len(list), err)
	}
}

func TestBatchStoreContract(t *testing.T) {
	ctx := context.Background()
	cp, err := mockfhe.New()
	if err != nil {
		t.Fatalf("coprocessor: %v", err)
	}
	store := pgstore.New(testPool).Batches()
	requestedAt := time.Now().UTC().Add(-time.Hour).Truncate(time.Microsecond)
	b := batch.Batch{
		RequestID:    ^uint64(0) - 1,
		Status:       batch.StatusPendingDecryption,
		Requester:    common.HexToAddress("0x0fee"),
		TotalIn:      cp.AsEuint64(750_000),
		PackedChecks: cp.AsEuint64(3),
		Entries: []batch.Entry{{
			IntentID: common.HexToHash("0x01"),
			Amount:   cp.AsEuint64(750_000),
			Flag:     cp.AsEbool(true),
			PulledIn: true,
		}},
		RequestedAt: requestedAt,
	}
	if err := store.Create(ctx, b); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, b); err == nil {
		t.Fatalf("expected conflict on duplicate request id")
	}
	pending, err := store.ListPending(ctx, time.Now())
	if err != nil || len(pending) != 1 || pending[0].RequestID != b.RequestID {
		t.Fatalf("expected batch pending, got %+v (%v)", pending, err)
	}
	if pending[0].Entries[0].Amount != b.Entries[0].Amount {
		t.Fatalf("entry handles must round-trip")
	}

	b.Status = batch.StatusCompleted
	b.ClearTotalIn = 750_000
	b.TotalOut = 2_000_000_000
	b.Processed = 1
	b.ResolvedAt = time.Now().UTC().Truncate(time.Microsecond)
	if err := store.Resolve(ctx, b); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := store.Resolve(ctx, b); !errors.Is(err, batch.ErrBatchAlreadyCompleted) {
		t.Fatalf("expected BatchAlreadyCompleted, got %v", err)
	}
	got, err := store.Get(ctx, b.RequestID)
	if err != nil || got.Status != batch.StatusCompleted || got.TotalOut != b.TotalOut {
		t.Fatalf("unexpected resolved batch %+v (%v)", got, err)
	}
	if _, err := store.Get(ctx, 42); !errors.Is(err, batch.ErrNonExistentBatch) {
		t.Fatalf("expected NonExistentBatch, got %v", err)
	}
}

func TestHookStateStoreContract(t *testing.T) {
	ctx := context.Background()
	store := pgstore.New(testPool).HookStates()
	id := common.HexToHash("0x0abc")
	if _, found, err := store.Load(ctx, hooks.KindBudget, id); err != nil || found {
		t.Fatalf("expected missing state, found=%v err=%v", found, err)
	}
	if err := store.Save(ctx, hooks.KindBudget, id, []byte(`{"spent":"0x01"}`)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Save(ctx, hooks.KindBudget, id, []byte(`{"spent":"0x02"}`)); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	doc, found, err := store.Load(ctx, hooks.KindBudget, id)
	if err != nil || !found {
		t.Fatalf("load: found=%v err=%v", found, err)
	}
	var decoded map[string]string
	if err := json.Unmarshal(doc, &decoded); err != nil || decoded["spent"] != "0x02" {
		t.Fatalf("unexpected state %s (%v)", doc, err)
	}
	seen := 0
	err = store.Range(ctx, hooks.KindBudget, func(strategyID common.Hash, doc []byte) error {
		if strategyID == id {
			seen++
		}
		return nil
	})
	if err != nil || seen != 1 {
		t.Fatalf("range: seen %d (%v)", seen, err)
	}
	if err := store.Range(ctx, hooks.KindFrequency, func(strategyID common.Hash, _ []byte) error {
		if strategyID == id {
			t.Fatalf("range leaked a row of another kind")
		}
		return nil
	}); err != nil {
		t.Fatalf("range other kind: %v", err)
	}
	if err := store.Delete(ctx, hooks.KindBudget, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
}

func TestOutboxStoreContract(t *testing.T) {
	ctx := context.Background()
	store := pgstore.New(testPool).Outbox()
	evt := outboxstore.Event{
		EventID:     "evt-contract-1",
		EventType:   "BatchRequested",
		Aggregate:   "batch",
		AggregateID: "1",
		Seq:         math.MaxUint64,
		Payload:     json.RawMessage(`{"requestId":1}`),
	}
	record, err := store.Enqueue(ctx, evt)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if record.Seq != math.MaxUint64 || record.Delivered() {
		t.Fatalf("unexpected record %+v", record)
	}
	again, err := store.Enqueue(ctx, evt)
	if err != nil || again.ID != record.ID {
		t.Fatalf("re-enqueue must return the stored record, got %d (%v)", again.ID, err)
	}

	if err := store.MarkFailed(ctx, record.ID, "bus down", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if pendingIDs(t, store)[record.ID] {
		t.Fatalf("deferred entry must not be pending yet")
	}
	if err := store.MarkFailed(ctx, record.ID, "bus down", time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if !pendingIDs(t, store)[record.ID] {
		t.Fatalf("expected entry pending after retry time")
	}

	if err := store.MarkDelivered(ctx, record.ID); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	if err := store.MarkDelivered(ctx, record.ID); err == nil {
		t.Fatalf("second delivery mark must fail")
	}
	if pendingIDs(t, store)[record.ID] {
		t.Fatalf("delivered entry must not be pending")
	}
	n, err := store.Prune(ctx, time.Now().Add(time.Minute))
	if err != nil || n < 1 {
		t.Fatalf("expected delivered entry pruned, got %d (%v)", n, err)
	}
}

func pendingIDs(t *testing.T, store *pgstore.OutboxStore) map[int64]bool {
	t.Helper()
	pending, err := store.ListPending(context.Background(), 100, 0)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	out := make(map[int64]bool, len(pending))
	for _, p := range pending {
		out[p.ID] = true
	}
	return out
}
