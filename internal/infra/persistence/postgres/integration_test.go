package postgres_test

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/gamerboy74/agrisync/internal/domain/orderstore"
	"github.com/gamerboy74/agrisync/internal/domain/outboxstore"
	pgstore "github.com/gamerboy74/agrisync/internal/infra/persistence/postgres"
	"github.com/gamerboy74/agrisync/internal/schema"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
)

var (
	testPool    *pgxpool.Pool
	pgContainer testcontainers.Container
	setupErr    error
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "agrisync"},
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

	setupErr = initialiseDatabase(ctx)
	exitCode := 0
	if setupErr != nil {
		fmt.Fprintf(os.Stderr, "postgres integration tests skipped: %v\n", setupErr)
	} else {
		exitCode = m.Run()
	}

	if testPool != nil {
		testPool.Close()
	}
	if pgContainer != nil {
		_ = pgContainer.Terminate(ctx)
	}
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
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/agrisync?sslmode=disable", host, port.Port())

	if err := applyMigrations(dsn); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("pgx pool: %w", err)
	}
	testPool = pool
	return nil
}

func applyMigrations(dsn string) error {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return fmt.Errorf("runtime caller lookup failed")
	}
	root := filepath.Clean(filepath.Join(filepath.Dir(file), "..", "..", "..", ".."))
	migrationsDir := filepath.Join(root, "db", "migrations")
	sourceURL := fmt.Sprintf("file://%s", migrationsDir)

	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open sql connection: %w", err)
	}
	defer sqlDB.Close()

	driver, err := pgxmigrate.WithInstance(sqlDB, &pgxmigrate.Config{})
	if err != nil {
		return fmt.Errorf("postgres driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(sourceURL, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate instance: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

func seedOrder(status schema.Status) schema.Order {
	farmer := "farmer-" + uuid.NewString()
	buyer := "buyer-" + uuid.NewString()
	now := time.Now().UTC()
	return schema.Order{
		ID:            uuid.NewString(),
		ContractID:    "0x" + uuid.NewString(),
		FarmerID:      &farmer,
		BuyerID:       &buyer,
		Amount:        decimal.RequireFromString("1250.50"),
		DeliveryStart: now,
		DeliveryEnd:   now.Add(72 * time.Hour),
		Status:        status,
		ReconciledAt:  now,
	}
}

func TestPostgresOrderLifecycle(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres setup unavailable: %v", setupErr)
	}
	ctx := context.Background()
	store := pgstore.NewOrderStore(testPool)

	order := seedOrder(schema.StatusPending)
	if err := store.CreateOrder(ctx, order); err != nil {
		t.Fatalf("create order: %v", err)
	}

	got, err := store.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.Status != schema.StatusPending {
		t.Fatalf("unexpected status %s", got.Status)
	}
	if !got.Amount.Equal(order.Amount) {
		t.Fatalf("expected amount %s, got %s", order.Amount, got.Amount)
	}
	if got.FarmerID == nil || *got.FarmerID != *order.FarmerID {
		t.Fatalf("farmer reference lost in round trip")
	}

	err = store.WithTransaction(ctx, func(ctx context.Context, tx orderstore.Tx) error {
		applied, err := tx.ApplyStatus(ctx, orderstore.StatusUpdate{
			OrderID:      order.ID,
			FromStatus:   schema.StatusPending,
			ToStatus:     schema.StatusFunded,
			Actor:        schema.ActorOracle,
			ReconciledAt: time.Now().UTC(),
			TraceID:      "trace-1",
		})
		if err != nil {
			return err
		}
		if !applied {
			return fmt.Errorf("expected guarded write to apply")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("apply status: %v", err)
	}

	// A second writer racing on the stale from-status must lose without error.
	applied, err := store.ApplyStatus(ctx, orderstore.StatusUpdate{
		OrderID:    order.ID,
		FromStatus: schema.StatusPending,
		ToStatus:   schema.StatusFunded,
		Actor:      schema.ActorOracle,
	})
	if err != nil {
		t.Fatalf("apply stale status: %v", err)
	}
	if applied {
		t.Fatalf("expected stale guarded write to be rejected")
	}

	orders, err := store.ListOrders(ctx, orderstore.OrderQuery{PartyID: *order.FarmerID, Tab: orderstore.TabAccepted})
	if err != nil {
		t.Fatalf("list orders: %v", err)
	}
	if len(orders) != 1 || orders[0].ID != order.ID {
		t.Fatalf("expected funded order on accepted tab, got %v", orders)
	}

	active, err := store.ListActive(ctx, 100)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	found := false
	for _, a := range active {
		if a.ID == order.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected order in active working set")
	}
}

func TestPostgresTransitionEventAtomicity(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres setup unavailable: %v", setupErr)
	}
	ctx := context.Background()
	store := pgstore.NewOrderStore(testPool)
	outbox := pgstore.NewOutboxStore(testPool)

	order := seedOrder(schema.StatusPending)
	if err := store.CreateOrder(ctx, order); err != nil {
		t.Fatalf("create order: %v", err)
	}
	payload, err := json.Marshal(map[string]any{"orderId": order.ID, "newStatus": "FUNDED"})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	evt := outboxstore.Event{
		OrderID:   order.ID,
		EventKey:  order.ID + ":FUNDED",
		EventType: "order.status_changed",
		Payload:   payload,
	}
	update := orderstore.StatusUpdate{
		OrderID:      order.ID,
		FromStatus:   schema.StatusPending,
		ToStatus:     schema.StatusFunded,
		Actor:        schema.ActorOracle,
		ReconciledAt: time.Now().UTC(),
	}

	// A failure after both writes rolls back the transition and the event.
	sentinel := fmt.Errorf("stage aborted")
	err = store.WithTransaction(ctx, func(ctx context.Context, tx orderstore.Tx) error {
		applied, err := tx.ApplyStatus(ctx, update)
		if err != nil {
			return err
		}
		if !applied {
			return fmt.Errorf("expected guarded write to apply")
		}
		if _, err := tx.Enqueue(ctx, evt); err != nil {
			return err
		}
		return sentinel
	})
	if err == nil {
		t.Fatalf("expected transaction error")
	}

	got, err := store.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.Status != schema.StatusPending {
		t.Fatalf("expected rolled-back status, got %s", got.Status)
	}
	if pendingHasKey(t, outbox, evt.EventKey) {
		t.Fatalf("expected event row to roll back with the transition")
	}

	// The same writes commit together on success.
	err = store.WithTransaction(ctx, func(ctx context.Context, tx orderstore.Tx) error {
		applied, err := tx.ApplyStatus(ctx, update)
		if err != nil {
			return err
		}
		if !applied {
			return fmt.Errorf("expected guarded write to apply")
		}
		_, err = tx.Enqueue(ctx, evt)
		return err
	})
	if err != nil {
		t.Fatalf("transition with event: %v", err)
	}

	got, err = store.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.Status != schema.StatusFunded {
		t.Fatalf("expected committed status, got %s", got.Status)
	}
	if !pendingHasKey(t, outbox, evt.EventKey) {
		t.Fatalf("expected committed event row in the outbox")
	}
}

func pendingHasKey(t *testing.T, outbox *pgstore.OutboxStore, key string) bool {
	t.Helper()
	pending, err := outbox.ListPending(context.Background(), 1000)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	for _, p := range pending {
		if p.EventKey == key {
			return true
		}
	}
	return false
}

func TestPostgresReviewQueue(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres setup unavailable: %v", setupErr)
	}
	ctx := context.Background()
	store := pgstore.NewOrderStore(testPool)

	order := seedOrder(schema.StatusFunded)
	if err := store.CreateOrder(ctx, order); err != nil {
		t.Fatalf("create order: %v", err)
	}

	code := uint8(42)
	item := orderstore.ReviewItem{
		OrderID:     order.ID,
		Status:      schema.StatusFunded,
		ChainCode:   &code,
		Reason:      "oracle_unreachable",
		Attempts:    6,
		EscalatedAt: time.Now().UTC(),
	}
	if err := store.EscalateReview(ctx, item); err != nil {
		t.Fatalf("escalate review: %v", err)
	}
	// Re-escalation replaces the open entry instead of erroring.
	item.Attempts = 7
	if err := store.EscalateReview(ctx, item); err != nil {
		t.Fatalf("re-escalate review: %v", err)
	}

	items, err := store.ListReview(ctx, 100)
	if err != nil {
		t.Fatalf("list review: %v", err)
	}
	var got *orderstore.ReviewItem
	for i := range items {
		if items[i].OrderID == order.ID {
			got = &items[i]
		}
	}
	if got == nil {
		t.Fatalf("expected review entry for order")
	}
	if got.Attempts != 7 {
		t.Fatalf("expected attempts 7, got %d", got.Attempts)
	}
	if got.ChainCode == nil || *got.ChainCode != 42 {
		t.Fatalf("chain code lost in round trip")
	}

	if err := store.ResolveReview(ctx, order.ID); err != nil {
		t.Fatalf("resolve review: %v", err)
	}
	items, err = store.ListReview(ctx, 100)
	if err != nil {
		t.Fatalf("list review after resolve: %v", err)
	}
	for _, it := range items {
		if it.OrderID == order.ID {
			t.Fatalf("expected review entry to be resolved")
		}
	}
	// Resolving twice is a no-op.
	if err := store.ResolveReview(ctx, order.ID); err != nil {
		t.Fatalf("double resolve: %v", err)
	}
}

func TestPostgresOutboxDedupe(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres setup unavailable: %v", setupErr)
	}
	ctx := context.Background()
	store := pgstore.NewOutboxStore(testPool)

	orderID := uuid.NewString()
	payload, err := json.Marshal(map[string]any{"orderId": orderID, "newStatus": "FUNDED"})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	evt := outboxstore.Event{
		OrderID:     orderID,
		EventKey:    orderID + ":FUNDED",
		EventType:   "order.status_changed",
		Payload:     payload,
		AvailableAt: time.Now(),
	}

	first, err := store.Enqueue(ctx, evt)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if first.ID == 0 {
		t.Fatalf("expected event id to be set")
	}
	second, err := store.Enqueue(ctx, evt)
	if err != nil {
		t.Fatalf("enqueue duplicate: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected duplicate key to return existing row, got %d and %d", first.ID, second.ID)
	}

	if err := store.MarkFailed(ctx, first.ID, "bus closed", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	pending, err := store.ListPending(ctx, 100)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	for _, p := range pending {
		if p.ID == first.ID {
			t.Fatalf("expected parked event to be excluded until retry time")
		}
	}

	if err := store.MarkDelivered(ctx, first.ID); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	record, err := store.Enqueue(ctx, evt)
	if err != nil {
		t.Fatalf("enqueue after delivery: %v", err)
	}
	if !record.Delivered {
		t.Fatalf("expected delivered flag to survive duplicate enqueue")
	}

	if err := store.Delete(ctx, first.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
}
