package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/gamerboy74/agrisync/errs"
	"github.com/gamerboy74/agrisync/internal/domain/orderstore"
	"github.com/gamerboy74/agrisync/internal/domain/outboxstore"
	"github.com/gamerboy74/agrisync/internal/schema"
)

// OrderStore persists order lifecycle information.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore constructs an OrderStore backed by the provided pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

const (
	orderInsertSQL = `
INSERT INTO orders (
    id,
    contract_id,
    farmer_id,
    buyer_id,
    amount,
    delivery_start,
    delivery_end,
    status,
    reconciled_at,
    created_at,
    updated_at
)
VALUES (
    @id,
    @contract_id,
    @farmer_id,
    @buyer_id,
    @amount,
    @delivery_start,
    @delivery_end,
    @status,
    COALESCE(@reconciled_at, NOW()),
    NOW(),
    NOW()
)
ON CONFLICT (id) DO NOTHING;
`

	statusApplySQL = `
UPDATE orders
SET status = @to_status,
    reconciled_at = @reconciled_at,
    updated_at = NOW()
WHERE id = @id
  AND status = @from_status;
`

	historyInsertSQL = `
INSERT INTO status_history (
    order_id,
    old_status,
    new_status,
    actor,
    trace_id,
    recorded_at
)
VALUES (@order_id, @old_status, @new_status, @actor, @trace_id, NOW());
`

	reviewUpsertSQL = `
INSERT INTO review_queue (
    order_id,
    status,
    chain_code,
    reason,
    attempts,
    escalated_at,
    resolved_at
)
VALUES (@order_id, @status, @chain_code, @reason, @attempts, @escalated_at, NULL)
ON CONFLICT (order_id) DO UPDATE SET
    status = EXCLUDED.status,
    chain_code = EXCLUDED.chain_code,
    reason = EXCLUDED.reason,
    attempts = EXCLUDED.attempts,
    escalated_at = EXCLUDED.escalated_at,
    resolved_at = NULL;
`

	reviewResolveSQL = `
UPDATE review_queue
SET resolved_at = NOW()
WHERE order_id = $1
  AND resolved_at IS NULL;
`

	reviewSelectSQL = `
SELECT
    order_id,
    status,
    chain_code,
    reason,
    attempts,
    escalated_at
FROM review_queue
WHERE resolved_at IS NULL
ORDER BY escalated_at ASC
LIMIT $1;
`

	orderSelectBase = `
SELECT
    id,
    contract_id,
    farmer_id,
    buyer_id,
    amount::text,
    delivery_start,
    delivery_end,
    status,
    created_at,
    reconciled_at
FROM orders
`

	defaultOrderLimit  = 50
	maxOrderLimit      = 500
	defaultActiveLimit = 1000
	defaultReviewLimit = 100
)

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

type orderTx struct {
	tx    pgx.Tx
	store *OrderStore
}

func (s *OrderStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("order store: nil pool")
	}
	return s.pool, nil
}

func (s *OrderStore) createOrderWith(ctx context.Context, exec execer, order schema.Order) error {
	if err := order.Validate(); err != nil {
		return err
	}
	args := pgx.NamedArgs{
		"id":             order.ID,
		"contract_id":    strings.TrimSpace(order.ContractID),
		"farmer_id":      nullableText(order.FarmerID),
		"buyer_id":       nullableText(order.BuyerID),
		"amount":         order.Amount.String(),
		"delivery_start": order.DeliveryStart,
		"delivery_end":   order.DeliveryEnd,
		"status":         string(order.Status),
		"reconciled_at":  nullableTime(order.ReconciledAt),
	}
	if _, err := exec.Exec(ctx, orderInsertSQL, args); err != nil {
		return fmt.Errorf("order store: insert order: %w", err)
	}
	return nil
}

func (s *OrderStore) applyStatusWith(ctx context.Context, exec execer, update orderstore.StatusUpdate) (bool, error) {
	if strings.TrimSpace(update.OrderID) == "" {
		return false, fmt.Errorf("order store: order id required")
	}
	reconciledAt := update.ReconciledAt
	if reconciledAt.IsZero() {
		reconciledAt = time.Now().UTC()
	}
	args := pgx.NamedArgs{
		"id":          update.OrderID,
		"from_status": string(update.FromStatus),
		"to_status":   string(update.ToStatus),
		// reconciled_at tracks the oracle observation that drove the write.
		"reconciled_at": reconciledAt,
	}
	tag, err := exec.Exec(ctx, statusApplySQL, args)
	if err != nil {
		return false, fmt.Errorf("order store: apply status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	historyArgs := pgx.NamedArgs{
		"order_id":   update.OrderID,
		"old_status": string(update.FromStatus),
		"new_status": string(update.ToStatus),
		"actor":      string(update.Actor),
		"trace_id":   nullableString(update.TraceID),
	}
	if _, err := exec.Exec(ctx, historyInsertSQL, historyArgs); err != nil {
		return false, fmt.Errorf("order store: record history: %w", err)
	}
	return true, nil
}

func (s *OrderStore) escalateReviewWith(ctx context.Context, exec execer, item orderstore.ReviewItem) error {
	if strings.TrimSpace(item.OrderID) == "" {
		return fmt.Errorf("order store: order id required")
	}
	escalatedAt := item.EscalatedAt
	if escalatedAt.IsZero() {
		escalatedAt = time.Now().UTC()
	}
	args := pgx.NamedArgs{
		"order_id":     item.OrderID,
		"status":       string(item.Status),
		"chain_code":   nullableChainCode(item.ChainCode),
		"reason":       strings.TrimSpace(item.Reason),
		"attempts":     item.Attempts,
		"escalated_at": escalatedAt,
	}
	if _, err := exec.Exec(ctx, reviewUpsertSQL, args); err != nil {
		return fmt.Errorf("order store: escalate review: %w", err)
	}
	return nil
}

// CreateOrder inserts a new order mirror row.
func (s *OrderStore) CreateOrder(ctx context.Context, order schema.Order) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	return s.createOrderWith(ctx, pool, order)
}

// ApplyStatus performs the guarded transition write. It reports false without
// error when a concurrent writer already moved the row past FromStatus.
func (s *OrderStore) ApplyStatus(ctx context.Context, update orderstore.StatusUpdate) (bool, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return false, err
	}
	return s.applyStatusWith(ctx, pool, update)
}

// EscalateReview parks the order for manual intervention.
func (s *OrderStore) EscalateReview(ctx context.Context, item orderstore.ReviewItem) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	return s.escalateReviewWith(ctx, pool, item)
}

// Enqueue stages a change event outside any order transaction.
func (s *OrderStore) Enqueue(ctx context.Context, evt outboxstore.Event) (outboxstore.EventRecord, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return outboxstore.EventRecord{}, err
	}
	return enqueueOutboxWith(ctx, pool, evt)
}

// WithTransaction executes the supplied callback within a database transaction.
func (s *OrderStore) WithTransaction(ctx context.Context, fn func(context.Context, orderstore.Tx) error) error {
	if fn == nil {
		return fmt.Errorf("order store: transaction callback required")
	}
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	var txOptions pgx.TxOptions
	txOptions.IsoLevel = pgx.ReadCommitted
	txOptions.AccessMode = pgx.ReadWrite
	txOptions.DeferrableMode = pgx.NotDeferrable

	tx, err := pool.BeginTx(ctx, txOptions)
	if err != nil {
		return fmt.Errorf("order store: begin tx: %w", err)
	}
	wrapped := &orderTx{tx: tx, store: s}
	runErr := fn(ctx, wrapped)
	if runErr != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("order store: rollback tx: %w (original error: %v)", rbErr, runErr)
		}
		return runErr
	}
	if err := tx.Commit(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("order store: commit tx: %w", err)
	}
	return nil
}

// GetOrder retrieves a single order by identifier.
func (s *OrderStore) GetOrder(ctx context.Context, id string) (schema.Order, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return schema.Order{}, err
	}
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return schema.Order{}, errs.New("postgres/orders", errs.CodeInvalid, errs.WithMessage("order id required"))
	}
	row := pool.QueryRow(ctx, orderSelectBase+" WHERE id = $1", trimmed)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return schema.Order{}, errs.New("postgres/orders", errs.CodeNotFound,
				errs.WithMessage("order not found"), errs.WithOrderID(trimmed))
		}
		return schema.Order{}, err
	}
	return order, nil
}

// ListOrders retrieves persisted orders matching the supplied query filters.
func (s *OrderStore) ListOrders(ctx context.Context, query orderstore.OrderQuery) ([]schema.Order, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	limit := clampLimit(query.Limit, defaultOrderLimit, maxOrderLimit)

	builder := strings.Builder{}
	builder.WriteString(orderSelectBase)
	builder.WriteString(" WHERE 1=1")

	args := make([]any, 0, 4)
	argPos := 1

	if trimmed := strings.TrimSpace(query.PartyID); trimmed != "" {
		fmt.Fprintf(&builder, " AND (farmer_id = $%d OR buyer_id = $%d)", argPos, argPos)
		args = append(args, trimmed)
		argPos++
	}
	statuses := normalizedStatuses(query.Statuses)
	if len(statuses) == 0 {
		statuses = statusesForTab(query.Tab)
	}
	if len(statuses) > 0 {
		fmt.Fprintf(&builder, " AND status = ANY($%d)", argPos)
		args = append(args, statuses)
		argPos++
	}
	fmt.Fprintf(&builder, " ORDER BY created_at DESC LIMIT $%d", argPos)
	args = append(args, limit)

	rows, err := pool.Query(ctx, builder.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("order store: list orders: %w", err)
	}
	defer rows.Close()

	return collectOrders(rows)
}

// ListActive retrieves every order still awaiting a terminal status, oldest
// reconciliation first so the working set refresh favours stale rows.
func (s *OrderStore) ListActive(ctx context.Context, limit int) ([]schema.Order, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultActiveLimit
	}
	rows, err := pool.Query(ctx,
		orderSelectBase+" WHERE status <> ALL($1) ORDER BY reconciled_at ASC LIMIT $2",
		terminalStatuses(), limit)
	if err != nil {
		return nil, fmt.Errorf("order store: list active: %w", err)
	}
	defer rows.Close()

	return collectOrders(rows)
}

// ListReview retrieves unresolved review queue entries.
func (s *OrderStore) ListReview(ctx context.Context, limit int) ([]orderstore.ReviewItem, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultReviewLimit
	}
	rows, err := pool.Query(ctx, reviewSelectSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("order store: list review: %w", err)
	}
	defer rows.Close()

	var items []orderstore.ReviewItem
	for rows.Next() {
		var (
			item      orderstore.ReviewItem
			status    string
			chainCode pgtype.Int2
		)
		if err := rows.Scan(&item.OrderID, &status, &chainCode, &item.Reason, &item.Attempts, &item.EscalatedAt); err != nil {
			return nil, fmt.Errorf("order store: scan review: %w", err)
		}
		item.Status = schema.Status(status)
		if chainCode.Valid {
			code := uint8(chainCode.Int16)
			item.ChainCode = &code
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order store: iterate review: %w", err)
	}
	return items, nil
}

// ResolveReview closes the review entry for the order. Resolving an order
// that was never escalated is a no-op.
func (s *OrderStore) ResolveReview(ctx context.Context, orderID string) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	trimmed := strings.TrimSpace(orderID)
	if trimmed == "" {
		return fmt.Errorf("order store: order id required")
	}
	if _, err := pool.Exec(ctx, reviewResolveSQL, trimmed); err != nil {
		return fmt.Errorf("order store: resolve review: %w", err)
	}
	return nil
}

func (t *orderTx) CreateOrder(ctx context.Context, order schema.Order) error {
	if t == nil {
		return fmt.Errorf("order store: nil transaction")
	}
	return t.store.createOrderWith(ctx, t.tx, order)
}

func (t *orderTx) ApplyStatus(ctx context.Context, update orderstore.StatusUpdate) (bool, error) {
	if t == nil {
		return false, fmt.Errorf("order store: nil transaction")
	}
	return t.store.applyStatusWith(ctx, t.tx, update)
}

func (t *orderTx) EscalateReview(ctx context.Context, item orderstore.ReviewItem) error {
	if t == nil {
		return fmt.Errorf("order store: nil transaction")
	}
	return t.store.escalateReviewWith(ctx, t.tx, item)
}

// Enqueue stages a change event on the order transaction, so the transition
// write and its event commit or roll back together.
func (t *orderTx) Enqueue(ctx context.Context, evt outboxstore.Event) (outboxstore.EventRecord, error) {
	if t == nil {
		return outboxstore.EventRecord{}, fmt.Errorf("order store: nil transaction")
	}
	return enqueueOutboxWith(ctx, t.tx, evt)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (schema.Order, error) {
	var (
		order      schema.Order
		farmer     pgtype.Text
		buyer      pgtype.Text
		amountText string
		status     string
	)
	if err := row.Scan(
		&order.ID,
		&order.ContractID,
		&farmer,
		&buyer,
		&amountText,
		&order.DeliveryStart,
		&order.DeliveryEnd,
		&status,
		&order.CreatedAt,
		&order.ReconciledAt,
	); err != nil {
		return schema.Order{}, err
	}
	if farmer.Valid {
		value := farmer.String
		order.FarmerID = &value
	}
	if buyer.Valid {
		value := buyer.String
		order.BuyerID = &value
	}
	amount, err := decimal.NewFromString(amountText)
	if err != nil {
		return schema.Order{}, fmt.Errorf("order store: parse amount %q: %w", amountText, err)
	}
	order.Amount = amount
	order.Status = schema.Status(status)
	return order, nil
}

func collectOrders(rows pgx.Rows) ([]schema.Order, error) {
	var orders []schema.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("order store: scan order: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order store: iterate orders: %w", err)
	}
	return orders, nil
}

func statusesForTab(tab orderstore.LifecycleTab) []string {
	switch tab {
	case orderstore.TabCreated:
		return []string{string(schema.StatusPending)}
	case orderstore.TabAccepted:
		return []string{string(schema.StatusFunded), string(schema.StatusInProgress)}
	case orderstore.TabDelivered:
		return []string{
			string(schema.StatusDelivered),
			string(schema.StatusCompleted),
			string(schema.StatusDisputed),
			string(schema.StatusResolved),
			string(schema.StatusCancelled),
		}
	default:
		return nil
	}
}

func terminalStatuses() []string {
	return []string{
		string(schema.StatusCompleted),
		string(schema.StatusCancelled),
		string(schema.StatusResolved),
	}
}

func normalizedStatuses(statuses []schema.Status) []string {
	if len(statuses) == 0 {
		return nil
	}
	out := make([]string, 0, len(statuses))
	for _, status := range statuses {
		trimmed := strings.ToUpper(strings.TrimSpace(string(status)))
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func nullableString(value string) any {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return trimmed
}

func nullableText(ptr *string) any {
	if ptr == nil {
		return nil
	}
	return nullableString(*ptr)
}

func nullableTime(value time.Time) any {
	if value.IsZero() {
		return nil
	}
	return value
}

func nullableChainCode(ptr *uint8) any {
	if ptr == nil {
		return nil
	}
	return int16(*ptr)
}

func clampLimit(value, fallback, maximum int) int {
	if value <= 0 {
		return fallback
	}
	if value > maximum {
		return maximum
	}
	return value
}

var _ orderstore.Store = (*OrderStore)(nil)
