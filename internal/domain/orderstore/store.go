// Package orderstore defines persistence contracts for order lifecycle state.
package orderstore

import (
	"context"
	"time"

	"github.com/gamerboy74/agrisync/internal/domain/outboxstore"
	"github.com/gamerboy74/agrisync/internal/schema"
)

// LifecycleTab groups orders the way party dashboards page through them.
type LifecycleTab string

const (
	// TabCreated covers orders awaiting escrow funding.
	TabCreated LifecycleTab = "created"
	// TabAccepted covers funded and in-progress orders.
	TabAccepted LifecycleTab = "accepted"
	// TabDelivered covers delivered and settled orders, disputes included.
	TabDelivered LifecycleTab = "delivered"
)

// StatusUpdate captures a single lifecycle transition for an existing order.
type StatusUpdate struct {
	OrderID      string
	FromStatus   schema.Status
	ToStatus     schema.Status
	Actor        schema.Actor
	ReconciledAt time.Time
	TraceID      string
}

// OrderQuery scopes order lookups.
type OrderQuery struct {
	PartyID  string
	Tab      LifecycleTab
	Statuses []schema.Status
	Limit    int
}

// ReviewItem is an order parked for manual intervention after reconciliation
// gave up on it.
type ReviewItem struct {
	OrderID     string
	Status      schema.Status
	ChainCode   *uint8
	Reason      string
	Attempts    int
	EscalatedAt time.Time
}

// Tx encapsulates order persistence operations executed within a single
// transaction. It carries the outbox writer so a transition and the change
// event it produces are committed atomically.
type Tx interface {
	outboxstore.Writer
	CreateOrder(ctx context.Context, order schema.Order) error
	// ApplyStatus performs the guarded transition write. It reports false
	// without error when the row no longer matches update.FromStatus, so a
	// concurrent writer winning the race is not treated as a failure.
	ApplyStatus(ctx context.Context, update StatusUpdate) (bool, error)
	EscalateReview(ctx context.Context, item ReviewItem) error
}

// Store defines the contract for order persistence operations.
type Store interface {
	Tx
	WithTransaction(ctx context.Context, fn func(context.Context, Tx) error) error
	GetOrder(ctx context.Context, id string) (schema.Order, error)
	ListOrders(ctx context.Context, query OrderQuery) ([]schema.Order, error)
	ListActive(ctx context.Context, limit int) ([]schema.Order, error)
	ListReview(ctx context.Context, limit int) ([]ReviewItem, error)
	ResolveReview(ctx context.Context, orderID string) error
}
