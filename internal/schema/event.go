package schema

import (
	"time"
)

// Actor identifies what caused a status change.
type Actor string

const (
	// ActorOracle marks changes applied by the reconciler mirroring the chain.
	ActorOracle Actor = "oracle-sync"
	// ActorAdmin marks changes applied by a human back-office override.
	ActorAdmin Actor = "admin"
)

// ChangeEvent describes a single persisted status transition. Events are
// ephemeral: they survive only as long as the outbox needs to guarantee
// at-least-once delivery toward the fan-out.
type ChangeEvent struct {
	EventID    string    `json:"eventId"`
	OrderID    string    `json:"orderId"`
	OldStatus  Status    `json:"oldStatus"`
	NewStatus  Status    `json:"newStatus"`
	Actor      Actor     `json:"actor"`
	OccurredAt time.Time `json:"occurredAt"`
	TraceID    string    `json:"traceId,omitempty"`
}

// Key returns the idempotency key downstream consumers deduplicate on.
// Duplicate deliveries of the same logical change share this key.
func (e ChangeEvent) Key() string {
	return e.OrderID + ":" + string(e.NewStatus)
}
