// Package outboxstore defines persistence contracts for durable event publishing.
package outboxstore

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
)

// Event encapsulates a single outbox entry ready to be enqueued.
type Event struct {
	OrderID     string
	EventKey    string
	EventType   string
	Payload     json.RawMessage
	AvailableAt time.Time
}

// EventRecord captures the persisted state of an outbox entry.
type EventRecord struct {
	ID          int64
	OrderID     string
	EventKey    string
	EventType   string
	Payload     json.RawMessage
	AvailableAt time.Time
	PublishedAt *time.Time
	Attempts    int
	LastError   string
	Delivered   bool
	CreatedAt   time.Time
}

// Writer stages events for delivery. The Store implements it against its
// pool; an order transaction implements it against its own connection so a
// status write and its change event commit or roll back together.
type Writer interface {
	// Enqueue stores the event. A duplicate event key is absorbed and the
	// existing record returned, keeping one outbox row per transition.
	Enqueue(ctx context.Context, evt Event) (EventRecord, error)
}

// Store abstracts persistence operations for the outbox.
type Store interface {
	Writer
	ListPending(ctx context.Context, limit int) ([]EventRecord, error)
	MarkDelivered(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, lastError string, retryAt time.Time) error
	Delete(ctx context.Context, id int64) error
}
