// Package feed turns persisted status transitions into durable change events
// with at-least-once delivery toward the fan-out.
//
// Delivery order is guaranteed only per outbox row, not across rows for the
// same order: an event parked after a failed delivery can be replayed after
// a newer event for that order was already delivered directly. Consumers
// reject the late replay as a stale transition.
package feed

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/gamerboy74/agrisync/errs"
	"github.com/gamerboy74/agrisync/internal/domain/outboxstore"
	"github.com/gamerboy74/agrisync/internal/fanout"
	"github.com/gamerboy74/agrisync/internal/observability"
	"github.com/gamerboy74/agrisync/internal/schema"
	"github.com/gamerboy74/agrisync/internal/telemetry"
)

// EventTypeStatusChanged tags outbox rows carrying status transitions.
const EventTypeStatusChanged = "order.status_changed"

// Bus is the delivery target for change events.
type Bus interface {
	Publish(ctx context.Context, env *fanout.Envelope) error
}

// PartyResolver looks up the party references for an order.
type PartyResolver interface {
	GetOrder(ctx context.Context, id string) (schema.Order, error)
}

// Option configures the publisher.
type Option func(*Publisher)

// WithDrainInterval tweaks the polling cadence for replaying undelivered events.
func WithDrainInterval(interval time.Duration) Option {
	return func(p *Publisher) {
		if interval > 0 {
			p.drainInterval = interval
		}
	}
}

// WithDrainBatchSize configures the number of rows fetched per drain tick.
func WithDrainBatchSize(size int) Option {
	return func(p *Publisher) {
		if size > 0 {
			p.drainBatchSize = size
		}
	}
}

// WithRetryDelay configures how long a failed delivery stays parked before
// the drain loop retries it.
func WithRetryDelay(delay time.Duration) Option {
	return func(p *Publisher) {
		if delay > 0 {
			p.retryDelay = delay
		}
	}
}

// WithDrainDisabled skips starting the background drain worker.
func WithDrainDisabled() Option {
	return func(p *Publisher) {
		p.drainDisabled = true
	}
}

// Publisher persists every change event to the outbox before handing it to
// the fan-out, so a crash between write and delivery is replayed rather than
// lost. Duplicate deliveries are possible and deduplicated downstream by
// event key.
type Publisher struct {
	bus    Bus
	store  outboxstore.Store
	orders PartyResolver

	drainInterval  time.Duration
	drainBatchSize int
	retryDelay     time.Duration
	drainDisabled  bool

	drainCtx    context.Context
	drainCancel context.CancelFunc
	drainWG     sync.WaitGroup

	environment string
	published   metric.Int64Counter
	replayed    metric.Int64Counter
	failures    metric.Int64Counter
}

const (
	defaultDrainInterval  = time.Second
	defaultDrainBatchSize = 128
	defaultRetryDelay     = 30 * time.Second
)

// NewPublisher constructs a durable publisher over the outbox store.
func NewPublisher(bus Bus, store outboxstore.Store, orders PartyResolver, opts ...Option) (*Publisher, error) {
	if bus == nil {
		return nil, errs.New("feed/publisher", errs.CodeInvalid, errs.WithMessage("bus required"))
	}
	if store == nil {
		return nil, errs.New("feed/publisher", errs.CodeInvalid, errs.WithMessage("outbox store required"))
	}
	if orders == nil {
		return nil, errs.New("feed/publisher", errs.CodeInvalid, errs.WithMessage("party resolver required"))
	}
	p := new(Publisher)
	p.bus = bus
	p.store = store
	p.orders = orders
	p.drainInterval = defaultDrainInterval
	p.drainBatchSize = defaultDrainBatchSize
	p.retryDelay = defaultRetryDelay
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	p.environment = telemetry.Environment()
	meter := otel.Meter("feed")
	p.published, _ = meter.Int64Counter("agrisync_feed_events_published",
		metric.WithDescription("Change events handed to the fan-out"),
		metric.WithUnit("{event}"))
	p.replayed, _ = meter.Int64Counter("agrisync_feed_events_replayed",
		metric.WithDescription("Undelivered change events replayed from the outbox"),
		metric.WithUnit("{event}"))
	p.failures, _ = meter.Int64Counter("agrisync_feed_delivery_failures",
		metric.WithDescription("Change event deliveries that were parked for retry"),
		metric.WithUnit("{failure}"))

	if !p.drainDisabled {
		p.startDrainWorker()
	}
	return p, nil
}

// Stage persists the event through the supplied writer, normally the order
// transaction that applied the transition, so the outbox row commits
// atomically with the status write. A nil writer stages on the pool-backed
// store. A duplicate event key returns the existing record.
func (p *Publisher) Stage(ctx context.Context, writer outboxstore.Writer, evt *schema.ChangeEvent) (outboxstore.EventRecord, error) {
	if evt == nil {
		return outboxstore.EventRecord{}, errs.New("feed/publisher", errs.CodeInvalid, errs.WithMessage("event required"))
	}
	if writer == nil {
		writer = p.store
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return outboxstore.EventRecord{}, errs.New("feed/publisher", errs.CodeInternal,
			errs.WithMessage("encode payload"), errs.WithCause(err))
	}
	record, err := writer.Enqueue(safeContext(ctx), outboxstore.Event{
		OrderID:     evt.OrderID,
		EventKey:    evt.Key(),
		EventType:   EventTypeStatusChanged,
		Payload:     payload,
		AvailableAt: evt.OccurredAt,
	})
	if err != nil {
		return outboxstore.EventRecord{}, fmt.Errorf("feed stage: %w", err)
	}
	return record, nil
}

// Deliver hands a staged event to the fan-out and marks its outbox row. A
// failed delivery is parked for the drain loop; the committed row carries
// the at-least-once guarantee across the failure. An already-delivered
// record is absorbed silently.
func (p *Publisher) Deliver(ctx context.Context, record outboxstore.EventRecord, evt *schema.ChangeEvent) error {
	if evt == nil {
		return errs.New("feed/publisher", errs.CodeInvalid, errs.WithMessage("event required"))
	}
	if record.Delivered {
		// the logical change was already fanned out once
		return nil
	}
	if err := p.deliver(ctx, record.ID, evt); err != nil {
		p.markFailure(ctx, record.ID, err)
		return fmt.Errorf("feed deliver: %w", err)
	}
	if err := p.store.MarkDelivered(safeContext(ctx), record.ID); err != nil {
		return fmt.Errorf("feed mark delivered: %w", err)
	}
	p.count(ctx, p.published)
	return nil
}

// Close stops the drain worker.
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	if p.drainCancel != nil {
		p.drainCancel()
		p.drainWG.Wait()
	}
}

func (p *Publisher) deliver(ctx context.Context, recordID int64, evt *schema.ChangeEvent) error {
	env, err := p.buildEnvelope(ctx, evt)
	if err != nil {
		return err
	}
	if err := p.bus.Publish(ctx, env); err != nil {
		return fmt.Errorf("deliver record %d: %w", recordID, err)
	}
	return nil
}

func (p *Publisher) buildEnvelope(ctx context.Context, evt *schema.ChangeEvent) (*fanout.Envelope, error) {
	order, err := p.orders.GetOrder(safeContext(ctx), evt.OrderID)
	if err != nil {
		return nil, fmt.Errorf("resolve parties: %w", err)
	}
	env := new(fanout.Envelope)
	env.Event = *evt
	if order.FarmerID != nil {
		env.FarmerID = *order.FarmerID
	}
	if order.BuyerID != nil {
		env.BuyerID = *order.BuyerID
	}
	return env, nil
}

func (p *Publisher) startDrainWorker() {
	ctx, cancel := context.WithCancel(context.Background())
	p.drainCtx = ctx
	p.drainCancel = cancel
	p.drainWG.Add(1)
	go func() {
		defer p.drainWG.Done()
		ticker := time.NewTicker(p.drainInterval)
		defer ticker.Stop()
		p.drainPending()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.drainPending()
			}
		}
	}()
}

func (p *Publisher) drainPending() {
	ctx := p.drainCtx
	if ctx == nil {
		ctx = context.Background()
	}
	records, err := p.store.ListPending(ctx, p.drainBatchSize)
	if err != nil {
		observability.Log().Warn("outbox drain list failed",
			observability.F("error", err.Error()))
		return
	}
	for _, record := range records {
		evt, err := decodePayload(record.Payload)
		if err != nil {
			observability.Log().Error("outbox payload undecodable",
				observability.F("record_id", record.ID),
				observability.F("error", err.Error()))
			p.markFailure(ctx, record.ID, err)
			continue
		}
		if err := p.deliver(ctx, record.ID, evt); err != nil {
			observability.Log().Warn("outbox replay delivery failed",
				observability.F("record_id", record.ID),
				observability.F("order_id", record.OrderID),
				observability.F("error", err.Error()))
			p.markFailure(ctx, record.ID, err)
			continue
		}
		if err := p.store.MarkDelivered(ctx, record.ID); err != nil {
			observability.Log().Warn("outbox mark delivered failed",
				observability.F("record_id", record.ID),
				observability.F("error", err.Error()))
			continue
		}
		p.count(ctx, p.replayed)
	}
}

func (p *Publisher) markFailure(ctx context.Context, id int64, cause error) {
	msg := "delivery failed"
	if cause != nil && strings.TrimSpace(cause.Error()) != "" {
		msg = cause.Error()
	}
	retryAt := time.Now().UTC().Add(p.retryDelay)
	if err := p.store.MarkFailed(safeContext(ctx), id, msg, retryAt); err != nil {
		observability.Log().Warn("outbox mark failed error",
			observability.F("record_id", id),
			observability.F("error", err.Error()))
	}
	p.count(ctx, p.failures)
}

func (p *Publisher) count(ctx context.Context, counter metric.Int64Counter) {
	if counter == nil {
		return
	}
	counter.Add(safeContext(ctx), 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(p.environment)))
}

func decodePayload(payload json.RawMessage) (*schema.ChangeEvent, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	var evt schema.ChangeEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return &evt, nil
}

func safeContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}
