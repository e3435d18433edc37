// Package fanout delivers change events to connected viewer sessions,
// filtered by party ownership, with per-subscriber isolation.
package fanout

import (
	"context"
	"sync"

	"github.com/google/uuid"
	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/gamerboy74/agrisync/errs"
	"github.com/gamerboy74/agrisync/internal/observability"
	"github.com/gamerboy74/agrisync/internal/schema"
	"github.com/gamerboy74/agrisync/internal/telemetry"
)

// SubscriptionID uniquely identifies a viewer subscription.
type SubscriptionID string

// Envelope pairs a change event with the party references the predicate
// matches against.
type Envelope struct {
	Event    schema.ChangeEvent
	FarmerID string
	BuyerID  string
}

// Config tunes the in-memory fan-out buffers.
type Config struct {
	BufferSize int
	Workers    int
}

func (c Config) normalize() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 64
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	return c
}

// Bus fans change events out to every subscription whose viewer is a party
// to the order.
type Bus struct {
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	subscribers  map[SubscriptionID]*subscriber
	shutdownOnce sync.Once

	environment     string
	eventsPublished metric.Int64Counter
	subscriberGauge metric.Int64UpDownCounter
	deliveryDropped metric.Int64Counter
	fanoutHistogram metric.Int64Histogram
}

type subscriber struct {
	viewerID string
	ctx      context.Context
	cancel   context.CancelFunc
	ch       chan *Envelope
	once     sync.Once
}

// NewBus constructs a memory-backed fan-out bus.
func NewBus(cfg Config) *Bus {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	b := new(Bus)
	b.cfg = cfg
	b.ctx = ctx
	b.cancel = cancel
	b.subscribers = make(map[SubscriptionID]*subscriber)
	b.environment = telemetry.Environment()

	meter := otel.Meter("fanout")
	b.eventsPublished, _ = meter.Int64Counter("agrisync_fanout_events_published",
		metric.WithDescription("Change events published to the fan-out"),
		metric.WithUnit("{event}"))
	b.subscriberGauge, _ = meter.Int64UpDownCounter("agrisync_fanout_subscribers",
		metric.WithDescription("Active viewer subscriptions"),
		metric.WithUnit("{subscriber}"))
	b.deliveryDropped, _ = meter.Int64Counter("agrisync_fanout_deliveries_dropped",
		metric.WithDescription("Deliveries dropped due to subscriber backpressure or disconnect"),
		metric.WithUnit("{event}"))
	b.fanoutHistogram, _ = meter.Int64Histogram("agrisync_fanout_matched_subscribers",
		metric.WithDescription("Matched subscribers per published event"),
		metric.WithUnit("{subscriber}"))

	return b
}

// Publish delivers the envelope to every matching subscriber. A slow or
// disconnected subscriber never blocks the others and never fails the
// publish; its delivery is dropped and recovered by client-side reload.
func (b *Bus) Publish(ctx context.Context, env *Envelope) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if env == nil {
		return nil
	}
	if env.Event.OrderID == "" {
		return errs.New("fanout/publish", errs.CodeInvalid, errs.WithMessage("order id required"))
	}
	select {
	case <-b.ctx.Done():
		return errs.New("fanout/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	default:
	}

	b.mu.RLock()
	matched := make([]*subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		if matches(sub.viewerID, env) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	if b.fanoutHistogram != nil {
		b.fanoutHistogram.Record(ctx, int64(len(matched)), metric.WithAttributes(b.baseAttrs()...))
	}
	if len(matched) == 0 {
		return nil
	}

	p := concpool.New().WithMaxGoroutines(b.cfg.Workers)
	for _, sub := range matched {
		sub := sub
		clone := new(Envelope)
		*clone = *env
		p.Go(func() {
			b.deliver(ctx, sub, clone)
		})
	}
	p.Wait()

	if b.eventsPublished != nil {
		attrs := append(b.baseAttrs(),
			telemetry.AttrOrderStatus.String(string(env.Event.NewStatus)),
			telemetry.AttrActor.String(string(env.Event.Actor)))
		b.eventsPublished.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	return nil
}

// matches implements the subscription predicate: the viewer must be a party
// to the order.
func matches(viewerID string, env *Envelope) bool {
	if viewerID == "" {
		return false
	}
	return viewerID == env.FarmerID || viewerID == env.BuyerID
}

// Subscribe registers a viewer session and returns its delivery channel.
func (b *Bus) Subscribe(ctx context.Context, viewerID string) (SubscriptionID, <-chan *Envelope, error) {
	if viewerID == "" {
		return "", nil, errs.New("fanout/subscribe", errs.CodePermission, errs.WithMessage("viewer identity required"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-b.ctx.Done():
		return "", nil, errs.New("fanout/subscribe", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	default:
	}
	ctx, cancel := context.WithCancel(ctx)

	sub := new(subscriber)
	sub.viewerID = viewerID
	sub.ctx = ctx
	sub.cancel = cancel
	sub.ch = make(chan *Envelope, b.cfg.BufferSize)

	id := SubscriptionID("sub-" + uuid.NewString())

	b.mu.Lock()
	b.subscribers[id] = sub
	b.mu.Unlock()

	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(ctx, 1, metric.WithAttributes(b.baseAttrs()...))
	}

	go b.observe(id, sub)
	return id, sub.ch, nil
}

// Unsubscribe removes the subscription and closes its channel.
func (b *Bus) Unsubscribe(id SubscriptionID) {
	if id == "" {
		return
	}
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(context.Background(), -1, metric.WithAttributes(b.baseAttrs()...))
	}
	sub.close()
}

// Close shuts down the bus and all subscriptions.
func (b *Bus) Close() {
	b.shutdownOnce.Do(func() {
		b.cancel()
		b.mu.Lock()
		for id, sub := range b.subscribers {
			if sub != nil {
				sub.close()
			}
			delete(b.subscribers, id)
		}
		b.mu.Unlock()
	})
}

func (b *Bus) observe(id SubscriptionID, sub *subscriber) {
	<-sub.ctx.Done()
	b.mu.Lock()
	if stored, ok := b.subscribers[id]; ok && stored == sub {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
	sub.close()
}

// deliver hands the envelope to one subscriber, dropping instead of blocking.
func (b *Bus) deliver(ctx context.Context, sub *subscriber, env *Envelope) {
	if sub.ctx.Err() != nil {
		b.recordDrop(ctx, "disconnected")
		return
	}
	select {
	case <-b.ctx.Done():
	case <-sub.ctx.Done():
		b.recordDrop(ctx, "disconnected")
	case sub.ch <- env:
	default:
		b.recordDrop(ctx, "buffer_full")
		observability.Log().Warn("subscriber buffer full, delivery dropped",
			observability.F("viewer_id", sub.viewerID),
			observability.F("order_id", env.Event.OrderID))
	}
}

func (b *Bus) recordDrop(ctx context.Context, reason string) {
	if b.deliveryDropped == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	attrs := append(b.baseAttrs(), telemetry.AttrReason.String(reason))
	b.deliveryDropped.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (b *Bus) baseAttrs() []attribute.KeyValue {
	return []attribute.KeyValue{telemetry.AttrEnvironment.String(b.environment)}
}

// SubscriberCount reports the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (s *subscriber) close() {
	s.once.Do(func() {
		s.cancel()
		close(s.ch)
	})
}
