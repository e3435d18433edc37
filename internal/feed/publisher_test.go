package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/gamerboy74/agrisync/internal/domain/outboxstore"
	"github.com/gamerboy74/agrisync/internal/fanout"
	"github.com/gamerboy74/agrisync/internal/schema"
)

type memOutbox struct {
	mu      sync.Mutex
	nextID  int64
	records map[int64]*outboxstore.EventRecord
	byKey   map[string]int64
}

func newMemOutbox() *memOutbox {
	return &memOutbox{
		records: make(map[int64]*outboxstore.EventRecord),
		byKey:   make(map[string]int64),
	}
}

func (m *memOutbox) Enqueue(_ context.Context, evt outboxstore.Event) (outboxstore.EventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byKey[evt.EventKey]; ok {
		return *m.records[id], nil
	}
	m.nextID++
	rec := &outboxstore.EventRecord{
		ID:          m.nextID,
		OrderID:     evt.OrderID,
		EventKey:    evt.EventKey,
		EventType:   evt.EventType,
		Payload:     evt.Payload,
		AvailableAt: evt.AvailableAt,
		CreatedAt:   time.Now().UTC(),
	}
	m.records[rec.ID] = rec
	m.byKey[evt.EventKey] = rec.ID
	return *rec, nil
}

func (m *memOutbox) ListPending(_ context.Context, limit int) ([]outboxstore.EventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	var out []outboxstore.EventRecord
	for id := int64(1); id <= m.nextID && len(out) < limit; id++ {
		rec, ok := m.records[id]
		if !ok || rec.Delivered || rec.AvailableAt.After(now) {
			continue
		}
		out = append(out, *rec)
	}
	return out, nil
}

func (m *memOutbox) MarkDelivered(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return errors.New("no such record")
	}
	now := time.Now().UTC()
	rec.Delivered = true
	rec.PublishedAt = &now
	return nil
}

func (m *memOutbox) MarkFailed(_ context.Context, id int64, lastError string, retryAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return errors.New("no such record")
	}
	rec.Attempts++
	rec.LastError = lastError
	rec.AvailableAt = retryAt
	return nil
}

func (m *memOutbox) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

func (m *memOutbox) record(id int64) outboxstore.EventRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.records[id]
}

type memBus struct {
	mu   sync.Mutex
	envs []*fanout.Envelope
	err  error
}

func (b *memBus) Publish(_ context.Context, env *fanout.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.envs = append(b.envs, env)
	return nil
}

func (b *memBus) published() []*fanout.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*fanout.Envelope(nil), b.envs...)
}

func (b *memBus) fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = err
}

type memResolver struct {
	orders map[string]schema.Order
}

func (r *memResolver) GetOrder(_ context.Context, id string) (schema.Order, error) {
	order, ok := r.orders[id]
	if !ok {
		return schema.Order{}, errors.New("order not found")
	}
	return order, nil
}

func testResolver() *memResolver {
	farmer := "farmer-1"
	buyer := "buyer-1"
	return &memResolver{orders: map[string]schema.Order{
		"ord-1": {ID: "ord-1", ContractID: "c-1", FarmerID: &farmer, BuyerID: &buyer, Status: schema.StatusFunded},
	}}
}

func fundedEvent() *schema.ChangeEvent {
	return &schema.ChangeEvent{
		EventID:    "evt-1",
		OrderID:    "ord-1",
		OldStatus:  schema.StatusPending,
		NewStatus:  schema.StatusFunded,
		Actor:      schema.ActorOracle,
		OccurredAt: time.Now().UTC(),
	}
}

func TestStageThenDeliverMarksDelivered(t *testing.T) {
	outbox := newMemOutbox()
	bus := new(memBus)
	p, err := NewPublisher(bus, outbox, testResolver(), WithDrainDisabled())
	require.NoError(t, err)
	defer p.Close()

	ctx := context.Background()
	evt := fundedEvent()
	record, err := p.Stage(ctx, nil, evt)
	require.NoError(t, err)
	require.False(t, record.Delivered)
	require.NoError(t, p.Deliver(ctx, record, evt))

	envs := bus.published()
	require.Len(t, envs, 1)
	require.Equal(t, "farmer-1", envs[0].FarmerID)
	require.Equal(t, "buyer-1", envs[0].BuyerID)
	require.Equal(t, schema.StatusFunded, envs[0].Event.NewStatus)
	require.True(t, outbox.record(record.ID).Delivered)
}

func TestStageDuplicateKeyDeliversOnce(t *testing.T) {
	outbox := newMemOutbox()
	bus := new(memBus)
	p, err := NewPublisher(bus, outbox, testResolver(), WithDrainDisabled())
	require.NoError(t, err)
	defer p.Close()

	ctx := context.Background()
	evt := fundedEvent()
	first, err := p.Stage(ctx, nil, evt)
	require.NoError(t, err)
	require.NoError(t, p.Deliver(ctx, first, evt))

	// a replay of the same logical change resolves to the delivered record
	replay, err := p.Stage(ctx, nil, fundedEvent())
	require.NoError(t, err)
	require.Equal(t, first.ID, replay.ID)
	require.NoError(t, p.Deliver(ctx, replay, evt))

	require.Len(t, bus.published(), 1)
}

func TestDeliverFailureParksForRetry(t *testing.T) {
	outbox := newMemOutbox()
	bus := new(memBus)
	bus.fail(errors.New("subscriber storm"))
	p, err := NewPublisher(bus, outbox, testResolver(), WithDrainDisabled(), WithRetryDelay(time.Minute))
	require.NoError(t, err)
	defer p.Close()

	ctx := context.Background()
	evt := fundedEvent()
	record, err := p.Stage(ctx, nil, evt)
	require.NoError(t, err)
	require.Error(t, p.Deliver(ctx, record, evt))

	rec := outbox.record(record.ID)
	require.False(t, rec.Delivered)
	require.Equal(t, 1, rec.Attempts)
	require.Contains(t, rec.LastError, "subscriber storm")
	require.True(t, rec.AvailableAt.After(time.Now().UTC().Add(30*time.Second)))
}

func TestDrainReplaysPending(t *testing.T) {
	outbox := newMemOutbox()
	evt := fundedEvent()
	payload, err := json.Marshal(evt)
	require.NoError(t, err)
	_, err = outbox.Enqueue(context.Background(), outboxstore.Event{
		OrderID:     evt.OrderID,
		EventKey:    evt.Key(),
		EventType:   EventTypeStatusChanged,
		Payload:     payload,
		AvailableAt: time.Now().UTC().Add(-time.Second),
	})
	require.NoError(t, err)

	bus := new(memBus)
	p, err := NewPublisher(bus, outbox, testResolver(), WithDrainInterval(10*time.Millisecond))
	require.NoError(t, err)
	defer p.Close()

	deadline := time.Now().Add(2 * time.Second)
	for len(bus.published()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.Len(t, bus.published(), 1)
	require.True(t, outbox.record(1).Delivered)
}

func TestDrainReplaysParkedAfterNewerDelivery(t *testing.T) {
	outbox := newMemOutbox()
	bus := new(memBus)
	p, err := NewPublisher(bus, outbox, testResolver(), WithDrainDisabled())
	require.NoError(t, err)
	defer p.Close()

	ctx := context.Background()

	// an older event sits parked in the outbox, due for retry
	older := fundedEvent()
	payload, err := json.Marshal(older)
	require.NoError(t, err)
	parked, err := outbox.Enqueue(ctx, outboxstore.Event{
		OrderID:     older.OrderID,
		EventKey:    older.Key(),
		EventType:   EventTypeStatusChanged,
		Payload:     payload,
		AvailableAt: time.Now().UTC().Add(-time.Second),
	})
	require.NoError(t, err)

	// a newer event for the same order delivers directly first
	newer := fundedEvent()
	newer.EventID = "evt-2"
	newer.OldStatus = schema.StatusFunded
	newer.NewStatus = schema.StatusInProgress
	record, err := p.Stage(ctx, nil, newer)
	require.NoError(t, err)
	require.NoError(t, p.Deliver(ctx, record, newer))

	// the drain replays the parked row afterwards; consumers see the older
	// change arrive out of order and drop it as stale
	p.drainPending()

	envs := bus.published()
	require.Len(t, envs, 2)
	require.Equal(t, schema.StatusInProgress, envs[0].Event.NewStatus)
	require.Equal(t, schema.StatusFunded, envs[1].Event.NewStatus)
	require.True(t, outbox.record(parked.ID).Delivered)
}
