package fanout

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gamerboy74/agrisync/internal/schema"
)

func fundedEnvelope(orderID string) *Envelope {
	return &Envelope{
		Event: schema.ChangeEvent{
			EventID:    "evt-" + orderID,
			OrderID:    orderID,
			OldStatus:  schema.StatusPending,
			NewStatus:  schema.StatusFunded,
			Actor:      schema.ActorOracle,
			OccurredAt: time.Now().UTC(),
		},
		FarmerID: "farmer-1",
		BuyerID:  "buyer-1",
	}
}

func collect(t *testing.T, ch <-chan *Envelope, want int) []*Envelope {
	t.Helper()
	out := make([]*Envelope, 0, want)
	timeout := time.After(2 * time.Second)
	for len(out) < want {
		select {
		case env, ok := <-ch:
			if !ok {
				t.Fatalf("channel closed after %d of %d envelopes", len(out), want)
			}
			out = append(out, env)
		case <-timeout:
			t.Fatalf("timed out after %d of %d envelopes", len(out), want)
		}
	}
	return out
}

func TestPublishDeliversToParties(t *testing.T) {
	bus := NewBus(Config{})
	defer bus.Close()

	ctx := context.Background()
	_, farmerCh, err := bus.Subscribe(ctx, "farmer-1")
	require.NoError(t, err)
	_, buyerCh, err := bus.Subscribe(ctx, "buyer-1")
	require.NoError(t, err)
	strangerID, strangerCh, err := bus.Subscribe(ctx, "buyer-2")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, fundedEnvelope("ord-1")))

	farmerEvents := collect(t, farmerCh, 1)
	require.Equal(t, schema.StatusFunded, farmerEvents[0].Event.NewStatus)
	buyerEvents := collect(t, buyerCh, 1)
	require.Equal(t, "ord-1", buyerEvents[0].Event.OrderID)

	select {
	case env := <-strangerCh:
		t.Fatalf("unrelated viewer received event for order %s", env.Event.OrderID)
	case <-time.After(50 * time.Millisecond):
	}
	bus.Unsubscribe(strangerID)
}

func TestPublishPerOrderFIFO(t *testing.T) {
	bus := NewBus(Config{BufferSize: 16})
	defer bus.Close()

	ctx := context.Background()
	_, ch, err := bus.Subscribe(ctx, "farmer-1")
	require.NoError(t, err)

	statuses := []schema.Status{schema.StatusFunded, schema.StatusInProgress, schema.StatusDelivered, schema.StatusCompleted}
	prev := schema.StatusPending
	for _, st := range statuses {
		env := fundedEnvelope("ord-1")
		env.Event.OldStatus = prev
		env.Event.NewStatus = st
		require.NoError(t, bus.Publish(ctx, env))
		prev = st
	}

	got := collect(t, ch, len(statuses))
	for i, st := range statuses {
		require.Equal(t, st, got[i].Event.NewStatus, "delivery order must match publish order")
	}
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	bus := NewBus(Config{BufferSize: 1})
	defer bus.Close()

	ctx := context.Background()
	_, ch, err := bus.Subscribe(ctx, "farmer-1")
	require.NoError(t, err)

	// nobody reading: the second publish must drop rather than block
	require.NoError(t, bus.Publish(ctx, fundedEnvelope("ord-1")))
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = bus.Publish(ctx, fundedEnvelope("ord-2"))
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber buffer")
	}

	got := collect(t, ch, 1)
	require.Equal(t, "ord-1", got[0].Event.OrderID)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(Config{})
	defer bus.Close()

	ctx := context.Background()
	id, ch, err := bus.Subscribe(ctx, "farmer-1")
	require.NoError(t, err)
	bus.Unsubscribe(id)

	require.NoError(t, bus.Publish(ctx, fundedEnvelope("ord-1")))
	_, ok := <-ch
	require.False(t, ok, "channel must be closed after unsubscribe")
	require.Equal(t, 0, bus.SubscriberCount())
}

func TestSubscribeContextCancelRemovesSubscriber(t *testing.T) {
	bus := NewBus(Config{})
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	_, ch, err := bus.Subscribe(ctx, "buyer-1")
	require.NoError(t, err)
	cancel()

	deadline := time.Now().Add(time.Second)
	for bus.SubscriberCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 0, bus.SubscriberCount())
	_, ok := <-ch
	require.False(t, ok)
}

func TestSubscribeRequiresViewer(t *testing.T) {
	bus := NewBus(Config{})
	defer bus.Close()

	_, _, err := bus.Subscribe(context.Background(), "")
	require.Error(t, err)
}

func TestPublishAfterClose(t *testing.T) {
	bus := NewBus(Config{})
	bus.Close()
	err := bus.Publish(context.Background(), fundedEnvelope("ord-1"))
	require.Error(t, err)
}
