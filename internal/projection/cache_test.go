package projection

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/gamerboy74/agrisync/internal/schema"
)

func visibleOrder(id string, status schema.Status) schema.Order {
	farmer := "farmer-1"
	buyer := "buyer-1"
	return schema.Order{
		ID:           id,
		ContractID:   "0xabc" + id,
		FarmerID:     &farmer,
		BuyerID:      &buyer,
		Amount:       decimal.NewFromInt(500),
		Status:       status,
		CreatedAt:    time.Now().UTC(),
		ReconciledAt: time.Now().UTC(),
	}
}

func changeEvent(orderID string, from, to schema.Status) schema.ChangeEvent {
	return schema.ChangeEvent{
		EventID:    "evt-" + orderID + "-" + string(to),
		OrderID:    orderID,
		OldStatus:  from,
		NewStatus:  to,
		Actor:      schema.ActorOracle,
		OccurredAt: time.Now().UTC(),
	}
}

func TestNewCacheRequiresViewer(t *testing.T) {
	_, err := NewCache("")
	require.Error(t, err)
}

func TestApplyAdvancesOrder(t *testing.T) {
	cache, err := NewCache("farmer-1")
	require.NoError(t, err)
	cache.Resync([]schema.Order{visibleOrder("ord-1", schema.StatusPending)})

	res := cache.Apply(changeEvent("ord-1", schema.StatusPending, schema.StatusFunded))
	require.Equal(t, Applied, res)

	got, ok := cache.Get("ord-1")
	require.True(t, ok)
	require.Equal(t, schema.StatusFunded, got.Status)
}

func TestApplyDuplicateIsNoOp(t *testing.T) {
	cache, err := NewCache("buyer-1")
	require.NoError(t, err)
	cache.Resync([]schema.Order{visibleOrder("ord-1", schema.StatusPending)})

	evt := changeEvent("ord-1", schema.StatusPending, schema.StatusFunded)
	require.Equal(t, Applied, cache.Apply(evt))
	require.Equal(t, Duplicate, cache.Apply(evt))

	got, ok := cache.Get("ord-1")
	require.True(t, ok)
	require.Equal(t, schema.StatusFunded, got.Status)
}

func TestApplyStaleReplayRejected(t *testing.T) {
	cache, err := NewCache("farmer-1")
	require.NoError(t, err)
	cache.Resync([]schema.Order{visibleOrder("ord-1", schema.StatusDelivered)})

	res := cache.Apply(changeEvent("ord-1", schema.StatusPending, schema.StatusFunded))
	require.Equal(t, Stale, res)

	got, _ := cache.Get("ord-1")
	require.Equal(t, schema.StatusDelivered, got.Status)
}

func TestApplyUnknownOrderSignalsRefresh(t *testing.T) {
	cache, err := NewCache("farmer-1")
	require.NoError(t, err)

	res := cache.Apply(changeEvent("ord-9", schema.StatusPending, schema.StatusFunded))
	require.Equal(t, UnknownOrder, res)
	require.Zero(t, cache.Len())
}

func TestResyncDropsForeignOrders(t *testing.T) {
	cache, err := NewCache("farmer-1")
	require.NoError(t, err)

	other := visibleOrder("ord-2", schema.StatusFunded)
	stranger := "farmer-2"
	other.FarmerID = &stranger
	otherBuyer := "buyer-2"
	other.BuyerID = &otherBuyer

	cache.Resync([]schema.Order{visibleOrder("ord-1", schema.StatusPending), other})
	require.Equal(t, 1, cache.Len())
	_, ok := cache.Get("ord-2")
	require.False(t, ok)
}

func TestReconnectConvergesWithMissedEvents(t *testing.T) {
	cache, err := NewCache("buyer-1")
	require.NoError(t, err)
	cache.Resync([]schema.Order{visibleOrder("ord-1", schema.StatusPending)})

	// Connection drops; the order moves twice while the client is away.
	// On reconnect the snapshot reload wins, and the late replays of the
	// missed events land as harmless duplicates or stale transitions.
	cache.Resync([]schema.Order{visibleOrder("ord-1", schema.StatusInProgress)})

	require.Equal(t, Stale, cache.Apply(changeEvent("ord-1", schema.StatusPending, schema.StatusFunded)))
	require.Equal(t, Duplicate, cache.Apply(changeEvent("ord-1", schema.StatusFunded, schema.StatusInProgress)))
	require.Equal(t, Applied, cache.Apply(changeEvent("ord-1", schema.StatusInProgress, schema.StatusDelivered)))

	got, _ := cache.Get("ord-1")
	require.Equal(t, schema.StatusDelivered, got.Status)
}

func TestOrdersSortedNewestFirst(t *testing.T) {
	cache, err := NewCache("farmer-1")
	require.NoError(t, err)

	older := visibleOrder("ord-1", schema.StatusPending)
	older.CreatedAt = time.Now().Add(-time.Hour).UTC()
	newer := visibleOrder("ord-2", schema.StatusFunded)

	cache.Resync([]schema.Order{older, newer})

	got := cache.Orders()
	require.Len(t, got, 2)
	require.Equal(t, "ord-2", got[0].ID)
	require.Equal(t, "ord-1", got[1].ID)
}
