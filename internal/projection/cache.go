// Package projection maintains a per-viewer, eventually-consistent view of
// the orders the viewer is entitled to see.
package projection

import (
	"sort"
	"sync"

	"github.com/gamerboy74/agrisync/errs"
	"github.com/gamerboy74/agrisync/internal/schema"
)

// ApplyResult describes what an incoming change event did to the projection.
type ApplyResult int

const (
	// Applied means the event advanced the projected order.
	Applied ApplyResult = iota
	// Duplicate means the event was already reflected; applying it again is a no-op.
	Duplicate
	// Stale means the event describes an impossible transition against the
	// projected state, typically a replay from before the last resync.
	Stale
	// UnknownOrder means the projection has never seen the order; the caller
	// should refresh from the snapshot surface.
	UnknownOrder
)

// Cache is the client-side projection for a single viewer. It is never a
// source of truth: any ambiguity is resolved by discarding it and reloading
// the authoritative snapshot.
type Cache struct {
	viewerID string

	mu     sync.RWMutex
	orders map[string]schema.Order
}

// NewCache constructs an empty projection for the viewer.
func NewCache(viewerID string) (*Cache, error) {
	if viewerID == "" {
		return nil, errs.New("projection/cache", errs.CodeInvalid, errs.WithMessage("viewer id required"))
	}
	c := new(Cache)
	c.viewerID = viewerID
	c.orders = make(map[string]schema.Order)
	return c, nil
}

// ViewerID returns the identity this projection belongs to.
func (c *Cache) ViewerID() string { return c.viewerID }

// Apply folds one change event into the projection. Application is
// idempotent: a duplicate of an already-reflected event leaves the state
// unchanged, and a transition the lifecycle forbids is rejected as stale.
func (c *Cache) Apply(evt schema.ChangeEvent) ApplyResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	order, ok := c.orders[evt.OrderID]
	if !ok {
		return UnknownOrder
	}
	if order.Status == evt.NewStatus {
		return Duplicate
	}
	if !schema.Transitionable(order.Status, evt.NewStatus) {
		return Stale
	}
	order.Status = evt.NewStatus
	order.ReconciledAt = evt.OccurredAt
	c.orders[evt.OrderID] = order
	return Applied
}

// Resync discards the in-memory state and replaces it with the authoritative
// snapshot, dropping any order the viewer is not a party to.
func (c *Cache) Resync(snapshot []schema.Order) {
	next := make(map[string]schema.Order, len(snapshot))
	for _, order := range snapshot {
		if !order.HasParty(c.viewerID) {
			continue
		}
		next[order.ID] = order.Clone()
	}
	c.mu.Lock()
	c.orders = next
	c.mu.Unlock()
}

// Get returns a copy of the projected order.
func (c *Cache) Get(orderID string) (schema.Order, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	order, ok := c.orders[orderID]
	if !ok {
		return schema.Order{}, false
	}
	return order.Clone(), true
}

// Orders returns the projected orders sorted by creation time, newest first.
func (c *Cache) Orders() []schema.Order {
	c.mu.RLock()
	out := make([]schema.Order, 0, len(c.orders))
	for _, order := range c.orders {
		out = append(out, order.Clone())
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Len reports the number of projected orders.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.orders)
}
