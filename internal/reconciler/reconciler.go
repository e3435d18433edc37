// Package reconciler keeps cached order status converged with the
// authoritative escrow chain and emits change events for every applied
// transition.
package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/gamerboy74/agrisync/errs"
	"github.com/gamerboy74/agrisync/internal/domain/orderstore"
	"github.com/gamerboy74/agrisync/internal/domain/outboxstore"
	"github.com/gamerboy74/agrisync/internal/observability"
	"github.com/gamerboy74/agrisync/internal/oracle"
	"github.com/gamerboy74/agrisync/internal/schema"
	"github.com/gamerboy74/agrisync/lib/async"
)

// EventSink stages the change event for an applied transition inside the
// transition's own transaction, then delivers it after commit.
type EventSink interface {
	Stage(ctx context.Context, writer outboxstore.Writer, evt *schema.ChangeEvent) (outboxstore.EventRecord, error)
	Deliver(ctx context.Context, record outboxstore.EventRecord, evt *schema.ChangeEvent) error
}

// Config tunes the reconciliation loop.
type Config struct {
	PollInterval      time.Duration
	Workers           int
	QueueSize         int
	BackoffInitial    time.Duration
	BackoffMultiplier float64
	BackoffMax        time.Duration
	MaxAttempts       int
	RefreshLimit      int
}

const (
	defaultPollInterval   = 30 * time.Second
	defaultBackoffInitial = time.Second
	defaultBackoffMax     = time.Minute
	defaultMaxAttempts    = 6
	defaultRefreshLimit   = 1000
)

func (c *Config) normalize() {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = defaultBackoffInitial
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = 2
	}
	if c.BackoffMax < c.BackoffInitial {
		c.BackoffMax = defaultBackoffMax
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.RefreshLimit <= 0 {
		c.RefreshLimit = defaultRefreshLimit
	}
}

// entry tracks the reconciliation state of one order in the working set.
type entry struct {
	order    schema.Order
	attempts int
	next     time.Time
	retry    *backoff.ExponentialBackOff
	inFlight bool
}

// Reconciler owns every write to cached order status.
type Reconciler struct {
	store  orderstore.Store
	source oracle.StatusSource
	sink   EventSink
	cfg    Config
	pool   *async.Pool

	mu          sync.Mutex
	working     map[string]*entry
	contractIdx map[string]string

	nudges  chan struct{}
	metrics *reconcilerMetrics
	now     func() time.Time
}

// New constructs a reconciler over the given store, oracle, and event sink.
func New(store orderstore.Store, source oracle.StatusSource, sink EventSink, cfg Config) (*Reconciler, error) {
	if store == nil {
		return nil, errs.New("reconciler", errs.CodeInvalid, errs.WithMessage("store required"))
	}
	if source == nil {
		return nil, errs.New("reconciler", errs.CodeInvalid, errs.WithMessage("oracle source required"))
	}
	if sink == nil {
		return nil, errs.New("reconciler", errs.CodeInvalid, errs.WithMessage("event sink required"))
	}
	cfg.normalize()
	pool, err := async.NewPool(cfg.Workers, cfg.QueueSize)
	if err != nil {
		return nil, err
	}
	r := new(Reconciler)
	r.store = store
	r.source = source
	r.sink = sink
	r.cfg = cfg
	r.pool = pool
	r.working = make(map[string]*entry)
	r.contractIdx = make(map[string]string)
	r.nudges = make(chan struct{}, 1)
	r.now = time.Now
	r.metrics = newReconcilerMetrics(r)
	return r, nil
}

// Run drives the reconciliation loop until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	r.Cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("reconciler run: %w", ctx.Err())
		case <-ticker.C:
			r.Cycle(ctx)
		case <-r.nudges:
			r.Cycle(ctx)
		}
	}
}

// Shutdown drains in-flight reconciliations.
func (r *Reconciler) Shutdown(ctx context.Context) error {
	return r.pool.Shutdown(ctx)
}

// Nudge marks the orders behind the touched contracts due immediately and
// wakes the loop ahead of its polling cadence.
func (r *Reconciler) Nudge(head oracle.Head) {
	now := r.now()
	r.mu.Lock()
	for _, contractID := range head.Contracts {
		orderID, ok := r.contractIdx[contractID]
		if !ok {
			continue
		}
		if ent, ok := r.working[orderID]; ok {
			ent.next = now
		}
	}
	r.mu.Unlock()

	select {
	case r.nudges <- struct{}{}:
	default:
	}
}

// Track adds a freshly created order to the working set without waiting for
// the next refresh.
func (r *Reconciler) Track(order schema.Order) {
	if order.Status.Terminal() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.working[order.ID]; ok {
		return
	}
	r.working[order.ID] = &entry{order: order.Clone(), next: r.now()}
	r.contractIdx[order.ContractID] = order.ID
}

// Cycle refreshes the working set and schedules every due order.
func (r *Reconciler) Cycle(ctx context.Context) {
	r.metrics.recordCycle(ctx)
	r.refresh(ctx)

	now := r.now()
	due := make([]string, 0)
	r.mu.Lock()
	for id, ent := range r.working {
		if ent.inFlight || ent.next.After(now) {
			continue
		}
		// at most one in-flight reconciliation per order
		ent.inFlight = true
		due = append(due, id)
	}
	r.mu.Unlock()

	for _, id := range due {
		orderID := id
		if err := r.pool.Submit(ctx, func(taskCtx context.Context) error {
			r.reconcileOne(taskCtx, orderID)
			return nil
		}); err != nil {
			r.mu.Lock()
			if ent, ok := r.working[orderID]; ok {
				ent.inFlight = false
			}
			r.mu.Unlock()
			observability.Log().Warn("schedule reconciliation failed",
				observability.F("order_id", orderID),
				observability.F("error", err.Error()))
		}
	}
}

// refresh merges every non-terminal persisted order into the working set.
func (r *Reconciler) refresh(ctx context.Context) {
	orders, err := r.store.ListActive(ctx, r.cfg.RefreshLimit)
	if err != nil {
		observability.Log().Warn("working set refresh failed",
			observability.F("error", err.Error()))
		return
	}
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, order := range orders {
		ent, ok := r.working[order.ID]
		if !ok {
			r.working[order.ID] = &entry{order: order.Clone(), next: now}
			r.contractIdx[order.ContractID] = order.ID
			continue
		}
		if !ent.inFlight {
			ent.order = order.Clone()
		}
	}
}

func (r *Reconciler) reconcileOne(ctx context.Context, orderID string) {
	r.mu.Lock()
	ent, ok := r.working[orderID]
	if !ok {
		r.mu.Unlock()
		return
	}
	order := ent.order.Clone()
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		if ent, ok := r.working[orderID]; ok {
			ent.inFlight = false
		}
		r.mu.Unlock()
	}()

	start := r.now()
	details, err := r.source.ContractStatus(ctx, order.ContractID)
	if err != nil {
		r.metrics.recordOracleLatency(ctx, r.now().Sub(start), "error")
		r.handleOracleFailure(ctx, orderID, order, err)
		return
	}
	r.metrics.recordOracleLatency(ctx, r.now().Sub(start), "success")

	r.mu.Lock()
	if ent, ok := r.working[orderID]; ok {
		ent.attempts = 0
		ent.retry = nil
		ent.next = r.now().Add(r.cfg.PollInterval)
	}
	r.mu.Unlock()

	authoritative := schema.StatusFromChainCode(details.StatusCode)
	if authoritative == schema.StatusUnknown {
		r.metrics.recordInconsistency(ctx, "unknown_chain_code")
		observability.Log().Error("unmapped chain status code",
			observability.F("order_id", orderID),
			observability.F("contract_id", order.ContractID),
			observability.F("chain_code", details.StatusCode))
		return
	}

	cached := order.Status
	if authoritative == cached {
		if cached.Terminal() {
			r.remove(orderID, order.ContractID)
		}
		return
	}

	if !schema.Transitionable(cached, authoritative) {
		r.metrics.recordInconsistency(ctx, "regression")
		observability.Log().Error("authoritative status regression rejected",
			observability.F("order_id", orderID),
			observability.F("cached", string(cached)),
			observability.F("authoritative", string(authoritative)))
		if cached.Terminal() {
			r.remove(orderID, order.ContractID)
		}
		return
	}

	if err := r.applyTransition(ctx, order, cached, authoritative, schema.ActorOracle, ""); err != nil {
		observability.Log().Warn("apply transition failed",
			observability.F("order_id", orderID),
			observability.F("error", err.Error()))
		return
	}

	r.mu.Lock()
	if ent, ok := r.working[orderID]; ok {
		ent.order.Status = authoritative
	}
	r.mu.Unlock()
	if authoritative.Terminal() {
		r.remove(orderID, order.ContractID)
	}
}

// handleOracleFailure schedules a retry with exponential backoff, escalating
// to the review queue once the attempt budget is spent.
func (r *Reconciler) handleOracleFailure(ctx context.Context, orderID string, order schema.Order, cause error) {
	transient := errs.IsUnavailable(cause)
	r.metrics.recordOracleFailure(ctx, string(errs.CodeOf(cause)))

	r.mu.Lock()
	ent, ok := r.working[orderID]
	if !ok {
		r.mu.Unlock()
		return
	}
	ent.attempts++
	attempts := ent.attempts
	if transient && attempts < r.cfg.MaxAttempts {
		if ent.retry == nil {
			ent.retry = r.newBackoff()
		}
		wait := ent.retry.NextBackOff()
		if wait == backoff.Stop {
			wait = r.cfg.BackoffMax
		}
		ent.next = r.now().Add(wait)
		r.mu.Unlock()
		observability.Log().Debug("oracle lookup failed, retry scheduled",
			observability.F("order_id", orderID),
			observability.F("attempt", attempts),
			observability.F("wait", wait.String()))
		return
	}
	r.mu.Unlock()

	r.escalate(ctx, orderID, order, attempts, cause)
}

func (r *Reconciler) escalate(ctx context.Context, orderID string, order schema.Order, attempts int, cause error) {
	item := orderstore.ReviewItem{
		OrderID:     orderID,
		Status:      order.Status,
		Reason:      cause.Error(),
		Attempts:    attempts,
		EscalatedAt: r.now().UTC(),
	}
	if err := r.store.EscalateReview(ctx, item); err != nil {
		observability.Log().Error("review escalation failed",
			observability.F("order_id", orderID),
			observability.F("error", err.Error()))
		return
	}
	r.metrics.recordEscalation(ctx)
	observability.Log().Error("order escalated for manual review",
		observability.F("order_id", orderID),
		observability.F("attempts", attempts),
		observability.F("cause", cause.Error()))
	r.remove(orderID, order.ContractID)
}

func (r *Reconciler) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.BackoffInitial
	b.Multiplier = r.cfg.BackoffMultiplier
	b.MaxInterval = r.cfg.BackoffMax
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

// applyTransition performs the guarded transactional write, staging the
// change event on the same transaction, and delivers it after commit.
func (r *Reconciler) applyTransition(ctx context.Context, order schema.Order, from, to schema.Status, actor schema.Actor, traceID string) error {
	applied := false
	update := orderstore.StatusUpdate{
		OrderID:      order.ID,
		FromStatus:   from,
		ToStatus:     to,
		Actor:        actor,
		ReconciledAt: r.now().UTC(),
		TraceID:      traceID,
	}
	evt := &schema.ChangeEvent{
		EventID:    uuid.NewString(),
		OrderID:    order.ID,
		OldStatus:  from,
		NewStatus:  to,
		Actor:      actor,
		OccurredAt: r.now().UTC(),
		TraceID:    traceID,
	}
	var staged outboxstore.EventRecord
	err := r.store.WithTransaction(ctx, func(txCtx context.Context, tx orderstore.Tx) error {
		ok, err := tx.ApplyStatus(txCtx, update)
		if err != nil {
			return err
		}
		applied = ok
		if !ok {
			return nil
		}
		// the outbox row commits with the status write or not at all
		staged, err = r.sink.Stage(txCtx, tx, evt)
		return err
	})
	if err != nil {
		return err
	}
	if !applied {
		// a concurrent writer advanced the row first; the next cycle
		// re-reads and converges
		r.metrics.recordInconsistency(ctx, "lost_write_race")
		return nil
	}

	r.metrics.recordTransition(ctx, string(to), string(actor))
	if err := r.sink.Deliver(ctx, staged, evt); err != nil {
		// the committed outbox row survives; the drain loop replays it
		observability.Log().Warn("change event delivery deferred",
			observability.F("order_id", order.ID),
			observability.F("error", err.Error()))
	}
	observability.Log().Info("status transition applied",
		observability.F("order_id", order.ID),
		observability.F("from", string(from)),
		observability.F("to", string(to)),
		observability.F("actor", string(actor)))
	return nil
}

// ApplyOverride applies a back-office status override. The cached status is
// never trusted for a state-changing action: the authoritative status is
// re-verified synchronously before the write.
func (r *Reconciler) ApplyOverride(ctx context.Context, orderID string, target schema.Status, traceID string) (schema.Order, error) {
	order, err := r.store.GetOrder(ctx, orderID)
	if err != nil {
		return schema.Order{}, err
	}

	details, err := r.source.ContractStatus(ctx, order.ContractID)
	if err != nil {
		return schema.Order{}, errs.New("reconciler/override", errs.CodeUnavailable,
			errs.WithMessage("authoritative status could not be verified"),
			errs.WithOrderID(orderID), errs.WithCause(err))
	}
	authoritative := schema.StatusFromChainCode(details.StatusCode)
	if authoritative == schema.StatusUnknown {
		r.metrics.recordInconsistency(ctx, "unknown_chain_code")
		return schema.Order{}, errs.New("reconciler/override", errs.CodeConflict,
			errs.WithMessage("contract reports an unrecognised status code"),
			errs.WithOrderID(orderID),
			errs.WithField("chain_code", fmt.Sprintf("%d", details.StatusCode)))
	}

	// fold in any divergence the poller has not caught up with yet
	current := order.Status
	if authoritative != current && schema.Transitionable(current, authoritative) {
		if err := r.applyTransition(ctx, order, current, authoritative, schema.ActorOracle, traceID); err != nil {
			return schema.Order{}, err
		}
		current = authoritative
	}

	if target == current {
		order.Status = current
		return order, nil
	}
	if !schema.Transitionable(current, target) {
		return schema.Order{}, errs.New("reconciler/override", errs.CodeConflict,
			errs.WithMessage(fmt.Sprintf("cannot move %s to %s", current, target)),
			errs.WithOrderID(orderID))
	}
	if err := r.applyTransition(ctx, order, current, target, schema.ActorAdmin, traceID); err != nil {
		return schema.Order{}, err
	}
	if err := r.store.ResolveReview(ctx, orderID); err != nil {
		observability.Log().Warn("review resolution failed",
			observability.F("order_id", orderID),
			observability.F("error", err.Error()))
	}

	r.mu.Lock()
	if ent, ok := r.working[orderID]; ok {
		ent.order.Status = target
	}
	r.mu.Unlock()
	if target.Terminal() {
		r.remove(orderID, order.ContractID)
	}

	order.Status = target
	return order, nil
}

func (r *Reconciler) remove(orderID, contractID string) {
	r.mu.Lock()
	delete(r.working, orderID)
	if contractID != "" {
		delete(r.contractIdx, contractID)
	}
	r.mu.Unlock()
}

func (r *Reconciler) workingSetLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.working)
}
