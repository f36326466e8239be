// Package orders is the Order Registry: the authoritative in-memory store of
// live orders. Every status change goes through the lifecycle validator, and
// every committed change is handed to the durable writer without waiting.
package orders

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/courier-dispatch/internal/apperr"
	"github.com/example/courier-dispatch/internal/clock"
	"github.com/example/courier-dispatch/internal/geo"
	"github.com/example/courier-dispatch/internal/lifecycle"
	"github.com/example/courier-dispatch/internal/models"
	"github.com/example/courier-dispatch/internal/observability"
	"github.com/example/courier-dispatch/internal/pricing"
	"github.com/example/courier-dispatch/internal/storage"
)

// Persister is the durable side of the registry. Both calls enqueue and
// return immediately; the channel yields the write outcome.
type Persister interface {
	SaveOrder(o models.Order) <-chan error
	UpdateOrder(o models.Order) <-chan error
}

type Quoter interface {
	Quote(ctx context.Context, method models.Method, from, to models.Coord, distanceKm float64) (pricing.Quote, error)
}

type Config struct {
	RemovalGrace   time.Duration
	PersistTimeout time.Duration
}

// Change is the outcome of a registry mutation.
type Change struct {
	Order   models.Order
	Changed bool // false when the request was an idempotent no-op

	durable <-chan error
}

// Durable waits up to timeout for the durable write of this change.
func (c Change) Durable(timeout time.Duration) bool {
	if !c.Changed {
		return true
	}
	if c.durable == nil {
		return false
	}
	return storage.Await(c.durable, timeout)
}

// CreateResult reports the in-memory and durable outcomes separately so a
// store outage never hides a valid live order.
type CreateResult struct {
	Order            models.Order
	InMemory         bool
	DurablyPersisted bool
}

type Registry struct {
	mu       sync.RWMutex
	orders   map[string]*models.Order
	removals map[string]clock.Timer

	cfg     Config
	clock   clock.Clock
	persist Persister
	quoter  Quoter
	logger  *slog.Logger

	onRemove func(id string)
}

func NewRegistry(cfg Config, clk clock.Clock, persist Persister, quoter Quoter, logger *slog.Logger) *Registry {
	if cfg.RemovalGrace <= 0 {
		cfg.RemovalGrace = 5 * time.Minute
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 2 * time.Second
	}
	return &Registry{
		orders:   make(map[string]*models.Order),
		removals: make(map[string]clock.Timer),
		cfg:      cfg,
		clock:    clk,
		persist:  persist,
		quoter:   quoter,
		logger:   logger.With("component", "order_registry"),
	}
}

// Create validates the submission, fills in distance, price and ETA when the
// caller left them out, and stores the order as pending. The durable write is
// awaited for at most PersistTimeout; its failure only clears the flag.
func (r *Registry) Create(ctx context.Context, in models.OrderInput) (CreateResult, error) {
	if err := validateInput(in); err != nil {
		return CreateResult{}, err
	}
	from, to := *in.Pickup.Location, *in.Dropoff.Location

	dist := in.DistanceKm
	if dist <= 0 {
		dist = geo.DistanceKm(from, to)
	}
	price, minutes := in.Price, in.EstimatedMinutes
	if price <= 0 || minutes <= 0 {
		q, err := r.quoter.Quote(ctx, in.Method, from, to, dist)
		if err != nil {
			return CreateResult{}, &apperr.ValidationError{Field: "method", Reason: err.Error()}
		}
		if price <= 0 {
			price = q.Price
		}
		if minutes <= 0 {
			minutes = q.EstimatedMinutes
		}
	}

	now := r.clock.Now()
	o := models.Order{
		ID:               uuid.NewString(),
		RequesterID:      in.RequesterID,
		Pickup:           models.Place{Address: in.Pickup.Address, Coord: from},
		Dropoff:          models.Place{Address: in.Dropoff.Address, Coord: to},
		Method:           in.Method,
		Price:            price,
		DistanceKm:       dist,
		EstimatedMinutes: minutes,
		Status:           models.StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	r.mu.Lock()
	stored := o
	r.orders[o.ID] = &stored
	r.mu.Unlock()
	observability.OrdersCreated.Inc()

	durable := storage.Await(r.persist.SaveOrder(o), r.cfg.PersistTimeout)
	if !durable {
		r.logger.Warn("order kept in memory only", "order_id", o.ID)
	}
	return CreateResult{Order: o, InMemory: true, DurablyPersisted: durable}, nil
}

func validateInput(in models.OrderInput) error {
	switch {
	case in.RequesterID == "":
		return &apperr.ValidationError{Field: "requester_id", Reason: "missing"}
	case in.Pickup.Location == nil:
		return &apperr.ValidationError{Field: "pickup", Reason: "missing coordinates"}
	case !geo.ValidCoord(*in.Pickup.Location):
		return &apperr.ValidationError{Field: "pickup", Reason: "coordinates out of range"}
	case in.Dropoff.Location == nil:
		return &apperr.ValidationError{Field: "dropoff", Reason: "missing coordinates"}
	case !geo.ValidCoord(*in.Dropoff.Location):
		return &apperr.ValidationError{Field: "dropoff", Reason: "coordinates out of range"}
	case !in.Method.Valid():
		return &apperr.ValidationError{Field: "method", Reason: fmt.Sprintf("unknown value %q", in.Method)}
	case in.Price < 0 || in.DistanceKm < 0 || in.EstimatedMinutes < 0:
		return &apperr.ValidationError{Field: "price", Reason: "negative value"}
	}
	return nil
}

func (r *Registry) Get(id string) (models.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orders[id]
	if !ok {
		return models.Order{}, fmt.Errorf("%w: %s", apperr.ErrNotFound, id)
	}
	return *o, nil
}

// Transition moves the order to next on behalf of actor.
func (r *Registry) Transition(id string, next models.Status, actor models.Actor) (Change, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return Change{}, fmt.Errorf("%w: %s", apperr.ErrNotFound, id)
	}
	return r.applyLocked(o, next, actor)
}

// Assign binds driverID to a still-pending order and accepts it. A
// non-pending order yields ErrAlreadyTaken and is left untouched.
func (r *Registry) Assign(id, driverID string) (Change, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return Change{}, fmt.Errorf("%w: %s", apperr.ErrNotFound, id)
	}
	if o.Status != models.StatusPending || o.DriverID != "" {
		return Change{}, fmt.Errorf("%w: %s is %s", apperr.ErrAlreadyTaken, id, o.Status)
	}
	candidate := *o
	now := r.clock.Now()
	candidate.DriverID = driverID
	candidate.AssignedAt = &now
	if _, err := lifecycle.Validate(candidate, models.StatusAccepted, models.Actor{ID: driverID, Role: models.RoleDriver}); err != nil {
		return Change{}, err
	}
	*o = candidate
	return r.commitLocked(o, models.StatusAccepted), nil
}

// Cancel is the requester/driver cancellation, permitted only before the
// trip has started.
func (r *Registry) Cancel(id string, actor models.Actor, reason string) (Change, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return Change{}, fmt.Errorf("%w: %s", apperr.ErrNotFound, id)
	}
	if o.Status == models.StatusCancelled {
		if _, err := lifecycle.Validate(*o, models.StatusCancelled, actor); err != nil {
			return Change{}, err
		}
		return Change{Order: *o}, nil
	}
	if o.Status != models.StatusPending && o.Status != models.StatusAccepted {
		return Change{}, fmt.Errorf("%w: %s is %s", apperr.ErrNotCancellable, id, o.Status)
	}
	if _, err := lifecycle.Validate(*o, models.StatusCancelled, actor); err != nil {
		return Change{}, err
	}
	o.CancelReason = reason
	return r.commitLocked(o, models.StatusCancelled), nil
}

// AttachProof records the proof-of-delivery reference. Only the assigned
// driver may attach it, once the goods are picked up.
func (r *Registry) AttachProof(id, driverID, ref string) (Change, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return Change{}, fmt.Errorf("%w: %s", apperr.ErrNotFound, id)
	}
	if o.DriverID == "" || o.DriverID != driverID {
		return Change{}, &apperr.UnauthorizedError{ActorID: driverID, OrderID: id}
	}
	if o.Status != models.StatusPickedUp && o.Status != models.StatusCompleted {
		return Change{}, &apperr.ValidationError{Field: "status", Reason: "proof requires picked_up or completed, got " + string(o.Status)}
	}
	o.ProofRef = ref
	o.UpdatedAt = r.clock.Now()
	return Change{Order: *o, Changed: true, durable: r.persist.UpdateOrder(*o)}, nil
}

func (r *Registry) applyLocked(o *models.Order, next models.Status, actor models.Actor) (Change, error) {
	noop, err := lifecycle.Validate(*o, next, actor)
	if err != nil {
		return Change{}, err
	}
	if noop {
		return Change{Order: *o}, nil
	}
	return r.commitLocked(o, next), nil
}

func (r *Registry) commitLocked(o *models.Order, next models.Status) Change {
	lifecycle.Apply(o, next, r.clock.Now())
	observability.Transitions.WithLabelValues(string(next)).Inc()
	if next.IsTerminal() {
		r.scheduleRemovalLocked(o.ID)
	}
	return Change{Order: *o, Changed: true, durable: r.persist.UpdateOrder(*o)}
}

func (r *Registry) scheduleRemovalLocked(id string) {
	if _, ok := r.removals[id]; ok {
		return
	}
	r.removals[id] = r.clock.AfterFunc(r.cfg.RemovalGrace, func() { r.Remove(id) })
}

// OnRemove registers a hook run (outside the registry lock) after an order
// leaves the live registry.
func (r *Registry) OnRemove(f func(id string)) {
	r.mu.Lock()
	r.onRemove = f
	r.mu.Unlock()
}

// Remove drops the order from the live registry. The durable copy stays.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	if t, ok := r.removals[id]; ok {
		t.Stop()
		delete(r.removals, id)
	}
	if _, ok := r.orders[id]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.orders, id)
	hook := r.onRemove
	r.mu.Unlock()

	r.logger.Debug("order removed from live registry", "order_id", id)
	if hook != nil {
		hook(id)
	}
	return true
}

// ForActor returns the non-terminal orders where actorID is the requester
// or the assigned driver, oldest first.
func (r *Registry) ForActor(actorID string) []models.Order {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.Order
	for _, o := range r.orders {
		if !o.Status.IsTerminal() && o.Involves(actorID) {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// HasActiveOrder reports whether driverID is assigned a non-terminal order.
func (r *Registry) HasActiveOrder(driverID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, o := range r.orders {
		if o.DriverID == driverID && !o.Status.IsTerminal() {
			return true
		}
	}
	return false
}

func (r *Registry) CountByStatus() map[models.Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[models.Status]int)
	for _, o := range r.orders {
		out[o.Status]++
	}
	return out
}
