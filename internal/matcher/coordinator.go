package matcher

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/courier-dispatch/internal/apperr"
	"github.com/example/courier-dispatch/internal/clock"
	"github.com/example/courier-dispatch/internal/models"
	"github.com/example/courier-dispatch/internal/observability"
	"github.com/example/courier-dispatch/internal/orders"
)

// Orders is the slice of the Order Registry the coordinator drives.
type Orders interface {
	Get(id string) (models.Order, error)
	Assign(id, driverID string) (orders.Change, error)
}

// Presence delivers offers and notices to connected actors.
type Presence interface {
	Connected(actorID string) bool
	Send(actorID string, msg models.Message) error
	Notify(actorID string, msg models.Message)
}

// AttemptRecorder persists offer attempts. Best effort.
type AttemptRecorder interface {
	SaveOfferAttempt(a models.OfferAttempt)
}

// Coordinator offers a pending order to one candidate at a time. A run holds
// at most one open attempt; the next one is only created after the previous
// attempt resolved, so the invariant holds under c.mu without per-order
// goroutines.
type Coordinator struct {
	mu       sync.Mutex
	runs     map[string]*run
	attempts map[string][]*models.OfferAttempt

	window   time.Duration
	clock    clock.Clock
	orders   Orders
	presence Presence
	recorder AttemptRecorder
	logger   *slog.Logger
}

type run struct {
	order      models.Order
	candidates []models.Candidate
	next       int
	open       *models.OfferAttempt
	timer      clock.Timer
}

func NewCoordinator(window time.Duration, clk clock.Clock, o Orders, p Presence, rec AttemptRecorder, logger *slog.Logger) *Coordinator {
	if window <= 0 {
		window = 20 * time.Second
	}
	return &Coordinator{
		runs:     make(map[string]*run),
		attempts: make(map[string][]*models.OfferAttempt),
		window:   window,
		clock:    clk,
		orders:   o,
		presence: p,
		recorder: rec,
		logger:   logger.With("component", "offer_coordinator"),
	}
}

// Start begins offering order to candidates in order. It is a no-op when the
// order is already being matched.
func (c *Coordinator) Start(order models.Order, candidates []models.Candidate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.runs[order.ID]; ok {
		return
	}
	r := &run{order: order, candidates: append([]models.Candidate(nil), candidates...)}
	c.runs[order.ID] = r
	c.advanceLocked(r)
}

// advanceLocked offers the order to the next connected candidate, or
// releases it from matching when the list is exhausted. An order that left
// pending (cancelled, or assigned elsewhere) is released silently.
func (c *Coordinator) advanceLocked(r *run) {
	for r.next < len(r.candidates) {
		o, err := c.orders.Get(r.order.ID)
		if err != nil || o.Status != models.StatusPending {
			delete(c.runs, r.order.ID)
			c.logger.Info("order left pending, matching released", "order_id", r.order.ID)
			return
		}
		r.order = o
		cand := r.candidates[r.next]
		r.next++
		if !c.presence.Connected(cand.DriverID) {
			c.logger.Debug("candidate not connected, skipping", "order_id", r.order.ID, "driver_id", cand.DriverID)
			continue
		}
		now := c.clock.Now()
		a := &models.OfferAttempt{
			ID:        uuid.NewString(),
			OrderID:   r.order.ID,
			DriverID:  cand.DriverID,
			OfferedAt: now,
			ExpiresAt: now.Add(c.window),
			Outcome:   models.OfferOpen,
		}
		offer := models.Message{Event: models.EventNewOrderRequest, Data: models.Offer{
			AttemptID:  a.ID,
			Order:      r.order,
			DistanceKm: cand.DistanceKm,
			ExpiresAt:  a.ExpiresAt,
		}}
		if err := c.presence.Send(cand.DriverID, offer); err != nil {
			c.logger.Debug("offer not delivered, skipping", "order_id", r.order.ID, "driver_id", cand.DriverID, "err", err)
			continue
		}
		r.open = a
		c.attempts[r.order.ID] = append(c.attempts[r.order.ID], a)
		c.recorder.SaveOfferAttempt(*a)

		orderID, attemptID := r.order.ID, a.ID
		r.timer = c.clock.AfterFunc(c.window, func() { c.expire(orderID, attemptID) })
		c.logger.Info("offer sent", "order_id", orderID, "driver_id", cand.DriverID, "attempt_id", attemptID)
		return
	}

	delete(c.runs, r.order.ID)
	observability.NoDrivers.Inc()
	c.logger.Info("no drivers available", "order_id", r.order.ID, "candidates", len(r.candidates))
	c.presence.Notify(r.order.RequesterID, models.Message{
		Event: models.EventNoDrivers,
		Data:  models.OrderNotice{OrderID: r.order.ID, Reason: "no drivers available"},
	})
}

func (c *Coordinator) resolveLocked(r *run, outcome models.OfferOutcome) models.OfferAttempt {
	a := r.open
	now := c.clock.Now()
	a.ResolvedAt = &now
	a.Outcome = outcome
	r.open = nil
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	c.recorder.SaveOfferAttempt(*a)
	observability.Offers.WithLabelValues(string(outcome)).Inc()
	return *a
}

func (c *Coordinator) expire(orderID, attemptID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.runs[orderID]
	if !ok || r.open == nil || r.open.ID != attemptID {
		return
	}
	o, err := c.orders.Get(orderID)
	if err != nil || o.Status != models.StatusPending {
		delete(c.runs, orderID)
		return
	}
	a := c.resolveLocked(r, models.OfferTimeout)
	c.presence.Notify(a.DriverID, models.Message{
		Event: models.EventOfferWithdrawn,
		Data:  models.OrderNotice{OrderID: orderID, Reason: "expired"},
	})
	c.advanceLocked(r)
}

// Decline closes the driver's open offer and moves on immediately.
func (c *Coordinator) Decline(orderID, driverID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.runs[orderID]
	if !ok || r.open == nil || r.open.DriverID != driverID {
		return fmt.Errorf("%w: %s to %s", apperr.ErrNotOffered, orderID, driverID)
	}
	c.resolveLocked(r, models.OfferDeclined)
	c.advanceLocked(r)
	return nil
}

// Accept binds driverID to the order if it is still pending. The driver must
// hold the open offer, or an earlier offer for the order that timed out; a
// late acceptor withdraws whichever offer is currently open.
func (c *Coordinator) Accept(orderID, driverID string) (orders.Change, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	last := c.lastAttemptLocked(orderID, driverID)
	if last == nil || (last.Outcome != models.OfferOpen && last.Outcome != models.OfferTimeout) {
		return orders.Change{}, fmt.Errorf("%w: %s to %s", apperr.ErrNotOffered, orderID, driverID)
	}

	ch, err := c.orders.Assign(orderID, driverID)
	if err != nil {
		if errors.Is(err, apperr.ErrAlreadyTaken) {
			if o, gerr := c.orders.Get(orderID); gerr == nil && o.DriverID == driverID {
				return orders.Change{Order: o}, nil
			}
		}
		return orders.Change{}, err
	}

	if r, ok := c.runs[orderID]; ok {
		if r.open != nil && r.open != last {
			w := c.resolveLocked(r, models.OfferWithdrawn)
			c.presence.Notify(w.DriverID, models.Message{
				Event: models.EventOfferWithdrawn,
				Data:  models.OrderNotice{OrderID: orderID, Reason: "taken"},
			})
		}
		if r.open == last {
			c.resolveLocked(r, models.OfferAccepted)
		}
		delete(c.runs, orderID)
	}
	if last.Outcome != models.OfferAccepted {
		// late accept after the window closed
		now := c.clock.Now()
		last.ResolvedAt = &now
		last.Outcome = models.OfferAccepted
		c.recorder.SaveOfferAttempt(*last)
		observability.Offers.WithLabelValues(string(models.OfferAccepted)).Inc()
	}

	observability.MatchesTotal.Inc()
	observability.MatchLatency.Observe(c.clock.Now().Sub(ch.Order.CreatedAt).Seconds())
	c.logger.Info("order accepted", "order_id", orderID, "driver_id", driverID)
	return ch, nil
}

// Cancel stops matching the order and withdraws the open offer, if any.
func (c *Coordinator) Cancel(orderID, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.runs[orderID]
	if !ok {
		return
	}
	delete(c.runs, orderID)
	if r.open == nil {
		return
	}
	a := c.resolveLocked(r, models.OfferWithdrawn)
	c.presence.Notify(a.DriverID, models.Message{
		Event: models.EventOfferWithdrawn,
		Data:  models.OrderNotice{OrderID: orderID, Reason: reason},
	})
}

// DriverGone treats every open offer held by driverID as timed out.
func (c *Coordinator) DriverGone(driverID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.runs {
		if r.open == nil || r.open.DriverID != driverID {
			continue
		}
		c.resolveLocked(r, models.OfferTimeout)
		c.advanceLocked(r)
	}
}

// PendingOffers returns the current snapshot of every order openly offered
// to driverID.
func (c *Coordinator) PendingOffers(driverID string) []models.Order {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.Order
	for id, r := range c.runs {
		if r.open == nil || r.open.DriverID != driverID {
			continue
		}
		o, err := c.orders.Get(id)
		if err != nil || o.Status != models.StatusPending {
			continue
		}
		out = append(out, o)
	}
	return out
}

// Attempts returns the offer history of an order, oldest first.
func (c *Coordinator) Attempts(orderID string) []models.OfferAttempt {
	c.mu.Lock()
	defer c.mu.Unlock()
	hist := c.attempts[orderID]
	out := make([]models.OfferAttempt, len(hist))
	for i, a := range hist {
		out[i] = *a
	}
	return out
}

func (c *Coordinator) OpenOffers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, r := range c.runs {
		if r.open != nil {
			n++
		}
	}
	return n
}

// Matching reports whether the order still has an active run.
func (c *Coordinator) Matching(orderID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.runs[orderID]
	return ok
}

// Forget drops the offer history of an order that left the live registry.
func (c *Coordinator) Forget(orderID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.runs[orderID]; ok && r.timer != nil {
		r.timer.Stop()
	}
	delete(c.runs, orderID)
	delete(c.attempts, orderID)
}

func (c *Coordinator) lastAttemptLocked(orderID, driverID string) *models.OfferAttempt {
	hist := c.attempts[orderID]
	for i := len(hist) - 1; i >= 0; i-- {
		if hist[i].DriverID == driverID {
			return hist[i]
		}
	}
	return nil
}
