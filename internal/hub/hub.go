// Package hub handles inbound requests from requesters and drivers. Each
// request is one call that mutates the shared registries and returns a
// single typed outcome; notifications to other parties go out through the
// Presence Directory.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/courier-dispatch/internal/apperr"
	"github.com/example/courier-dispatch/internal/dispatch"
	"github.com/example/courier-dispatch/internal/geo"
	"github.com/example/courier-dispatch/internal/matcher"
	"github.com/example/courier-dispatch/internal/models"
	"github.com/example/courier-dispatch/internal/orders"
	"github.com/example/courier-dispatch/internal/payments"
	"github.com/example/courier-dispatch/internal/proof"
)

// EventSink receives every committed order change. Must not block.
type EventSink interface {
	PublishOrder(o models.Order)
}

// LocationSink forwards driver presence to the location pipeline.
type LocationSink interface {
	PublishLocation(ctx context.Context, d models.Driver) error
}

type Config struct {
	MatchRadiusKm  float64
	PersistTimeout time.Duration
}

type Hub struct {
	cfg      Config
	orders   *orders.Registry
	presence *dispatch.Directory
	locator  *matcher.Locator
	coord    *matcher.Coordinator
	settler  *payments.Settler
	proofs   proof.Store
	logger   *slog.Logger

	events    EventSink
	locations LocationSink
}

type Option func(*Hub)

func WithEvents(s EventSink) Option { return func(h *Hub) { h.events = s } }

func WithLocations(s LocationSink) Option { return func(h *Hub) { h.locations = s } }

func New(cfg Config, reg *orders.Registry, presence *dispatch.Directory, locator *matcher.Locator, coord *matcher.Coordinator,
	settler *payments.Settler, proofs proof.Store, logger *slog.Logger, opts ...Option) *Hub {
	if cfg.MatchRadiusKm <= 0 {
		cfg.MatchRadiusKm = 5
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 2 * time.Second
	}
	h := &Hub{
		cfg:      cfg,
		orders:   reg,
		presence: presence,
		locator:  locator,
		coord:    coord,
		settler:  settler,
		proofs:   proofs,
		logger:   logger.With("component", "hub"),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

func requireRole(actor models.Actor, role models.Role) error {
	if actor.ID == "" || actor.Role != role {
		return &apperr.UnauthorizedError{ActorID: actor.ID}
	}
	return nil
}

// Identify binds conn to the actor. A driver holding an active order stays
// unavailable for new offers; the directory's busy check enforces that.
func (h *Hub) Identify(actor models.Actor, conn dispatch.Conn) error {
	if actor.ID == "" || !actor.Role.Valid() {
		return &apperr.ValidationError{Field: "actor", Reason: "actor id and a valid role are required"}
	}
	h.presence.Register(actor, conn)
	h.logger.Info("actor connected", "actor_id", actor.ID, "role", actor.Role)
	return nil
}

// Disconnect drops conn if it is still the actor's live handle. Offers open
// to a departing driver are treated as timed out.
func (h *Hub) Disconnect(actor models.Actor, conn dispatch.Conn) {
	if !h.presence.Unregister(actor.ID, conn) {
		return
	}
	if actor.Role == models.RoleDriver {
		h.coord.DriverGone(actor.ID)
	}
	h.logger.Info("actor disconnected", "actor_id", actor.ID, "role", actor.Role)
}

// CreateOrder registers the order, tells the requester, then starts offering
// it to nearby drivers.
func (h *Hub) CreateOrder(ctx context.Context, actor models.Actor, in models.OrderInput) (models.OrderCreated, error) {
	if err := requireRole(actor, models.RoleRequester); err != nil {
		return models.OrderCreated{}, err
	}
	in.RequesterID = actor.ID
	res, err := h.orders.Create(ctx, in)
	if err != nil {
		return models.OrderCreated{}, err
	}
	out := models.OrderCreated{Order: res.Order, InMemory: res.InMemory, DurablyPersisted: res.DurablyPersisted}
	h.publish(res.Order)
	h.presence.Notify(actor.ID, models.Message{Event: models.EventOrderCreated, Data: out})

	h.startMatching(ctx, res.Order)
	return out, nil
}

func (h *Hub) startMatching(ctx context.Context, o models.Order) {
	cands, err := h.locator.Find(ctx, o.Pickup.Coord, o.Method, h.cfg.MatchRadiusKm)
	if err != nil {
		// an empty list still releases the order with a no-drivers notice
		h.logger.Warn("candidate lookup failed", "order_id", o.ID, "err", err)
	}
	h.logger.Info("matching started", "order_id", o.ID, "candidates", len(cands))
	h.coord.Start(o, cands)
}

// Accept resolves the driver's offer and binds the driver to the order.
func (h *Hub) Accept(actor models.Actor, orderID string) (models.AcceptConfirmation, error) {
	if err := requireRole(actor, models.RoleDriver); err != nil {
		return models.AcceptConfirmation{}, err
	}
	ch, err := h.coord.Accept(orderID, actor.ID)
	if err != nil {
		return models.AcceptConfirmation{}, err
	}
	if ch.Changed {
		h.presence.SetAvailable(actor.ID, false)
		h.publish(ch.Order)
		h.presence.Notify(ch.Order.RequesterID, models.Message{
			Event: models.EventOrderAccepted,
			Data:  models.OrderAccepted{Order: ch.Order, Driver: h.driverSummary(actor.ID)},
		})
	}
	conf := models.AcceptConfirmation{Order: ch.Order, DurablyPersisted: ch.Durable(h.cfg.PersistTimeout)}
	h.presence.Notify(actor.ID, models.Message{Event: models.EventAcceptConfirmed, Data: conf})
	return conf, nil
}

func (h *Hub) driverSummary(driverID string) models.DriverSummary {
	d, _ := h.presence.Driver(driverID)
	return models.DriverSummary{ID: driverID, Rating: d.Rating, Loc: d.Loc}
}

func (h *Hub) Decline(actor models.Actor, orderID string) error {
	if err := requireRole(actor, models.RoleDriver); err != nil {
		return err
	}
	return h.coord.Decline(orderID, actor.ID)
}

// UpdateStatus applies a manual or geofence-triggered status change.
// Repeating the current status is an acknowledged no-op.
func (h *Hub) UpdateStatus(actor models.Actor, p models.StatusPayload) (models.Order, error) {
	if p.Location != nil && !geo.ValidCoord(*p.Location) {
		return models.Order{}, &apperr.ValidationError{Field: "location", Reason: "coordinates out of range"}
	}
	if p.Status == models.StatusCancelled && actor.Role == models.RoleRequester {
		return h.Cancel(actor, p.OrderID, "")
	}
	ch, err := h.orders.Transition(p.OrderID, p.Status, actor)
	if err != nil {
		return models.Order{}, err
	}
	if !ch.Changed {
		return ch.Order, nil
	}
	o := ch.Order
	if o.Status == models.StatusCancelled {
		h.cancelled(o, actor, "")
		return o, nil
	}
	h.publish(o)
	upd := models.Message{Event: models.EventStatusUpdated, Data: models.StatusUpdate{Order: o, Location: p.Location}}
	h.presence.Notify(o.RequesterID, upd)
	h.presence.Notify(o.DriverID, upd)

	if o.Status == models.StatusCompleted {
		// settlement runs beside the completion; its failure never undoes it
		h.settler.SettleAsync(o.DriverID, o.ID, o.Price)
		h.presence.SetAvailable(o.DriverID, true)
	}
	h.logger.Info("order status updated", "order_id", o.ID, "status", o.Status, "actor_id", actor.ID)
	return o, nil
}

// Cancel cancels a pending or accepted order and withdraws any open offer.
func (h *Hub) Cancel(actor models.Actor, orderID, reason string) (models.Order, error) {
	ch, err := h.orders.Cancel(orderID, actor, reason)
	if err != nil {
		return models.Order{}, err
	}
	if ch.Changed {
		h.cancelled(ch.Order, actor, reason)
	}
	return ch.Order, nil
}

func (h *Hub) cancelled(o models.Order, actor models.Actor, reason string) {
	if reason == "" {
		reason = "cancelled by " + string(actor.Role)
	}
	h.coord.Cancel(o.ID, reason)
	h.publish(o)
	notice := models.Message{Event: models.EventOrderCancelled, Data: models.OrderNotice{OrderID: o.ID, Reason: reason}}
	h.presence.Notify(o.RequesterID, notice)
	if o.DriverID != "" {
		h.presence.Notify(o.DriverID, notice)
		h.presence.SetAvailable(o.DriverID, true)
	}
	h.logger.Info("order cancelled", "order_id", o.ID, "actor_id", actor.ID, "reason", reason)
}

// SubmitProof stores the proof of delivery and records its reference.
func (h *Hub) SubmitProof(ctx context.Context, actor models.Actor, p models.ProofPayload) (models.ProofReceived, error) {
	if err := requireRole(actor, models.RoleDriver); err != nil {
		return models.ProofReceived{}, err
	}
	o, err := h.orders.Get(p.OrderID)
	if err != nil {
		return models.ProofReceived{}, err
	}
	if o.DriverID != actor.ID {
		return models.ProofReceived{}, &apperr.UnauthorizedError{ActorID: actor.ID, OrderID: p.OrderID}
	}
	if o.Status != models.StatusPickedUp && o.Status != models.StatusCompleted {
		return models.ProofReceived{}, &apperr.ValidationError{Field: "status", Reason: "proof requires picked_up or completed, got " + string(o.Status)}
	}
	ref, err := h.proofs.Put(ctx, p.OrderID, p.Data, p.ContentType)
	if err != nil {
		return models.ProofReceived{}, err
	}
	ch, err := h.orders.AttachProof(p.OrderID, actor.ID, ref)
	if err != nil {
		return models.ProofReceived{}, err
	}
	out := models.ProofReceived{OrderID: p.OrderID, ProofRef: ref}
	h.publish(ch.Order)
	h.presence.Notify(ch.Order.RequesterID, models.Message{Event: models.EventProofReceived, Data: out})
	return out, nil
}

// Resync is the full state an actor needs after reconnecting: offers it can
// still answer and its non-terminal orders.
func (h *Hub) Resync(actorID string) models.Snapshot {
	snap := models.Snapshot{
		ActorID:       actorID,
		PendingOffers: h.coord.PendingOffers(actorID),
		ActiveOrders:  h.orders.ForActor(actorID),
	}
	if snap.PendingOffers == nil {
		snap.PendingOffers = []models.Order{}
	}
	if snap.ActiveOrders == nil {
		snap.ActiveOrders = []models.Order{}
	}
	return snap
}

// Reconnect identifies the actor on a fresh connection and pushes its
// snapshot.
func (h *Hub) Reconnect(actor models.Actor, conn dispatch.Conn) (models.Snapshot, error) {
	if err := h.Identify(actor, conn); err != nil {
		return models.Snapshot{}, err
	}
	snap := h.Resync(actor.ID)
	if err := conn.Send(models.Message{Event: models.EventResync, Data: snap}); err != nil {
		h.logger.Warn("resync not delivered", "actor_id", actor.ID, "err", err)
	}
	return snap, nil
}

// GetOrder returns an order to one of its parties.
func (h *Hub) GetOrder(actor models.Actor, orderID string) (models.Order, error) {
	o, err := h.orders.Get(orderID)
	if err != nil {
		return models.Order{}, err
	}
	if !o.Involves(actor.ID) {
		return models.Order{}, &apperr.UnauthorizedError{ActorID: actor.ID, OrderID: orderID}
	}
	return o, nil
}

// UpdateLocation records a driver's own location fix.
func (h *Hub) UpdateLocation(actor models.Actor, p models.LocationPayload) (models.Driver, error) {
	if err := requireRole(actor, models.RoleDriver); err != nil {
		return models.Driver{}, err
	}
	loc := models.Coord{Lat: p.Lat, Lon: p.Lon}
	if !geo.ValidCoord(loc) {
		return models.Driver{}, &apperr.ValidationError{Field: "location", Reason: "coordinates out of range"}
	}
	if p.Method != "" && !p.Method.Valid() {
		return models.Driver{}, &apperr.ValidationError{Field: "method", Reason: fmt.Sprintf("unknown method %q", p.Method)}
	}
	d := h.presence.UpdateDriver(actor.ID, loc, p.Available, p.Method)
	h.forwardLocation(d)
	return d, nil
}

// IngestLocation accepts a presence record from the location service.
func (h *Hub) IngestLocation(d models.Driver) error {
	if d.ID == "" {
		return &apperr.ValidationError{Field: "id", Reason: "driver id is required"}
	}
	if !geo.ValidCoord(d.Loc) {
		return &apperr.ValidationError{Field: "loc", Reason: "coordinates out of range"}
	}
	h.presence.Upsert(d)
	stored, _ := h.presence.Driver(d.ID)
	h.forwardLocation(stored)
	return nil
}

func (h *Hub) forwardLocation(d models.Driver) {
	if h.locations == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := h.locations.PublishLocation(ctx, d); err != nil {
			h.logger.Warn("location publish failed", "driver_id", d.ID, "err", err)
		}
	}()
}

func (h *Hub) Stats() models.Stats {
	return models.Stats{
		OrdersByStatus: h.orders.CountByStatus(),
		OpenOffers:     h.coord.OpenOffers(),
		DriversOnline:  h.presence.OnlineDrivers(),
		Settled:        h.settler.SettledCount(),
	}
}

func (h *Hub) publish(o models.Order) {
	if h.events != nil {
		h.events.PublishOrder(o)
	}
}
