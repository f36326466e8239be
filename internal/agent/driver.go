package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/example/courier-dispatch/internal/apperr"
	"github.com/example/courier-dispatch/internal/clock"
	"github.com/example/courier-dispatch/internal/geofence"
	"github.com/example/courier-dispatch/internal/models"
)

// Requester is the request/ack half of Client.
type Requester interface {
	Request(ctx context.Context, event string, data any) (json.RawMessage, error)
}

// Driver follows the driver's assigned order and lets the geofence monitor
// advance it. Automatic advances use the same update-delivery-status request
// as manual ones.
type Driver struct {
	ID         string
	AutoAccept bool

	client  Requester
	monitor *geofence.Monitor
	logger  *slog.Logger

	mu      sync.Mutex
	current *models.Order
}

// NewDriver builds the driver's geofence monitor; the driver itself is the
// monitor's advancer.
func NewDriver(id string, client Requester, cfg geofence.Config, clk clock.Clock, logger *slog.Logger) *Driver {
	d := &Driver{ID: id, client: client, logger: logger.With("component", "driver_agent", "driver_id", id)}
	d.monitor = geofence.NewMonitor(cfg, clk, d, logger)
	return d
}

func (d *Driver) Monitor() *geofence.Monitor { return d.monitor }

// Current returns the order being followed.
func (d *Driver) Current() (models.Order, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current == nil {
		return models.Order{}, false
	}
	return *d.current, true
}

// Advance requests next for orderID and follows the resulting order.
func (d *Driver) Advance(ctx context.Context, orderID string, next models.Status) error {
	raw, err := d.client.Request(ctx, models.EventUpdateStatus, models.StatusPayload{OrderID: orderID, Status: next})
	if err != nil {
		return err
	}
	var o models.Order
	if err := json.Unmarshal(raw, &o); err != nil {
		return err
	}
	d.follow(o)
	return nil
}

func (d *Driver) follow(o models.Order) {
	if o.DriverID != d.ID {
		return
	}
	d.mu.Lock()
	if o.Status.IsTerminal() {
		if d.current != nil && d.current.ID == o.ID {
			d.current = nil
		}
		d.mu.Unlock()
		d.monitor.Clear()
		return
	}
	d.current = &o
	d.mu.Unlock()
	d.monitor.SetOrder(o)
}

func (d *Driver) forget(orderID string) {
	d.mu.Lock()
	match := d.current != nil && d.current.ID == orderID
	if match {
		d.current = nil
	}
	d.mu.Unlock()
	if match {
		d.monitor.Clear()
	}
}

// Restore applies a resync snapshot.
func (d *Driver) Restore(snap models.Snapshot) {
	for _, o := range snap.ActiveOrders {
		if o.DriverID == d.ID {
			d.follow(o)
			return
		}
	}
	d.mu.Lock()
	d.current = nil
	d.mu.Unlock()
	d.monitor.Clear()
}

// OnFix feeds a location fix to the monitor and reports it to the server.
func (d *Driver) OnFix(ctx context.Context, loc models.Coord) error {
	d.monitor.OnLocation(loc)
	_, err := d.client.Request(ctx, models.EventUpdateLocation, models.LocationPayload{Lat: loc.Lat, Lon: loc.Lon})
	return err
}

// Handle processes one server event.
func (d *Driver) Handle(ctx context.Context, env models.Envelope) {
	switch env.Event {
	case models.EventNewOrderRequest:
		var off models.Offer
		if err := json.Unmarshal(env.Data, &off); err != nil {
			d.logger.Warn("bad offer", "err", err)
			return
		}
		d.logger.Info("offer received", "order_id", off.Order.ID, "expires_at", off.ExpiresAt)
		if d.AutoAccept {
			// off the event loop so the ack can be read meanwhile
			go d.accept(ctx, off.Order.ID)
		}
	case models.EventAcceptConfirmed:
		var conf models.AcceptConfirmation
		if err := json.Unmarshal(env.Data, &conf); err == nil {
			d.follow(conf.Order)
		}
	case models.EventStatusUpdated:
		var upd models.StatusUpdate
		if err := json.Unmarshal(env.Data, &upd); err == nil {
			d.follow(upd.Order)
		}
	case models.EventOrderCancelled:
		var n models.OrderNotice
		if err := json.Unmarshal(env.Data, &n); err == nil {
			d.forget(n.OrderID)
		}
	case models.EventResync:
		var snap models.Snapshot
		if err := json.Unmarshal(env.Data, &snap); err == nil {
			d.Restore(snap)
		}
	case models.EventOfferWithdrawn:
		var n models.OrderNotice
		if err := json.Unmarshal(env.Data, &n); err == nil {
			d.logger.Info("offer withdrawn", "order_id", n.OrderID, "reason", n.Reason)
		}
	}
}

func (d *Driver) accept(ctx context.Context, orderID string) {
	raw, err := d.client.Request(ctx, models.EventAcceptOrder, models.OrderRefPayload{OrderID: orderID, DriverID: d.ID})
	if err != nil {
		d.logger.Warn("accept failed", "order_id", orderID, "err", err)
		return
	}
	var conf models.AcceptConfirmation
	if err := json.Unmarshal(raw, &conf); err == nil {
		d.follow(conf.Order)
	}
}

// Run handles events until the stream ends or ctx is done.
func (d *Driver) Run(ctx context.Context, events <-chan models.Envelope) {
	for {
		select {
		case env, ok := <-events:
			if !ok {
				return
			}
			d.Handle(ctx, env)
		case <-ctx.Done():
			return
		}
	}
}

// StartTrip is the manual accepted -> enroute signal that arms geofencing.
func (d *Driver) StartTrip(ctx context.Context) error {
	o, ok := d.Current()
	if !ok || o.Status != models.StatusAccepted {
		return &apperr.ValidationError{Field: "status", Reason: "no accepted order to start"}
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return d.Advance(ctx, o.ID, models.StatusEnroute)
}
