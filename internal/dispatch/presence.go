package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/courier-dispatch/internal/clock"
	"github.com/example/courier-dispatch/internal/models"
	"github.com/example/courier-dispatch/internal/observability"
)

var ErrNoSession = errors.New("no live session")

// Conn is a live connection handle. Send must not block.
type Conn interface {
	Send(msg models.Message) error
	Close() error
}

// LocationMirror receives driver presence for the external location service.
type LocationMirror interface {
	Upsert(ctx context.Context, d models.Driver) error
	Remove(ctx context.Context, driverID string) error
}

type Pusher interface {
	Push(ctx context.Context, actorID string, msg models.Message) error
}

type session struct {
	role models.Role
	conn Conn
}

// Directory is the Presence Directory: at most one live connection per actor,
// plus the location and availability of every driver seen.
type Directory struct {
	mu       sync.RWMutex
	sessions map[string]session
	drivers  map[string]models.Driver

	clock       clock.Clock
	logger      *slog.Logger
	mirror      LocationMirror
	mirrorQ     *mirrorQueue
	push        Pusher
	busy        func(driverID string) bool
	sideTimeout time.Duration
}

type Option func(*Directory)

func WithMirror(m LocationMirror) Option { return func(d *Directory) { d.mirror = m } }

func WithPush(p Pusher) Option { return func(d *Directory) { d.push = p } }

// WithBusy reports drivers holding an active order. Such a driver is never
// marked available, whichever path the update arrives on.
func WithBusy(busy func(driverID string) bool) Option {
	return func(d *Directory) { d.busy = busy }
}

func NewDirectory(clk clock.Clock, logger *slog.Logger, opts ...Option) *Directory {
	d := &Directory{
		sessions:    make(map[string]session),
		drivers:     make(map[string]models.Driver),
		clock:       clk,
		logger:      logger.With("component", "presence"),
		sideTimeout: 2 * time.Second,
	}
	for _, o := range opts {
		o(d)
	}
	if d.mirror != nil {
		d.mirrorQ = newMirrorQueue(d.mirror, d.logger, d.sideTimeout)
	}
	return d
}

// Close flushes pending mirror writes.
func (d *Directory) Close() {
	if d.mirrorQ != nil {
		d.mirrorQ.close()
	}
}

// Register binds conn to the actor, replacing and closing any previous
// handle. Drivers come online, and available unless busy.
func (d *Directory) Register(actor models.Actor, conn Conn) {
	d.mu.Lock()
	prev, had := d.sessions[actor.ID]
	d.sessions[actor.ID] = session{role: actor.Role, conn: conn}
	if actor.Role == models.RoleDriver {
		drv := d.drivers[actor.ID]
		if !drv.Online {
			observability.DriversOnline.Inc()
		}
		drv.ID = actor.ID
		drv.Online = true
		drv.Available = !d.busyLocked(actor.ID)
		drv.Updated = d.clock.Now()
		d.drivers[actor.ID] = drv
		d.mirrorLocked(drv.ID, mirrorOp{driver: drv})
	}
	d.mu.Unlock()

	if had && prev.conn != conn {
		_ = prev.conn.Close()
	}
}

// Unregister removes the actor's entry only if conn is still the live
// handle, so a stale disconnect cannot evict a newer connection.
func (d *Directory) Unregister(actorID string, conn Conn) bool {
	d.mu.Lock()
	cur, ok := d.sessions[actorID]
	if !ok || cur.conn != conn {
		d.mu.Unlock()
		return false
	}
	delete(d.sessions, actorID)
	if drv, ok := d.drivers[actorID]; ok && drv.Online {
		drv.Online = false
		drv.Available = false
		drv.Updated = d.clock.Now()
		d.drivers[actorID] = drv
		observability.DriversOnline.Dec()
		d.mirrorLocked(actorID, mirrorOp{remove: true})
	}
	d.mu.Unlock()
	return true
}

func (d *Directory) Connected(actorID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.sessions[actorID]
	return ok
}

// Send enqueues msg on the actor's live connection.
func (d *Directory) Send(actorID string, msg models.Message) error {
	d.mu.RLock()
	s, ok := d.sessions[actorID]
	d.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.conn.Send(msg)
}

// Notify is Send with the push gateway as fallback for disconnected actors.
func (d *Directory) Notify(actorID string, msg models.Message) {
	err := d.Send(actorID, msg)
	if err == nil || actorID == "" {
		return
	}
	if d.push == nil {
		d.logger.Debug("notification not delivered", "actor_id", actorID, "event", msg.Event, "error", err)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), d.sideTimeout)
		defer cancel()
		if err := d.push.Push(ctx, actorID, msg); err != nil {
			d.logger.Warn("push fallback failed", "actor_id", actorID, "event", msg.Event, "error", err)
		}
	}()
}

// UpdateDriver records a location fix and optionally availability/method.
func (d *Directory) UpdateDriver(driverID string, loc models.Coord, available *bool, method models.Method) models.Driver {
	d.mu.Lock()
	drv := d.drivers[driverID]
	drv.ID = driverID
	drv.Loc = loc
	if available != nil {
		drv.Available = *available && !d.busyLocked(driverID)
	}
	if method != "" {
		drv.Method = method
	}
	if _, live := d.sessions[driverID]; live {
		drv.Online = true
	}
	drv.Updated = d.clock.Now()
	d.drivers[driverID] = drv
	d.mirrorLocked(driverID, mirrorOp{driver: drv})
	d.mu.Unlock()
	return drv
}

// Upsert stores a full presence record, as received from the location ingest.
func (d *Directory) Upsert(drv models.Driver) {
	d.mu.Lock()
	prev := d.drivers[drv.ID]
	if _, live := d.sessions[drv.ID]; live {
		drv.Online = true
	}
	if drv.Available && d.busyLocked(drv.ID) {
		drv.Available = false
	}
	if drv.Online && !prev.Online {
		observability.DriversOnline.Inc()
	} else if !drv.Online && prev.Online {
		observability.DriversOnline.Dec()
	}
	drv.Updated = d.clock.Now()
	d.drivers[drv.ID] = drv
	d.mirrorLocked(drv.ID, mirrorOp{driver: drv})
	d.mu.Unlock()
}

// SetAvailable flips the driver's availability. Making a busy driver
// available is a no-op.
func (d *Directory) SetAvailable(driverID string, available bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	drv, ok := d.drivers[driverID]
	if !ok {
		return
	}
	drv.Available = available && !d.busyLocked(driverID)
	drv.Updated = d.clock.Now()
	d.drivers[driverID] = drv
	d.mirrorLocked(driverID, mirrorOp{driver: drv})
}

func (d *Directory) Driver(driverID string) (models.Driver, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	drv, ok := d.drivers[driverID]
	return drv, ok
}

// Drivers returns a snapshot of every known driver. It satisfies the
// locator's candidate source; filtering happens there.
func (d *Directory) Drivers(ctx context.Context, center models.Coord, radiusKm float64) ([]models.Driver, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]models.Driver, 0, len(d.drivers))
	for _, drv := range d.drivers {
		out = append(out, drv)
	}
	return out, nil
}

func (d *Directory) OnlineDrivers() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := 0
	for _, drv := range d.drivers {
		if drv.Online {
			n++
		}
	}
	return n
}

func (d *Directory) busyLocked(driverID string) bool {
	return d.busy != nil && d.busy(driverID)
}

// mirrorLocked queues the change while d.mu is held, so the mirror sees
// changes in the order the directory applied them.
func (d *Directory) mirrorLocked(driverID string, op mirrorOp) {
	if d.mirrorQ != nil {
		d.mirrorQ.enqueue(driverID, op)
	}
}
