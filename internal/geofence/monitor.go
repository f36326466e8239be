// Package geofence detects arrival at the pickup or dropoff point from the
// driver's own location fixes and advances the order once the driver has
// dwelt inside the zone long enough.
package geofence

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/courier-dispatch/internal/apperr"
	"github.com/example/courier-dispatch/internal/clock"
	"github.com/example/courier-dispatch/internal/geo"
	"github.com/example/courier-dispatch/internal/models"
)

type State string

const (
	Outside   State = "OUTSIDE"
	Entering  State = "ENTERING"
	Inside    State = "INSIDE"
	Validated State = "VALIDATED"
)

// Advancer requests a status change through the same path a manual update
// uses.
type Advancer interface {
	Advance(ctx context.Context, orderID string, next models.Status) error
}

type Config struct {
	RadiusM      float64
	Dwell        time.Duration
	MinMoveM     float64
	DisplayTick  time.Duration
	AdvanceLimit time.Duration
	// RetryMin and RetryMax bound the backoff between attempts to deliver
	// a failed advance.
	RetryMin time.Duration
	RetryMax time.Duration
}

func DefaultConfig() Config {
	return Config{
		RadiusM:      50,
		Dwell:        10 * time.Second,
		MinMoveM:     10,
		DisplayTick:  time.Second,
		AdvanceLimit: 10 * time.Second,
		RetryMin:     time.Second,
		RetryMax:     30 * time.Second,
	}
}

// Snapshot is the state shown to the driver.
type Snapshot struct {
	OrderID   string        `json:"order_id"`
	Phase     models.Status `json:"phase"`
	State     State         `json:"state"`
	DistanceM float64       `json:"distance_m"`
	EnteredAt *time.Time    `json:"entered_at,omitempty"`
	Dwell     time.Duration `json:"dwell"`
}

type phase struct {
	orderID string
	status  models.Status
}

// Monitor tracks one driver's active order. Each (order, status) phase is
// validated at most once.
type Monitor struct {
	mu     sync.Mutex
	cfg    Config
	clock  clock.Clock
	adv    Advancer
	logger *slog.Logger

	onDwell func(Snapshot)

	cur       phase
	target    models.Coord
	active    bool
	state     State
	distM     float64
	enteredAt time.Time
	dwell     time.Duration
	lastPos   *models.Coord

	gen       uint64
	timer     clock.Timer
	ticker    clock.Timer
	validated map[phase]bool
}

func NewMonitor(cfg Config, clk clock.Clock, adv Advancer, logger *slog.Logger) *Monitor {
	def := DefaultConfig()
	if cfg.RadiusM <= 0 {
		cfg.RadiusM = def.RadiusM
	}
	if cfg.Dwell <= 0 {
		cfg.Dwell = def.Dwell
	}
	if cfg.MinMoveM < 0 {
		cfg.MinMoveM = def.MinMoveM
	}
	if cfg.DisplayTick <= 0 {
		cfg.DisplayTick = def.DisplayTick
	}
	if cfg.AdvanceLimit <= 0 {
		cfg.AdvanceLimit = def.AdvanceLimit
	}
	if cfg.RetryMin <= 0 {
		cfg.RetryMin = def.RetryMin
	}
	if cfg.RetryMax < cfg.RetryMin {
		cfg.RetryMax = max(def.RetryMax, cfg.RetryMin)
	}
	return &Monitor{
		cfg:       cfg,
		clock:     clk,
		adv:       adv,
		logger:    logger.With("component", "geofence"),
		state:     Outside,
		validated: make(map[phase]bool),
	}
}

// OnDwell sets the display callback, invoked once per DisplayTick while the
// driver is inside the zone.
func (m *Monitor) OnDwell(f func(Snapshot)) {
	m.mu.Lock()
	m.onDwell = f
	m.mu.Unlock()
}

// SetOrder follows the driver's current order. A new order or a new status
// starts a fresh phase; only enroute and picked_up are monitored.
func (m *Monitor) SetOrder(o models.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := phase{orderID: o.ID, status: o.Status}
	if p == m.cur {
		return
	}
	m.resetLocked()
	m.cur = p
	switch o.Status {
	case models.StatusEnroute:
		m.target, m.active = o.Pickup.Coord, true
	case models.StatusPickedUp:
		m.target, m.active = o.Dropoff.Coord, true
	default:
		// accepted included: the driver has to start the trip by hand
		m.active = false
	}
	if m.validated[p] {
		m.state = Validated
	}
}

// Clear stops monitoring.
func (m *Monitor) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked()
	m.cur = phase{}
	m.active = false
}

func (m *Monitor) resetLocked() {
	m.stopTimersLocked()
	m.state = Outside
	m.distM = 0
	m.enteredAt = time.Time{}
	m.dwell = 0
	m.lastPos = nil
}

func (m *Monitor) stopTimersLocked() {
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.ticker != nil {
		m.ticker.Stop()
		m.ticker = nil
	}
}

// OnLocation feeds one location fix. Fixes within MinMoveM of the last
// evaluated one are ignored.
func (m *Monitor) OnLocation(pos models.Coord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active || m.state == Validated {
		return
	}
	if m.lastPos != nil && geo.DistanceM(*m.lastPos, pos) < m.cfg.MinMoveM {
		return
	}
	p := pos
	m.lastPos = &p
	m.distM = geo.DistanceM(pos, m.target)

	if m.distM <= m.cfg.RadiusM {
		if m.state == Outside {
			m.enterLocked()
		}
		return
	}
	if m.state == Entering || m.state == Inside {
		m.logger.Info("left zone before validation", "order_id", m.cur.orderID, "phase", m.cur.status, "dwell", m.dwell)
		m.stopTimersLocked()
		m.state = Outside
		m.enteredAt = time.Time{}
		m.dwell = 0
	}
}

func (m *Monitor) enterLocked() {
	m.state = Entering
	m.enteredAt = m.clock.Now()
	m.dwell = 0
	g := m.gen
	m.timer = m.clock.AfterFunc(m.cfg.Dwell, func() { m.fire(g) })
	m.ticker = m.clock.AfterFunc(m.cfg.DisplayTick, func() { m.tick(g) })
	m.logger.Info("zone entered", "order_id", m.cur.orderID, "phase", m.cur.status, "distance_m", m.distM)
}

func (m *Monitor) tick(g uint64) {
	m.mu.Lock()
	if g != m.gen || (m.state != Entering && m.state != Inside) {
		m.mu.Unlock()
		return
	}
	m.state = Inside
	m.dwell = m.clock.Now().Sub(m.enteredAt)
	m.ticker = m.clock.AfterFunc(m.cfg.DisplayTick, func() { m.tick(g) })
	snap := m.snapshotLocked()
	cb := m.onDwell
	m.mu.Unlock()

	if cb != nil {
		cb(snap)
	}
}

// fire runs when the dwell timer expires. The phase counts as validated only
// once the server has taken the advance; until then it is retried with
// backoff for as long as the phase is unchanged.
func (m *Monitor) fire(g uint64) {
	m.mu.Lock()
	if g != m.gen || !m.active || m.validated[m.cur] || (m.state != Entering && m.state != Inside) {
		m.mu.Unlock()
		return
	}
	next, ok := m.cur.status.Next()
	if !ok {
		m.mu.Unlock()
		return
	}
	m.stopTimersLocked()
	m.dwell = m.clock.Now().Sub(m.enteredAt)
	m.state = Validated
	p, g := m.cur, m.gen
	m.mu.Unlock()

	m.logger.Info("dwell reached, advancing order", "order_id", p.orderID, "next", next)
	m.advance(g, p, next, m.cfg.RetryMin)
}

func (m *Monitor) advance(g uint64, p phase, next models.Status, backoff time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.AdvanceLimit)
	err := m.adv.Advance(ctx, p.orderID, next)
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		m.validated[p] = true
		return
	}
	if g != m.gen || p != m.cur {
		// the order moved on by another path
		return
	}
	if permanent(err) {
		m.logger.Warn("automatic advance rejected", "order_id", p.orderID, "next", next, "err", err)
		return
	}
	m.logger.Warn("automatic advance failed", "order_id", p.orderID, "next", next, "retry_in", backoff, "err", err)
	m.timer = m.clock.AfterFunc(backoff, func() { m.retry(g, p, next, min(backoff*2, m.cfg.RetryMax)) })
}

// permanent reports rejections that a retry cannot change.
func permanent(err error) bool {
	return errors.Is(err, apperr.ErrInvalidTransition) ||
		errors.Is(err, apperr.ErrUnauthorized) ||
		errors.Is(err, apperr.ErrNotFound)
}

func (m *Monitor) retry(g uint64, p phase, next models.Status, backoff time.Duration) {
	m.mu.Lock()
	stale := g != m.gen || p != m.cur || m.validated[p]
	m.mu.Unlock()
	if stale {
		return
	}
	m.advance(g, p, next, backoff)
}

func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Monitor) snapshotLocked() Snapshot {
	s := Snapshot{
		OrderID:   m.cur.orderID,
		Phase:     m.cur.status,
		State:     m.state,
		DistanceM: m.distM,
		Dwell:     m.dwell,
	}
	if !m.enteredAt.IsZero() {
		t := m.enteredAt
		s.EnteredAt = &t
	}
	return s
}
