package matcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/courier-dispatch/internal/apperr"
	"github.com/example/courier-dispatch/internal/clock"
	"github.com/example/courier-dispatch/internal/logging"
	"github.com/example/courier-dispatch/internal/models"
	"github.com/example/courier-dispatch/internal/orders"
	"github.com/example/courier-dispatch/internal/pricing"
)

type nopPersister struct{}

func (nopPersister) SaveOrder(models.Order) <-chan error   { return closed() }
func (nopPersister) UpdateOrder(models.Order) <-chan error { return closed() }

func closed() <-chan error {
	ch := make(chan error)
	close(ch)
	return ch
}

type fakePresence struct {
	mu        sync.Mutex
	connected map[string]bool
	msgs      map[string][]models.Message
}

func newPresence(ids ...string) *fakePresence {
	p := &fakePresence{connected: map[string]bool{}, msgs: map[string][]models.Message{}}
	for _, id := range ids {
		p.connected[id] = true
	}
	return p
}

func (p *fakePresence) Connected(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected[id]
}

func (p *fakePresence) Send(id string, msg models.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs[id] = append(p.msgs[id], msg)
	return nil
}

func (p *fakePresence) Notify(id string, msg models.Message) { _ = p.Send(id, msg) }

func (p *fakePresence) events(id string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, m := range p.msgs[id] {
		out = append(out, m.Event)
	}
	return out
}

type attemptLog struct {
	mu    sync.Mutex
	saved []models.OfferAttempt
}

func (l *attemptLog) SaveOfferAttempt(a models.OfferAttempt) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.saved = append(l.saved, a)
}

type fixture struct {
	clk      *clock.Fake
	reg      *orders.Registry
	presence *fakePresence
	coord    *Coordinator
	order    models.Order
}

func newFixture(t *testing.T, clk clock.Clock, connected ...string) *fixture {
	t.Helper()
	reg := orders.NewRegistry(orders.Config{}, clk, nopPersister{}, pricing.NewQuoter(pricing.DefaultTable(), nil), logging.Discard())
	pickup, dropoff := models.Coord{Lat: 5.3600, Lon: -4.0083}, models.Coord{Lat: 5.3167, Lon: -4.0333}
	res, err := reg.Create(context.Background(), models.OrderInput{
		RequesterID: "r1",
		Pickup:      models.PlaceInput{Address: "Plateau", Location: &pickup},
		Dropoff:     models.PlaceInput{Address: "Treichville", Location: &dropoff},
		Method:      models.MethodTwoWheeler,
	})
	require.NoError(t, err)
	p := newPresence(connected...)
	f := &fixture{reg: reg, presence: p, order: res.Order}
	f.coord = NewCoordinator(20*time.Second, clk, reg, p, &attemptLog{}, logging.Discard())
	if fake, ok := clk.(*clock.Fake); ok {
		f.clk = fake
	}
	return f
}

func candidates(ids ...string) []models.Candidate {
	out := make([]models.Candidate, len(ids))
	for i, id := range ids {
		out[i] = models.Candidate{DriverID: id, DistanceKm: float64(i + 1)}
	}
	return out
}

func fakeClock() *clock.Fake { return clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)) }

func TestTimeoutThenSecondDriverAccepts(t *testing.T) {
	f := newFixture(t, fakeClock(), "d1", "d2")
	f.coord.Start(f.order, candidates("d1", "d2"))

	assert.Equal(t, []string{models.EventNewOrderRequest}, f.presence.events("d1"))
	assert.Empty(t, f.presence.events("d2"))

	f.clk.Advance(19 * time.Second)
	assert.Empty(t, f.presence.events("d2"), "window must not close early")

	f.clk.Advance(time.Second)
	assert.Equal(t, []string{models.EventNewOrderRequest}, f.presence.events("d2"))

	ch, err := f.coord.Accept(f.order.ID, "d2")
	require.NoError(t, err)
	assert.Equal(t, "d2", ch.Order.DriverID)
	assert.Equal(t, models.StatusAccepted, ch.Order.Status)

	attempts := f.coord.Attempts(f.order.ID)
	require.Len(t, attempts, 2)
	assert.Equal(t, "d1", attempts[0].DriverID)
	assert.Equal(t, models.OfferTimeout, attempts[0].Outcome)
	assert.Equal(t, "d2", attempts[1].DriverID)
	assert.Equal(t, models.OfferAccepted, attempts[1].Outcome)
	assert.Equal(t, 0, f.coord.OpenOffers())
	assert.Equal(t, 0, f.clk.Pending(), "accepted run leaves no timer behind")
}

func TestDeclineAdvancesImmediately(t *testing.T) {
	f := newFixture(t, fakeClock(), "d1", "d2")
	f.coord.Start(f.order, candidates("d1", "d2"))

	require.NoError(t, f.coord.Decline(f.order.ID, "d1"))
	assert.Equal(t, []string{models.EventNewOrderRequest}, f.presence.events("d2"))

	attempts := f.coord.Attempts(f.order.ID)
	require.Len(t, attempts, 2)
	assert.Equal(t, models.OfferDeclined, attempts[0].Outcome)
	assert.True(t, attempts[1].IsOpen())

	// a declined driver cannot take the order back
	_, err := f.coord.Accept(f.order.ID, "d1")
	assert.ErrorIs(t, err, apperr.ErrNotOffered)
}

func TestDisconnectedCandidateSkippedWithoutWaiting(t *testing.T) {
	f := newFixture(t, fakeClock(), "d2")
	f.coord.Start(f.order, candidates("d1", "d2"))

	assert.Empty(t, f.presence.events("d1"))
	assert.Equal(t, []string{models.EventNewOrderRequest}, f.presence.events("d2"))
	attempts := f.coord.Attempts(f.order.ID)
	require.Len(t, attempts, 1)
	assert.Equal(t, "d2", attempts[0].DriverID)
}

func TestExhaustionNotifiesRequester(t *testing.T) {
	f := newFixture(t, fakeClock(), "d1")
	f.coord.Start(f.order, candidates("d1", "ghost"))

	f.clk.Advance(20 * time.Second)

	assert.Equal(t, []string{models.EventNoDrivers}, f.presence.events("r1"))
	assert.False(t, f.coord.Matching(f.order.ID))
	o, err := f.reg.Get(f.order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, o.Status)
}

func TestEmptyCandidateListExhaustsAtOnce(t *testing.T) {
	f := newFixture(t, fakeClock())
	f.coord.Start(f.order, nil)
	assert.Equal(t, []string{models.EventNoDrivers}, f.presence.events("r1"))
}

func TestDriverGoneMidOfferCountsAsTimeout(t *testing.T) {
	f := newFixture(t, fakeClock(), "d1", "d2")
	f.coord.Start(f.order, candidates("d1", "d2"))

	f.coord.DriverGone("d1")

	attempts := f.coord.Attempts(f.order.ID)
	require.Len(t, attempts, 2)
	assert.Equal(t, models.OfferTimeout, attempts[0].Outcome)
	assert.Equal(t, "d2", attempts[1].DriverID)
}

func TestCancelWithdrawsOpenOffer(t *testing.T) {
	f := newFixture(t, fakeClock(), "d1", "d2")
	f.coord.Start(f.order, candidates("d1", "d2"))

	f.coord.Cancel(f.order.ID, "requester cancelled")

	assert.Equal(t, []string{models.EventNewOrderRequest, models.EventOfferWithdrawn}, f.presence.events("d1"))
	assert.Equal(t, 0, f.coord.OpenOffers())

	f.clk.Advance(time.Minute)
	assert.Empty(t, f.presence.events("d2"), "cancelled order is not offered further")
}

func TestDeclineAfterCancelDoesNotOfferFurther(t *testing.T) {
	f := newFixture(t, fakeClock(), "d1", "d2")
	f.coord.Start(f.order, candidates("d1", "d2"))

	// the registry commits the cancellation before the coordinator hears of it
	_, err := f.reg.Cancel(f.order.ID, models.Actor{ID: "r1", Role: models.RoleRequester}, "")
	require.NoError(t, err)
	require.NoError(t, f.coord.Decline(f.order.ID, "d1"))

	assert.Empty(t, f.presence.events("d2"))
	assert.Len(t, f.coord.Attempts(f.order.ID), 1)
	assert.False(t, f.coord.Matching(f.order.ID))
	assert.NotContains(t, f.presence.events("r1"), models.EventNoDrivers)
}

func TestDriverGoneAfterCancelDoesNotOfferFurther(t *testing.T) {
	f := newFixture(t, fakeClock(), "d1", "d2")
	f.coord.Start(f.order, candidates("d1", "d2"))

	_, err := f.reg.Cancel(f.order.ID, models.Actor{ID: "r1", Role: models.RoleRequester}, "")
	require.NoError(t, err)
	f.coord.DriverGone("d1")

	assert.Empty(t, f.presence.events("d2"))
	assert.Len(t, f.coord.Attempts(f.order.ID), 1)
	assert.False(t, f.coord.Matching(f.order.ID))
}

func TestLateAcceptWithdrawsCurrentOffer(t *testing.T) {
	f := newFixture(t, fakeClock(), "d1", "d2")
	f.coord.Start(f.order, candidates("d1", "d2"))
	f.clk.Advance(20 * time.Second)

	ch, err := f.coord.Accept(f.order.ID, "d1")
	require.NoError(t, err)
	assert.Equal(t, "d1", ch.Order.DriverID)

	attempts := f.coord.Attempts(f.order.ID)
	require.Len(t, attempts, 2)
	assert.Equal(t, models.OfferAccepted, attempts[0].Outcome)
	assert.Equal(t, models.OfferWithdrawn, attempts[1].Outcome)
	assert.Equal(t, []string{models.EventNewOrderRequest, models.EventOfferWithdrawn}, f.presence.events("d2"))

	_, err = f.coord.Accept(f.order.ID, "d2")
	assert.ErrorIs(t, err, apperr.ErrNotOffered)
}

func TestAcceptFromUnofferedDriverRejected(t *testing.T) {
	f := newFixture(t, fakeClock(), "d1")
	f.coord.Start(f.order, candidates("d1"))
	_, err := f.coord.Accept(f.order.ID, "stranger")
	assert.ErrorIs(t, err, apperr.ErrNotOffered)
}

func TestAcceptRetryIsIdempotent(t *testing.T) {
	f := newFixture(t, fakeClock(), "d1")
	f.coord.Start(f.order, candidates("d1"))
	first, err := f.coord.Accept(f.order.ID, "d1")
	require.NoError(t, err)
	require.True(t, first.Changed)

	again, err := f.coord.Accept(f.order.ID, "d1")
	require.NoError(t, err)
	assert.False(t, again.Changed)
	assert.Equal(t, "d1", again.Order.DriverID)
}

func TestAcceptRacingTimeoutHasOneWinner(t *testing.T) {
	for i := 0; i < 50; i++ {
		f := newFixture(t, fakeClock(), "d1", "d2")
		f.coord.Start(f.order, candidates("d1", "d2"))

		var wg sync.WaitGroup
		wg.Add(3)
		go func() {
			defer wg.Done()
			f.clk.Advance(20 * time.Second)
		}()
		results := make([]error, 2)
		go func() {
			defer wg.Done()
			_, results[0] = f.coord.Accept(f.order.ID, "d1")
		}()
		go func() {
			defer wg.Done()
			_, results[1] = f.coord.Accept(f.order.ID, "d2")
		}()
		wg.Wait()

		o, err := f.reg.Get(f.order.ID)
		require.NoError(t, err)
		require.Equal(t, models.StatusAccepted, o.Status)
		assert.Equal(t, 0, f.coord.OpenOffers())

		accepted := 0
		for _, a := range f.coord.Attempts(f.order.ID) {
			assert.False(t, a.IsOpen())
			if a.Outcome == models.OfferAccepted {
				accepted++
				assert.Equal(t, o.DriverID, a.DriverID)
			}
		}
		assert.Equal(t, 1, accepted)
		if o.DriverID == "d1" {
			assert.NoError(t, results[0])
		} else {
			assert.NoError(t, results[1])
			assert.Error(t, results[0])
		}
	}
}

func TestPendingOffersForDriver(t *testing.T) {
	f := newFixture(t, fakeClock(), "d1")
	f.coord.Start(f.order, candidates("d1"))

	got := f.coord.PendingOffers("d1")
	require.Len(t, got, 1)
	assert.Equal(t, f.order.ID, got[0].ID)
	assert.Empty(t, f.coord.PendingOffers("d2"))
}
