// Package payments settles the platform commission against a driver's
// balance when an order completes.
package payments

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/courier-dispatch/internal/observability"
)

var ErrSettlementInProgress = errors.New("settlement already in progress")

type Result struct {
	CommissionAmount float64 `json:"commission_amount"`
	NewBalance       float64 `json:"new_balance"`
}

type request struct {
	DriverID string
	OrderID  string
	Price    float64
	Err      string
	At       time.Time
}

// Settler applies the commission once per order. Failed settlements are kept
// for Reconcile.
type Settler struct {
	mu       sync.Mutex
	settled  map[string]Result
	inflight map[string]bool
	failed   map[string]request

	rate    float64
	ledger  Ledger
	timeout time.Duration
	logger  *slog.Logger
}

func NewSettler(rate float64, ledger Ledger, logger *slog.Logger) *Settler {
	return &Settler{
		settled:  make(map[string]Result),
		inflight: make(map[string]bool),
		failed:   make(map[string]request),
		rate:     rate,
		ledger:   ledger,
		timeout:  10 * time.Second,
		logger:   logger.With("component", "settlement"),
	}
}

// Commission is the amount owed on price, rounded to two decimals.
func (s *Settler) Commission(price float64) float64 {
	return math.Round(price*s.rate*100) / 100
}

// Settle deducts the commission for orderID. A second call for a settled
// order returns the first result without touching the ledger.
func (s *Settler) Settle(ctx context.Context, driverID, orderID string, price float64) (Result, error) {
	s.mu.Lock()
	if res, ok := s.settled[orderID]; ok {
		s.mu.Unlock()
		observability.Settlements.WithLabelValues("duplicate").Inc()
		return res, nil
	}
	if s.inflight[orderID] {
		s.mu.Unlock()
		return Result{}, ErrSettlementInProgress
	}
	s.inflight[orderID] = true
	s.mu.Unlock()

	amount := s.Commission(price)
	bal, err := s.ledger.Deduct(ctx, driverID, orderID, amount)

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, orderID)
	if err != nil {
		s.failed[orderID] = request{DriverID: driverID, OrderID: orderID, Price: price, Err: err.Error(), At: time.Now()}
		observability.Settlements.WithLabelValues("failed").Inc()
		s.logger.Error("commission settlement failed", "order_id", orderID, "driver_id", driverID, "amount", amount, "err", err)
		return Result{}, err
	}
	res := Result{CommissionAmount: amount, NewBalance: bal}
	s.settled[orderID] = res
	delete(s.failed, orderID)
	observability.Settlements.WithLabelValues("ok").Inc()
	s.logger.Info("commission settled", "order_id", orderID, "driver_id", driverID, "amount", amount, "balance", bal)
	return res, nil
}

// SettleAsync runs Settle in the background so the completion path never
// waits on the ledger.
func (s *Settler) SettleAsync(driverID, orderID string, price float64) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		_, _ = s.Settle(ctx, driverID, orderID, price)
	}()
}

// Reconcile retries every failed settlement and returns how many succeeded.
func (s *Settler) Reconcile(ctx context.Context) int {
	s.mu.Lock()
	pending := make([]request, 0, len(s.failed))
	for _, r := range s.failed {
		pending = append(pending, r)
	}
	s.mu.Unlock()
	sort.Slice(pending, func(i, j int) bool { return pending[i].At.Before(pending[j].At) })

	ok := 0
	for _, r := range pending {
		if ctx.Err() != nil {
			break
		}
		if _, err := s.Settle(ctx, r.DriverID, r.OrderID, r.Price); err == nil {
			ok++
		}
	}
	return ok
}

func (s *Settler) Result(orderID string) (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.settled[orderID]
	return r, ok
}

func (s *Settler) SettledCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.settled)
}

func (s *Settler) FailedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.failed)
}
