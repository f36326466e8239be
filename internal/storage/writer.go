package storage

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/courier-dispatch/internal/models"
	"github.com/example/courier-dispatch/internal/observability"
)

var ErrQueueFull = errors.New("persistence queue full")

type job struct {
	op   string
	id   string
	run  func(ctx context.Context) error
	done chan error
}

// Writer applies durable writes in submission order on a single goroutine so
// the real-time path never waits on the store. Failures are logged and
// counted, never returned to the caller unless it asked for the result.
type Writer struct {
	store   OrderStore
	logger  *slog.Logger
	timeout time.Duration
	queue   chan job

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewWriter(store OrderStore, logger *slog.Logger, timeout time.Duration, buffer int) *Writer {
	if buffer <= 0 {
		buffer = 1024
	}
	w := &Writer{store: store, logger: logger.With("component", "order_writer"), timeout: timeout, queue: make(chan job, buffer)}
	w.wg.Add(1)
	go w.loop()
	return w
}

func (w *Writer) loop() {
	defer w.wg.Done()
	for j := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		err := j.run(ctx)
		cancel()
		if err != nil {
			observability.PersistFailures.WithLabelValues(j.op).Inc()
			w.logger.Warn("durable write failed", "op", j.op, "id", j.id, "error", err)
		}
		if j.done != nil {
			j.done <- err
		}
	}
}

func (w *Writer) submit(j job) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.logger.Warn("durable write after close", "op", j.op, "id", j.id)
		if j.done != nil {
			j.done <- ErrQueueFull
		}
		return
	}
	select {
	case w.queue <- j:
	default:
		observability.PersistFailures.WithLabelValues(j.op).Inc()
		w.logger.Warn("durable write dropped", "op", j.op, "id", j.id, "error", ErrQueueFull)
		if j.done != nil {
			j.done <- ErrQueueFull
		}
	}
}

// SaveOrder enqueues the insert and returns a channel receiving its outcome.
func (w *Writer) SaveOrder(o models.Order) <-chan error {
	done := make(chan error, 1)
	w.submit(job{op: "save_order", id: o.ID, done: done, run: func(ctx context.Context) error { return w.store.SaveOrder(ctx, o) }})
	return done
}

// UpdateOrder enqueues the update and returns a channel receiving its outcome.
// Callers on the real-time path may ignore it.
func (w *Writer) UpdateOrder(o models.Order) <-chan error {
	done := make(chan error, 1)
	w.submit(job{op: "update_order", id: o.ID, done: done, run: func(ctx context.Context) error { return w.store.UpdateOrder(ctx, o) }})
	return done
}

func (w *Writer) SaveOfferAttempt(a models.OfferAttempt) {
	w.submit(job{op: "save_offer_attempt", id: a.ID, run: func(ctx context.Context) error { return w.store.SaveOfferAttempt(ctx, a) }})
}

// Close drains queued writes and stops the loop.
func (w *Writer) Close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()
	w.wg.Wait()
}

// Await waits for a write outcome up to timeout; a timed-out write counts as
// not durably committed.
func Await(done <-chan error, timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case err := <-done:
		return err == nil
	case <-t.C:
		return false
	}
}
