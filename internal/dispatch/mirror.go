package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/courier-dispatch/internal/models"
)

type mirrorOp struct {
	remove bool
	driver models.Driver
}

// mirrorQueue applies presence changes to the LocationMirror on a single
// goroutine. Only the latest pending change per driver is kept, so the mirror
// converges on the directory's state even when writes are slow.
type mirrorQueue struct {
	mirror  LocationMirror
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]mirrorOp
	order   []string
	closed  bool

	wake chan struct{}
	done chan struct{}
}

func newMirrorQueue(m LocationMirror, logger *slog.Logger, timeout time.Duration) *mirrorQueue {
	q := &mirrorQueue{
		mirror:  m,
		logger:  logger,
		timeout: timeout,
		pending: make(map[string]mirrorOp),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go q.loop()
	return q
}

// enqueue never blocks. A change for a driver already queued replaces it in
// place.
func (q *mirrorQueue) enqueue(driverID string, op mirrorOp) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if _, queued := q.pending[driverID]; !queued {
		q.order = append(q.order, driverID)
	}
	q.pending[driverID] = op
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *mirrorQueue) take() (map[string]mirrorOp, []string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ops, ids := q.pending, q.order
	q.pending = make(map[string]mirrorOp)
	q.order = nil
	return ops, ids, q.closed
}

func (q *mirrorQueue) loop() {
	defer close(q.done)
	for {
		ops, ids, closed := q.take()
		for _, id := range ids {
			q.apply(id, ops[id])
		}
		if len(ids) > 0 {
			continue
		}
		if closed {
			return
		}
		<-q.wake
	}
}

func (q *mirrorQueue) apply(driverID string, op mirrorOp) {
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()
	if op.remove {
		if err := q.mirror.Remove(ctx, driverID); err != nil {
			q.logger.Warn("presence mirror remove failed", "driver_id", driverID, "error", err)
		}
		return
	}
	if err := q.mirror.Upsert(ctx, op.driver); err != nil {
		q.logger.Warn("presence mirror upsert failed", "driver_id", driverID, "error", err)
	}
}

// close applies what is still queued and stops the loop.
func (q *mirrorQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	<-q.done
}
