package main

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/example/courier-dispatch/internal/agent"
	"github.com/example/courier-dispatch/internal/models"
)

// liveClient routes requests to whichever connection is current.
type liveClient struct {
	mu sync.RWMutex
	c  *agent.Client
}

func (l *liveClient) set(c *agent.Client) {
	l.mu.Lock()
	l.c = c
	l.mu.Unlock()
}

func (l *liveClient) Request(ctx context.Context, event string, data any) (json.RawMessage, error) {
	l.mu.RLock()
	c := l.c
	l.mu.RUnlock()
	if c == nil {
		return nil, agent.ErrClosed
	}
	return c.Request(ctx, event, data)
}

const (
	minBackoff = 500 * time.Millisecond
	maxBackoff = 30 * time.Second
)

// runSessions keeps one connection open until ctx ends. Each new connection
// starts from the server's resync snapshot.
func runSessions(ctx context.Context, url, driverID string, live *liveClient, d *agent.Driver, logger *slog.Logger) {
	backoff := minBackoff
	for ctx.Err() == nil {
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		c, snap, err := agent.Dial(dialCtx, url, models.Actor{ID: driverID, Role: models.RoleDriver}, logger)
		cancel()
		if err != nil {
			logger.Warn("connect failed", "url", url, "err", err, "retry_in", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = minBackoff
		logger.Info("connected", "url", url, "pending_offers", len(snap.PendingOffers), "active_orders", len(snap.ActiveOrders))

		live.set(c)
		d.Restore(snap)
		d.Run(ctx, c.Events())
		live.set(nil)
		c.Close()
		if ctx.Err() == nil {
			logger.Warn("connection lost, reconnecting")
		}
	}
}

type fixLine struct {
	Lat    *float64 `json:"lat"`
	Lon    *float64 `json:"lon"`
	Action string   `json:"action"`
}

// fixSink is the part of agent.Driver the fix stream drives.
type fixSink interface {
	OnFix(ctx context.Context, loc models.Coord) error
	StartTrip(ctx context.Context) error
}

// feedFixes reads one JSON object per line. Malformed lines are skipped.
func feedFixes(ctx context.Context, r io.Reader, d fixSink, logger *slog.Logger) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var l fixLine
		if err := json.Unmarshal(sc.Bytes(), &l); err != nil {
			logger.Debug("skipping malformed fix", "err", err)
			continue
		}
		reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		switch {
		case l.Action == "start-trip":
			if err := d.StartTrip(reqCtx); err != nil {
				logger.Warn("start trip failed", "err", err)
			}
		case l.Lat != nil && l.Lon != nil:
			if err := d.OnFix(reqCtx, models.Coord{Lat: *l.Lat, Lon: *l.Lon}); err != nil {
				logger.Debug("location report failed", "err", err)
			}
		}
		cancel()
	}
	return sc.Err()
}
