// Package agent is the driver-side runtime: a websocket client whose
// requests resolve on the server's ack, and the loop that feeds location
// fixes to the geofence monitor.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/courier-dispatch/internal/apperr"
	"github.com/example/courier-dispatch/internal/models"
)

var ErrClosed = errors.New("agent connection closed")

// Client is one connection to the dispatch server. Frames other than acks
// are delivered on Events in arrival order.
type Client struct {
	conn   *websocket.Conn
	logger *slog.Logger

	wmu sync.Mutex

	pmu     sync.Mutex
	pending map[string]chan ack

	events chan models.Envelope
	done   chan struct{}
	once   sync.Once
}

// Dial connects and announces actor with a reconnect, so the server pushes
// a resync snapshot as the first event.
func Dial(ctx context.Context, url string, actor models.Actor, logger *slog.Logger) (*Client, models.Snapshot, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, models.Snapshot{}, err
	}
	c := newClient(conn, logger)
	raw, err := c.Request(ctx, models.EventReconnect, models.IdentifyPayload{ActorID: actor.ID, Role: actor.Role})
	if err != nil {
		c.Close()
		return nil, models.Snapshot{}, err
	}
	var snap models.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		c.Close()
		return nil, models.Snapshot{}, err
	}
	return c, snap, nil
}

func newClient(conn *websocket.Conn, logger *slog.Logger) *Client {
	c := &Client{
		conn:    conn,
		logger:  logger.With("component", "agent_client"),
		pending: make(map[string]chan ack),
		events:  make(chan models.Envelope, 64),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Client) Events() <-chan models.Envelope { return c.events }

func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// ack mirrors models.Ack with the result left undecoded.
type ack struct {
	OK      bool            `json:"ok"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

type ackFrame struct {
	Ref  string `json:"ref"`
	Data ack    `json:"data"`
}

func (c *Client) readLoop() {
	defer c.Close()
	defer close(c.events)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.logger.Debug("read loop ended", "err", err)
			return
		}
		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("dropping malformed frame", "err", err)
			continue
		}
		if env.Event == models.EventAck {
			var f ackFrame
			if err := json.Unmarshal(data, &f); err == nil {
				c.resolve(f.Ref, f.Data)
			}
			continue
		}
		select {
		case c.events <- env:
		case <-c.done:
			return
		}
	}
}

func (c *Client) resolve(ref string, a ack) {
	c.pmu.Lock()
	ch, ok := c.pending[ref]
	delete(c.pending, ref)
	c.pmu.Unlock()
	if ok {
		ch <- a
	}
}

// Request sends event and waits for its ack. A negative ack becomes an
// *apperr.RemoteError.
func (c *Client) Request(ctx context.Context, event string, data any) (json.RawMessage, error) {
	ref := uuid.NewString()
	ch := make(chan ack, 1)
	c.pmu.Lock()
	c.pending[ref] = ch
	c.pmu.Unlock()
	defer func() {
		c.pmu.Lock()
		delete(c.pending, ref)
		c.pmu.Unlock()
	}()

	c.wmu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	err := c.conn.WriteJSON(models.Message{Event: event, Ref: ref, Data: data})
	c.wmu.Unlock()
	if err != nil {
		return nil, err
	}

	select {
	case a := <-ch:
		if !a.OK {
			return nil, &apperr.RemoteError{Code: a.Code, Message: a.Message}
		}
		return a.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}
