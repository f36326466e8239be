package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/courier-dispatch/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// room for a base64 proof payload
	maxFrameBytes = 8 << 20
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrSlowConsumer  = errors.New("session send queue full")
	ErrBadFrame      = errors.New("malformed frame")
)

// WSSession is one live websocket connection. Outbound messages go through a
// buffered queue drained by a single writer goroutine, so enqueueing never
// blocks the caller and per-connection order is preserved.
type WSSession struct {
	conn   *websocket.Conn
	send   chan models.Message
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func NewWSSession(conn *websocket.Conn, logger *slog.Logger, buffer int) *WSSession {
	if buffer <= 0 {
		buffer = 64
	}
	s := &WSSession{conn: conn, send: make(chan models.Message, buffer), done: make(chan struct{}), logger: logger}
	conn.SetReadLimit(maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(pongWait)) })
	go s.writePump()
	return s
}

func (s *WSSession) Send(msg models.Message) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.send <- msg:
		return nil
	default:
		s.logger.Warn("closing slow websocket session", "event", msg.Event)
		_ = s.Close()
		return ErrSlowConsumer
	}
}

// ReadEnvelope blocks for the next inbound frame. A frame that is not a
// JSON envelope yields ErrBadFrame and leaves the connection usable.
func (s *WSSession) ReadEnvelope() (models.Envelope, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return models.Envelope{}, err
	}
	var env models.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return models.Envelope{}, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	return env, nil
}

func (s *WSSession) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

func (s *WSSession) Done() <-chan struct{} { return s.done }

func (s *WSSession) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(msg); err != nil {
				s.logger.Warn("ws send error", "event", msg.Event, "error", err)
				_ = s.Close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = s.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}
