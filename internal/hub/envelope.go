package hub

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/example/courier-dispatch/internal/apperr"
	"github.com/example/courier-dispatch/internal/dispatch"
	"github.com/example/courier-dispatch/internal/models"
)

// Session is one duplex connection. Requests other than identify and
// reconnect are refused until the actor is known.
type Session struct {
	Conn dispatch.Conn

	mu    sync.Mutex
	actor models.Actor
}

func NewSession(conn dispatch.Conn) *Session { return &Session{Conn: conn} }

func (s *Session) Actor() models.Actor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.actor
}

func (s *Session) setActor(a models.Actor) {
	s.mu.Lock()
	s.actor = a
	s.mu.Unlock()
}

// Close detaches the session from the directory.
func (h *Hub) Close(s *Session) {
	if a := s.Actor(); a.ID != "" {
		h.Disconnect(a, s.Conn)
	}
}

// Serve handles one inbound frame. A frame with a ref always gets an ack; a
// failed frame without one gets an order-error event.
func (h *Hub) Serve(ctx context.Context, s *Session, env models.Envelope) {
	result, err := h.handle(ctx, s, env)
	var reply models.Message
	switch {
	case env.Ref != "":
		ack := models.Ack{OK: err == nil, Result: result}
		if err != nil {
			ack.Code, ack.Message = apperr.Code(err), err.Error()
			ack.Result = nil
		}
		reply = models.Message{Event: models.EventAck, Ref: env.Ref, Data: ack}
	case err != nil:
		reply = models.Message{Event: models.EventOrderError, Data: models.OrderError{
			Event:   env.Event,
			OrderID: orderIDOf(env),
			Code:    apperr.Code(err),
			Message: err.Error(),
		}}
	default:
		return
	}
	if err != nil {
		h.logger.Debug("request failed", "event", env.Event, "code", apperr.Code(err), "err", err)
	}
	if serr := s.Conn.Send(reply); serr != nil {
		h.logger.Debug("reply not delivered", "event", env.Event, "err", serr)
	}
}

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, &apperr.ValidationError{Field: "data", Reason: "missing payload"}
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, &apperr.ValidationError{Field: "data", Reason: err.Error()}
	}
	return v, nil
}

func orderIDOf(env models.Envelope) string {
	var p struct {
		OrderID string `json:"order_id"`
	}
	_ = json.Unmarshal(env.Data, &p)
	return p.OrderID
}

func (h *Hub) handle(ctx context.Context, s *Session, env models.Envelope) (any, error) {
	switch env.Event {
	case models.EventIdentify, models.EventReconnect:
		p, err := decode[models.IdentifyPayload](env.Data)
		if err != nil {
			return nil, err
		}
		actor := models.Actor{ID: p.ActorID, Role: p.Role}
		if prev := s.Actor(); prev.ID != "" && prev.ID != actor.ID {
			h.Disconnect(prev, s.Conn)
		}
		if env.Event == models.EventIdentify {
			if err := h.Identify(actor, s.Conn); err != nil {
				return nil, err
			}
			s.setActor(actor)
			return actor, nil
		}
		snap, err := h.Reconnect(actor, s.Conn)
		if err != nil {
			return nil, err
		}
		s.setActor(actor)
		return snap, nil
	}

	actor := s.Actor()
	if actor.ID == "" {
		return nil, &apperr.UnauthorizedError{}
	}

	switch env.Event {
	case models.EventCreateOrder:
		in, err := decode[models.OrderInput](env.Data)
		if err != nil {
			return nil, err
		}
		return h.CreateOrder(ctx, actor, in)
	case models.EventAcceptOrder:
		p, err := decode[models.OrderRefPayload](env.Data)
		if err != nil {
			return nil, err
		}
		return h.Accept(actor, p.OrderID)
	case models.EventDeclineOrder:
		p, err := decode[models.OrderRefPayload](env.Data)
		if err != nil {
			return nil, err
		}
		return nil, h.Decline(actor, p.OrderID)
	case models.EventUpdateStatus:
		p, err := decode[models.StatusPayload](env.Data)
		if err != nil {
			return nil, err
		}
		return h.UpdateStatus(actor, p)
	case models.EventCancelOrder:
		p, err := decode[models.CancelPayload](env.Data)
		if err != nil {
			return nil, err
		}
		return h.Cancel(actor, p.OrderID, p.Reason)
	case models.EventSendProof:
		p, err := decode[models.ProofPayload](env.Data)
		if err != nil {
			return nil, err
		}
		return h.SubmitProof(ctx, actor, p)
	case models.EventResync:
		return h.Resync(actor.ID), nil
	case models.EventUpdateLocation:
		p, err := decode[models.LocationPayload](env.Data)
		if err != nil {
			return nil, err
		}
		return h.UpdateLocation(actor, p)
	default:
		return nil, &apperr.ValidationError{Field: "event", Reason: "unknown event " + env.Event}
	}
}
