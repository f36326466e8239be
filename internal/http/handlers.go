package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/courier-dispatch/internal/apperr"
	"github.com/example/courier-dispatch/internal/dispatch"
	"github.com/example/courier-dispatch/internal/hub"
	"github.com/example/courier-dispatch/internal/models"
	"github.com/example/courier-dispatch/internal/observability"
)

const maxBodyBytes = 8 << 20

// Server exposes the duplex endpoint and the synchronous fallback API over
// the same hub.
type Server struct {
	hub        *hub.Hub
	logger     *slog.Logger
	mux        *mux.Router
	upgrader   websocket.Upgrader
	sendBuffer int
}

func NewServer(h *hub.Hub, logger *slog.Logger) *Server {
	s := &Server{
		hub:        h,
		logger:     logger.With("component", "http"),
		mux:        mux.NewRouter(),
		upgrader:   websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		sendBuffer: 64,
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/orders", s.handleCreateOrder).Methods(http.MethodPost)
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods(http.MethodGet)
	api.HandleFunc("/orders/{id}/status", s.handleUpdateStatus).Methods(http.MethodPost)
	api.HandleFunc("/orders/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/orders/{id}/proof", s.handleProof).Methods(http.MethodPost)
	api.HandleFunc("/actors/{id}/snapshot", s.handleSnapshot).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)

	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods(http.MethodPost)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// actorFromRequest reads the identity set by the authenticating proxy.
func actorFromRequest(r *http.Request) (models.Actor, error) {
	a := models.Actor{ID: r.Header.Get("X-Actor-ID"), Role: models.Role(r.Header.Get("X-Actor-Role"))}
	if a.ID == "" || !a.Role.Valid() {
		return models.Actor{}, &apperr.UnauthorizedError{ActorID: a.ID}
	}
	return a, nil
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return &apperr.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "err", err)
	}
	writeJSON(w, status, errorBody{Code: apperr.Code(err), Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	ws := dispatch.NewWSSession(conn, s.logger, s.sendBuffer)
	sess := hub.NewSession(ws)
	observability.LiveConnections.Inc()
	defer func() {
		s.hub.Close(sess)
		_ = ws.Close()
		observability.LiveConnections.Dec()
	}()

	// optional identification on the upgrade request itself
	if id, role := r.URL.Query().Get("actor_id"), r.URL.Query().Get("role"); id != "" {
		data, _ := json.Marshal(models.IdentifyPayload{ActorID: id, Role: models.Role(role)})
		s.hub.Serve(r.Context(), sess, models.Envelope{Event: models.EventIdentify, Data: data})
	}

	ctx := r.Context()
	for {
		env, err := ws.ReadEnvelope()
		if errors.Is(err, dispatch.ErrBadFrame) {
			_ = ws.Send(models.Message{Event: models.EventOrderError, Data: models.OrderError{
				Code: apperr.Code(apperr.ErrValidation), Message: err.Error(),
			}})
			continue
		}
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket closed", "err", err)
			}
			return
		}
		s.hub.Serve(ctx, sess, env)
	}
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFromRequest(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var in models.OrderInput
	if err := decodeBody(r, &in); err != nil {
		s.writeError(w, err)
		return
	}
	out, err := s.hub.CreateOrder(r.Context(), actor, in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFromRequest(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	o, err := s.hub.GetOrder(actor, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFromRequest(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var p models.StatusPayload
	if err := decodeBody(r, &p); err != nil {
		s.writeError(w, err)
		return
	}
	p.OrderID = mux.Vars(r)["id"]
	o, err := s.hub.UpdateStatus(actor, p)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFromRequest(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var p models.CancelPayload
	if r.ContentLength != 0 {
		if err := decodeBody(r, &p); err != nil {
			s.writeError(w, err)
			return
		}
	}
	o, err := s.hub.Cancel(actor, mux.Vars(r)["id"], p.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// handleProof takes the raw proof bytes as the request body.
func (s *Server) handleProof(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFromRequest(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, &apperr.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	out, err := s.hub.SubmitProof(r.Context(), actor, models.ProofPayload{
		OrderID:     mux.Vars(r)["id"],
		ContentType: r.Header.Get("Content-Type"),
		Data:        data,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFromRequest(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	id := mux.Vars(r)["id"]
	if id != actor.ID {
		s.writeError(w, &apperr.UnauthorizedError{ActorID: actor.ID})
		return
	}
	writeJSON(w, http.StatusOK, s.hub.Resync(id))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.Stats())
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var d models.Driver
	if err := decodeBody(r, &d); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.hub.IngestLocation(d); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func newID() string { return uuid.NewString() }
