package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/courier-dispatch/internal/apperr"
	"github.com/example/courier-dispatch/internal/logging"
	"github.com/example/courier-dispatch/internal/models"
)

// scriptedServer answers reconnect with a snapshot, pushes one offer, and
// rejects every accept as already taken.
func scriptedServer(t *testing.T) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var env models.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			switch env.Event {
			case models.EventReconnect:
				snap := models.Snapshot{ActorID: "d1", PendingOffers: []models.Order{{ID: "o1", Status: models.StatusPending}}}
				_ = conn.WriteJSON(models.Message{Event: models.EventAck, Ref: env.Ref, Data: models.Ack{OK: true, Result: snap}})
				_ = conn.WriteJSON(models.Message{Event: models.EventNewOrderRequest, Data: models.Offer{AttemptID: "a1", Order: snap.PendingOffers[0]}})
			case models.EventAcceptOrder:
				_ = conn.WriteJSON(models.Message{Event: models.EventAck, Ref: env.Ref, Data: models.Ack{Code: "already_taken", Message: "order already taken"}})
			}
		}
	}))
}

func wsURL(s *httptest.Server) string { return "ws" + strings.TrimPrefix(s.URL, "http") }

func TestClientDialReturnsSnapshotAndEvents(t *testing.T) {
	srv := scriptedServer(t)
	defer srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, snap, err := Dial(ctx, wsURL(srv), models.Actor{ID: "d1", Role: models.RoleDriver}, logging.Discard())
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, "d1", snap.ActorID)
	require.Len(t, snap.PendingOffers, 1)

	select {
	case env := <-c.Events():
		assert.Equal(t, models.EventNewOrderRequest, env.Event)
	case <-ctx.Done():
		t.Fatal("no offer pushed")
	}
}

func TestClientNegativeAckIsRemoteError(t *testing.T) {
	srv := scriptedServer(t)
	defer srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, _, err := Dial(ctx, wsURL(srv), models.Actor{ID: "d1", Role: models.RoleDriver}, logging.Discard())
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Request(ctx, models.EventAcceptOrder, models.OrderRefPayload{OrderID: "o1", DriverID: "d1"})
	var remote *apperr.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "already_taken", remote.Code)
	assert.ErrorIs(t, err, apperr.ErrAlreadyTaken)
}

func TestClientRequestAfterServerGone(t *testing.T) {
	srv := scriptedServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, _, err := Dial(ctx, wsURL(srv), models.Actor{ID: "d1", Role: models.RoleDriver}, logging.Discard())
	require.NoError(t, err)
	srv.CloseClientConnections()
	srv.Close()

	select {
	case <-c.Done():
	case <-ctx.Done():
		t.Fatal("client did not notice the closed connection")
	}
	_, err = c.Request(ctx, models.EventAcceptOrder, models.OrderRefPayload{OrderID: "o1"})
	assert.Error(t, err)
}
