package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/courier-dispatch/internal/clock"
	"github.com/example/courier-dispatch/internal/dispatch"
	"github.com/example/courier-dispatch/internal/hub"
	"github.com/example/courier-dispatch/internal/logging"
	"github.com/example/courier-dispatch/internal/matcher"
	"github.com/example/courier-dispatch/internal/models"
	"github.com/example/courier-dispatch/internal/orders"
	"github.com/example/courier-dispatch/internal/payments"
	"github.com/example/courier-dispatch/internal/pricing"
	"github.com/example/courier-dispatch/internal/proof"
	"github.com/example/courier-dispatch/internal/storage"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	log := logging.Discard()
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	w := storage.NewWriter(storage.NewMemoryStore(), log, time.Second, 64)
	t.Cleanup(w.Close)
	reg := orders.NewRegistry(orders.Config{}, clk, w, pricing.NewQuoter(pricing.DefaultTable(), nil), log)
	dir := dispatch.NewDirectory(clk, log, dispatch.WithBusy(reg.HasActiveOrder))
	coord := matcher.NewCoordinator(20*time.Second, clk, reg, dir, w, log)
	h := hub.New(hub.Config{}, reg, dir, &matcher.Locator{Source: dir}, coord,
		payments.NewSettler(0.15, payments.NewMemoryLedger(), log), proof.NewMemoryStore(), log)
	return NewServer(h, log)
}

const orderBody = `{"pickup":{"address":"Plateau","location":{"lat":5.36,"lon":-4.0083}},
	"dropoff":{"address":"Treichville","location":{"lat":5.3167,"lon":-4.0333}},"method":"two-wheeler"}`

func do(t *testing.T, s *Server, method, path, actor, role, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if actor != "" {
		req.Header.Set("X-Actor-ID", actor)
		req.Header.Set("X-Actor-Role", role)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func createOrder(t *testing.T, s *Server) models.Order {
	t.Helper()
	rec := do(t, s, http.MethodPost, "/api/v1/orders", "r1", "requester", orderBody)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var out models.OrderCreated
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out.Order
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Code
}

func TestCreateAndGetOrder(t *testing.T) {
	s := newTestServer(t)
	o := createOrder(t, s)
	assert.Equal(t, models.StatusPending, o.Status)
	assert.Greater(t, o.Price, 0.0)

	rec := do(t, s, http.MethodGet, "/api/v1/orders/"+o.ID, "r1", "requester", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = do(t, s, http.MethodGet, "/api/v1/orders/"+o.ID, "r2", "requester", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "unauthorized", errorCode(t, rec))

	rec = do(t, s, http.MethodGet, "/api/v1/orders/nope", "r1", "requester", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateOrderRejections(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/v1/orders", "", "", orderBody)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/orders", "r1", "requester", `{"pickup":{"address":"x"},"dropoff":{"address":"y"},"method":"car"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation", errorCode(t, rec))

	rec = do(t, s, http.MethodPost, "/api/v1/orders", "r1", "requester", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusEndpointRejectsBadTransitions(t *testing.T) {
	s := newTestServer(t)
	o := createOrder(t, s)

	rec := do(t, s, http.MethodPost, "/api/v1/orders/"+o.ID+"/status", "r1", "requester", `{"status":"enroute"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/orders/"+o.ID+"/cancel", "r1", "requester", `{"reason":"too slow"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var got models.Order
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Equal(t, "too slow", got.CancelReason)

	rec = do(t, s, http.MethodPost, "/api/v1/orders/"+o.ID+"/status", "r1", "requester", `{"status":"accepted"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestDriverLocationIngest(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s, http.MethodPost, "/internal/driver/locations", "", "", `{"id":"d1","loc":{"lat":5.36,"lon":-4.0},"online":true,"available":true}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, s, http.MethodPost, "/internal/driver/locations", "", "", `{"id":"d1","loc":{"lat":123,"lon":0}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/v1/stats", "", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st models.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, 1, st.DriversOnline)
}

func TestSnapshotOnlyForSelf(t *testing.T) {
	s := newTestServer(t)
	o := createOrder(t, s)

	rec := do(t, s, http.MethodGet, "/api/v1/actors/r1/snapshot", "r1", "requester", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap models.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Len(t, snap.ActiveOrders, 1)
	assert.Equal(t, o.ID, snap.ActiveOrders[0].ID)

	rec = do(t, s, http.MethodGet, "/api/v1/actors/r1/snapshot", "d1", "driver", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/healthz", "", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

type frame struct {
	Event string          `json:"event"`
	Ref   string          `json:"ref"`
	Data  json.RawMessage `json:"data"`
}

func readUntil(t *testing.T, c *websocket.Conn, match func(frame) bool) frame {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var f frame
		require.NoError(t, c.ReadJSON(&f))
		if match(f) {
			return f
		}
	}
}

func ackFor(ref string) func(frame) bool {
	return func(f frame) bool { return f.Event == models.EventAck && f.Ref == ref }
}

func TestWebsocketOfferAndAccept(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.WriteJSON(map[string]any{"event": "identify", "ref": "i1", "data": map[string]any{"actor_id": "d1", "role": "driver"}}))
	var ack models.Ack
	require.NoError(t, json.Unmarshal(readUntil(t, c, ackFor("i1")).Data, &ack))
	require.True(t, ack.OK)

	require.NoError(t, c.WriteJSON(map[string]any{"event": "update-location", "ref": "l1", "data": map[string]any{"lat": 5.3601, "lon": -4.0083}}))
	readUntil(t, c, ackFor("l1"))

	o := createOrder(t, s)
	offer := readUntil(t, c, func(f frame) bool { return f.Event == models.EventNewOrderRequest })
	var off models.Offer
	require.NoError(t, json.Unmarshal(offer.Data, &off))
	assert.Equal(t, o.ID, off.Order.ID)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("not json")))
	bad := readUntil(t, c, func(f frame) bool { return f.Event == models.EventOrderError })
	assert.Contains(t, string(bad.Data), "validation")

	require.NoError(t, c.WriteJSON(map[string]any{"event": "accept-order", "ref": "a1", "data": map[string]any{"order_id": o.ID}}))
	require.NoError(t, json.Unmarshal(readUntil(t, c, ackFor("a1")).Data, &ack))
	require.True(t, ack.OK, ack.Message)

	rec := do(t, s, http.MethodGet, "/api/v1/orders/"+o.ID, "r1", "requester", "")
	var got models.Order
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, models.StatusAccepted, got.Status)
	assert.Equal(t, "d1", got.DriverID)

	require.NoError(t, c.WriteJSON(map[string]any{"event": "update-delivery-status", "ref": "s1", "data": map[string]any{"order_id": o.ID, "status": "completed"}}))
	require.NoError(t, json.Unmarshal(readUntil(t, c, ackFor("s1")).Data, &ack))
	assert.False(t, ack.OK)
	assert.Equal(t, "invalid_transition", ack.Code)
}

func TestProofUploadRequiresPickup(t *testing.T) {
	s := newTestServer(t)
	o := createOrder(t, s)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders/"+o.ID+"/proof", bytes.NewReader([]byte("img")))
	req.Header.Set("X-Actor-ID", "d1")
	req.Header.Set("X-Actor-Role", "driver")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
