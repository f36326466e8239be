package ingest

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/courier-dispatch/internal/models"
)

func TestOrderEventKeyedByOrder(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	o := models.Order{ID: "o1", RequesterID: "r1", DriverID: "d1", Status: models.StatusPickedUp, UpdatedAt: at}

	msg, err := EncodeOrderEvent(o)
	require.NoError(t, err)
	assert.Equal(t, "o1", string(msg.Key))
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, "picked_up", string(msg.Headers[0].Value))

	var ev OrderEvent
	require.NoError(t, json.Unmarshal(msg.Value, &ev))
	assert.Equal(t, models.StatusPickedUp, ev.Status)
	assert.Equal(t, "d1", ev.DriverID)
	assert.True(t, at.Equal(ev.At))
}

func TestDecodeDriverUsesKeyWhenIDMissing(t *testing.T) {
	d, err := DecodeDriver(kafka.Message{Key: []byte("d7"), Value: []byte(`{"loc":{"lat":5.36,"lon":-4.0}, "online":true}`)})
	require.NoError(t, err)
	assert.Equal(t, "d7", d.ID)
	assert.True(t, d.Online)

	_, err = DecodeDriver(kafka.Message{Value: []byte("{")})
	assert.Error(t, err)
}

func TestDriverEncodingRoundTrip(t *testing.T) {
	in := models.Driver{ID: "d1", Loc: models.Coord{Lat: 5.36, Lon: -4.0}, Online: true, Available: true, Method: models.MethodCar}
	msg, err := encodeDriver(in)
	require.NoError(t, err)
	out, err := DecodeDriver(msg)
	require.NoError(t, err)
	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, in.Method, out.Method)
	assert.Equal(t, in.Loc, out.Loc)
}
