package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/courier-dispatch/internal/logging"
	"github.com/example/courier-dispatch/internal/models"
)

// fakeUpdater implements RedisUpdater for tests
type fakeUpdater struct {
	mu         sync.Mutex
	failGeo    int // number of times to fail GeoAdd before succeeding
	failH      int // number of times to fail HSet before succeeding
	geoCalls   int
	hCalls     int
	removed    []string
	lastFields map[string]interface{}
}

func (f *fakeUpdater) GeoAdd(ctx context.Context, loc *redis.GeoLocation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.geoCalls++
	if f.geoCalls <= f.failGeo {
		return errors.New("geo fail")
	}
	return nil
}

func (f *fakeUpdater) GeoRemove(ctx context.Context, driverID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, driverID)
	return nil
}

func (f *fakeUpdater) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hCalls++
	if f.hCalls <= f.failH {
		return errors.New("hset fail")
	}
	f.lastFields = values
	return nil
}

func TestUpdateRedisWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeUpdater{failGeo: 1, failH: 1}
	d := &models.Driver{ID: "d1", Loc: models.Coord{Lat: 1, Lon: 2}, Rating: 4.5, Online: true, Available: true}
	start := time.Now()
	require.NoError(t, updateRedisWithRetry(context.Background(), f, d, 3, 10*time.Millisecond))
	assert.GreaterOrEqual(t, f.geoCalls, 2)
	assert.GreaterOrEqual(t, f.hCalls, 2)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
	assert.Equal(t, "true", f.lastFields["available"])
}

func TestUpdateRedisWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeUpdater{failGeo: 5}
	d := &models.Driver{ID: "d1", Loc: models.Coord{Lat: 1, Lon: 2}, Online: true}
	assert.Error(t, updateRedisWithRetry(context.Background(), f, d, 3, 5*time.Millisecond))
}

func TestOfflineDriverLeavesGeoSet(t *testing.T) {
	f := &fakeUpdater{}
	d := &models.Driver{ID: "d1", Loc: models.Coord{Lat: 1, Lon: 2}}
	require.NoError(t, updateRedisWithRetry(context.Background(), f, d, 1, time.Millisecond))
	assert.Equal(t, []string{"d1"}, f.removed)
	assert.Equal(t, 0, f.geoCalls)
	assert.Equal(t, "false", f.lastFields["online"])
}

type scriptedReader struct {
	msgs   []kafka.Message
	cancel context.CancelFunc
}

func (s *scriptedReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(s.msgs) == 0 {
		s.cancel()
		return kafka.Message{}, ctx.Err()
	}
	m := s.msgs[0]
	s.msgs = s.msgs[1:]
	return m, nil
}

func TestConsumeSkipsInvalidMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := &scriptedReader{cancel: cancel, msgs: []kafka.Message{
		{Key: []byte("bad"), Value: []byte("not json")},
		{Key: []byte("d2"), Value: []byte(`{"id":"d2","loc":{"lat":95,"lon":0},"online":true}`)},
		{Key: []byte("d1"), Value: []byte(`{"id":"d1","loc":{"lat":5.36,"lon":-4.0},"online":true}`)},
	}}
	f := &fakeUpdater{}

	consume(ctx, r, f, logging.Discard())

	assert.Equal(t, 1, f.geoCalls)
	assert.Equal(t, 1, f.hCalls)
}
