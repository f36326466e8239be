package eta

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/courier-dispatch/internal/models"
)

type fakeClient struct {
	v     float64
	err   error
	calls int
}

func (f *fakeClient) EstimateSeconds(ctx context.Context, method models.Method, from, to models.Coord) (float64, error) {
	f.calls++
	return f.v, f.err
}

var (
	a = models.Coord{Lat: 5.3165, Lon: -4.0266}
	b = models.Coord{Lat: 5.3532, Lon: -3.9851}
)

func TestEstimatorUsesClientThenCache(t *testing.T) {
	fc := &fakeClient{v: 600}
	e := &Estimator{Client: fc, Cache: NewCache(time.Minute)}
	ctx := context.Background()
	assert.Equal(t, 600.0, e.Seconds(ctx, models.MethodCar, a, b, 10))
	assert.Equal(t, 600.0, e.Seconds(ctx, models.MethodCar, a, b, 10))
	assert.Equal(t, 1, fc.calls)

	e.Seconds(ctx, models.MethodCargo, a, b, 10)
	assert.Equal(t, 2, fc.calls, "cache entries are per method")
}

func TestEstimatorFallsBackToNaive(t *testing.T) {
	e := &Estimator{Client: &fakeClient{err: errors.New("down")}}
	got := e.Seconds(context.Background(), models.MethodTwoWheeler, a, b, 10)
	assert.InDelta(t, EstimateSeconds(a, b, 10), got, 1e-9)
	assert.Greater(t, got, 0.0)
}

func TestOSRMClientRoutesByProfile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/route/v1/cycling/")
		_, _ = w.Write([]byte(`{"code":"Ok","routes":[{"duration":321.5,"distance":2900}]}`))
	}))
	defer srv.Close()

	c := NewOSRMClient(srv.URL + "/")
	c.Profiles = map[models.Method]string{models.MethodTwoWheeler: "cycling"}
	got, err := c.EstimateSeconds(context.Background(), models.MethodTwoWheeler, a, b)
	require.NoError(t, err)
	assert.Equal(t, 321.5, got)
}

func TestOSRMClientNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":"NoRoute","message":"Impossible route between points"}`))
	}))
	defer srv.Close()

	_, err := NewOSRMClient(srv.URL).EstimateSeconds(context.Background(), models.MethodCar, a, b)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NoRoute")
}
