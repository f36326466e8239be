package pricing

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/courier-dispatch/internal/geo"
	"github.com/example/courier-dispatch/internal/models"
)

var (
	pickup  = models.Coord{Lat: 5.3165, Lon: -4.0266}
	dropoff = models.Coord{Lat: 5.3532, Lon: -3.9851}
)

func TestQuoteTwoWheeler(t *testing.T) {
	q := NewQuoter(DefaultTable(), nil)
	dist := geo.DistanceKm(pickup, dropoff)
	got, err := q.Quote(context.Background(), models.MethodTwoWheeler, pickup, dropoff, dist)
	require.NoError(t, err)
	assert.Equal(t, 1422.0, got.Price)
	assert.Greater(t, got.EstimatedMinutes, 0.0)
}

func TestQuoteAppliesMinimum(t *testing.T) {
	q := NewQuoter(DefaultTable(), nil)
	got, err := q.Quote(context.Background(), models.MethodCar, pickup, pickup, 0)
	require.NoError(t, err)
	assert.Equal(t, 2000.0, got.Price)
}

func TestQuoteUnknownMethod(t *testing.T) {
	q := NewQuoter(DefaultTable(), nil)
	_, err := q.Quote(context.Background(), models.Method("boat"), pickup, dropoff, 3)
	assert.Error(t, err)
}

func TestLoadTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prices.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
currency: xof
methods:
  two-wheeler: {base: 300, perKm: 100, minimum: 500, speedKmh: 20}
  cargo: {base: 1500, perKm: 300, minimum: 3000, speedKmh: 18}
`), 0o600))

	tbl, err := LoadTable(path)
	require.NoError(t, err)
	assert.Equal(t, 100.0, tbl.Methods[models.MethodTwoWheeler].PerKm)
	_, ok := tbl.Methods[models.MethodCar]
	assert.False(t, ok)
}

func TestLoadTableRejectsBadSpeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prices.yaml")
	require.NoError(t, os.WriteFile(path, []byte("methods:\n  car: {base: 1, perKm: 1, minimum: 1, speedKmh: 0}\n"), 0o600))
	_, err := LoadTable(path)
	assert.Error(t, err)
}
