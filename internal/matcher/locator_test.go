package matcher

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/courier-dispatch/internal/models"
)

type staticSource struct {
	drivers []models.Driver
	err     error
}

func (s staticSource) Drivers(context.Context, models.Coord, float64) ([]models.Driver, error) {
	return s.drivers, s.err
}

var pickup = models.Coord{Lat: 5.3600, Lon: -4.0083}

func TestFindFiltersAndRanksByDistance(t *testing.T) {
	src := staticSource{drivers: []models.Driver{
		{ID: "far", Loc: models.Coord{Lat: 5.3900, Lon: -4.0083}, Online: true, Available: true},
		{ID: "near", Loc: models.Coord{Lat: 5.3610, Lon: -4.0083}, Online: true, Available: true},
		{ID: "offline", Loc: pickup, Online: false, Available: true},
		{ID: "busy", Loc: pickup, Online: true, Available: false},
		{ID: "car", Loc: pickup, Online: true, Available: true, Method: models.MethodCar},
		{ID: "outside", Loc: models.Coord{Lat: 5.5, Lon: -4.0083}, Online: true, Available: true},
		{ID: "mid", Loc: models.Coord{Lat: 5.3700, Lon: -4.0083}, Online: true, Available: true, Method: models.MethodTwoWheeler},
	}}
	l := &Locator{Source: src}

	got, err := l.Find(context.Background(), pickup, models.MethodTwoWheeler, 5)
	require.NoError(t, err)

	ids := make([]string, len(got))
	for i, c := range got {
		ids[i] = c.DriverID
	}
	assert.Equal(t, []string{"near", "mid", "far"}, ids)
	for i := 1; i < len(got); i++ {
		assert.LessOrEqual(t, got[i-1].DistanceKm, got[i].DistanceKm)
	}
}

func TestFindTopN(t *testing.T) {
	src := staticSource{drivers: []models.Driver{
		{ID: "a", Loc: pickup, Online: true, Available: true},
		{ID: "b", Loc: pickup, Online: true, Available: true},
		{ID: "c", Loc: pickup, Online: true, Available: true},
	}}
	l := &Locator{Source: src, TopN: 2}
	got, err := l.Find(context.Background(), pickup, models.MethodCar, 1)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].DriverID)
	assert.Equal(t, "b", got[1].DriverID)
}

func TestFindPropagatesSourceError(t *testing.T) {
	l := &Locator{Source: staticSource{err: errors.New("redis down")}}
	_, err := l.Find(context.Background(), pickup, models.MethodCar, 1)
	assert.Error(t, err)
}
