package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/example/courier-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestDistanceKmAbidjan(t *testing.T) {
	pickup := models.Coord{Lat: 5.3165, Lon: -4.0266}
	dropoff := models.Coord{Lat: 5.3532, Lon: -3.9851}
	d := DistanceKm(pickup, dropoff)
	assert.InDelta(t, 6.14, d, 0.1)
	assert.InDelta(t, d, DistanceKm(dropoff, pickup), 1e-9)
}

func TestApplyMeta(t *testing.T) {
	d := models.Driver{ID: "d1"}
	applyMeta(&d, map[string]string{"rating": "4.500000", "online": "true", "available": "false", "method": "car"})
	assert.Equal(t, 4.5, d.Rating)
	assert.True(t, d.Online)
	assert.False(t, d.Available)
	assert.Equal(t, models.MethodCar, d.Method)
}

func TestValidCoord(t *testing.T) {
	assert.True(t, ValidCoord(models.Coord{Lat: 5.3, Lon: -4}))
	assert.False(t, ValidCoord(models.Coord{Lat: 91, Lon: 0}))
	assert.False(t, ValidCoord(models.Coord{Lat: 0, Lon: 181}))
}
