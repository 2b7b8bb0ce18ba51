package simulator

import (
	"testing"

	"github.com/dronefleet/control/dispatch"
	"github.com/stretchr/testify/assert"
)

func TestInterpolateMovesTowardTargetProportionally(t *testing.T) {
	pos := dispatch.LatLon{Lat: 0, Lon: 0}
	target := dispatch.LatLon{Lat: 10, Lon: 10}
	got := interpolate(pos, target, 0.25)
	assert.InDelta(t, 2.5, got.Lat, 1e-9)
	assert.InDelta(t, 2.5, got.Lon, 1e-9)
}

func TestInterpolateFullSpeedReachesTarget(t *testing.T) {
	pos := dispatch.LatLon{Lat: 1, Lon: 2}
	target := dispatch.LatLon{Lat: 5, Lon: 9}
	got := interpolate(pos, target, 1.0)
	assert.InDelta(t, target.Lat, got.Lat, 1e-9)
	assert.InDelta(t, target.Lon, got.Lon, 1e-9)
}

func TestCloseEnoughWithinEpsilon(t *testing.T) {
	a := dispatch.LatLon{Lat: 1.00000, Lon: 2.00000}
	b := dispatch.LatLon{Lat: 1.00001, Lon: 2.00001}
	assert.True(t, closeEnough(a, b))
}

func TestCloseEnoughOutsideEpsilon(t *testing.T) {
	a := dispatch.LatLon{Lat: 1, Lon: 2}
	b := dispatch.LatLon{Lat: 1.01, Lon: 2}
	assert.False(t, closeEnough(a, b))
}

func TestClampBounds(t *testing.T) {
	assert.Equal(t, 0.0, clamp(-5, 0, 100))
	assert.Equal(t, 100.0, clamp(150, 0, 100))
	assert.Equal(t, 42.0, clamp(42, 0, 100))
}

func TestAbsf(t *testing.T) {
	assert.Equal(t, 3.0, absf(-3))
	assert.Equal(t, 3.0, absf(3))
}
