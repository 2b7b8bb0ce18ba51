package dispatch

import (
	"context"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dronefleet/control/kv/backend"
	"github.com/dronefleet/control/kv/front"
)

// newTestStore wires a real backend + coordinator + HTTP servers, so
// assignment tests exercise the same stack the daemons use in
// production instead of an in-memory fake.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	log := testLog()

	b, err := backend.Open(backend.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	backendSrv := httptest.NewServer(backend.NewServer(b, log).Router())
	t.Cleanup(backendSrv.Close)

	coord := front.New(front.Config{
		Backends: []string{backendSrv.URL}, RF: 1, ReadRepair: false, HTTPTimeout: 3 * time.Second,
	}, log)
	frontSrv := httptest.NewServer(front.NewServer(coord, log).Router())
	t.Cleanup(frontSrv.Close)

	return NewStore(frontSrv.URL, 3*time.Second, log)
}

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.ErrorLevel)
	return l.WithField("component", "dispatch_test")
}

func testParams() Params {
	return Params{
		BatteryPerKM:         2.0,
		SafetyMarginPct:      5.0,
		NearEpsKM:            0.2,
		MaxPickupKM:          20.0,
		ArriveEpsKM:          0.02,
		CriticalBattery:      30.0,
		FullAfter:            95.0,
		EarlyChargeThreshold: 5,
	}
}

func TestAssignOnePicksIdleFeasibleDroneAndTransitionsBoth(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	// A single zone whose charge point (0.2, 0.2) is the destination, so
	// the mission is ~15.7 km (origin -> destination) and needs ~36.5
	// battery: feasible at 100.
	zones := BuildZonesConfig(0, 0.4, 0, 0.4, 1, 1)

	origin := LatLon{Lat: 0.1, Lon: 0.1}
	destination := LatLon{Lat: 0.2, Lon: 0.2}

	require.NoError(t, store.PutJSON(ctx, "drones_index", DronesIndex{IDs: []string{"d1"}}))
	require.NoError(t, store.PutJSON(ctx, "drone:d1", Drone{
		ID: "d1", Type: ClassLight, Speed: 0.4, Status: DroneIdle, Battery: 100, Pos: origin,
	}))
	require.NoError(t, store.PutJSON(ctx, "deliveries_index", DeliveriesIndex{IDs: []string{"del1"}}))
	require.NoError(t, store.PutJSON(ctx, "delivery:del1", Delivery{
		ID: "del1", Origin: origin, Destination: destination, Weight: 1.0, Status: StatusPending,
	}))

	d := New(store, zones, testParams(), nil, testLog())
	d.AssignOne(ctx, "del1")

	var del Delivery
	_, found, err := store.GetJSON(ctx, "delivery:del1", &del)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StatusAssigned, del.Status)
	require.NotNil(t, del.DroneID)
	assert.Equal(t, "d1", *del.DroneID)
	require.NotNil(t, del.Leg)
	assert.Equal(t, LegToOrigin, *del.Leg)

	var dr Drone
	_, found, err = store.GetJSON(ctx, "drone:d1", &dr)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, DroneBusy, dr.Status)
	require.NotNil(t, dr.CurrentDelivery)
	assert.Equal(t, "del1", *dr.CurrentDelivery)
}

func TestAssignOneSkipsNonIdleDrone(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	zones := BuildZonesConfig(0, 1, 0, 1, 1, 1)
	origin := LatLon{Lat: 0.1, Lon: 0.1}
	destination := LatLon{Lat: 0.2, Lon: 0.2}

	require.NoError(t, store.PutJSON(ctx, "drones_index", DronesIndex{IDs: []string{"d1"}}))
	require.NoError(t, store.PutJSON(ctx, "drone:d1", Drone{
		ID: "d1", Type: ClassLight, Speed: 0.4, Status: DroneBusy, Battery: 100, Pos: origin,
		CurrentDelivery: strPtr("other"),
	}))
	require.NoError(t, store.PutJSON(ctx, "deliveries_index", DeliveriesIndex{IDs: []string{"del1"}}))
	require.NoError(t, store.PutJSON(ctx, "delivery:del1", Delivery{
		ID: "del1", Origin: origin, Destination: destination, Weight: 1.0, Status: StatusPending,
	}))

	d := New(store, zones, testParams(), nil, testLog())
	d.AssignOne(ctx, "del1")

	var del Delivery
	_, _, err := store.GetJSON(ctx, "delivery:del1", &del)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, del.Status, "no eligible drone means the delivery stays pending")
}

func TestAssignOneRejectsDroneBeyondMaxPickupKM(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	zones := BuildZonesConfig(0, 1, 0, 1, 1, 1)
	origin := LatLon{Lat: 0.1, Lon: 0.1}
	destination := LatLon{Lat: 0.2, Lon: 0.2}
	farAway := LatLon{Lat: 50, Lon: 50}

	require.NoError(t, store.PutJSON(ctx, "drones_index", DronesIndex{IDs: []string{"d1"}}))
	require.NoError(t, store.PutJSON(ctx, "drone:d1", Drone{
		ID: "d1", Type: ClassLight, Speed: 0.4, Status: DroneIdle, Battery: 100, Pos: farAway,
	}))
	require.NoError(t, store.PutJSON(ctx, "deliveries_index", DeliveriesIndex{IDs: []string{"del1"}}))
	require.NoError(t, store.PutJSON(ctx, "delivery:del1", Delivery{
		ID: "del1", Origin: origin, Destination: destination, Weight: 1.0, Status: StatusPending,
	}))

	params := testParams()
	d := New(store, zones, params, nil, testLog())
	d.AssignOne(ctx, "del1")

	var del Delivery
	_, _, err := store.GetJSON(ctx, "delivery:del1", &del)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, del.Status)
}

func TestAdvanceForDroneMarksDeliveredOnArrival(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	destination := LatLon{Lat: 0.2, Lon: 0.2}

	require.NoError(t, store.PutJSON(ctx, "delivery:del1", Delivery{
		ID: "del1", Origin: LatLon{Lat: 0.1, Lon: 0.1}, Destination: destination, Weight: 1,
		Status: StatusInFlight, DroneID: strPtr("d1"), Leg: strPtr(LegToDestination),
	}))
	require.NoError(t, store.PutJSON(ctx, "drone:d1", Drone{
		ID: "d1", Type: ClassLight, Status: DroneBusy, Pos: destination, CurrentDelivery: strPtr("del1"),
	}))

	d := New(store, ZonesConfig{}, testParams(), nil, testLog())
	d.AdvanceForDrone(ctx, "d1")

	var del Delivery
	_, _, err := store.GetJSON(ctx, "delivery:del1", &del)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, del.Status)
	assert.Nil(t, del.Leg)

	var dr Drone
	_, _, err = store.GetJSON(ctx, "drone:d1", &dr)
	require.NoError(t, err)
	assert.Equal(t, DroneIdle, dr.Status)
	assert.Nil(t, dr.CurrentDelivery)
}
