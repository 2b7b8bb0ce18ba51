// Package simulator implements the per-drone tick loop and its
// decoupled telemetry publisher: movement and battery telemetry only,
// written back with a CAS merge so the drone's
// control-plane-owned fields (status, current_delivery, type, speed)
// are never clobbered.
package simulator

import (
	"context"
	"time"

	"github.com/dronefleet/control/dispatch"
	"github.com/sirupsen/logrus"
)

// chargeEpsDeg is the "already close enough" tolerance (in degrees, on
// both lat and lon) used to decide a drone has reached a charge point.
// 1e-4 deg is ~11m at the equator, well inside a single tick's movement
// at any configured speed.
const chargeEpsDeg = 1e-4

const mergeWriteRetries = 10

// Params are the simulator's tick tunables.
type Params struct {
	BatteryPerKM  float64
	ChargePerTick float64
	TickEvery     time.Duration
}

// nowSeconds is overridden in tests.
var nowSeconds = func() float64 { return float64(time.Now().UnixNano()) / 1e9 }

// Loop runs one drone's tick loop and feeds its publisher queue.
type Loop struct {
	id     string
	store  *dispatch.Store
	zones  dispatch.ZonesConfig
	params Params
	queue  *Queue
	log    *logrus.Entry
}

func NewLoop(id string, store *dispatch.Store, zones dispatch.ZonesConfig, params Params, queue *Queue, log *logrus.Entry) *Loop {
	return &Loop{id: id, store: store, zones: zones, params: params, queue: queue, log: log.WithField("drone_id", id)}
}

// Run ticks every params.TickEvery until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	every := l.params.TickEvery
	if every <= 0 {
		every = 50 * time.Millisecond
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.tick(ctx)
		}
	}
}

func (l *Loop) tick(ctx context.Context) {
	droKey := "drone:" + l.id
	var dr dispatch.Drone
	_, found, err := l.store.GetJSON(ctx, droKey, &dr)
	if err != nil || !found {
		return
	}
	if dr.FreezeUntil > nowSeconds() {
		return
	}

	newPos, newBattery, newAtCharge, moved := l.computeTelemetry(ctx, dr)
	if !moved {
		l.enqueueTelemetry(dr)
		return
	}

	final, ok := l.mergeWrite(ctx, droKey, newPos, newBattery, newAtCharge)
	if !ok {
		return
	}
	l.enqueueTelemetry(final)
}

// computeTelemetry computes the next position/battery/at_charge state
// only, branching on the drone's current status.
func (l *Loop) computeTelemetry(ctx context.Context, dr dispatch.Drone) (pos dispatch.LatLon, battery float64, atCharge bool, moved bool) {
	switch {
	case dr.Status == dispatch.DroneBusy && dr.CurrentDelivery != nil:
		var del dispatch.Delivery
		if _, found, err := l.store.GetJSON(ctx, "delivery:"+*dr.CurrentDelivery, &del); err != nil || !found {
			return dr.Pos, dr.Battery, dr.AtCharge, false
		}
		target := del.Destination
		if del.Leg != nil && *del.Leg == dispatch.LegToOrigin {
			target = del.Origin
		}
		newPos := interpolate(dr.Pos, target, dr.Speed)
		drain := dispatch.Haversine(dr.Pos, newPos) * l.params.BatteryPerKM
		newBattery := clamp(dr.Battery-drain, 0, 100)
		return newPos, newBattery, dr.AtCharge, true

	case dr.Status == dispatch.DroneCharging || dr.Status == dispatch.DroneRetiring:
		chargePt := dispatch.NearestChargePoint(l.zones, dr.Pos)
		if closeEnough(dr.Pos, chargePt) {
			return dr.Pos, clamp(dr.Battery+l.params.ChargePerTick, 0, 100), true, true
		}
		newPos := interpolate(dr.Pos, chargePt, dr.Speed)
		drain := dispatch.Haversine(dr.Pos, newPos) * l.params.BatteryPerKM
		return newPos, clamp(dr.Battery-drain, 0, 100), false, true

	default:
		return dr.Pos, dr.Battery, dr.AtCharge, false
	}
}

// mergeWrite does a CAS merge-write, up to 10 retries, overwriting only
// pos/battery/at_charge on the freshest full document.
func (l *Loop) mergeWrite(ctx context.Context, key string, pos dispatch.LatLon, battery float64, atCharge bool) (dispatch.Drone, bool) {
	for attempt := 0; attempt < mergeWriteRetries; attempt++ {
		var cur dispatch.Drone
		raw, found, err := l.store.GetJSON(ctx, key, &cur)
		if err != nil || !found {
			return dispatch.Drone{}, false
		}
		next := cur
		next.Pos = pos
		next.Battery = battery
		next.AtCharge = atCharge
		ok, _, err := l.store.CASJSON(ctx, key, raw, next)
		if err != nil {
			return dispatch.Drone{}, false
		}
		if ok {
			return next, true
		}
	}
	return dispatch.Drone{}, false
}

func (l *Loop) enqueueTelemetry(dr dispatch.Drone) {
	upd := dispatch.DroneUpdate{
		Type: "drone_update", DroneID: l.id, Pos: dr.Pos, Battery: dr.Battery,
		Status: dr.Status, CurrentDelivery: dr.CurrentDelivery, AtCharge: dr.AtCharge,
	}
	l.queue.Push(upd)
}

func interpolate(pos, target dispatch.LatLon, speed float64) dispatch.LatLon {
	return dispatch.LatLon{
		Lat: pos.Lat + speed*(target.Lat-pos.Lat),
		Lon: pos.Lon + speed*(target.Lon-pos.Lon),
	}
}

func closeEnough(a, b dispatch.LatLon) bool {
	return absf(a.Lat-b.Lat) < chargeEpsDeg && absf(a.Lon-b.Lon) < chargeEpsDeg
}

func absf(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

