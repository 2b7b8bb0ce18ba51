package dispatch

import (
	"context"
	"encoding/json"
	"time"
)

const (
	busyRetryAttempts = 15
	busyRetryBackoff  = 10 * time.Millisecond
	idleRetryAttempts = 40
	idleRetryBackoff  = 25 * time.Millisecond
)

// setDroneBusyIfIdle CASes droneID from idle to busy on deliveryID,
// preserving every telemetry field, retrying while a
// concurrent telemetry write changes pos/battery/at_charge underneath
// it. Returns the drone document actually written, or ok=false if the
// drone was no longer idle-and-free by the time the loop gave up.
func (d *Dispatcher) setDroneBusyIfIdle(ctx context.Context, droneID, deliveryID string, raw json.RawMessage, dr Drone) (ok bool, written Drone) {
	droKey := droneKey(droneID)
	cur := dr
	curRaw := raw
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		if !cur.idleAndFree() {
			return false, cur
		}
		next := cur
		next.Status = DroneBusy
		next.CurrentDelivery = strPtr(deliveryID)
		okCAS, curFromCAS, err := d.store.CASJSON(ctx, droKey, curRaw, next)
		if err != nil {
			return false, cur
		}
		if okCAS {
			return true, next
		}
		var fresh Drone
		if err := json.Unmarshal(curFromCAS, &fresh); err != nil {
			return false, cur
		}
		cur, curRaw = fresh, curFromCAS
		time.Sleep(busyRetryBackoff)
	}
	return false, cur
}

// setDroneIdleIfBusy CASes droneID from busy back to idle, but only
// while it's still busy on expectedDelivery — succeeds
// trivially (without writing) if the drone has already moved off that
// delivery by some other path.
func (d *Dispatcher) setDroneIdleIfBusy(ctx context.Context, droneID, expectedDelivery string) {
	droKey := droneKey(droneID)
	for attempt := 0; attempt < idleRetryAttempts; attempt++ {
		var dr Drone
		raw, found, err := d.store.GetJSON(ctx, droKey, &dr)
		if err != nil || !found {
			return
		}
		if dr.Status != DroneBusy || dr.CurrentDelivery == nil || *dr.CurrentDelivery != expectedDelivery {
			return
		}
		next := dr
		next.Status = DroneIdle
		next.CurrentDelivery = nil
		ok, _, err := d.store.CASJSON(ctx, droKey, raw, next)
		if err != nil {
			return
		}
		if ok {
			return
		}
		time.Sleep(idleRetryBackoff)
	}
}

// ReconcileStuckBusy sweeps for any drone still busy on a delivery that
// has already reached delivered and forces it idle. Runs
// every scheduler tick.
func (d *Dispatcher) ReconcileStuckBusy(ctx context.Context) {
	var idx DronesIndex
	if _, found, err := d.store.GetJSON(ctx, "drones_index", &idx); err != nil || !found {
		return
	}
	for _, id := range idx.IDs {
		var dr Drone
		_, found, err := d.store.GetJSON(ctx, droneKey(id), &dr)
		if err != nil || !found || dr.Status != DroneBusy || dr.CurrentDelivery == nil {
			continue
		}
		var del Delivery
		_, found, err = d.store.GetJSON(ctx, deliveryKey(*dr.CurrentDelivery), &del)
		if err != nil || !found {
			continue
		}
		if del.Status == StatusDelivered {
			d.setDroneIdleIfBusy(ctx, id, *dr.CurrentDelivery)
		}
	}
}
