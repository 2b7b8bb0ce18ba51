package dispatch

import (
	"context"
	"encoding/json"
	"time"
)

const (
	chargeRetryAttempts = 5
	chargeRetryBackoff  = 10 * time.Millisecond
)

// GovernCharging sweeps every drone each tick and applies the
// charging/retiring transitions that depend only on its own battery and
// at_charge fields (as opposed to assignment, which needs a delivery).
func (d *Dispatcher) GovernCharging(ctx context.Context) {
	var idx DronesIndex
	if _, found, err := d.store.GetJSON(ctx, "drones_index", &idx); err != nil || !found {
		return
	}
	for _, id := range idx.IDs {
		d.governOne(ctx, id)
	}
}

func (d *Dispatcher) governOne(ctx context.Context, droneID string) {
	droKey := droneKey(droneID)
	var dr Drone
	raw, found, err := d.store.GetJSON(ctx, droKey, &dr)
	if err != nil || !found {
		return
	}

	switch {
	case dr.Status == DroneCharging && dr.AtCharge && dr.Battery >= d.params.FullAfter:
		casDroneStatus(ctx, d.store, droKey, raw, dr, DroneIdle, chargeRetryAttempts, chargeRetryBackoff)
	case dr.Status == DroneRetiring && dr.AtCharge && dr.Battery >= d.params.FullAfter:
		casDroneStatus(ctx, d.store, droKey, raw, dr, DroneInactive, chargeRetryAttempts, chargeRetryBackoff)
	case dr.Status == DroneIdle && dr.Battery <= d.params.CriticalBattery:
		casDroneStatus(ctx, d.store, droKey, raw, dr, DroneCharging, chargeRetryAttempts, chargeRetryBackoff)
	}
}

// casDroneStatus retries a pure status transition against telemetry
// writes landing concurrently, re-applying the same transition on top
// of each fresher read.
func casDroneStatus(ctx context.Context, store *Store, key string, raw json.RawMessage, dr Drone, newStatus string, attempts int, backoff time.Duration) {
	cur, curRaw := dr, raw
	for attempt := 0; attempt < attempts; attempt++ {
		next := cur
		next.Status = newStatus
		ok, fresh, err := store.CASJSON(ctx, key, curRaw, next)
		if err != nil {
			return
		}
		if ok {
			return
		}
		var reRead Drone
		if err := json.Unmarshal(fresh, &reRead); err != nil {
			return
		}
		if reRead.Status != dr.Status {
			// The precondition is gone (e.g. assignment made the drone
			// busy); this transition no longer applies.
			return
		}
		cur, curRaw = reRead, fresh
		time.Sleep(backoff)
	}
}
