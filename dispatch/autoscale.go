package dispatch

import (
	"context"
	"math"

	"github.com/dronefleet/control/internal/metrics"
)

var classes = []string{ClassLight, ClassMedium, ClassHeavy}

// classSpeedDefault is the fraction-per-tick speed assigned to a drone
// the moment the autoscaler activates it, if the document carries none.
var classSpeedDefault = map[string]float64{
	ClassLight:  0.40,
	ClassMedium: 0.25,
	ClassHeavy:  0.15,
}

// Autoscale sizes the active fleet against the pending backlog. It
// runs under the scheduler mutex to exclude concurrent autoscaling
// decisions against each other; assignment is unaffected, since every
// state change still goes through CAS.
func (d *Dispatcher) Autoscale(ctx context.Context) {
	d.schedulerMu.Lock()
	defer d.schedulerMu.Unlock()

	var idx DronesIndex
	if _, found, err := d.store.GetJSON(ctx, "drones_index", &idx); err != nil || !found {
		return
	}

	backlog := map[string]int{}
	population := map[string]map[string][]string{ // class -> status -> drone IDs
		ClassLight:  {},
		ClassMedium: {},
		ClassHeavy:  {},
	}
	for _, c := range classes {
		population[c] = map[string][]string{}
	}

	var dIdx DeliveriesIndex
	if _, found, _ := d.store.GetJSON(ctx, "deliveries_index", &dIdx); found {
		for _, id := range dIdx.IDs {
			var del Delivery
			if _, found, err := d.store.GetJSON(ctx, deliveryKey(id), &del); err == nil && found && del.Status == StatusPending {
				backlog[weightClass(del.Weight)]++
			}
		}
	}

	drones := map[string]Drone{}
	for _, id := range idx.IDs {
		var dr Drone
		if _, found, err := d.store.GetJSON(ctx, droneKey(id), &dr); err == nil && found {
			drones[id] = dr
			population[dr.Type][dr.Status] = append(population[dr.Type][dr.Status], id)
			metrics.FleetSize.WithLabelValues(dr.Type, dr.Status).Set(float64(len(population[dr.Type][dr.Status])))
		}
	}

	targets := targetsByClass(backlog, d.params.BaseActive, d.params.ScaleRatio, d.params.DronePoolMax)

	for _, class := range classes {
		active := len(population[class][DroneIdle]) + len(population[class][DroneBusy]) + len(population[class][DroneCharging])
		target := targets[class]
		switch {
		case active < target:
			d.activateClass(ctx, class, target-active, population[class][DroneInactive])
		case active > target:
			safePool := append(append([]string(nil), population[class][DroneCharging]...), population[class][DroneIdle]...)
			d.retireClass(ctx, class, active-target, safePool, drones)
		}
	}
}

// targetsByClass computes the target-sizing rule: total target is
// clamp(ceil(backlog*SCALE_RATIO), BASE_ACTIVE, DRONE_POOL_MAX); when
// backlog is zero, BASE_ACTIVE is split evenly with remainder biased
// light, medium, heavy; otherwise the total is split proportionally to
// each class's backlog share, rounded.
func targetsByClass(backlog map[string]int, baseActive, scaleRatio float64, dronePoolMax int) map[string]int {
	total := 0
	for _, c := range classes {
		total += backlog[c]
	}

	targetTotal := int(math.Ceil(float64(total) * scaleRatio))
	if targetTotal < int(baseActive) {
		targetTotal = int(baseActive)
	}
	if targetTotal > dronePoolMax {
		targetTotal = dronePoolMax
	}

	out := map[string]int{}
	if total == 0 {
		base := targetTotal / 3
		rem := targetTotal % 3
		for i, c := range classes {
			out[c] = base
			if i < rem {
				out[c]++
			}
		}
		return out
	}

	assigned := 0
	for _, c := range classes {
		share := int(math.Round(float64(targetTotal) * float64(backlog[c]) / float64(total)))
		out[c] = share
		assigned += share
	}
	// rounding can over/under-shoot the total by a unit or two; nudge the
	// largest-backlog class to absorb the remainder.
	diff := targetTotal - assigned
	if diff != 0 {
		biggest := classes[0]
		for _, c := range classes {
			if backlog[c] > backlog[biggest] {
				biggest = c
			}
		}
		out[biggest] += diff
		if out[biggest] < 0 {
			out[biggest] = 0
		}
	}
	return out
}

func (d *Dispatcher) activateClass(ctx context.Context, class string, n int, inactiveIDs []string) {
	for i := 0; i < n && i < len(inactiveIDs); i++ {
		id := inactiveIDs[i]
		droKey := droneKey(id)
		var dr Drone
		raw, found, err := d.store.GetJSON(ctx, droKey, &dr)
		if err != nil || !found || dr.Status != DroneInactive {
			continue
		}
		next := dr
		next.Status = DroneIdle
		if next.Speed <= 0 {
			next.Speed = classSpeedDefault[class]
		}
		if ok, _, err := d.store.CASJSON(ctx, droKey, raw, next); err != nil {
			d.log.WithError(err).WithField("drone_id", id).Warn("autoscale: activate failed")
		} else if !ok {
			d.log.WithField("drone_id", id).Debug("autoscale: activate cas lost")
		}
	}
}

// retireClass implements "safe pool" retirement: only drones with no
// current_delivery that aren't busy are eligible, so the autoscaler
// never retires a busy drone.
func (d *Dispatcher) retireClass(ctx context.Context, class string, n int, safePool []string, drones map[string]Drone) {
	retired := 0
	for _, id := range safePool {
		if retired >= n {
			break
		}
		dr, ok := drones[id]
		if !ok || dr.Status == DroneBusy || dr.CurrentDelivery != nil {
			continue
		}
		droKey := droneKey(id)
		// re-read to avoid retiring on a stale snapshot.
		var fresh Drone
		raw, found, err := d.store.GetJSON(ctx, droKey, &fresh)
		if err != nil || !found || fresh.Status == DroneBusy || fresh.CurrentDelivery != nil {
			continue
		}
		next := fresh
		next.Status = DroneRetiring
		if ok, _, err := d.store.CASJSON(ctx, droKey, raw, next); err != nil {
			d.log.WithError(err).WithField("drone_id", id).Warn("autoscale: retire failed")
		} else if ok {
			retired++
		}
	}
}
