package dispatch

import (
	"context"
)

// AdvanceForDrone is the per-drone entry point, triggered by a
// telemetry event: advance the single delivery bound to droneID, if
// any.
func (d *Dispatcher) AdvanceForDrone(ctx context.Context, droneID string) {
	var dr Drone
	_, found, err := d.store.GetJSON(ctx, droneKey(droneID), &dr)
	if err != nil || !found || dr.CurrentDelivery == nil {
		return
	}
	d.advanceOne(ctx, *dr.CurrentDelivery)
}

// AdvanceDeliveries is the batch entry point, called every scheduler
// tick: sweep deliveries_index up to PendingScanLimit and advance each
// one's state machine.
func (d *Dispatcher) AdvanceDeliveries(ctx context.Context) {
	var idx DeliveriesIndex
	if _, found, err := d.store.GetJSON(ctx, "deliveries_index", &idx); err != nil || !found {
		return
	}
	ids := idx.IDs
	if d.params.PendingScanLimit > 0 && len(ids) > d.params.PendingScanLimit {
		ids = ids[len(ids)-d.params.PendingScanLimit:]
	}
	for _, id := range ids {
		d.advanceOne(ctx, id)
	}
}

// advanceOne applies the transition logic common to both entry points:
// assigned -> in_flight on first telemetry, leg to_origin -> to_destination
// on arrival at the origin, and to_destination -> delivered on arrival
// at the destination (which also normalizes the drone back to idle and
// publishes delivery_completed).
func (d *Dispatcher) advanceOne(ctx context.Context, deliveryID string) {
	dk := deliveryKey(deliveryID)
	var del Delivery
	raw, found, err := d.store.GetJSON(ctx, dk, &del)
	if err != nil || !found || del.DroneID == nil {
		return
	}
	if del.Status == StatusDelivered {
		return
	}

	var dr Drone
	if _, found, err := d.store.GetJSON(ctx, droneKey(*del.DroneID), &dr); err != nil || !found {
		return
	}

	if del.Status == StatusAssigned {
		nd := del
		nd.Status = StatusInFlight
		if ok, _, err := d.store.CASJSON(ctx, dk, raw, nd); err == nil && ok {
			del = nd
			raw = nil
			if b, mErr := marshalJSON(nd); mErr == nil {
				raw = b
			}
		} else {
			return
		}
	}

	if legEquals(del.Leg, LegToOrigin) && Haversine(dr.Pos, del.Origin) <= d.params.ArriveEpsKM {
		nd := del
		nd.Leg = strPtr(LegToDestination)
		if ok, _, err := d.store.CASJSON(ctx, dk, raw, nd); err == nil && ok {
			del = nd
			if b, mErr := marshalJSON(nd); mErr == nil {
				raw = b
			}
		} else {
			return
		}
	}

	if legEquals(del.Leg, LegToDestination) && Haversine(dr.Pos, del.Destination) <= d.params.ArriveEpsKM {
		nd := del
		nd.Status = StatusDelivered
		nd.Leg = nil
		ok, _, err := d.store.CASJSON(ctx, dk, raw, nd)
		if err != nil || !ok {
			return
		}
		d.setDroneIdleIfBusy(ctx, *del.DroneID, deliveryID)
		if d.bus != nil {
			if pErr := d.bus.PublishDeliveryCompleted(ctx, deliveryID, *del.DroneID); pErr != nil {
				d.log.WithError(pErr).Warn("publish delivery_completed failed")
			}
		}
	}
}
