package dispatch

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/dronefleet/control/internal/metrics"
	"github.com/sirupsen/logrus"
)

// lockTTL is the fixed 20s TTL for both delivery and drone locks taken
// during assignment.
const lockTTL = 20 * time.Second

// feasible reports whether drone can complete pos -> origin ->
// destination -> nearest_charge_point(destination) on its remaining
// battery, plus the additive safety margin, and returns the great-circle
// distance from the drone to origin (used both for feasibility and
// ranking).
func feasible(zones ZonesConfig, p Params, d Drone, origin, destination LatLon) (ok bool, distToOrigin float64) {
	distToOrigin = Haversine(d.Pos, origin)
	leg2 := Haversine(origin, destination)
	chargePt := NearestChargePoint(zones, destination)
	leg3 := Haversine(destination, chargePt)
	totalKM := distToOrigin + leg2 + leg3
	required := totalKM*p.BatteryPerKM + p.SafetyMarginPct
	return d.Battery >= required, distToOrigin
}

type candidate struct {
	id         string
	drone      Drone
	raw        json.RawMessage
	distOrigin float64
	zoneRank   int
}

// pickDrone filters by status/class/battery/feasibility, records
// feasibility misses (and early-charge drones that miss too
// often) along the way, then rank and return the winning drone's ID.
func pickDrone(ctx context.Context, store *Store, zones ZonesConfig, p Params, origin, destination LatLon, weight float64, deliveryID string, log *logrus.Entry) (string, bool, error) {
	var idx DronesIndex
	if _, found, err := store.GetJSON(ctx, "drones_index", &idx); err != nil {
		return "", false, err
	} else if !found {
		return "", false, nil
	}

	class := weightClass(weight)
	originZone := PointZone(zones, origin)

	var candidates []candidate
	for _, id := range idx.IDs {
		var d Drone
		raw, found, err := store.GetJSON(ctx, droneKey(id), &d)
		if err != nil || !found {
			continue
		}
		if !d.idleAndFree() || d.Type != class {
			continue
		}
		if d.Battery <= p.CriticalBattery {
			nd := d
			nd.Status = DroneCharging
			if ok, _, err := store.CASJSON(ctx, droneKey(id), raw, nd); err != nil {
				log.WithError(err).WithField("drone_id", id).Warn("cas: low-battery to charging")
			} else if !ok {
				log.WithField("drone_id", id).Debug("cas lost: low-battery to charging")
			}
			continue
		}

		ok, distOrigin := feasible(zones, p, d, origin, destination)
		if !ok {
			nd := d.withFeasMiss(deliveryID)
			if nd.FeasMiss >= p.EarlyChargeThreshold {
				nd.Status = DroneCharging
				nd = nd.withFeasReset()
			}
			if casOK, _, err := store.CASJSON(ctx, droneKey(id), raw, nd); err != nil {
				log.WithError(err).WithField("drone_id", id).Warn("cas: feasibility miss")
			} else if !casOK {
				log.WithField("drone_id", id).Debug("cas lost: feasibility miss")
			}
			metrics.FeasibilityMisses.WithLabelValues(id).Inc()
			continue
		}

		if d.FeasMiss != 0 || len(d.FeasMissSet) != 0 {
			nd := d.withFeasReset()
			if casOK, cur, err := store.CASJSON(ctx, droneKey(id), raw, nd); err == nil && casOK {
				raw = cur
				if raw == nil {
					// backend omits `current` on success; re-marshal locally.
					if b, mErr := json.Marshal(nd); mErr == nil {
						raw = b
					}
				}
				d = nd
			}
		}

		droneZone := PointZone(zones, d.Pos)
		candidates = append(candidates, candidate{
			id: id, drone: d, raw: raw, distOrigin: distOrigin,
			zoneRank: zoneRank(zones, droneZone, originZone),
		})
	}

	if len(candidates) == 0 {
		return "", false, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		ba := int(a.distOrigin / p.NearEpsKM)
		bb := int(b.distOrigin / p.NearEpsKM)
		if ba != bb {
			return ba < bb
		}
		if a.zoneRank != b.zoneRank {
			return a.zoneRank < b.zoneRank
		}
		if a.drone.Battery != b.drone.Battery {
			return a.drone.Battery < b.drone.Battery
		}
		return a.drone.Speed > b.drone.Speed // -speed ascending == speed descending
	})

	winner := candidates[0]
	if winner.distOrigin > p.MaxPickupKM {
		return "", false, nil
	}
	return winner.id, true, nil
}

// AssignOne attempts to move deliveryID from pending to assigned,
// pairing it with an eligible drone. Never blocks beyond
// its own KV/lock I/O; any failure simply abandons the attempt for this
// round.
func (d *Dispatcher) AssignOne(ctx context.Context, deliveryID string) {
	log := d.log.WithField("delivery_id", deliveryID)
	dk := deliveryKey(deliveryID)

	ok, err := d.store.LockAcquire(ctx, dk, lockTTL)
	if err != nil || !ok {
		return
	}
	defer d.store.LockRelease(ctx, dk)

	var del Delivery
	delRaw, found, err := d.store.GetJSON(ctx, dk, &del)
	if err != nil || !found || del.Status != StatusPending {
		return
	}

	droneID, found, err := pickDrone(ctx, d.store, d.zones, d.params, del.Origin, del.Destination, del.Weight, deliveryID, d.log)
	if err != nil || !found {
		metrics.AssignResult.WithLabelValues("no_drone").Inc()
		return
	}

	droKey := droneKey(droneID)
	ok, err = d.store.LockAcquire(ctx, droKey, lockTTL)
	if err != nil || !ok {
		metrics.AssignResult.WithLabelValues("lock_failed").Inc()
		return
	}
	defer d.store.LockRelease(ctx, droKey)

	var dr Drone
	droRaw, found, err := d.store.GetJSON(ctx, droKey, &dr)
	if err != nil || !found {
		return
	}
	stillFeasible, _ := feasible(d.zones, d.params, dr, del.Origin, del.Destination)
	if !stillFeasible || !dr.idleAndFree() || dr.Type != weightClass(del.Weight) || dr.Battery <= d.params.CriticalBattery {
		nd := dr.withFeasMiss(deliveryID)
		if nd.FeasMiss >= d.params.EarlyChargeThreshold {
			nd.Status = DroneCharging
			nd = nd.withFeasReset()
		}
		_, _, _ = d.store.CASJSON(ctx, droKey, droRaw, nd)
		metrics.AssignResult.WithLabelValues("no_drone").Inc()
		return
	}

	casOK, _ := d.setDroneBusyIfIdle(ctx, droneID, deliveryID, droRaw, dr)
	if !casOK {
		metrics.AssignResult.WithLabelValues("cas_conflict").Inc()
		return
	}

	assignedDelivery := del
	assignedDelivery.Status = StatusAssigned
	assignedDelivery.DroneID = strPtr(droneID)
	assignedDelivery.Leg = strPtr(LegToOrigin)
	ok, _, err = d.store.CASJSON(ctx, dk, delRaw, assignedDelivery)
	if err != nil || !ok {
		// someone else claimed the delivery first: roll the drone back.
		d.setDroneIdleIfBusy(ctx, droneID, deliveryID)
		metrics.AssignResult.WithLabelValues("cas_conflict").Inc()
		log.Warn("delivery cas lost after drone claimed, rolled back")
		return
	}

	metrics.AssignResult.WithLabelValues("assigned").Inc()
	if d.bus != nil {
		if err := d.bus.PublishDeliveryAssigned(ctx, deliveryID, droneID); err != nil {
			log.WithError(err).Warn("publish delivery_assigned failed")
		}
	}
}
