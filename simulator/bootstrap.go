package simulator

import (
	"context"
	"fmt"

	"github.com/dronefleet/control/dispatch"
	"github.com/sirupsen/logrus"
)

// typePattern fixes the per-class fraction-per-tick speed assigned at
// fleet bootstrap, cycled in order so the pool splits roughly evenly
// across classes.
var typePattern = []struct {
	class string
	speed float64
}{
	{dispatch.ClassLight, 0.40},
	{dispatch.ClassMedium, 0.25},
	{dispatch.ClassHeavy, 0.15},
}

// BootstrapFleet creates the drone pool if no fleet exists yet:
// poolMax drone documents (inactive, full battery, parked at a zone
// charge point) plus the drones_index naming them. A CAS on
// drones_index guards against a concurrent bootstrapper; since drone
// IDs and initial documents are deterministic, the loser's writes are
// harmless overwrites of identical state. Returns the fleet's IDs
// whether this process created them or found them already present.
func BootstrapFleet(ctx context.Context, store *dispatch.Store, zones dispatch.ZonesConfig, poolMax int, log *logrus.Entry) ([]string, error) {
	var idx dispatch.DronesIndex
	_, found, err := store.GetJSON(ctx, "drones_index", &idx)
	if err != nil {
		return nil, err
	}
	if found && len(idx.IDs) > 0 {
		return idx.IDs, nil
	}

	if poolMax <= 0 {
		poolMax = 20
	}
	ids := make([]string, 0, poolMax)
	for i := 0; i < poolMax; i++ {
		pat := typePattern[i%len(typePattern)]
		id := fmt.Sprintf("drone-%d", i+1)
		ids = append(ids, id)

		pos := dispatch.LatLon{}
		if len(zones.Zones) > 0 {
			pos = zones.Zones[i%len(zones.Zones)].Charge
		}
		dr := dispatch.Drone{
			ID:       id,
			Type:     pat.class,
			Speed:    pat.speed,
			Status:   dispatch.DroneInactive,
			Battery:  100,
			Pos:      pos,
			AtCharge: true,
		}
		if err := store.PutJSON(ctx, "drone:"+id, dr); err != nil {
			return nil, err
		}
	}

	ok, _, err := store.CASJSON(ctx, "drones_index", nil, dispatch.DronesIndex{IDs: ids})
	if err != nil {
		return nil, err
	}
	if !ok {
		// Another process won the bootstrap; adopt its fleet.
		if _, _, err := store.GetJSON(ctx, "drones_index", &idx); err != nil {
			return nil, err
		}
		return idx.IDs, nil
	}
	log.WithField("drones", len(ids)).Info("fleet bootstrapped")
	return ids, nil
}
