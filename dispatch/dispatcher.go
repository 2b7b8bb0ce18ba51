package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/dronefleet/control/internal/metrics"
	"github.com/sirupsen/logrus"
)

// Params collects the tunables the dispatcher's algorithms need,
// decoupled from internal/config so this package stays independently
// testable.
type Params struct {
	AssignerTick         time.Duration
	PendingScanLimit     int
	MaxAssignPerRound    int
	BatteryPerKM         float64
	SafetyMarginPct      float64
	NearEpsKM            float64
	MaxPickupKM          float64
	ArriveEpsKM          float64
	CriticalBattery      float64
	FullAfter            float64
	EarlyChargeThreshold int
	DronePoolMax         int
	BaseActive           float64
	ScaleRatio           float64
}

// Dispatcher is the single logical actor that owns no authoritative
// state of its own, only a view of the KV coordinator and the three
// concurrent loops defined below.
type Dispatcher struct {
	store  *Store
	zones  ZonesConfig
	params Params
	bus    Publisher
	log    *logrus.Entry

	// schedulerMu serializes autoscaling decisions against each other
	// only; it is a cooperative barrier, not a correctness requirement,
	// since every state change still goes through CAS.
	schedulerMu sync.Mutex
}

func New(store *Store, zones ZonesConfig, params Params, bus Publisher, log *logrus.Entry) *Dispatcher {
	return &Dispatcher{store: store, zones: zones, params: params, bus: bus, log: log}
}

// LoadZones reads the `zones_config` document the gateway created at
// bootstrap. The dispatcher treats it as immutable once present.
func LoadZones(ctx context.Context, store *Store) (ZonesConfig, bool, error) {
	var cfg ZonesConfig
	_, found, err := store.GetJSON(ctx, "zones_config", &cfg)
	return cfg, found, err
}

// RunScheduler runs the periodic scheduler activity: autoscale, govern
// charging/retiring, advance all active deliveries, reconcile
// stuck-busy drones, and run an assignment round over the oldest
// pending deliveries. Runs until ctx is cancelled.
func (d *Dispatcher) RunScheduler(ctx context.Context) {
	tick := d.params.AssignerTick
	if tick <= 0 {
		tick = 200 * time.Millisecond
	}
	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			d.runOneTick(ctx)
		}
	}
}

func (d *Dispatcher) runOneTick(ctx context.Context) {
	start := time.Now()
	defer func() { metrics.TickDuration.Observe(time.Since(start).Seconds()) }()

	func() {
		defer d.recoverTick("autoscale")
		d.Autoscale(ctx)
	}()
	func() {
		defer d.recoverTick("govern_charging")
		d.GovernCharging(ctx)
	}()
	func() {
		defer d.recoverTick("advance_deliveries")
		d.AdvanceDeliveries(ctx)
	}()
	func() {
		defer d.recoverTick("reconcile_stuck_busy")
		d.ReconcileStuckBusy(ctx)
	}()
	func() {
		defer d.recoverTick("assignment_round")
		d.runAssignmentRound(ctx)
	}()
}

// runAssignmentRound scans up to PendingScanLimit of the oldest pending
// deliveries and attempts AssignOne on up to MaxAssignPerRound of them,
// bounding the work done per scheduler tick.
func (d *Dispatcher) runAssignmentRound(ctx context.Context) {
	var idx DeliveriesIndex
	if _, found, err := d.store.GetJSON(ctx, "deliveries_index", &idx); err != nil || !found {
		return
	}
	scanned := 0
	assigned := 0
	for _, id := range idx.IDs {
		if d.params.PendingScanLimit > 0 && scanned >= d.params.PendingScanLimit {
			return
		}
		if d.params.MaxAssignPerRound > 0 && assigned >= d.params.MaxAssignPerRound {
			return
		}
		var del Delivery
		if _, found, err := d.store.GetJSON(ctx, deliveryKey(id), &del); err != nil || !found || del.Status != StatusPending {
			continue
		}
		scanned++
		d.AssignOne(ctx, id)
		assigned++
	}
}

// RunRequestConsumer runs the request-consumer activity: one
// assign_one attempt per delivery_requests message.
func (d *Dispatcher) RunRequestConsumer(ctx context.Context, bus *Bus) error {
	return bus.ConsumeDeliveryRequests(ctx, func(c context.Context, deliveryID string) {
		d.AssignOne(c, deliveryID)
	})
}

// RunTelemetryConsumer runs the telemetry-consumer activity: advance
// the single delivery bound to the reporting drone.
func (d *Dispatcher) RunTelemetryConsumer(ctx context.Context, bus *Bus) error {
	return bus.ConsumeDroneUpdates(ctx, func(c context.Context, upd DroneUpdate) {
		d.AdvanceForDrone(c, upd.DroneID)
	})
}

func (d *Dispatcher) recoverTick(stage string) {
	if r := recover(); r != nil {
		d.log.WithField("stage", stage).WithField("panic", r).Error("scheduler stage panicked; continuing")
	}
}
