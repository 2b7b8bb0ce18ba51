// Command dronesim runs one tick loop per drone in drones_index plus a
// single dedicated publisher task. Apart from creating the fleet's
// initial documents at bootstrap, it never writes status,
// current_delivery, type, or speed: those fields belong to the
// dispatcher.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/dronefleet/control/dispatch"
	"github.com/dronefleet/control/internal/config"
	"github.com/dronefleet/control/internal/logctx"
	"github.com/dronefleet/control/simulator"
	"github.com/sirupsen/logrus"
)

func main() {
	root := &cobra.Command{
		Use:   "dronesim",
		Short: "per-drone movement/battery tick loop and telemetry publisher",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Flags())
		},
	}
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(flags *pflag.FlagSet) error {
	log := logctx.New("dronesim")

	cfg, err := config.Load(flags)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := dispatch.NewStore(cfg.KVFrontURL, cfg.HTTPTimeout, log)

	zones, found, err := waitForZones(ctx, store, log)
	if err != nil {
		return err
	}
	if !found {
		log.Warn("dronesim exiting: context cancelled before zones_config appeared")
		return nil
	}

	ids, err := bootstrapFleet(ctx, store, zones, cfg.DronePoolMax, log)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		log.Warn("dronesim exiting: context cancelled before fleet bootstrap completed")
		return nil
	}

	queue := simulator.NewQueue(cfg.EventQueueMax)
	publisher := simulator.NewPublisher(cfg.RabbitURL, cfg.DroneUpdatesQueue, queue, log)
	go publisher.Run(ctx)

	params := simulator.Params{
		BatteryPerKM:  cfg.BatteryPerKMSim,
		ChargePerTick: cfg.ChargePerTick,
		TickEvery:     time.Duration(cfg.DroneTickSec * float64(time.Second)),
	}

	for _, id := range ids {
		loop := simulator.NewLoop(id, store, zones, params, queue, log)
		go loop.Run(ctx)
	}

	log.WithField("drones", len(ids)).Info("dronesim running")
	<-ctx.Done()
	log.Info("dronesim shut down")
	return nil
}

// waitForZones mirrors the dispatcher's own bootstrap wait: the gateway
// owns zones_config creation, so every other daemon just polls for it.
func waitForZones(ctx context.Context, store *dispatch.Store, log *logrus.Entry) (dispatch.ZonesConfig, bool, error) {
	t := time.NewTicker(1 * time.Second)
	defer t.Stop()
	for {
		zones, found, err := dispatch.LoadZones(ctx, store)
		if err != nil {
			return dispatch.ZonesConfig{}, false, err
		}
		if found {
			return zones, true, nil
		}
		select {
		case <-ctx.Done():
			return dispatch.ZonesConfig{}, false, nil
		case <-t.C:
		}
	}
}

// bootstrapFleet retries simulator.BootstrapFleet until the KV is
// reachable; transient coordinator errors at startup are expected while
// the rest of the stack comes up.
func bootstrapFleet(ctx context.Context, store *dispatch.Store, zones dispatch.ZonesConfig, poolMax int, log *logrus.Entry) ([]string, error) {
	t := time.NewTicker(1 * time.Second)
	defer t.Stop()
	for {
		ids, err := simulator.BootstrapFleet(ctx, store, zones, poolMax, log)
		if err == nil {
			return ids, nil
		}
		log.WithError(err).Warn("fleet bootstrap failed, retrying")
		select {
		case <-ctx.Done():
			return nil, nil
		case <-t.C:
		}
	}
}
