// Command dispatcher runs the assignment/advancement/charging/autoscaling
// actor: a request consumer, a telemetry consumer, and a periodic
// scheduler, all driven off the replicated KV coordinator.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/dronefleet/control/dispatch"
	"github.com/dronefleet/control/internal/config"
	"github.com/dronefleet/control/internal/logctx"
	"github.com/dronefleet/control/internal/metrics"
	"github.com/sirupsen/logrus"
)

func main() {
	var metricsAddr string

	root := &cobra.Command{
		Use:   "dispatcher",
		Short: "assignment, advancement, charging and autoscaling actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Flags(), metricsAddr)
		},
	}
	root.Flags().StringVar(&metricsAddr, "metrics-addr", ":9100", "prometheus /metrics listen address")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(flags *pflag.FlagSet, metricsAddr string) error {
	log := logctx.New("dispatcher")

	cfg, err := config.Load(flags)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := dispatch.NewStore(cfg.KVFrontURL, cfg.KVHTTPTimeout, log)

	zones, found, err := waitForZones(ctx, store, log)
	if err != nil {
		return err
	}
	if !found {
		log.Warn("dispatcher exiting: context cancelled before zones_config appeared")
		return nil
	}

	params := dispatch.Params{
		AssignerTick:         time.Duration(cfg.AssignerTickMS) * time.Millisecond,
		PendingScanLimit:     cfg.PendingScanLimit,
		MaxAssignPerRound:    cfg.MaxAssignPerRound,
		BatteryPerKM:         cfg.BatteryPerKMDispatch,
		SafetyMarginPct:      cfg.SafetyMarginPct,
		NearEpsKM:            cfg.NearEpsKM,
		MaxPickupKM:          cfg.MaxPickupKM,
		ArriveEpsKM:          cfg.ArriveEpsKM,
		CriticalBattery:      cfg.CriticalBattery,
		FullAfter:            cfg.FullAfter,
		EarlyChargeThreshold: cfg.EarlyChargeThreshold,
		DronePoolMax:         cfg.DronePoolMax,
		BaseActive:           float64(cfg.BaseActive),
		ScaleRatio:           cfg.ScaleRatio,
	}

	bus, err := dialBusWithRetry(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer bus.Close()

	d := dispatch.New(store, zones, params, bus, log)

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()

	go func() {
		if err := d.RunRequestConsumer(ctx, bus); err != nil && ctx.Err() == nil {
			log.WithError(err).Error("delivery_requests consumer stopped")
		}
	}()
	go func() {
		if err := d.RunTelemetryConsumer(ctx, bus); err != nil && ctx.Err() == nil {
			log.WithError(err).Error("drone_updates consumer stopped")
		}
	}()

	log.Info("dispatcher running")
	d.RunScheduler(ctx)
	log.Info("dispatcher shut down")
	return nil
}

// waitForZones polls for the gateway-created zones_config document,
// since the dispatcher has no authority to create it itself.
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

func dialBusWithRetry(ctx context.Context, cfg *config.Config, log *logrus.Entry) (*dispatch.Bus, error) {
	backoff := 500 * time.Millisecond
	const maxBackoff = 5 * time.Second
	for {
		bus, err := dispatch.DialBus(cfg.RabbitURL, cfg.DeliveryReqQueue, cfg.DroneUpdatesQueue, cfg.DeliveryStatusQueue, log)
		if err == nil {
			return bus, nil
		}
		log.WithError(err).Warn("bus dial failed, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}
