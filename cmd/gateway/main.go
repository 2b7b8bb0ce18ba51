// Command gateway is the ingress HTTP surface: creates deliveries,
// publishes delivery_requests, and serves read-only views of
// deliveries/drones/zones.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/dronefleet/control/dispatch"
	"github.com/dronefleet/control/gateway"
	"github.com/dronefleet/control/internal/config"
	"github.com/dronefleet/control/internal/logctx"
)

func main() {
	var addr string
	root := &cobra.Command{
		Use:   "gateway",
		Short: "ingress HTTP surface (boundary-only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Flags(), addr)
		},
	}
	root.Flags().StringVar(&addr, "addr", ":8080", "HTTP listen address")
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(flags *pflag.FlagSet, addr string) error {
	log := logctx.New("gateway")

	cfg, err := config.Load(flags)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := dispatch.NewStore(cfg.KVFrontURL, cfg.KVHTTPTimeout, log)

	bus, err := dispatch.DialBus(cfg.RabbitURL, cfg.DeliveryReqQueue, cfg.DroneUpdatesQueue, cfg.DeliveryStatusQueue, log)
	if err != nil {
		log.WithError(err).Warn("bus dial failed, deliveries will be created without publishing")
		bus = nil
	} else {
		defer bus.Close()
	}

	rect := gateway.Rect{LatMin: cfg.RectLatMin, LatMax: cfg.RectLatMax, LonMin: cfg.RectLonMin, LonMax: cfg.RectLonMax}
	var pub gateway.Publisher
	if bus != nil {
		pub = bus
	}
	gw := gateway.New(store, pub, rect, cfg.GridRows, cfg.GridCols, log)

	srv := &http.Server{Addr: addr, Handler: gw.Router()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.WithField("addr", addr).Info("gateway listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	log.Info("gateway shut down")
	return nil
}
