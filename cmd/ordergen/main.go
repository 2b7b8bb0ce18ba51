// Command ordergen is a synthetic traffic generator: it periodically
// posts a randomized delivery to the ingress gateway.
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

	"github.com/dronefleet/control/internal/config"
	"github.com/dronefleet/control/internal/logctx"
	"github.com/dronefleet/control/ordergen"
)

func main() {
	var gatewayURL string
	var everyMS int
	root := &cobra.Command{
		Use:   "ordergen",
		Short: "synthetic delivery traffic generator (boundary-only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Flags(), gatewayURL, everyMS)
		},
	}
	root.Flags().StringVar(&gatewayURL, "gateway-url", "http://127.0.0.1:8080", "ingress gateway base URL")
	root.Flags().IntVar(&everyMS, "every-ms", 1000, "milliseconds between synthetic orders")
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(flags *pflag.FlagSet, gatewayURL string, everyMS int) error {
	log := logctx.New("ordergen")

	cfg, err := config.Load(flags)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rect := ordergen.Rect{LatMin: cfg.RectLatMin, LatMax: cfg.RectLatMax, LonMin: cfg.RectLonMin, LonMax: cfg.RectLonMax}
	gen := ordergen.New(gatewayURL, rect, time.Duration(everyMS)*time.Millisecond, log)

	log.WithField("gateway_url", gatewayURL).Info("ordergen running")
	gen.Run(ctx)
	log.Info("ordergen shut down")
	return nil
}
