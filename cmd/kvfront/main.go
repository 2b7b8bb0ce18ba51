// Command kvfront runs the replication coordinator: consistent-hash
// replica placement, LWW conflict resolution, hinted handoff,
// read-repair, and primary-anchored CAS, over the KV HTTP surface. It
// also drives the background hint flusher and, when SNAPSHOT_BUCKET is
// set, the periodic full-keyspace export.
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
	"github.com/dronefleet/control/kv/front"
)

func main() {
	var addr string

	root := &cobra.Command{
		Use:   "kvfront",
		Short: "replication coordinator for the KV store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Flags(), addr)
		},
	}
	flags := root.Flags()
	flags.StringVar(&addr, "addr", ":8000", "listen address")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(flags *pflag.FlagSet, addr string) error {
	log := logctx.New("kvfront")

	cfg, err := config.Load(flags)
	if err != nil {
		return err
	}

	coord := front.New(front.Config{
		Backends:     cfg.Backends,
		RF:           cfg.RF,
		ReadRepair:   cfg.ReadRepair,
		HintFlushSec: cfg.HintFlushSec,
		HTTPTimeout:  cfg.KVHTTPTimeout,
	}, log)

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	srv := front.NewServer(coord, log)
	mux := srv.Router()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	httpSrv := &http.Server{Addr: addr, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	flushEvery := time.Duration(cfg.HintFlushSec) * time.Second
	if flushEvery <= 0 {
		flushEvery = 2 * time.Second
	}
	go func() {
		t := time.NewTicker(flushEvery)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				coord.FlushHints(ctx)
			}
		}
	}()

	if cfg.SnapshotBucket != "" {
		exporter := dispatch.NewSnapshotExporter(coord, cfg.SnapshotBucket, log)
		go exporter.Run(ctx, cfg.SnapshotEvery)
	} else {
		log.Info("snapshot export disabled: SNAPSHOT_BUCKET unset")
	}

	go func() {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	log.WithField("addr", addr).Info("kvfront listening")
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
