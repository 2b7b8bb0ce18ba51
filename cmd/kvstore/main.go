// Command kvstore runs one local durable KV replica: buntdb-backed
// storage, an LRU read cache, a cuckoo-filter fast-reject, and the TTL
// lock table, exposed over the KV HTTP surface.
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

	"github.com/dronefleet/control/internal/config"
	"github.com/dronefleet/control/internal/logctx"
	"github.com/dronefleet/control/internal/metrics"
	"github.com/dronefleet/control/kv/backend"
)

func main() {
	var (
		addr    string
		dbPath  string
		maxItem int
		maxByte int
	)

	root := &cobra.Command{
		Use:   "kvstore",
		Short: "durable KV backend replica",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Flags(), addr, dbPath, maxItem, maxByte)
		},
	}
	flags := root.Flags()
	flags.StringVar(&addr, "addr", ":9000", "listen address")
	flags.StringVar(&dbPath, "db-path", "", "buntdb file path (empty = in-memory)")
	flags.IntVar(&maxItem, "lru-max-items", 0, "override LRU_MAX_ITEMS")
	flags.IntVar(&maxByte, "lru-max-bytes", 0, "override LRU_MAX_BYTES")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(flags *pflag.FlagSet, addr, dbPath string, maxItems, maxBytes int) error {
	log := logctx.New("kvstore")

	cfg, err := config.Load(flags)
	if err != nil {
		return err
	}
	if maxItems <= 0 {
		maxItems = cfg.LRUMaxItems
	}
	if maxBytes <= 0 {
		maxBytes = cfg.LRUMaxBytes
	}

	b, err := backend.Open(backend.Config{Path: dbPath, MaxItems: maxItems, MaxBytes: maxBytes})
	if err != nil {
		return err
	}
	defer b.Close()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	srv := backend.NewServer(b, log)
	mux := srv.Router()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	httpSrv := &http.Server{Addr: addr, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	log.WithField("addr", addr).Info("kvstore listening")
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
