// Command lb is a DNS-refreshed round-robin reverse proxy with a
// single global token bucket.
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

	"github.com/dronefleet/control/internal/config"
	"github.com/dronefleet/control/internal/logctx"
	"github.com/dronefleet/control/lb"
)

func main() {
	var addr string
	root := &cobra.Command{
		Use:   "lb",
		Short: "DNS round-robin reverse proxy with token-bucket rate limiting (boundary-only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Flags(), addr)
		},
	}
	root.Flags().StringVar(&addr, "addr", ":8081", "HTTP listen address")
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(flags *pflag.FlagSet, addr string) error {
	log := logctx.New("lb")

	cfg, err := config.Load(flags)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := lb.NewPool(cfg.LBTargetURL, time.Duration(cfg.LBResolveTTLSec*float64(time.Second)), log)
	if err != nil {
		return err
	}
	go pool.Run(ctx)

	proxy := lb.NewProxy(pool, "http", cfg.LBRateLimit, cfg.LBBurst, log)

	srv := &http.Server{Addr: addr, Handler: proxy}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.WithField("addr", addr).Info("lb listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	log.Info("lb shut down")
	return nil
}
