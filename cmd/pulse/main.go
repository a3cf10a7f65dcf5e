// Command pulse replays JSON-lines events from stdin through an SDK client and
// serves /metrics and /healthz while it runs.
//
//	pulse -config pulse.yaml -addr :9464 < events.jsonl
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"pulse/internal/platform/config"
	"pulse/internal/platform/httpserver"
	"pulse/internal/platform/logger"
	"pulse/pkg/analytics"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Getenv); err != nil {
		fmt.Fprintln(os.Stderr, "pulse:", err)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, getenv func(string) string) error {
	fs := flag.NewFlagSet("pulse", flag.ContinueOnError)
	configPath := fs.String("config", getenv("PULSE_CONFIG"), "YAML config file")
	addr := fs.String("addr", ":9464", "ops listen address; empty disables it")
	perSecond := fs.Float64("rate", 0, "max events replayed per second; 0 is unlimited")
	linger := fs.Duration("linger", 0, "keep serving ops endpoints this long after replay")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format).With("tenant", cfg.TenantID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	client, err := analytics.New(ctx, cfg, analytics.WithLogger(log), analytics.WithRegisterer(reg))
	if err != nil {
		return err
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if *perSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(*perSecond), 1)
	}

	g, gctx := errgroup.WithContext(ctx)
	replayDone := make(chan struct{})

	var srv *http.Server
	if *addr != "" {
		srv = httpserver.New(*addr, newOpsRouter(reg, client))
		g.Go(func() error {
			log.Info("ops server listening", "addr", *addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("ops server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(replayDone)
		stats, err := replay(gctx, stdin, client, limiter, log)
		log.Info("replay finished",
			"lines", stats.Lines, "tracked", stats.Tracked, "skipped", stats.Skipped)
		if err != nil {
			return err
		}
		if ferr := client.Flush(gctx); ferr != nil {
			log.Warn("final flush failed", "error", ferr)
		}
		return nil
	})

	g.Go(func() error {
		select {
		case <-replayDone:
			if *linger > 0 {
				select {
				case <-time.After(*linger):
				case <-gctx.Done():
				}
			}
		case <-gctx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if srv != nil {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn("ops server shutdown", "error", err)
			}
		}
		return client.Close(shutdownCtx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
