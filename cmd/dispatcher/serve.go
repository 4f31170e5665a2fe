package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/offlinefarm/dispatcher/pkg/api"
	"github.com/offlinefarm/dispatcher/pkg/config"
	"github.com/offlinefarm/dispatcher/pkg/events"
	"github.com/offlinefarm/dispatcher/pkg/log"
	"github.com/offlinefarm/dispatcher/pkg/manager"
	"github.com/offlinefarm/dispatcher/pkg/metrics"
	"github.com/offlinefarm/dispatcher/pkg/runner"
	"github.com/offlinefarm/dispatcher/pkg/storage"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the background loops and health endpoints",
	Long: `Run the periodic scheduler, the stale-task reaper, the history cleanup
and the metrics collector on their configured intervals, and serve the
HTTP health/metrics endpoints and the gRPC health service.

When started with --config the file is watched: reaper timeouts and the
retention ceiling take effect on the next pass without a restart.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("http-addr", "", "HTTP listen address, empty keeps the config value")
	serveCmd.Flags().String("grpc-addr", "", "gRPC listen address, empty keeps the config value")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("http-addr"); addr != "" {
		cfg.API.HTTPAddr = addr
	}
	if addr, _ := cmd.Flags().GetString("grpc-addr"); addr != "" {
		cfg.API.GRPCAddr = addr
	}
	logger := log.WithComponent("serve")

	health := metrics.Default()
	health.SetVersion(Version)

	store, err := storage.Open(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open %s store at %s: %w", cfg.Store.Driver, cfg.Store.Path, err)
	}
	live := config.NewLive(cfg)
	mgr := managerFor(store, live)
	defer func() {
		if err := mgr.Shutdown(); err != nil {
			logger.Error().Err(err).Msg("shutdown failed")
		}
	}()
	health.AddProbe("store", func(ctx context.Context) error {
		return store.View(ctx, func(tx storage.Tx) error {
			_, err := tx.ListOffliners()
			return err
		})
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r, err := newRunner(mgr, store, cfg, health)
	if err != nil {
		return err
	}
	r.Start(ctx)
	health.Set("runner", true, "")

	g, gctx := errgroup.WithContext(ctx)

	if path != "" {
		g.Go(func() error { return config.Watch(gctx, path, live) })
	}
	g.Go(func() error {
		logEvents(gctx, mgr.GetEventBroker())
		return nil
	})

	var httpServer *api.HTTPServer
	if cfg.API.HTTPAddr != "" {
		httpServer = api.NewHTTPServer(cfg.API.HTTPAddr, health, r)
		g.Go(httpServer.Start)
	}

	var grpcServer *api.GRPCServer
	if cfg.API.GRPCAddr != "" {
		grpcServer = api.NewGRPCServer(health)
		g.Go(func() error { return grpcServer.Start(cfg.API.GRPCAddr) })
		g.Go(func() error {
			grpcServer.Watch(gctx, 5*time.Second)
			return nil
		})
	}
	health.Set("api", true, "")
	health.Refresh(ctx)
	if grpcServer != nil {
		grpcServer.Sync()
	}

	// first passes run now rather than one interval after startup
	for _, name := range []string{"collector", "reaper", "scheduler"} {
		_ = r.Trigger(name)
	}

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Warn().Err(err).Msg("failed to notify systemd")
	} else if sent {
		logger.Debug().Msg("systemd notified")
	}
	if interval, err := daemon.SdWatchdogEnabled(false); err == nil && interval > 0 {
		g.Go(func() error {
			watchdog(gctx, interval/2)
			return nil
		})
	}

	logger.Info().
		Str("store", cfg.Store.Driver).
		Str("data_dir", cfg.Store.Path).
		Str("http_addr", cfg.API.HTTPAddr).
		Str("grpc_addr", cfg.API.GRPCAddr).
		Msg("dispatcher running")

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
		health.Set("api", false, "shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if httpServer != nil {
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("http shutdown incomplete")
			}
		}
		if grpcServer != nil {
			grpcServer.Stop()
		}
		r.Stop(shutdownCtx)
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("shutdown complete")
	return nil
}

// newRunner registers the background jobs of a server
func newRunner(mgr *manager.Manager, store storage.Store, cfg *config.Config, health *metrics.HealthChecker) (*runner.Runner, error) {
	collector := metrics.NewCollector(store, cfg.Metrics.OnlineWindow.Std())

	jobs := []runner.Job{
		{
			Name:     "scheduler",
			Interval: cfg.Scheduler.Interval.Std(),
			Run: func(ctx context.Context) error {
				_, err := mgr.RunPeriodicScheduler(ctx)
				return err
			},
		},
		{
			Name:     "reaper",
			Interval: cfg.Reaper.Interval.Std(),
			Run: func(ctx context.Context) error {
				_, err := mgr.RunStaleReaper(ctx)
				return err
			},
		},
		{
			Name:     "cleanup",
			Interval: cfg.Retention.Interval.Std(),
			Run: func(ctx context.Context) error {
				_, err := mgr.RunHistoryCleanup(ctx)
				return err
			},
		},
		{
			Name:     "collector",
			Interval: cfg.Metrics.Interval.Std(),
			Run: func(ctx context.Context) error {
				health.Refresh(ctx)
				return collector.Collect(ctx)
			},
		},
	}

	r := runner.New()
	for _, job := range jobs {
		if err := r.Add(job); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// logEvents writes every published event to the log until ctx ends or
// the broker stops
func logEvents(ctx context.Context, broker *events.Broker) {
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	logger := log.WithComponent("events")
	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			logger.Debug().
				Str("type", string(ev.Type)).
				Str("task_id", ev.TaskID).
				Str("schedule", ev.Schedule).
				Str("worker", ev.Worker).
				Str("status", ev.Status).
				Msg("event")
		case <-ctx.Done():
			return
		}
	}
}

func watchdog(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		case <-ctx.Done():
			return
		}
	}
}
