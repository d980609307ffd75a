package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fruitsalade/jamfsync/internal/config"
	"github.com/fruitsalade/jamfsync/internal/logging"
	"github.com/fruitsalade/jamfsync/internal/metrics"
	"github.com/fruitsalade/jamfsync/internal/reconcile"
	"github.com/fruitsalade/jamfsync/internal/scheduler"
)

// shutdownTimeout bounds how long a stop waits for an in-flight cycle.
const shutdownTimeout = 30 * time.Second

// runFlags override the scheduling environment variables.
type runFlags struct {
	once        bool
	schedule    string
	metricsAddr string
}

func newRunCmd(flags *globalFlags) *cobra.Command {
	rf := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Mirror the catalog on a schedule, or once with --once.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCommand(cmd, flags, rf)
		},
	}

	cmd.Flags().BoolVar(&rf.once, "once", false, "run a single sync cycle and exit (same as SYNC_NOW=true)")
	cmd.Flags().StringVar(&rf.schedule, "schedule", "", "cron expression (overrides SYNC_SCHEDULE)")
	cmd.Flags().StringVar(&rf.metricsAddr, "metrics-addr", "", "address for the Prometheus listener (overrides METRICS_ADDR)")
	return cmd
}

// runCommand backs both `jamfsync run` and a bare `jamfsync`.
func runCommand(cmd *cobra.Command, flags *globalFlags, rf *runFlags) error {
	cfg, err := loadConfig(flags, func(c *config.Config) {
		if rf.once {
			c.SyncNow = true
		}
		if rf.schedule != "" {
			c.Schedule = rf.schedule
		}
		if rf.metricsAddr != "" {
			c.MetricsAddr = rf.metricsAddr
		}
	})
	if err != nil {
		return err
	}
	defer logging.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return run(ctx, cfg)
}

func run(ctx context.Context, cfg *config.Config) error {
	rec, backend, err := newReconciler(ctx, cfg)
	if err != nil {
		return err
	}
	defer backend.Close()

	if cfg.MetricsAddr != "" {
		metricsServer := &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: metrics.Handler(),
		}
		go func() {
			logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
			if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
				logging.Error("metrics server error", zap.Error(err))
			}
		}()
		defer metricsServer.Close()
	}

	if cfg.SyncNow {
		_, err := rec.Sync(ctx)
		return err
	}

	sched, err := scheduler.New(ctx, cfg.Schedule, func(ctx context.Context) {
		if _, err := rec.Sync(ctx); errors.Is(err, reconcile.ErrSyncInProgress) {
			logging.Warn("previous sync still running, skipping this run")
		}
	})
	if err != nil {
		return err
	}
	sched.Start()

	<-ctx.Done()
	logging.Info("shutting down...")

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return sched.Stop(stopCtx)
}
