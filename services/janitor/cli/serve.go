package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/eafonin/nessus-api-sub002/internal/postgres"
	"github.com/eafonin/nessus-api-sub002/pkg/telemetry"
	"github.com/eafonin/nessus-api-sub002/services/janitor"
	"github.com/eafonin/nessus-api-sub002/services/janitor/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the scheduled retention sweeper",
	RunE:  runServe,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run a single retention sweep and exit",
	RunE:  runSweep,
}

func init() {
	serveCmd.Flags().String("schedule", "0 * * * *", "cron schedule for retention sweeps")
	serveCmd.Flags().Duration("completed-ttl", janitor.DefaultCompletedTTL, "retention for COMPLETED tasks")
	serveCmd.Flags().Duration("failed-ttl", janitor.DefaultFailedTTL, "retention for FAILED and TIMEOUT tasks")
	serveCmd.Flags().String("metrics-addr", ":9093", "Prometheus metrics server address")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")

	bindFlag("schedule", serveCmd.Flags(), "schedule")
	bindFlag("completed_ttl", serveCmd.Flags(), "completed-ttl")
	bindFlag("failed_ttl", serveCmd.Flags(), "failed-ttl")
	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")

	sweepCmd.Flags().Duration("completed-ttl", janitor.DefaultCompletedTTL, "retention for COMPLETED tasks")
	sweepCmd.Flags().Duration("failed-ttl", janitor.DefaultFailedTTL, "retention for FAILED and TIMEOUT tasks")
}

func buildJanitor(cfg config.Config, logger *slog.Logger) (*janitor.Janitor, func(), error) {
	initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pool, err := postgres.NewPool(initCtx, cfg.PostgresDSN)
	cancel()
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: %w", err)
	}
	repo := postgres.NewRepository(pool)

	opts := []janitor.Option{janitor.WithLogger(logger)}
	if cfg.CompletedTTL > 0 {
		opts = append(opts, janitor.WithCompletedTTL(cfg.CompletedTTL))
	}
	if cfg.FailedTTL > 0 {
		opts = append(opts, janitor.WithFailedTTL(cfg.FailedTTL))
	}
	return janitor.New(repo, opts...), pool.Close, nil
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := buildLogger(cfg.LogLevel, "janitor")

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "janitor", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	j, closePool, err := buildJanitor(cfg, logger)
	if err != nil {
		return err
	}
	defer closePool()

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-quit
		logger.Info("shutting down...")
		runCancel()
	}()

	logger.Info("janitor starting", slog.String("schedule", cfg.Schedule))
	if err := j.Run(runCtx, cfg.Schedule); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("janitor: %w", err)
	}
	logger.Info("stopped cleanly")
	return nil
}

func runSweep(cmd *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	if d, err := cmd.Flags().GetDuration("completed-ttl"); err == nil {
		cfg.CompletedTTL = d
	}
	if d, err := cmd.Flags().GetDuration("failed-ttl"); err == nil {
		cfg.FailedTTL = d
	}
	logger := buildLogger(cfg.LogLevel, "janitor")

	j, closePool, err := buildJanitor(cfg, logger)
	if err != nil {
		return err
	}
	defer closePool()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	n, err := j.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	fmt.Printf("deleted %d expired tasks\n", n)
	return nil
}
