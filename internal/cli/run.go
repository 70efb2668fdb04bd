package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/thruflo/memwatch/internal/artifact"
	"github.com/thruflo/memwatch/internal/config"
	"github.com/thruflo/memwatch/internal/diag"
	"github.com/thruflo/memwatch/internal/heapdiff"
	"github.com/thruflo/memwatch/internal/logging"
	"github.com/thruflo/memwatch/internal/sampler"
	"github.com/thruflo/memwatch/internal/server"
	"github.com/thruflo/memwatch/internal/telemetry"
)

var (
	runInterval float64
	runListen   string
)

// telemetryShutdownTimeout bounds the final metrics flush on exit.
const telemetryShutdownTimeout = 5 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the heap sampler until interrupted",
	Long: `Starts the background heap sampler using the resolved configuration and,
with --listen or MEMWATCH_SERVER_LISTEN, the diagnostics HTTP server.

Runs until SIGINT or SIGTERM. The sampler only starts when profiler.enabled is
true; --interval overrides profiler.interval_seconds for this run.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	runCmd.Flags().Float64Var(&runInterval, "interval", 0, "sampling interval in seconds (overrides config)")
	runCmd.Flags().StringVar(&runListen, "listen", "", "diagnostics server address, e.g. :6061")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runListen != "" {
		if cfg.Server == nil {
			cfg.Server = &config.ServerConfig{}
		}
		cfg.Server.Listen = runListen
	}

	var opts []sampler.StartOption
	if cmd.Flags().Changed("interval") {
		opts = append(opts, sampler.WithInterval(runInterval))
	}
	return serve(ctx, cfg, opts...)
}

// serve wires the profiler, sampler and diagnostics server from cfg and
// blocks until ctx is done or a component fails.
func serve(ctx context.Context, cfg *config.Config, opts ...sampler.StartOption) error {
	logger := logging.With("component", "memwatch")
	app := diag.New()

	if !cfg.Profiler.Enabled && cfg.Server == nil {
		logger.Info("memwatch: sampler disabled and no server configured, nothing to do")
		return nil
	}

	store, err := artifact.NewStore(ctx, cfg.Artifacts)
	if err != nil {
		return fmt.Errorf("failed to create artifact store: %w", err)
	}
	profiler := heapdiff.NewFromConfig(cfg.Profiler, store, app, logging.With("component", "heapdiff"))

	provider, err := telemetry.Setup(ctx, cfg.Telemetry, Version)
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	defer func() {
		// ctx is usually done by now; the final flush gets its own deadline.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()

	metrics, err := telemetry.NewGlobalSamplerMetrics()
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}
	opts = append([]sampler.StartOption{sampler.WithMetrics(metrics)}, opts...)

	handle, err := sampler.Start(ctx, app, cfg.Profiler, profiler, opts...)
	if err != nil {
		return err
	}
	if handle == nil {
		logger.Info("memwatch: sampler disabled by configuration")
	}

	var srv *server.Server
	serverErr := make(chan error, 1)
	if cfg.Server != nil {
		srv, err = server.NewServerFromConfig(cfg.Server, app, profiler)
		if err != nil {
			if handle != nil {
				_ = handle.Stop()
			}
			return fmt.Errorf("failed to create server: %w", err)
		}
		go func() { serverErr <- srv.Start(ctx) }()
	}

	var samplerDone <-chan struct{}
	if handle != nil {
		samplerDone = handle.Done()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("memwatch: shutting down")
	case <-samplerDone:
		if err := handle.Err(); err != nil && !sampler.IsCancellation(err) {
			runErr = err
		}
	case err := <-serverErr:
		runErr = err
	}

	if handle != nil {
		if err := handle.Stop(); err != nil && !sampler.IsCancellation(err) {
			logger.Warn("memwatch: sampler stopped with error", "error", err)
		}
	}
	if srv != nil {
		if err := srv.Stop(); err != nil {
			logger.Warn("memwatch: server shutdown failed", "error", err)
		}
	}
	return runErr
}
