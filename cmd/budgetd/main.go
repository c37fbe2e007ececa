// Budgetd is the adaptive context budget daemon.
//
// It serves budget-compliant context bundles from a three-layer store,
// compressing content to fit per-layer token budgets, and continuously
// retunes its own selection and compression parameters from the execution
// metrics callers report back.
//
// Configuration is loaded from ~/.config/budgetd/config.yaml with
// environment variable overrides. See internal/config for details.
//
// Usage:
//
//	# Start daemon with defaults
//	budgetd
//
//	# Explicit config file
//	budgetd -config /etc/budgetd/config.yaml
//
//	# Configure via environment
//	SERVER_PORT=9093 STORE_CORE_BUDGET=16000 budgetd
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/budgetd/internal/alert"
	"github.com/fyrsmithlabs/budgetd/internal/config"
	"github.com/fyrsmithlabs/budgetd/internal/engine"
	"github.com/fyrsmithlabs/budgetd/internal/ingest"
	"github.com/fyrsmithlabs/budgetd/internal/logging"
	"github.com/fyrsmithlabs/budgetd/internal/scrub"
	"github.com/fyrsmithlabs/budgetd/internal/server"
	"github.com/fyrsmithlabs/budgetd/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "config file path (default ~/.config/budgetd/config.yaml)")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  budgetd            Start the budgetd daemon\n")
			fmt.Fprintf(os.Stderr, "  budgetd version    Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

// printVersion prints version information
func printVersion() {
	fmt.Printf("budgetd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the budgetd daemon and blocks until context is cancelled.
//
// Initialization order:
//  1. Load and validate configuration
//  2. Initialize telemetry and the structured logger
//  3. Build the engine (store, selector, compression, recorder,
//     controller, alert manager, reporter)
//  4. Seed the layered store from the content directory
//  5. Start the background loops and HTTP server
//
// A Core layer whose seeded content cannot fit its budget is fatal here;
// every later error is absorbed into degraded bundles per request.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetryConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer shutdownCancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	logCfg := logging.NewDefaultConfig()
	logCfg.Output.OTEL = cfg.Telemetry.Enabled
	logger, err := logging.NewLogger(logCfg, tel.LoggerProvider())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync() // Best-effort sync on shutdown
	}()

	logger.Info(ctx, "starting budgetd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.Int("core_budget", cfg.Store.CoreBudget),
		zap.Int("contextual_budget", cfg.Store.ContextualBudget),
		zap.Int("deep_budget", cfg.Store.DeepBudget),
		zap.Duration("controller_interval", cfg.Controller.Interval.Duration()),
	)

	var scrubber *scrub.Scrubber
	if cfg.Ingest.Scrub {
		if scrubber, err = scrub.New(cfg, logger); err != nil {
			return fmt.Errorf("failed to initialize scrubber: %w", err)
		}
	}

	eng, err := engine.New(cfg, alert.NewLogSink(logger.Named("alerts")), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}

	var loader *ingest.Loader
	if cfg.Ingest.Enabled && cfg.Ingest.Dir != "" {
		if loader, err = ingest.New(cfg, eng, scrubber, logger); err != nil {
			return fmt.Errorf("failed to initialize content loader: %w", err)
		}
		// Core content that cannot fit its budget is an operator problem;
		// refuse to start rather than serve bundles missing core context.
		if err := loader.Seed(ctx); err != nil {
			return fmt.Errorf("content seeding failed: %w", err)
		}
	}

	srv, err := server.New(cfg, eng, scrubber, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}
	srv.SetVersion(version)

	logger.Info(ctx, "server configured",
		zap.String("health_endpoint", fmt.Sprintf("http://%s:%d/health", cfg.Server.Host, cfg.Server.Port)),
		zap.String("api_prefix", "/api/v1"),
		zap.String("metrics_endpoint", "/metrics"),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(ctx) })
	if loader != nil {
		g.Go(func() error { return loader.Watch(ctx) })
	}
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// telemetryConfig maps the daemon configuration onto the telemetry package's
// own config, carrying the build version into the service resource.
func telemetryConfig(cfg *config.Config) *telemetry.Config {
	tc := telemetry.NewDefaultConfig()
	tc.Enabled = cfg.Telemetry.Enabled
	tc.ServiceName = cfg.Telemetry.ServiceName
	tc.ServiceVersion = version
	tc.Endpoint = cfg.Telemetry.Endpoint
	tc.Protocol = cfg.Telemetry.Protocol
	tc.Insecure = cfg.Telemetry.Insecure
	return tc
}
