package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/spf13/cobra"

	"github.com/dispatch-sh/dispatch/internal/logger"
	"github.com/dispatch-sh/dispatch/internal/telemetry"
	"github.com/dispatch-sh/dispatch/pkg/adapter"
	"github.com/dispatch-sh/dispatch/pkg/adapter/ai"
	"github.com/dispatch-sh/dispatch/pkg/adapter/editor"
	"github.com/dispatch-sh/dispatch/pkg/adapter/pty"
	"github.com/dispatch-sh/dispatch/pkg/api"
	"github.com/dispatch-sh/dispatch/pkg/auth"
	"github.com/dispatch-sh/dispatch/pkg/config"
	"github.com/dispatch-sh/dispatch/pkg/gateway"
	"github.com/dispatch-sh/dispatch/pkg/metrics"
	"github.com/dispatch-sh/dispatch/pkg/session"
	"github.com/dispatch-sh/dispatch/pkg/session/store"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Dispatch server",
	Long: `Start the Dispatch run-session broker with the specified configuration.

The server runs in the foreground; use a process supervisor for
background operation.

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/dispatch/config.yaml.

Examples:
  # Start with default config location
  dispatch start

  # Start with custom config file
  dispatch start --config /etc/dispatch/config.yaml

  # Start with environment variable overrides
  DISPATCH_LOGGING_LEVEL=DEBUG dispatch start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	if err := InitLogger(cfg); err != nil {
		return err
	}

	// Cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize OpenTelemetry (if enabled)
	telemetryCfg := telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "dispatch",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	}
	telemetryShutdown, err := telemetry.Init(ctx, telemetryCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := telemetryShutdown(ctx); err != nil {
			logger.Error("telemetry shutdown error", "error", err)
		}
	}()

	// Initialize Pyroscope profiling (if enabled)
	profilingCfg := telemetry.ProfilingConfig{
		Enabled:        cfg.Telemetry.Profiling.Enabled,
		ServiceName:    "dispatch",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Profiling.Endpoint,
		ProfileTypes:   cfg.Telemetry.Profiling.ProfileTypes,
	}
	profilingShutdown, err := telemetry.InitProfiling(profilingCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize profiling: %w", err)
	}
	defer func() {
		if err := profilingShutdown(); err != nil {
			logger.Error("profiling shutdown error", "error", err)
		}
	}()

	logger.Info("Log level", "level", cfg.Logging.Level, "format", cfg.Logging.Format)
	logger.Info("Configuration loaded", "source", getConfigSource(GetConfigFile()))
	if telemetry.IsEnabled() {
		logger.Info("Telemetry enabled", "endpoint", cfg.Telemetry.Endpoint, "sample_rate", cfg.Telemetry.SampleRate)
	}
	if telemetry.IsProfilingEnabled() {
		logger.Info("Profiling enabled", "endpoint", cfg.Telemetry.Profiling.Endpoint)
	}

	// Session store
	st, err := store.New(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize session store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("session store close error", "error", err)
		}
	}()

	// Metrics (optional)
	var m *metrics.Metrics
	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		m = metrics.New()
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		metricsServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler: mux,
		}
		go func() {
			logger.Info("Metrics server listening", "port", cfg.Metrics.Port)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", "error", err)
			}
		}()
	} else {
		logger.Info("Metrics collection disabled")
	}

	// Adapter registry
	registry := adapter.NewRegistry()
	if err := registry.Register(pty.NewFactory()); err != nil {
		return fmt.Errorf("failed to register pty adapter: %w", err)
	}
	if err := registry.Register(editor.NewFactory()); err != nil {
		return fmt.Errorf("failed to register editor adapter: %w", err)
	}
	if err := registry.Register(ai.NewFactory(newMessagesClient(cfg))); err != nil {
		return fmt.Errorf("failed to register ai adapter: %w", err)
	}

	// Session manager. Recover marks sessions left running by a previous
	// process as stopped before anything can attach to them.
	mgr := session.NewManager(cfg.Manager, st, registry, m)
	if err := mgr.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover stale sessions: %w", err)
	}

	authn := auth.NewAuthenticator(cfg.Auth.Key)
	if !authn.Enabled() {
		logger.Warn("No API key configured, accepting all clients")
	}

	gw := gateway.New(cfg.Gateway, mgr, authn, m)

	apiServer := api.NewServer(cfg.API, api.RouterDeps{
		Manager: mgr,
		Store:   st,
		Auth:    authn,
		Gateway: gw,
	})
	logger.Info("API server configured", "port", cfg.API.Port)

	// Event log retention
	if cfg.Retention.Enabled {
		go runRetention(ctx, st, cfg.Retention)
	}

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- apiServer.Start(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Server is running. Press Ctrl+C to stop.")

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("Shutdown signal received, initiating graceful shutdown")
	case err := <-serverDone:
		signal.Stop(sigChan)
		if err != nil {
			logger.Error("Server error", "error", err)
			return err
		}
		return nil
	}

	// Close live sessions first so their final events land in the log,
	// then stop the HTTP server.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := mgr.Shutdown(shutdownCtx); err != nil {
		logger.Error("Session shutdown error", "error", err)
	}

	cancel()
	if err := <-serverDone; err != nil {
		logger.Error("Server shutdown error", "error", err)
		return err
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Metrics server shutdown error", "error", err)
		}
	}

	logger.Info("Server stopped gracefully")
	return nil
}

// newMessagesClient builds the model API client for the assistant
// adapter. The SDK falls back to ANTHROPIC_API_KEY from the environment
// when no key is configured.
func newMessagesClient(cfg *config.Config) ai.MessagesClient {
	var opts []option.RequestOption
	if cfg.AI.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.AI.APIKey))
	}
	if cfg.AI.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.AI.BaseURL))
	}
	client := sdk.NewClient(opts...)
	return &client.Messages
}

// runRetention periodically prunes event logs of terminal sessions
// older than the configured age.
func runRetention(ctx context.Context, st *store.GORMStore, cfg config.RetentionConfig) {
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	logger.Info("Event retention enabled", "max_age", cfg.MaxAge, "interval", cfg.Interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-cfg.MaxAge).UnixMilli()
			pruned, err := st.PruneEventsBefore(ctx, cutoff)
			if err != nil {
				logger.Error("Event pruning failed", "error", err)
				continue
			}
			if pruned > 0 {
				logger.Info("Pruned old session events", "count", pruned)
			}
		}
	}
}
