package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/doomsgate/doomsgate/internal/config"
	"github.com/doomsgate/doomsgate/internal/errkind"
	"github.com/doomsgate/doomsgate/internal/history"
	"github.com/doomsgate/doomsgate/internal/httpapi"
	"github.com/doomsgate/doomsgate/internal/metrics"
	"github.com/doomsgate/doomsgate/internal/notify"
	"github.com/doomsgate/doomsgate/internal/populate"
	"github.com/doomsgate/doomsgate/internal/schedule"
	"github.com/doomsgate/doomsgate/internal/telemetry"

	"github.com/doomsgate/doomsgate/internal/catalog"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
	readTimeout       = 30 * time.Second
	writeTimeout      = 60 * time.Second
	idleTimeout       = 120 * time.Second
	defaultConfigPath = "/etc/doomsgate/config.yaml"
)

// BindError wraps a failure to bind the HTTP listener, distinguishing it
// from a configuration error at process exit.
type BindError struct {
	Err error
}

func (e *BindError) Error() string { return fmt.Sprintf("bind error: %v", e.Err) }
func (e *BindError) Unwrap() error { return e.Err }

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the certificate catalog service and its HTTP API",
	Long: `Start doomsgate as a long-running service that periodically refreshes
every configured backend, keeps a deduplicated certificate catalog in
memory, and serves it over HTTP.

Endpoints:
  GET  /v1/info             Server version and auth mode
  POST /v1/auth             Exchange credentials for a session token
  GET  /v1/cache            List cached certificates, optionally filtered
  POST /v1/cache/refresh    Trigger a coalesced refresh (returns 202 at once)
  GET  /v1/scheduler        Worker pool and job queue status
  GET  /v1/history          Past refresh runs (requires --history-db)
  GET  /metrics             Prometheus scrape endpoint`,
	Example: `  # Run with default config
  doomsgate serve

  # Run with a custom config file
  doomsgate serve --config /etc/doomsgate/config.yaml

  # Enable refresh history persistence
  doomsgate serve --history-db /var/lib/doomsgate/history.db`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("config", defaultConfigPath, "Path to config file")
	serveCmd.Flags().String("history-db", "", "Path to SQLite history database (enables GET /v1/history)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfgPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}

	cfg := config.Defaults()
	if cfgPath != "" {
		if _, statErr := os.Stat(cfgPath); statErr == nil {
			cfg, err = config.Load(cfgPath)
			if err != nil {
				return err
			}
		} else if cfgPath != defaultConfigPath {
			return &errkind.ConfigError{Err: fmt.Errorf("config file not found: %s", cfgPath)}
		}
	}

	historyDB, _ := cmd.Flags().GetString("history-db") //nolint:errcheck // flag registered above

	var histStore *history.Store
	if historyDB != "" {
		var histErr error
		histStore, histErr = history.Open(historyDB)
		if histErr != nil {
			return fmt.Errorf("opening history database: %w", histErr)
		}
		defer histStore.Close() //nolint:errcheck // best-effort cleanup on shutdown
		slog.Info("history storage enabled", "path", historyDB)
	}

	specs, err := cfg.BackendSpecs()
	if err != nil {
		return &errkind.ConfigError{Err: err}
	}

	notifyCfg, err := cfg.NotifyConfig()
	if err != nil {
		return &errkind.ConfigError{Err: err}
	}
	notifySpec, err := cfg.NotifySpec()
	if err != nil {
		return &errkind.ConfigError{Err: err}
	}
	authTimeout, err := cfg.AuthTimeout()
	if err != nil {
		return &errkind.ConfigError{Err: err}
	}

	otelEndpoint, _ := cmd.Flags().GetString("otel-endpoint") //nolint:errcheck // flag registered above
	_, tracerShutdown, tracerErr := telemetry.InitTracer(context.Background(), otelEndpoint, "doomsgate", version)
	if tracerErr != nil {
		slog.Warn("initializing tracer", "err", tracerErr)
	} else {
		defer tracerShutdown(context.Background()) //nolint:errcheck // best-effort flush
	}

	cache := catalog.New()
	populator := populate.New(cache, specs, nil)

	var authProvider httpapi.AuthProvider = httpapi.NoAuth{}
	if cfg.Server.Auth == "userpass" {
		authProvider, err = httpapi.NewUserPassAuth(cfg.Server.Users, authTimeout, cfg.Server.RefreshOnUse)
		if err != nil {
			return &errkind.ConfigError{Err: err}
		}
	}

	notifier := notify.New(cache, notifyCfg, nil)

	var schedOpts []schedule.Option
	schedOpts = append(schedOpts, schedule.WithWorkers(cfg.Scheduler.Workers))
	if cfg.Scheduler.GracePeriod > 0 {
		schedOpts = append(schedOpts, schedule.WithGracePeriod(cfg.Scheduler.GracePeriod))
	}
	if histStore != nil {
		schedOpts = append(schedOpts, schedule.WithRefreshRecorder(func(stats catalog.PopulateStats) {
			if saveErr := histStore.Save(stats); saveErr != nil {
				slog.Error("saving refresh history", "backend", stats.Backend, "err", saveErr)
			}
		}))
	}
	sched := schedule.New(populator, notifier, notifySpec, nil, schedOpts...)

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	httpapi.Version = version
	api := httpapi.New(cache, populator, sched, histStore, collector, registry, authProvider, nil)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return &BindError{Err: err}
	}

	srv := &http.Server{
		Handler:           api,
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched.Start(ctx)
	defer sched.Shutdown()

	srvErr := make(chan error, 1)
	go func() {
		slog.Info("doomsgate serve listening", "version", version, "addr", addr)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-srvErr:
		return err
	}
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("shutdown complete")
	return nil
}
