package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fluttermint/minimint-bridge/internal/config"
	"github.com/fluttermint/minimint-bridge/internal/fedserver"
	"github.com/fluttermint/minimint-bridge/internal/telemetry"
	"github.com/fluttermint/minimint-bridge/internal/versions"
)

const (
	defaultGracefulTimeout = 30 * time.Second
	serverRequestTimeout   = 10 * time.Second
	serverReadTimeout      = 10 * time.Second
	serverWriteTimeout     = 15 * time.Second // longer than serverRequestTimeout so the middleware answers first
	serverIdleTimeout      = 60 * time.Second
)

func newServeCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the federation API server",
		Long: `Start the federation API server.

The server requires a configuration file (--config) that specifies the
federation identity, the signing key file and the invoice policy. Invoice
expiry, the deposit endpoint and the log level are reloaded when the file
changes.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), v.GetString("config"), v.GetString("address"))
		},
	}

	cmd.Flags().String("address", "", "Address to listen on (overrides the config file)")
	cmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")

	for _, name := range []string{"address", "config"} {
		if err := v.BindPFlag(name, cmd.Flags().Lookup(name)); err != nil {
			panic(fmt.Sprintf("failed to bind %s flag: %v", name, err))
		}
	}

	return cmd
}

// daemon is an assembled federation server with its telemetry
type daemon struct {
	fed       *fedserver.Server
	handler   http.Handler
	telemetry *telemetry.Telemetry
}

// newDaemon builds the federation described by cfg
func newDaemon(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*daemon, error) {
	key, err := cfg.Federation.SigningKey()
	if err != nil {
		return nil, err
	}
	secret, err := cfg.Federation.TokenSecret()
	if err != nil {
		return nil, err
	}

	if cfg.Telemetry != nil && cfg.Telemetry.ServiceVersion == "" {
		cfg.Telemetry.ServiceVersion = versions.Get().Version
	}
	registry := prometheus.NewRegistry()
	tel, err := telemetry.New(ctx,
		telemetry.WithTelemetryConfig(cfg.Telemetry),
		telemetry.WithPrometheusRegisterer(registry),
	)
	if err != nil {
		return nil, err
	}

	fedMetrics, err := telemetry.NewFederationMetrics(tel.MeterProvider())
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create federation metrics: %w", err)
	}
	httpMetrics, err := telemetry.MetricsMiddleware(tel.MeterProvider())
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create HTTP metrics: %w", err)
	}

	fed := fedserver.New(fedserver.Identity{
		FederationID: cfg.Federation.ID,
		Name:         cfg.Federation.Name,
		Network:      cfg.Federation.Network,
		APIEndpoint:  cfg.Federation.APIEndpoint,
	}, key, secret,
		fedserver.WithLogger(logger),
		fedserver.WithMetrics(fedMetrics),
		fedserver.WithInvoiceExpiry(cfg.Federation.GetInvoiceExpiry()),
		fedserver.WithDeposits(cfg.Federation.DepositsEnabled()),
		fedserver.WithMiddlewares(
			middleware.RealIP,
			middleware.Timeout(serverRequestTimeout),
			telemetry.TracingMiddleware(tel.TracerProvider()),
			httpMetrics,
			fedserver.LoggingMiddleware(logger),
		),
	)

	root := chi.NewRouter()
	if cfg.Telemetry != nil && cfg.Telemetry.Enabled && cfg.Telemetry.Metrics != nil &&
		cfg.Telemetry.Metrics.Enabled && cfg.Telemetry.Metrics.GetExporter() == telemetry.ExporterPrometheus {
		root.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}
	root.Mount("/", fed.Handler())

	return &daemon{fed: fed, handler: root, telemetry: tel}, nil
}

// applyConfig applies the reloadable settings of cfg
func (d *daemon) applyConfig(cfg *config.Config) {
	d.fed.SetInvoiceExpiry(cfg.Federation.GetInvoiceExpiry())
	d.fed.SetDepositsEnabled(cfg.Federation.DepositsEnabled())
	if cfg.LogLevel != "" {
		LogLevel.Set(cfg.GetLogLevel())
	}
}

func runServe(ctx context.Context, configPath, address string) error {
	if configPath == "" {
		return fmt.Errorf("--config is required")
	}
	logger := slog.Default()

	var d *daemon
	manager, err := config.NewManager(configPath,
		config.WithManagerLogger(logger),
		config.WithReloadHook(func(_, current *config.Config) {
			if d != nil {
				d.applyConfig(current)
			}
		}),
	)
	if err != nil {
		return err
	}
	defer func() { _ = manager.Close() }()

	cfg := manager.GetConfig()
	d, err = newDaemon(ctx, cfg, logger)
	if err != nil {
		return err
	}
	d.applyConfig(cfg)

	if address == "" {
		address = cfg.GetListen()
	}

	watchCtx, stopWatching := context.WithCancel(ctx)
	defer stopWatching()
	go func() {
		if err := manager.WatchConfig(watchCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Config watcher stopped", "error", err)
		}
	}()

	server := &http.Server{
		Addr:         address,
		Handler:      d.handler,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Federation listening",
			"address", address,
			"federation_id", cfg.Federation.ID,
			"network", cfg.Federation.Network,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-quit:
	case <-ctx.Done():
	}
	logger.Info("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()

	var errs []error
	if err := server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server forced to shutdown: %w", err))
	}
	if err := d.telemetry.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	logger.Info("Server shutdown complete")
	return nil
}
