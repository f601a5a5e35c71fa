// Package main is the entry point for the relaypost SMTP gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaypost/relaypost/internal/config"
	"github.com/relaypost/relaypost/internal/control"
	"github.com/relaypost/relaypost/internal/provider"
	"github.com/relaypost/relaypost/internal/provider/ses"
	"github.com/relaypost/relaypost/internal/provider/stdout"
	"github.com/relaypost/relaypost/internal/queue"
	"github.com/relaypost/relaypost/internal/smtp"
	gwtls "github.com/relaypost/relaypost/internal/tls"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Logging.Level)

	tlsConfig, err := gwtls.LoadOrGenerateTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.SMTP.Hostname)
	if err != nil {
		slog.Error("failed to setup TLS", "error", err)
		os.Exit(1)
	}

	prov := selectProvider(cfg)

	store, err := queue.OpenStore(cfg.Queue.Path)
	if err != nil {
		slog.Error("failed to open delivery queue", "path", cfg.Queue.Path, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	deliveryQueue := queue.New(store, prov, queue.Config{
		MaxAttempts:   cfg.Queue.MaxAttempts,
		RetryDelay:    cfg.Queue.RetryDelay.Std(),
		SendDelay:     cfg.Queue.SendDelay.Std(),
		Retention:     cfg.Queue.Retention.Std(),
		SweepInterval: cfg.Queue.SweepInterval.Std(),
	})

	creds := make([]smtp.Credential, 0, len(cfg.SMTP.Credentials))
	for _, c := range cfg.SMTP.Credentials {
		creds = append(creds, smtp.Credential{Username: c.Username, Password: c.Password})
	}

	server := smtp.New(smtp.ServerConfig{
		ListenAddr:     cfg.SMTP.Listen,
		Hostname:       cfg.SMTP.Hostname,
		Credentials:    smtp.NewCredentialStore(creds),
		Queue:          deliveryQueue,
		RequireAuth:    cfg.SMTP.RequireAuth,
		MaxMessageSize: cfg.SMTP.MaxMessageSize,
		MaxConnections: cfg.SMTP.MaxConnections,
		TLSConfig:      tlsConfig,
		FlowEnabled:    cfg.Flow.EnabledAtStartup,
	})

	slog.Info("starting relaypost",
		"listen", cfg.SMTP.Listen,
		"control", cfg.Control.Listen,
		"provider", prov.Name(),
		"auth_required", cfg.SMTP.RequireAuth,
		"queue_path", cfg.Queue.Path,
		"flow_enabled", cfg.Flow.EnabledAtStartup,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		slog.Info("received signal, initiating shutdown", "signal", sig)
		cancel()
	}()

	deliveryQueue.Start(ctx)
	defer deliveryQueue.Stop()

	ctrl := control.New(cfg.Control.Listen, server)
	go func() {
		if err := ctrl.ListenAndServe(ctx); err != nil {
			slog.Error("control channel error", "error", err)
			cancel()
		}
	}()

	if cfg.Metrics.Listen != "" {
		go serveMetrics(ctx, cfg.Metrics.Listen)
	}

	// Blocks until the context is cancelled; a bind failure aborts
	// startup without retry.
	if err := server.ListenAndServe(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("relaypost stopped")
}

// loadConfig loads configuration from the specified path (YAML + env
// override) or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// selectProvider chooses the delivery backend based on configuration,
// falling back to auto-detection when none is named.
func selectProvider(cfg *config.Config) provider.Provider {
	switch cfg.Provider {
	case "ses":
		if !cfg.SESConfigured() {
			slog.Error("SES provider selected but ses.region and ses.sender are required")
			os.Exit(1)
		}
		return newSESProvider(cfg)

	case "stdout":
		slog.Info("using stdout provider")
		return stdout.New()

	case "":
		if cfg.SESConfigured() {
			return newSESProvider(cfg)
		}
		slog.Info("no provider configured, using stdout provider")
		return stdout.New()

	default:
		slog.Error("unknown provider", "provider", cfg.Provider)
		os.Exit(1)
		return nil
	}
}

func newSESProvider(cfg *config.Config) provider.Provider {
	slog.Info("using AWS SES provider",
		"region", cfg.SES.Region,
		"sender", cfg.SES.Sender,
	)
	p, err := ses.New(context.Background(), ses.Config{
		Region:          cfg.SES.Region,
		AccessKeyID:     cfg.SES.AccessKeyID,
		SecretAccessKey: cfg.SES.SecretAccessKey,
		Sender:          cfg.SES.Sender,
	})
	if err != nil {
		slog.Error("failed to create SES provider", "error", err)
		os.Exit(1)
	}
	return p
}

// serveMetrics exposes the Prometheus endpoint until ctx is cancelled.
func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	slog.Info("metrics endpoint listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("metrics endpoint error", "error", err)
	}
}
