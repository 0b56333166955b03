// Package main is the entry point for the supervisor API gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vyrodovalexey/avsupgw/internal/audit"
	"github.com/vyrodovalexey/avsupgw/internal/config"
	"github.com/vyrodovalexey/avsupgw/internal/gateway"
	"github.com/vyrodovalexey/avsupgw/internal/keystore"
	"github.com/vyrodovalexey/avsupgw/internal/observability"
	"github.com/vyrodovalexey/avsupgw/internal/ratelimit"
	"github.com/vyrodovalexey/avsupgw/internal/rotation"
	"github.com/vyrodovalexey/avsupgw/internal/supervisor"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

const (
	limiterCleanupInterval = 10 * time.Minute
	shutdownTimeout        = 15 * time.Second
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	showVersion bool
}

func main() {
	flags := parseFlags()

	if flags.showVersion {
		printVersion()
		return
	}

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting avsupgw",
		observability.String("version", version),
		observability.String("config", flags.configPath),
	)

	app := initApplication(cfg, logger)
	logSecuritySummary(cfg, app.store, app.client, logger)
	run(app, logger)
}

// parseFlags parses command line flags.
func parseFlags() cliFlags {
	configPath := flag.String("config", getEnvOrDefault("GATEWAY_CONFIG_PATH", "/data/options.json"),
		"Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	return cliFlags{
		configPath:  *configPath,
		showVersion: *showVersion,
	}
}

func printVersion() {
	fmt.Printf("avsupgw version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// initLogger initializes the logger from the loaded configuration.
func initLogger(cfg *config.Config) observability.Logger {
	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	observability.SetGlobalLogger(logger)
	return logger
}

// application bundles the wired components.
type application struct {
	cfg     *config.Config
	store   *keystore.Store
	limiter *ratelimit.Limiter
	sink    audit.Sink
	client  *supervisor.Client
	server  *gateway.Server
}

// initApplication wires all components against a dedicated metrics
// registry.
func initApplication(cfg *config.Config, logger observability.Logger) *application {
	registry := prometheus.NewRegistry()

	store := keystore.New(cfg.KeysDBPath,
		keystore.WithLogger(logger),
		keystore.WithMetrics(keystore.NewMetricsWithRegisterer("gateway", registry)),
	)
	if err := store.Load(); err != nil {
		logger.Fatal("failed to load key database", observability.Error(err))
	}
	if migrated := store.LegacyImport(cfg.LegacyAPIKeys); migrated > 0 {
		logger.Info("migrated legacy API keys", observability.Int("count", migrated))
	}
	if swept := store.SweepExpired(); swept > 0 {
		logger.Info("revoked keys past grace period at startup", observability.Int("count", swept))
	}
	store.StartSweep(config.DefaultSweepInterval)

	limiter := ratelimit.New(cfg.RateLimit.PerMinute, cfg.RateLimit.PerHour,
		ratelimit.WithLogger(logger),
		ratelimit.WithMetrics(ratelimit.NewMetricsWithRegisterer("gateway", registry)),
	)
	limiter.StartCleanup(limiterCleanupInterval)

	auditMetrics := audit.NewMetricsWithRegisterer("gateway", registry)
	auditMetrics.Init()
	sink := audit.NewSink(
		audit.WithSinkLogger(logger),
		audit.WithSinkMetrics(auditMetrics),
	)

	client := supervisor.NewClient(
		cfg.Supervisor.BaseURL,
		cfg.Supervisor.CoreURL,
		cfg.Supervisor.Token,
		supervisor.WithClientLogger(logger),
		supervisor.WithOptionsTimeout(cfg.Supervisor.Timeout.Duration()),
	)

	rotator := rotation.New(store, client, cfg.Supervisor.AddonSlug,
		rotation.WithLogger(logger))

	server := gateway.New(cfg, store, limiter, sink, client, rotator,
		gateway.WithLogger(logger),
		gateway.WithGatherer(registry),
	)

	return &application{
		cfg:     cfg,
		store:   store,
		limiter: limiter,
		sink:    sink,
		client:  client,
		server:  server,
	}
}

// logSecuritySummary reports the effective security posture at
// startup so misconfigurations are visible in the first log lines.
func logSecuritySummary(cfg *config.Config, store *keystore.Store, client *supervisor.Client, logger observability.Logger) {
	logger.Info("security configuration",
		observability.String("auth_mode", cfg.AuthMode),
		observability.Int("keys_active", store.CountByStatus(keystore.StatusActive)),
		observability.Int("keys_deprecated", store.CountByStatus(keystore.StatusDeprecated)),
		observability.Int("keys_revoked", store.CountByStatus(keystore.StatusRevoked)),
		observability.Int("ip_whitelist", len(cfg.IPWhitelist)),
		observability.Bool("master_key", cfg.HasMasterKey()),
		observability.Bool("emergency_disable", cfg.EmergencyDisable),
		observability.Bool("trust_ingress_header", cfg.TrustIngress()),
	)

	if store.CountByStatus(keystore.StatusActive) == 0 && cfg.AuthMode != config.AuthModeUpstreamToken {
		logger.Warn("no active API keys configured, only upstream tokens will authenticate")
	}
	if len(cfg.IPWhitelist) == 0 {
		logger.Warn("no IP whitelist configured, consider adding one for extra security")
	}
	if !cfg.HasMasterKey() {
		logger.Warn("no master key configured, key management endpoints are disabled")
	}
	if !client.HasToken() {
		logger.Warn("no supervisor token available, upstream calls will fail")
	}
}

// run starts the server and blocks until a shutdown signal arrives.
func run(app *application, logger observability.Logger) {
	errCh := make(chan error, 1)
	go func() {
		errCh <- app.server.Start(context.Background())
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", observability.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("server exited", observability.Error(err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := app.server.Stop(ctx); err != nil {
		logger.Error("graceful shutdown failed", observability.Error(err))
	}
	app.limiter.Stop()
	app.store.Stop()
	app.sink.Close()

	logger.Info("gateway stopped")
}
