package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"stablefi/cmd/internal/passphrase"
	"stablefi/config"
	"stablefi/core"
	"stablefi/core/events"
	"stablefi/crypto"
	gatewayconfig "stablefi/gateway/config"
	"stablefi/gateway/middleware"
	"stablefi/gateway/routes"
	"stablefi/observability/logging"
	telemetry "stablefi/observability/otel"
	"stablefi/services/keeper"
	"stablefi/services/relay"
	"stablefi/storage"
	"stablefi/storage/archive"
)

const replayPruneInterval = time.Minute

func main() {
	configPath := flag.String("config", "./config.toml", "path to the node configuration file")
	gatewayPath := flag.String("gateway-config", "", "path to the gateway YAML configuration (overrides the node config)")
	passEnv := flag.String("pass-env", passphrase.DefaultEnv, "environment variable holding the operator keystore passphrase")
	allowFaucet := flag.Bool("allow-faucet", false, "DEV ONLY: expose the collateral faucet to admin tokens")
	flag.Parse()

	if err := run(*configPath, *gatewayPath, *passEnv, *allowFaucet); err != nil {
		fmt.Fprintf(os.Stderr, "stablefid: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, gatewayPath, passEnv string, allowFaucet bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.Setup("stablefid", cfg.Environment, logging.Options{Level: cfg.LogLevel})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "stablefid",
		Environment: cfg.Environment,
		Endpoint:    firstNonEmpty(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), cfg.Telemetry.Endpoint),
		Insecure:    envBool("OTEL_EXPORTER_OTLP_INSECURE", cfg.Telemetry.Insecure),
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		ChainID:     cfg.Bridge.ChainID,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown", slog.Any("error", err))
		}
	}()

	pass, err := passphrase.NewSource(passEnv, passphrase.AllowEmpty()).Get()
	if err != nil {
		return err
	}
	key, err := crypto.LoadFromKeystore(cfg.OperatorKeystorePath, pass)
	if err != nil {
		return fmt.Errorf("load operator keystore: %w", err)
	}
	operator := key.PubKey().Address()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	db, err := storage.NewLevelDB(cfg.ResolvePath("state"))
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}

	var sink events.Emitter
	var eventLog routes.EventLog
	if dsn := cfg.ResolvePath(cfg.ArchiveDSN); dsn != "" {
		arch, err := archive.Open(dsn, logging.Component(logger, "archive"))
		if err != nil {
			db.Close()
			return err
		}
		defer func() {
			if err := arch.Close(); err != nil {
				logger.Warn("archive close", slog.Any("error", err))
			}
		}()
		sink, eventLog = arch, arch
	}

	node, err := core.NewNode(cfg, db, core.Options{
		Logger:   logger,
		Emitter:  sink,
		Operator: operator,
	})
	if err != nil {
		db.Close()
		return err
	}
	defer node.Close()

	if len(cfg.Bridge.Endpoints) > 0 {
		endpoints := make([]relay.Endpoint, len(cfg.Bridge.Endpoints))
		for i, ep := range cfg.Bridge.Endpoints {
			logger.Info("bridge relay endpoint", logging.Settings(map[string]string{
				"chain":      strconv.FormatUint(ep.ChainID, 10),
				"endpoint":   ep.URL,
				"hmacSecret": ep.HMACSecret,
			})...)
			endpoints[i] = relay.Endpoint{
				ChainID:    ep.ChainID,
				URL:        ep.URL,
				HMACSecret: ep.HMACSecret,
				Issuer:     ep.Issuer,
				Audience:   ep.Audience,
			}
		}
		transport, err := relay.New(endpoints,
			relay.WithLogger(logger),
			relay.WithAttempts(cfg.Bridge.RelayAttempts),
			relay.WithSubject(operator.String()))
		if err != nil {
			return err
		}
		node.Bridge().SetTransport(transport)
	}

	var upkeep *keeper.Keeper
	errCh := make(chan error, 2)
	if cfg.Keeper.Enabled {
		upkeep, err = keeper.New(node, time.Duration(cfg.Keeper.IntervalSeconds)*time.Second,
			keeper.WithLogger(logger),
			keeper.WithRateLimit(cfg.Keeper.RatePerSecond, cfg.Keeper.Burst),
			keeper.WithMaxPerTick(cfg.Keeper.MaxPerTick))
		if err != nil {
			return err
		}
		go func() {
			if err := upkeep.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("keeper: %w", err)
			}
		}()
	}

	logger.Info("node started",
		slog.String("operator", operator.String()),
		slog.String("datadir", cfg.DataDir),
		slog.Uint64("chain", cfg.Bridge.ChainID),
		slog.Bool("keeper", upkeep != nil))

	if !cfg.Gateway.Enabled {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return err
		}
	}

	if gatewayPath == "" {
		gatewayPath = resolveRelative(configPath, cfg.Gateway.ConfigFile)
	}
	gwCfg, err := gatewayconfig.Load(gatewayPath)
	if err != nil {
		return fmt.Errorf("gateway config: %w", err)
	}
	server, pruneGuard, err := buildGateway(gwCfg, node, upkeep, eventLog, db, logger, allowFaucet && strings.EqualFold(cfg.Environment, "dev"))
	if err != nil {
		return err
	}
	if pruneGuard != nil {
		go pruneLoop(ctx, pruneGuard, logger)
	}

	listener, err := net.Listen("tcp", gwCfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	go func() {
		logger.Info("gateway listening", slog.String("listen", listener.Addr().String()))
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("gateway: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", slog.Any("error", err))
	}
	logger.Info("node stopped")
	return runErr
}

func buildGateway(cfg gatewayconfig.Config, node *core.Node, upkeep *keeper.Keeper, eventLog routes.EventLog, db storage.Database, logger *slog.Logger, allowFaucet bool) (*http.Server, *middleware.ReplayGuard, error) {
	gwLogger := logging.Component(logger, "gateway")
	gwLogger.Info("gateway configuration",
		slog.String("listen", cfg.ListenAddress),
		slog.Bool("auth", cfg.Auth.Enabled),
		slog.String("issuer", cfg.Auth.Issuer),
		logging.MaskField("hmacSecret", cfg.Auth.HMACSecret))

	auth := middleware.NewAuthenticator(middleware.AuthConfig{
		Enabled:        cfg.Auth.Enabled,
		HMACSecret:     cfg.Auth.HMACSecret,
		Issuer:         cfg.Auth.Issuer,
		Audience:       cfg.Auth.Audience,
		ScopeClaim:     cfg.Auth.ScopeClaim,
		OptionalPaths:  cfg.Auth.OptionalPaths,
		AllowAnonymous: cfg.Auth.AllowAnonymous,
		ClockSkew:      cfg.Auth.ClockSkew,
	}, gwLogger)
	var guard *middleware.ReplayGuard
	if cfg.Auth.Enabled && cfg.Auth.ReplayWindow > 0 {
		var err error
		guard, err = middleware.NewReplayGuard(storage.NewTable(db, "gateway/"), cfg.Auth.ReplayWindow)
		if err != nil {
			return nil, nil, err
		}
		auth.SetReplayGuard(guard)
	}

	limits := make(map[string]middleware.RateLimit, len(cfg.RateLimits))
	for _, entry := range cfg.RateLimits {
		limits[entry.ID] = middleware.RateLimit{
			RatePerSecond: entry.RequestsPerMinute / 60.0,
			Burst:         entry.Burst,
			Costs:         entry.Costs,
		}
	}

	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName:   cfg.Observability.ServiceName,
		MetricsPrefix: cfg.Observability.MetricsPrefix,
		LogRequests:   cfg.Observability.LogRequests,
		Enabled:       cfg.Observability.Metrics || cfg.Observability.Tracing,
	}, gwLogger)

	routerCfg := routes.Config{
		Node:          node,
		Events:        eventLog,
		Logger:        gwLogger,
		Authenticator: auth,
		RateLimiter:   middleware.NewRateLimiter(limits, gwLogger),
		Observability: obs,
		CORS: middleware.CORSConfig{
			AllowedOrigins:   cfg.CORS.AllowedOrigins,
			AllowCredentials: cfg.CORS.AllowCredentials,
		},
		AllowFaucet:       allowFaucet,
		TrustCallerHeader: !cfg.Auth.Enabled,
	}
	if upkeep != nil {
		routerCfg.Keeper = upkeep
	}
	handler := routes.New(routerCfg)
	if cfg.RequestTimeout > 0 {
		handler = http.TimeoutHandler(handler, cfg.RequestTimeout, `{"error":"request timeout"}`)
	}
	if cfg.Observability.Tracing {
		handler = otelhttp.NewHandler(handler, "gateway")
	}
	return &http.Server{
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}, guard, nil
}

func pruneLoop(ctx context.Context, guard *middleware.ReplayGuard, logger *slog.Logger) {
	ticker := time.NewTicker(replayPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := guard.Prune()
			if err != nil {
				logger.Warn("replay prune failed", slog.Any("error", err))
				continue
			}
			if removed > 0 {
				logger.Debug("replay ids pruned", slog.Int("removed", removed))
			}
		}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func envBool(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

// resolveRelative resolves p against the directory of the config file.
func resolveRelative(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(filepath.Dir(base), p)
}
