// gantryd is the control plane daemon. It authenticates users, brokers
// per-instance credentials, supervises MCP worker processes, proxies
// tool traffic to them, and keeps plan state in step with billing
// webhooks.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/gantrylabs/gantry/pkg/api"
	"github.com/gantrylabs/gantry/pkg/audit"
	"github.com/gantrylabs/gantry/pkg/auth"
	"github.com/gantrylabs/gantry/pkg/billing"
	"github.com/gantrylabs/gantry/pkg/catalog"
	"github.com/gantrylabs/gantry/pkg/config"
	"github.com/gantrylabs/gantry/pkg/credentials"
	"github.com/gantrylabs/gantry/pkg/gate"
	"github.com/gantrylabs/gantry/pkg/identity"
	"github.com/gantrylabs/gantry/pkg/logsink"
	"github.com/gantrylabs/gantry/pkg/observability"
	"github.com/gantrylabs/gantry/pkg/plans"
	"github.com/gantrylabs/gantry/pkg/ports"
	"github.com/gantrylabs/gantry/pkg/ratelimit"
	"github.com/gantrylabs/gantry/pkg/reconciler"
	"github.com/gantrylabs/gantry/pkg/store"
	"github.com/gantrylabs/gantry/pkg/supervisor"
)

// version is set at build time via -ldflags.
var version = "dev"

const shutdownBudget = 30 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// .env support for local runs; production sets real variables.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := serve(ctx, cfg, logger); err != nil {
		logger.Error("gantryd exited", "error", err)
		return 1
	}
	return 0
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("gantryd starting",
		"version", version, "port", cfg.Port, "environment", cfg.Environment)

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer db.Close()
	pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
	err = db.PingContext(pingCtx)
	pingCancel()
	if err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("postgres connected")

	masterKey, err := cfg.CredentialKeyBytes()
	if err != nil {
		return err
	}
	crypter, err := store.NewCrypter(masterKey)
	if err != nil {
		return err
	}
	st, err := store.New(db, crypter, store.WithLogger(logger))
	if err != nil {
		return err
	}
	if err := st.Init(ctx); err != nil {
		return fmt.Errorf("store init: %w", err)
	}

	var cat *catalog.Catalog
	if cfg.CatalogPath != "" {
		if cat, err = catalog.Load(cfg.CatalogPath); err != nil {
			return err
		}
		logger.Info("catalog loaded", "path", cfg.CatalogPath, "services", cat.Len())
	} else {
		cat = catalog.Default()
		logger.Info("catalog: built-in defaults", "services", cat.Len())
	}

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "gantryd",
		ServiceVersion: version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTLPEndpoint != "",
		Insecure:       cfg.Environment != "production",
	})
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := obs.Shutdown(flushCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
		flushCancel()
	}()

	alloc, err := ports.New(cfg.PortRangeLow, cfg.PortRangeHigh)
	if err != nil {
		return err
	}
	sinks := logsink.NewManager(cfg.LogRoot, logger)

	clients := make(map[string]credentials.ClientCredentials, len(cfg.OAuthClients))
	for provider, c := range cfg.OAuthClients {
		clients[provider] = credentials.ClientCredentials{ID: c.ID, Secret: c.Secret}
	}
	auditLog := audit.NewDBLogger(db)
	cache := credentials.NewCache()
	resolver := credentials.NewResolver(st, cat, cache,
		credentials.WithClients(clients),
		credentials.WithAudit(auditLog),
		credentials.WithResolverLogger(logger))
	flow := credentials.NewFlow(st, cat, cache, cfg.OAuthRedirectURL(),
		credentials.WithFlowClients(clients),
		credentials.WithFlowAudit(auditLog))

	policy, err := plans.NewEligibilityPolicy(cfg.EligibilityRule)
	if err != nil {
		return err
	}
	prober := supervisor.NewProber(supervisor.WithStartupBudget(cfg.StartupTimeout))
	sup := supervisor.New(st, cat, alloc, sinks,
		supervisor.WithTokenSource(resolver),
		supervisor.WithProber(prober),
		supervisor.WithEligibilityPolicy(policy),
		supervisor.WithHealthInterval(cfg.HealthInterval),
		supervisor.WithLogger(logger))

	processor := billing.New(st, cfg.WebhookSecrets,
		billing.WithSupervision(sup),
		billing.WithLogger(logger))
	if len(cfg.WebhookSecrets) == 0 {
		logger.Warn("no webhook secrets configured; billing webhooks will be rejected")
	}

	rec := reconciler.New(st, sup,
		reconciler.WithInterval(cfg.ReconcileInterval),
		reconciler.WithLogger(logger))

	keySet, err := identity.NewHMACKeySet([]byte(cfg.AuthSigningKey))
	if err != nil {
		return err
	}

	var limits ratelimit.Store
	if cfg.RedisAddr != "" {
		limits = ratelimit.NewRedisStoreFromAddr(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		logger.Info("rate limits: redis", "addr", cfg.RedisAddr)
	} else {
		limits = ratelimit.NewMemoryStore()
		logger.Info("rate limits: in-memory (single node)")
	}
	g := gate.New(st, resolver,
		gate.WithRateLimits(limits),
		gate.WithLogger(logger))

	handlers := api.NewHandlers(sup, st, processor, flow, logger)
	proxy := api.NewWorkerProxy(sup, logger)
	router := api.NewRouter(api.RouterConfig{
		Handlers:    handlers,
		Proxy:       proxy,
		Auth:        auth.NewMiddleware(keySet),
		Gate:        g.Middleware,
		GateLite:    g.Lightweight,
		Logger:      logger,
		GlobalRPS:   cfg.GlobalRPS,
		GlobalBurst: cfg.GlobalBurst,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           auth.CORSMiddleware(cfg.CORSOrigins)(router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Background loops: health sweeps and the cleanup reconciler.
	loopCtx, stopLoops := context.WithCancel(ctx)
	loopsDone := make(chan struct{})
	go func() {
		defer close(loopsDone)
		rec.Run(loopCtx)
	}()
	go func() { _ = sup.Run(loopCtx) }()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		stopLoops()
		return err
	}

	// Shutdown order: stop the background loops, stop every worker,
	// then drain the HTTP server. Workers go first so in-flight proxy
	// requests fail fast instead of hitting half-dead processes.
	logger.Info("shutting down")
	stopLoops()
	<-loopsDone

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownBudget)
	if err := sup.Shutdown(stopCtx); err != nil {
		logger.Warn("worker shutdown", "error", err)
	}
	stopCancel()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = srv.Shutdown(drainCtx)
	drainCancel()
	if err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}

	logger.Info("gantryd stopped")
	return nil
}
