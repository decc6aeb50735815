package api

import (
	"log/slog"
	"net/http"

	"github.com/gantrylabs/gantry/pkg/metrics"
)

// Middleware is a standard handler wrapper.
type Middleware func(http.Handler) http.Handler

// RouterConfig assembles the HTTP surface. Auth verifies bearer
// tokens; Gate and GateLite are the full and lightweight instance
// gates, passed as values so the route table carries no upward
// dependency on the packages that implement them.
type RouterConfig struct {
	Handlers *Handlers
	Proxy    http.Handler

	Auth     Middleware
	Gate     Middleware
	GateLite Middleware

	Logger *slog.Logger

	// Per-IP limits for the outermost limiter; zero disables it.
	GlobalRPS   int
	GlobalBurst int
}

// NewRouter builds the complete handler chain: request id, request
// log, per-IP limiter, token auth, then the route table with the
// instance gates on instance-scoped routes.
func NewRouter(cfg RouterConfig) http.Handler {
	h := cfg.Handlers
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /readiness", h.HandleReadiness)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("POST /billing/webhooks/{gateway}", h.HandleWebhook)
	mux.HandleFunc("GET /oauth/callback", h.HandleOAuthCallback)

	mux.HandleFunc("GET /instances", h.HandleListInstances)
	mux.Handle("POST /instances/{instance_id}/start", cfg.GateLite(http.HandlerFunc(h.HandleStart)))
	mux.Handle("POST /instances/{instance_id}/stop", cfg.GateLite(http.HandlerFunc(h.HandleStop)))
	mux.Handle("GET /instances/{instance_id}/status", cfg.GateLite(http.HandlerFunc(h.HandleStatus)))
	mux.Handle("GET /oauth/authorize/{instance_id}", cfg.GateLite(http.HandlerFunc(h.HandleOAuthAuthorize)))

	mux.Handle("/mcp/{instance_id}", cfg.Gate(cfg.Proxy))
	mux.Handle("/mcp/{instance_id}/", cfg.Gate(cfg.Proxy))

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var handler http.Handler = mux
	handler = cfg.Auth(handler)
	if cfg.GlobalRPS > 0 {
		handler = NewGlobalRateLimiter(cfg.GlobalRPS, cfg.GlobalBurst).Middleware(handler)
	}
	handler = RequestLogger(logger.With("component", "http"))(handler)
	handler = RequestIDMiddleware(handler)
	return handler
}
