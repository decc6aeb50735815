package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"

	"github.com/gantrylabs/gantry/pkg/credentials"
	"github.com/gantrylabs/gantry/pkg/supervisor"
)

// Workers is the slice of the supervisor the proxy drives.
type Workers interface {
	Start(ctx context.Context, instanceID string) (supervisor.WorkerRecord, error)
}

// WorkerProxy forwards authenticated requests to the instance's worker
// process. The gate middleware has already validated the instance,
// checked ownership, and resolved the bearer into the request context;
// the proxy ensures the worker is running and hands the request over.
type WorkerProxy struct {
	sup    Workers
	logger *slog.Logger
}

// NewWorkerProxy builds the forwarding handler.
func NewWorkerProxy(sup Workers, logger *slog.Logger) *WorkerProxy {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerProxy{sup: sup, logger: logger.With("component", "proxy")}
}

// ServeHTTP handles /mcp/{instance_id} and everything below it.
func (p *WorkerProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	instanceID := r.PathValue("instance_id")

	// Start is idempotent: a ready worker returns immediately, a stopped
	// one boots within the startup budget.
	rec, err := p.sup.Start(r.Context(), instanceID)
	if err != nil {
		WriteFromError(w, r, err)
		return
	}

	target := &url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort("127.0.0.1", strconv.Itoa(rec.Port)),
	}
	bearer, _ := credentials.BearerFrom(r.Context())

	proxy := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = target.Scheme
			req.URL.Host = target.Host
			req.URL.Path = workerPath(req.URL.Path, instanceID)
			req.Host = target.Host

			// The caller's Authorization carried the control plane
			// token; the worker gets the resolved upstream bearer.
			req.Header.Del("Authorization")
			if bearer != "" {
				req.Header.Set("Authorization", "Bearer "+bearer)
			}
		},
		// Workers stream SSE; flush every chunk through.
		FlushInterval: -1,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			p.logger.Error("worker request failed",
				"instance_id", instanceID, "port", rec.Port, "error", err)
			WriteError(w, r, http.StatusBadGateway, "worker_unreachable",
				"Bad Gateway", "the worker did not answer")
		},
	}
	proxy.ServeHTTP(w, r)
}

// workerPath rewrites the public path onto the worker's namespace:
// /mcp/{id}/<service>/rpc maps to /{id}/mcp/<service>/rpc on the
// worker, the same shape the readiness prober speaks.
func workerPath(full, instanceID string) string {
	rest := strings.TrimPrefix(full, "/mcp/"+instanceID)
	return "/" + instanceID + "/mcp" + rest
}
