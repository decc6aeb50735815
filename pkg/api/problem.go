// Package api assembles the control plane's HTTP surface: RFC 7807
// problem responses mapped from the typed error set, request
// middleware, instance lifecycle handlers, the billing webhook
// endpoint, the OAuth round-trip, and the forwarding proxy that hands
// requests to worker processes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/gantrylabs/gantry/pkg/billing"
	"github.com/gantrylabs/gantry/pkg/credentials"
	"github.com/gantrylabs/gantry/pkg/ports"
	"github.com/gantrylabs/gantry/pkg/ratelimit"
	"github.com/gantrylabs/gantry/pkg/supervisor"
)

const problemTypeBase = "https://gantry.dev/errors/"

// ErrInvalidInstanceID rejects path values that are not well-formed
// instance ids.
var ErrInvalidInstanceID = errors.New("api: instance id must be a v4 uuid")

// Problem implements RFC 7807 (Problem Details for HTTP APIs). All API
// error responses use this format; Code is the stable machine-readable
// error code from the taxonomy.
type Problem struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Code is the stable error code callers should branch on.
	Code string `json:"code,omitempty"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Instance is a URI reference identifying the specific occurrence.
	Instance string `json:"instance,omitempty"`
	// TraceID links the response to the request id for log correlation.
	TraceID string `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (p *Problem) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// tokenPattern matches credential material that can ride along inside
// wrapped provider and store errors. Detail strings are masked before
// they leave the process.
var tokenPattern = regexp.MustCompile(`(?i)("?(?:access_token|refresh_token|api_key|client_secret|authorization)"?\s*[:=]\s*"?(?:Bearer\s+)?)[A-Za-z0-9._~+/=-]+`)

func maskTokens(detail string) string {
	return tokenPattern.ReplaceAllString(detail, "${1}********")
}

// WriteProblem writes a Problem, enriched with request context: the
// instance URI from the request path and the trace id from
// X-Request-ID. Detail strings are token-masked.
func WriteProblem(w http.ResponseWriter, r *http.Request, p *Problem) {
	if p.Type == "" {
		if p.Code != "" {
			p.Type = problemTypeBase + p.Code
		} else {
			p.Type = fmt.Sprintf("%s%d", problemTypeBase, p.Status)
		}
	}
	if r != nil {
		p.Instance = r.URL.Path
	}
	if p.TraceID == "" {
		p.TraceID = w.Header().Get("X-Request-ID")
	}
	p.Detail = maskTokens(p.Detail)

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes a problem response built from its parts.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, title, detail string) {
	WriteProblem(w, r, &Problem{Title: title, Status: status, Code: code, Detail: detail})
}

// WriteFromError maps an error through the taxonomy and writes it.
func WriteFromError(w http.ResponseWriter, r *http.Request, err error) {
	p := FromError(err)
	if p.Status >= http.StatusInternalServerError {
		slog.Error("request failed", "path", r.URL.Path, "error", err)
	}
	WriteProblem(w, r, p)
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusBadRequest, "bad_request", "Bad Request", detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, r, http.StatusUnauthorized, "unauthorized", "Unauthorized", detail)
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "Insufficient permissions"
	}
	WriteError(w, r, http.StatusForbidden, "forbidden", "Forbidden", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusNotFound, "not_found", "Not Found", detail)
}

// WriteTooManyRequests writes a 429 error response with a Retry-After
// header.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, r, http.StatusTooManyRequests, "rate_limited", "Too Many Requests",
		"Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response. The err parameter is
// logged but never exposed to the client.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	slog.Error("internal server error", "path", r.URL.Path, "error", err)
	WriteError(w, r, http.StatusInternalServerError, "internal", "Internal Server Error",
		"An unexpected error occurred. Please try again later.")
}

// FromError maps the typed error set onto problem responses. Unknown
// errors become a generic 500 so internal details never leak.
func FromError(err error) *Problem {
	var (
		quotaErr   *supervisor.QuotaError
		spawnErr   *supervisor.SpawnError
		probeErr   *supervisor.ProbeError
		refreshErr *credentials.RefreshFailedError
		authErr    *credentials.AuthInvalidError
	)

	switch {
	case errors.Is(err, ErrInvalidInstanceID):
		return &Problem{Status: http.StatusBadRequest, Code: "invalid_instance_id",
			Title: "Bad Request", Detail: "instance id must be a v4 uuid"}

	case errors.Is(err, credentials.ErrInstanceNotFound),
		errors.Is(err, supervisor.ErrInstanceNotFound):
		return &Problem{Status: http.StatusNotFound, Code: "instance_not_found",
			Title: "Not Found", Detail: "no such instance"}

	case errors.Is(err, credentials.ErrServiceDisabled),
		errors.Is(err, supervisor.ErrServiceDisabled):
		return &Problem{Status: http.StatusServiceUnavailable, Code: "service_disabled",
			Title: "Service Unavailable", Detail: "the service backing this instance is disabled"}

	case errors.Is(err, credentials.ErrInstancePaused):
		return &Problem{Status: http.StatusForbidden, Code: "instance_paused",
			Title: "Forbidden", Detail: "the instance is paused"}

	case errors.Is(err, credentials.ErrNoCredential):
		return &Problem{Status: http.StatusUnauthorized, Code: "oauth_required",
			Title: "Unauthorized", Detail: "oauth authorization has not been completed for this instance"}

	case errors.Is(err, credentials.ErrReauthRequired), errors.As(err, &authErr):
		return &Problem{Status: http.StatusUnauthorized, Code: "reauth_required",
			Title: "Unauthorized", Detail: "the stored grant is no longer valid; re-authorization is required"}

	case errors.As(err, &refreshErr):
		return &Problem{Status: http.StatusUnauthorized, Code: "refresh_failed",
			Title: "Unauthorized",
			Detail: fmt.Sprintf("token refresh against %s failed: %s", refreshErr.Provider, refreshErr.Detail)}

	case errors.Is(err, credentials.ErrStateInvalid), errors.Is(err, credentials.ErrStateExpired):
		return &Problem{Status: http.StatusBadRequest, Code: "invalid_state",
			Title: "Bad Request", Detail: "the oauth state parameter is invalid or expired"}

	case errors.As(err, &quotaErr):
		return &Problem{Status: http.StatusForbidden, Code: "quota_exceeded",
			Title: "Forbidden",
			Detail: fmt.Sprintf("plan %s allows %d active instances, %d already running",
				quotaErr.Plan, quotaErr.Max, quotaErr.Active)}

	case errors.Is(err, ports.ErrPortExhausted):
		return &Problem{Status: http.StatusServiceUnavailable, Code: "port_exhausted",
			Title: "Service Unavailable", Detail: "no worker ports are currently available"}

	case errors.As(err, &spawnErr):
		return &Problem{Status: http.StatusInternalServerError, Code: "spawn_failed",
			Title: "Internal Server Error", Detail: "the worker process could not be started"}

	case errors.Is(err, supervisor.ErrStartupTimeout):
		return &Problem{Status: http.StatusInternalServerError, Code: "startup_timeout",
			Title: "Internal Server Error", Detail: "the worker did not become ready within the startup budget"}

	case errors.As(err, &probeErr):
		return &Problem{Status: http.StatusInternalServerError, Code: "protocol_probe_failed",
			Title: "Internal Server Error",
			Detail: fmt.Sprintf("the worker failed its %s probe", probeErr.Stage)}

	case errors.Is(err, ratelimit.ErrRateLimited):
		return &Problem{Status: http.StatusTooManyRequests, Code: "rate_limited",
			Title: "Too Many Requests", Detail: "rate limit exceeded"}

	case errors.Is(err, billing.ErrInvalidSignature):
		return &Problem{Status: http.StatusBadRequest, Code: "invalid_signature",
			Title: "Bad Request", Detail: "webhook signature verification failed"}

	case errors.Is(err, billing.ErrMalformedEvent):
		return &Problem{Status: http.StatusBadRequest, Code: "malformed_event",
			Title: "Bad Request", Detail: "webhook payload could not be parsed"}

	case errors.Is(err, context.DeadlineExceeded):
		return &Problem{Status: http.StatusGatewayTimeout, Code: "upstream_timeout",
			Title: "Gateway Timeout", Detail: "an upstream call exceeded its deadline"}

	default:
		return &Problem{Status: http.StatusInternalServerError, Code: "internal",
			Title: "Internal Server Error", Detail: "An unexpected error occurred. Please try again later."}
	}
}
