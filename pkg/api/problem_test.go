package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gantrylabs/gantry/pkg/api"
	"github.com/gantrylabs/gantry/pkg/billing"
	"github.com/gantrylabs/gantry/pkg/credentials"
	"github.com/gantrylabs/gantry/pkg/plans"
	"github.com/gantrylabs/gantry/pkg/ports"
	"github.com/gantrylabs/gantry/pkg/ratelimit"
	"github.com/gantrylabs/gantry/pkg/supervisor"
)

func decodeProblem(t *testing.T, w *httptest.ResponseRecorder) api.Problem {
	t.Helper()
	var p api.Problem
	if err := json.NewDecoder(w.Body).Decode(&p); err != nil {
		t.Fatalf("failed to decode problem: %v", err)
	}
	return p
}

func TestWriteErrorContentType(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/instances/abc/status", nil)
	api.WriteError(w, r, http.StatusBadRequest, "bad_request", "Bad Request", "field is missing")

	if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("expected Content-Type 'application/problem+json', got %q", ct)
	}
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}

	p := decodeProblem(t, w)
	if p.Status != 400 || p.Code != "bad_request" {
		t.Errorf("problem = %+v", p)
	}
	if p.Instance != "/instances/abc/status" {
		t.Errorf("instance = %q", p.Instance)
	}
}

func TestWriteProblemEnrichesTraceID(t *testing.T) {
	w := httptest.NewRecorder()
	w.Header().Set("X-Request-ID", "req-123")
	r := httptest.NewRequest("GET", "/instances", nil)

	api.WriteProblem(w, r, &api.Problem{Status: http.StatusNotFound, Code: "not_found", Title: "Not Found"})

	p := decodeProblem(t, w)
	if p.TraceID != "req-123" {
		t.Errorf("trace_id = %q, want req-123", p.TraceID)
	}
	if p.Type != "https://gantry.dev/errors/not_found" {
		t.Errorf("type = %q", p.Type)
	}
}

func TestWriteProblemMasksTokens(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/x", nil)

	api.WriteProblem(w, r, &api.Problem{
		Status: http.StatusUnauthorized,
		Code:   "refresh_failed",
		Title:  "Unauthorized",
		Detail: `provider rejected request {"access_token":"ya29.secret-value","expires_in":3599}`,
	})

	body := w.Body.String()
	if strings.Contains(body, "ya29.secret-value") {
		t.Fatalf("token leaked into response: %s", body)
	}
	if !strings.Contains(body, "access_token") {
		t.Fatalf("masking should keep the field name: %s", body)
	}
}

func TestWriteInternalSanitizesError(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/x", nil)
	api.WriteInternal(w, r, errors.New("pq: connection refused to host=10.0.0.1"))

	p := decodeProblem(t, w)
	if p.Detail == "pq: connection refused to host=10.0.0.1" {
		t.Error("internal error details leaked to client")
	}
	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", w.Code)
	}
}

func TestWriteTooManyRequestsRetryAfterHeader(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/x", nil)
	api.WriteTooManyRequests(w, r, 30)

	if ra := w.Header().Get("Retry-After"); ra != "30" {
		t.Errorf("expected Retry-After '30', got %q", ra)
	}
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", w.Code)
	}
}

func TestFromErrorTaxonomy(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"invalid id", api.ErrInvalidInstanceID, 400, "invalid_instance_id"},
		{"not found", credentials.ErrInstanceNotFound, 404, "instance_not_found"},
		{"not found supervisor", supervisor.ErrInstanceNotFound, 404, "instance_not_found"},
		{"disabled", credentials.ErrServiceDisabled, 503, "service_disabled"},
		{"paused", credentials.ErrInstancePaused, 403, "instance_paused"},
		{"no credential", credentials.ErrNoCredential, 401, "oauth_required"},
		{"reauth", credentials.ErrReauthRequired, 401, "reauth_required"},
		{"refresh failed", &credentials.RefreshFailedError{Provider: "google", Detail: "upstream 500"}, 401, "refresh_failed"},
		{"bad state", credentials.ErrStateExpired, 400, "invalid_state"},
		{"quota", &supervisor.QuotaError{Plan: plans.PlanFree, Active: 2, Max: 2}, 403, "quota_exceeded"},
		{"ports", ports.ErrPortExhausted, 503, "port_exhausted"},
		{"spawn", &supervisor.SpawnError{Reason: "binary missing"}, 500, "spawn_failed"},
		{"startup timeout", supervisor.ErrStartupTimeout, 500, "startup_timeout"},
		{"probe", &supervisor.ProbeError{Stage: "protocol", Detail: "tools empty"}, 500, "protocol_probe_failed"},
		{"rate limited", ratelimit.ErrRateLimited, 429, "rate_limited"},
		{"signature", billing.ErrInvalidSignature, 400, "invalid_signature"},
		{"malformed event", billing.ErrMalformedEvent, 400, "malformed_event"},
		{"deadline", context.DeadlineExceeded, 504, "upstream_timeout"},
		{"unknown", errors.New("disk on fire"), 500, "internal"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := api.FromError(tc.err)
			if p.Status != tc.status {
				t.Errorf("status = %d, want %d", p.Status, tc.status)
			}
			if p.Code != tc.code {
				t.Errorf("code = %q, want %q", p.Code, tc.code)
			}
		})
	}
}

func TestFromErrorWrappedSentinel(t *testing.T) {
	wrapped := errors.Join(errors.New("start failed"), supervisor.ErrStartupTimeout)
	p := api.FromError(wrapped)
	if p.Code != "startup_timeout" {
		t.Errorf("code = %q, want startup_timeout", p.Code)
	}
}

func TestFromErrorUnknownHidesDetail(t *testing.T) {
	p := api.FromError(errors.New("password=hunter2 leaked into error"))
	if strings.Contains(p.Detail, "hunter2") {
		t.Fatal("internal error text must not reach the client")
	}
}
