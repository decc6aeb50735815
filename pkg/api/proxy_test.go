package api_test

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/gantrylabs/gantry/pkg/api"
	"github.com/gantrylabs/gantry/pkg/credentials"
	"github.com/gantrylabs/gantry/pkg/supervisor"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// backendPort extracts the listening port of a test server so a fake
// worker record can point the proxy at it.
func backendPort(t *testing.T, ts *httptest.Server) int {
	t.Helper()
	u, err := url.Parse(ts.URL)
	if err != nil {
		t.Fatalf("failed to parse backend url: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("backend url has no port: %v", err)
	}
	return port
}

// proxyMux mounts the proxy under the same patterns the router uses so
// PathValue resolves.
func proxyMux(p http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/mcp/{instance_id}", p)
	mux.Handle("/mcp/{instance_id}/", p)
	return mux
}

func TestProxyForwardsToWorker(t *testing.T) {
	var gotPath, gotQuery, gotAuth string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{}}`))
	}))
	defer backend.Close()

	sup := &fakeLifecycle{startRec: supervisor.WorkerRecord{
		Port:  backendPort(t, backend),
		State: supervisor.StateReady,
	}}
	mux := proxyMux(api.NewWorkerProxy(sup, testLogger()))

	req := httptest.NewRequest("POST", "/mcp/"+testInstanceID+"/github/rpc?cursor=abc",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tools/call"}`))
	req.Header.Set("Authorization", "Bearer control-plane-token")
	req = req.WithContext(credentials.WithBearer(req.Context(), "upstream-token-9"))

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if want := "/" + testInstanceID + "/mcp/github/rpc"; gotPath != want {
		t.Errorf("worker saw path %q, want %s", gotPath, want)
	}
	if gotQuery != "cursor=abc" {
		t.Errorf("query string dropped: %q", gotQuery)
	}
	if gotAuth != "Bearer upstream-token-9" {
		t.Errorf("worker saw Authorization %q, want the resolved bearer", gotAuth)
	}
	if !strings.Contains(w.Body.String(), `"jsonrpc"`) {
		t.Errorf("response body not forwarded: %s", w.Body.String())
	}
	if len(sup.started) != 1 || sup.started[0] != testInstanceID {
		t.Errorf("supervisor started %v", sup.started)
	}
}

func TestProxyMapsRootPath(t *testing.T) {
	var gotPath string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	sup := &fakeLifecycle{startRec: supervisor.WorkerRecord{Port: backendPort(t, backend)}}
	mux := proxyMux(api.NewWorkerProxy(sup, testLogger()))

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("POST", "/mcp/"+testInstanceID, nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if want := "/" + testInstanceID + "/mcp"; gotPath != want {
		t.Errorf("worker saw path %q, want %s", gotPath, want)
	}
}

func TestProxyStripsCallerAuthorizationWithoutBearer(t *testing.T) {
	gotAuth := "sentinel"
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	sup := &fakeLifecycle{startRec: supervisor.WorkerRecord{Port: backendPort(t, backend)}}
	mux := proxyMux(api.NewWorkerProxy(sup, testLogger()))

	// No bearer in the context: the control plane token must still be
	// stripped, never forwarded upstream.
	req := httptest.NewRequest("POST", "/mcp/"+testInstanceID, nil)
	req.Header.Set("Authorization", "Bearer control-plane-token")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if gotAuth != "" {
		t.Errorf("worker saw Authorization %q, want none", gotAuth)
	}
}

func TestProxyStartErrorMapsToProblem(t *testing.T) {
	sup := &fakeLifecycle{startErr: supervisor.ErrInstanceNotFound}
	mux := proxyMux(api.NewWorkerProxy(sup, testLogger()))

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("POST", "/mcp/"+testInstanceID, nil))

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	p := decodeProblem(t, w)
	if p.Code != "instance_not_found" {
		t.Errorf("code = %q", p.Code)
	}
}

func TestProxyWorkerUnreachable(t *testing.T) {
	// Grab a port that was listening and no longer is.
	backend := httptest.NewServer(http.NotFoundHandler())
	port := backendPort(t, backend)
	backend.Close()

	sup := &fakeLifecycle{startRec: supervisor.WorkerRecord{Port: port}}
	mux := proxyMux(api.NewWorkerProxy(sup, testLogger()))

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("POST", "/mcp/"+testInstanceID, nil))

	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
	p := decodeProblem(t, w)
	if p.Code != "worker_unreachable" {
		t.Errorf("code = %q", p.Code)
	}
}
