package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gantrylabs/gantry/pkg/catalog"
)

// fastProber keeps the staged sequence but shrinks every budget so
// tests finish quickly.
func fastProber(budget time.Duration, opts ...ProberOption) *Prober {
	base := []ProberOption{
		WithStartupBudget(budget),
		WithProbeGrace(time.Millisecond),
		WithProbeCadence(5 * time.Millisecond),
		WithProbeTimeout(250 * time.Millisecond),
	}
	return NewProber(append(base, opts...)...)
}

func workerHandler(instanceID, service, version string, tools []string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"ok"}`)
	})
	base := "/" + instanceID + "/mcp/" + service
	mux.HandleFunc(base+"/info", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"name":%q,"version":%q}`, service, version)
	})
	mux.HandleFunc(base+"/tools", func(w http.ResponseWriter, r *http.Request) {
		quoted := make([]string, len(tools))
		for i, tool := range tools {
			quoted[i] = fmt.Sprintf(`{"name":%q}`, tool)
		}
		fmt.Fprintf(w, `{"tools":[%s]}`, strings.Join(quoted, ","))
	})
	return mux
}

func serverPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse server URL: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parse server port: %v", err)
	}
	return port
}

func TestProbeStagesSucceed(t *testing.T) {
	srv := httptest.NewServer(workerHandler("i-1", "github", "1.4.0", []string{"search_issues"}))
	defer srv.Close()

	p := fastProber(2 * time.Second)
	target := Target{InstanceID: "i-1", Service: "github", Port: serverPort(t, srv)}
	if err := p.Probe(context.Background(), target); err != nil {
		t.Fatalf("Probe: %v", err)
	}
}

func TestProbeRetriesUntilHealthy(t *testing.T) {
	var healthCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if healthCalls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"status":"ok"}`)
	})
	mux.HandleFunc("/i-1/mcp/github/info", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"name":"github","version":"1.0.0"}`)
	})
	mux.HandleFunc("/i-1/mcp/github/tools", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"tools":[{"name":"a"}]}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := fastProber(2 * time.Second)
	target := Target{InstanceID: "i-1", Service: "github", Port: serverPort(t, srv)}
	if err := p.Probe(context.Background(), target); err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if n := healthCalls.Load(); n < 3 {
		t.Errorf("health endpoint called %d times, want at least 3", n)
	}
}

func TestProbeEmptyToolListExhaustsBudget(t *testing.T) {
	srv := httptest.NewServer(workerHandler("i-1", "github", "1.0.0", nil))
	defer srv.Close()

	p := fastProber(150 * time.Millisecond)
	target := Target{InstanceID: "i-1", Service: "github", Port: serverPort(t, srv)}
	err := p.Probe(context.Background(), target)
	if !errors.Is(err, ErrStartupTimeout) {
		t.Fatalf("Probe error = %v, want ErrStartupTimeout", err)
	}
	var perr *ProbeError
	if !errors.As(err, &perr) || perr.Stage != StageProtocol {
		t.Fatalf("Probe error chain %v should carry a protocol ProbeError", err)
	}
	if !strings.Contains(perr.Detail, "empty tool list") {
		t.Errorf("detail = %q, want the empty tool list failure", perr.Detail)
	}
}

func TestProbeVersionMismatchFailsFast(t *testing.T) {
	cat, err := catalog.Parse([]byte(`services:
  - name: github
    binary: /opt/workers/github
    kind: oauth
    min_version: "2.0.0"
`))
	if err != nil {
		t.Fatalf("parse catalog: %v", err)
	}
	entry, _ := cat.Lookup("github")

	srv := httptest.NewServer(workerHandler("i-1", "github", "1.3.0", []string{"a"}))
	defer srv.Close()

	p := fastProber(5 * time.Second)
	target := Target{InstanceID: "i-1", Service: "github", Port: serverPort(t, srv), Entry: entry}

	started := time.Now()
	err = p.Probe(context.Background(), target)
	var perr *ProbeError
	if !errors.As(err, &perr) || !perr.Permanent {
		t.Fatalf("Probe error = %v, want a permanent ProbeError", err)
	}
	if perr.Stage != StageProtocol {
		t.Errorf("stage = %q, want protocol", perr.Stage)
	}
	if elapsed := time.Since(started); elapsed > time.Second {
		t.Errorf("version mismatch burned %v before failing, should stop early", elapsed)
	}

	// A satisfying version passes the same gate.
	srvOK := httptest.NewServer(workerHandler("i-1", "github", "2.1.0", []string{"a"}))
	defer srvOK.Close()
	target.Port = serverPort(t, srvOK)
	if err := p.Probe(context.Background(), target); err != nil {
		t.Fatalf("Probe with satisfying version: %v", err)
	}
}

func TestProbeNoListenerTimesOut(t *testing.T) {
	p := fastProber(120 * time.Millisecond)
	// Nothing listens on the target port.
	target := Target{InstanceID: "i-1", Service: "github", Port: 1}
	err := p.Probe(context.Background(), target)
	if !errors.Is(err, ErrStartupTimeout) {
		t.Fatalf("Probe error = %v, want ErrStartupTimeout", err)
	}
	var perr *ProbeError
	if !errors.As(err, &perr) || perr.Stage != StagePort {
		t.Fatalf("error chain %v should carry a port-stage ProbeError", err)
	}
}

func TestProbeSlowHealthTimesOut(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		fmt.Fprint(w, `{"status":"ok"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := fastProber(200*time.Millisecond, WithProbeTimeout(20*time.Millisecond))
	target := Target{InstanceID: "i-1", Service: "github", Port: serverPort(t, srv)}
	err := p.Probe(context.Background(), target)
	if !errors.Is(err, ErrStartupTimeout) {
		t.Fatalf("Probe error = %v, want ErrStartupTimeout", err)
	}
}

func TestCheckSinglePass(t *testing.T) {
	srv := httptest.NewServer(workerHandler("i-1", "github", "1.0.0", []string{"a"}))
	defer srv.Close()

	p := fastProber(time.Second)
	target := Target{InstanceID: "i-1", Service: "github", Port: serverPort(t, srv)}
	if err := p.Check(context.Background(), target); err != nil {
		t.Fatalf("Check against a healthy worker: %v", err)
	}

	empty := httptest.NewServer(workerHandler("i-1", "github", "1.0.0", nil))
	defer empty.Close()
	target.Port = serverPort(t, empty)
	var perr *ProbeError
	if err := p.Check(context.Background(), target); !errors.As(err, &perr) || perr.Stage != StageProtocol {
		t.Fatalf("Check error = %v, want a protocol ProbeError", err)
	}
}
