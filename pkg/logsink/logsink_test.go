package logsink

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func readRecords(t *testing.T, path string) []Record {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer func() { _ = f.Close() }()

	var recs []Record
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			t.Fatalf("bad record %q: %v", sc.Text(), err)
		}
		recs = append(recs, r)
	}
	return recs
}

func TestOpenCreatesTree(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root, nil)

	s, err := m.Open("u1", "i1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = m.Close("i1") }()

	wantDir := filepath.Join(root, "users", "user_u1", "mcp_i1")
	if s.Dir() != wantDir {
		t.Fatalf("Dir = %s, want %s", s.Dir(), wantDir)
	}
	for _, name := range []string{"app.log", "access.log", "error.log"} {
		if _, err := os.Stat(filepath.Join(wantDir, name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}
}

func TestAttachRouting(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root, nil)
	s, err := m.Open("u1", "i1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	stdout := strings.NewReader(strings.Join([]string{
		"server listening on :42000",
		`GET /health 200 1ms`,
		"cache warmed",
		`POST /i1/mcp/github/rpc 200 12ms`,
	}, "\n") + "\n")
	stderr := strings.NewReader("boom: connection refused\n")

	s.Attach(stdout, stderr)
	if err := m.Close("i1"); err != nil {
		t.Fatalf("Close: %v", err)
	}

	app := readRecords(t, filepath.Join(s.Dir(), "app.log"))
	access := readRecords(t, filepath.Join(s.Dir(), "access.log"))
	errs := readRecords(t, filepath.Join(s.Dir(), "error.log"))

	if len(app) != 2 {
		t.Fatalf("app records = %d, want 2", len(app))
	}
	if len(access) != 2 {
		t.Fatalf("access records = %d, want 2", len(access))
	}
	if len(errs) != 1 {
		t.Fatalf("error records = %d, want 1", len(errs))
	}

	if errs[0].Level != "error" || errs[0].Stream != StreamError {
		t.Errorf("stderr record = %+v", errs[0])
	}
	if errs[0].Metadata["source"] != "stderr" {
		t.Errorf("stderr metadata = %v", errs[0].Metadata)
	}
	if access[0].Message != "GET /health 200 1ms" {
		t.Errorf("access[0] = %q", access[0].Message)
	}
	for _, r := range app {
		if r.InstanceID != "i1" {
			t.Errorf("instance_id = %q, want i1", r.InstanceID)
		}
		if _, err := time.Parse(time.RFC3339Nano, r.TS); err != nil {
			t.Errorf("ts %q not RFC3339Nano: %v", r.TS, err)
		}
	}
}

func TestRouteStdout(t *testing.T) {
	cases := []struct {
		line string
		want string
	}{
		{"GET /health 200", StreamAccess},
		{"  POST /rpc 500", StreamAccess},
		{"DELETE item", StreamAccess},
		{"PATCHWORK quilt", StreamApp}, // method must be a whole token
		{"visiting /GET/ path", StreamApp},
		{"starting up", StreamApp},
		{"", StreamApp},
		{"head of queue", StreamApp}, // lowercase is not a method token
		{"HEAD /favicon.ico 404", StreamAccess},
	}
	for _, tc := range cases {
		if got := RouteStdout(tc.line); got != tc.want {
			t.Errorf("RouteStdout(%q) = %s, want %s", tc.line, got, tc.want)
		}
	}
}

func TestConcurrentWritesSerialize(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root, nil)
	s, err := m.Open("u1", "i1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = s.Write(StreamApp, "info", strings.Repeat("x", 100), nil)
			}
		}(i)
	}
	wg.Wait()
	if err := m.Close("i1"); err != nil {
		t.Fatalf("Close: %v", err)
	}

	recs := readRecords(t, filepath.Join(s.Dir(), "app.log"))
	if len(recs) != 400 {
		t.Fatalf("records = %d, want 400 (lost or torn writes)", len(recs))
	}
}

func TestCloseIdempotent(t *testing.T) {
	m := NewManager(t.TempDir(), nil)
	s, err := m.Open("u1", "i1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := m.Close("i1"); err != nil {
		t.Fatalf("manager Close: %v", err)
	}
	if err := m.Close("never-opened"); err != nil {
		t.Fatalf("Close of unknown id: %v", err)
	}
}

func TestWriteAfterCloseFails(t *testing.T) {
	m := NewManager(t.TempDir(), nil)
	s, err := m.Open("u1", "i1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = s.Close()
	if err := s.Write(StreamApp, "info", "late", nil); err == nil {
		t.Fatal("Write after Close should fail")
	}
}
