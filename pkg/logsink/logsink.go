// Package logsink owns the per-worker log tree. Every worker gets three
// append-only streams (app, access, error) under
// logs/users/user_<user_id>/mcp_<instance_id>/, one JSON record per line.
// Stdout and stderr of the worker are pumped into the streams according
// to a fixed routing rule: stderr goes to error, stdout lines carrying an
// HTTP method token go to access, everything else goes to app.
package logsink

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

// Stream names.
const (
	StreamApp    = "app"
	StreamAccess = "access"
	StreamError  = "error"
)

// maxLineBytes caps a single pumped line. Longer lines abort the pump
// for that pipe with a sink-level error record.
const maxLineBytes = 1 << 20

var httpMethodToken = regexp.MustCompile(`\b(GET|POST|PUT|DELETE|PATCH|HEAD)\b`)

// RouteStdout classifies a worker stdout line into app or access.
func RouteStdout(line string) string {
	if httpMethodToken.MatchString(line) {
		return StreamAccess
	}
	return StreamApp
}

// Record is the JSON line format of every stream.
type Record struct {
	TS         string         `json:"ts"`
	Level      string         `json:"level"`
	Message    string         `json:"message"`
	Stream     string         `json:"stream"`
	InstanceID string         `json:"instance_id"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Manager opens and tracks sinks, one per running worker.
type Manager struct {
	root   string
	logger *slog.Logger

	mu    sync.Mutex
	sinks map[string]*Sink
}

// NewManager creates a manager rooted at dir (the "logs" tree).
func NewManager(root string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		root:   root,
		logger: logger.With("component", "logsink"),
		sinks:  make(map[string]*Sink),
	}
}

// Open creates the directory tree and the three stream files for an
// instance, replacing any sink previously registered under the same id.
func (m *Manager) Open(userID, instanceID string) (*Sink, error) {
	dir := filepath.Join(m.root, "users", "user_"+userID, "mcp_"+instanceID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("logsink: failed to create log dir: %w", err)
	}

	s := &Sink{
		instanceID: instanceID,
		dir:        dir,
		logger:     m.logger.With("instance_id", instanceID),
		now:        time.Now,
	}
	var err error
	if s.app, err = openStream(dir, StreamApp); err != nil {
		return nil, err
	}
	if s.access, err = openStream(dir, StreamAccess); err != nil {
		_ = s.app.close()
		return nil, err
	}
	if s.errs, err = openStream(dir, StreamError); err != nil {
		_ = s.app.close()
		_ = s.access.close()
		return nil, err
	}

	m.mu.Lock()
	if old, ok := m.sinks[instanceID]; ok {
		_ = old.Close()
	}
	m.sinks[instanceID] = s
	m.mu.Unlock()
	return s, nil
}

// Close closes and forgets the sink for an instance. Unknown ids are a
// no-op.
func (m *Manager) Close(instanceID string) error {
	m.mu.Lock()
	s, ok := m.sinks[instanceID]
	delete(m.sinks, instanceID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return s.Close()
}

// CloseAll closes every open sink. Called on shutdown after workers exit.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sinks := make([]*Sink, 0, len(m.sinks))
	for _, s := range m.sinks {
		sinks = append(sinks, s)
	}
	m.sinks = make(map[string]*Sink)
	m.mu.Unlock()
	for _, s := range sinks {
		_ = s.Close()
	}
}

// Sink is the set of three streams for one worker.
type Sink struct {
	instanceID string
	dir        string
	logger     *slog.Logger
	now        func() time.Time

	app    *stream
	access *stream
	errs   *stream

	pumps sync.WaitGroup

	closeMu sync.Mutex
	closed  bool
}

// Dir returns the directory holding the three stream files.
func (s *Sink) Dir() string { return s.dir }

// Attach starts pumping the worker's stdout and stderr into the streams.
// Pumps drain until the pipes reach EOF, which happens when the process
// exits. Either reader may be nil.
func (s *Sink) Attach(stdout, stderr io.Reader) {
	if stdout != nil {
		s.pumps.Add(1)
		go s.pump(stdout, false)
	}
	if stderr != nil {
		s.pumps.Add(1)
		go s.pump(stderr, true)
	}
}

// Write appends one record to the named stream. Used by pumps and by the
// supervisor for lifecycle annotations.
func (s *Sink) Write(streamName, level, message string, metadata map[string]any) error {
	var st *stream
	switch streamName {
	case StreamApp:
		st = s.app
	case StreamAccess:
		st = s.access
	case StreamError:
		st = s.errs
	default:
		return fmt.Errorf("logsink: unknown stream %q", streamName)
	}
	rec := Record{
		TS:         s.now().UTC().Format(time.RFC3339Nano),
		Level:      level,
		Message:    message,
		Stream:     streamName,
		InstanceID: s.instanceID,
		Metadata:   metadata,
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("logsink: failed to encode record: %w", err)
	}
	return st.writeLine(line)
}

// Drained blocks until every attached pump has consumed its pipe to
// EOF. The spawner sequences this before reaping the child so no tail
// output is lost.
func (s *Sink) Drained() { s.pumps.Wait() }

// Close waits for attached pumps to drain, then closes the stream files.
// Safe to call more than once.
func (s *Sink) Close() error {
	s.pumps.Wait()

	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	for _, st := range []*stream{s.app, s.access, s.errs} {
		if err := st.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Sink) pump(r io.Reader, stderr bool) {
	defer s.pumps.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		var streamName, level string
		if stderr {
			streamName, level = StreamError, "error"
		} else {
			streamName, level = RouteStdout(line), "info"
		}
		meta := map[string]any{"source": sourceName(stderr)}
		if err := s.Write(streamName, level, line, meta); err != nil {
			s.logger.Error("log write failed", "stream", streamName, "error", err)
		}
	}
	if err := sc.Err(); err != nil {
		_ = s.Write(StreamError, "error",
			fmt.Sprintf("log pump aborted: %v", err),
			map[string]any{"source": "logsink"})
	}
}

func sourceName(stderr bool) string {
	if stderr {
		return "stderr"
	}
	return "stdout"
}

// stream is one append-only file with serialized writes.
type stream struct {
	mu sync.Mutex
	f  *os.File
}

func openStream(dir, name string) (*stream, error) {
	f, err := os.OpenFile(filepath.Join(dir, name+".log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logsink: failed to open %s stream: %w", name, err)
	}
	return &stream{f: f}, nil
}

func (st *stream) writeLine(line []byte) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.f == nil {
		return fmt.Errorf("logsink: stream closed")
	}
	if _, err := st.f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("logsink: write failed: %w", err)
	}
	return nil
}

func (st *stream) close() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.f == nil {
		return nil
	}
	err := st.f.Close()
	st.f = nil
	return err
}
