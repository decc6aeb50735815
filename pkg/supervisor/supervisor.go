// Package supervisor owns the lifecycle of MCP worker subprocesses:
// spawning them with their environment contract, probing them to
// readiness, monitoring their health, and tearing them down. One
// worker serves one instance; the supervisor keeps an in-memory
// WorkerRecord per live worker and writes lifecycle transitions back
// to the store.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gantrylabs/gantry/pkg/catalog"
	"github.com/gantrylabs/gantry/pkg/logsink"
	"github.com/gantrylabs/gantry/pkg/plans"
	"github.com/gantrylabs/gantry/pkg/ports"
	"github.com/gantrylabs/gantry/pkg/store"
)

const (
	defaultRetries   = 3
	defaultTermGrace = 5 * time.Second
	maxBackoff       = 10 * time.Second
	maxReasonLen     = 500
	storeWriteBudget = 10 * time.Second
)

// Store is the persistence surface the supervisor consumes.
type Store interface {
	LookupInstance(ctx context.Context, id string) (*store.Instance, error)
	UpdateInstanceRuntime(ctx context.Context, id string, status store.InstanceStatus, pid, port *int) error
	MarkInstanceFailed(ctx context.Context, id, reason string) error
	GetUserPlan(ctx context.Context, userID string) (*plans.UserPlan, error)
	CountActiveInstances(ctx context.Context, userID string) (int, error)
}

// ServiceCatalog resolves service names to catalog entries.
type ServiceCatalog interface {
	Lookup(service string) (*catalog.Entry, bool)
}

// TokenSource resolves a fresh bearer token for an instance before its
// worker is spawned. The credentials resolver satisfies this.
type TokenSource interface {
	Resolve(ctx context.Context, instanceID string) (string, error)
}

// Supervisor runs the per-instance worker state machine.
type Supervisor struct {
	store   Store
	catalog ServiceCatalog
	ports   *ports.Allocator
	logs    *logsink.Manager
	prober  ReadinessProber
	launch  LaunchFunc
	tokens  TokenSource
	policy  *plans.EligibilityPolicy
	bus     *Bus
	logger  *slog.Logger
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error

	retries        int
	termGrace      time.Duration
	healthInterval time.Duration
	healthGrace    time.Duration

	locks    *keyedMutex
	globalMu sync.Mutex
	closing  atomic.Bool

	mu      sync.Mutex
	workers map[string]*worker

	monitor *Monitor
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLaunch overrides how worker processes are started. Tests inject
// fake processes through this.
func WithLaunch(fn LaunchFunc) Option {
	return func(s *Supervisor) { s.launch = fn }
}

// WithProber overrides the readiness prober.
func WithProber(p ReadinessProber) Option {
	return func(s *Supervisor) { s.prober = p }
}

// WithTokenSource makes the supervisor resolve a fresh bearer for
// OAuth instances before spawning their worker.
func WithTokenSource(ts TokenSource) Option {
	return func(s *Supervisor) { s.tokens = ts }
}

// WithEligibilityPolicy gates Start on the user's plan quota.
func WithEligibilityPolicy(p *plans.EligibilityPolicy) Option {
	return func(s *Supervisor) { s.policy = p }
}

// WithLogger overrides the supervisor's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.logger = l.With("component", "supervisor")
		}
	}
}

// WithClock overrides the time source. Tests use this.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

// WithRetries overrides the start retry budget.
func WithRetries(n int) Option {
	return func(s *Supervisor) { s.retries = n }
}

// WithTermGrace overrides the TERM-to-KILL escalation window.
func WithTermGrace(d time.Duration) Option {
	return func(s *Supervisor) { s.termGrace = d }
}

// WithHealthInterval overrides the steady-state health check cadence.
func WithHealthInterval(d time.Duration) Option {
	return func(s *Supervisor) { s.healthInterval = d }
}

// WithHealthGrace overrides the recovery window granted to a degraded
// worker before it is terminated.
func WithHealthGrace(d time.Duration) Option {
	return func(s *Supervisor) { s.healthGrace = d }
}

// WithSleep overrides how the supervisor waits between retries and
// through grace windows. Tests use this to observe backoff delays.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Supervisor) { s.sleep = fn }
}

// New builds a supervisor over the given store, catalog, port
// allocator, and log manager.
func New(st Store, cat ServiceCatalog, alloc *ports.Allocator, logs *logsink.Manager, opts ...Option) *Supervisor {
	s := &Supervisor{
		store:          st,
		catalog:        cat,
		ports:          alloc,
		logs:           logs,
		prober:         NewProber(),
		launch:         Launch,
		bus:            newBus(),
		logger:         slog.Default().With("component", "supervisor"),
		now:            time.Now,
		sleep:          sleepCtx,
		retries:        defaultRetries,
		termGrace:      defaultTermGrace,
		healthInterval: defaultHealthInterval,
		healthGrace:    defaultHealthGrace,
		locks:          newKeyedMutex(),
		workers:        make(map[string]*worker),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.monitor = newMonitor(s, s.healthInterval)
	return s
}

// Events subscribes to supervision events. The returned cancel
// function must be called to release the subscription.
func (s *Supervisor) Events(buffer int) (<-chan Event, func()) {
	return s.bus.Subscribe(buffer)
}

// Run drives the health monitor until ctx is canceled.
func (s *Supervisor) Run(ctx context.Context) error {
	s.monitor.run(ctx)
	return nil
}

// Start brings the worker for an instance to ready. It is idempotent:
// a worker already under supervision returns its current snapshot. A
// cold start allocates a port, spawns the binary, and probes it to
// readiness, retrying with exponential backoff before giving up and
// marking the store row failed.
func (s *Supervisor) Start(ctx context.Context, instanceID string) (WorkerRecord, error) {
	unlock := s.locks.lock(instanceID)
	defer unlock()
	return s.startLocked(ctx, instanceID)
}

func (s *Supervisor) startLocked(ctx context.Context, instanceID string) (WorkerRecord, error) {
	if s.closing.Load() {
		return WorkerRecord{}, fmt.Errorf("supervisor: shutting down")
	}
	if rec, ok := s.Status(instanceID); ok {
		switch rec.State {
		case StateReady, StateProbing, StateSpawning, StateDegraded:
			return rec, nil
		}
	}

	inst, err := s.store.LookupInstance(ctx, instanceID)
	if err != nil {
		return WorkerRecord{}, fmt.Errorf("supervisor: load instance: %w", err)
	}
	if inst == nil {
		return WorkerRecord{}, ErrInstanceNotFound
	}
	entry, ok := s.catalog.Lookup(inst.ServiceName)
	if !ok || entry.Disabled {
		return WorkerRecord{}, ErrServiceDisabled
	}
	if err := s.checkEligibility(ctx, inst); err != nil {
		return WorkerRecord{}, err
	}

	bearer := ""
	if s.tokens != nil && entry.Kind == catalog.KindOAuth {
		if bearer, err = s.tokens.Resolve(ctx, instanceID); err != nil {
			return WorkerRecord{}, fmt.Errorf("supervisor: resolve credentials: %w", err)
		}
	}
	credsJSON, err := credentialsPayload(inst, entry.Kind, bearer)
	if err != nil {
		return WorkerRecord{}, err
	}

	if err := s.store.UpdateInstanceRuntime(ctx, instanceID, store.StatusProvisioning, nil, nil); err != nil {
		return WorkerRecord{}, fmt.Errorf("supervisor: mark provisioning: %w", err)
	}
	s.putWorker(&worker{rec: WorkerRecord{
		InstanceID:  instanceID,
		UserID:      inst.UserID,
		ServiceName: inst.ServiceName,
		State:       StateSpawning,
		StartedAt:   s.now(),
	}})

	var lastErr error
	for attempt := 0; attempt <= s.retries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt - 1)
			s.logger.Warn("retrying worker start",
				"instance_id", instanceID, "attempt", attempt, "delay", delay, "error", lastErr)
			if err := s.sleep(ctx, delay); err != nil {
				break
			}
			s.mutateRecord(instanceID, func(r *WorkerRecord) {
				r.RetryCount = attempt
			})
		}
		rec, err := s.startOnce(ctx, inst, entry, credsJSON)
		if err == nil {
			return rec, nil
		}
		lastErr = err
		s.mutateRecord(instanceID, func(r *WorkerRecord) {
			r.LastError = err.Error()
		})
		var perr *ProbeError
		if errors.As(err, &perr) && perr.Permanent {
			break
		}
	}

	s.removeWorker(instanceID)
	s.bus.publish(Event{Type: EventProcessError, InstanceID: instanceID, Err: lastErr, At: s.now()})
	failCtx, cancel := context.WithTimeout(context.Background(), storeWriteBudget)
	defer cancel()
	if err := s.store.MarkInstanceFailed(failCtx, instanceID, truncateReason(lastErr)); err != nil {
		s.logger.Error("failed to record start failure", "instance_id", instanceID, "error", err)
	}
	s.logger.Error("worker start exhausted retries", "instance_id", instanceID, "error", lastErr)
	return WorkerRecord{}, lastErr
}

// startOnce runs a single spawn-and-probe attempt. Any failure tears
// the attempt fully down: the child is killed, the sink closed, and
// the port released.
func (s *Supervisor) startOnce(ctx context.Context, inst *store.Instance, entry *catalog.Entry, credsJSON string) (WorkerRecord, error) {
	port, err := s.ports.Acquire()
	if err != nil {
		return WorkerRecord{}, err
	}
	sink, err := s.logs.Open(inst.UserID, inst.ID)
	if err != nil {
		s.ports.Release(port)
		return WorkerRecord{}, err
	}

	spec := SpawnSpec{
		ServiceName:     inst.ServiceName,
		InstanceID:      inst.ID,
		UserID:          inst.UserID,
		Port:            port,
		Binary:          entry.Binary,
		CredentialsJSON: credsJSON,
		ConfigJSON:      configJSON(inst),
	}
	proc, err := s.launch(ctx, spec, sink)
	if err != nil {
		_ = s.logs.Close(inst.ID)
		s.ports.Release(port)
		var serr *SpawnError
		if errors.As(err, &serr) {
			return WorkerRecord{}, err
		}
		return WorkerRecord{}, &SpawnError{Reason: "launch worker", Err: err}
	}

	pid := proc.PID()
	s.attachProcess(inst.ID, proc, sink, pid, port)
	if err := s.store.UpdateInstanceRuntime(ctx, inst.ID, store.StatusProvisioning, &pid, &port); err != nil {
		s.teardownAttempt(inst.ID, proc, port)
		return WorkerRecord{}, fmt.Errorf("supervisor: record spawn: %w", err)
	}

	target := Target{InstanceID: inst.ID, Service: inst.ServiceName, Port: port, Entry: entry}
	probeCtx, cancel := context.WithCancel(ctx)
	probeDone := make(chan error, 1)
	go func() { probeDone <- s.prober.Probe(probeCtx, target) }()

	var probeErr error
	select {
	case probeErr = <-probeDone:
	case <-proc.Exited():
		cancel()
		<-probeDone
		res := proc.ExitResult()
		probeErr = &SpawnError{Reason: fmt.Sprintf("worker exited during startup with code %d", res.Code), Err: res.Err}
		s.bus.publish(Event{Type: EventProcessExit, InstanceID: inst.ID, PID: pid, ExitCode: res.Code, At: s.now()})
	}
	cancel()

	if probeErr != nil {
		s.teardownAttempt(inst.ID, proc, port)
		if err := s.store.UpdateInstanceRuntime(ctx, inst.ID, store.StatusProvisioning, nil, nil); err != nil {
			s.logger.Error("failed to clear runtime columns", "instance_id", inst.ID, "error", err)
		}
		return WorkerRecord{}, probeErr
	}

	if err := s.store.UpdateInstanceRuntime(ctx, inst.ID, store.StatusActive, &pid, &port); err != nil {
		s.teardownAttempt(inst.ID, proc, port)
		return WorkerRecord{}, fmt.Errorf("supervisor: record ready: %w", err)
	}
	now := s.now()
	s.mutateRecord(inst.ID, func(r *WorkerRecord) {
		r.State = StateReady
		r.LastHealthAt = now
		r.LastError = ""
	})
	go s.watch(inst.ID, proc)
	s.logger.Info("worker ready",
		"instance_id", inst.ID, "service", inst.ServiceName, "pid", pid, "port", port)
	rec, _ := s.Status(inst.ID)
	return rec, nil
}

func (s *Supervisor) attachProcess(instanceID string, proc Process, sink *logsink.Sink, pid, port int) {
	s.mu.Lock()
	if w, ok := s.workers[instanceID]; ok {
		w.proc = proc
		w.sink = sink
		w.rec.PID = pid
		w.rec.Port = port
		w.rec.State = StateProbing
		s.publishStatesLocked()
	}
	s.mu.Unlock()
}

// teardownAttempt kills a failed attempt's child and returns its
// resources, keeping the record in place for the next retry.
func (s *Supervisor) teardownAttempt(instanceID string, proc Process, port int) {
	if proc != nil {
		select {
		case <-proc.Exited():
		default:
			_ = proc.Kill()
			select {
			case <-proc.Exited():
			case <-time.After(s.termGrace):
				s.logger.Error("worker did not exit after KILL", "instance_id", instanceID)
			}
		}
	}
	_ = s.logs.Close(instanceID)
	s.ports.Release(port)
	s.mu.Lock()
	if w, ok := s.workers[instanceID]; ok {
		w.proc = nil
		w.sink = nil
		w.rec.PID = 0
		w.rec.Port = 0
		w.rec.State = StateSpawning
		s.publishStatesLocked()
	}
	s.mu.Unlock()
}

func (s *Supervisor) checkEligibility(ctx context.Context, inst *store.Instance) error {
	if s.policy == nil {
		return nil
	}
	// An instance already marked active is already counted toward the
	// quota; restarting it must not be blocked by its own count.
	if inst.Status == store.StatusActive {
		return nil
	}
	plan, err := s.store.GetUserPlan(ctx, inst.UserID)
	if err != nil {
		return fmt.Errorf("supervisor: load plan: %w", err)
	}
	active, err := s.store.CountActiveInstances(ctx, inst.UserID)
	if err != nil {
		return fmt.Errorf("supervisor: count active instances: %w", err)
	}
	quota := plan.Quota()
	ok, err := s.policy.Allows(plan.Type, active, quota, inst.ServiceName)
	if err != nil {
		return fmt.Errorf("supervisor: evaluate plan policy: %w", err)
	}
	if !ok {
		return &QuotaError{Plan: plan.Type, Active: active, Max: quota}
	}
	return nil
}

// Stop terminates the worker for an instance: TERM, then KILL once the
// grace window lapses. The port is released only after the exit is
// confirmed. Stopping an instance with no worker is a no-op.
func (s *Supervisor) Stop(ctx context.Context, instanceID string) error {
	unlock := s.locks.lock(instanceID)
	defer unlock()
	return s.stopLocked(ctx, instanceID, dispInactive, "")
}

const (
	dispInactive = iota
	dispFailed
	dispOrphan
)

func (s *Supervisor) stopLocked(ctx context.Context, instanceID string, disp int, reason string) error {
	w := s.getWorker(instanceID)
	if w == nil || w.proc == nil {
		return nil
	}
	s.mutateRecord(instanceID, func(r *WorkerRecord) { r.State = StateTerminating })
	proc := w.proc

	_ = proc.Signal(syscall.SIGTERM)
	select {
	case <-proc.Exited():
	case <-time.After(s.termGrace):
		s.logger.Warn("worker ignored TERM, escalating to KILL", "instance_id", instanceID)
		_ = proc.Kill()
		select {
		case <-proc.Exited():
		case <-time.After(s.termGrace):
			s.logger.Error("worker did not exit after KILL", "instance_id", instanceID)
		}
	}

	res := proc.ExitResult()
	rec, _ := s.removeWorker(instanceID)
	_ = s.logs.Close(instanceID)
	s.ports.Release(rec.Port)
	s.bus.publish(Event{Type: EventProcessExit, InstanceID: instanceID, PID: rec.PID, ExitCode: res.Code, At: s.now()})

	switch disp {
	case dispInactive:
		if err := s.store.UpdateInstanceRuntime(ctx, instanceID, store.StatusInactive, nil, nil); err != nil {
			return fmt.Errorf("supervisor: record stop: %w", err)
		}
	case dispFailed:
		if err := s.store.MarkInstanceFailed(ctx, instanceID, reason); err != nil {
			return fmt.Errorf("supervisor: record failure: %w", err)
		}
	}
	s.logger.Info("worker stopped", "instance_id", instanceID, "pid", rec.PID, "exit_code", res.Code)
	return nil
}

// watch waits for an unexpected process exit and tears the worker
// down: record cleared, port released, store row marked failed unless
// the supervisor itself initiated the termination.
func (s *Supervisor) watch(instanceID string, proc Process) {
	<-proc.Exited()
	unlock := s.locks.lock(instanceID)
	defer unlock()

	w := s.getWorker(instanceID)
	if w == nil || w.proc != proc {
		return
	}
	res := proc.ExitResult()
	rec, _ := s.removeWorker(instanceID)
	_ = s.logs.Close(instanceID)
	s.ports.Release(rec.Port)
	s.bus.publish(Event{Type: EventProcessExit, InstanceID: instanceID, PID: rec.PID, ExitCode: res.Code, Err: res.Err, At: s.now()})

	if rec.State != StateTerminating {
		ctx, cancel := context.WithTimeout(context.Background(), storeWriteBudget)
		defer cancel()
		reason := fmt.Sprintf("process exited unexpectedly with code %d", res.Code)
		if err := s.store.MarkInstanceFailed(ctx, instanceID, reason); err != nil {
			s.logger.Error("failed to record unexpected exit", "instance_id", instanceID, "error", err)
		}
		s.logger.Warn("worker exited unexpectedly",
			"instance_id", instanceID, "pid", rec.PID, "exit_code", res.Code)
	}
}

// TerminateOrphan kills a supervised worker that has no backing store
// row, leaving the store untouched. It skips without acting when the
// instance lock is busy so reconcile passes never block behind a
// running Start or Stop.
func (s *Supervisor) TerminateOrphan(ctx context.Context, instanceID string) (bool, error) {
	unlock, ok := s.locks.tryLock(instanceID)
	if !ok {
		return false, nil
	}
	defer unlock()
	if s.getWorker(instanceID) == nil {
		return false, nil
	}
	return true, s.stopLocked(ctx, instanceID, dispOrphan, "")
}

// Shutdown stops every supervised worker concurrently and closes all
// log sinks. The caller bounds the whole operation through ctx.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	if !s.globalMu.TryLock() {
		return fmt.Errorf("supervisor: another global operation is in progress")
	}
	defer s.globalMu.Unlock()
	s.closing.Store(true)

	recs := s.Records()
	var g errgroup.Group
	for _, rec := range recs {
		id := rec.InstanceID
		g.Go(func() error { return s.Stop(ctx, id) })
	}
	err := g.Wait()
	s.logs.CloseAll()
	s.logger.Info("supervisor shut down", "workers", len(recs))
	return err
}

func (s *Supervisor) targetFor(rec WorkerRecord) Target {
	t := Target{InstanceID: rec.InstanceID, Service: rec.ServiceName, Port: rec.Port}
	if entry, ok := s.catalog.Lookup(rec.ServiceName); ok {
		t.Entry = entry
	}
	return t
}

func (s *Supervisor) touchHealth(instanceID string) {
	now := s.now()
	s.mutateRecord(instanceID, func(r *WorkerRecord) { r.LastHealthAt = now })
}

func (s *Supervisor) restartAllowed(ctx context.Context, userID string) bool {
	plan, err := s.store.GetUserPlan(ctx, userID)
	if err != nil {
		s.logger.Error("failed to load plan for restart decision", "user_id", userID, "error", err)
		return false
	}
	p := plans.Get(plan.Type)
	return p != nil && p.HasFeature("auto_restart")
}

func configJSON(inst *store.Instance) string {
	if inst.ConfigJSON == "" {
		return "{}"
	}
	return inst.ConfigJSON
}

func backoffDelay(k int) time.Duration {
	d := time.Second << uint(k)
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func truncateReason(err error) string {
	if err == nil {
		return "unknown failure"
	}
	msg := err.Error()
	if len(msg) > maxReasonLen {
		msg = msg[:maxReasonLen]
	}
	return msg
}

// keyedMutex hands out one mutex per instance id.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

func (km *keyedMutex) get(key string) *sync.Mutex {
	km.mu.Lock()
	defer km.mu.Unlock()
	m, ok := km.locks[key]
	if !ok {
		m = &sync.Mutex{}
		km.locks[key] = m
	}
	return m
}

func (km *keyedMutex) lock(key string) func() {
	m := km.get(key)
	m.Lock()
	return m.Unlock
}

func (km *keyedMutex) tryLock(key string) (func(), bool) {
	m := km.get(key)
	if !m.TryLock() {
		return nil, false
	}
	return m.Unlock, true
}
