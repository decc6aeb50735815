package supervisor

import (
	"context"
	"time"

	"github.com/gantrylabs/gantry/pkg/metrics"
)

const (
	defaultHealthInterval = 60 * time.Second
	defaultHealthGrace    = 5 * time.Second
	healthFailThreshold   = 2

	// degradeResolveBudget bounds the whole degraded-worker resolution:
	// grace wait, termination, and the optional restart attempt.
	degradeResolveBudget = 5 * time.Minute
)

// Monitor polls every ready worker on a fixed cadence. A worker that
// fails two consecutive checks is flagged degraded; the supervisor
// then grants it the grace window before terminating it.
type Monitor struct {
	sup      *Supervisor
	interval time.Duration
	fails    map[string]int
}

func newMonitor(s *Supervisor, interval time.Duration) *Monitor {
	return &Monitor{sup: s, interval: interval, fails: make(map[string]int)}
}

func (m *Monitor) run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep runs one health pass over all ready workers.
func (m *Monitor) sweep(ctx context.Context) {
	for _, rec := range m.sup.Records() {
		if rec.State != StateReady {
			continue
		}
		id := rec.InstanceID
		if err := m.sup.prober.Check(ctx, m.sup.targetFor(rec)); err != nil {
			m.fails[id]++
			metrics.IncProbeFailure(StageHealth)
			m.sup.logger.Warn("health check failed",
				"instance_id", id, "consecutive", m.fails[id], "error", err)
			if m.fails[id] >= healthFailThreshold {
				delete(m.fails, id)
				m.sup.flagDegraded(id, err)
			}
			continue
		}
		delete(m.fails, id)
		m.sup.touchHealth(id)
	}
}

// flagDegraded moves a ready worker to degraded and schedules the
// grace re-check in the background.
func (s *Supervisor) flagDegraded(instanceID string, cause error) {
	s.mu.Lock()
	w, ok := s.workers[instanceID]
	if !ok || w.rec.State != StateReady {
		s.mu.Unlock()
		return
	}
	w.rec.State = StateDegraded
	w.rec.LastError = cause.Error()
	pid := w.rec.PID
	s.publishStatesLocked()
	s.mu.Unlock()

	s.logger.Warn("worker degraded", "instance_id", instanceID, "error", cause)
	s.bus.publish(Event{Type: EventHealthCheckFailed, InstanceID: instanceID, PID: pid, Err: cause, At: s.now()})
	go s.resolveDegraded(instanceID)
}

// resolveDegraded gives a degraded worker the grace window to recover.
// A worker still failing afterwards is terminated, its store row
// marked failed, and restarted once when the user's plan carries the
// auto_restart feature.
func (s *Supervisor) resolveDegraded(instanceID string) {
	ctx, cancel := context.WithTimeout(context.Background(), degradeResolveBudget)
	defer cancel()

	if err := s.sleep(ctx, s.healthGrace); err != nil {
		return
	}

	unlock := s.locks.lock(instanceID)
	defer unlock()

	rec, ok := s.Status(instanceID)
	if !ok || rec.State != StateDegraded {
		return
	}
	if err := s.prober.Check(ctx, s.targetFor(rec)); err == nil {
		now := s.now()
		s.mutateRecord(instanceID, func(r *WorkerRecord) {
			r.State = StateReady
			r.LastHealthAt = now
			r.LastError = ""
		})
		s.logger.Info("worker recovered within grace window", "instance_id", instanceID)
		return
	}

	s.logger.Warn("worker failed grace re-check, terminating", "instance_id", instanceID)
	if err := s.stopLocked(ctx, instanceID, dispFailed, "health checks failed"); err != nil {
		s.logger.Error("failed to terminate unhealthy worker", "instance_id", instanceID, "error", err)
		return
	}
	if !s.restartAllowed(ctx, rec.UserID) {
		return
	}
	metrics.IncWorkerRestart()
	s.logger.Info("attempting auto-restart", "instance_id", instanceID)
	if _, err := s.startLocked(ctx, instanceID); err != nil {
		s.logger.Error("auto-restart failed", "instance_id", instanceID, "error", err)
	}
}
