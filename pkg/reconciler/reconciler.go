// Package reconciler heals divergence between the instance table and
// the live worker set. The store and the supervisor each hold half of
// the truth; a crash on either side leaves rows claiming workers that
// do not run, or workers serving rows that no longer exist. A periodic
// pass repairs both directions and sweeps starts that died mid-flight.
package reconciler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gantrylabs/gantry/pkg/metrics"
	"github.com/gantrylabs/gantry/pkg/store"
	"github.com/gantrylabs/gantry/pkg/supervisor"
)

const (
	defaultInterval   = 5 * time.Minute
	defaultStuckAfter = 2 * time.Minute
)

// Supervision is the slice of the supervisor the reconciler drives.
type Supervision interface {
	Records() []supervisor.WorkerRecord
	Status(id string) (supervisor.WorkerRecord, bool)
	TerminateOrphan(ctx context.Context, id string) (bool, error)
}

// Store is the query surface the reconciler consumes.
type Store interface {
	ListActiveInstances(ctx context.Context) ([]*store.Instance, error)
	ListStuckProvisioning(ctx context.Context, cutoff time.Time) ([]*store.Instance, error)
	LookupInstance(ctx context.Context, id string) (*store.Instance, error)
	MarkInstanceFailed(ctx context.Context, id, reason string) error
}

// Reconciler runs the periodic repair pass.
type Reconciler struct {
	store  Store
	sup    Supervision
	logger *slog.Logger
	now    func() time.Time

	interval   time.Duration
	stuckAfter time.Duration

	mu sync.Mutex
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithInterval sets the pass cadence.
func WithInterval(d time.Duration) Option {
	return func(r *Reconciler) { r.interval = d }
}

// WithStuckAfter sets how long a row may sit in provisioning before it
// is declared dead.
func WithStuckAfter(d time.Duration) Option {
	return func(r *Reconciler) { r.stuckAfter = d }
}

// WithLogger sets the slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) { r.logger = l }
}

// WithClock overrides the time source. Tests use this.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// New wires a reconciler over the given store and supervisor.
func New(st Store, sup Supervision, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:      st,
		sup:        sup,
		logger:     slog.With("component", "reconciler"),
		now:        time.Now,
		interval:   defaultInterval,
		stuckAfter: defaultStuckAfter,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes a pass every interval until ctx ends.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Reconcile(ctx)
		}
	}
}

// Reconcile runs one full pass. A pass already in progress makes this
// call a no-op rather than queueing behind it.
func (r *Reconciler) Reconcile(ctx context.Context) {
	if !r.mu.TryLock() {
		r.logger.Debug("reconcile pass already running, skipping")
		return
	}
	defer r.mu.Unlock()

	fixes := r.orphanedRows(ctx)
	fixes += r.orphanedWorkers(ctx)
	fixes += r.stuckProvisioning(ctx)
	if fixes > 0 {
		r.logger.Info("reconcile pass repaired divergence", "fixes", fixes)
	}
}

// orphanedRows fails every active row that has no live worker behind it.
func (r *Reconciler) orphanedRows(ctx context.Context) int {
	rows, err := r.store.ListActiveInstances(ctx)
	if err != nil {
		r.logger.Error("failed to list active instances", "error", err)
		return 0
	}
	fixed := 0
	for _, inst := range rows {
		if _, ok := r.sup.Status(inst.ID); ok {
			continue
		}
		if err := r.store.MarkInstanceFailed(ctx, inst.ID, "orphaned"); err != nil {
			r.logger.Error("failed to mark orphaned row",
				"instance_id", inst.ID, "error", err)
			continue
		}
		metrics.IncReconcileFix("orphaned_row")
		r.logger.Warn("active row had no live worker",
			"instance_id", inst.ID, "user_id", inst.UserID, "service", inst.ServiceName)
		fixed++
	}
	return fixed
}

// orphanedWorkers terminates every live worker whose row is gone.
func (r *Reconciler) orphanedWorkers(ctx context.Context) int {
	fixed := 0
	for _, rec := range r.sup.Records() {
		inst, err := r.store.LookupInstance(ctx, rec.InstanceID)
		if err != nil {
			r.logger.Error("failed to look up row for worker",
				"instance_id", rec.InstanceID, "error", err)
			continue
		}
		if inst != nil {
			continue
		}
		acted, err := r.sup.TerminateOrphan(ctx, rec.InstanceID)
		if err != nil {
			r.logger.Error("failed to terminate orphan worker",
				"instance_id", rec.InstanceID, "pid", rec.PID, "error", err)
			continue
		}
		if !acted {
			// The instance lock was busy; the next pass will see it.
			continue
		}
		metrics.IncReconcileFix("orphaned_worker")
		r.logger.Warn("terminated worker with no backing row",
			"instance_id", rec.InstanceID, "pid", rec.PID)
		fixed++
	}
	return fixed
}

// stuckProvisioning fails rows that never left provisioning. A row is
// only stuck when no start attempt is live for it; a long retry chain
// keeps its worker record and is left alone.
func (r *Reconciler) stuckProvisioning(ctx context.Context) int {
	cutoff := r.now().Add(-r.stuckAfter)
	rows, err := r.store.ListStuckProvisioning(ctx, cutoff)
	if err != nil {
		r.logger.Error("failed to list stuck provisioning rows", "error", err)
		return 0
	}
	fixed := 0
	for _, inst := range rows {
		if _, ok := r.sup.Status(inst.ID); ok {
			continue
		}
		if err := r.store.MarkInstanceFailed(ctx, inst.ID, "stuck in provisioning"); err != nil {
			r.logger.Error("failed to mark stuck row",
				"instance_id", inst.ID, "error", err)
			continue
		}
		metrics.IncReconcileFix("stuck_provisioning")
		r.logger.Warn("row stuck in provisioning past the deadline",
			"instance_id", inst.ID, "user_id", inst.UserID)
		fixed++
	}
	return fixed
}
