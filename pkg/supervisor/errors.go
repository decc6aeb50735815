package supervisor

import (
	"errors"
	"fmt"

	"github.com/gantrylabs/gantry/pkg/plans"
)

var (
	// ErrInstanceNotFound means the store has no row for the instance.
	ErrInstanceNotFound = errors.New("supervisor: instance not found")
	// ErrServiceDisabled means the catalog entry is missing or disabled.
	ErrServiceDisabled = errors.New("supervisor: service is disabled")
	// ErrStartupTimeout means the worker never passed readiness within
	// the startup budget.
	ErrStartupTimeout = errors.New("supervisor: worker failed readiness within the startup budget")
)

// SpawnError reports a worker that could not be brought to the probing
// stage: the binary failed to launch, or the process died during
// startup.
type SpawnError struct {
	Reason string
	Err    error
}

func (e *SpawnError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("supervisor: spawn failed: %s: %v", e.Reason, e.Err)
	}
	return "supervisor: spawn failed: " + e.Reason
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ProbeError reports a failed readiness or health probe. Permanent
// failures, such as a version constraint violation, stop the probe loop
// early instead of burning the remaining budget.
type ProbeError struct {
	Stage     string
	Detail    string
	Permanent bool
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("supervisor: %s probe failed: %s", e.Stage, e.Detail)
}

// QuotaError means the user's plan does not admit another active
// instance.
type QuotaError struct {
	Plan   plans.PlanType
	Active int
	Max    int
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("supervisor: plan %s allows %d active instances, %d already running", e.Plan, e.Max, e.Active)
}
