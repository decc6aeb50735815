package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gantrylabs/gantry/pkg/identity"
	"github.com/gantrylabs/gantry/pkg/store"
	"github.com/gantrylabs/gantry/pkg/supervisor"
)

// Lifecycle is the worker lifecycle surface the handlers drive.
type Lifecycle interface {
	Start(ctx context.Context, instanceID string) (supervisor.WorkerRecord, error)
	Stop(ctx context.Context, instanceID string) error
	Status(instanceID string) (supervisor.WorkerRecord, bool)
}

// InstanceReader is the read-only store slice the handlers consume.
type InstanceReader interface {
	LookupInstance(ctx context.Context, id string) (*store.Instance, error)
	ListUserInstances(ctx context.Context, userID string) ([]*store.Instance, error)
	Ping(ctx context.Context) error
}

// Handlers carries the control plane's non-proxy HTTP handlers.
type Handlers struct {
	sup      Lifecycle
	store    InstanceReader
	webhooks WebhookProcessor
	flow     AuthFlow
	logger   *slog.Logger
}

// NewHandlers wires the handler set.
func NewHandlers(sup Lifecycle, st InstanceReader, webhooks WebhookProcessor, flow AuthFlow, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		sup:      sup,
		store:    st,
		webhooks: webhooks,
		flow:     flow,
		logger:   logger.With("component", "api"),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// workerStatus is the wire form of a supervision record.
type workerStatus struct {
	State        string     `json:"state"`
	PID          int        `json:"pid"`
	Port         int        `json:"port"`
	StartedAt    time.Time  `json:"started_at"`
	RetryCount   int        `json:"retry_count"`
	LastHealthAt *time.Time `json:"last_health_at,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
}

func toWorkerStatus(rec supervisor.WorkerRecord) *workerStatus {
	ws := &workerStatus{
		State:      string(rec.State),
		PID:        rec.PID,
		Port:       rec.Port,
		StartedAt:  rec.StartedAt,
		RetryCount: rec.RetryCount,
		LastError:  rec.LastError,
	}
	if !rec.LastHealthAt.IsZero() {
		t := rec.LastHealthAt
		ws.LastHealthAt = &t
	}
	return ws
}

// instanceStatus is the combined store and supervision view of one
// instance.
type instanceStatus struct {
	InstanceID  string        `json:"instance_id"`
	ServiceName string        `json:"service_name"`
	Kind        string        `json:"kind"`
	Status      string        `json:"status"`
	OAuthStatus string        `json:"oauth_status,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
	Worker      *workerStatus `json:"worker,omitempty"`
}

func (h *Handlers) statusFor(inst *store.Instance) instanceStatus {
	st := instanceStatus{
		InstanceID:  inst.ID,
		ServiceName: inst.ServiceName,
		Kind:        string(inst.Kind),
		Status:      string(inst.Status),
		OAuthStatus: string(inst.OAuthStatus),
		LastError:   inst.LastError,
	}
	if rec, ok := h.sup.Status(inst.ID); ok {
		st.Worker = toWorkerStatus(rec)
	}
	return st
}

// HandleStart handles POST /instances/{instance_id}/start.
func (h *Handlers) HandleStart(w http.ResponseWriter, r *http.Request) {
	instanceID := r.PathValue("instance_id")

	rec, err := h.sup.Start(r.Context(), instanceID)
	if err != nil {
		WriteFromError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"instance_id": instanceID,
		"worker":      toWorkerStatus(rec),
	})
}

// HandleStop handles POST /instances/{instance_id}/stop.
func (h *Handlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	instanceID := r.PathValue("instance_id")

	if err := h.sup.Stop(r.Context(), instanceID); err != nil {
		WriteFromError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"instance_id": instanceID,
		"status":      "stopped",
	})
}

// HandleStatus handles GET /instances/{instance_id}/status.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	instanceID := r.PathValue("instance_id")

	inst, err := h.store.LookupInstance(r.Context(), instanceID)
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	if inst == nil {
		WriteNotFound(w, r, "no such instance")
		return
	}
	writeJSON(w, http.StatusOK, h.statusFor(inst))
}

// HandleListInstances handles GET /instances: every instance owned by
// the authenticated user, with live worker state attached.
func (h *Handlers) HandleListInstances(w http.ResponseWriter, r *http.Request) {
	principal, ok := identity.PrincipalFrom(r.Context())
	if !ok {
		WriteUnauthorized(w, r, "")
		return
	}

	instances, err := h.store.ListUserInstances(r.Context(), principal.UserID)
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	out := make([]instanceStatus, 0, len(instances))
	for _, inst := range instances {
		out = append(out, h.statusFor(inst))
	}
	writeJSON(w, http.StatusOK, map[string]any{"instances": out})
}

// HandleHealth handles GET /health. Liveness only; no dependencies are
// consulted.
func (h *Handlers) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleReadiness handles GET /readiness: the store must answer before
// the instance is routable.
func (h *Handlers) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn("readiness check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"reason": "store unreachable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
