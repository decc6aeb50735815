// Package metrics exposes the control plane's operational metrics in
// Prometheus format. Collectors live in a package-owned registry so tests
// can reset state without touching the default registry.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	portsFree       prometheus.Gauge
	workersByState  *prometheus.GaugeVec
	probeFailures   *prometheus.CounterVec
	refreshOutcomes *prometheus.CounterVec
	refreshDuration prometheus.Histogram
	webhookEvents   *prometheus.CounterVec
	reconcileFixes  *prometheus.CounterVec
	workerRestarts  prometheus.Counter
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all collectors. Used by tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler exposing the registry in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// SetPortsFree records the current number of unallocated ports.
func SetPortsFree(n int) {
	mu.RLock()
	defer mu.RUnlock()
	if portsFree != nil {
		portsFree.Set(float64(n))
	}
}

// SetWorkersInState records how many workers currently sit in a state.
func SetWorkersInState(state string, n int) {
	mu.RLock()
	defer mu.RUnlock()
	if workersByState != nil {
		workersByState.WithLabelValues(state).Set(float64(n))
	}
}

// IncProbeFailure counts a readiness or health probe failure by stage.
func IncProbeFailure(stage string) {
	mu.RLock()
	defer mu.RUnlock()
	if probeFailures != nil {
		probeFailures.WithLabelValues(stage).Inc()
	}
}

// ObserveRefresh records a token refresh outcome and its duration.
func ObserveRefresh(outcome string, d time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	if refreshOutcomes != nil {
		refreshOutcomes.WithLabelValues(outcome).Inc()
	}
	if refreshDuration != nil && d > 0 {
		refreshDuration.Observe(d.Seconds())
	}
}

// IncWebhookEvent counts a processed webhook by gateway, type and final status.
func IncWebhookEvent(gateway, eventType, status string) {
	mu.RLock()
	defer mu.RUnlock()
	if webhookEvents != nil {
		webhookEvents.WithLabelValues(gateway, eventType, status).Inc()
	}
}

// IncReconcileFix counts a corrective action taken by the reconciler.
func IncReconcileFix(kind string) {
	mu.RLock()
	defer mu.RUnlock()
	if reconcileFixes != nil {
		reconcileFixes.WithLabelValues(kind).Inc()
	}
}

// IncWorkerRestart counts an automatic restart after a health failure.
func IncWorkerRestart() {
	mu.RLock()
	defer mu.RUnlock()
	if workerRestarts != nil {
		workerRestarts.Inc()
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	free := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gantry",
		Subsystem: "ports",
		Name:      "free",
		Help:      "Number of unallocated ports in the reserved range.",
	})

	states := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gantry",
		Subsystem: "workers",
		Name:      "by_state",
		Help:      "Worker count grouped by lifecycle state.",
	}, []string{"state"})

	probes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gantry",
		Subsystem: "probe",
		Name:      "failures_total",
		Help:      "Readiness and health probe failures by stage.",
	}, []string{"stage"})

	refreshes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gantry",
		Subsystem: "oauth",
		Name:      "refresh_total",
		Help:      "Token refresh attempts by outcome.",
	}, []string{"outcome"})

	refreshHist := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "gantry",
		Subsystem: "oauth",
		Name:      "refresh_duration_seconds",
		Help:      "Duration of provider token refresh calls.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	})

	webhooks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gantry",
		Subsystem: "billing",
		Name:      "webhook_events_total",
		Help:      "Webhook events by gateway, type, and final processing status.",
	}, []string{"gateway", "type", "status"})

	fixes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gantry",
		Subsystem: "reconcile",
		Name:      "fixes_total",
		Help:      "Corrective actions taken by the cleanup reconciler.",
	}, []string{"kind"})

	restarts := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gantry",
		Subsystem: "workers",
		Name:      "restarts_total",
		Help:      "Automatic worker restarts after health failure.",
	})

	registry.MustRegister(free, states, probes, refreshes, refreshHist, webhooks, fixes, restarts)

	reg = registry
	portsFree = free
	workersByState = states
	probeFailures = probes
	refreshOutcomes = refreshes
	refreshDuration = refreshHist
	webhookEvents = webhooks
	reconcileFixes = fixes
	workerRestarts = restarts
}
