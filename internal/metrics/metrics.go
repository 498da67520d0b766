package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheOperation identifies the generation store method being instrumented.
type CacheOperation string

const (
	// CacheOperationLookup records generation store lookup calls.
	CacheOperationLookup CacheOperation = "lookup"
	// CacheOperationStore records generation store write attempts.
	CacheOperationStore CacheOperation = "store"
)

// ProxyOutcome captures how an intercepted request was resolved.
type ProxyOutcome string

const (
	// ProxyOutcomeHit indicates the request was served from the current generation.
	ProxyOutcomeHit ProxyOutcome = "hit"
	// ProxyOutcomeMiss indicates the request went to the network and was delivered.
	ProxyOutcomeMiss ProxyOutcome = "miss"
	// ProxyOutcomeBypass indicates the request did not participate in caching.
	ProxyOutcomeBypass ProxyOutcome = "bypass"
	// ProxyOutcomeRejected indicates a non-allow-listed external request was refused.
	ProxyOutcomeRejected ProxyOutcome = "rejected"
	// ProxyOutcomeError indicates the network fetch failed.
	ProxyOutcomeError ProxyOutcome = "error"
)

// LifecycleOperation identifies install/activate transitions.
type LifecycleOperation string

const (
	// LifecycleInstall records generation seeding runs.
	LifecycleInstall LifecycleOperation = "install"
	// LifecycleActivate records stale-generation eviction runs.
	LifecycleActivate LifecycleOperation = "activate"
)

// Recorder publishes Prometheus metrics for edge activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	proxyRequests *prometheus.CounterVec
	proxyLatency  *prometheus.HistogramVec

	cacheOperations *prometheus.CounterVec
	cacheLatency    *prometheus.HistogramVec

	lifecycleRuns *prometheus.CounterVec
	gridFrames    prometheus.Counter
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	proxyRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bloxberg",
		Subsystem: "proxy",
		Name:      "requests_total",
		Help:      "Intercepted requests resolved by the cache proxy.",
	}, []string{"route", "outcome"})

	proxyLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "bloxberg",
		Subsystem: "proxy",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for intercepted requests.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"route", "outcome"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bloxberg",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Generation store operations executed by the proxy.",
	}, []string{"operation", "result"})

	cacheLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "bloxberg",
		Subsystem: "cache",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for generation store operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"operation", "result"})

	lifecycleRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bloxberg",
		Subsystem: "lifecycle",
		Name:      "runs_total",
		Help:      "Install and activate runs by outcome.",
	}, []string{"operation", "outcome"})

	gridFrames := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "bloxberg",
		Subsystem: "grid",
		Name:      "frames_total",
		Help:      "Background grid frames rendered since start.",
	})

	reg.MustRegister(proxyRequests, proxyLatency, cacheOperations, cacheLatency, lifecycleRuns, gridFrames)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:        reg,
		handler:         handler,
		proxyRequests:   proxyRequests,
		proxyLatency:    proxyLatency,
		cacheOperations: cacheOperations,
		cacheLatency:    cacheLatency,
		lifecycleRuns:   lifecycleRuns,
		gridFrames:      gridFrames,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveProxy records the outcome and latency for an intercepted request.
func (r *Recorder) ObserveProxy(route string, outcome ProxyOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	routeLabel := normalizeLabel(route)
	outcomeLabel := string(outcome)
	if outcomeLabel == "" {
		outcomeLabel = string(ProxyOutcomeBypass)
	}
	r.proxyRequests.WithLabelValues(routeLabel, outcomeLabel).Inc()
	r.proxyLatency.WithLabelValues(routeLabel, outcomeLabel).Observe(duration.Seconds())
}

// ObserveCache records the result of a generation store operation.
func (r *Recorder) ObserveCache(operation CacheOperation, result string, duration time.Duration) {
	if r == nil {
		return
	}
	opLabel := string(operation)
	if opLabel == "" {
		opLabel = string(CacheOperationLookup)
	}
	r.cacheOperations.WithLabelValues(opLabel, normalizeLabel(result)).Inc()
	r.cacheLatency.WithLabelValues(opLabel, normalizeLabel(result)).Observe(duration.Seconds())
}

// ObserveLifecycle records an install or activate run.
func (r *Recorder) ObserveLifecycle(operation LifecycleOperation, outcome string) {
	if r == nil {
		return
	}
	r.lifecycleRuns.WithLabelValues(string(operation), normalizeLabel(outcome)).Inc()
}

// ObserveGridFrame counts one rendered background frame.
func (r *Recorder) ObserveGridFrame() {
	if r == nil {
		return
	}
	r.gridFrames.Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
