// Package metrics exposes Prometheus collectors for the engine.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "experiment_layer",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "experiment_layer",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "experiment_layer",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	flagEvaluations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "experiment_layer",
			Subsystem: "flags",
			Name:      "evaluations_total",
			Help:      "Total number of flag evaluations by decision reason.",
		},
		[]string{"reason"},
	)

	variantAssignments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "experiment_layer",
			Subsystem: "experiments",
			Name:      "assignments_total",
			Help:      "Total number of assignment decisions by outcome.",
		},
		[]string{"outcome"},
	)

	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "experiment_layer",
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Total number of cache lookups by cache name and result.",
		},
		[]string{"cache", "result"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		flagEvaluations,
		variantAssignments,
		cacheLookups,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordEvaluation counts one flag decision.
func RecordEvaluation(reason string) {
	flagEvaluations.WithLabelValues(reason).Inc()
}

// RecordAssignment counts one assignment decision. Outcome is one of
// "new", "existing", or "none".
func RecordAssignment(outcome string) {
	variantAssignments.WithLabelValues(outcome).Inc()
}

// RecordCacheLookup counts a cache hit or miss for the named cache.
func RecordCacheLookup(cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookups.WithLabelValues(cache, result).Inc()
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// canonicalPath collapses entity identifiers out of paths so label
// cardinality stays bounded.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	switch parts[0] {
	case "experiments":
		if len(parts) == 1 {
			return "/experiments"
		}
		if len(parts) == 2 {
			return "/experiments/:id"
		}
		return "/experiments/:id/" + parts[2]
	case "flags":
		if len(parts) == 1 {
			return "/flags"
		}
		if parts[1] == "evaluate" {
			return "/flags/evaluate"
		}
		if len(parts) == 2 {
			return "/flags/:key"
		}
		return "/flags/:key/" + parts[2]
	default:
		return "/" + parts[0]
	}
}
