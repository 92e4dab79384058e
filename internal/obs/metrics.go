package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the readiness probe last succeeded.",
	})
)

// Rotation metrics
var (
	rotationAssignments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rotation_assignments_total",
			Help: "Mystery assignments attempted, by outcome.",
		},
		[]string{"outcome"},
	)

	rotationFallbackPicks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rotation_fallback_picks_total",
		Help: "Assignments that fell back to the full catalog because every candidate was recent.",
	})

	rotationBatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rotation_batch_duration_seconds",
			Help:    "Duration of a rotation batch.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		},
		[]string{"scope"},
	)

	rotationRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rotation_runs_total",
			Help: "Scheduled or manual rotation runs, by trigger source and outcome.",
		},
		[]string{"source", "outcome"},
	)

	rotationLastRun = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rotation_last_run_timestamp_seconds",
		Help: "Unix time of the last completed full rotation.",
	})

	triggerMode = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rotation_trigger_mode",
			Help: "Active schedule trigger mechanism (1 for the active mode).",
		},
		[]string{"mode"},
	)
)

var initOnce sync.Once

// Init registers all metrics in the default registry. Safe to call repeatedly.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration, readyGauge,
			rotationAssignments, rotationFallbackPicks, rotationBatchDuration,
			rotationRuns, rotationLastRun, triggerMode,
		)
	})
}

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady records the readiness probe result.
func SetReady(ok bool) {
	if ok {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// ObserveAssignment counts one selector outcome.
func ObserveAssignment(ok bool) {
	if ok {
		rotationAssignments.WithLabelValues("success").Inc()
		return
	}
	rotationAssignments.WithLabelValues("failure").Inc()
}

// ObserveFallbackPick counts a full-catalog fallback selection.
func ObserveFallbackPick() { rotationFallbackPicks.Inc() }

// ObserveBatch records how long a rotation batch took.
func ObserveBatch(scope string, d time.Duration) {
	rotationBatchDuration.WithLabelValues(scope).Observe(d.Seconds())
}

// ObserveRun counts a rotation run started by source ("cron", "poll", "admin", "cli").
func ObserveRun(source, outcome string, at time.Time) {
	rotationRuns.WithLabelValues(source, outcome).Inc()
	if outcome == "completed" {
		rotationLastRun.Set(float64(at.Unix()))
	}
}

// SetTriggerMode marks mode as the active trigger mechanism.
func SetTriggerMode(mode string) {
	triggerMode.Reset()
	triggerMode.WithLabelValues(mode).Set(1)
}

// Instrument wraps next with request count, latency and in-flight metrics.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath replaces identifiers in known routes so label cardinality stays bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" {
		return p
	}
	switch {
	case parts[1] == "mysteries" && len(parts) == 3:
		return "/v1/mysteries/:id"
	case parts[1] == "groups" && len(parts) == 4 && parts[3] == "rotations":
		return "/v1/groups/:id/rotations"
	case parts[1] == "memberships" && len(parts) == 4:
		switch parts[3] {
		case "confirm", "history", "mystery":
			return "/v1/memberships/:id/" + parts[3]
		}
	}
	return p
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
