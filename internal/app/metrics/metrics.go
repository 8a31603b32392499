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
			Namespace: "credit_layer",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "credit_layer",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "credit_layer",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	spendOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "credit_layer",
			Subsystem: "ledger",
			Name:      "spends_total",
			Help:      "Total number of spend attempts by outcome.",
		},
		[]string{"result"},
	)

	claimOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "credit_layer",
			Subsystem: "ledger",
			Name:      "claims_total",
			Help:      "Total number of daily claim attempts by outcome.",
		},
		[]string{"result"},
	)

	redemptionOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "credit_layer",
			Subsystem: "reward",
			Name:      "redemptions_total",
			Help:      "Total number of nonce redemption attempts by outcome.",
		},
		[]string{"result"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		spendOutcomes,
		claimOutcomes,
		redemptionOutcomes,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
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

// RecordSpend records the outcome of a spend attempt ("ok" or a
// rejection code).
func RecordSpend(result string) {
	spendOutcomes.WithLabelValues(nonEmpty(result)).Inc()
}

// RecordClaim records the outcome of a daily claim attempt.
func RecordClaim(result string) {
	claimOutcomes.WithLabelValues(nonEmpty(result)).Inc()
}

// RecordRedemption records the outcome of a nonce redemption attempt.
func RecordRedemption(result string) {
	redemptionOutcomes.WithLabelValues(nonEmpty(result)).Inc()
}

func nonEmpty(result string) string {
	if result == "" {
		return "ok"
	}
	return result
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

func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) == 1 {
		return "/" + parts[0]
	}
	return "/" + parts[0] + "/" + parts[1]
}
