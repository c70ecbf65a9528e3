// Package metrics exposes the Prometheus collectors used across MealPipe.
//
// Label sets are kept small: route patterns instead of raw URLs, event kinds and
// outcomes from closed enumerations.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for processed inbound events.
const (
	OutcomeOK          = "ok"
	OutcomeInvalid     = "invalid_input"
	OutcomeExpired     = "session_expired"
	OutcomeError       = "error"
	OutcomeDuplicate   = "duplicate"
	OutcomeRateLimited = "rate_limited"
)

var (
	httpReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mealpipe_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpLat = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mealpipe_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	inboundEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mealpipe_inbound_events_total",
			Help: "Inbound chat events by kind and processing outcome.",
		},
		[]string{"kind", "outcome"},
	)

	generationLat = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mealpipe_generation_duration_seconds",
			Help:    "Duration of completion API calls by operation and result.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
		[]string{"operation", "result"},
	)

	ordersPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mealpipe_orders_total",
			Help: "Order attempts by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(httpReqs, httpLat, inboundEvents, generationLat, ordersPlaced)
}

// ObserveInbound counts one processed inbound event.
func ObserveInbound(kind, outcome string) {
	inboundEvents.WithLabelValues(kind, outcome).Inc()
}

// ObserveGeneration records a completion call duration. result is "ok" or a GenerationError kind.
func ObserveGeneration(operation, result string, d time.Duration) {
	generationLat.WithLabelValues(operation, result).Observe(d.Seconds())
}

// ObserveOrder counts one order attempt.
func ObserveOrder(result string) {
	ordersPlaced.WithLabelValues(result).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware instruments next with request counts and latency under the route label path.
func Middleware(path string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		httpReqs.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
		httpLat.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
