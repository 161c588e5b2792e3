package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

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

	walletOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_operations_total",
			Help: "Ledger engine operations by outcome.",
		},
		[]string{"op", "result"},
	)

	walletOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wallet_operation_duration_seconds",
			Help:    "Ledger engine operation latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	walletCommitRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wallet_commit_retries_total",
		Help: "Atomic commit retries caused by version conflicts.",
	})

	notifierDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wallet_notifier_dropped_total",
		Help: "Post-commit events dropped because the notifier queue was full.",
	})

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the service considers itself ready.",
	})
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		walletOperationsTotal, walletOperationDuration,
		walletCommitRetries, notifierDropped, readyGauge,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady records the readiness state for dashboards.
func SetReady(ready bool) {
	if ready {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// ObserveOperation records one engine operation outcome and its latency.
func ObserveOperation(op, result string, d time.Duration) {
	walletOperationsTotal.WithLabelValues(op, result).Inc()
	walletOperationDuration.WithLabelValues(op).Observe(d.Seconds())
}

// IncCommitRetry counts one optimistic-concurrency retry.
func IncCommitRetry() { walletCommitRetries.Inc() }

// IncNotifierDropped counts one dropped post-commit event.
func IncNotifierDropped() { notifierDropped.Inc() }

// Instrument wraps next with RED metrics keyed by canonical path.
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

// CanonicalPath collapses wallet identifiers so metric labels stay bounded.
func CanonicalPath(path string) string {
	if idx := strings.IndexByte(path, '?'); idx >= 0 {
		path = path[:idx]
	}
	if path == "" {
		return "/"
	}
	rest, ok := strings.CutPrefix(path, "/v1/wallets/")
	if !ok || rest == "" {
		return path
	}
	parts := strings.Split(rest, "/")
	switch len(parts) {
	case 1:
		return "/v1/wallets/:id"
	case 2:
		switch parts[1] {
		case "balance", "transactions", "deposit", "withdraw", "consume", "deactivate":
			return "/v1/wallets/:id/" + parts[1]
		}
	}
	return path
}

// statusWriter captures the response code for labeling.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
