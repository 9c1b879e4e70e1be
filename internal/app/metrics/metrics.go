package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "contract_ledger"

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	contractMutations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "contracts",
			Name:      "mutations_total",
			Help:      "Committed contract mutations by history action.",
		},
		[]string{"action"},
	)

	decryptFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "crypto",
			Name:      "decrypt_failures_total",
			Help:      "Stored ciphertexts that failed to decrypt, by read path and reason.",
		},
		[]string{"path", "reason"},
	)

	renewalConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "contracts",
			Name:      "renewal_conflicts_total",
			Help:      "Renew calls rejected because the contract was already renewed.",
		},
	)

	importRows = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backup",
			Name:      "import_rows_total",
			Help:      "Rows processed by bulk import, by result.",
		},
		[]string{"result"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		contractMutations,
		decryptFailures,
		renewalConflicts,
		importRows,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

func IncInFlight() { httpInFlight.Inc() }
func DecInFlight() { httpInFlight.Dec() }

// RecordHTTPRequest records one handled request. path should be a route
// template so label cardinality stays bounded.
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if path == "" {
		path = "unmatched"
	}
	method = strings.ToUpper(method)
	httpRequests.WithLabelValues(method, path, status).Inc()
	httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordMutation counts a committed mutation.
func RecordMutation(action string) {
	contractMutations.WithLabelValues(action).Inc()
}

// RecordDecryptFailure counts a ciphertext that could not be opened.
func RecordDecryptFailure(path, reason string) {
	if reason == "" {
		reason = "unknown"
	}
	decryptFailures.WithLabelValues(path, reason).Inc()
}

func RecordRenewalConflict() {
	renewalConflicts.Inc()
}

// RecordImportRows adds n rows with the given result ("imported" or "aborted").
func RecordImportRows(result string, n int) {
	if n <= 0 {
		return
	}
	importRows.WithLabelValues(result).Add(float64(n))
}
