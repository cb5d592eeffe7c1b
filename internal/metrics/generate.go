package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// GenRequestsTotal counts generation-backend HTTP request attempts.
	GenRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "infinitune_generate_requests_total",
		Help: "Total number of generation-backend HTTP request attempts, by backend, endpoint and status class.",
	}, []string{"backend", "endpoint", "status_class"})

	// GenRequestSeconds observes generation-backend request durations per attempt.
	GenRequestSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "infinitune_generate_request_seconds",
		Help:    "Duration of generation-backend HTTP requests per attempt, by backend, endpoint and status class.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"backend", "endpoint", "status_class"})

	// GenRequestErrorsTotal counts failed generation-backend request attempts.
	GenRequestErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "infinitune_generate_request_errors_total",
		Help: "Number of generation-backend request attempts that failed, by backend, endpoint and status class.",
	}, []string{"backend", "endpoint", "status_class"})

	// GenRequestRetriesTotal counts generation-backend request retries.
	GenRequestRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "infinitune_generate_request_retries_total",
		Help: "Number of generation-backend request retries performed, by backend, endpoint and status class.",
	}, []string{"backend", "endpoint", "status_class"})
)

func statusClass(err error, status int) string {
	if err != nil {
		return "error"
	}
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	case status > 0:
		return "1xx"
	}
	return "unknown"
}

// RecordGenRequest records one generation-backend request attempt.
func RecordGenRequest(backend, endpoint string, status int, duration time.Duration, err error, retry bool) {
	class := statusClass(err, status)
	GenRequestsTotal.WithLabelValues(backend, endpoint, class).Inc()
	GenRequestSeconds.WithLabelValues(backend, endpoint, class).Observe(duration.Seconds())
	if class != "2xx" {
		GenRequestErrorsTotal.WithLabelValues(backend, endpoint, class).Inc()
	}
	if retry {
		GenRequestRetriesTotal.WithLabelValues(backend, endpoint, class).Inc()
	}
}
