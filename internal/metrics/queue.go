package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks pending entries per endpoint queue.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "infinitune_queue_depth",
		Help: "Current number of pending entries, by endpoint queue.",
	}, []string{"endpoint"})

	// QueueActive tracks running entries per endpoint queue.
	QueueActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "infinitune_queue_active",
		Help: "Current number of running entries, by endpoint queue.",
	}, []string{"endpoint"})

	// QueueWaitSeconds observes time spent waiting for admission.
	QueueWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "infinitune_queue_wait_seconds",
		Help:    "Time between enqueue and admission, by endpoint queue.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"endpoint"})

	// QueueExecSeconds observes execute durations.
	QueueExecSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "infinitune_queue_exec_seconds",
		Help:    "Execute duration of admitted entries, by endpoint queue and outcome.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
	}, []string{"endpoint", "outcome"})

	// QueueCancellationsTotal counts cancelled entries.
	QueueCancellationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "infinitune_queue_cancellations_total",
		Help: "Total number of cancelled queue entries, by endpoint and phase (pending/active).",
	}, []string{"endpoint", "phase"})

	// AudioPollsTotal counts audio poll results.
	AudioPollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "infinitune_audio_polls_total",
		Help: "Total number of audio task polls, by result (running/succeeded/failed/not_found/error).",
	}, []string{"result"})

	// AudioLostTasksTotal counts tasks resolved as lost past the grace period.
	AudioLostTasksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "infinitune_audio_lost_tasks_total",
		Help: "Total number of audio tasks resolved as not_found past the registration grace period.",
	})
)

// SetQueueGauges updates the depth/active gauges for one endpoint queue.
func SetQueueGauges(endpoint string, pending, active int) {
	QueueDepth.WithLabelValues(endpoint).Set(float64(pending))
	QueueActive.WithLabelValues(endpoint).Set(float64(active))
}

// ObserveQueueWait records the admission wait for one entry.
func ObserveQueueWait(endpoint string, wait time.Duration) {
	QueueWaitSeconds.WithLabelValues(endpoint).Observe(wait.Seconds())
}

// ObserveQueueExec records an execute duration with its outcome.
func ObserveQueueExec(endpoint, outcome string, d time.Duration) {
	QueueExecSeconds.WithLabelValues(endpoint, outcome).Observe(d.Seconds())
}

// IncAudioPoll records one audio poll result.
func IncAudioPoll(result string) {
	if result == "" {
		result = "unknown"
	}
	AudioPollsTotal.WithLabelValues(result).Inc()
}
