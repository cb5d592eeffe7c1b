// Package metrics provides Prometheus metrics for the infinitune pipeline.
// No per-song or per-playlist labels: cardinality stays bounded by the
// status and endpoint enums.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StatusTransitionsTotal counts committed song status transitions by edge.
	StatusTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "infinitune_status_transitions_total",
		Help: "Total number of committed song status transitions, by from/to edge.",
	}, []string{"from", "to"})

	// ClaimsTotal counts atomic claim attempts by kind and outcome.
	ClaimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "infinitune_claims_total",
		Help: "Total number of atomic claim attempts, by kind (metadata/audio) and outcome (won/lost).",
	}, []string{"kind", "outcome"})

	// SongsGeneratedTotal counts songs that reached ready.
	SongsGeneratedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "infinitune_songs_generated_total",
		Help: "Total number of songs that reached the ready status.",
	})

	// WorkerOutcomesTotal counts SongWorker run results.
	WorkerOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "infinitune_worker_outcomes_total",
		Help: "Total number of SongWorker runs, by outcome (completed/cancelled/error).",
	}, []string{"outcome"})

	// RecoveredSongsTotal counts startup recovery rewrites by edge.
	RecoveredSongsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "infinitune_recovered_songs_total",
		Help: "Total number of songs rewritten by startup recovery, by from/to edge.",
	}, []string{"from", "to"})

	// StaleSongs tracks songs currently past the staleness threshold.
	StaleSongs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "infinitune_stale_songs",
		Help: "Current number of songs stuck in a processing status past the staleness threshold.",
	})

	// ArchiveFailuresTotal counts best-effort archival step failures.
	ArchiveFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "infinitune_archive_failures_total",
		Help: "Total number of save-and-finalize step failures, by step.",
	}, []string{"step"})

	// ActiveControllers tracks currently running playlist controllers.
	ActiveControllers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "infinitune_active_controllers",
		Help: "Current number of running playlist controllers.",
	})

	// BufferDeficit tracks the last observed buffer deficit per tick.
	BufferDeficit = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "infinitune_buffer_deficit",
		Help:    "Observed buffer deficit when controllers evaluate their work queue.",
		Buckets: []float64{0, 1, 2, 3, 4, 5},
	})
)

// IncStatusTransition records a committed from/to edge.
func IncStatusTransition(from, to string) {
	StatusTransitionsTotal.WithLabelValues(from, to).Inc()
}

// IncClaim records a claim attempt outcome.
func IncClaim(kind string, won bool) {
	outcome := "lost"
	if won {
		outcome = "won"
	}
	ClaimsTotal.WithLabelValues(kind, outcome).Inc()
}

// IncWorkerOutcome records the result of a SongWorker run.
func IncWorkerOutcome(outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	WorkerOutcomesTotal.WithLabelValues(outcome).Inc()
}

// IncArchiveFailure records a failed best-effort archival step.
func IncArchiveFailure(step string) {
	ArchiveFailuresTotal.WithLabelValues(step).Inc()
}
