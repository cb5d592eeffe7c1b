package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BusPublishedTotal counts published bus events by topic.
	BusPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "infinitune_bus_published_total",
		Help: "Total number of events published on the in-memory bus, by topic.",
	}, []string{"topic"})

	// BusDroppedTotal counts in-memory bus drops by topic and reason.
	BusDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "infinitune_bus_dropped_total",
		Help: "Total number of in-memory bus message drops, by topic and reason.",
	}, []string{"topic", "reason"})
)

// IncBusPublished records a published bus event.
func IncBusPublished(topic string) {
	if topic == "" {
		topic = "unknown"
	}
	BusPublishedTotal.WithLabelValues(topic).Inc()
}

// IncBusDropReason counts a drop attributed to reason.
func IncBusDropReason(topic, reason string) {
	if topic == "" {
		topic = "unknown"
	}
	if reason == "" {
		reason = "unknown"
	}
	BusDroppedTotal.WithLabelValues(topic, reason).Inc()
}
