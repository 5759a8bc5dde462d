package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_events_received_total",
			Help: "Total number of host events accepted for dispatch, by kind.",
		},
		[]string{"kind"},
	)

	EventsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_events_dropped_total",
			Help: "Total number of host events dropped before a send was attempted, by reason.",
		},
		[]string{"reason"}, // queue_full, stopped
	)

	DispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_dispatches_total",
			Help: "Total number of dispatch tasks by outcome.",
		},
		[]string{"outcome"}, // delivered, endpoint_error, transport_error, serialization_error
	)

	FailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_failures_total",
			Help: "Total number of failed dispatch tasks by reason.",
		},
		[]string{"reason"}, // http_4xx, http_5xx, timeout, connection_refused, dns_error, network, serialization
	)

	DispatchLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harborrelay_dispatch_latency_seconds",
			Help:    "Round trip time of outbound requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harborrelay_queue_depth",
			Help: "Number of dispatch tasks waiting for a worker.",
		},
	)

	ActiveWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harborrelay_workers",
			Help: "Number of live dispatch workers.",
		},
	)
)

// MustRegister registers every relay collector on reg
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		EventsReceivedTotal,
		EventsDroppedTotal,
		DispatchesTotal,
		FailuresTotal,
		DispatchLatencySeconds,
		QueueDepth,
		ActiveWorkers,
	)
}

// RecordEventReceived counts an accepted event
func RecordEventReceived(kind string) {
	EventsReceivedTotal.WithLabelValues(kind).Inc()
}

// RecordEventDropped counts an event that never reached a worker
func RecordEventDropped(reason string) {
	EventsDroppedTotal.WithLabelValues(reason).Inc()
}

// RecordDispatch counts a finished dispatch task. Latency is observed only
// when a request actually went out.
func RecordDispatch(outcome string, latency time.Duration) {
	DispatchesTotal.WithLabelValues(outcome).Inc()
	if latency > 0 {
		DispatchLatencySeconds.WithLabelValues(outcome).Observe(latency.Seconds())
	}
}

// RecordFailure counts a failed dispatch task by reason
func RecordFailure(reason string) {
	FailuresTotal.WithLabelValues(reason).Inc()
}

// UpdateQueueDepth sets the current queue depth
func UpdateQueueDepth(depth int) {
	QueueDepth.Set(float64(depth))
}

// UpdateActiveWorkers sets the current number of live workers
func UpdateActiveWorkers(n int) {
	ActiveWorkers.Set(float64(n))
}
