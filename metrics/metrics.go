// Package metrics exposes the broker Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MessagesProduced counts messages enqueued or scheduled by producers.
	MessagesProduced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smq_messages_produced_total",
			Help: "Total number of messages produced",
		},
		[]string{"queue", "kind"},
	)

	// MessagesConsumed counts messages dequeued into processing.
	MessagesConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smq_messages_consumed_total",
			Help: "Total number of messages dequeued into processing",
		},
		[]string{"queue"},
	)

	// MessagesAcknowledged counts acknowledged messages.
	MessagesAcknowledged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smq_messages_acknowledged_total",
			Help: "Total number of messages acknowledged",
		},
		[]string{"queue"},
	)

	// MessagesUnacknowledged counts failed deliveries by outcome
	// (requeued, delayed, dead-lettered).
	MessagesUnacknowledged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smq_messages_unacknowledged_total",
			Help: "Total number of failed deliveries",
		},
		[]string{"queue", "outcome", "cause"},
	)

	// MessagesRecovered counts messages moved back to pending from the
	// processing list of a dead or stopped consumer.
	MessagesRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "smq_messages_recovered_total",
			Help: "Total number of messages recovered from dead consumers",
		},
	)

	// MessagesPromoted counts scheduled messages moved to pending.
	MessagesPromoted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "smq_messages_promoted_total",
			Help: "Total number of scheduled messages promoted to pending",
		},
	)

	// WorkerTicks counts worker ticks by worker and result (worked,
	// idle, error).
	WorkerTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smq_worker_ticks_total",
			Help: "Total number of worker ticks",
		},
		[]string{"worker", "result"},
	)

	// WorkerDuration observes the time spent doing work per tick.
	WorkerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "smq_worker_duration_seconds",
			Help:    "Time taken by a worker tick",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"worker"},
	)

	// HandlerDuration observes message handler execution time.
	HandlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "smq_handler_duration_seconds",
			Help:    "Time taken by message handlers",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	// ConsumersExpired counts consumers whose heartbeat expired.
	ConsumersExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "smq_consumers_expired_total",
			Help: "Total number of consumers detected as dead",
		},
	)
)

// Handler returns the HTTP handler serving the metrics of the default
// registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
