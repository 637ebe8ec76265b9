// Package monitoring registers the Prometheus metrics for the authorization
// pipeline. Metrics are package level; both binaries import what they touch
// and expose /metrics via promhttp.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Intake.
	AuthRequestsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auth_requests_accepted_total",
		Help: "Auth requests accepted by the intake API",
	})
	AuthRequestsReplayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auth_requests_replayed_total",
		Help: "Intake calls answered from an existing idempotency mapping",
	})
	FastPathResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_fast_path_resolved_total",
		Help: "Fast-path polls that returned a terminal result before timeout",
	}, []string{"resolved"})

	// Outbox.
	OutboxRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_relayed_total",
		Help: "Outbox rows successfully relayed to the queue",
	})
	OutboxEnqueueFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_enqueue_failures_total",
		Help: "Outbox rows whose enqueue failed and were left for retry",
	})
	OutboxBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "outbox_backlog",
		Help: "Unprocessed outbox rows at last poll",
	})

	// Worker.
	WorkerResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_results_total",
		Help: "Orchestrator invocations by result",
	}, []string{"result"})
	WorkerDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "worker_processing_duration_seconds",
		Help:    "Wall time of one orchestrator invocation",
		Buckets: prometheus.DefBuckets,
	})
	ProcessorCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "processor_calls_total",
		Help: "Processor authorize calls by processor and outcome",
	}, []string{"processor", "outcome"})
	LockContention = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auth_lock_contention_total",
		Help: "Lock acquisitions refused because another worker held the aggregate",
	})
	LocksSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auth_locks_swept_total",
		Help: "Expired locks removed by the sweeper",
	})

	// Queue.
	QueueMessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "queue_messages_received_total",
		Help: "Messages received from the auth request queue",
	})
	QueuePoisonMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "queue_poison_messages_total",
		Help: "Undecodable messages deleted without processing",
	})

	// Webhooks.
	WebhooksDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhooks_dispatched_total",
		Help: "Terminal outcome webhooks handed to the delivery queue",
	}, []string{"status"})
)
