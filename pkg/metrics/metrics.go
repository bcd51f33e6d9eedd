// Package metrics provides Prometheus metrics for the Crossy ingestion pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CapturesStoredTotal tracks raw change events persisted to the capture store
	CapturesStoredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crossy",
			Subsystem: "capture",
			Name:      "stored_total",
			Help:      "Total number of raw change events persisted to the capture store",
		},
		[]string{"collection", "source"},
	)

	// ChangesNormalizedTotal tracks change events normalized into pending changes
	ChangesNormalizedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crossy",
			Subsystem: "normalizer",
			Name:      "changes_total",
			Help:      "Total number of change events normalized by source and operation",
		},
		[]string{"collection", "source", "operation"},
	)

	// NormalizeFailuresTotal tracks payloads the normalizer rejected
	NormalizeFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crossy",
			Subsystem: "normalizer",
			Name:      "failures_total",
			Help:      "Total number of change payloads rejected during normalization",
		},
		[]string{"collection", "source", "reason"},
	)

	// MergeOutcomesTotal tracks merge engine apply outcomes
	MergeOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crossy",
			Subsystem: "merge",
			Name:      "outcomes_total",
			Help:      "Total number of merge applies by outcome (applied, tombstoned, stale)",
		},
		[]string{"collection", "outcome"},
	)

	// MergeApplyDuration tracks merge apply duration in seconds
	MergeApplyDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "crossy",
			Subsystem: "merge",
			Name:      "apply_duration_seconds",
			Help:      "Duration of merge apply operations in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"collection"},
	)

	// MergeRetriesTotal tracks apply attempts retried after transient failures
	MergeRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crossy",
			Subsystem: "merge",
			Name:      "retries_total",
			Help:      "Total number of merge applies retried after transient failures",
		},
		[]string{"collection"},
	)

	// DLQEntriesTotal tracks change events sent to the dead letter queue
	DLQEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crossy",
			Subsystem: "dlq",
			Name:      "entries_total",
			Help:      "Total number of change events sent to the dead letter queue",
		},
		[]string{"collection", "reason"},
	)

	// KafkaMessagesConsumed tracks change stream messages consumed
	KafkaMessagesConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crossy",
			Subsystem: "kafka",
			Name:      "messages_consumed_total",
			Help:      "Total number of messages consumed from the change stream",
		},
		[]string{"topic", "status"},
	)

	// KafkaMessagesPublished tracks record lifecycle events published
	KafkaMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crossy",
			Subsystem: "kafka",
			Name:      "messages_published_total",
			Help:      "Total number of record lifecycle events published to Kafka",
		},
		[]string{"topic", "status"},
	)

	// KafkaPublishDuration tracks Kafka publish duration
	KafkaPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "crossy",
			Subsystem: "kafka",
			Name:      "publish_duration_seconds",
			Help:      "Duration of Kafka publish operations in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		},
	)

	// BackfillDocumentsTotal tracks backfill documents processed per run
	BackfillDocumentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crossy",
			Subsystem: "backfill",
			Name:      "documents_total",
			Help:      "Total number of backfill documents processed by outcome",
		},
		[]string{"collection", "outcome"},
	)

	// DatabaseQueryDuration tracks database query duration
	DatabaseQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "crossy",
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Duration of database queries in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"operation"},
	)
)

// RecordMergeOutcome records a merge apply outcome with its duration
func RecordMergeOutcome(collection, outcome string, durationSeconds float64) {
	MergeOutcomesTotal.WithLabelValues(collection, outcome).Inc()
	MergeApplyDuration.WithLabelValues(collection).Observe(durationSeconds)
}

// RecordDLQEntry records a change event sent to the dead letter queue
func RecordDLQEntry(collection, reason string) {
	DLQEntriesTotal.WithLabelValues(collection, reason).Inc()
}

// RecordKafkaPublish records a Kafka publish operation
func RecordKafkaPublish(topic, status string, durationSeconds float64) {
	KafkaMessagesPublished.WithLabelValues(topic, status).Inc()
	KafkaPublishDuration.Observe(durationSeconds)
}
