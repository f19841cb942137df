// Package metrics provides Prometheus metrics for the platform.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsEnqueuedTotal tracks jobs accepted by the queue
	JobsEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tkp",
			Subsystem: "queue",
			Name:      "jobs_enqueued_total",
			Help:      "Total number of jobs enqueued by action",
		},
		[]string{"tenant_id", "action"},
	)

	// JobsProcessedTotal tracks jobs that reached a terminal outcome
	JobsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tkp",
			Subsystem: "queue",
			Name:      "jobs_processed_total",
			Help:      "Total number of jobs processed by outcome",
		},
		[]string{"outcome"},
	)

	// JobsInFlight tracks jobs currently leased to workers
	JobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tkp",
			Subsystem: "queue",
			Name:      "jobs_in_flight",
			Help:      "Number of jobs currently leased to workers",
		},
	)

	// JobDuration tracks end-to-end job processing duration
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tkp",
			Subsystem: "queue",
			Name:      "job_duration_seconds",
			Help:      "Duration of job processing in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"action"},
	)

	// DeadLetterTotal tracks jobs moved to the dead letter queue
	DeadLetterTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tkp",
			Subsystem: "queue",
			Name:      "dead_letter_total",
			Help:      "Total number of jobs moved to the dead letter queue",
		},
		[]string{"tenant_id", "error_code"},
	)

	// StageDuration tracks per-stage pipeline duration
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tkp",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		},
		[]string{"stage"},
	)

	// StageFailuresTotal tracks stage failures by error code
	StageFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tkp",
			Subsystem: "pipeline",
			Name:      "stage_failures_total",
			Help:      "Total number of stage failures by error code",
		},
		[]string{"stage", "error_code"},
	)

	// RetrievalQueriesTotal tracks retrieval queries by outcome
	RetrievalQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tkp",
			Subsystem: "retrieval",
			Name:      "queries_total",
			Help:      "Total number of retrieval queries by outcome",
		},
		[]string{"tenant_id", "outcome"},
	)

	// RetrievalDuration tracks retrieval pipeline duration
	RetrievalDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tkp",
			Subsystem: "retrieval",
			Name:      "query_duration_seconds",
			Help:      "Duration of retrieval queries in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"phase"},
	)

	// AuthzDecisionsTotal tracks authorization decisions
	AuthzDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tkp",
			Subsystem: "authz",
			Name:      "decisions_total",
			Help:      "Total number of authorization decisions by outcome",
		},
		[]string{"action", "outcome"},
	)

	// KafkaMessagesPublished tracks Kafka messages published
	KafkaMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tkp",
			Subsystem: "kafka",
			Name:      "messages_published_total",
			Help:      "Total number of messages published to Kafka",
		},
		[]string{"topic", "status"},
	)

	// DatabaseQueryDuration tracks database query duration
	DatabaseQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tkp",
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Duration of database queries in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"operation"},
	)
)

// RecordJobOutcome records a terminal job outcome
func RecordJobOutcome(outcome string, action string, durationSeconds float64) {
	JobsProcessedTotal.WithLabelValues(outcome).Inc()
	JobDuration.WithLabelValues(action).Observe(durationSeconds)
}

// RecordDeadLetter records a job moved to the dead letter queue
func RecordDeadLetter(tenantID, errorCode string) {
	DeadLetterTotal.WithLabelValues(tenantID, errorCode).Inc()
}

// RecordStage records a stage execution
func RecordStage(stage string, durationSeconds float64) {
	StageDuration.WithLabelValues(stage).Observe(durationSeconds)
}

// RecordStageFailure records a stage failure
func RecordStageFailure(stage, errorCode string) {
	StageFailuresTotal.WithLabelValues(stage, errorCode).Inc()
}

// RecordRetrieval records a retrieval query outcome
func RecordRetrieval(tenantID, outcome string, durationSeconds float64) {
	RetrievalQueriesTotal.WithLabelValues(tenantID, outcome).Inc()
	RetrievalDuration.WithLabelValues("total").Observe(durationSeconds)
}

// RecordAuthzDecision records an authorization decision
func RecordAuthzDecision(action, outcome string) {
	AuthzDecisionsTotal.WithLabelValues(action, outcome).Inc()
}
