// Package metrics provides Prometheus metrics for the entity resolver.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ObservationsTotal counts accepted observations by source, dimension
	// and outcome (stored, duplicate, rejected).
	ObservationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "entity_resolver",
			Subsystem: "ingest",
			Name:      "observations_total",
			Help:      "Total number of observations by outcome",
		},
		[]string{"source", "dimension", "outcome"},
	)

	// LookupMissesTotal counts raw values with no canonical mapping.
	LookupMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "entity_resolver",
			Subsystem: "lookup",
			Name:      "misses_total",
			Help:      "Total number of lookup misses by dimension",
		},
		[]string{"dimension"},
	)

	// CoalesceDuration tracks canonical view computation time.
	CoalesceDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "entity_resolver",
			Subsystem: "coalesce",
			Name:      "view_duration_seconds",
			Help:      "Duration of canonical view computation in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
	)

	// RelationshipsInferredTotal counts inference outcomes by provenance.
	RelationshipsInferredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "entity_resolver",
			Subsystem: "relation",
			Name:      "inferred_total",
			Help:      "Total number of inferred relationships by provenance and outcome",
		},
		[]string{"provenance", "outcome"},
	)

	// GuardRefusalsTotal counts operations refused by the deletion guard.
	GuardRefusalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "entity_resolver",
			Subsystem: "relation",
			Name:      "guard_refusals_total",
			Help:      "Total number of destructive operations refused by the guard",
		},
		[]string{"op"},
	)

	// ReportsTotal counts impact reports by kind and status.
	ReportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "entity_resolver",
			Subsystem: "report",
			Name:      "reports_total",
			Help:      "Total number of impact reports by kind and status",
		},
		[]string{"kind", "status"},
	)

	// ReconcileBatchesTotal counts reconcile batches by outcome.
	ReconcileBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "entity_resolver",
			Subsystem: "reconcile",
			Name:      "batches_total",
			Help:      "Total number of reconcile batches by outcome",
		},
		[]string{"outcome"},
	)

	// ReconcileRecordsChanged counts dimension records rewritten by reconcile.
	ReconcileRecordsChanged = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "entity_resolver",
			Subsystem: "reconcile",
			Name:      "records_changed_total",
			Help:      "Total number of dimension records changed by reconciliation",
		},
	)

	// IntakeMessagesTotal counts broker messages by outcome.
	IntakeMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "entity_resolver",
			Subsystem: "intake",
			Name:      "messages_total",
			Help:      "Total number of intake messages by outcome",
		},
		[]string{"outcome"},
	)

	// ViewCacheTotal counts view cache lookups by result.
	ViewCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "entity_resolver",
			Subsystem: "viewcache",
			Name:      "lookups_total",
			Help:      "Total number of view cache lookups by result",
		},
		[]string{"result"},
	)

	// HTTPRequestsTotal counts API requests by route pattern and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "entity_resolver",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Total number of API requests by route and status code",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPRequestDuration tracks API latency by route pattern.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "entity_resolver",
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "Duration of API requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// RecordObservation records one ingest outcome.
func RecordObservation(source, dimension, outcome string) {
	ObservationsTotal.WithLabelValues(source, dimension, outcome).Inc()
}

// RecordLookupMiss records a lookup miss.
func RecordLookupMiss(dimension string) {
	LookupMissesTotal.WithLabelValues(dimension).Inc()
}

// RecordInference records inference counts for one provenance.
func RecordInference(provenance string, inserted, duplicate, rejected int) {
	RelationshipsInferredTotal.WithLabelValues(provenance, "inserted").Add(float64(inserted))
	RelationshipsInferredTotal.WithLabelValues(provenance, "duplicate").Add(float64(duplicate))
	RelationshipsInferredTotal.WithLabelValues(provenance, "rejected").Add(float64(rejected))
}

// RecordReport records an impact report transition.
func RecordReport(kind, status string) {
	ReportsTotal.WithLabelValues(kind, status).Inc()
}

// RecordReconcileBatch records one reconcile batch.
func RecordReconcileBatch(outcome string, changed int64) {
	ReconcileBatchesTotal.WithLabelValues(outcome).Inc()
	ReconcileRecordsChanged.Add(float64(changed))
}
