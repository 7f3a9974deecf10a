package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_events_ingested_total",
			Help: "Total number of events accepted into the index",
		},
		[]string{"event_type"},
	)

	EventsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_events_rejected_total",
			Help: "Total number of events rejected before indexing",
		},
		[]string{"reason"},
	)

	EventsEvicted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_events_evicted_total",
			Help: "Total number of events evicted by per-type retention",
		},
		[]string{"event_type"},
	)

	CorrelationEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_correlation_evaluations_total",
			Help: "Correlation ticks by outcome (completed, skipped)",
		},
		[]string{"outcome"},
	)

	CorrelationMatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_correlation_matches_total",
			Help: "Built-in correlation rules that fired",
		},
		[]string{"rule"},
	)

	CorrelationWindowSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sentinel_correlation_window_events",
			Help:    "Number of events inside the correlation window per tick",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
	)

	RulesThrottled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_rules_throttled_total",
			Help: "Rule matches suppressed by throttling",
		},
		[]string{"rule"},
	)

	IncidentsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_incidents_created_total",
			Help: "Total number of incidents created",
		},
		[]string{"severity", "source_module"},
	)

	IncidentsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sentinel_incidents_open",
			Help: "Derived incident counters (unacknowledged, critical)",
		},
		[]string{"kind"},
	)

	PersistenceFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_persistence_failures_total",
			Help: "Failed writes of persisted state",
		},
		[]string{"store"},
	)

	NotificationsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_notifications_dropped_total",
			Help: "Incident notices dropped because a subscriber was full",
		},
		[]string{"subscriber"},
	)
)
