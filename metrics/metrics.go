// Package metrics is the audit sink: every pipeline stage records its
// processing outcomes here, and the DLQ/lag gauges are what the engine's
// self-monitoring alerts on.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_events_published_total",
			Help: "Total number of events published per stream",
		},
		[]string{"stream"},
	)

	EventsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_events_consumed_total",
			Help: "Total number of events consumed per stream and consumer group",
		},
		[]string{"stream", "group"},
	)

	EventsRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_events_routed_total",
			Help: "Total routing decisions per destination stream",
		},
		[]string{"stream"},
	)

	MalformedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_malformed_events_total",
			Help: "Total events rejected by schema validation, per source",
		},
		[]string{"source"},
	)

	RuleEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_rule_evaluations_total",
			Help: "Total rule evaluations by rule type and outcome",
		},
		[]string{"rule_type", "outcome"},
	)

	RuleEvaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sentinel_rule_evaluation_duration_seconds",
			Help:    "Time taken to evaluate all rules against one event",
			Buckets: prometheus.DefBuckets,
		},
	)

	RulesAutoDisabled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_rules_auto_disabled_total",
			Help: "Total rules disabled after consecutive evaluation failures",
		},
	)

	WindowMembers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sentinel_window_members",
			Help: "Current member count of the most recently updated window per rule type",
		},
		[]string{"rule_type"},
	)

	AlertsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_alerts_created_total",
			Help: "Total new alert instances created, per severity",
		},
		[]string{"severity"},
	)

	AlertsMerged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_alerts_merged_total",
			Help: "Total candidate alerts merged into an existing instance",
		},
	)

	AlertsSuppressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_alerts_suppressed_total",
			Help: "Total firings dropped inside a resolved alert's suppression window",
		},
	)

	DedupConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_dedup_version_conflicts_total",
			Help: "Total optimistic-concurrency conflicts during alert merge",
		},
	)

	Escalations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_escalations_total",
			Help: "Total escalation transitions per level",
		},
		[]string{"level"},
	)

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_notifications_total",
			Help: "Total notification deliveries by channel and status",
		},
		[]string{"channel", "status"},
	)

	DLQMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_dlq_messages_total",
			Help: "Total messages routed to a dead-letter stream, per stream and reason",
		},
		[]string{"stream", "reason"},
	)

	ConsumerLag = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sentinel_consumer_lag",
			Help: "Uncommitted records per stream, consumer group and partition",
		},
		[]string{"stream", "group", "partition"},
	)

	ProcessingTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_processing_timeouts_total",
			Help: "Total messages nacked for exceeding the processing budget",
		},
		[]string{"stream", "group"},
	)
)
