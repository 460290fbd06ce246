package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookRequestsTotal counts provider notifications by resource type and HTTP status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "payfox",
		Subsystem: "billing",
		Name:      "webhook_requests_total",
		Help:      "Total provider notifications by resource type and HTTP status.",
	}, []string{"resource_type", "status"})

	// WebhookDuration tracks notification handling latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "payfox",
		Subsystem: "billing",
		Name:      "webhook_duration_seconds",
		Help:      "Provider notification handling duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"resource_type"})

	// ProcessingOutcomes counts ledger outcomes (processed, replayed, in_progress, failed_retryable, ...).
	ProcessingOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "payfox",
		Subsystem: "billing",
		Name:      "notification_outcomes_total",
		Help:      "Notification processing outcomes recorded by the event ledger.",
	}, []string{"outcome"})

	// ProviderCallDuration tracks provider API latency by operation and result.
	ProviderCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "payfox",
		Subsystem: "provider",
		Name:      "call_duration_seconds",
		Help:      "Payment provider API call duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation", "result"})

	// Transitions counts state machine transitions by machine and action.
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "payfox",
		Subsystem: "billing",
		Name:      "transitions_total",
		Help:      "Subscription and order state transitions by machine and action.",
	}, []string{"machine", "action"})

	// PollerOutcomes counts reconciliation poller terminal states.
	PollerOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "payfox",
		Subsystem: "reconcile",
		Name:      "poller_outcomes_total",
		Help:      "Reconciliation poller terminal states.",
	}, []string{"state"})

	// SweepTransitions counts tenants changed by the expiry sweep.
	SweepTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "payfox",
		Subsystem: "sweeper",
		Name:      "transitions_total",
		Help:      "Tenant transitions applied by the expiry sweep.",
	}, []string{"transition"})

	// SecurityEvents counts rejected forged or cross-tenant notifications.
	SecurityEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "payfox",
		Subsystem: "billing",
		Name:      "security_events_total",
		Help:      "Security anomalies detected during notification handling.",
	}, []string{"kind"})

	// JobsTotal counts deferred jobs by type and result.
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "payfox",
		Subsystem: "jobqueue",
		Name:      "jobs_total",
		Help:      "Deferred jobs processed by type and result.",
	}, []string{"job_type", "result"})
)
