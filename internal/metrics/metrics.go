package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookRequestsTotal counts Stripe webhook requests by event type and HTTP status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "llmready",
		Subsystem: "billing",
		Name:      "webhook_requests_total",
		Help:      "Total Stripe webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks Stripe webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "llmready",
		Subsystem: "billing",
		Name:      "webhook_duration_seconds",
		Help:      "Stripe webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// EventOutcomes counts event log decisions (processed, duplicate, stale, failed, ignored).
	EventOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "llmready",
		Subsystem: "billing",
		Name:      "event_outcomes_total",
		Help:      "Billing events by type and reconciliation outcome.",
	}, []string{"event_type", "outcome"})

	// Downgrades counts forced downgrades to the free tier by cause.
	Downgrades = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "llmready",
		Subsystem: "billing",
		Name:      "downgrades_total",
		Help:      "Subscriptions downgraded to the free tier by cause.",
	}, []string{"cause"})

	// PlanChanges counts tier changes between paid plans by direction.
	PlanChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "llmready",
		Subsystem: "billing",
		Name:      "plan_changes_total",
		Help:      "Paid plan changes applied from Stripe, by direction (upgrade, downgrade, interval).",
	}, []string{"direction"})

	// RefundsTotal counts cooling-off refund attempts by result.
	RefundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "llmready",
		Subsystem: "billing",
		Name:      "cooling_off_refunds_total",
		Help:      "Cooling-off cancellations by result (refunded, no_refund, failed).",
	}, []string{"result"})

	RefundedCents = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "llmready",
		Subsystem: "billing",
		Name:      "refunded_cents_total",
		Help:      "Sum of cooling-off refunds issued, in euro cents.",
	})

	// JobRuns counts scheduled job executions by job and result.
	JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "llmready",
		Subsystem: "jobs",
		Name:      "runs_total",
		Help:      "Scheduled job runs by job name and result.",
	}, []string{"job", "result"})

	// QuotaDenials counts generation requests refused by the quota check.
	QuotaDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "llmready",
		Subsystem: "usage",
		Name:      "quota_denials_total",
		Help:      "Generation quota checks that denied the request, by subscription status.",
	}, []string{"status"})
)
