// Package metrics declares the Prometheus collectors exported at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "publish_enforcer"

var (
	// PostOutcomes counts dispatch outcomes.
	// Labels: platform, outcome (published, failed, pending_connection, quota_exceeded, deferred, retry)
	PostOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "post_outcomes_total",
		Help:      "Per-post dispatch outcomes",
	}, []string{"platform", "outcome"})

	// PublishLatency measures the platform publish call only.
	PublishLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "publish_latency_seconds",
		Help:      "Platform publish call latency in seconds",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30},
	}, []string{"platform"})

	// QuotaRejections counts reservations refused for lack of remaining quota.
	QuotaRejections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "quota",
		Name:      "rejections_total",
		Help:      "Reservations refused because remaining quota was zero",
	})

	// CommitFailures counts platform successes whose local commit failed and went to the journal.
	CommitFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "quota",
		Name:      "commit_failures_total",
		Help:      "Published posts whose local commit failed and were journaled",
	})

	// ClaimsLost counts posts skipped because another run held their claim.
	ClaimsLost = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "quota",
		Name:      "claims_lost_total",
		Help:      "Posts skipped because another run held the publish claim",
	})

	// Reconciled counts journal entries applied by a reconciliation pass.
	// Labels: result (applied, conflict, error)
	Reconciled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "quota",
		Name:      "reconciled_total",
		Help:      "Reconciliation journal entries processed",
	}, []string{"result"})

	// TokenRefreshes counts refresh attempts.
	// Labels: platform, result (ok, rejected, error)
	TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "connections",
		Name:      "token_refreshes_total",
		Help:      "Token refresh attempts by platform and result",
	}, []string{"platform", "result"})

	// RepairFailures counts connections deactivated by auto-repair.
	RepairFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "repair",
		Name:      "failures_total",
		Help:      "Auto-repair failures by platform and kind",
	}, []string{"platform", "kind"})

	// RunDuration measures one enforcement run end to end.
	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "run_duration_seconds",
		Help:      "Enforcement run duration in seconds",
		Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
	})

	// RunsSkipped counts cron ticks that found a run still in flight.
	RunsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "runs_skipped_total",
		Help:      "Scheduled runs skipped because the previous run was still in flight",
	})

	// PlanSyncs counts subscriber plan updates from billing.
	// Labels: result (updated, unchanged, unmapped, error)
	PlanSyncs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "billing",
		Name:      "plan_syncs_total",
		Help:      "Plan sync results per subscriber",
	}, []string{"result"})
)
