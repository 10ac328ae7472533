// Package metrics exposes Prometheus counters for governance outcomes.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	approvalTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_approvals_total",
			Help: "Approval status transitions by resulting status",
		},
		[]string{"status"},
	)

	dispatchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_dispatch_total",
			Help: "Dispatch attempts by outcome",
		},
		[]string{"outcome"},
	)

	dispatchConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_dispatch_conflicts_total",
			Help: "Dispatch requests that lost the approved to dispatching claim",
		},
	)

	connectorAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_connector_attempts_total",
			Help: "Connector invocations by connector type and outcome",
		},
		[]string{"connector", "outcome"},
	)

	connectorDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "warden_connector_duration_seconds",
			Help:    "Connector call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"connector"},
	)

	idempotencyOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_idempotency_total",
			Help: "Idempotency guard decisions by outcome",
		},
		[]string{"outcome"},
	)

	policyDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_policy_decisions_total",
			Help: "Authorization decisions by outcome",
		},
		[]string{"outcome"},
	)

	sweepExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_sweep_expired_total",
			Help: "Pending approvals expired by the sweeper",
		},
	)
)

// RecordApprovalTransition counts an approval entering status.
func RecordApprovalTransition(status string) {
	approvalTransitions.WithLabelValues(status).Inc()
}

// RecordDispatch counts a dispatch outcome: dispatched, dispatch_failed,
// plan_mismatch or previewed.
func RecordDispatch(outcome string) {
	dispatchOutcomes.WithLabelValues(outcome).Inc()
}

// RecordDispatchConflict counts a lost dispatch claim.
func RecordDispatchConflict() {
	dispatchConflicts.Inc()
}

// RecordConnectorAttempt counts one connector call and its duration.
func RecordConnectorAttempt(connector, outcome string, d time.Duration) {
	connectorAttempts.WithLabelValues(connector, outcome).Inc()
	connectorDuration.WithLabelValues(connector).Observe(d.Seconds())
}

// RecordIdempotency counts a guard decision: proceed, replayed, busy,
// payload_mismatch.
func RecordIdempotency(outcome string) {
	idempotencyOutcomes.WithLabelValues(outcome).Inc()
}

// RecordPolicyDecision counts allowed, denied and unavailable decisions.
func RecordPolicyDecision(outcome string) {
	policyDecisions.WithLabelValues(outcome).Inc()
}

// RecordExpired counts approvals expired by one sweep.
func RecordExpired(n int) {
	sweepExpired.Add(float64(n))
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
