package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	changeRequestTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iam_change_request_transitions_total",
			Help: "Change request state transitions by source and target state.",
		},
		[]string{"from", "to"},
	)

	reconcileRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iam_reconcile_runs_total",
			Help: "Permission reconciliation runs by outcome.",
		},
		[]string{"outcome"},
	)

	simulatedApprovals = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "iam_simulated_approvals_total",
			Help: "Approvals recorded by the quorum approval simulator.",
		},
	)
)

func ObserveTransition(from, to string) {
	changeRequestTransitions.WithLabelValues(from, to).Inc()
}

func ObserveReconcile(outcome string) {
	reconcileRuns.WithLabelValues(outcome).Inc()
}

func ObserveSimulatedApproval() {
	simulatedApprovals.Inc()
}
