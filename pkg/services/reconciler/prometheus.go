package reconciler

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics used in monitoring service.
var (
	feesDebited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Help:      "Realized fees debited from credit vaults, in mutez",
			Name:      "fees_debited_mutez",
			Namespace: "gasstation",
		},
	)

	withdrawalsConfirmed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Help:      "Number of withdrawal transfers confirmed on chain",
			Name:      "withdrawals_confirmed",
			Namespace: "gasstation",
		},
	)

	reconcileFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Help:      "Number of settlements abandoned for manual follow-up",
			Name:      "reconcile_failures",
			Namespace: "gasstation",
		},
	)
)

func init() {
	prometheus.MustRegister(
		feesDebited,
		withdrawalsConfirmed,
		reconcileFailures,
	)
}
