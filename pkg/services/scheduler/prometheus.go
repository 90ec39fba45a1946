package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics used in monitoring service.
var (
	batchesSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Help:      "Number of batches broadcast to the chain",
			Name:      "batches_submitted",
			Namespace: "gasstation",
		},
	)

	callsRelayed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Help:      "Number of sponsored calls included in broadcast batches",
			Name:      "calls_relayed",
			Namespace: "gasstation",
		},
	)

	callsEvicted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Help:      "Number of admitted calls evicted for breaking the batch simulation",
			Name:      "calls_evicted",
			Namespace: "gasstation",
		},
	)

	submitFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Help:      "Number of batch broadcasts rejected by the node",
			Name:      "submit_failures",
			Namespace: "gasstation",
		},
	)
)

func init() {
	prometheus.MustRegister(
		batchesSubmitted,
		callsRelayed,
		callsEvicted,
		submitFailures,
	)
}
