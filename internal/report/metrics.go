package report

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// sweepsTotal counts completed alert sweeps.
	sweepsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "budgetd",
			Subsystem: "report",
			Name:      "sweeps_total",
			Help:      "Total number of alert sweeps run",
		},
	)

	// digestsTotal counts completed occupancy digests.
	digestsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "budgetd",
			Subsystem: "report",
			Name:      "digests_total",
			Help:      "Total number of occupancy digests run",
		},
	)

	// deliveryFailures counts alerts the sink failed to accept.
	deliveryFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "budgetd",
			Subsystem: "report",
			Name:      "delivery_failures_total",
			Help:      "Total number of failed alert deliveries by metric",
		},
		[]string{"metric"},
	)
)
