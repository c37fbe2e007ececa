package policy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	selectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "budgetd",
		Subsystem: "policy",
		Name:      "selections_total",
		Help:      "Total number of layer selections performed.",
	})

	activationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "budgetd",
		Subsystem: "policy",
		Name:      "activations_total",
		Help:      "Layer activations by layer and reason.",
	}, []string{"layer", "reason"})

	outcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "budgetd",
		Subsystem: "policy",
		Name:      "outcomes_total",
		Help:      "Recorded selection outcomes by result.",
	}, []string{"result"})
)
