package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// occupancyTokens tracks the sum of compressed sizes per layer.
	occupancyTokens = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "budgetd",
			Subsystem: "store",
			Name:      "occupancy_tokens",
			Help:      "Sum of compressed unit sizes stored per layer",
		},
		[]string{"layer"},
	)

	// budgetTokens tracks the current token budget per layer.
	budgetTokens = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "budgetd",
			Subsystem: "store",
			Name:      "budget_tokens",
			Help:      "Current token budget per layer",
		},
		[]string{"layer"},
	)

	// unitsStored tracks the number of units per layer.
	unitsStored = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "budgetd",
			Subsystem: "store",
			Name:      "units",
			Help:      "Number of context units stored per layer",
		},
		[]string{"layer"},
	)

	// putsTotal counts Put outcomes.
	// Labels: layer, result (stored, rejected, invalid)
	putsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "budgetd",
			Subsystem: "store",
			Name:      "puts_total",
			Help:      "Total number of Put operations by outcome",
		},
		[]string{"layer", "result"},
	)
)
