package controller

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "budgetd",
		Subsystem: "controller",
		Name:      "cycles_total",
		Help:      "Total number of evaluation cycles run.",
	})

	actionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "budgetd",
		Subsystem: "controller",
		Name:      "actions_total",
		Help:      "Corrective actions by metric, action and result.",
	}, []string{"metric", "action", "result"})

	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "budgetd",
		Subsystem: "controller",
		Name:      "transitions_total",
		Help:      "State machine transitions by metric and target state.",
	}, []string{"metric", "to"})

	escalationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "budgetd",
		Subsystem: "controller",
		Name:      "escalations_total",
		Help:      "Violations escalated after remediation was exhausted.",
	}, []string{"metric"})
)
