package alert

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// alertsTotal counts raised alerts.
// Labels: metric, level (warning, critical)
var alertsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "budgetd",
		Subsystem: "alert",
		Name:      "raised_total",
		Help:      "Total number of alerts raised by metric and level",
	},
	[]string{"metric", "level"},
)
