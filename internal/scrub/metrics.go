package scrub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	scrubsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "budgetd",
		Subsystem: "scrub",
		Name:      "scrubs_total",
		Help:      "Content scrubs performed.",
	})

	findingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "budgetd",
		Subsystem: "scrub",
		Name:      "findings_total",
		Help:      "Secrets redacted, by gitleaks rule.",
	}, []string{"rule"})
)
