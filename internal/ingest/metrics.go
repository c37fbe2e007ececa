package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	documentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "budgetd",
		Subsystem: "ingest",
		Name:      "documents_total",
		Help:      "Unit documents processed, by result.",
	}, []string{"result"})

	staleUnits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "budgetd",
		Subsystem: "ingest",
		Name:      "stale_units_removed_total",
		Help:      "Units removed because they disappeared from their source document.",
	})
)
