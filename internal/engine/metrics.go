package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Request results recorded on the selection counter.
const (
	resultOK       = "ok"
	resultDegraded = "degraded"
	resultInvalid  = "invalid"
	resultCanceled = "canceled"
)

var (
	// requestsTotal counts SelectAndLoad calls by outcome.
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "budgetd",
			Subsystem: "engine",
			Name:      "requests_total",
			Help:      "Total number of selection requests by result",
		},
		[]string{"result"},
	)

	// bundleTokens tracks delivered bundle sizes.
	bundleTokens = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "budgetd",
			Subsystem: "engine",
			Name:      "bundle_tokens",
			Help:      "Total token size of delivered bundles",
			Buckets:   []float64{1000, 2000, 4000, 8000, 16000, 24000, 32000, 40000},
		},
	)

	// unitsIngested counts AddUnit outcomes.
	// Labels: layer, result (stored, compressed, rejected)
	unitsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "budgetd",
			Subsystem: "engine",
			Name:      "units_ingested_total",
			Help:      "Total number of ingested units by layer and outcome",
		},
		[]string{"layer", "result"},
	)

	// ingestEvictions counts units removed to admit new content.
	ingestEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "budgetd",
			Subsystem: "engine",
			Name:      "ingest_evictions_total",
			Help:      "Total number of units evicted to make room during ingest",
		},
		[]string{"layer"},
	)
)
