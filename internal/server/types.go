package server

import (
	"github.com/fyrsmithlabs/budgetd/internal/controller"
	"github.com/fyrsmithlabs/budgetd/internal/metrics"
	"github.com/fyrsmithlabs/budgetd/internal/store"
)

// LayerStatus is one layer's occupancy snapshot.
type LayerStatus struct {
	Layer     store.LayerID `json:"layer"`
	Budget    int           `json:"budget"`
	Occupancy int           `json:"occupancy"`
	Units     int           `json:"units"`
}

// StatusResponse is the response body for GET /api/v1/status.
type StatusResponse struct {
	Status     string                                                   `json:"status"`
	Version    string                                                   `json:"version,omitempty"`
	Layers     []LayerStatus                                            `json:"layers"`
	Metrics    map[string]metrics.Stat                                  `json:"metrics"`
	Controller []controller.MetricStatus                                `json:"controller"`
	History    []controller.ActionRecord                                `json:"history,omitempty"`
	Outcomes   map[string]map[controller.Action]controller.ActionStats `json:"outcomes,omitempty"`
}
