package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/budgetd/internal/alert"
	"github.com/fyrsmithlabs/budgetd/internal/config"
	"github.com/fyrsmithlabs/budgetd/internal/controller"
	"github.com/fyrsmithlabs/budgetd/internal/engine"
	"github.com/fyrsmithlabs/budgetd/internal/policy"
	"github.com/fyrsmithlabs/budgetd/internal/store"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// SelectResponse is the response body for POST /api/v1/select.
type SelectResponse struct {
	Bundle   *engine.Bundle   `json:"bundle"`
	Decision *policy.Decision `json:"decision"`
}

// handleSelect runs one selection round trip: descriptor in, bundle out.
// Invalid descriptors are the caller's fault and map to 400; everything the
// engine absorbs arrives as a degraded bundle, not an error.
func (s *Server) handleSelect(c echo.Context) error {
	var desc policy.WorkDescriptor
	if err := c.Bind(&desc); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	bundle, decision, err := s.engine.SelectAndLoad(c.Request().Context(), desc)
	if err != nil {
		if errors.Is(err, policy.ErrInvalidDescriptor) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return err
	}

	return c.JSON(http.StatusOK, SelectResponse{Bundle: bundle, Decision: decision})
}

// RecordMetricRequest is the request body for POST /api/v1/metrics. The
// outcome fields are optional; when success is present the work is also
// attributed back to the layer set that served it.
type RecordMetricRequest struct {
	Metric   string          `json:"metric"`
	Value    float64         `json:"value"`
	WorkType string          `json:"work_type,omitempty"`
	Layers   []store.LayerID `json:"layers,omitempty"`
	Success  *bool           `json:"success,omitempty"`
}

// RecordMetricResponse is the response body for POST /api/v1/metrics.
type RecordMetricResponse struct {
	Status          string `json:"status"`
	OutcomeRecorded bool   `json:"outcome_recorded"`
}

func (s *Server) handleRecordMetric(c echo.Context) error {
	var req RecordMetricRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if err := s.engine.RecordMetric(req.Metric, req.Value); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	outcome := false
	if req.Success != nil {
		if err := s.engine.RecordOutcome(c.Request().Context(), req.WorkType, req.Layers, *req.Success); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		outcome = true
	}

	return c.JSON(http.StatusAccepted, RecordMetricResponse{Status: "recorded", OutcomeRecorded: outcome})
}

// AlertsResponse is the response body for GET /api/v1/alerts.
type AlertsResponse struct {
	Alerts []alert.Alert `json:"alerts"`
	Report string        `json:"report"`
}

// handleAlerts classifies the current metric window on demand. The same
// check runs on the report schedule; this endpoint is the pull side.
func (s *Server) handleAlerts(c echo.Context) error {
	alerts := s.engine.Alerts().Check(s.engine.Recorder().Snapshot())
	if alerts == nil {
		alerts = []alert.Alert{}
	}
	return c.JSON(http.StatusOK, AlertsResponse{
		Alerts: alerts,
		Report: s.engine.Alerts().Report(alerts),
	})
}

// PutUnitRequest is the request body for PUT /api/v1/units. ID is optional;
// omitted IDs are generated.
type PutUnitRequest struct {
	ID      string   `json:"id,omitempty"`
	Layer   string   `json:"layer"`
	Content string   `json:"content"`
	Tags    []string `json:"tags,omitempty"`
}

// PutUnitResponse is the response body for PUT /api/v1/units: the unit as
// stored, compression applied.
type PutUnitResponse struct {
	Unit store.Unit `json:"unit"`
}

// handlePutUnit admits one unit. A unit too large to ever fit its layer maps
// to 413; core content that collectively exceeds the core budget is an
// operator problem and maps to 409.
func (s *Server) handlePutUnit(c echo.Context) error {
	var req PutUnitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	layer := store.LayerID(req.Layer)
	if !layer.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown layer %q", req.Layer))
	}
	if req.Content == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content field is required")
	}

	content := req.Content
	if s.scrubber != nil {
		content = s.scrubber.Scrub(c.Request().Context(), content).Content
	}

	unit, err := s.engine.AddUnit(c.Request().Context(), store.Unit{
		ID:      req.ID,
		Layer:   layer,
		Content: content,
		Tags:    req.Tags,
	})
	if err != nil {
		switch {
		case errors.Is(err, config.ErrInvalidConfig):
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		case errors.Is(err, store.ErrCapacityExceeded):
			return echo.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
		}
		return err
	}

	return c.JSON(http.StatusCreated, PutUnitResponse{Unit: unit})
}

// handleStatus reports layer occupancy, the metric window, and the
// controller's lifecycle position.
func (s *Server) handleStatus(c echo.Context) error {
	ctx := c.Request().Context()

	layers := make([]LayerStatus, 0, len(store.Layers))
	for _, layer := range store.Layers {
		units, err := s.engine.Store().Candidates(ctx, layer, nil)
		if err != nil {
			return err
		}
		layers = append(layers, LayerStatus{
			Layer:     layer,
			Budget:    s.engine.Store().Budget(layer),
			Occupancy: s.engine.Store().Occupancy(layer),
			Units:     len(units),
		})
	}

	return c.JSON(http.StatusOK, StatusResponse{
		Status:     "ok",
		Version:    s.version,
		Layers:     layers,
		Metrics:    s.engine.Recorder().Snapshot(),
		Controller: s.engine.Controller().Status(),
		History:    s.engine.Controller().History(),
		Outcomes:   s.engine.Controller().Outcomes(),
	})
}

// TriggerRequest is the request body for POST /api/v1/controller/trigger.
type TriggerRequest struct {
	Metric string `json:"metric"`
}

// handleTrigger runs one controller evaluation for a metric immediately.
// Corrective actions are serialized; losing the race is 409, not a queue.
func (s *Server) handleTrigger(c echo.Context) error {
	var req TriggerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Metric == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "metric field is required")
	}

	status, err := s.engine.Controller().TriggerAction(c.Request().Context(), req.Metric)
	if err != nil {
		if errors.Is(err, controller.ErrActionConflict) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	return c.JSON(http.StatusOK, status)
}
