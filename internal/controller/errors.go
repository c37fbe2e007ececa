package controller

import "errors"

var (
	// ErrActionConflict is returned when a manual trigger races the periodic
	// cycle or another trigger. Corrective actions are strictly serialized.
	ErrActionConflict = errors.New("another corrective action is in flight")

	// ErrNoThreshold is returned when a metric has no configured threshold.
	ErrNoThreshold = errors.New("no threshold configured for metric")
)
