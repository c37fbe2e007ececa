package store

import "errors"

// Validation errors.
var (
	ErrEmptyUnitID    = errors.New("unit id is required")
	ErrUnknownLayer   = errors.New("unknown layer")
	ErrInvalidSize    = errors.New("unit size is invalid")
	ErrInvalidQuality = errors.New("quality retention must be between 0 and 1")
	ErrInvalidWeights = errors.New("relevance weights are invalid")
	ErrInvalidBudget  = errors.New("layer budget must be positive")
	ErrInvalidRatio   = errors.New("compression ratio must be in (0,1]")
)

// Capacity errors.
var (
	// ErrCapacityExceeded is returned by Put when a unit cannot fit the
	// target layer's budget. The engine recovers by compressing and, for
	// evictable layers, evicting; the request degrades instead of failing.
	ErrCapacityExceeded = errors.New("layer capacity exceeded")

	// ErrUnitNotFound is returned when a unit id is absent from the layer.
	ErrUnitNotFound = errors.New("unit not found")
)
