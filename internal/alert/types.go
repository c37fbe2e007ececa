// Package alert classifies metric statistics against two-tier thresholds.
//
// The manager is stateless: Check is a pure function of the configured rules
// and the statistics passed in. It keeps no alert history and never mutates
// metric state; anything beyond the returned slice is a Sink concern.
package alert

import "time"

// Level is an alert severity tier.
type Level string

const (
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Alert is one threshold breach observed at check time.
type Alert struct {
	Level       Level     `json:"level"`
	Metric      string    `json:"metric"`
	Value       float64   `json:"value"`
	Threshold   float64   `json:"threshold"`
	Direction   string    `json:"direction"`
	Recommended string    `json:"recommended"`
	At          time.Time `json:"at"`
}
