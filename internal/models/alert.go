package models

import (
	"fmt"
	"strings"
	"time"
)

// Severity is the discrete alert level derived from a metric.
type Severity string

const (
	SeverityOK       Severity = "ok"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank orders severities so that higher is worse.
func (s Severity) Rank() int {
	switch s {
	case SeverityWarning:
		return 1
	case SeverityCritical:
		return 2
	}
	return 0
}

// Direction says which side of a bound is a breach.
type Direction string

const (
	DirectionAbove Direction = "above"
	DirectionBelow Direction = "below"
)

// ParseDirection defaults to above for empty input.
func ParseDirection(value string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "above", "gt":
		return DirectionAbove, nil
	case "below", "lt":
		return DirectionBelow, nil
	}
	return "", fmt.Errorf("unknown direction %q", value)
}

// MetricSample is a single observation emitted by a collector.
type MetricSample struct {
	Metric     string    `json:"metric"`
	Value      float64   `json:"value"`
	ObservedAt time.Time `json:"observed_at"`
	Scope      Scope     `json:"scope"`
}

// AlertState is the per (metric, scope) state machine record.
type AlertState struct {
	Metric           string    `json:"metric"`
	Scope            string    `json:"scope"`
	Severity         Severity  `json:"severity"`
	Since            time.Time `json:"since"`
	LastTransitionAt time.Time `json:"last_transition_at"`
	LastValue        float64   `json:"last_value"`
	LastEvaluatedAt  time.Time `json:"last_evaluated_at"`
	ClearStreak      int       `json:"clear_streak"`
}

// AlertTransition describes a severity change produced by one evaluation.
type AlertTransition struct {
	Metric string
	Scope  string
	From   Severity
	To     Severity
	Value  float64
	SOP    string
	At     time.Time
}

// Escalated reports whether the transition raised severity.
func (t AlertTransition) Escalated() bool {
	return t.To.Rank() > t.From.Rank()
}
