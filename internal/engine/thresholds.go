package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lakeops/opscore/internal/metrics"
	"github.com/lakeops/opscore/internal/models"
)

// DefaultClearWindow is the number of consecutive clearing samples needed to
// drop an active alert back to ok when neither the rule nor the pack sets one.
const DefaultClearWindow = 3

// ThresholdRule binds a metric to its warning and critical bounds.
type ThresholdRule struct {
	Metric      string           `yaml:"metric"`
	Description string           `yaml:"description,omitempty"`
	Warning     float64          `yaml:"warning"`
	Critical    float64          `yaml:"critical"`
	Direction   models.Direction `yaml:"direction"`
	WarningSOP  string           `yaml:"warning_sop,omitempty"`
	CriticalSOP string           `yaml:"critical_sop,omitempty"`
	ClearWindow int              `yaml:"clear_window,omitempty"`
}

// RulePack is the YAML root of a threshold rule file.
type RulePack struct {
	ClearWindow int             `yaml:"clear_window"`
	Rules       []ThresholdRule `yaml:"rules"`
}

// DefaultRules returns the built-in thresholds for the managed Postgres service.
func DefaultRules() []ThresholdRule {
	return []ThresholdRule{
		{Metric: "cache_hit_ratio", Description: "buffer cache hit ratio", Warning: 0.99, Critical: 0.95, Direction: models.DirectionBelow},
		{Metric: "connection_utilization", Description: "connections in use over max_connections", Warning: 0.70, Critical: 0.85, Direction: models.DirectionAbove, WarningSOP: "terminate_idle_connections", CriticalSOP: "terminate_idle_connections"},
		{Metric: "dead_tuple_ratio", Description: "dead tuples over live tuples", Warning: 0.10, Critical: 0.25, Direction: models.DirectionAbove, CriticalSOP: "vacuum_analyze"},
		{Metric: "lock_wait_seconds", Description: "longest lock wait", Warning: 30, Critical: 120, Direction: models.DirectionAbove},
		{Metric: "deadlocks_per_hour", Warning: 2, Critical: 5, Direction: models.DirectionAbove},
		{Metric: "slow_query_seconds", Description: "mean execution time of the slowest statement", Warning: 5, Critical: 30, Direction: models.DirectionAbove},
		{Metric: "txid_age", Description: "age of the oldest transaction id", Warning: 5e8, Critical: 1e9, Direction: models.DirectionAbove, CriticalSOP: "vacuum_freeze"},
		{Metric: "replication_lag_seconds", Warning: 10, Critical: 60, Direction: models.DirectionAbove},
	}
}

// LoadRulePack reads a rule pack from path. A missing file yields the default rules.
func LoadRulePack(path string) (RulePack, error) {
	if path == "" {
		return RulePack{Rules: DefaultRules()}, nil
	}
	pack, err := readRulePack(path)
	if errors.Is(err, os.ErrNotExist) {
		return RulePack{Rules: DefaultRules()}, nil
	}
	return pack, err
}

func readRulePack(path string) (RulePack, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RulePack{}, err
	}
	var pack RulePack
	if err := yaml.Unmarshal(data, &pack); err != nil {
		return RulePack{}, fmt.Errorf("parse rule pack %s: %w", path, err)
	}
	return pack, nil
}

func (r ThresholdRule) validate() (ThresholdRule, error) {
	r.Metric = strings.TrimSpace(r.Metric)
	if r.Metric == "" {
		return r, errors.New("threshold rule: metric is required")
	}
	dir, err := models.ParseDirection(string(r.Direction))
	if err != nil {
		return r, fmt.Errorf("threshold rule %s: %w", r.Metric, err)
	}
	r.Direction = dir
	if dir == models.DirectionAbove && r.Critical < r.Warning {
		return r, fmt.Errorf("threshold rule %s: critical bound %v is below warning bound %v", r.Metric, r.Critical, r.Warning)
	}
	if dir == models.DirectionBelow && r.Critical > r.Warning {
		return r, fmt.Errorf("threshold rule %s: critical bound %v is above warning bound %v", r.Metric, r.Critical, r.Warning)
	}
	if r.ClearWindow < 0 {
		return r, fmt.Errorf("threshold rule %s: negative clear window", r.Metric)
	}
	return r, nil
}

func (r ThresholdRule) breaches(value, bound float64) bool {
	if r.Direction == models.DirectionBelow {
		return value < bound
	}
	return value > bound
}

// classify maps a raw value to the severity its bounds imply, without history.
func (r ThresholdRule) classify(value float64) models.Severity {
	switch {
	case r.breaches(value, r.Critical):
		return models.SeverityCritical
	case r.breaches(value, r.Warning):
		return models.SeverityWarning
	}
	return models.SeverityOK
}

func (r ThresholdRule) sopFor(sev models.Severity) string {
	switch sev {
	case models.SeverityCritical:
		return r.CriticalSOP
	case models.SeverityWarning:
		return r.WarningSOP
	}
	return ""
}

type stateKey struct {
	metric string
	scope  string
}

// ThresholdEngine derives alert severities from metric samples with hysteresis.
// Escalation is immediate; de-escalation to ok needs a run of consecutive samples
// that clear the warning bound.
type ThresholdEngine struct {
	mu          sync.RWMutex
	rules       map[string]ThresholdRule
	states      map[stateKey]*models.AlertState
	clearWindow int
	logger      *slog.Logger
	clock       func() time.Time
}

// NewThresholdEngine validates rules and builds an engine. clearWindow is the
// default window for rules that do not set their own.
func NewThresholdEngine(rules []ThresholdRule, clearWindow int, logger *slog.Logger) (*ThresholdEngine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &ThresholdEngine{
		states: make(map[stateKey]*models.AlertState),
		logger: logger,
		clock:  time.Now,
	}
	if err := e.SetRules(rules, clearWindow); err != nil {
		return nil, err
	}
	return e, nil
}

// WithClock overrides the time source used when a sample carries no timestamp.
func (e *ThresholdEngine) WithClock(clock func() time.Time) *ThresholdEngine {
	if clock != nil {
		e.clock = clock
	}
	return e
}

// SetRules atomically replaces the rule set. Existing alert states are kept.
func (e *ThresholdEngine) SetRules(rules []ThresholdRule, clearWindow int) error {
	if clearWindow <= 0 {
		clearWindow = DefaultClearWindow
	}
	next := make(map[string]ThresholdRule, len(rules))
	for _, rule := range rules {
		valid, err := rule.validate()
		if err != nil {
			return err
		}
		if _, dup := next[valid.Metric]; dup {
			return &models.DuplicateNameError{Name: valid.Metric}
		}
		next[valid.Metric] = valid
	}

	e.mu.Lock()
	e.rules = next
	e.clearWindow = clearWindow
	e.mu.Unlock()
	return nil
}

// Rules returns the active rules sorted by metric.
func (e *ThresholdEngine) Rules() []ThresholdRule {
	e.mu.RLock()
	out := make([]ThresholdRule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, r)
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Metric < out[j].Metric })
	return out
}

// Evaluate feeds one value for (metric, scope) through the state machine and
// returns the resulting severity plus the SOP to run. The SOP is set whenever
// the sample breaches the bound of the resulting severity.
func (e *ThresholdEngine) Evaluate(metric, scope string, value float64) (models.Severity, string, error) {
	tr, _, err := e.Observe(models.MetricSample{Metric: metric, Value: value}, scope)
	if err != nil {
		return "", "", err
	}
	return tr.To, tr.SOP, nil
}

// Observe is Evaluate for a full sample. changed reports whether severity moved.
// When it did not, the returned transition has From == To.
func (e *ThresholdEngine) Observe(sample models.MetricSample, scope string) (models.AlertTransition, bool, error) {
	at := sample.ObservedAt
	if at.IsZero() {
		at = e.clock().UTC()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	rule, ok := e.rules[sample.Metric]
	if !ok {
		return models.AlertTransition{}, false, &models.NotFoundError{Kind: "metric", Name: sample.Metric}
	}
	window := rule.ClearWindow
	if window <= 0 {
		window = e.clearWindow
	}

	key := stateKey{metric: sample.Metric, scope: scope}
	st, ok := e.states[key]
	if !ok {
		st = &models.AlertState{Metric: sample.Metric, Scope: scope, Severity: models.SeverityOK, Since: at}
		e.states[key] = st
	}

	prev := st.Severity
	implied := rule.classify(sample.Value)
	next, streak := step(prev, st.ClearStreak, implied, window)
	st.ClearStreak = streak

	st.LastValue = sample.Value
	st.LastEvaluatedAt = at
	tr := models.AlertTransition{
		Metric: sample.Metric,
		Scope:  scope,
		From:   prev,
		To:     next,
		Value:  sample.Value,
		At:     at,
	}
	// A sample at or beyond the bound of the active severity carries that
	// severity's SOP, so a failed or skipped remediation is retried next pass.
	if next != models.SeverityOK && implied.Rank() >= next.Rank() {
		tr.SOP = rule.sopFor(next)
	}
	if next == prev {
		return tr, false, nil
	}

	st.Severity = next
	st.Since = at
	st.LastTransitionAt = at
	metrics.ObserveAlertTransition(sample.Metric, string(next))
	e.logger.Info("alert state changed",
		slog.String("metric", sample.Metric),
		slog.String("scope", scope),
		slog.String("from", string(prev)),
		slog.String("to", string(next)),
		slog.Float64("value", sample.Value),
	)
	return tr, true, nil
}

// step applies one classified sample to a severity and its clearing streak.
// Escalation is immediate; stepping down to ok takes window clearing samples.
func step(prev models.Severity, streak int, implied models.Severity, window int) (models.Severity, int) {
	switch {
	case implied.Rank() > prev.Rank():
		return implied, 0
	case prev == models.SeverityOK:
		return prev, streak
	case implied != models.SeverityOK:
		return prev, 0
	}
	streak++
	if streak >= window {
		return models.SeverityOK, 0
	}
	return prev, streak
}

// Peek reports the severity Observe would return for value without touching
// any state. Unknown metrics yield ErrNotFound.
func (e *ThresholdEngine) Peek(metric, scope string, value float64) (models.Severity, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rule, ok := e.rules[metric]
	if !ok {
		return "", &models.NotFoundError{Kind: "metric", Name: metric}
	}
	window := rule.ClearWindow
	if window <= 0 {
		window = e.clearWindow
	}
	prev, streak := models.SeverityOK, 0
	if st, ok := e.states[stateKey{metric: metric, scope: scope}]; ok {
		prev, streak = st.Severity, st.ClearStreak
	}
	next, _ := step(prev, streak, rule.classify(value), window)
	return next, nil
}

// State returns the alert state for (metric, scope).
func (e *ThresholdEngine) State(metric, scope string) (models.AlertState, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.states[stateKey{metric: metric, scope: scope}]
	if !ok {
		return models.AlertState{}, &models.NotFoundError{Kind: "alert state", Name: metric + "@" + scope}
	}
	return *st, nil
}

// Active lists states whose severity is above ok, worst first.
func (e *ThresholdEngine) Active() []models.AlertState {
	e.mu.RLock()
	out := make([]models.AlertState, 0)
	for _, st := range e.states {
		if st.Severity != models.SeverityOK {
			out = append(out, *st)
		}
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Severity.Rank() != out[j].Severity.Rank() {
			return out[i].Severity.Rank() > out[j].Severity.Rank()
		}
		if out[i].Metric != out[j].Metric {
			return out[i].Metric < out[j].Metric
		}
		return out[i].Scope < out[j].Scope
	})
	return out
}
