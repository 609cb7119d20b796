package engine

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/lakeops/opscore/internal/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func latencyRule() ThresholdRule {
	return ThresholdRule{
		Metric:      "p95_latency_ms",
		Warning:     70,
		Critical:    85,
		Direction:   models.DirectionAbove,
		WarningSOP:  "terminate_idle_connections",
		CriticalSOP: "vacuum_freeze",
	}
}

func newEngine(t *testing.T, window int, rules ...ThresholdRule) *ThresholdEngine {
	t.Helper()
	e, err := NewThresholdEngine(rules, window, discardLogger())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e
}

func TestHysteresisWorkedExample(t *testing.T) {
	e := newEngine(t, 2, latencyRule())

	samples := []float64{60, 72, 90, 80, 68, 65}
	want := []models.Severity{
		models.SeverityOK,
		models.SeverityWarning,
		models.SeverityCritical,
		models.SeverityCritical,
		models.SeverityCritical,
		models.SeverityOK,
	}
	wantSOP := []string{"", "terminate_idle_connections", "vacuum_freeze", "", "", ""}

	for i, v := range samples {
		sev, sop, err := e.Evaluate("p95_latency_ms", "p/main", v)
		if err != nil {
			t.Fatalf("sample %d: %v", i, err)
		}
		if sev != want[i] {
			t.Fatalf("sample %d (%v): expected %s, got %s", i, v, want[i], sev)
		}
		if sop != wantSOP[i] {
			t.Fatalf("sample %d (%v): expected sop %q, got %q", i, v, wantSOP[i], sop)
		}
	}
}

func TestSustainedBreachKeepsReturningSOP(t *testing.T) {
	e := newEngine(t, 2, latencyRule())
	for i, v := range []float64{90, 95, 99} {
		sev, sop, err := e.Evaluate("p95_latency_ms", "p/main", v)
		if err != nil {
			t.Fatalf("sample %d: %v", i, err)
		}
		if sev != models.SeverityCritical || sop != "vacuum_freeze" {
			t.Fatalf("sample %d (%v): expected critical/vacuum_freeze, got %s/%q", i, v, sev, sop)
		}
	}
	// Held at critical by hysteresis but only breaching warning: no SOP.
	if sev, sop, _ := e.Evaluate("p95_latency_ms", "p/main", 75); sev != models.SeverityCritical || sop != "" {
		t.Fatalf("expected critical with no SOP, got %s/%q", sev, sop)
	}
}

func TestBreachingSampleResetsClearStreak(t *testing.T) {
	e := newEngine(t, 2, latencyRule())
	scope := "p/main"

	for _, v := range []float64{75, 60, 72, 60} {
		if _, _, err := e.Evaluate("p95_latency_ms", scope, v); err != nil {
			t.Fatalf("evaluate: %v", err)
		}
	}
	st, err := e.State("p95_latency_ms", scope)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if st.Severity != models.SeverityWarning || st.ClearStreak != 1 {
		t.Fatalf("expected warning with streak 1, got %+v", st)
	}
}

func TestBelowDirection(t *testing.T) {
	e := newEngine(t, 1, ThresholdRule{Metric: "cache_hit_ratio", Warning: 0.99, Critical: 0.95, Direction: models.DirectionBelow})

	cases := []struct {
		value float64
		want  models.Severity
	}{
		{0.995, models.SeverityOK},
		{0.99, models.SeverityOK},
		{0.97, models.SeverityWarning},
		{0.90, models.SeverityCritical},
		{0.999, models.SeverityOK},
	}
	for _, tc := range cases {
		sev, _, err := e.Evaluate("cache_hit_ratio", "p", tc.value)
		if err != nil {
			t.Fatalf("evaluate: %v", err)
		}
		if sev != tc.want {
			t.Fatalf("value %v: expected %s, got %s", tc.value, tc.want, sev)
		}
	}
}

func TestScopesAreIndependent(t *testing.T) {
	e := newEngine(t, 2, latencyRule())
	if _, _, err := e.Evaluate("p95_latency_ms", "a", 90); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	sev, _, err := e.Evaluate("p95_latency_ms", "b", 50)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if sev != models.SeverityOK {
		t.Fatalf("scope b should be unaffected, got %s", sev)
	}
	if active := e.Active(); len(active) != 1 || active[0].Scope != "a" {
		t.Fatalf("expected one active alert for scope a, got %+v", active)
	}
}

func TestUnknownMetricAndMissingState(t *testing.T) {
	e := newEngine(t, 2, latencyRule())
	if _, _, err := e.Evaluate("nope", "p", 1); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if _, err := e.State("p95_latency_ms", "never-seen"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestRuleValidation(t *testing.T) {
	_, err := NewThresholdEngine([]ThresholdRule{{Metric: "x", Warning: 10, Critical: 5}}, 2, nil)
	if err == nil {
		t.Fatalf("expected inverted above bounds to be rejected")
	}
	_, err = NewThresholdEngine([]ThresholdRule{{Metric: "x", Warning: 1, Critical: 2}, {Metric: "x", Warning: 1, Critical: 2}}, 2, nil)
	if !errors.Is(err, models.ErrDuplicateName) {
		t.Fatalf("expected duplicate metric to be rejected, got %v", err)
	}
	_, err = NewThresholdEngine([]ThresholdRule{{Metric: "x", Direction: "sideways"}}, 2, nil)
	if err == nil {
		t.Fatalf("expected unknown direction to be rejected")
	}
}

func TestDefaultRulesAreValid(t *testing.T) {
	e := newEngine(t, 0, DefaultRules()...)
	if len(e.Rules()) != 8 {
		t.Fatalf("expected 8 default rules, got %d", len(e.Rules()))
	}
	sev, sop, err := e.Evaluate("txid_age", "p", 1.2e9)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if sev != models.SeverityCritical || sop != "vacuum_freeze" {
		t.Fatalf("expected critical with vacuum_freeze, got %s %q", sev, sop)
	}
}

func TestReloadKeepsAlertStates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thresholds.yaml")
	if err := os.WriteFile(path, []byte(`clear_window: 2
rules:
  - metric: connection_utilization
    warning: 0.70
    critical: 0.85
    direction: above
`), 0o644); err != nil {
		t.Fatalf("write rules: %v", err)
	}
	pack, err := LoadRulePack(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	e := newEngine(t, pack.ClearWindow, pack.Rules...)
	if _, _, err := e.Evaluate("connection_utilization", "p", 0.9); err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	if err := os.WriteFile(path, []byte(`clear_window: 1
rules:
  - metric: connection_utilization
    warning: 0.80
    critical: 0.95
`), 0o644); err != nil {
		t.Fatalf("rewrite rules: %v", err)
	}
	if err := e.Reload(path); err != nil {
		t.Fatalf("reload: %v", err)
	}

	st, err := e.State("connection_utilization", "p")
	if err != nil || st.Severity != models.SeverityCritical {
		t.Fatalf("expected state to survive reload, got %+v %v", st, err)
	}
	sev, _, _ := e.Evaluate("connection_utilization", "p", 0.75)
	if sev != models.SeverityOK {
		t.Fatalf("expected new bounds and window to apply, got %s", sev)
	}

	if err := os.WriteFile(path, []byte("rules: [{metric: \"\"}]"), 0o644); err != nil {
		t.Fatalf("rewrite rules: %v", err)
	}
	if err := e.Reload(path); err == nil {
		t.Fatalf("expected invalid pack to be rejected")
	}
	if len(e.Rules()) != 1 {
		t.Fatalf("previous rules should remain after failed reload")
	}
}

func TestReloadKeepsRulesWhenFileRemoved(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thresholds.yaml")
	if err := os.WriteFile(path, []byte(`rules:
  - metric: connection_utilization
    warning: 0.50
    critical: 0.60
`), 0o644); err != nil {
		t.Fatalf("write rules: %v", err)
	}
	e := newEngine(t, 2, DefaultRules()...)
	if err := e.Reload(path); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}

	if err := e.Reload(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
	rules := e.Rules()
	if len(rules) != 1 || rules[0].Critical != 0.60 {
		t.Fatalf("custom rules replaced after the pack was removed: %+v", rules)
	}
	if sev, _, _ := e.Evaluate("connection_utilization", "p", 0.65); sev != models.SeverityCritical {
		t.Fatalf("expected custom critical bound to apply, got %s", sev)
	}
}

func TestPeekLeavesStateUntouched(t *testing.T) {
	e := newEngine(t, 2, latencyRule())
	scope := "p/main"
	if _, _, err := e.Evaluate("p95_latency_ms", scope, 90); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	for i := 0; i < 3; i++ {
		sev, err := e.Peek("p95_latency_ms", scope, 40)
		if err != nil {
			t.Fatalf("peek: %v", err)
		}
		if sev != models.SeverityCritical {
			t.Fatalf("peek %d: expected critical while the clear window is open, got %s", i, sev)
		}
	}
	if st, _ := e.State("p95_latency_ms", scope); st.ClearStreak != 0 {
		t.Fatalf("peek advanced the clear streak to %d", st.ClearStreak)
	}
	if sev, _ := e.Peek("p95_latency_ms", "other", 72); sev != models.SeverityWarning {
		t.Fatalf("expected warning for a fresh scope, got %s", sev)
	}
	if _, err := e.Peek("nope", scope, 1); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestLoadRulePackMissingFileUsesDefaults(t *testing.T) {
	pack, err := LoadRulePack(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pack.Rules) != len(DefaultRules()) {
		t.Fatalf("expected default rules")
	}
}

func TestObserveUsesSampleTimestamp(t *testing.T) {
	e := newEngine(t, 2, latencyRule())
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr, changed, err := e.Observe(models.MetricSample{Metric: "p95_latency_ms", Value: 99, ObservedAt: at}, "p")
	if err != nil || !changed {
		t.Fatalf("expected transition, got %v %v", changed, err)
	}
	if !tr.At.Equal(at) || tr.From != models.SeverityOK || tr.To != models.SeverityCritical {
		t.Fatalf("unexpected transition %+v", tr)
	}
	st, _ := e.State("p95_latency_ms", "p")
	if !st.Since.Equal(at) || !st.LastTransitionAt.Equal(at) {
		t.Fatalf("unexpected state timestamps %+v", st)
	}
}

func TestHysteresisProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("severity steps down only to ok after a full clearing window and breaches carry the active SOP", prop.ForAll(
		func(values []float64, window int) bool {
			e, err := NewThresholdEngine([]ThresholdRule{latencyRule()}, window, discardLogger())
			if err != nil {
				return false
			}
			rule := latencyRule()
			prev := models.SeverityOK
			clearing := 0
			for _, v := range values {
				sev, sop, err := e.Evaluate(rule.Metric, "s", v)
				if err != nil {
					return false
				}
				if v > rule.Warning {
					clearing = 0
				} else {
					clearing++
				}
				wantSOP := ""
				if sev != models.SeverityOK && rule.classify(v).Rank() >= sev.Rank() {
					wantSOP = rule.sopFor(sev)
				}
				if sop != wantSOP {
					return false
				}
				if sev.Rank() < prev.Rank() {
					if sev != models.SeverityOK || clearing < window {
						return false
					}
					clearing = 0
				}
				if rule.classify(v).Rank() > sev.Rank() {
					return false
				}
				prev = sev
			}
			return true
		},
		gen.SliceOf(gen.Float64Range(0, 120)),
		gen.IntRange(1, 5),
	))

	properties.TestingRun(t)
}
