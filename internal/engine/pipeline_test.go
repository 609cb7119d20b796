package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/lakeops/opscore/internal/models"
)

type memorySink struct {
	mu   sync.Mutex
	rows map[string][]models.Row
}

func (s *memorySink) Append(_ context.Context, table string, rows []models.Row) error {
	if err := models.ValidateRows(table, rows); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rows == nil {
		s.rows = make(map[string][]models.Row)
	}
	s.rows[table] = append(s.rows[table], rows...)
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev models.Event) error {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) types() []models.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.EventType, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

type fakeTrigger struct {
	calls []string
	ctxs  []models.OpContext
}

func (f *fakeTrigger) Trigger(_ context.Context, name string, opCtx models.OpContext) (models.TaskResult, error) {
	f.calls = append(f.calls, name)
	f.ctxs = append(f.ctxs, opCtx)
	return models.TaskResult{ID: "run-" + name, Operation: name, Outcome: models.OutcomeSuccess}, nil
}

func TestPipelineProcess(t *testing.T) {
	e := newEngine(t, 2, DefaultRules()...)
	sink := &memorySink{}
	pub := &recordingPublisher{}
	trig := &fakeTrigger{}
	p := NewPipeline(discardLogger(), e, NewAlertRouter(nil, 0, discardLogger()), sink, pub, trig)
	scope := models.Scope{Project: "shop", Branch: "main"}

	report, err := p.Process(context.Background(), scope, []models.MetricSample{
		{Metric: "cache_hit_ratio", Value: 0.999},
		{Metric: "connection_utilization", Value: 0.9},
		{Metric: "dead_tuple_ratio", Value: 0.12},
		{Metric: "bogus_metric", Value: 1},
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	if report.Transitions != 2 || report.Remediated != 1 {
		t.Fatalf("expected 2 transitions and 1 remediation, got %+v", report)
	}
	if report.Evaluations[3].Error == "" {
		t.Fatalf("unknown metric should be reported per sample")
	}
	if len(trig.calls) != 1 || trig.calls[0] != "terminate_idle_connections" {
		t.Fatalf("expected SOP trigger, got %v", trig.calls)
	}
	if trig.ctxs[0]["project"] != "shop" || trig.ctxs[0]["metric"] != "connection_utilization" {
		t.Fatalf("unexpected SOP context %v", trig.ctxs[0])
	}
	if got := len(sink.rows[models.TableAlertHistory]); got != 2 {
		t.Fatalf("expected 2 alert_history rows, got %d", got)
	}

	breached, healed := 0, 0
	for _, typ := range pub.types() {
		switch typ {
		case models.EventThresholdBreached:
			breached++
		case models.EventSelfHealExecuted:
			healed++
		}
	}
	if breached != 2 || healed != 1 {
		t.Fatalf("expected 2 breach and 1 self-heal events, got %v", pub.types())
	}

	if st, err := e.State("connection_utilization", "shop/main"); err != nil || st.Severity != models.SeverityCritical {
		t.Fatalf("expected critical state, got %+v %v", st, err)
	}
}

func TestPipelineSteadyStateWritesNothing(t *testing.T) {
	e := newEngine(t, 2, DefaultRules()...)
	sink := &memorySink{}
	pub := &recordingPublisher{}
	p := NewPipeline(discardLogger(), e, nil, sink, pub, nil)
	samples := []models.MetricSample{{Metric: "dead_tuple_ratio", Value: 0.5}}

	if _, err := p.Process(context.Background(), models.Scope{Project: "p"}, samples); err != nil {
		t.Fatalf("process: %v", err)
	}
	report, err := p.Process(context.Background(), models.Scope{Project: "p"}, samples)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if report.Transitions != 0 {
		t.Fatalf("repeated breach is not a transition")
	}
	if len(sink.rows[models.TableAlertHistory]) != 1 || len(pub.types()) != 1 {
		t.Fatalf("expected a single history row and event, got %d rows %v", len(sink.rows[models.TableAlertHistory]), pub.types())
	}
}

type busyOnceTrigger struct {
	calls int
}

func (b *busyOnceTrigger) Trigger(_ context.Context, name string, _ models.OpContext) (models.TaskResult, error) {
	b.calls++
	if b.calls == 1 {
		return models.TaskResult{}, models.ErrInFlight
	}
	return models.TaskResult{ID: "run-" + name, Operation: name, Outcome: models.OutcomeSuccess}, nil
}

func TestPipelineRetriesSOPWhileBreachPersists(t *testing.T) {
	e := newEngine(t, 2, DefaultRules()...)
	sink := &memorySink{}
	pub := &recordingPublisher{}
	trig := &busyOnceTrigger{}
	p := NewPipeline(discardLogger(), e, nil, sink, pub, trig)
	scope := models.Scope{Project: "shop", Branch: "main"}
	samples := []models.MetricSample{{Metric: "txid_age", Value: 1.5e9}}

	first, err := p.Process(context.Background(), scope, samples)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if first.Transitions != 1 || first.Remediated != 0 {
		t.Fatalf("expected escalation with a skipped SOP, got %+v", first)
	}

	second, err := p.Process(context.Background(), scope, samples)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if second.Transitions != 0 || second.Remediated != 1 {
		t.Fatalf("expected the SOP to run on the sustained breach, got %+v", second)
	}
	if trig.calls != 2 {
		t.Fatalf("expected two SOP attempts, got %d", trig.calls)
	}

	breached := 0
	for _, typ := range pub.types() {
		if typ == models.EventThresholdBreached {
			breached++
		}
	}
	if breached != 1 {
		t.Fatalf("threshold_breached must only fire on escalation, got %v", pub.types())
	}
}
