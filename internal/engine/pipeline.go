package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/lakeops/opscore/internal/models"
)

// Sink appends rows to an analytics table.
type Sink interface {
	Append(ctx context.Context, table string, rows []models.Row) error
}

// Publisher emits bus events.
type Publisher interface {
	Publish(ctx context.Context, ev models.Event) error
}

// Trigger runs a remediation operation.
type Trigger interface {
	Trigger(ctx context.Context, name string, opCtx models.OpContext) (models.TaskResult, error)
}

// Evaluation is the outcome of one sample in a triage pass.
type Evaluation struct {
	Sample     models.MetricSample     `json:"sample"`
	Severity   models.Severity         `json:"severity"`
	Transition *models.AlertTransition `json:"transition,omitempty"`
	Remediated *models.TaskResult      `json:"remediation,omitempty"`
	Error      string                  `json:"error,omitempty"`
}

// Report summarises a triage pass.
type Report struct {
	Scope       models.Scope `json:"scope"`
	Evaluations []Evaluation `json:"evaluations"`
	Transitions int          `json:"transitions"`
	Remediated  int          `json:"remediated"`
}

// Pipeline chains threshold evaluation into alerting and remediation.
type Pipeline struct {
	logger    *slog.Logger
	engine    *ThresholdEngine
	router    *AlertRouter
	sink      Sink
	publisher Publisher
	trigger   Trigger
	source    string
}

// NewPipeline constructs a triage pipeline. sink, router, publisher and trigger are optional.
func NewPipeline(
	logger *slog.Logger,
	engine *ThresholdEngine,
	router *AlertRouter,
	sink Sink,
	publisher Publisher,
	trigger Trigger,
) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		logger:    logger,
		engine:    engine,
		router:    router,
		sink:      sink,
		publisher: publisher,
		trigger:   trigger,
		source:    "health",
	}
}

// SetTrigger wires the remediation path after construction; the scheduler that
// implements it is built from operations that already hold the pipeline.
func (p *Pipeline) SetTrigger(trigger Trigger) {
	p.trigger = trigger
}

// Levels returns the severity each known metric would reach if samples were
// processed now. It does not advance alert state.
func (p *Pipeline) Levels(scope models.Scope, samples []models.MetricSample) map[string]models.Severity {
	levels := make(map[string]models.Severity, len(samples))
	if p.engine == nil {
		return levels
	}
	scopeKey := scope.String()
	for _, sample := range samples {
		if sev, err := p.engine.Peek(sample.Metric, scopeKey, sample.Value); err == nil {
			levels[sample.Metric] = sev
		}
	}
	return levels
}

// Process evaluates every sample for scope. Unknown metrics are reported per
// sample and do not stop the pass; a sink failure does.
func (p *Pipeline) Process(ctx context.Context, scope models.Scope, samples []models.MetricSample) (Report, error) {
	if p.engine == nil {
		return Report{}, fmt.Errorf("threshold engine not configured")
	}

	report := Report{Scope: scope, Evaluations: make([]Evaluation, 0, len(samples))}
	history := make([]models.Row, 0)
	scopeKey := scope.String()

	for _, sample := range samples {
		if sample.Scope == (models.Scope{}) {
			sample.Scope = scope
		}
		ev := Evaluation{Sample: sample}
		tr, changed, err := p.engine.Observe(sample, scopeKey)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				p.logger.Debug("no threshold rule for metric", slog.String("metric", sample.Metric))
			}
			ev.Error = err.Error()
			report.Evaluations = append(report.Evaluations, ev)
			continue
		}
		ev.Severity = tr.To
		if changed {
			transition := tr
			ev.Transition = &transition
			report.Transitions++

			alert := Alert{ID: uuid.NewString()}
			if p.router != nil {
				alert = p.router.RouteTransition(ctx, p.source, tr)
			}
			history = append(history, alertHistoryRow(alert, tr, scope))

			if tr.Escalated() {
				p.publish(ctx, models.EventThresholdBreached, map[string]any{
					"metric":   tr.Metric,
					"scope":    scopeKey,
					"severity": string(tr.To),
					"value":    tr.Value,
					"sop":      tr.SOP,
				})
			}
		}
		if tr.SOP != "" {
			if res, ok := p.remediate(ctx, tr, scope); ok {
				ev.Remediated = &res
				report.Remediated++
			}
		}
		report.Evaluations = append(report.Evaluations, ev)
	}

	if len(history) > 0 && p.sink != nil {
		if err := p.sink.Append(ctx, models.TableAlertHistory, history); err != nil {
			return report, fmt.Errorf("append alert history: %w", err)
		}
	}
	return report, nil
}

func (p *Pipeline) remediate(ctx context.Context, tr models.AlertTransition, scope models.Scope) (models.TaskResult, bool) {
	if p.trigger == nil {
		p.logger.Warn("sop not run, no trigger configured", slog.String("sop", tr.SOP))
		return models.TaskResult{}, false
	}
	opCtx := scope.Context()
	opCtx["metric"] = tr.Metric
	res, err := p.trigger.Trigger(ctx, tr.SOP, opCtx)
	if err != nil {
		p.logger.Warn("sop dispatch failed",
			slog.String("sop", tr.SOP),
			slog.String("metric", tr.Metric),
			slog.Any("error", err),
		)
		if res.ID == "" {
			return res, false
		}
		return res, true
	}
	if res.Outcome == models.OutcomeSuccess {
		p.publish(ctx, models.EventSelfHealExecuted, map[string]any{
			"sop":    tr.SOP,
			"metric": tr.Metric,
			"scope":  scope.String(),
			"run_id": res.ID,
		})
	}
	return res, true
}

func (p *Pipeline) publish(ctx context.Context, kind models.EventType, payload map[string]any) {
	if p.publisher == nil {
		return
	}
	if err := p.publisher.Publish(ctx, models.Event{Type: kind, Source: p.source, Payload: payload}); err != nil {
		p.logger.Warn("event publish failed", slog.String("type", string(kind)), slog.Any("error", err))
	}
}

func alertHistoryRow(alert Alert, tr models.AlertTransition, scope models.Scope) models.Row {
	severity := alert.Severity
	if severity == "" {
		severity = string(tr.To)
	}
	return models.Row{
		"alert_id":          alert.ID,
		"project_id":        scope.Project,
		"branch_id":         scope.Branch,
		"metric_name":       tr.Metric,
		"metric_value":      tr.Value,
		"severity":          severity,
		"previous_severity": string(tr.From),
		"sop_action":        tr.SOP,
		"channels":          strings.Join(alert.Channels, ","),
		"raised_at":         tr.At,
	}
}
