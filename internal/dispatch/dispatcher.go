package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lakeops/opscore/internal/gate"
	"github.com/lakeops/opscore/internal/metrics"
	"github.com/lakeops/opscore/internal/models"
	"github.com/lakeops/opscore/internal/retry"
	"github.com/lakeops/opscore/internal/utils"
)

const tracerName = "github.com/lakeops/opscore/internal/dispatch"

// Catalog resolves operation names.
type Catalog interface {
	Get(name string) (models.OperationDescriptor, error)
}

// Admitter is the risk gate.
type Admitter interface {
	Admit(ctx context.Context, desc models.OperationDescriptor, opCtx models.OpContext) (gate.Admission, error)
}

// SessionSource hands out a valid session per attempt.
type SessionSource interface {
	Acquire(ctx context.Context) (models.Session, error)
}

// Publisher receives dispatcher lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, ev models.Event) error
}

// Results is the append-only task result log. Append assigns the per-operation
// sequence number.
type Results interface {
	Append(ctx context.Context, result models.TaskResult) (models.TaskResult, error)
	Get(ctx context.Context, ids []string) (map[string]models.TaskResult, error)
	List(ctx context.Context, operation string, limit int) ([]models.TaskResult, error)
}

// Dispatcher executes registered operations through the gate and retry policy.
type Dispatcher struct {
	catalog   Catalog
	gate      Admitter
	sessions  SessionSource
	results   Results
	policy    retry.Policy
	publisher Publisher
	logger    *slog.Logger
	tracer    trace.Tracer
	clock     func() time.Time
	latencies *utils.LatencyTracker

	mu      sync.Mutex
	running map[string]string
}

// Config bundles Dispatcher collaborators.
type Config struct {
	Catalog   Catalog
	Gate      Admitter
	Sessions  SessionSource
	Results   Results
	Policy    retry.Policy
	Publisher Publisher
	Logger    *slog.Logger
}

// New constructs a Dispatcher.
func New(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	results := cfg.Results
	if results == nil {
		results = NewMemoryResults()
	}
	return &Dispatcher{
		catalog:   cfg.Catalog,
		gate:      cfg.Gate,
		sessions:  cfg.Sessions,
		results:   results,
		policy:    cfg.Policy,
		publisher: cfg.Publisher,
		logger:    logger,
		tracer:    otel.Tracer(tracerName),
		clock:     time.Now,
		latencies: utils.NewLatencyTracker(1024),
		running:   make(map[string]string),
	}
}

// WithClock overrides the clock for testing.
func (d *Dispatcher) WithClock(clock func() time.Time) *Dispatcher {
	d.clock = clock
	return d
}

// Dispatch runs name for opCtx and records the outcome. The returned error is
// non-nil for NotFound and for every failure outcome; the result is populated
// whenever one was recorded.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, opCtx models.OpContext) (models.TaskResult, error) {
	desc, err := d.catalog.Get(name)
	if err != nil {
		return models.TaskResult{}, err
	}
	opCtx = opCtx.Clone()

	ctx, span := d.tracer.Start(ctx, "dispatch "+name, trace.WithAttributes(
		attribute.String("operation", name),
		attribute.String("operator", string(desc.Operator)),
		attribute.String("risk", string(desc.Risk)),
		attribute.String("context", opCtx.Key()),
	))
	defer span.End()

	result := models.TaskResult{
		ID:        uuid.NewString(),
		Operation: name,
		Context:   opCtx,
		StartedAt: d.clock().UTC(),
	}
	d.track(result.ID, name)
	defer d.untrack(result.ID)

	if d.gate != nil {
		adm, err := d.gate.Admit(ctx, desc, opCtx)
		if adm.Approval != nil {
			result.ApprovalID = adm.Approval.ID
		}
		if err != nil {
			return d.finish(ctx, span, result, models.OutcomeFailure, err)
		}
		if !adm.Proceed {
			if adm.Requested {
				d.publish(ctx, models.EventApprovalRequested, map[string]any{
					"operation":   name,
					"context":     opCtx.Key(),
					"approval_id": result.ApprovalID,
				})
			}
			return d.finish(ctx, span, result, models.OutcomeAwaitingApproval, nil)
		}
	}

	var out models.Output
	attempt := 0
	stats, err := d.policy.Do(ctx, func(ctx context.Context) error {
		attempt++
		call := models.Call{Operation: name, Context: opCtx, Attempt: attempt}
		if d.sessions != nil {
			sess, err := d.sessions.Acquire(ctx)
			if err != nil {
				return err
			}
			call.Session = sess
		}
		o, err := desc.Unit(ctx, call)
		if err != nil {
			return err
		}
		out = o
		return nil
	})
	result.Records = out.Records
	result.Retries = stats.Retries
	if err != nil {
		return d.finish(ctx, span, result, models.OutcomeFailure, err)
	}
	return d.finish(ctx, span, result, models.OutcomeSuccess, nil)
}

func (d *Dispatcher) finish(ctx context.Context, span trace.Span, result models.TaskResult, outcome models.Outcome, cause error) (models.TaskResult, error) {
	result.Outcome = outcome
	result.EndedAt = d.clock().UTC()
	if cause != nil {
		result.Error = cause.Error()
	}

	// The record must land even if the caller's context was cancelled mid-run.
	stored, err := d.results.Append(context.WithoutCancel(ctx), result)
	if err != nil {
		d.logger.Error("failed to record task result",
			slog.String("operation", result.Operation),
			slog.String("run_id", result.ID),
			slog.Any("error", err),
		)
		err = utils.NewAppError("dispatch", "result store", err)
		if cause != nil {
			err = errors.Join(cause, err)
		}
		return result, err
	}

	duration := stored.Duration()
	metrics.ObserveDispatch(stored.Operation, string(outcome), duration, stored.Retries)
	span.SetAttributes(
		attribute.String("outcome", string(outcome)),
		attribute.Int64("seq", int64(stored.Seq)),
		attribute.Int("retries", stored.Retries),
	)

	attrs := []any{
		slog.String("operation", stored.Operation),
		slog.String("context", stored.Context.Key()),
		slog.String("run_id", stored.ID),
		slog.Uint64("seq", stored.Seq),
		slog.String("outcome", string(outcome)),
		slog.Duration("duration", duration),
		slog.Int("records", stored.Records),
		slog.Int("retries", stored.Retries),
	}
	switch outcome {
	case models.OutcomeFailure:
		span.RecordError(cause)
		span.SetStatus(codes.Error, cause.Error())
		d.logger.Error("dispatch failed", append(attrs, slog.Any("error", cause))...)
	case models.OutcomeAwaitingApproval:
		d.logger.Info("dispatch awaiting approval", append(attrs, slog.String("approval_id", stored.ApprovalID))...)
	default:
		d.logger.Info("dispatch completed", attrs...)
	}

	if n := d.latencies.Observe(stored.Operation, duration); n%50 == 0 {
		stats := d.latencies.Stats(stored.Operation)
		d.logger.Info("dispatch latency",
			slog.String("operation", stored.Operation),
			slog.Duration("p50", stats.P50),
			slog.Duration("p95", stats.P95),
			slog.Duration("p99", stats.P99),
			slog.Int("runs", n),
		)
	}

	return stored, cause
}

func (d *Dispatcher) publish(ctx context.Context, eventType models.EventType, payload map[string]any) {
	if d.publisher == nil {
		return
	}
	ev := models.Event{
		ID:          uuid.NewString(),
		Type:        eventType,
		Source:      "dispatcher",
		Payload:     payload,
		PublishedAt: d.clock().UTC(),
	}
	if err := d.publisher.Publish(ctx, ev); err != nil {
		d.logger.Warn("event publish failed", slog.String("type", string(eventType)), slog.Any("error", err))
	}
}

func (d *Dispatcher) track(id, name string) {
	d.mu.Lock()
	d.running[id] = name
	d.mu.Unlock()
}

func (d *Dispatcher) untrack(id string) {
	d.mu.Lock()
	delete(d.running, id)
	d.mu.Unlock()
}

// RunStatus reports the state of each run id: running, a recorded outcome, or unknown.
func (d *Dispatcher) RunStatus(ctx context.Context, ids []string) ([]models.RunStatus, error) {
	statuses := make([]models.RunStatus, len(ids))
	var lookup []string

	d.mu.Lock()
	for i, id := range ids {
		if name, ok := d.running[id]; ok {
			statuses[i] = models.RunStatus{ID: id, Operation: name, State: models.RunRunning}
			continue
		}
		lookup = append(lookup, id)
	}
	d.mu.Unlock()

	var stored map[string]models.TaskResult
	if len(lookup) > 0 {
		var err error
		stored, err = d.results.Get(ctx, lookup)
		if err != nil {
			return nil, fmt.Errorf("load task results: %w", err)
		}
	}

	for i, id := range ids {
		if statuses[i].State != "" {
			continue
		}
		r, ok := stored[id]
		if !ok {
			statuses[i] = models.RunStatus{ID: id, State: models.RunUnknown}
			continue
		}
		statuses[i] = models.RunStatus{ID: id, Operation: r.Operation, State: models.RunState(r.Outcome), Result: &r}
	}
	return statuses, nil
}

// History returns the newest results for operation (all operations when empty).
func (d *Dispatcher) History(ctx context.Context, operation string, limit int) ([]models.TaskResult, error) {
	return d.results.List(ctx, operation, limit)
}

// Running lists the operations currently executing.
func (d *Dispatcher) Running() map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]string, len(d.running))
	for id, name := range d.running {
		out[id] = name
	}
	return out
}
