package gate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lakeops/opscore/internal/metrics"
	"github.com/lakeops/opscore/internal/models"
)

// ApprovalStore persists approval records. At most one open (unconsumed) record
// may exist per (operation, context key).
type ApprovalStore interface {
	// OpenOrCreate returns the open record for the candidate's (operation, context key),
	// inserting the candidate when none exists. created reports which happened.
	OpenOrCreate(ctx context.Context, candidate models.ApprovalRecord) (rec models.ApprovalRecord, created bool, err error)
	// Decide records a decision on the pending record, or returns NotFoundError.
	Decide(ctx context.Context, operation, contextKey string, decision models.Decision, approver string, at time.Time) (models.ApprovalRecord, error)
	// Consume closes an open record if it still carries the expected decision.
	Consume(ctx context.Context, id string, expected models.Decision) (bool, error)
	// ListOpen returns every unconsumed record.
	ListOpen(ctx context.Context) ([]models.ApprovalRecord, error)
}

// Admission is the gate's answer for one dispatch. Requested is set when this
// call opened a new approval cycle.
type Admission struct {
	Proceed   bool
	Requested bool
	Approval  *models.ApprovalRecord
}

// Gate applies risk-stratified admission ahead of execution.
type Gate struct {
	store  ApprovalStore
	logger *slog.Logger
	clock  func() time.Time
}

// New constructs a Gate over store.
func New(store ApprovalStore, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{store: store, logger: logger, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (g *Gate) WithClock(clock func() time.Time) *Gate {
	g.clock = clock
	return g
}

// Admit decides whether desc may run for opCtx now.
func (g *Gate) Admit(ctx context.Context, desc models.OperationDescriptor, opCtx models.OpContext) (Admission, error) {
	if desc.Risk == models.RiskMedium {
		g.logger.Warn("medium risk operation proceeding",
			slog.String("operation", desc.Name),
			slog.String("context", opCtx.Key()),
		)
		trace.SpanFromContext(ctx).AddEvent("risk.warning", trace.WithAttributes(
			attribute.String("operation", desc.Name),
			attribute.String("risk", string(desc.Risk)),
			attribute.String("context", opCtx.Key()),
		))
	}
	if !desc.RequiresApproval() {
		return Admission{Proceed: true}, nil
	}
	return g.admitWithApproval(ctx, desc, opCtx, true)
}

func (g *Gate) admitWithApproval(ctx context.Context, desc models.OperationDescriptor, opCtx models.OpContext, retryOnRace bool) (Admission, error) {
	candidate := models.ApprovalRecord{
		ID:          uuid.NewString(),
		Operation:   desc.Name,
		Context:     opCtx.Clone(),
		ContextKey:  opCtx.Key(),
		RequestedAt: g.clock().UTC(),
		Decision:    models.DecisionPending,
	}
	rec, created, err := g.store.OpenOrCreate(ctx, candidate)
	if err != nil {
		return Admission{}, fmt.Errorf("lookup approval for %s: %w", desc.Name, err)
	}
	if created {
		metrics.ObserveApproval("requested")
		g.logger.Info("approval requested",
			slog.String("operation", desc.Name),
			slog.String("context", rec.ContextKey),
			slog.String("approval_id", rec.ID),
		)
		return Admission{Requested: true, Approval: &rec}, nil
	}

	switch rec.Decision {
	case models.DecisionApproved:
		ok, err := g.store.Consume(ctx, rec.ID, models.DecisionApproved)
		if err != nil {
			return Admission{}, fmt.Errorf("consume approval %s: %w", rec.ID, err)
		}
		if !ok {
			// Another dispatch used this approval first; start a new cycle.
			if retryOnRace {
				return g.admitWithApproval(ctx, desc, opCtx, false)
			}
			return Admission{Approval: &rec}, nil
		}
		rec.Consumed = true
		metrics.ObserveApproval("consumed")
		return Admission{Proceed: true, Approval: &rec}, nil

	case models.DecisionDenied:
		if _, err := g.store.Consume(ctx, rec.ID, models.DecisionDenied); err != nil {
			return Admission{}, fmt.Errorf("close denied approval %s: %w", rec.ID, err)
		}
		rec.Consumed = true
		return Admission{Approval: &rec}, &models.ApprovalDeniedError{
			Operation:  desc.Name,
			ContextKey: rec.ContextKey,
			Approver:   rec.Approver,
		}

	default:
		return Admission{Approval: &rec}, nil
	}
}

// Decide applies a human decision to the pending approval for (operation, opCtx).
func (g *Gate) Decide(ctx context.Context, operation string, opCtx models.OpContext, decision models.Decision, approver string) (models.ApprovalRecord, error) {
	if decision != models.DecisionApproved && decision != models.DecisionDenied {
		return models.ApprovalRecord{}, fmt.Errorf("decision must be approved or denied, got %q", decision)
	}
	rec, err := g.store.Decide(ctx, operation, opCtx.Key(), decision, approver, g.clock().UTC())
	if err != nil {
		return models.ApprovalRecord{}, err
	}
	metrics.ObserveApproval(string(decision))
	g.logger.Info("approval decided",
		slog.String("operation", operation),
		slog.String("context", rec.ContextKey),
		slog.String("decision", string(decision)),
		slog.String("approver", approver),
	)
	return rec, nil
}

// Open lists approvals that are pending or decided but not yet used.
func (g *Gate) Open(ctx context.Context) ([]models.ApprovalRecord, error) {
	return g.store.ListOpen(ctx)
}
