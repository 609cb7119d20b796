package gate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/lakeops/opscore/internal/models"
)

func newTestGate() (*Gate, *MemoryStore) {
	store := NewMemoryStore()
	return New(store, slog.New(slog.NewTextHandler(io.Discard, nil))), store
}

func descriptor(name string, risk models.RiskLevel) models.OperationDescriptor {
	return models.OperationDescriptor{Name: name, Risk: risk}
}

func TestLowAndMediumRiskProceed(t *testing.T) {
	g, store := newTestGate()
	for _, risk := range []models.RiskLevel{models.RiskLow, models.RiskMedium} {
		adm, err := g.Admit(context.Background(), descriptor("op", risk), models.OpContext{"project": "p"})
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", risk, err)
		}
		if !adm.Proceed || adm.Approval != nil {
			t.Fatalf("%s: expected immediate proceed, got %+v", risk, adm)
		}
	}
	if len(store.All()) != 0 {
		t.Fatalf("low/medium risk must not create approval records")
	}
}

func TestHighRiskCreatesSinglePendingRecord(t *testing.T) {
	g, store := newTestGate()
	desc := descriptor("vacuum_full", models.RiskHigh)
	opCtx := models.OpContext{"project": "p", "branch": "main"}

	for i := 0; i < 3; i++ {
		adm, err := g.Admit(context.Background(), desc, opCtx)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if adm.Proceed {
			t.Fatalf("high risk operation proceeded without approval")
		}
		if adm.Approval == nil || !adm.Approval.Pending() {
			t.Fatalf("expected pending approval, got %+v", adm.Approval)
		}
	}
	if n := len(store.All()); n != 1 {
		t.Fatalf("expected exactly one pending record, got %d", n)
	}

	// A different context gets its own cycle.
	if _, err := g.Admit(context.Background(), desc, models.OpContext{"project": "p", "branch": "dev"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := len(store.All()); n != 2 {
		t.Fatalf("expected a second record for another context, got %d", n)
	}
}

func TestApprovedRunsOnceThenRequiresNewApproval(t *testing.T) {
	g, _ := newTestGate()
	desc := descriptor("archive_cold_data", models.RiskHigh)
	opCtx := models.OpContext{"project": "p"}
	ctx := context.Background()

	if _, err := g.Admit(ctx, desc, opCtx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rec, err := g.Decide(ctx, desc.Name, opCtx, models.DecisionApproved, "alice")
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if rec.Approver != "alice" || rec.Decision != models.DecisionApproved {
		t.Fatalf("unexpected record: %+v", rec)
	}

	adm, err := g.Admit(ctx, desc, opCtx)
	if err != nil || !adm.Proceed {
		t.Fatalf("expected approved dispatch to proceed, got %+v %v", adm, err)
	}
	if !adm.Approval.Consumed {
		t.Fatalf("approval should be marked consumed")
	}

	adm, err = g.Admit(ctx, desc, opCtx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if adm.Proceed {
		t.Fatalf("a consumed approval must not authorise a second run")
	}
}

func TestDeniedFailsThenOpensFreshCycle(t *testing.T) {
	g, _ := newTestGate()
	desc := descriptor("configure_rls", models.RiskHigh)
	opCtx := models.OpContext{"project": "p"}
	ctx := context.Background()

	_, _ = g.Admit(ctx, desc, opCtx)
	if _, err := g.Decide(ctx, desc.Name, opCtx, models.DecisionDenied, "bob"); err != nil {
		t.Fatalf("decide: %v", err)
	}

	_, err := g.Admit(ctx, desc, opCtx)
	var denied *models.ApprovalDeniedError
	if !errors.As(err, &denied) || denied.Approver != "bob" {
		t.Fatalf("expected ApprovalDeniedError from bob, got %v", err)
	}

	adm, err := g.Admit(ctx, desc, opCtx)
	if err != nil {
		t.Fatalf("expected fresh cycle, got %v", err)
	}
	if adm.Proceed || adm.Approval == nil || !adm.Approval.Pending() {
		t.Fatalf("expected new pending approval, got %+v", adm)
	}
}

func TestDecideWithoutPendingIsNotFound(t *testing.T) {
	g, _ := newTestGate()
	_, err := g.Decide(context.Background(), "vacuum_full", models.OpContext{}, models.DecisionApproved, "alice")
	if !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if _, err := g.Decide(context.Background(), "vacuum_full", models.OpContext{}, models.DecisionPending, "alice"); err == nil {
		t.Fatalf("pending is not a valid decision")
	}
}

func TestApprovalRequiredOnMediumRiskIsGated(t *testing.T) {
	g, _ := newTestGate()
	desc := models.OperationDescriptor{Name: "drop_index", Risk: models.RiskMedium, ApprovalRequired: true}
	adm, err := g.Admit(context.Background(), desc, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if adm.Proceed {
		t.Fatalf("explicit approval requirement must be honoured")
	}
}
