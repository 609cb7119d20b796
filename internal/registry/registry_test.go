package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/lakeops/opscore/internal/models"
)

func noop(context.Context, models.Call) (models.Output, error) { return models.Output{}, nil }

func TestRegisterRejectsDuplicateName(t *testing.T) {
	reg := New()
	if err := reg.Register(models.OperationDescriptor{Name: "vacuum_full", Risk: models.RiskHigh, Unit: noop}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := reg.Register(models.OperationDescriptor{Name: "vacuum_full", Unit: noop})

	var dup *models.DuplicateNameError
	if !errors.As(err, &dup) || dup.Name != "vacuum_full" {
		t.Fatalf("expected DuplicateNameError, got %v", err)
	}
	if !errors.Is(err, models.ErrDuplicateName) {
		t.Fatalf("expected sentinel match")
	}
}

func TestGetUnknownIsNotFound(t *testing.T) {
	_, err := New().Get("missing")
	if !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestRegisterNormalisesDescriptor(t *testing.T) {
	reg := New()
	if err := reg.Register(models.OperationDescriptor{Name: " archive_cold_data ", Risk: models.RiskHigh, Unit: noop}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	desc, err := reg.Get("archive_cold_data")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !desc.ApprovalRequired {
		t.Fatalf("high risk operations must require approval")
	}

	if err := reg.Register(models.OperationDescriptor{Name: "collect", Unit: noop}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if desc, _ := reg.Get("collect"); desc.Risk != models.RiskLow {
		t.Fatalf("expected default risk low, got %s", desc.Risk)
	}
}

func TestRegisterValidates(t *testing.T) {
	reg := New()
	cases := []models.OperationDescriptor{
		{Name: "", Unit: noop},
		{Name: "no_unit"},
		{Name: "bad_risk", Risk: "extreme", Unit: noop},
		{Name: "bad_schedule", Schedule: "every tuesday", Unit: noop},
	}
	for _, desc := range cases {
		if err := reg.Register(desc); err == nil {
			t.Fatalf("expected validation error for %+v", desc.Name)
		}
	}
	if reg.Len() != 0 {
		t.Fatalf("invalid descriptors must not be registered")
	}
}

func TestListSortedByName(t *testing.T) {
	reg := New()
	err := reg.RegisterAll(
		models.OperationDescriptor{Name: "validate_sync", Schedule: "*/15 * * * *", Unit: noop},
		models.OperationDescriptor{Name: "analyze_indexes", Schedule: "@every 1h", Unit: noop},
		models.OperationDescriptor{Name: "monitor_system_health", Unit: noop},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	list := reg.List()
	if len(list) != 3 || list[0].Name != "analyze_indexes" || list[2].Name != "validate_sync" {
		t.Fatalf("unexpected order: %v", []string{list[0].Name, list[1].Name, list[2].Name})
	}
}
