package utils

import (
	"errors"
	"fmt"
	"testing"
)

func TestNotConfigured(t *testing.T) {
	err := NotConfigured("GetAlertState", "threshold engine")
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured in chain, got %v", err)
	}
	if got, want := err.Error(), "GetAlertState: threshold engine: not configured"; got != want {
		t.Fatalf("message = %q, want %q", got, want)
	}

	wrapped := fmt.Errorf("api: %w", err)
	if got := OpOf(wrapped); got != "GetAlertState" {
		t.Fatalf("OpOf = %q", got)
	}
	if got := OpOf(errors.New("plain")); got != "" {
		t.Fatalf("OpOf on plain error = %q", got)
	}
}

func TestNewAppError(t *testing.T) {
	if err := NewAppError("dispatch", "results", nil); err != nil {
		t.Fatalf("nil cause should stay nil, got %v", err)
	}

	cause := errors.New("disk full")
	err := NewAppError("dispatch", "results", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause in chain")
	}
	if got, want := err.Error(), "dispatch: results: disk full"; got != want {
		t.Fatalf("message = %q, want %q", got, want)
	}
	if got, want := NewAppError("load", "", cause).Error(), "load: disk full"; got != want {
		t.Fatalf("message = %q, want %q", got, want)
	}
}
