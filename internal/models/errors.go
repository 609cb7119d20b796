package models

import (
	"errors"
	"fmt"
)

var (
	ErrAuth             = errors.New("authentication failed")
	ErrDuplicateName    = errors.New("duplicate operation name")
	ErrNotFound         = errors.New("not found")
	ErrApprovalDenied   = errors.New("approval denied")
	ErrExhaustedRetries = errors.New("retries exhausted")
	ErrInFlight         = errors.New("operation already in flight")
	ErrInvalidArgument  = errors.New("invalid argument")
)

// AuthError means no usable session could be obtained.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return ErrAuth.Error()
	}
	return fmt.Sprintf("%s: %v", ErrAuth, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

func (e *AuthError) Is(target error) bool { return target == ErrAuth }

// DuplicateNameError is returned when registering a name twice.
type DuplicateNameError struct {
	Name string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("operation %q already registered", e.Name)
}

func (e *DuplicateNameError) Is(target error) bool { return target == ErrDuplicateName }

// NotFoundError is returned when a named entity does not exist.
type NotFoundError struct {
	Kind string
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Name)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ApprovalDeniedError is returned when a human denied the operation.
type ApprovalDeniedError struct {
	Operation  string
	ContextKey string
	Approver   string
}

func (e *ApprovalDeniedError) Error() string {
	msg := fmt.Sprintf("approval denied for %s", e.Operation)
	if e.ContextKey != "" {
		msg += " [" + e.ContextKey + "]"
	}
	if e.Approver != "" {
		msg += " by " + e.Approver
	}
	return msg
}

func (e *ApprovalDeniedError) Is(target error) bool { return target == ErrApprovalDenied }

// ExhaustedRetriesError wraps the last transient failure once the attempt budget is spent.
type ExhaustedRetriesError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedRetriesError) Error() string {
	return fmt.Sprintf("%s after %d attempts: %v", ErrExhaustedRetries, e.Attempts, e.Last)
}

func (e *ExhaustedRetriesError) Unwrap() error { return e.Last }

func (e *ExhaustedRetriesError) Is(target error) bool { return target == ErrExhaustedRetries }
