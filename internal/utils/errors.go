package utils

import (
	"errors"
	"fmt"
)

// ErrNotConfigured is returned when a call reaches a component the process
// was started without.
var ErrNotConfigured = errors.New("not configured")

// AppError records which operation and component produced an error.
type AppError struct {
	Op        string
	Component string
	Err       error
}

func (e *AppError) Error() string {
	if e.Component == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Component, e.Err)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError wraps err with op and component. A nil err stays nil.
func NewAppError(op, component string, err error) error {
	if err == nil {
		return nil
	}
	return &AppError{Op: op, Component: component, Err: err}
}

// NotConfigured reports that op needs component and it was never wired.
func NotConfigured(op, component string) error {
	return &AppError{Op: op, Component: component, Err: ErrNotConfigured}
}

// OpOf returns the operation recorded on the outermost AppError in err's chain.
func OpOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Op
	}
	return ""
}
