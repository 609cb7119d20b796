package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/lakeops/opscore/internal/models"
)

// Class partitions errors into retryable and terminal.
type Class int

const (
	ClassFatal Class = iota
	ClassTransient
)

func (c Class) String() string {
	if c == ClassTransient {
		return "transient"
	}
	return "fatal"
}

// Classifier maps an error to its Class.
type Classifier func(error) Class

// Policy controls retry behaviour for one call site.
type Policy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
	Classify       Classifier
}

// Stats describes how a call went.
type Stats struct {
	Attempts int
	Retries  int
}

// DefaultPolicy returns three attempts with 500ms base backoff capped at 5s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		BaseDelay:      500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		AttemptTimeout: 30 * time.Second,
	}
}

// Do runs fn until it succeeds, fails fatally, or the attempt budget is spent.
// Each attempt receives its own deadline when AttemptTimeout is set; hitting it counts as transient.
// Cancellation of ctx is only observed between attempts.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) (Stats, error) {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	classify := p.Classify
	if classify == nil {
		classify = Classify
	}

	var stats Stats
	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}

		stats.Attempts = attempt
		stats.Retries = attempt - 1
		err = p.attempt(ctx, fn)
		if err == nil {
			return stats, nil
		}
		if ctx.Err() != nil {
			return stats, err
		}
		if classify(err) != ClassTransient {
			return stats, err
		}
		if attempt == p.MaxAttempts {
			break
		}

		delay := backoffDelay(p.BaseDelay, p.MaxDelay, attempt)
		if delay <= 0 {
			continue
		}
		if !sleep(ctx, delay) {
			return stats, ctx.Err()
		}
	}

	return stats, &models.ExhaustedRetriesError{Attempts: stats.Attempts, Last: err}
}

func (p Policy) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.AttemptTimeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
	defer cancel()
	err := fn(attemptCtx)
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return Transient(fmt.Errorf("attempt exceeded %s: %w", p.AttemptTimeout, err))
	}
	return err
}

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as retryable regardless of its concrete type.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// StatusError carries a non-2xx HTTP response status from a collaborator.
type StatusError struct {
	Code   int
	Status string
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("unexpected status %s: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("unexpected status %s", e.Status)
}

// Classify is the default classifier shared by every externally-facing call.
func Classify(err error) Class {
	if err == nil {
		return ClassFatal
	}
	if errors.Is(err, context.Canceled) {
		return ClassFatal
	}
	if errors.Is(err, models.ErrAuth) || errors.Is(err, models.ErrNotFound) {
		return ClassFatal
	}

	var marked *transientError
	if errors.As(err, &marked) {
		return ClassTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.Code {
		case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return ClassTransient
		}
		return ClassFatal
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return ClassTransient
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return ClassTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransient
	}

	return ClassFatal
}

// IsTransient is a convenience wrapper around Classify.
func IsTransient(err error) bool {
	return Classify(err) == ClassTransient
}

func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	delay := base << (attempt - 1)
	if max > 0 && delay > max {
		delay = max
	}

	jitterMax := int64(delay)
	if jitterMax <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(jitterMax + 1))
}

func sleep(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
