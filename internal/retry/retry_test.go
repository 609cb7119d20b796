package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"syscall"
	"testing"
	"time"

	"github.com/lakeops/opscore/internal/models"
)

type testNetError struct {
	timeout bool
}

func (e testNetError) Error() string   { return "net error" }
func (e testNetError) Timeout() bool   { return e.timeout }
func (e testNetError) Temporary() bool { return false }

func TestDoRecordsRetriesBeforeSuccess(t *testing.T) {
	attempts := 0
	stats, err := Policy{MaxAttempts: 3}.Do(context.Background(), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return testNetError{timeout: true}
		}
		return nil
	})

	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if stats.Retries != 2 {
		t.Fatalf("expected 2 retries recorded, got %d", stats.Retries)
	}
}

func TestDoFatalErrorNeverRetries(t *testing.T) {
	attempts := 0
	stats, err := Policy{MaxAttempts: 3}.Do(context.Background(), func(context.Context) error {
		attempts++
		return errors.New("validation failed")
	})

	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if attempts != 1 || stats.Retries != 0 {
		t.Fatalf("expected a single attempt, got attempts=%d retries=%d", attempts, stats.Retries)
	}
	if errors.Is(err, models.ErrExhaustedRetries) {
		t.Fatalf("fatal errors must not be reported as exhausted: %v", err)
	}
}

func TestDoExhaustsTransientBudget(t *testing.T) {
	last := Transient(errors.New("rate limited"))
	attempts := 0
	stats, err := Policy{MaxAttempts: 3}.Do(context.Background(), func(context.Context) error {
		attempts++
		return last
	})

	var exhausted *models.ExhaustedRetriesError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExhaustedRetriesError, got %v", err)
	}
	if exhausted.Attempts != 3 || stats.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d/%d", exhausted.Attempts, stats.Attempts)
	}
	if !errors.Is(err, last) {
		t.Fatalf("expected last failure to be wrapped, got %v", err)
	}
}

func TestDoAttemptTimeoutIsTransient(t *testing.T) {
	attempts := 0
	_, err := Policy{MaxAttempts: 2, AttemptTimeout: 10 * time.Millisecond}.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		<-ctx.Done()
		return ctx.Err()
	})

	if !errors.Is(err, models.ErrExhaustedRetries) {
		t.Fatalf("expected exhausted retries, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected timeout to be retried, got %d attempts", attempts)
	}
}

func TestDoStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	_, err := Policy{MaxAttempts: 3}.Do(ctx, func(context.Context) error {
		attempts++
		return nil
	})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if attempts != 0 {
		t.Fatalf("expected no attempts, got %d", attempts)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Class
	}{
		{"net timeout", testNetError{timeout: true}, ClassTransient},
		{"connection reset", fmt.Errorf("read: %w", syscall.ECONNRESET), ClassTransient},
		{"rate limit", &StatusError{Code: http.StatusTooManyRequests, Status: "429 Too Many Requests"}, ClassTransient},
		{"unavailable", &StatusError{Code: http.StatusServiceUnavailable, Status: "503"}, ClassTransient},
		{"bad request", &StatusError{Code: http.StatusBadRequest, Status: "400"}, ClassFatal},
		{"auth", &models.AuthError{Err: errors.New("401")}, ClassFatal},
		{"not found", &models.NotFoundError{Kind: "table", Name: "x"}, ClassFatal},
		{"cancelled", context.Canceled, ClassFatal},
		{"deadline", context.DeadlineExceeded, ClassTransient},
		{"marked", Transient(errors.New("flaky")), ClassTransient},
		{"plain", errors.New("boom"), ClassFatal},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
}

func TestBackoffDelayCapped(t *testing.T) {
	for attempt := 1; attempt <= 10; attempt++ {
		d := backoffDelay(100*time.Millisecond, time.Second, attempt)
		if d < 0 || d > time.Second {
			t.Fatalf("attempt %d: delay %v outside [0, 1s]", attempt, d)
		}
	}
	if d := backoffDelay(0, time.Second, 3); d != 0 {
		t.Fatalf("expected zero delay without base, got %v", d)
	}
}
