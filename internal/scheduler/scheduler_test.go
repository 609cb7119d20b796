package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/lakeops/opscore/internal/models"
)

type blockingDispatcher struct {
	mu      sync.Mutex
	calls   []string
	started chan string
	release chan struct{}
}

func newBlockingDispatcher() *blockingDispatcher {
	return &blockingDispatcher{started: make(chan string, 16), release: make(chan struct{})}
}

func (d *blockingDispatcher) Dispatch(ctx context.Context, name string, opCtx models.OpContext) (models.TaskResult, error) {
	d.mu.Lock()
	d.calls = append(d.calls, name+"?"+opCtx.Key())
	d.mu.Unlock()
	d.started <- name
	select {
	case <-d.release:
	case <-ctx.Done():
		return models.TaskResult{}, ctx.Err()
	}
	return models.TaskResult{Operation: name, Outcome: models.OutcomeSuccess}, nil
}

func (d *blockingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

type instantDispatcher struct {
	mu    sync.Mutex
	calls []string
}

func (d *instantDispatcher) Dispatch(_ context.Context, name string, opCtx models.OpContext) (models.TaskResult, error) {
	d.mu.Lock()
	d.calls = append(d.calls, name+"?"+opCtx.Key())
	d.mu.Unlock()
	return models.TaskResult{Operation: name}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestTickSkippedWhileInFlightThenResumes(t *testing.T) {
	d := newBlockingDispatcher()
	s := New(d, 2, 4, discardLogger())
	s.Start(context.Background())
	defer s.Stop()

	ctxs := []models.OpContext{{}}
	s.tick("monitor_system_health", ctxs)
	<-d.started

	s.tick("monitor_system_health", ctxs)
	s.tick("monitor_system_health", ctxs)
	if got := d.count(); got != 1 {
		t.Fatalf("busy ticks must be dropped, got %d dispatches", got)
	}
	if !s.InFlight("monitor_system_health") {
		t.Fatalf("expected operation to be in flight")
	}

	d.release <- struct{}{}
	waitUntil(t, func() bool { return !s.InFlight("monitor_system_health") })

	s.tick("monitor_system_health", ctxs)
	<-d.started
	d.release <- struct{}{}
	if got := d.count(); got != 2 {
		t.Fatalf("expected dispatch to resume on next free tick, got %d", got)
	}
}

func TestOtherOperationsRunWhileOneIsBusy(t *testing.T) {
	d := newBlockingDispatcher()
	s := New(d, 2, 4, discardLogger())
	s.Start(context.Background())
	defer s.Stop()

	s.tick("vacuum_analyze", []models.OpContext{{}})
	<-d.started
	s.tick("analyze_indexes", []models.OpContext{{}})
	if name := <-d.started; name != "analyze_indexes" {
		t.Fatalf("expected analyze_indexes to start, got %s", name)
	}
	d.release <- struct{}{}
	d.release <- struct{}{}
}

func TestTriggerRejectsWhileBusy(t *testing.T) {
	d := newBlockingDispatcher()
	s := New(d, 1, 1, discardLogger())
	s.Start(context.Background())
	defer s.Stop()

	s.tick("validate_sync", []models.OpContext{{}})
	<-d.started

	_, err := s.Trigger(context.Background(), "validate_sync", nil)
	if !errors.Is(err, models.ErrInFlight) {
		t.Fatalf("expected ErrInFlight, got %v", err)
	}
	d.release <- struct{}{}
	waitUntil(t, func() bool { return !s.InFlight("validate_sync") })

	done := make(chan error, 1)
	go func() {
		_, err := s.Trigger(context.Background(), "validate_sync", nil)
		done <- err
	}()
	<-d.started
	d.release <- struct{}{}
	if err := <-done; err != nil {
		t.Fatalf("trigger after completion: %v", err)
	}
}

func TestTickDispatchesEachContextInOrder(t *testing.T) {
	d := &instantDispatcher{}
	s := New(d, 1, 1, discardLogger())
	s.Start(context.Background())
	defer s.Stop()

	s.tick("persist_pg_stat_statements", []models.OpContext{
		{"project": "a"},
		{"project": "b"},
	})
	waitUntil(t, func() bool { return !s.InFlight("persist_pg_stat_statements") })

	d.mu.Lock()
	defer d.mu.Unlock()
	want := []string{"persist_pg_stat_statements?project=a", "persist_pg_stat_statements?project=b"}
	if len(d.calls) != len(want) {
		t.Fatalf("expected %v, got %v", want, d.calls)
	}
	for i := range want {
		if d.calls[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, d.calls)
		}
	}
}

func TestTickSkippedWhenQueueFull(t *testing.T) {
	s := New(&instantDispatcher{}, 1, 1, discardLogger())

	s.tick("a", []models.OpContext{{}})
	s.tick("b", []models.OpContext{{}})

	if !s.InFlight("a") {
		t.Fatalf("expected queued operation to hold its flag")
	}
	if s.InFlight("b") {
		t.Fatalf("tick rejected by a full queue must release its flag")
	}
}

func TestScheduleValidatesSpecAndReplaces(t *testing.T) {
	s := New(&instantDispatcher{}, 1, 1, discardLogger())

	if err := s.Schedule("enforce_branch_ttl", "not a cron"); err == nil {
		t.Fatalf("expected invalid spec to be rejected")
	}
	if err := s.Schedule("enforce_branch_ttl", "0 */6 * * *"); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := s.Schedule("enforce_branch_ttl", "@every 1h", models.OpContext{"project": "p"}); err != nil {
		t.Fatalf("reschedule: %v", err)
	}

	entries := s.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected one entry after replacement, got %d", len(entries))
	}
	if entries[0].Schedule != "@every 1h" || entries[0].Contexts != 1 {
		t.Fatalf("unexpected entry: %+v", entries[0])
	}

	s.Unschedule("enforce_branch_ttl")
	if len(s.Entries()) != 0 {
		t.Fatalf("expected no entries after unschedule")
	}
}
