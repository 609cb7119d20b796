package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/lakeops/opscore/internal/gate"
	"github.com/lakeops/opscore/internal/models"
	"github.com/lakeops/opscore/internal/registry"
	"github.com/lakeops/opscore/internal/retry"
)

type fakeSessions struct {
	calls atomic.Int32
	err   error
}

func (f *fakeSessions) Acquire(context.Context) (models.Session, error) {
	f.calls.Add(1)
	if f.err != nil {
		return models.Session{}, f.err
	}
	return models.Session{Token: "t", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev models.Event) error {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
	return nil
}

type harness struct {
	reg       *registry.Registry
	gate      *gate.Gate
	sessions  *fakeSessions
	results   *MemoryResults
	publisher *recordingPublisher
	d         *Dispatcher
}

func newHarness(t *testing.T, descs ...models.OperationDescriptor) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New()
	if err := reg.RegisterAll(descs...); err != nil {
		t.Fatalf("register: %v", err)
	}
	h := &harness{
		reg:       reg,
		gate:      gate.New(gate.NewMemoryStore(), logger),
		sessions:  &fakeSessions{},
		results:   NewMemoryResults(),
		publisher: &recordingPublisher{},
	}
	h.d = New(Config{
		Catalog:   reg,
		Gate:      h.gate,
		Sessions:  h.sessions,
		Results:   h.results,
		Policy:    retry.Policy{MaxAttempts: 3},
		Publisher: h.publisher,
		Logger:    logger,
	})
	return h
}

func countingUnit(calls *atomic.Int32, records int) models.Unit {
	return func(context.Context, models.Call) (models.Output, error) {
		calls.Add(1)
		return models.Output{Records: records}, nil
	}
}

func TestDispatchRecordsSuccessWithSequence(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, models.OperationDescriptor{Name: "persist_pg_stat_statements", Unit: countingUnit(&calls, 12)})
	ctx := context.Background()

	first, err := h.d.Dispatch(ctx, "persist_pg_stat_statements", models.OpContext{"project": "p"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := h.d.Dispatch(ctx, "persist_pg_stat_statements", models.OpContext{"project": "p"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if first.Outcome != models.OutcomeSuccess || first.Records != 12 {
		t.Fatalf("unexpected result: %+v", first)
	}
	if first.Seq != 1 || second.Seq != 2 {
		t.Fatalf("expected sequence 1,2 got %d,%d", first.Seq, second.Seq)
	}
	if h.sessions.calls.Load() != 2 {
		t.Fatalf("expected a session per attempt, got %d", h.sessions.calls.Load())
	}
}

func TestDispatchUnknownOperation(t *testing.T) {
	h := newHarness(t)
	_, err := h.d.Dispatch(context.Background(), "nope", nil)
	if !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestDispatchRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	unit := func(context.Context, models.Call) (models.Output, error) {
		if calls.Add(1) < 3 {
			return models.Output{}, retry.Transient(errors.New("connection reset"))
		}
		return models.Output{Records: 1}, nil
	}
	h := newHarness(t, models.OperationDescriptor{Name: "monitor_system_health", Unit: unit})

	res, err := h.d.Dispatch(context.Background(), "monitor_system_health", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Retries != 2 || res.Outcome != models.OutcomeSuccess {
		t.Fatalf("expected success after 2 retries, got %+v", res)
	}
}

func TestDispatchRecordsExhaustedRetries(t *testing.T) {
	unit := func(context.Context, models.Call) (models.Output, error) {
		return models.Output{}, retry.Transient(errors.New("timeout"))
	}
	h := newHarness(t, models.OperationDescriptor{Name: "validate_sync", Unit: unit})

	res, err := h.d.Dispatch(context.Background(), "validate_sync", nil)
	if !errors.Is(err, models.ErrExhaustedRetries) {
		t.Fatalf("expected ExhaustedRetriesError, got %v", err)
	}
	if res.Outcome != models.OutcomeFailure || res.Error == "" || res.Seq != 1 {
		t.Fatalf("expected recorded failure, got %+v", res)
	}
}

func TestDispatchAuthErrorSkipsUnit(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, models.OperationDescriptor{Name: "analyze_indexes", Unit: countingUnit(&calls, 0)})
	h.sessions.err = &models.AuthError{Err: errors.New("idp down")}

	res, err := h.d.Dispatch(context.Background(), "analyze_indexes", nil)
	if !errors.Is(err, models.ErrAuth) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("unit must not run without a session")
	}
	if res.Outcome != models.OutcomeFailure || res.Retries != 0 {
		t.Fatalf("expected immediate failure, got %+v", res)
	}
}

func TestHighRiskUnitNeverRunsBeforeApproval(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, models.OperationDescriptor{Name: "vacuum_full", Risk: models.RiskHigh, Unit: countingUnit(&calls, 3)})
	ctx := context.Background()
	opCtx := models.OpContext{"project": "p", "table": "orders"}

	for i := 0; i < 2; i++ {
		res, err := h.d.Dispatch(ctx, "vacuum_full", opCtx)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.Outcome != models.OutcomeAwaitingApproval || res.ApprovalID == "" {
			t.Fatalf("expected skipped-awaiting-approval, got %+v", res)
		}
	}
	if calls.Load() != 0 {
		t.Fatalf("unit ran before approval")
	}
	if len(h.publisher.events) != 1 || h.publisher.events[0].Type != models.EventApprovalRequested {
		t.Fatalf("expected one approval_requested event, got %+v", h.publisher.events)
	}

	if _, err := h.gate.Decide(ctx, "vacuum_full", opCtx, models.DecisionApproved, "alice"); err != nil {
		t.Fatalf("decide: %v", err)
	}
	res, err := h.d.Dispatch(ctx, "vacuum_full", opCtx)
	if err != nil || res.Outcome != models.OutcomeSuccess {
		t.Fatalf("expected approved run to succeed, got %+v %v", res, err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected exactly one run, got %d", calls.Load())
	}
	if res.Seq != 3 {
		t.Fatalf("skips must be recorded too; expected seq 3, got %d", res.Seq)
	}
}

func TestDeniedApprovalRecordsFailure(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, models.OperationDescriptor{Name: "archive_cold_data", Risk: models.RiskHigh, Unit: countingUnit(&calls, 0)})
	ctx := context.Background()

	_, _ = h.d.Dispatch(ctx, "archive_cold_data", nil)
	if _, err := h.gate.Decide(ctx, "archive_cold_data", nil, models.DecisionDenied, "bob"); err != nil {
		t.Fatalf("decide: %v", err)
	}
	res, err := h.d.Dispatch(ctx, "archive_cold_data", nil)
	if !errors.Is(err, models.ErrApprovalDenied) {
		t.Fatalf("expected ApprovalDeniedError, got %v", err)
	}
	if res.Outcome != models.OutcomeFailure || calls.Load() != 0 {
		t.Fatalf("expected recorded denial without running, got %+v", res)
	}
}

func TestRunStatus(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	unit := func(context.Context, models.Call) (models.Output, error) {
		close(started)
		<-release
		return models.Output{}, nil
	}
	var calls atomic.Int32
	h := newHarness(t,
		models.OperationDescriptor{Name: "slow", Unit: unit},
		models.OperationDescriptor{Name: "fast", Unit: countingUnit(&calls, 1)},
	)
	ctx := context.Background()

	done, _ := h.d.Dispatch(ctx, "fast", nil)

	go func() { _, _ = h.d.Dispatch(ctx, "slow", nil) }()
	<-started
	var runningID string
	for id, name := range h.d.Running() {
		if name == "slow" {
			runningID = id
		}
	}

	statuses, err := h.d.RunStatus(ctx, []string{done.ID, runningID, "missing"})
	close(release)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if statuses[0].State != models.RunState(models.OutcomeSuccess) || statuses[0].Result == nil {
		t.Fatalf("expected recorded success, got %+v", statuses[0])
	}
	if statuses[1].State != models.RunRunning || statuses[1].Operation != "slow" {
		t.Fatalf("expected running, got %+v", statuses[1])
	}
	if statuses[2].State != models.RunUnknown {
		t.Fatalf("expected unknown, got %+v", statuses[2])
	}
}

func TestSequenceStrictlyIncreasingProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	names := []string{"alpha", "beta", "gamma"}
	properties.Property("per-operation sequence numbers strictly increase", prop.ForAll(
		func(picks []int, failures []bool) bool {
			descs := make([]models.OperationDescriptor, 0, len(names))
			var n atomic.Int32
			for _, name := range names {
				descs = append(descs, models.OperationDescriptor{
					Name: name,
					Unit: func(context.Context, models.Call) (models.Output, error) {
						i := int(n.Add(1)) - 1
						if i < len(failures) && failures[i] {
							return models.Output{}, errors.New("fatal")
						}
						return models.Output{}, nil
					},
				})
			}
			h := newHarness(t, descs...)

			var wg sync.WaitGroup
			for _, p := range picks {
				wg.Add(1)
				go func(name string) {
					defer wg.Done()
					_, _ = h.d.Dispatch(context.Background(), name, nil)
				}(names[p])
			}
			wg.Wait()

			for _, name := range names {
				history, _ := h.results.List(context.Background(), name, 0)
				// List is newest first.
				for i := 1; i < len(history); i++ {
					if history[i-1].Seq <= history[i].Seq {
						return false
					}
				}
				if len(history) > 0 && history[0].Seq != uint64(len(history)) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, len(names)-1)),
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}
