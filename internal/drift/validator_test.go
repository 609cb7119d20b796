package drift

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/lakeops/opscore/internal/models"
	"github.com/lakeops/opscore/internal/retry"
)

type fakeSource struct {
	stats    models.Row
	checksum string
	sumErr   error
	statsErr error
	queries  []string
	// failOnce errors are returned by the first call for their query.
	failOnce map[string]error
}

func (f *fakeSource) RunQuery(_ context.Context, _ models.Scope, queryID string, _ map[string]any) ([]models.Row, error) {
	f.queries = append(f.queries, queryID)
	if err := f.failOnce[queryID]; err != nil {
		delete(f.failOnce, queryID)
		return nil, err
	}
	switch queryID {
	case models.QueryTableStats:
		if f.statsErr != nil {
			return nil, f.statsErr
		}
		return []models.Row{f.stats}, nil
	case models.QueryKeyChecksum:
		if f.sumErr != nil {
			return nil, f.sumErr
		}
		return []models.Row{{"checksum": f.checksum}}, nil
	}
	return nil, errors.New("unexpected query " + queryID)
}

type sourceMap map[string]*fakeSource

func (m sourceMap) Source(name string) (models.DataSource, error) {
	ds, ok := m[name]
	if !ok {
		return nil, &models.NotFoundError{Kind: "data source", Name: name}
	}
	return ds, nil
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

type countingSink struct {
	rows     map[string]int
	failOnce error
}

func (s *countingSink) Append(_ context.Context, table string, rows []models.Row) error {
	if err := s.failOnce; err != nil {
		s.failOnce = nil
		return err
	}
	if err := models.ValidateRows(table, rows); err != nil {
		return err
	}
	if s.rows == nil {
		s.rows = make(map[string]int)
	}
	s.rows[table] += len(rows)
	return nil
}

var now = time.Date(2026, 2, 21, 15, 0, 0, 0, time.UTC)

func pair() models.TablePair {
	return models.TablePair{
		Source:     models.TableRef{Source: "oltp", Table: "orders"},
		Target:     models.TableRef{Source: "warehouse", Table: "ops.orders_delta"},
		KeyColumns: []string{"id"},
	}
}

type fixture struct {
	src, tgt *fakeSource
	history  *MemoryHistory
	pub      *recordingPublisher
	sink     *countingSink
	v        *Validator
}

func newFixture(policy Policy, src, tgt *fakeSource) *fixture {
	f := &fixture{src: src, tgt: tgt, history: NewMemoryHistory(), pub: &recordingPublisher{}, sink: &countingSink{}}
	f.v = New(Config{
		Sources:   sourceMap{"oltp": src, "warehouse": tgt},
		History:   f.history,
		Sink:      f.sink,
		Publisher: f.pub,
		Policy:    policy,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}).WithClock(func() time.Time { return now })
	return f
}

func (f *fixture) withRetry(attempts int) *fixture {
	f.v.retry = retry.Policy{MaxAttempts: attempts}
	return f
}

func statsRow(count int64, age time.Duration) models.Row {
	return models.Row{"row_count": count, "max_ts": now.Add(-age)}
}

func TestFreshnessCheckedBeforeDrift(t *testing.T) {
	f := newFixture(Policy{MaxStaleness: time.Hour, MaxDrift: 5},
		&fakeSource{stats: statsRow(1000, time.Minute)},
		&fakeSource{stats: statsRow(998, 2*time.Hour)},
	)
	v, err := f.v.Validate(context.Background(), pair())
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if v.Status != models.VerdictStale {
		t.Fatalf("expected stale, got %s", v.Status)
	}
	if v.Drift != 2 || v.FreshnessSeconds != 7200 {
		t.Fatalf("unexpected drift/freshness: %d %v", v.Drift, v.FreshnessSeconds)
	}
	if v.ChecksumMatch != nil {
		t.Fatalf("checksum disabled by policy must stay nil")
	}
	if len(f.pub.events) != 1 || f.pub.events[0].Type != models.EventSyncDriftDetected {
		t.Fatalf("expected sync_drift_detected, got %+v", f.pub.events)
	}
	if f.sink.rows[models.TableSyncValidationHistory] != 1 {
		t.Fatalf("expected a sync_validation_history row")
	}
}

func TestStatusPriority(t *testing.T) {
	cases := []struct {
		name     string
		src, tgt models.Row
		srcSum   string
		tgtSum   string
		want     models.VerdictStatus
	}{
		{"in sync", statsRow(100, 0), statsRow(100, time.Minute), "a", "a", models.VerdictInSync},
		{"drifted", statsRow(100, 0), statsRow(90, time.Minute), "a", "a", models.VerdictDrifted},
		{"mismatch beats stale", statsRow(100, 0), statsRow(100, 3*time.Hour), "a", "b", models.VerdictChecksumMismatch},
		{"missing target timestamp is stale", statsRow(100, 0), models.Row{"row_count": int64(100)}, "a", "a", models.VerdictStale},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(Policy{MaxStaleness: time.Hour, MaxDrift: 5, Checksum: true},
				&fakeSource{stats: tc.src, checksum: tc.srcSum},
				&fakeSource{stats: tc.tgt, checksum: tc.tgtSum},
			)
			v, err := f.v.Validate(context.Background(), pair())
			if err != nil {
				t.Fatalf("validate: %v", err)
			}
			if v.Status != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, v.Status)
			}
		})
	}
}

func TestChecksumFailureDegradesVerdict(t *testing.T) {
	f := newFixture(Policy{MaxStaleness: time.Hour, Checksum: true},
		&fakeSource{stats: statsRow(10, 0), checksum: "x"},
		&fakeSource{stats: statsRow(10, time.Minute), sumErr: errors.New("permission denied for function md5")},
	)
	v, err := f.v.Validate(context.Background(), pair())
	if err != nil {
		t.Fatalf("checksum failure must not abort validation: %v", err)
	}
	if v.ChecksumMatch != nil || v.ChecksumError == "" {
		t.Fatalf("expected nil match with recorded error, got %+v", v)
	}
	if v.Status != models.VerdictInSync {
		t.Fatalf("expected count/timestamp-only verdict in-sync, got %s", v.Status)
	}
	if len(f.pub.events) != 0 {
		t.Fatalf("in-sync verdict must not publish")
	}
}

func TestCountQueryFailureFails(t *testing.T) {
	f := newFixture(Policy{},
		&fakeSource{statsErr: errors.New("connection refused")},
		&fakeSource{stats: statsRow(1, 0)},
	)
	if _, err := f.v.Validate(context.Background(), pair()); err == nil {
		t.Fatalf("expected failure when source stats are unavailable")
	}
	if _, err := f.v.Latest(context.Background(), pair()); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("failed validation must not record a verdict, got %v", err)
	}
}

func TestLatestReturnsNewestVerdict(t *testing.T) {
	src := &fakeSource{stats: statsRow(10, 0)}
	tgt := &fakeSource{stats: statsRow(10, 0)}
	f := newFixture(Policy{}, src, tgt)
	ctx := context.Background()

	if _, err := f.v.Validate(ctx, pair()); err != nil {
		t.Fatalf("validate: %v", err)
	}
	tgt.stats = statsRow(4, 0)
	second, err := f.v.Validate(ctx, pair())
	if err != nil {
		t.Fatalf("validate: %v", err)
	}

	latest, err := f.v.Latest(ctx, pair())
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.ID != second.ID || latest.Status != models.VerdictDrifted {
		t.Fatalf("expected newest drifted verdict, got %+v", latest)
	}
}

func TestConnectionResetIsRetried(t *testing.T) {
	reset := fmt.Errorf("read tcp: %w", syscall.ECONNRESET)
	src := &fakeSource{
		stats:    statsRow(100, time.Minute),
		checksum: "abc",
		failOnce: map[string]error{models.QueryTableStats: reset, models.QueryKeyChecksum: reset},
	}
	tgt := &fakeSource{stats: statsRow(100, time.Minute), checksum: "abc"}
	f := newFixture(Policy{MaxStaleness: time.Hour, Checksum: true}, src, tgt).withRetry(3)
	f.sink.failOnce = reset

	v, err := f.v.Validate(context.Background(), pair())
	if err != nil {
		t.Fatalf("a single connection reset must not lose the verdict: %v", err)
	}
	if v.Status != models.VerdictInSync || v.ChecksumMatch == nil || !*v.ChecksumMatch || v.ChecksumError != "" {
		t.Fatalf("unexpected verdict %+v", v)
	}
	if got := len(src.queries); got != 4 {
		t.Fatalf("expected each source query to run twice, got %v", src.queries)
	}
	if f.sink.rows[models.TableSyncValidationHistory] != 1 {
		t.Fatalf("verdict row not written after retry: %v", f.sink.rows)
	}
	if _, err := f.history.LatestVerdict(context.Background(), pair().Key()); err != nil {
		t.Fatalf("verdict not stored: %v", err)
	}
}

func TestFatalQueryErrorIsNotRetried(t *testing.T) {
	src := &fakeSource{statsErr: &models.NotFoundError{Kind: "table", Name: "orders"}}
	f := newFixture(Policy{}, src, &fakeSource{stats: statsRow(1, time.Minute)}).withRetry(3)
	if _, err := f.v.Validate(context.Background(), pair()); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if len(src.queries) != 1 {
		t.Fatalf("fatal errors must not be retried, got %v", src.queries)
	}
}
