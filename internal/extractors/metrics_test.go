package extractors

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/lakeops/opscore/internal/models"
)

func sampleMap(samples []models.MetricSample) map[string]float64 {
	out := make(map[string]float64, len(samples))
	for _, s := range samples {
		out[s.Metric] = s.Value
	}
	return out
}

func TestMetricExtractorSamples(t *testing.T) {
	extractor := NewMetricExtractor(50)
	scope := models.Scope{Project: "acme", Branch: "production"}
	at := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	samples := extractor.Samples(scope, at, HealthInputs{
		DatabaseStats:    []models.Row{{"blks_hit": int64(960), "blks_read": int64(40), "deadlocks": int64(7)}},
		ConnectionStates: []models.Row{{"state": "active", "cnt": int64(10)}, {"state": "idle", "cnt": int64(25)}},
		TableHealth:      []models.Row{{"relname": "a", "dead_ratio": 0.05}, {"relname": "b", "dead_ratio": "0.3"}},
		LockWaits:        []models.Row{{"waiting_locks": int64(2), "max_wait_seconds": 45.0}},
		TxidAge:          []models.Row{{"max_xid_age": int64(600_000_000)}},
		Statements:       []models.Row{{"mean_exec_time": 120.0}, {"mean_exec_time": 7500.0}},
	})

	want := map[string]float64{
		MetricCacheHitRatio:    0.96,
		MetricConnectionUtil:   0.7,
		MetricDeadTupleRatio:   0.3,
		MetricLockWaitSeconds:  45,
		MetricTxidAge:          6e8,
		MetricSlowQuerySeconds: 7.5,
	}
	if diff := cmp.Diff(want, sampleMap(samples)); diff != "" {
		t.Fatalf("samples mismatch (-want +got):\n%s", diff)
	}
	for _, s := range samples {
		if s.Scope != scope || !s.ObservedAt.Equal(at) {
			t.Fatalf("sample not stamped with scope and time: %+v", s)
		}
	}
}

func TestMetricExtractorDeadlockRate(t *testing.T) {
	extractor := NewMetricExtractor(0)
	scope := models.Scope{Project: "acme"}
	start := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	stats := func(n int64) HealthInputs {
		return HealthInputs{DatabaseStats: []models.Row{{"blks_hit": int64(1), "deadlocks": n}}}
	}
	if _, ok := sampleMap(extractor.Samples(scope, start, stats(10)))[MetricDeadlocksPerHour]; ok {
		t.Fatalf("first reading must not produce a rate")
	}
	got := sampleMap(extractor.Samples(scope, start.Add(30*time.Minute), stats(13)))
	if got[MetricDeadlocksPerHour] != 6 {
		t.Fatalf("expected 6 deadlocks per hour, got %v", got[MetricDeadlocksPerHour])
	}
	if _, ok := sampleMap(extractor.Samples(scope, start.Add(time.Hour), stats(1)))[MetricDeadlocksPerHour]; ok {
		t.Fatalf("a counter reset must not produce a rate")
	}
}

func TestMetricExtractorSkipsMissingQueries(t *testing.T) {
	samples := NewMetricExtractor(100).Samples(models.Scope{Project: "p"}, time.Now(), HealthInputs{
		TxidAge: []models.Row{{"max_xid_age": int64(5)}},
	})
	if len(samples) != 1 || samples[0].Metric != MetricTxidAge {
		t.Fatalf("expected only txid_age, got %+v", samples)
	}
}

func TestOutlierStatements(t *testing.T) {
	rows := make([]models.Row, 0, 12)
	for i := 0; i < 11; i++ {
		rows = append(rows, models.Row{"queryid": int64(i), "query": "select", "mean_exec_time": 10.0})
	}
	rows = append(rows, models.Row{"queryid": int64(99), "query": "select slow", "mean_exec_time": 900.0})

	outliers := OutlierStatements(rows, 2.5)
	if len(outliers) != 1 || outliers[0].QueryID != "99" {
		t.Fatalf("expected the slow statement only, got %+v", outliers)
	}
	if OutlierStatements(nil, 0) != nil {
		t.Fatalf("expected nil for no rows")
	}
}

func TestMetricRows(t *testing.T) {
	at := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	samples := []models.MetricSample{
		{Metric: MetricTxidAge, Value: 1, ObservedAt: at, Scope: models.Scope{Project: "p", Branch: "b"}},
		{Metric: MetricCacheHitRatio, Value: 0.9, ObservedAt: at, Scope: models.Scope{Project: "p", Branch: "b"}},
	}
	rows := MetricRows(samples, map[string]models.Severity{MetricCacheHitRatio: models.SeverityCritical}, func() string { return "id" })
	if err := models.ValidateRows(models.TableMetrics, rows); err != nil {
		t.Fatalf("rows must match the sink schema: %v", err)
	}
	if rows[0]["threshold_level"] != "ok" || rows[1]["threshold_level"] != "critical" {
		t.Fatalf("unexpected levels %v %v", rows[0]["threshold_level"], rows[1]["threshold_level"])
	}
}

func TestIndexRecommendations(t *testing.T) {
	scope := models.Scope{Project: "acme", Branch: "main"}
	now := time.Now().UTC()

	unused := UnusedIndexes(scope, []models.Row{
		{"schemaname": "sales", "table_name": "orders", "index_name": "idx_orders_note", "index_size_bytes": int64(50 * megabyte)},
		{"table_name": "orders", "index_name": "idx_orders_tmp", "index_size_bytes": int64(megabyte)},
		{"table_name": "orders"},
	}, now)
	if len(unused) != 2 {
		t.Fatalf("expected two unused recommendations, got %d", len(unused))
	}
	if unused[0].Confidence != "high" || unused[1].Confidence != "medium" || unused[1].SchemaName != "public" {
		t.Fatalf("unexpected unused recommendations %+v", unused)
	}
	if unused[0].DDLStatement != "DROP INDEX CONCURRENTLY IF EXISTS idx_orders_note;" {
		t.Fatalf("unexpected ddl %q", unused[0].DDLStatement)
	}

	dups := DuplicateIndexes(scope, []models.Row{{"table_name": "orders", "index_a": "a", "index_b": "b", "size_b": int64(2 * megabyte)}}, now)
	if len(dups) != 1 || dups[0].IndexName != "b" || !strings.Contains(dups[0].Impact, "duplicate of a") {
		t.Fatalf("unexpected duplicate recommendation %+v", dups)
	}

	missing := MissingIndexes(scope, []models.Row{{"table_name": "public.Order-Items", "column_name": "order_id", "constraint_name": "fk_order"}}, now)
	if len(missing) != 1 {
		t.Fatalf("expected one missing index recommendation")
	}
	if missing[0].DDLStatement != "CREATE INDEX CONCURRENTLY idx_order_items_order_id ON public.Order-Items(order_id);" {
		t.Fatalf("unexpected ddl %q", missing[0].DDLStatement)
	}

	for _, rec := range append(append(unused, dups...), missing...) {
		if err := models.ValidateRows(models.TableIndexRecommendations, []models.Row{RecommendationRow(rec)}); err != nil {
			t.Fatalf("recommendation row must match the sink schema: %v", err)
		}
	}
}
