package extractors

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/lakeops/opscore/internal/models"
)

// Metric names produced by the extractor. They match the threshold rule pack.
const (
	MetricCacheHitRatio    = "cache_hit_ratio"
	MetricConnectionUtil   = "connection_utilization"
	MetricDeadTupleRatio   = "dead_tuple_ratio"
	MetricLockWaitSeconds  = "lock_wait_seconds"
	MetricDeadlocksPerHour = "deadlocks_per_hour"
	MetricSlowQuerySeconds = "slow_query_seconds"
	MetricTxidAge          = "txid_age"
	MetricReplicationLag   = "replication_lag_seconds"
)

// HealthInputs holds the raw rows behind one collection pass. Nil slices mean
// the query was not run and the corresponding metric is omitted.
type HealthInputs struct {
	DatabaseStats    []models.Row
	ConnectionStates []models.Row
	TableHealth      []models.Row
	LockWaits        []models.Row
	TxidAge          []models.Row
	Statements       []models.Row
}

type deadlockReading struct {
	total int64
	at    time.Time
}

// MetricExtractor derives metric samples from system view rows. It remembers
// the previous cumulative deadlock counter per scope to report a rate.
type MetricExtractor struct {
	maxConnections int

	mu        sync.Mutex
	deadlocks map[string]deadlockReading
}

// NewMetricExtractor creates an extractor. maxConnections defaults to 100.
func NewMetricExtractor(maxConnections int) *MetricExtractor {
	if maxConnections <= 0 {
		maxConnections = 100
	}
	return &MetricExtractor{maxConnections: maxConnections, deadlocks: make(map[string]deadlockReading)}
}

// Samples converts in into samples stamped at for scope.
func (e *MetricExtractor) Samples(scope models.Scope, at time.Time, in HealthInputs) []models.MetricSample {
	out := make([]models.MetricSample, 0, 8)
	add := func(metric string, value float64) {
		out = append(out, models.MetricSample{Metric: metric, Value: value, ObservedAt: at, Scope: scope})
	}

	if len(in.DatabaseStats) > 0 {
		stats := in.DatabaseStats[0]
		hit, _ := stats.Float("blks_hit")
		read, _ := stats.Float("blks_read")
		ratio := 1.0
		if hit+read > 0 {
			ratio = hit / (hit + read)
		}
		add(MetricCacheHitRatio, ratio)

		if total, ok := stats.Int("deadlocks"); ok {
			if rate, ok := e.deadlockRate(scope, total, at); ok {
				add(MetricDeadlocksPerHour, rate)
			}
		}
		if lag, ok := stats.Float("replication_lag_seconds"); ok {
			add(MetricReplicationLag, lag)
		}
	}

	if in.ConnectionStates != nil {
		var total float64
		for _, row := range in.ConnectionStates {
			n, _ := row.Float("cnt")
			total += n
		}
		add(MetricConnectionUtil, total/float64(e.maxConnections))
	}

	if in.TableHealth != nil {
		worst := 0.0
		for _, row := range in.TableHealth {
			if ratio, ok := row.Float("dead_ratio"); ok && ratio > worst {
				worst = ratio
			}
		}
		add(MetricDeadTupleRatio, worst)
	}

	if len(in.LockWaits) > 0 {
		wait, _ := in.LockWaits[0].Float("max_wait_seconds")
		add(MetricLockWaitSeconds, wait)
	}

	if len(in.TxidAge) > 0 {
		if age, ok := in.TxidAge[0].Float("max_xid_age"); ok {
			add(MetricTxidAge, age)
		}
	}

	if in.Statements != nil {
		slowest := 0.0
		for _, row := range in.Statements {
			if ms, ok := row.Float("mean_exec_time"); ok && ms > slowest {
				slowest = ms
			}
		}
		add(MetricSlowQuerySeconds, slowest/1000)
	}

	return out
}

// deadlockRate turns the cumulative pg_stat_database counter into a per-hour
// rate. The first reading per scope, and any counter reset, yields nothing.
func (e *MetricExtractor) deadlockRate(scope models.Scope, total int64, at time.Time) (float64, bool) {
	key := scope.String()
	e.mu.Lock()
	defer e.mu.Unlock()
	prev, ok := e.deadlocks[key]
	e.deadlocks[key] = deadlockReading{total: total, at: at}
	if !ok || total < prev.total || !at.After(prev.at) {
		return 0, false
	}
	hours := at.Sub(prev.at).Hours()
	return float64(total-prev.total) / hours, true
}

// StatementOutlier is a statement whose mean execution time stands out from the rest.
type StatementOutlier struct {
	QueryID    string
	Query      string
	MeanMillis float64
	Score      float64
}

// OutlierStatements flags statements whose mean execution time has a z-score
// of at least threshold (default 2.5), slowest first.
func OutlierStatements(rows []models.Row, threshold float64) []StatementOutlier {
	if len(rows) == 0 {
		return nil
	}
	if threshold <= 0 {
		threshold = 2.5
	}

	values := make([]float64, len(rows))
	mean := 0.0
	for i, row := range rows {
		values[i], _ = row.Float("mean_exec_time")
		mean += values[i]
	}
	mean /= float64(len(values))

	variance := 0.0
	for _, v := range values {
		variance += math.Pow(v-mean, 2)
	}
	variance /= float64(len(values))
	stdDev := math.Sqrt(variance)
	if stdDev == 0 {
		stdDev = 0.01
	}

	outliers := make([]StatementOutlier, 0)
	for i, row := range rows {
		score := (values[i] - mean) / stdDev
		if score >= threshold {
			outliers = append(outliers, StatementOutlier{
				QueryID:    row.String("queryid"),
				Query:      row.String("query"),
				MeanMillis: values[i],
				Score:      score,
			})
		}
	}
	sort.Slice(outliers, func(i, j int) bool { return outliers[i].MeanMillis > outliers[j].MeanMillis })
	return outliers
}

// MetricRows renders samples as lakebase_metrics sink rows, tagging each with
// the severity the caller classified it at.
func MetricRows(samples []models.MetricSample, levels map[string]models.Severity, newID func() string) []models.Row {
	rows := make([]models.Row, 0, len(samples))
	for _, s := range samples {
		level := levels[s.Metric]
		if level == "" {
			level = models.SeverityOK
		}
		rows = append(rows, models.Row{
			"metric_id":          newID(),
			"project_id":         s.Scope.Project,
			"branch_id":          s.Scope.Branch,
			"metric_name":        s.Metric,
			"metric_value":       s.Value,
			"threshold_level":    string(level),
			"snapshot_timestamp": s.ObservedAt.UTC(),
		})
	}
	return rows
}
