package drift

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lakeops/opscore/internal/metrics"
	"github.com/lakeops/opscore/internal/models"
	"github.com/lakeops/opscore/internal/retry"
)

// Default bounds. A zero MaxDrift in a Policy means counts must match exactly.
const (
	DefaultMaxStaleness = time.Hour
	DefaultMaxDrift     = 1000
)

// Sources resolves a data source by name.
type Sources interface {
	Source(name string) (models.DataSource, error)
}

// History stores verdicts per table pair.
type History interface {
	AppendVerdict(ctx context.Context, v models.ValidationVerdict) error
	LatestVerdict(ctx context.Context, pairKey string) (models.ValidationVerdict, error)
}

// Sink appends rows to an analytics table.
type Sink interface {
	Append(ctx context.Context, table string, rows []models.Row) error
}

// Publisher emits bus events.
type Publisher interface {
	Publish(ctx context.Context, ev models.Event) error
}

// Policy bounds what counts as drifted or stale.
type Policy struct {
	MaxStaleness time.Duration
	MaxDrift     int64
	Checksum     bool
}

// Config wires a Validator.
type Config struct {
	Sources   Sources
	History   History
	Sink      Sink
	Publisher Publisher
	Policy    Policy
	Logger    *slog.Logger

	// Retry wraps every data-source query and history or sink write.
	// The zero value makes a single attempt.
	Retry retry.Policy
}

// Validator compares a source table with its downstream replica.
type Validator struct {
	sources   Sources
	history   History
	sink      Sink
	publisher Publisher
	policy    Policy
	retry     retry.Policy
	logger    *slog.Logger
	clock     func() time.Time
}

// New constructs a Validator.
func New(cfg Config) *Validator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Policy.MaxStaleness <= 0 {
		cfg.Policy.MaxStaleness = DefaultMaxStaleness
	}
	return &Validator{
		sources:   cfg.Sources,
		history:   cfg.History,
		sink:      cfg.Sink,
		publisher: cfg.Publisher,
		policy:    cfg.Policy,
		retry:     cfg.Retry,
		logger:    cfg.Logger,
		clock:     time.Now,
	}
}

// WithClock overrides the time source.
func (v *Validator) WithClock(clock func() time.Time) *Validator {
	if clock != nil {
		v.clock = clock
	}
	return v
}

type tableStats struct {
	count int64
	maxTS time.Time
	hasTS bool
}

// Validate runs one pass over pair. Count and timestamp checks are mandatory;
// the checksum step is best effort and its failure only narrows the verdict.
func (v *Validator) Validate(ctx context.Context, pair models.TablePair) (models.ValidationVerdict, error) {
	if pair.TimestampColumn == "" {
		pair.TimestampColumn = "updated_at"
	}
	src, err := v.stats(ctx, pair.Source, pair.TimestampColumn)
	if err != nil {
		return models.ValidationVerdict{}, fmt.Errorf("source stats %s: %w", pair.Source.Table, err)
	}
	tgt, err := v.stats(ctx, pair.Target, pair.TimestampColumn)
	if err != nil {
		return models.ValidationVerdict{}, fmt.Errorf("target stats %s: %w", pair.Target.Table, err)
	}

	now := v.clock().UTC()
	verdict := models.ValidationVerdict{
		ID:               uuid.NewString(),
		Pair:             pair,
		SourceCount:      src.count,
		TargetCount:      tgt.count,
		Drift:            abs(src.count - tgt.count),
		SourceMaxTS:      src.maxTS,
		TargetMaxTS:      tgt.maxTS,
		FreshnessSeconds: -1,
		ValidatedAt:      now,
	}
	if tgt.hasTS {
		verdict.FreshnessSeconds = now.Sub(tgt.maxTS).Seconds()
	}

	if v.policy.Checksum && len(pair.KeyColumns) > 0 {
		match, err := v.checksums(ctx, pair)
		if err != nil {
			verdict.ChecksumError = err.Error()
			v.logger.Warn("checksum step failed, verdict limited to counts and timestamps",
				slog.String("pair", pair.Key()),
				slog.Any("error", err),
			)
		} else {
			verdict.ChecksumMatch = &match
		}
	}

	verdict.Status = v.classify(verdict, tgt.hasTS)
	metrics.ObserveVerdict(string(verdict.Status))
	v.record(ctx, verdict)
	return verdict, nil
}

// Latest returns the most recent verdict for pair.
func (v *Validator) Latest(ctx context.Context, pair models.TablePair) (models.ValidationVerdict, error) {
	if v.history == nil {
		return models.ValidationVerdict{}, &models.NotFoundError{Kind: "verdict", Name: pair.Key()}
	}
	return v.history.LatestVerdict(ctx, pair.Key())
}

func (v *Validator) classify(verdict models.ValidationVerdict, hasTargetTS bool) models.VerdictStatus {
	switch {
	case verdict.ChecksumMatch != nil && !*verdict.ChecksumMatch:
		return models.VerdictChecksumMismatch
	case !hasTargetTS || verdict.FreshnessSeconds > v.policy.MaxStaleness.Seconds():
		return models.VerdictStale
	case verdict.Drift > v.policy.MaxDrift:
		return models.VerdictDrifted
	}
	return models.VerdictInSync
}

func (v *Validator) stats(ctx context.Context, ref models.TableRef, tsColumn string) (tableStats, error) {
	ds, err := v.sources.Source(ref.Source)
	if err != nil {
		return tableStats{}, err
	}
	rows, err := v.query(ctx, ds, ref.Scope, models.QueryTableStats, map[string]any{
		"table":            ref.Table,
		"timestamp_column": tsColumn,
	})
	if err != nil {
		return tableStats{}, err
	}
	if len(rows) == 0 {
		return tableStats{}, fmt.Errorf("table_stats returned no rows")
	}
	count, ok := rows[0].Int("row_count")
	if !ok {
		return tableStats{}, fmt.Errorf("table_stats: missing row_count")
	}
	ts, hasTS := rows[0].Time("max_ts")
	return tableStats{count: count, maxTS: ts.UTC(), hasTS: hasTS}, nil
}

func (v *Validator) checksums(ctx context.Context, pair models.TablePair) (bool, error) {
	src, err := v.checksum(ctx, pair.Source, pair.KeyColumns)
	if err != nil {
		return false, fmt.Errorf("source checksum: %w", err)
	}
	tgt, err := v.checksum(ctx, pair.Target, pair.KeyColumns)
	if err != nil {
		return false, fmt.Errorf("target checksum: %w", err)
	}
	return src == tgt, nil
}

func (v *Validator) checksum(ctx context.Context, ref models.TableRef, keys []string) (string, error) {
	ds, err := v.sources.Source(ref.Source)
	if err != nil {
		return "", err
	}
	rows, err := v.query(ctx, ds, ref.Scope, models.QueryKeyChecksum, map[string]any{
		"table":       ref.Table,
		"key_columns": strings.Join(keys, ","),
	})
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", fmt.Errorf("key_checksum returned no rows")
	}
	sum := rows[0].String("checksum")
	if sum == "" {
		return "", fmt.Errorf("key_checksum: empty checksum")
	}
	return sum, nil
}

func (v *Validator) query(ctx context.Context, ds models.DataSource, scope models.Scope, queryID string, params map[string]any) ([]models.Row, error) {
	var rows []models.Row
	_, err := v.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		rows, err = ds.RunQuery(ctx, scope, queryID, params)
		return err
	})
	return rows, err
}

// record persists the verdict and announces non-healthy ones. Failures here are
// logged; the verdict itself already stands.
func (v *Validator) record(ctx context.Context, verdict models.ValidationVerdict) {
	if v.history != nil {
		_, err := v.retry.Do(ctx, func(ctx context.Context) error {
			return v.history.AppendVerdict(ctx, verdict)
		})
		if err != nil {
			v.logger.Error("store verdict failed", slog.String("pair", verdict.Pair.Key()), slog.Any("error", err))
		}
	}
	if v.sink != nil {
		rows := []models.Row{verdictRow(verdict)}
		_, err := v.retry.Do(ctx, func(ctx context.Context) error {
			return v.sink.Append(ctx, models.TableSyncValidationHistory, rows)
		})
		if err != nil {
			v.logger.Error("sink verdict failed", slog.String("pair", verdict.Pair.Key()), slog.Any("error", err))
		}
	}
	if verdict.Status == models.VerdictInSync {
		v.logger.Debug("tables in sync", slog.String("pair", verdict.Pair.Key()))
		return
	}
	v.logger.Warn("sync validation issue",
		slog.String("pair", verdict.Pair.Key()),
		slog.String("status", string(verdict.Status)),
		slog.Int64("drift", verdict.Drift),
		slog.Float64("freshness_seconds", verdict.FreshnessSeconds),
	)
	if v.publisher != nil {
		err := v.publisher.Publish(ctx, models.Event{
			Type:   models.EventSyncDriftDetected,
			Source: "health",
			Payload: map[string]any{
				"verdict_id": verdict.ID,
				"source":     verdict.Pair.Source.Table,
				"target":     verdict.Pair.Target.Table,
				"status":     string(verdict.Status),
				"drift":      verdict.Drift,
				"freshness":  verdict.FreshnessSeconds,
			},
		})
		if err != nil {
			v.logger.Warn("publish drift event failed", slog.Any("error", err))
		}
	}
}

func verdictRow(v models.ValidationVerdict) models.Row {
	row := models.Row{
		"validation_id":         v.ID,
		"source_table":          v.Pair.Source.Table,
		"target_table":          v.Pair.Target.Table,
		"source_count":          v.SourceCount,
		"target_count":          v.TargetCount,
		"count_drift":           v.Drift,
		"freshness_lag_seconds": v.FreshnessSeconds,
		"status":                string(v.Status),
		"validated_at":          v.ValidatedAt,
	}
	if !v.SourceMaxTS.IsZero() {
		row["source_max_ts"] = v.SourceMaxTS
	}
	if !v.TargetMaxTS.IsZero() {
		row["target_max_ts"] = v.TargetMaxTS
	}
	if v.ChecksumMatch != nil {
		row["checksum_match"] = *v.ChecksumMatch
	}
	return row
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
