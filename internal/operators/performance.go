package operators

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lakeops/opscore/internal/extractors"
	"github.com/lakeops/opscore/internal/models"
)

// Performance operations.
const (
	OpPersistStatements = "persist_pg_stat_statements"
	OpAnalyzeIndexes    = "analyze_indexes"
	OpVacuumAnalyze     = "vacuum_analyze"
	OpVacuumFull        = "vacuum_full"
	OpBootstrapBaseline = "bootstrap_performance_baseline"
)

// Tables above this share of dead tuples are vacuumed by vacuum_analyze.
const vacuumDeadRatio = 0.10

// statementColumns are copied verbatim from pg_stat_statements into pg_stat_history.
var statementColumns = []string{
	"calls", "total_exec_time", "mean_exec_time", "rows", "shared_blks_hit", "shared_blks_read",
	"temp_blks_written", "temp_blks_read", "wal_records", "wal_fpi", "wal_bytes",
	"jit_functions", "jit_generation_time", "jit_inlining_time", "jit_optimization_time", "jit_emission_time",
}

var integralStatementColumns = map[string]bool{
	"calls": true, "rows": true, "shared_blks_hit": true, "shared_blks_read": true,
	"temp_blks_written": true, "temp_blks_read": true, "wal_records": true, "wal_fpi": true,
	"wal_bytes": true, "jit_functions": true,
}

func (k *toolkit) performance() []models.OperationDescriptor {
	return []models.OperationDescriptor{
		{
			Name:        OpPersistStatements,
			Operator:    models.OperatorPerformance,
			Description: "Snapshot pg_stat_statements into pg_stat_history.",
			Risk:        models.RiskLow,
			Schedule:    "*/5 * * * *",
			Unit:        k.persistStatements,
		},
		{
			Name:        OpAnalyzeIndexes,
			Operator:    models.OperatorPerformance,
			Description: "Recommend dropping unused and duplicate indexes and indexing foreign keys.",
			Risk:        models.RiskLow,
			Schedule:    "0 * * * *",
			Unit:        k.analyzeIndexes,
		},
		{
			Name:        OpVacuumAnalyze,
			Operator:    models.OperatorPerformance,
			Description: "VACUUM ANALYZE tables with a high dead tuple ratio.",
			Risk:        models.RiskMedium,
			Schedule:    "0 2 * * *",
			Unit:        k.vacuumAnalyze,
		},
		{
			Name:        OpVacuumFull,
			Operator:    models.OperatorPerformance,
			Description: "VACUUM FULL one table. Takes an exclusive lock.",
			Risk:        models.RiskHigh,
			Unit:        k.vacuumFull,
		},
		{
			Name:        OpBootstrapBaseline,
			Operator:    models.OperatorPerformance,
			Description: "Capture the first statement snapshot and index analysis of a new project.",
			Risk:        models.RiskLow,
			Unit:        k.bootstrapBaseline,
		},
	}
}

func (k *toolkit) persistStatements(ctx context.Context, call models.Call) (models.Output, error) {
	scope, err := requireProject(call)
	if err != nil {
		return models.Output{}, err
	}
	rows, err := k.query(ctx, scope, models.QueryPgStatStatements, nil)
	if err != nil {
		return models.Output{}, err
	}

	now := k.Clock().UTC()
	snapshot := newID()
	history := make([]models.Row, 0, len(rows))
	for _, row := range rows {
		out := models.Row{
			"snapshot_id":        snapshot,
			"project_id":         scope.Project,
			"branch_id":          scope.Branch,
			"queryid":            row.String("queryid"),
			"query":              row.String("query"),
			"snapshot_timestamp": now,
		}
		for _, col := range statementColumns {
			if integralStatementColumns[col] {
				if v, ok := row.Int(col); ok {
					out[col] = v
				}
			} else if v, ok := row.Float(col); ok {
				out[col] = v
			}
		}
		history = append(history, out)
	}
	if err := k.appendRows(ctx, models.TablePgStatHistory, history); err != nil {
		return models.Output{}, err
	}

	outliers := extractors.OutlierStatements(rows, k.Policy.OutlierZScore)
	ids := make([]string, 0, len(outliers))
	for _, o := range outliers {
		ids = append(ids, o.QueryID)
	}
	if len(outliers) > 0 {
		k.Logger.Info("slow statement outliers", slog.String("scope", scope.String()), slog.Any("queryids", ids))
	}
	return models.Output{Records: len(history), Detail: map[string]any{"snapshot_id": snapshot, "outliers": ids}}, nil
}

func (k *toolkit) analyzeIndexes(ctx context.Context, call models.Call) (models.Output, error) {
	scope, err := requireProject(call)
	if err != nil {
		return models.Output{}, err
	}
	now := k.Clock().UTC()

	unused, err := k.query(ctx, scope, models.QueryUnusedIndexes, nil)
	if err != nil {
		return models.Output{}, err
	}
	duplicates, err := k.query(ctx, scope, models.QueryDuplicateIndexes, nil)
	if err != nil {
		return models.Output{}, err
	}
	missing, err := k.query(ctx, scope, models.QueryMissingIndexes, nil)
	if err != nil {
		return models.Output{}, err
	}

	recs := extractors.UnusedIndexes(scope, unused, now)
	recs = append(recs, extractors.DuplicateIndexes(scope, duplicates, now)...)
	recs = append(recs, extractors.MissingIndexes(scope, missing, now)...)

	rows := make([]models.Row, 0, len(recs))
	byType := make(map[string]int)
	for _, rec := range recs {
		rows = append(rows, extractors.RecommendationRow(rec))
		byType[rec.Type]++
	}
	if err := k.appendRows(ctx, models.TableIndexRecommendations, rows); err != nil {
		return models.Output{}, err
	}
	for _, rec := range recs {
		k.publish(ctx, string(models.OperatorPerformance), models.EventIndexRecommendation, map[string]any{
			"recommendation_id": rec.ID,
			"project_id":        scope.Project,
			"branch_id":         scope.Branch,
			"type":              rec.Type,
			"table":             rec.TableName,
			"index":             rec.IndexName,
			"confidence":        rec.Confidence,
			"ddl":               rec.DDLStatement,
		})
	}
	detail := make(map[string]any, len(byType))
	for t, n := range byType {
		detail[t] = n
	}
	return models.Output{Records: len(recs), Detail: detail}, nil
}

func (k *toolkit) vacuumAnalyze(ctx context.Context, call models.Call) (models.Output, error) {
	scope, err := requireBranch(call)
	if err != nil {
		return models.Output{}, err
	}

	targets := splitList(call.Context["tables"])
	if len(targets) == 0 {
		targets = k.Policy.VacuumTables
	}
	dead := make(map[string]int64)
	if len(targets) == 0 {
		candidates, err := k.query(ctx, scope, models.QueryVacuumCandidates, nil)
		if err != nil {
			return models.Output{}, err
		}
		for _, row := range candidates {
			live, _ := row.Float("n_live_tup")
			deadTup, _ := row.Float("n_dead_tup")
			if live+deadTup == 0 || deadTup/(live+deadTup) <= vacuumDeadRatio {
				continue
			}
			table := row.String("relname")
			if schema := row.String("schemaname"); schema != "" && schema != "public" {
				table = schema + "." + table
			}
			targets = append(targets, table)
			dead[table] = int64(deadTup)
		}
	}
	if len(targets) == 0 {
		return models.Output{Detail: map[string]any{"tables": 0}}, nil
	}

	rows, failed, lastErr := k.vacuum(ctx, scope, "analyze", targets, dead)
	if err := k.appendRows(ctx, models.TableVacuumHistory, rows); err != nil {
		return models.Output{}, err
	}
	succeeded := len(targets) - failed
	if succeeded == 0 {
		return models.Output{}, fmt.Errorf("vacuum failed on all %d tables: %w", failed, lastErr)
	}
	k.publish(ctx, string(models.OperatorPerformance), models.EventVacuumCompleted, map[string]any{
		"project_id":      scope.Project,
		"branch_id":       scope.Branch,
		"mode":            "analyze",
		"tables_vacuumed": succeeded,
		"tables_failed":   failed,
	})
	return models.Output{Records: succeeded, Detail: map[string]any{"failed": failed}}, nil
}

func (k *toolkit) vacuumFull(ctx context.Context, call models.Call) (models.Output, error) {
	scope, err := requireBranch(call)
	if err != nil {
		return models.Output{}, err
	}
	table := call.Context["table"]
	if table == "" {
		return models.Output{}, fmt.Errorf("%s: table is required", call.Operation)
	}
	rows, failed, lastErr := k.vacuum(ctx, scope, "full", []string{table}, nil)
	if err := k.appendRows(ctx, models.TableVacuumHistory, rows); err != nil {
		return models.Output{}, err
	}
	if failed > 0 {
		return models.Output{}, lastErr
	}
	k.publish(ctx, string(models.OperatorPerformance), models.EventVacuumCompleted, map[string]any{
		"project_id":      scope.Project,
		"branch_id":       scope.Branch,
		"mode":            "full",
		"tables_vacuumed": 1,
	})
	return models.Output{Records: 1}, nil
}

// vacuum runs one vacuum action per table and renders vacuum_history rows.
// A failure on one table does not stop the rest.
func (k *toolkit) vacuum(ctx context.Context, scope models.Scope, mode string, tables []string, deadBefore map[string]int64) ([]models.Row, int, error) {
	rows := make([]models.Row, 0, len(tables))
	failed := 0
	var lastErr error
	for _, table := range tables {
		payload := map[string]any{"mode": mode}
		if table != "" {
			payload["table"] = table
		}
		start := k.Clock()
		resp, err := k.invoke(ctx, "vacuum", scope, payload)
		status := "success"
		if err != nil {
			failed++
			lastErr = err
			status = "failed"
			k.Logger.Warn("vacuum failed", slog.String("table", table), slog.String("mode", mode), slog.Any("error", err))
		}

		schema, name := "public", table
		if i := strings.LastIndex(table, "."); i >= 0 {
			schema, name = table[:i], table[i+1:]
		}
		row := models.Row{
			"operation_id":     newID(),
			"project_id":       scope.Project,
			"branch_id":        scope.Branch,
			"table_name":       name,
			"schema_name":      schema,
			"operation_type":   "VACUUM " + strings.ToUpper(mode),
			"duration_seconds": k.Clock().Sub(start).Seconds(),
			"executed_at":      start.UTC(),
			"status":           status,
		}
		if n, ok := deadBefore[table]; ok {
			row["dead_tuples_before"] = n
		}
		if after, ok := models.Row(resp).Int("dead_tuples_after"); ok {
			row["dead_tuples_after"] = after
		}
		rows = append(rows, row)
	}
	return rows, failed, lastErr
}

func (k *toolkit) bootstrapBaseline(ctx context.Context, call models.Call) (models.Output, error) {
	statements, err := k.persistStatements(ctx, call)
	if err != nil {
		return models.Output{}, fmt.Errorf("statement snapshot: %w", err)
	}
	indexes, err := k.analyzeIndexes(ctx, call)
	if err != nil {
		return models.Output{}, fmt.Errorf("index analysis: %w", err)
	}
	return models.Output{
		Records: statements.Records + indexes.Records,
		Detail: map[string]any{
			"statements":      statements.Records,
			"recommendations": indexes.Records,
		},
	}, nil
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
