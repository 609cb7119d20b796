package operators

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lakeops/opscore/internal/extractors"
	"github.com/lakeops/opscore/internal/models"
)

// Health operations.
const (
	OpMonitorHealth      = "monitor_system_health"
	OpValidateSync       = "validate_sync"
	OpTerminateIdle      = "terminate_idle_connections"
	OpVacuumFreeze       = "vacuum_freeze"
	OpArchiveColdData    = "archive_cold_data"
	defaultColdTimestamp = "updated_at"
)

func (k *toolkit) health() []models.OperationDescriptor {
	return []models.OperationDescriptor{
		{
			Name:        OpMonitorHealth,
			Operator:    models.OperatorHealth,
			Description: "Collect health metrics, record them and run threshold triage.",
			Risk:        models.RiskLow,
			Schedule:    "*/5 * * * *",
			Unit:        k.monitorHealth,
		},
		{
			Name:        OpValidateSync,
			Operator:    models.OperatorHealth,
			Description: "Check configured table pairs for count drift, freshness and key checksums.",
			Risk:        models.RiskLow,
			Schedule:    "*/15 * * * *",
			Unit:        k.validateSync,
		},
		{
			Name:        OpTerminateIdle,
			Operator:    models.OperatorHealth,
			Description: "Terminate client sessions idle longer than the configured limit.",
			Risk:        models.RiskLow,
			Unit:        k.terminateIdle,
		},
		{
			Name:        OpVacuumFreeze,
			Operator:    models.OperatorHealth,
			Description: "VACUUM FREEZE to push back transaction ID wraparound.",
			Risk:        models.RiskHigh,
			Unit:        k.vacuumFreeze,
		},
		{
			Name:        OpArchiveColdData,
			Operator:    models.OperatorHealth,
			Description: "Move rows untouched for the cold threshold into the archive catalog.",
			Risk:        models.RiskHigh,
			Schedule:    "0 3 * * 0",
			Unit:        k.archiveColdData,
		},
	}
}

// collect runs a health query. A query the source does not know is skipped.
func (k *toolkit) collect(ctx context.Context, scope models.Scope, queryID string, params map[string]any) ([]models.Row, error) {
	rows, err := k.query(ctx, scope, queryID, params)
	if errors.Is(err, models.ErrNotFound) {
		k.Logger.Debug("health query not available", slog.String("query", queryID))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []models.Row{}
	}
	return rows, nil
}

func (k *toolkit) monitorHealth(ctx context.Context, call models.Call) (models.Output, error) {
	scope, err := requireProject(call)
	if err != nil {
		return models.Output{}, err
	}

	var in extractors.HealthInputs
	queries := []struct {
		query string
		dst   *[]models.Row
	}{
		{models.QueryDatabaseStats, &in.DatabaseStats},
		{models.QueryConnectionStats, &in.ConnectionStates},
		{models.QueryTableHealth, &in.TableHealth},
		{models.QueryLockWaits, &in.LockWaits},
		{models.QueryTxidAge, &in.TxidAge},
		{models.QueryPgStatStatements, &in.Statements},
	}
	for _, p := range queries {
		rows, err := k.collect(ctx, scope, p.query, nil)
		if err != nil {
			return models.Output{}, err
		}
		*p.dst = rows
	}

	samples := k.Metrics.Samples(scope, k.Clock().UTC(), in)
	levels := map[string]models.Severity{}
	if k.Triage != nil {
		levels = k.Triage.Levels(scope, samples)
	}
	// Rows go out before triage advances alert state: a failed write retries
	// the unit, and each reading must count once toward the clear window.
	if err := k.appendRows(ctx, models.TableMetrics, extractors.MetricRows(samples, levels, newID)); err != nil {
		return models.Output{}, err
	}

	detail := map[string]any{"samples": len(samples)}
	if k.Triage != nil {
		report, err := k.Triage.Process(ctx, scope, samples)
		if err != nil {
			k.Logger.Warn("triage failed", slog.String("scope", scope.String()), slog.Any("error", err))
			detail["triage_error"] = err.Error()
		}
		detail["transitions"] = report.Transitions
		detail["remediated"] = report.Remediated
	}
	return models.Output{Records: len(samples), Detail: detail}, nil
}

func (k *toolkit) validateSync(ctx context.Context, call models.Call) (models.Output, error) {
	if k.Validator == nil {
		return models.Output{}, errors.New("no drift validator configured")
	}
	pairs := k.Pairs
	if src, tgt := call.Context["source_table"], call.Context["target_table"]; src != "" || tgt != "" {
		pairs = nil
		for _, p := range k.Pairs {
			if (src == "" || p.Source.Table == src) && (tgt == "" || p.Target.Table == tgt) {
				pairs = append(pairs, p)
			}
		}
		if len(pairs) == 0 {
			return models.Output{}, &models.NotFoundError{Kind: "table pair", Name: src + "->" + tgt}
		}
	}

	statuses := make(map[string]any, len(pairs))
	var errs []error
	verdicts := 0
	for _, pair := range pairs {
		verdict, err := k.Validator.Validate(ctx, pair)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", pair.Key(), err))
			continue
		}
		verdicts++
		statuses[pair.Key()] = string(verdict.Status)
	}
	if verdicts == 0 && len(errs) > 0 {
		return models.Output{}, errors.Join(errs...)
	}
	for _, err := range errs {
		k.Logger.Warn("sync validation failed", slog.Any("error", err))
	}
	return models.Output{Records: verdicts, Detail: statuses}, nil
}

func (k *toolkit) terminateIdle(ctx context.Context, call models.Call) (models.Output, error) {
	scope, err := requireProject(call)
	if err != nil {
		return models.Output{}, err
	}
	rows, err := k.query(ctx, scope, models.QueryIdleConnections, map[string]any{
		"max_idle_seconds": int64(k.Policy.MaxIdle.Seconds()),
	})
	if err != nil {
		return models.Output{}, err
	}
	pids := make([]int64, 0, len(rows))
	for _, row := range rows {
		if pid, ok := row.Int("pid"); ok {
			pids = append(pids, pid)
		}
	}
	if len(pids) == 0 {
		return models.Output{Detail: map[string]any{"terminated": 0}}, nil
	}
	if _, err := k.invoke(ctx, "terminate_backends", scope, map[string]any{"pids": pids}); err != nil {
		return models.Output{}, err
	}
	k.Logger.Info("terminated idle sessions", slog.String("scope", scope.String()), slog.Int("count", len(pids)))
	return models.Output{Records: len(pids), Detail: map[string]any{"pids": pids}}, nil
}

func (k *toolkit) vacuumFreeze(ctx context.Context, call models.Call) (models.Output, error) {
	scope, err := requireBranch(call)
	if err != nil {
		return models.Output{}, err
	}
	rows, failed, lastErr := k.vacuum(ctx, scope, "freeze", []string{call.Context["table"]}, nil)
	if err := k.appendRows(ctx, models.TableVacuumHistory, rows); err != nil {
		return models.Output{}, err
	}
	if failed > 0 {
		return models.Output{}, lastErr
	}
	k.publish(ctx, string(models.OperatorHealth), models.EventVacuumCompleted, map[string]any{
		"project_id": scope.Project,
		"branch_id":  scope.Branch,
		"mode":       "freeze",
	})
	return models.Output{Records: 1}, nil
}

func (k *toolkit) archiveColdData(ctx context.Context, call models.Call) (models.Output, error) {
	scope, err := requireBranch(call)
	if err != nil {
		return models.Output{}, err
	}
	tables := splitList(call.Context["tables"])
	if len(tables) == 0 {
		tables = k.Policy.ColdTables
	}
	if len(tables) == 0 {
		return models.Output{Detail: map[string]any{"tables": 0}}, nil
	}
	days := k.Policy.ColdDataDays

	rows := make([]models.Row, 0, len(tables))
	archived := int64(0)
	for _, table := range tables {
		cold, err := k.query(ctx, scope, models.QueryColdRows, map[string]any{
			"table":            table,
			"timestamp_column": defaultColdTimestamp,
			"days":             days,
		})
		if err != nil {
			return models.Output{}, err
		}
		var candidates int64
		if len(cold) > 0 {
			candidates, _ = cold[0].Int("row_count")
		}
		if candidates == 0 {
			continue
		}

		name := table
		if i := strings.LastIndex(name, "."); i >= 0 {
			name = name[i+1:]
		}
		archiveTable := k.Policy.ArchiveCatalog + "." + name + "_cold"
		resp, err := k.invoke(ctx, "archive_cold_rows", scope, map[string]any{
			"table":               table,
			"timestamp_column":    defaultColdTimestamp,
			"cold_threshold_days": days,
			"archive_table":       archiveTable,
		})
		if err != nil {
			return models.Output{}, err
		}
		result := models.Row(resp)
		moved, ok := result.Int("rows_archived")
		if !ok {
			moved = candidates
		}
		reclaimed, _ := result.Int("bytes_reclaimed")
		archived += moved

		rows = append(rows, models.Row{
			"archival_id":         newID(),
			"project_id":          scope.Project,
			"branch_id":           scope.Branch,
			"source_table":        table,
			"archive_delta_table": archiveTable,
			"rows_archived":       moved,
			"bytes_reclaimed":     reclaimed,
			"cold_threshold_days": int64(days),
			"archived_at":         k.Clock().UTC(),
			"status":              "success",
		})
		k.publish(ctx, string(models.OperatorHealth), models.EventColdDataArchived, map[string]any{
			"project_id":    scope.Project,
			"branch_id":     scope.Branch,
			"table":         table,
			"rows":          moved,
			"archive_table": archiveTable,
		})
	}
	if err := k.appendRows(ctx, models.TableDataArchivalHistory, rows); err != nil {
		return models.Output{}, err
	}
	return models.Output{Records: int(archived), Detail: map[string]any{"tables": len(rows)}}, nil
}
