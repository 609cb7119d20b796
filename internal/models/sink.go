package models

import (
	"fmt"
	"sort"
)

// Analytics sink tables.
const (
	TablePgStatHistory         = "pg_stat_history"
	TableIndexRecommendations  = "index_recommendations"
	TableVacuumHistory         = "vacuum_history"
	TableMetrics               = "lakebase_metrics"
	TableSyncValidationHistory = "sync_validation_history"
	TableBranchLifecycle       = "branch_lifecycle"
	TableDataArchivalHistory   = "data_archival_history"
	TableAlertHistory          = "alert_history"
)

// SinkTables lists the fixed column set of every sink table.
var SinkTables = map[string][]string{
	TablePgStatHistory: {
		"snapshot_id", "project_id", "branch_id", "queryid", "query", "calls",
		"total_exec_time", "mean_exec_time", "rows", "shared_blks_hit", "shared_blks_read",
		"temp_blks_written", "temp_blks_read", "wal_records", "wal_fpi", "wal_bytes",
		"jit_functions", "jit_generation_time", "jit_inlining_time", "jit_optimization_time",
		"jit_emission_time", "snapshot_timestamp",
	},
	TableIndexRecommendations: {
		"recommendation_id", "project_id", "branch_id", "table_name", "schema_name",
		"recommendation_type", "index_name", "suggested_columns", "confidence",
		"estimated_impact", "ddl_statement", "status", "created_at", "reviewed_at", "reviewed_by",
	},
	TableVacuumHistory: {
		"operation_id", "project_id", "branch_id", "table_name", "schema_name", "operation_type",
		"dead_tuples_before", "dead_tuples_after", "duration_seconds", "executed_at", "status",
	},
	TableMetrics: {
		"metric_id", "project_id", "branch_id", "metric_name", "metric_value",
		"threshold_level", "snapshot_timestamp",
	},
	TableSyncValidationHistory: {
		"validation_id", "source_table", "target_table", "source_count", "target_count",
		"count_drift", "source_max_ts", "target_max_ts", "freshness_lag_seconds",
		"checksum_match", "status", "validated_at",
	},
	TableBranchLifecycle: {
		"event_id", "project_id", "branch_id", "event_type", "source_branch", "ttl_seconds",
		"is_protected", "actor", "reason", "event_timestamp",
	},
	TableDataArchivalHistory: {
		"archival_id", "project_id", "branch_id", "source_table", "archive_delta_table",
		"rows_archived", "bytes_reclaimed", "cold_threshold_days", "archived_at", "status",
	},
	TableAlertHistory: {
		"alert_id", "project_id", "branch_id", "metric_name", "metric_value", "severity",
		"previous_severity", "sop_action", "channels", "raised_at",
	},
}

// ValidateRows rejects unknown tables and columns outside the table's schema.
func ValidateRows(table string, rows []Row) error {
	cols, ok := SinkTables[table]
	if !ok {
		return &NotFoundError{Kind: "sink table", Name: table}
	}
	allowed := make(map[string]struct{}, len(cols))
	for _, c := range cols {
		allowed[c] = struct{}{}
	}
	for i, row := range rows {
		var unknown []string
		for col := range row {
			if _, ok := allowed[col]; !ok {
				unknown = append(unknown, col)
			}
		}
		if len(unknown) > 0 {
			sort.Strings(unknown)
			return fmt.Errorf("%s row %d: unknown columns %v", table, i, unknown)
		}
	}
	return nil
}
