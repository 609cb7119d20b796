package models

import "context"

// DataSource runs catalogued, parameterized queries against one backing store.
// The query text behind a queryID is owned by the implementation.
type DataSource interface {
	RunQuery(ctx context.Context, scope Scope, queryID string, params map[string]any) ([]Row, error)
}

// Well-known query identifiers.
const (
	QueryTableStats       = "table_stats"
	QueryKeyChecksum      = "key_checksum"
	QueryPgStatStatements = "pg_stat_statements"
	QueryDatabaseStats    = "database_stats"
	QueryConnectionStats  = "connection_stats"
	QueryTableHealth      = "table_health"
	QueryLockWaits        = "lock_waits"
	QueryTxidAge          = "txid_age"
	QueryUnusedIndexes    = "unused_indexes"
	QueryMissingIndexes   = "missing_indexes"
	QueryDuplicateIndexes = "duplicate_indexes"
	QueryIdleConnections  = "idle_connections"
	QueryColdRows         = "cold_rows"
	QueryVacuumCandidates = "vacuum_candidates"
)
