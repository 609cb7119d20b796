package models

import "time"

// VerdictStatus summarises a validation pass.
type VerdictStatus string

const (
	VerdictInSync           VerdictStatus = "in-sync"
	VerdictDrifted          VerdictStatus = "drifted"
	VerdictStale            VerdictStatus = "stale"
	VerdictChecksumMismatch VerdictStatus = "checksum-mismatch"
)

// TableRef points at a table behind a named data source.
type TableRef struct {
	Source string `json:"source" yaml:"source"`
	Scope  Scope  `json:"scope" yaml:"scope"`
	Table  string `json:"table" yaml:"table"`
}

// TablePair is the unit of drift validation.
type TablePair struct {
	Source          TableRef `json:"source" yaml:"source"`
	Target          TableRef `json:"target" yaml:"target"`
	KeyColumns      []string `json:"key_columns,omitempty" yaml:"keyColumns"`
	TimestampColumn string   `json:"timestamp_column,omitempty" yaml:"timestampColumn"`
}

// Key identifies the pair independent of key columns.
func (p TablePair) Key() string {
	return p.Source.Table + "->" + p.Target.Table
}

// ValidationVerdict is one drift/freshness evaluation of a table pair.
type ValidationVerdict struct {
	ID               string        `json:"id"`
	Pair             TablePair     `json:"pair"`
	SourceCount      int64         `json:"source_count"`
	TargetCount      int64         `json:"target_count"`
	Drift            int64         `json:"drift"`
	SourceMaxTS      time.Time     `json:"source_max_ts,omitempty"`
	TargetMaxTS      time.Time     `json:"target_max_ts,omitempty"`
	FreshnessSeconds float64       `json:"freshness_seconds"`
	ChecksumMatch    *bool         `json:"checksum_match"`
	ChecksumError    string        `json:"checksum_error,omitempty"`
	Status           VerdictStatus `json:"status"`
	ValidatedAt      time.Time     `json:"validated_at"`
}
