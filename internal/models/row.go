package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Row is one typed record returned by a data source or written to a sink.
type Row map[string]any

// Float reads a numeric column, accepting the representations drivers and JSON decoders produce.
func (r Row) Float(col string) (float64, bool) {
	switch v := r[col].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case []byte:
		f, err := strconv.ParseFloat(string(v), 64)
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}

// Int reads an integral column.
func (r Row) Int(col string) (int64, bool) {
	switch v := r[col].(type) {
	case int64:
		return v, true
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, true
		}
	}
	f, ok := r.Float(col)
	return int64(f), ok
}

// String renders a column as text; missing columns yield "".
func (r Row) String(col string) string {
	switch v := r[col].(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}

// Time reads a timestamp column stored as time.Time or RFC3339 text.
func (r Row) Time(col string) (time.Time, bool) {
	switch v := r[col].(type) {
	case time.Time:
		return v, !v.IsZero()
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999-07", "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, v); err == nil {
				return t, true
			}
		}
	case []byte:
		return Row{col: string(v)}.Time(col)
	}
	return time.Time{}, false
}

// Bool reads a boolean column.
func (r Row) Bool(col string) bool {
	switch v := r[col].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

// IndexRecommendation is a suggested index change produced by the performance operator.
type IndexRecommendation struct {
	ID           string    `json:"recommendation_id"`
	Scope        Scope     `json:"scope"`
	SchemaName   string    `json:"schema_name"`
	TableName    string    `json:"table_name"`
	Type         string    `json:"recommendation_type"`
	IndexName    string    `json:"index_name,omitempty"`
	Columns      string    `json:"suggested_columns,omitempty"`
	Confidence   string    `json:"confidence"`
	Impact       string    `json:"estimated_impact"`
	DDLStatement string    `json:"ddl_statement"`
	CreatedAt    time.Time `json:"created_at"`
}
