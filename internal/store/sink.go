package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lakeops/opscore/internal/models"
)

// Sink is the local analytics sink. Each table has the fixed column set from
// models.SinkTables; rows carrying other columns are rejected.
type Sink struct {
	db *sql.DB
}

// Sink returns the analytics sink backed by s.
func (s *Store) Sink() *Sink {
	return &Sink{db: s.db}
}

// Append inserts rows into table in one transaction.
func (k *Sink) Append(ctx context.Context, table string, rows []models.Row) error {
	if err := models.ValidateRows(table, rows); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	tx, err := k.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sink %s: begin: %w", table, err)
	}
	defer tx.Rollback()

	for _, row := range rows {
		cols := make([]string, 0, len(row))
		for col := range row {
			cols = append(cols, col)
		}
		sort.Strings(cols)
		args := make([]any, len(cols))
		for i, col := range cols {
			args[i] = sinkValue(row[col])
		}
		stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, quoteColumns(cols),
			strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "))
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			return fmt.Errorf("sink %s: insert: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sink %s: commit: %w", table, err)
	}
	return nil
}

// Count returns the number of rows in table.
func (k *Sink) Count(ctx context.Context, table string) (int, error) {
	if _, ok := models.SinkTables[table]; !ok {
		return 0, &models.NotFoundError{Kind: "sink table", Name: table}
	}
	var n int
	if err := k.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("sink %s: count: %w", table, err)
	}
	return n, nil
}

// Recent returns up to limit rows of table, most recently inserted first.
func (k *Sink) Recent(ctx context.Context, table string, limit int) ([]models.Row, error) {
	cols, ok := models.SinkTables[table]
	if !ok {
		return nil, &models.NotFoundError{Kind: "sink table", Name: table}
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := k.db.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s ORDER BY rowid DESC LIMIT ?", quoteColumns(cols), table), limit)
	if err != nil {
		return nil, fmt.Errorf("sink %s: query: %w", table, err)
	}
	defer rows.Close()

	out := make([]models.Row, 0)
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(models.Row, len(cols))
		for i, col := range cols {
			if values[i] != nil {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// quoteColumns guards names such as "rows" that collide with SQL keywords.
func quoteColumns(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = `"` + c + `"`
	}
	return strings.Join(quoted, ", ")
}

func sinkValue(v any) any {
	switch t := v.(type) {
	case time.Time:
		return formatTime(t)
	case bool:
		if t {
			return 1
		}
		return 0
	case []string:
		return strings.Join(t, ",")
	}
	return v
}
