package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lakeops/opscore/internal/models"
)

// Results is the SQLite task result log.
type Results struct {
	db *sql.DB
}

// Results returns the task result log backed by s.
func (s *Store) Results() *Results {
	return &Results{db: s.db}
}

const resultColumns = `id, operation, seq, context, started_at, ended_at, outcome, error, records, retries, approval_id`

// Append stores result with the next sequence number for its operation.
func (r *Results) Append(ctx context.Context, result models.TaskResult) (models.TaskResult, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("results: begin: %w", err)
	}
	defer tx.Rollback()

	var next uint64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM task_results WHERE operation = ?`, result.Operation,
	).Scan(&next); err != nil {
		return result, fmt.Errorf("results: next seq: %w", err)
	}
	result.Seq = next

	_, err = tx.ExecContext(ctx, `INSERT INTO task_results (`+resultColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.ID, result.Operation, result.Seq, encodeContext(result.Context),
		formatTime(result.StartedAt), formatTime(result.EndedAt),
		string(result.Outcome), result.Error, result.Records, result.Retries, result.ApprovalID,
	)
	if err != nil {
		return result, fmt.Errorf("results: insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("results: commit: %w", err)
	}
	return result, nil
}

// Get returns the stored results among ids.
func (r *Results) Get(ctx context.Context, ids []string) (map[string]models.TaskResult, error) {
	out := make(map[string]models.TaskResult, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	rows, err := r.db.QueryContext(ctx, `SELECT `+resultColumns+` FROM task_results WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("results: query: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		out[res.ID] = res
	}
	return out, rows.Err()
}

// List returns results newest first. An empty operation lists all operations.
func (r *Results) List(ctx context.Context, operation string, limit int) ([]models.TaskResult, error) {
	query := `SELECT ` + resultColumns + ` FROM task_results`
	args := []any{}
	if operation != "" {
		query += ` WHERE operation = ?`
		args = append(args, operation)
	}
	query += ` ORDER BY ended_at DESC, seq DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("results: list: %w", err)
	}
	defer rows.Close()
	out := make([]models.TaskResult, 0)
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// Latest returns the highest-sequence result of operation.
func (r *Results) Latest(ctx context.Context, operation string) (models.TaskResult, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+resultColumns+` FROM task_results WHERE operation = ? ORDER BY seq DESC LIMIT 1`, operation)
	res, err := scanResult(row)
	if err == sql.ErrNoRows {
		return models.TaskResult{}, &models.NotFoundError{Kind: "task result", Name: operation}
	}
	return res, err
}

// Counts tallies outcomes per operation.
func (r *Results) Counts(ctx context.Context) (map[string]map[models.Outcome]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT operation, outcome, COUNT(*) FROM task_results GROUP BY operation, outcome`)
	if err != nil {
		return nil, fmt.Errorf("results: counts: %w", err)
	}
	defer rows.Close()
	out := make(map[string]map[models.Outcome]int)
	for rows.Next() {
		var op, outcome string
		var n int
		if err := rows.Scan(&op, &outcome, &n); err != nil {
			return nil, err
		}
		if out[op] == nil {
			out[op] = make(map[models.Outcome]int)
		}
		out[op][models.Outcome(outcome)] = n
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanResult(s scanner) (models.TaskResult, error) {
	var (
		res                models.TaskResult
		ctxJSON, outcome   string
		startedAt, endedAt string
	)
	if err := s.Scan(&res.ID, &res.Operation, &res.Seq, &ctxJSON, &startedAt, &endedAt,
		&outcome, &res.Error, &res.Records, &res.Retries, &res.ApprovalID); err != nil {
		return res, err
	}
	if ctxJSON != "" {
		if err := json.Unmarshal([]byte(ctxJSON), &res.Context); err != nil {
			return res, fmt.Errorf("results: decode context: %w", err)
		}
	}
	res.Outcome = models.Outcome(outcome)
	res.StartedAt = parseTime(startedAt)
	res.EndedAt = parseTime(endedAt)
	return res, nil
}

func encodeContext(c models.OpContext) string {
	if len(c) == 0 {
		return ""
	}
	data, _ := json.Marshal(c)
	return string(data)
}
