package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lakeops/opscore/internal/models"
)

// Approvals is the SQLite approval store. A partial unique index on
// (operation, context_key) over unconsumed rows keeps one open cycle per subject.
type Approvals struct {
	db *sql.DB
}

// Approvals returns the approval store backed by s.
func (s *Store) Approvals() *Approvals {
	return &Approvals{db: s.db}
}

const approvalColumns = `id, operation, context_key, context, requested_at, approver, decision, decided_at, consumed`

// OpenOrCreate returns the open record for the candidate's subject, inserting
// the candidate when there is none.
func (a *Approvals) OpenOrCreate(ctx context.Context, candidate models.ApprovalRecord) (models.ApprovalRecord, bool, error) {
	res, err := a.db.ExecContext(ctx, `INSERT INTO approvals (`+approvalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT (operation, context_key) WHERE consumed = 0 DO NOTHING`,
		candidate.ID, candidate.Operation, candidate.ContextKey, encodeContext(candidate.Context),
		formatTime(candidate.RequestedAt), candidate.Approver, string(candidate.Decision), formatTime(candidate.DecidedAt),
	)
	if err != nil {
		return models.ApprovalRecord{}, false, fmt.Errorf("approvals: insert: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return candidate, true, nil
	}
	rec, err := a.open(ctx, candidate.Operation, candidate.ContextKey)
	if err != nil {
		return models.ApprovalRecord{}, false, err
	}
	return rec, false, nil
}

// Decide records a decision on the pending record for (operation, contextKey).
func (a *Approvals) Decide(ctx context.Context, operation, contextKey string, decision models.Decision, approver string, at time.Time) (models.ApprovalRecord, error) {
	res, err := a.db.ExecContext(ctx, `UPDATE approvals SET decision = ?, approver = ?, decided_at = ?
		WHERE operation = ? AND context_key = ? AND consumed = 0 AND decision = ?`,
		string(decision), approver, formatTime(at), operation, contextKey, string(models.DecisionPending),
	)
	if err != nil {
		return models.ApprovalRecord{}, fmt.Errorf("approvals: decide: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ApprovalRecord{}, &models.NotFoundError{Kind: "pending approval", Name: operation + " [" + contextKey + "]"}
	}
	return a.open(ctx, operation, contextKey)
}

// Consume closes the record if it is still open with the expected decision.
func (a *Approvals) Consume(ctx context.Context, id string, expected models.Decision) (bool, error) {
	res, err := a.db.ExecContext(ctx, `UPDATE approvals SET consumed = 1 WHERE id = ? AND consumed = 0 AND decision = ?`,
		id, string(expected))
	if err != nil {
		return false, fmt.Errorf("approvals: consume: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ListOpen returns every unconsumed record, oldest first.
func (a *Approvals) ListOpen(ctx context.Context) ([]models.ApprovalRecord, error) {
	rows, err := a.db.QueryContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE consumed = 0 ORDER BY requested_at`)
	if err != nil {
		return nil, fmt.Errorf("approvals: list: %w", err)
	}
	defer rows.Close()
	out := make([]models.ApprovalRecord, 0)
	for rows.Next() {
		rec, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (a *Approvals) open(ctx context.Context, operation, contextKey string) (models.ApprovalRecord, error) {
	row := a.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals
		WHERE operation = ? AND context_key = ? AND consumed = 0`, operation, contextKey)
	rec, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ApprovalRecord{}, &models.NotFoundError{Kind: "approval", Name: operation + " [" + contextKey + "]"}
	}
	return rec, err
}

func scanApproval(s scanner) (models.ApprovalRecord, error) {
	var (
		rec                    models.ApprovalRecord
		ctxJSON, decision      string
		requestedAt, decidedAt string
	)
	if err := s.Scan(&rec.ID, &rec.Operation, &rec.ContextKey, &ctxJSON, &requestedAt,
		&rec.Approver, &decision, &decidedAt, &rec.Consumed); err != nil {
		return rec, err
	}
	if ctxJSON != "" {
		if err := json.Unmarshal([]byte(ctxJSON), &rec.Context); err != nil {
			return rec, fmt.Errorf("approvals: decode context: %w", err)
		}
	}
	rec.Decision = models.Decision(decision)
	rec.RequestedAt = parseTime(requestedAt)
	rec.DecidedAt = parseTime(decidedAt)
	return rec, nil
}
