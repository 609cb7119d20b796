package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lakeops/opscore/internal/models"
)

// Verdicts keeps validation history per table pair.
type Verdicts struct {
	db *sql.DB
}

// Verdicts returns the verdict history backed by s.
func (s *Store) Verdicts() *Verdicts {
	return &Verdicts{db: s.db}
}

// AppendVerdict stores v.
func (h *Verdicts) AppendVerdict(ctx context.Context, v models.ValidationVerdict) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("verdicts: encode: %w", err)
	}
	_, err = h.db.ExecContext(ctx, `INSERT INTO verdicts (id, pair_key, validated_at, status, body) VALUES (?, ?, ?, ?, ?)`,
		v.ID, v.Pair.Key(), formatTime(v.ValidatedAt), string(v.Status), string(body))
	if err != nil {
		return fmt.Errorf("verdicts: insert: %w", err)
	}
	return nil
}

// LatestVerdict returns the newest verdict for pairKey.
func (h *Verdicts) LatestVerdict(ctx context.Context, pairKey string) (models.ValidationVerdict, error) {
	var body string
	err := h.db.QueryRowContext(ctx,
		`SELECT body FROM verdicts WHERE pair_key = ? ORDER BY validated_at DESC, rowid DESC LIMIT 1`, pairKey,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ValidationVerdict{}, &models.NotFoundError{Kind: "verdict", Name: pairKey}
	}
	if err != nil {
		return models.ValidationVerdict{}, fmt.Errorf("verdicts: query: %w", err)
	}
	return decodeVerdict(body)
}

// LatestVerdicts returns the newest verdict of every pair.
func (h *Verdicts) LatestVerdicts(ctx context.Context) ([]models.ValidationVerdict, error) {
	rows, err := h.db.QueryContext(ctx, `SELECT v.body FROM verdicts v
		WHERE v.rowid = (SELECT rowid FROM verdicts w WHERE w.pair_key = v.pair_key ORDER BY w.validated_at DESC, w.rowid DESC LIMIT 1)
		ORDER BY v.pair_key`)
	if err != nil {
		return nil, fmt.Errorf("verdicts: latest: %w", err)
	}
	defer rows.Close()
	out := make([]models.ValidationVerdict, 0)
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		v, err := decodeVerdict(body)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func decodeVerdict(body string) (models.ValidationVerdict, error) {
	var v models.ValidationVerdict
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		return v, fmt.Errorf("verdicts: decode: %w", err)
	}
	return v, nil
}
