package drift

import (
	"context"
	"sync"

	"github.com/lakeops/opscore/internal/models"
)

// MemoryHistory keeps verdicts in process.
type MemoryHistory struct {
	mu       sync.RWMutex
	verdicts map[string][]models.ValidationVerdict
}

// NewMemoryHistory returns an empty history.
func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{verdicts: make(map[string][]models.ValidationVerdict)}
}

// AppendVerdict implements History.
func (m *MemoryHistory) AppendVerdict(_ context.Context, v models.ValidationVerdict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := v.Pair.Key()
	m.verdicts[key] = append(m.verdicts[key], v)
	return nil
}

// LatestVerdict implements History.
func (m *MemoryHistory) LatestVerdict(_ context.Context, pairKey string) (models.ValidationVerdict, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.verdicts[pairKey]
	if len(list) == 0 {
		return models.ValidationVerdict{}, &models.NotFoundError{Kind: "verdict", Name: pairKey}
	}
	return list[len(list)-1], nil
}

// LatestVerdicts returns the newest verdict of every pair.
func (m *MemoryHistory) LatestVerdicts(_ context.Context) ([]models.ValidationVerdict, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.ValidationVerdict, 0, len(m.verdicts))
	for _, list := range m.verdicts {
		if len(list) > 0 {
			out = append(out, list[len(list)-1])
		}
	}
	return out, nil
}
