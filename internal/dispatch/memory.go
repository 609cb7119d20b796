package dispatch

import (
	"context"
	"sync"

	"github.com/lakeops/opscore/internal/models"
)

// MemoryResults is an in-process result log.
type MemoryResults struct {
	mu      sync.Mutex
	results []models.TaskResult
	seq     map[string]uint64
}

// NewMemoryResults returns an empty log.
func NewMemoryResults() *MemoryResults {
	return &MemoryResults{seq: make(map[string]uint64)}
}

// Append implements Results.
func (m *MemoryResults) Append(_ context.Context, result models.TaskResult) (models.TaskResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq[result.Operation]++
	result.Seq = m.seq[result.Operation]
	m.results = append(m.results, result)
	return result, nil
}

// Get implements Results.
func (m *MemoryResults) Get(_ context.Context, ids []string) (map[string]models.TaskResult, error) {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]models.TaskResult)
	for _, r := range m.results {
		if _, ok := want[r.ID]; ok {
			out[r.ID] = r
		}
	}
	return out, nil
}

// List implements Results, newest first.
func (m *MemoryResults) List(_ context.Context, operation string, limit int) ([]models.TaskResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.TaskResult, 0)
	for i := len(m.results) - 1; i >= 0; i-- {
		r := m.results[i]
		if operation != "" && r.Operation != operation {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Latest returns the highest-sequence result of operation.
func (m *MemoryResults) Latest(_ context.Context, operation string) (models.TaskResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.results) - 1; i >= 0; i-- {
		if m.results[i].Operation == operation {
			return m.results[i], nil
		}
	}
	return models.TaskResult{}, &models.NotFoundError{Kind: "task result", Name: operation}
}

// Counts tallies outcomes per operation.
func (m *MemoryResults) Counts(_ context.Context) (map[string]map[models.Outcome]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]map[models.Outcome]int)
	for _, r := range m.results {
		if out[r.Operation] == nil {
			out[r.Operation] = make(map[models.Outcome]int)
		}
		out[r.Operation][r.Outcome]++
	}
	return out, nil
}
