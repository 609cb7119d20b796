package gate

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lakeops/opscore/internal/models"
)

// MemoryStore keeps approvals in process. It is used in tests and when no
// store path is configured.
type MemoryStore struct {
	mu      sync.Mutex
	records []models.ApprovalRecord
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) openIndex(operation, key string) int {
	for i := range s.records {
		r := s.records[i]
		if r.Operation == operation && r.ContextKey == key && !r.Consumed {
			return i
		}
	}
	return -1
}

// OpenOrCreate implements ApprovalStore.
func (s *MemoryStore) OpenOrCreate(_ context.Context, candidate models.ApprovalRecord) (models.ApprovalRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.openIndex(candidate.Operation, candidate.ContextKey); i >= 0 {
		return s.records[i], false, nil
	}
	s.records = append(s.records, candidate)
	return candidate, true, nil
}

// Decide implements ApprovalStore.
func (s *MemoryStore) Decide(_ context.Context, operation, contextKey string, decision models.Decision, approver string, at time.Time) (models.ApprovalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.openIndex(operation, contextKey)
	if i < 0 || !s.records[i].Pending() {
		return models.ApprovalRecord{}, &models.NotFoundError{Kind: "pending approval", Name: operation + " [" + contextKey + "]"}
	}
	s.records[i].Decision = decision
	s.records[i].Approver = approver
	s.records[i].DecidedAt = at
	return s.records[i], nil
}

// Consume implements ApprovalStore.
func (s *MemoryStore) Consume(_ context.Context, id string, expected models.Decision) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.records {
		r := &s.records[i]
		if r.ID != id {
			continue
		}
		if r.Consumed || r.Decision != expected {
			return false, nil
		}
		r.Consumed = true
		return true, nil
	}
	return false, nil
}

// ListOpen implements ApprovalStore.
func (s *MemoryStore) ListOpen(_ context.Context) ([]models.ApprovalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ApprovalRecord, 0)
	for _, r := range s.records {
		if !r.Consumed {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out, nil
}

// All returns every record, including consumed ones.
func (s *MemoryStore) All() []models.ApprovalRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ApprovalRecord(nil), s.records...)
}
