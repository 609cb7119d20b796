package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/lakeops/opscore/internal/models"
)

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Registry catalogs operation descriptors by name. Descriptors are copied on
// the way in and out so a registered entry cannot be altered.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]models.OperationDescriptor
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{descriptors: make(map[string]models.OperationDescriptor)}
}

// Register adds desc, failing with DuplicateNameError if the name is taken.
func (r *Registry) Register(desc models.OperationDescriptor) error {
	if err := validate(&desc); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.descriptors[desc.Name]; exists {
		return &models.DuplicateNameError{Name: desc.Name}
	}
	r.descriptors[desc.Name] = desc
	return nil
}

// RegisterAll registers an operator's capability list, stopping at the first error.
func (r *Registry) RegisterAll(descs ...models.OperationDescriptor) error {
	for _, desc := range descs {
		if err := r.Register(desc); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the descriptor registered under name.
func (r *Registry) Get(name string) (models.OperationDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.descriptors[name]
	if !ok {
		return models.OperationDescriptor{}, &models.NotFoundError{Kind: "operation", Name: name}
	}
	return desc, nil
}

// List returns every descriptor sorted by name.
func (r *Registry) List() []models.OperationDescriptor {
	r.mu.RLock()
	out := make([]models.OperationDescriptor, 0, len(r.descriptors))
	for _, desc := range r.descriptors {
		out = append(out, desc)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len reports how many operations are registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.descriptors)
}

func validate(desc *models.OperationDescriptor) error {
	desc.Name = strings.TrimSpace(desc.Name)
	if desc.Name == "" {
		return errors.New("operation name is required")
	}
	if desc.Unit == nil {
		return fmt.Errorf("operation %s: executable unit is required", desc.Name)
	}
	if desc.Risk == "" {
		desc.Risk = models.RiskLow
	}
	if !desc.Risk.Valid() {
		return fmt.Errorf("operation %s: invalid risk level %q", desc.Name, desc.Risk)
	}
	if desc.Risk == models.RiskHigh {
		desc.ApprovalRequired = true
	}
	if desc.Schedule != "" {
		if _, err := scheduleParser.Parse(desc.Schedule); err != nil {
			return fmt.Errorf("operation %s: invalid schedule %q: %w", desc.Name, desc.Schedule, err)
		}
	}
	return nil
}
