package repo

import (
	"sort"

	"github.com/lakeops/opscore/internal/models"
)

// Sources resolves data sources by configured name.
type Sources map[string]models.DataSource

// Source returns the named data source or a NotFoundError.
func (s Sources) Source(name string) (models.DataSource, error) {
	ds, ok := s[name]
	if !ok || ds == nil {
		return nil, &models.NotFoundError{Kind: "data source", Name: name}
	}
	return ds, nil
}

// Names lists the configured source names.
func (s Sources) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
