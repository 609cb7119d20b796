package repo

import (
	"fmt"
	"os"
	"strings"

	"github.com/lib/pq"
	"gopkg.in/yaml.v3"

	"github.com/lakeops/opscore/internal/models"
)

// QuerySpec is one catalogued statement. Identifiers are substituted into
// {{name}} placeholders after quoting; Args bind to $1..$n in order.
type QuerySpec struct {
	SQL         string   `yaml:"sql"`
	Identifiers []string `yaml:"identifiers"`
	Args        []string `yaml:"args"`
}

// Catalog maps query IDs to statements.
type Catalog map[string]QuerySpec

type catalogFile struct {
	Queries Catalog `yaml:"queries"`
}

// LoadCatalog reads a YAML query catalog.
func LoadCatalog(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read query catalog: %w", err)
	}
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse query catalog: %w", err)
	}
	if len(file.Queries) == 0 {
		return nil, fmt.Errorf("query catalog %s defines no queries", path)
	}
	for id, spec := range file.Queries {
		if strings.TrimSpace(spec.SQL) == "" {
			return nil, fmt.Errorf("query %q has no sql", id)
		}
	}
	return file.Queries, nil
}

// Render resolves queryID into executable SQL and positional arguments.
func (c Catalog) Render(queryID string, params map[string]any) (string, []any, error) {
	spec, ok := c[queryID]
	if !ok {
		return "", nil, &models.NotFoundError{Kind: "query", Name: queryID}
	}

	stmt := spec.SQL
	for _, name := range spec.Identifiers {
		raw, _ := params[name].(string)
		if strings.TrimSpace(raw) == "" {
			return "", nil, fmt.Errorf("query %s: identifier %q is required", queryID, name)
		}
		stmt = strings.ReplaceAll(stmt, "{{"+name+"}}", quoteIdentList(raw))
	}
	if strings.Contains(stmt, "{{") {
		return "", nil, fmt.Errorf("query %s: unresolved placeholder", queryID)
	}

	args := make([]any, 0, len(spec.Args))
	for _, name := range spec.Args {
		v, ok := params[name]
		if !ok {
			return "", nil, fmt.Errorf("query %s: argument %q is required", queryID, name)
		}
		args = append(args, v)
	}
	return stmt, args, nil
}

// quoteIdentList quotes a comma separated list of optionally schema-qualified names.
func quoteIdentList(raw string) string {
	items := strings.Split(raw, ",")
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.Split(item, ".")
		for i, p := range parts {
			parts[i] = pq.QuoteIdentifier(strings.TrimSpace(p))
		}
		out = append(out, strings.Join(parts, "."))
	}
	return strings.Join(out, ", ")
}
