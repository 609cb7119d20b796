package extractors

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lakeops/opscore/internal/models"
)

// Recommendation types written to index_recommendations.
const (
	RecommendDropUnused    = "drop_unused"
	RecommendDropDuplicate = "drop_duplicate"
	RecommendCreateFKIndex = "create_fk_index"
)

const megabyte = 1024 * 1024

// UnusedIndexes recommends dropping never-scanned, non-unique indexes.
// Indexes larger than 10 MB are high confidence.
func UnusedIndexes(scope models.Scope, rows []models.Row, now time.Time) []models.IndexRecommendation {
	out := make([]models.IndexRecommendation, 0, len(rows))
	for _, row := range rows {
		index := row.String("index_name")
		if index == "" {
			continue
		}
		size, _ := row.Float("index_size_bytes")
		sizeMB := size / megabyte
		confidence := "medium"
		if sizeMB > 10 {
			confidence = "high"
		}
		out = append(out, models.IndexRecommendation{
			ID:           uuid.NewString(),
			Scope:        scope,
			SchemaName:   firstNonEmpty(row.String("schemaname"), "public"),
			TableName:    row.String("table_name"),
			Type:         RecommendDropUnused,
			IndexName:    index,
			Confidence:   confidence,
			Impact:       fmt.Sprintf("Reclaim %.1f MB", sizeMB),
			DDLStatement: fmt.Sprintf("DROP INDEX CONCURRENTLY IF EXISTS %s;", index),
			CreatedAt:    now,
		})
	}
	return out
}

// DuplicateIndexes recommends dropping the second of two indexes over the same key.
func DuplicateIndexes(scope models.Scope, rows []models.Row, now time.Time) []models.IndexRecommendation {
	out := make([]models.IndexRecommendation, 0, len(rows))
	for _, row := range rows {
		keep, drop := row.String("index_a"), row.String("index_b")
		if drop == "" {
			continue
		}
		size, _ := row.Float("size_b")
		out = append(out, models.IndexRecommendation{
			ID:           uuid.NewString(),
			Scope:        scope,
			SchemaName:   "public",
			TableName:    row.String("table_name"),
			Type:         RecommendDropDuplicate,
			IndexName:    drop,
			Confidence:   "high",
			Impact:       fmt.Sprintf("Reclaim %.1f MB (duplicate of %s)", size/megabyte, keep),
			DDLStatement: fmt.Sprintf("DROP INDEX CONCURRENTLY %s;", drop),
			CreatedAt:    now,
		})
	}
	return out
}

// MissingIndexes recommends indexes for foreign key columns that have none.
func MissingIndexes(scope models.Scope, rows []models.Row, now time.Time) []models.IndexRecommendation {
	out := make([]models.IndexRecommendation, 0, len(rows))
	for _, row := range rows {
		table, column := row.String("table_name"), row.String("column_name")
		if table == "" || column == "" {
			continue
		}
		name := "idx_" + sanitize(table) + "_" + sanitize(column)
		out = append(out, models.IndexRecommendation{
			ID:           uuid.NewString(),
			Scope:        scope,
			SchemaName:   "public",
			TableName:    table,
			Type:         RecommendCreateFKIndex,
			IndexName:    name,
			Columns:      column,
			Confidence:   "high",
			Impact:       fmt.Sprintf("Improve JOIN performance on FK %s", row.String("constraint_name")),
			DDLStatement: fmt.Sprintf("CREATE INDEX CONCURRENTLY %s ON %s(%s);", name, table, column),
			CreatedAt:    now,
		})
	}
	return out
}

// RecommendationRow renders rec as an index_recommendations row.
func RecommendationRow(rec models.IndexRecommendation) models.Row {
	return models.Row{
		"recommendation_id":   rec.ID,
		"project_id":          rec.Scope.Project,
		"branch_id":           rec.Scope.Branch,
		"table_name":          rec.TableName,
		"schema_name":         rec.SchemaName,
		"recommendation_type": rec.Type,
		"index_name":          rec.IndexName,
		"suggested_columns":   rec.Columns,
		"confidence":          rec.Confidence,
		"estimated_impact":    rec.Impact,
		"ddl_statement":       rec.DDLStatement,
		"status":              "pending_review",
		"created_at":          rec.CreatedAt.UTC(),
	}
}

func sanitize(name string) string {
	name = strings.ToLower(name)
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return strings.Trim(strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			return r
		}
		return '_'
	}, name), "_")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
