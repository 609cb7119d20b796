package repo

import (
	"context"
	"fmt"
	"net/http"

	"github.com/lakeops/opscore/internal/models"
)

const defaultQueryPath = "/api/v1/query"

// QueryClient runs catalogued queries through the platform's HTTP query API.
type QueryClient struct {
	rest      restClient
	queryPath string
}

// NewQueryClient constructs a client. sessions supplies the bearer token and
// may be nil for unauthenticated local endpoints.
func NewQueryClient(cfg HTTPConfig, sessions SessionSource) *QueryClient {
	return &QueryClient{
		rest:      newRESTClient("query api", cfg, sessions),
		queryPath: firstNonEmpty(cfg.Path, defaultQueryPath),
	}
}

// RunQuery implements models.DataSource.
func (c *QueryClient) RunQuery(ctx context.Context, scope models.Scope, queryID string, params map[string]any) ([]models.Row, error) {
	if c == nil {
		return nil, fmt.Errorf("query client not initialised")
	}
	if c.rest.baseURL == "" {
		return nil, fmt.Errorf("query API base URL not configured")
	}

	payload := map[string]any{
		"query_id":   queryID,
		"project_id": scope.Project,
		"branch_id":  scope.Branch,
	}
	if len(params) > 0 {
		payload["params"] = params
	}

	var response struct {
		Rows []map[string]any `json:"rows"`
	}
	if err := c.rest.doJSON(ctx, http.MethodPost, c.rest.resolvePath(c.queryPath), payload, &response, nil); err != nil {
		return nil, fmt.Errorf("query %s on %s: %w", queryID, scope, err)
	}

	rows := make([]models.Row, 0, len(response.Rows))
	for _, r := range response.Rows {
		rows = append(rows, models.Row(r))
	}
	return rows, nil
}
