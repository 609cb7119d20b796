package repo

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/lakeops/opscore/internal/models"
)

const defaultActionsPath = "/api/v1/actions"

// ActionClient invokes idempotent provisioning actions on the platform.
type ActionClient struct {
	rest restClient
	path string
}

// NewActionClient constructs the client.
func NewActionClient(cfg HTTPConfig, sessions SessionSource) *ActionClient {
	return &ActionClient{
		rest: newRESTClient("actions api", cfg, sessions),
		path: firstNonEmpty(cfg.Path, defaultActionsPath),
	}
}

// Invoke posts action for scope. The same (action, scope, payload) always
// carries the same Idempotency-Key, so a retried call is applied once.
func (c *ActionClient) Invoke(ctx context.Context, action string, scope models.Scope, payload map[string]any) (map[string]any, error) {
	if c == nil || c.rest.baseURL == "" {
		return nil, fmt.Errorf("actions API not configured")
	}
	body := map[string]any{
		"project_id": scope.Project,
		"branch_id":  scope.Branch,
	}
	for k, v := range payload {
		body[k] = v
	}
	key, err := idempotencyKey(action, body)
	if err != nil {
		return nil, err
	}

	var out map[string]any
	endpoint := c.rest.resolvePath(c.path + "/" + action)
	if err := c.rest.doJSON(ctx, http.MethodPost, endpoint, body, &out, map[string]string{"Idempotency-Key": key}); err != nil {
		return nil, fmt.Errorf("action %s on %s: %w", action, scope, err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func idempotencyKey(action string, body map[string]any) (string, error) {
	// encoding/json sorts map keys, so the encoding is stable.
	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode action payload: %w", err)
	}
	sum := sha256.Sum256(append([]byte(action+"|"), data...))
	return hex.EncodeToString(sum[:16]), nil
}
