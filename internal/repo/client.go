package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/lakeops/opscore/internal/models"
	"github.com/lakeops/opscore/internal/retry"
)

// SessionSource hands out the bearer credential for outbound calls.
type SessionSource interface {
	Acquire(ctx context.Context) (models.Session, error)
}

// invalidator is implemented by session sources that can drop a rejected token.
type invalidator interface {
	Invalidate()
}

// HTTPConfig describes one upstream HTTP collaborator.
type HTTPConfig struct {
	BaseURL   string
	Path      string
	Timeout   time.Duration
	RateLimit float64
	Burst     int
}

// restClient is the shared JSON-over-HTTP plumbing used by every platform client.
type restClient struct {
	name       string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	sessions   SessionSource
}

func newRESTClient(name string, cfg HTTPConfig, sessions SessionSource) restClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return restClient{
		name:       name,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
		sessions:   sessions,
	}
}

func (c *restClient) resolvePath(p string) string {
	if c.baseURL == "" {
		return ""
	}
	cleaned := "/" + strings.TrimLeft(p, "/")
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL + cleaned
	}
	u.Path = path.Join(u.Path, cleaned)
	return u.String()
}

// doJSON sends payload (if any) and decodes the response into out (if any).
// Non-2xx answers become *retry.StatusError so the retry policy can classify them.
func (c *restClient) doJSON(ctx context.Context, method, endpoint string, payload any, out any, headers map[string]string) error {
	if endpoint == "" {
		return fmt.Errorf("%s: empty endpoint", c.name)
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if c.sessions != nil {
		sess, err := c.sessions.Acquire(ctx)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+sess.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		statusErr := &retry.StatusError{Code: resp.StatusCode, Status: resp.Status, Body: strings.TrimSpace(string(snippet))}
		if resp.StatusCode == http.StatusUnauthorized {
			// A rejected token is dropped so the next attempt refreshes it.
			if inv, ok := c.sessions.(invalidator); ok {
				inv.Invalidate()
				return retry.Transient(statusErr)
			}
		}
		return statusErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
