package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "opscore.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("OPSCORE_CONFIG", "")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.Drift.MaxDrift != 1000 || cfg.Thresholds.ClearWindow != 3 {
		t.Fatalf("unexpected drift/threshold defaults: %+v %+v", cfg.Drift, cfg.Thresholds)
	}
	if cfg.Session.RefreshMargin != 10*time.Minute || cfg.Retry.MaxAttempts != 3 {
		t.Fatalf("unexpected session/retry defaults: %+v %+v", cfg.Session, cfg.Retry)
	}
	if cfg.Sink.Kind != "sqlite" || cfg.Cache.SummaryTTL != time.Minute {
		t.Fatalf("unexpected sink/cache defaults")
	}
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
server:
  address: ":6000"
sources:
  queryCatalog: configs/queries.yaml
  endpoints:
    lakebase:
      kind: postgres
      host: "{project}.db.example.com"
    api:
      kind: http
      http:
        baseURL: https://platform.example.com
drift:
  pairs:
    - source: {source: lakebase, table: orders}
      target: {source: api, table: orders_mirror}
      keyColumns: [id]
      timestampColumn: updated_at
operators:
  source: lakebase
  scopes: ["acme/production", " ", "beta"]
`)
	t.Setenv("OPSCORE_LOG_LEVEL", "debug")
	t.Setenv("OPSCORE_RETRY_MAX_ATTEMPTS", "5")
	t.Setenv("OPSCORE_CACHE_SUMMARY_TTL", "2m")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":6000" || cfg.Server.HTTPAddress != ":8080" {
		t.Fatalf("file values must layer over defaults: %+v", cfg.Server)
	}
	if cfg.Logging.Level != "debug" || cfg.Retry.MaxAttempts != 5 || cfg.Cache.SummaryTTL != 2*time.Minute {
		t.Fatalf("env overrides not applied")
	}
	if len(cfg.Drift.Pairs) != 1 || cfg.Drift.Pairs[0].Target.Table != "orders_mirror" || cfg.Drift.Pairs[0].KeyColumns[0] != "id" {
		t.Fatalf("unexpected pairs %+v", cfg.Drift.Pairs)
	}
	scopes := cfg.OperatorScopes()
	if len(scopes) != 2 || scopes[0].Branch != "production" || scopes[1].Project != "beta" {
		t.Fatalf("unexpected scopes %+v", scopes)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]struct {
		mutate func(*Config)
		want   string
	}{
		"log level": {func(c *Config) { c.Logging.Level = "verbose" }, "Level"},
		"attempts":  {func(c *Config) { c.Retry.MaxAttempts = 0 }, "MaxAttempts"},
		"warehouse": {func(c *Config) { c.Sink.Kind = "warehouse" }, "warehouseID"},
		"redis":     {func(c *Config) { c.Cache.Kind = "redis" }, "cache.addr"},
		"http source": {func(c *Config) {
			c.Sources.Endpoints = map[string]SourceConfig{"api": {Kind: "http"}}
		}, "http.baseURL"},
		"operators source": {func(c *Config) { c.Operators.Source = "missing" }, "operators.source"},
		"delays": {func(c *Config) { c.Retry.BaseDelay = time.Minute }, "baseDelay"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := defaultConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}
