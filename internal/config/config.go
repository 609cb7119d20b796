package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/lakeops/opscore/internal/models"
)

// Config captures every setting required to boot the coordination service.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Session    SessionConfig    `yaml:"session"`
	Retry      RetryConfig      `yaml:"retry"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Store      StoreConfig      `yaml:"store"`
	Sink       SinkConfig       `yaml:"sink"`
	Sources    SourcesConfig    `yaml:"sources"`
	Actions    HTTPClientConfig `yaml:"actions"`
	Drift      DriftConfig      `yaml:"drift"`
	Thresholds ThresholdsConfig `yaml:"thresholds"`
	Alerts     AlertsConfig     `yaml:"alerts"`
	Cache      CacheConfig      `yaml:"cache"`
	Operators  OperatorsConfig  `yaml:"operators"`
}

// ServerConfig controls the gRPC, dashboard and metrics listeners.
type ServerConfig struct {
	Address         string        `yaml:"address" validate:"required"`
	HTTPAddress     string        `yaml:"httpAddress"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// TelemetryConfig selects the trace exporter.
type TelemetryConfig struct {
	Exporter    string `yaml:"exporter" validate:"oneof=none stdout"`
	ServiceName string `yaml:"serviceName" validate:"required"`
}

// SessionConfig configures the identity provider behind the platform credential.
type SessionConfig struct {
	TokenURL      string        `yaml:"tokenURL" validate:"omitempty,url"`
	ClientID      string        `yaml:"clientID"`
	ClientSecret  string        `yaml:"clientSecret"`
	Scope         string        `yaml:"scope"`
	RefreshMargin time.Duration `yaml:"refreshMargin"`
	Timeout       time.Duration `yaml:"timeout"`
}

// RetryConfig is the shared retry policy.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"maxAttempts" validate:"min=1,max=10"`
	BaseDelay      time.Duration `yaml:"baseDelay"`
	MaxDelay       time.Duration `yaml:"maxDelay"`
	AttemptTimeout time.Duration `yaml:"attemptTimeout"`
}

// SchedulerConfig sizes the worker pool.
type SchedulerConfig struct {
	Enabled   bool `yaml:"enabled"`
	Workers   int  `yaml:"workers" validate:"min=1,max=64"`
	QueueSize int  `yaml:"queueSize" validate:"min=1"`
}

// StoreConfig locates the embedded SQLite database.
type StoreConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// SinkConfig selects the analytics sink.
type SinkConfig struct {
	Kind      string          `yaml:"kind" validate:"oneof=sqlite warehouse"`
	Warehouse WarehouseConfig `yaml:"warehouse"`
}

// WarehouseConfig points at the SQL statement execution API.
type WarehouseConfig struct {
	BaseURL      string        `yaml:"baseURL" validate:"omitempty,url"`
	WarehouseID  string        `yaml:"warehouseID"`
	Catalog      string        `yaml:"catalog"`
	Schema       string        `yaml:"schema"`
	Timeout      time.Duration `yaml:"timeout"`
	PollInterval time.Duration `yaml:"pollInterval"`
	MaxWait      time.Duration `yaml:"maxWait"`
}

// HTTPClientConfig configures an outbound HTTP collaborator.
type HTTPClientConfig struct {
	BaseURL   string        `yaml:"baseURL" validate:"omitempty,url"`
	Path      string        `yaml:"path"`
	Timeout   time.Duration `yaml:"timeout"`
	RateLimit float64       `yaml:"rateLimit" validate:"gte=0"`
	Burst     int           `yaml:"burst" validate:"gte=0"`
}

// SourcesConfig names the data sources queries can run against.
type SourcesConfig struct {
	QueryCatalog string                  `yaml:"queryCatalog"`
	Endpoints    map[string]SourceConfig `yaml:"endpoints" validate:"dive"`
}

// SourceConfig is one named data source: an HTTP query API or a direct Postgres connection.
type SourceConfig struct {
	Kind             string           `yaml:"kind" validate:"oneof=http postgres"`
	HTTP             HTTPClientConfig `yaml:"http"`
	Host             string           `yaml:"host"`
	Port             int              `yaml:"port" validate:"gte=0,lte=65535"`
	Database         string           `yaml:"database"`
	User             string           `yaml:"user"`
	Password         string           `yaml:"password"`
	SSLMode          string           `yaml:"sslmode" validate:"omitempty,oneof=disable allow prefer require verify-ca verify-full"`
	StatementTimeout time.Duration    `yaml:"statementTimeout"`
	MaxOpenConns     int              `yaml:"maxOpenConns" validate:"gte=0"`
}

// DriftConfig lists the table pairs validated by the health operator.
type DriftConfig struct {
	MaxStaleness time.Duration      `yaml:"maxStaleness"`
	MaxDrift     int64              `yaml:"maxDrift" validate:"gte=0"`
	Checksum     bool               `yaml:"checksum"`
	Pairs        []models.TablePair `yaml:"pairs"`
}

// ThresholdsConfig locates the alert rule pack.
type ThresholdsConfig struct {
	RulesPath   string `yaml:"rulesPath"`
	ClearWindow int    `yaml:"clearWindow" validate:"min=1"`
	Watch       bool   `yaml:"watch"`
}

// AlertsConfig controls alert routing.
type AlertsConfig struct {
	HistoryLimit     int           `yaml:"historyLimit" validate:"gte=0"`
	SlackWebhook     string        `yaml:"slackWebhook" validate:"omitempty,url"`
	PagerDutyWebhook string        `yaml:"pagerDutyWebhook" validate:"omitempty,url"`
	Timeout          time.Duration `yaml:"timeout"`
}

// CacheConfig controls caching of dashboard summaries.
type CacheConfig struct {
	Kind          string        `yaml:"kind" validate:"oneof=none memory redis"`
	Addr          string        `yaml:"addr"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	DB            int           `yaml:"db" validate:"gte=0"`
	DialTimeout   time.Duration `yaml:"dialTimeout"`
	ReadTimeout   time.Duration `yaml:"readTimeout"`
	WriteTimeout  time.Duration `yaml:"writeTimeout"`
	MaxRetries    int           `yaml:"maxRetries"`
	TLS           bool          `yaml:"tls"`
	KeyPrefix     string        `yaml:"keyPrefix"`
	SummaryTTL    time.Duration `yaml:"summaryTTL"`
	OperationsTTL time.Duration `yaml:"operationsTTL"`
}

// OperatorsConfig tunes the built-in operators.
type OperatorsConfig struct {
	Scopes         []string      `yaml:"scopes"`
	Source         string        `yaml:"source"`
	MaxConnections int           `yaml:"maxConnections" validate:"gte=0"`
	MaxIdle        time.Duration `yaml:"maxIdle"`
	BranchTTL      time.Duration `yaml:"branchTTL"`
	ColdDataDays   int           `yaml:"coldDataDays" validate:"gte=0"`
	ColdTables     []string      `yaml:"coldTables"`
	VacuumTables   []string      `yaml:"vacuumTables"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("OPSCORE_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New()

// Validate checks field constraints and the cross references between sections.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Sink.Kind == "warehouse" && (c.Sink.Warehouse.BaseURL == "" || c.Sink.Warehouse.WarehouseID == "") {
		return errors.New("invalid config: sink.warehouse.baseURL and warehouseID are required for the warehouse sink")
	}
	if c.Cache.Kind == "redis" && c.Cache.Addr == "" {
		return errors.New("invalid config: cache.addr is required for the redis cache")
	}
	for name, src := range c.Sources.Endpoints {
		switch src.Kind {
		case "http":
			if src.HTTP.BaseURL == "" {
				return fmt.Errorf("invalid config: source %s: http.baseURL is required", name)
			}
		case "postgres":
			if src.Host == "" {
				return fmt.Errorf("invalid config: source %s: host is required", name)
			}
			if c.Sources.QueryCatalog == "" {
				return fmt.Errorf("invalid config: source %s: sources.queryCatalog is required for postgres sources", name)
			}
		}
	}
	if c.Operators.Source != "" {
		if _, ok := c.Sources.Endpoints[c.Operators.Source]; !ok {
			return fmt.Errorf("invalid config: operators.source %q is not a configured source", c.Operators.Source)
		}
	}
	for i, pair := range c.Drift.Pairs {
		for _, ref := range []models.TableRef{pair.Source, pair.Target} {
			if ref.Table == "" {
				return fmt.Errorf("invalid config: drift pair %d: table is required", i)
			}
			if _, ok := c.Sources.Endpoints[ref.Source]; !ok {
				return fmt.Errorf("invalid config: drift pair %d: unknown source %q", i, ref.Source)
			}
		}
	}
	if c.Retry.MaxDelay > 0 && c.Retry.BaseDelay > c.Retry.MaxDelay {
		return errors.New("invalid config: retry.baseDelay exceeds retry.maxDelay")
	}
	return nil
}

// OperatorScopes parses operators.scopes ("project" or "project/branch").
func (c *Config) OperatorScopes() []models.Scope {
	out := make([]models.Scope, 0, len(c.Operators.Scopes))
	for _, s := range c.Operators.Scopes {
		if strings.TrimSpace(s) == "" {
			continue
		}
		out = append(out, models.ParseScope(strings.TrimSpace(s)))
	}
	return out
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":50051",
			HTTPAddress:     ":8080",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Logging:   LoggingConfig{Level: "info", JSON: false},
		Telemetry: TelemetryConfig{Exporter: "none", ServiceName: "opscore"},
		Session: SessionConfig{
			RefreshMargin: 10 * time.Minute,
			Timeout:       30 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts:    3,
			BaseDelay:      500 * time.Millisecond,
			MaxDelay:       30 * time.Second,
			AttemptTimeout: 2 * time.Minute,
		},
		Scheduler: SchedulerConfig{Enabled: true, Workers: 4, QueueSize: 32},
		Store:     StoreConfig{Path: "data/opscore.db"},
		Sink: SinkConfig{
			Kind: "sqlite",
			Warehouse: WarehouseConfig{
				Catalog:      "ops_catalog",
				Schema:       "lakebase_ops",
				Timeout:      2 * time.Minute,
				PollInterval: 2 * time.Second,
				MaxWait:      2 * time.Minute,
			},
		},
		Sources: SourcesConfig{QueryCatalog: "configs/queries.yaml"},
		Actions: HTTPClientConfig{Timeout: 30 * time.Second},
		Drift: DriftConfig{
			MaxStaleness: time.Hour,
			MaxDrift:     1000,
			Checksum:     true,
		},
		Thresholds: ThresholdsConfig{RulesPath: "configs/thresholds.yaml", ClearWindow: 3, Watch: true},
		Alerts:     AlertsConfig{HistoryLimit: 1000, Timeout: 5 * time.Second},
		Cache: CacheConfig{
			Kind:          "memory",
			KeyPrefix:     "opscore:",
			DialTimeout:   2 * time.Second,
			ReadTimeout:   500 * time.Millisecond,
			WriteTimeout:  500 * time.Millisecond,
			MaxRetries:    2,
			SummaryTTL:    60 * time.Second,
			OperationsTTL: 300 * time.Second,
		},
		Operators: OperatorsConfig{
			MaxConnections: 100,
			MaxIdle:        30 * time.Minute,
			BranchTTL:      72 * time.Hour,
			ColdDataDays:   90,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OPSCORE_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("OPSCORE_HTTP_ADDRESS"); v != "" {
		cfg.Server.HTTPAddress = v
	}
	if v := os.Getenv("OPSCORE_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("OPSCORE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("OPSCORE_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("OPSCORE_TRACE_EXPORTER"); v != "" {
		cfg.Telemetry.Exporter = v
	}
	if v := os.Getenv("OPSCORE_TOKEN_URL"); v != "" {
		cfg.Session.TokenURL = v
	}
	if v := os.Getenv("OPSCORE_CLIENT_ID"); v != "" {
		cfg.Session.ClientID = v
	}
	if v := os.Getenv("OPSCORE_CLIENT_SECRET"); v != "" {
		cfg.Session.ClientSecret = v
	}
	if v := os.Getenv("OPSCORE_REFRESH_MARGIN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Session.RefreshMargin = d
		}
	}
	if v := os.Getenv("OPSCORE_RETRY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retry.MaxAttempts = n
		}
	}
	if v := os.Getenv("OPSCORE_SCHEDULER_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Scheduler.Workers = n
		}
	}
	if v := os.Getenv("OPSCORE_SCHEDULER_ENABLED"); v != "" {
		cfg.Scheduler.Enabled = parseBool(v)
	}
	if v := os.Getenv("OPSCORE_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("OPSCORE_SINK_KIND"); v != "" {
		cfg.Sink.Kind = v
	}
	if v := os.Getenv("OPSCORE_WAREHOUSE_URL"); v != "" {
		cfg.Sink.Warehouse.BaseURL = v
	}
	if v := os.Getenv("OPSCORE_WAREHOUSE_ID"); v != "" {
		cfg.Sink.Warehouse.WarehouseID = v
	}
	if v := os.Getenv("OPSCORE_QUERY_CATALOG"); v != "" {
		cfg.Sources.QueryCatalog = v
	}
	if v := os.Getenv("OPSCORE_ACTIONS_URL"); v != "" {
		cfg.Actions.BaseURL = v
	}
	if v := os.Getenv("OPSCORE_THRESHOLDS_PATH"); v != "" {
		cfg.Thresholds.RulesPath = v
	}
	if v := os.Getenv("OPSCORE_SLACK_WEBHOOK"); v != "" {
		cfg.Alerts.SlackWebhook = v
	}
	if v := os.Getenv("OPSCORE_PAGERDUTY_WEBHOOK"); v != "" {
		cfg.Alerts.PagerDutyWebhook = v
	}
	if v := os.Getenv("OPSCORE_CACHE_KIND"); v != "" {
		cfg.Cache.Kind = v
	}
	if v := os.Getenv("OPSCORE_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("OPSCORE_CACHE_USERNAME"); v != "" {
		cfg.Cache.Username = v
	}
	if v := os.Getenv("OPSCORE_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("OPSCORE_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("OPSCORE_CACHE_TLS"); parseBool(v) {
		cfg.Cache.TLS = true
	}
	if v := os.Getenv("OPSCORE_CACHE_SUMMARY_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.SummaryTTL = d
		}
	}
	if v := os.Getenv("OPSCORE_SCOPES"); v != "" {
		cfg.Operators.Scopes = strings.Split(v, ",")
	}
}

func parseBool(v string) bool {
	return strings.EqualFold(v, "true") || v == "1"
}
