package repo

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/lakeops/opscore/internal/models"
	"github.com/lakeops/opscore/internal/retry"
)

// PostgresConfig locates branch endpoints. Host may contain {project} and
// {branch} placeholders that are filled from the query scope.
type PostgresConfig struct {
	Host             string
	Port             int
	Database         string
	User             string
	Password         string
	SSLMode          string
	StatementTimeout time.Duration
	MaxOpenConns     int
	ConnMaxLifetime  time.Duration
}

// PostgresSource runs catalogued queries directly against branch databases.
// The session token is used as the connection password, so new connections
// always pick up the current credential.
type PostgresSource struct {
	cfg      PostgresConfig
	catalog  Catalog
	sessions SessionSource
	logger   *slog.Logger

	mu    sync.Mutex
	pools map[string]*sql.DB
}

// NewPostgresSource constructs a source. sessions may be nil when cfg.Password is set.
func NewPostgresSource(cfg PostgresConfig, catalog Catalog, sessions SessionSource, logger *slog.Logger) *PostgresSource {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Port == 0 {
		cfg.Port = 5432
	}
	if cfg.Database == "" {
		cfg.Database = "databricks_postgres"
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = "require"
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = time.Hour
	}
	return &PostgresSource{
		cfg:      cfg,
		catalog:  catalog,
		sessions: sessions,
		logger:   logger,
		pools:    make(map[string]*sql.DB),
	}
}

// RunQuery implements models.DataSource.
func (s *PostgresSource) RunQuery(ctx context.Context, scope models.Scope, queryID string, params map[string]any) ([]models.Row, error) {
	stmt, args, err := s.catalog.Render(queryID, params)
	if err != nil {
		return nil, err
	}
	db := s.pool(scope)

	rows, err := db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, classifyPQ(fmt.Errorf("query %s on %s: %w", queryID, scope, err))
	}
	defer rows.Close()

	out, err := scanRows(rows)
	if err != nil {
		return nil, classifyPQ(fmt.Errorf("query %s on %s: %w", queryID, scope, err))
	}
	return out, nil
}

// Close closes every branch pool.
func (s *PostgresSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for key, db := range s.pools {
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(s.pools, key)
	}
	return errors.Join(errs...)
}

func (s *PostgresSource) pool(scope models.Scope) *sql.DB {
	key := scope.String()
	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.pools[key]; ok {
		return db
	}
	db := sql.OpenDB(&tokenConnector{source: s, scope: scope})
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)
	s.pools[key] = db
	s.logger.Debug("opened branch pool", slog.String("scope", key))
	return db
}

func (s *PostgresSource) dsn(scope models.Scope, password string) string {
	host := strings.NewReplacer("{project}", scope.Project, "{branch}", firstNonEmpty(scope.Branch, "production")).Replace(s.cfg.Host)
	query := url.Values{}
	query.Set("sslmode", s.cfg.SSLMode)
	if s.cfg.StatementTimeout > 0 {
		query.Set("options", "-c statement_timeout="+strconv.FormatInt(s.cfg.StatementTimeout.Milliseconds(), 10))
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(s.cfg.User, password),
		Host:     net.JoinHostPort(host, strconv.Itoa(s.cfg.Port)),
		Path:     "/" + s.cfg.Database,
		RawQuery: query.Encode(),
	}
	return u.String()
}

// tokenConnector dials with the session token current at connect time.
type tokenConnector struct {
	source *PostgresSource
	scope  models.Scope
}

func (c *tokenConnector) Connect(ctx context.Context) (driver.Conn, error) {
	password := c.source.cfg.Password
	if c.source.sessions != nil {
		sess, err := c.source.sessions.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		password = sess.Token
	}
	connector, err := pq.NewConnector(c.source.dsn(c.scope, password))
	if err != nil {
		return nil, err
	}
	return connector.Connect(ctx)
}

func (c *tokenConnector) Driver() driver.Driver {
	return &pq.Driver{}
}

func scanRows(rows *sql.Rows) ([]models.Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := make([]models.Row, 0)
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(models.Row, len(cols))
		for i, col := range cols {
			switch v := values[i].(type) {
			case nil:
			case []byte:
				row[col] = string(v)
			default:
				row[col] = v
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// classifyPQ marks connection, resource and serialization failures as transient.
func classifyPQ(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, driver.ErrBadConn) {
		return retry.Transient(err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "53", "40":
			return retry.Transient(err)
		}
		switch pqErr.Code {
		case "57P01", "57P02", "57P03":
			return retry.Transient(err)
		}
	}
	return err
}
