package repo

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lakeops/opscore/internal/models"
)

const statementsPath = "/api/2.0/sql/statements"

// WarehouseConfig points the sink at a SQL warehouse.
type WarehouseConfig struct {
	HTTP         HTTPConfig
	WarehouseID  string
	Catalog      string
	Schema       string
	PollInterval time.Duration
	MaxWait      time.Duration
}

// WarehouseSink appends rows to analytics tables through the statement execution API.
type WarehouseSink struct {
	rest restClient
	cfg  WarehouseConfig
}

// NewWarehouseSink constructs the sink.
func NewWarehouseSink(cfg WarehouseConfig, sessions SessionSource) *WarehouseSink {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 2 * time.Minute
	}
	if cfg.Catalog == "" {
		cfg.Catalog = "ops_catalog"
	}
	if cfg.Schema == "" {
		cfg.Schema = "lakebase_ops"
	}
	return &WarehouseSink{rest: newRESTClient("warehouse", cfg.HTTP, sessions), cfg: cfg}
}

type statementParam struct {
	Name  string  `json:"name"`
	Value *string `json:"value"`
	Type  string  `json:"type,omitempty"`
}

type statementRequest struct {
	WarehouseID string           `json:"warehouse_id"`
	Statement   string           `json:"statement"`
	Parameters  []statementParam `json:"parameters,omitempty"`
	WaitTimeout string           `json:"wait_timeout"`
	Disposition string           `json:"disposition"`
	Format      string           `json:"format"`
}

type statementResponse struct {
	StatementID string `json:"statement_id"`
	Status      struct {
		State string `json:"state"`
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	} `json:"status"`
}

// Append writes rows to table as one INSERT statement.
func (w *WarehouseSink) Append(ctx context.Context, table string, rows []models.Row) error {
	if err := models.ValidateRows(table, rows); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	if w.rest.baseURL == "" || w.cfg.WarehouseID == "" {
		return fmt.Errorf("warehouse sink not configured")
	}

	stmt, params := w.insertStatement(table, rows)
	req := statementRequest{
		WarehouseID: w.cfg.WarehouseID,
		Statement:   stmt,
		Parameters:  params,
		WaitTimeout: "30s",
		Disposition: "INLINE",
		Format:      "JSON_ARRAY",
	}
	var resp statementResponse
	if err := w.rest.doJSON(ctx, http.MethodPost, w.rest.resolvePath(statementsPath), req, &resp, nil); err != nil {
		return fmt.Errorf("warehouse %s: %w", table, err)
	}
	return w.await(ctx, table, resp)
}

// await polls a statement until it reaches a terminal state.
func (w *WarehouseSink) await(ctx context.Context, table string, resp statementResponse) error {
	deadline := time.Now().Add(w.cfg.MaxWait)
	for {
		switch resp.Status.State {
		case "SUCCEEDED":
			return nil
		case "FAILED", "CANCELED", "CLOSED":
			return fmt.Errorf("warehouse %s: statement %s %s: %s", table, resp.StatementID,
				strings.ToLower(resp.Status.State), resp.Status.Error.Message)
		}
		if resp.StatementID == "" {
			return fmt.Errorf("warehouse %s: statement state %q without id", table, resp.Status.State)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("warehouse %s: statement %s still %s after %s", table, resp.StatementID, resp.Status.State, w.cfg.MaxWait)
		}

		timer := time.NewTimer(w.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		next := statementResponse{}
		if err := w.rest.doJSON(ctx, http.MethodGet, w.rest.resolvePath(statementsPath+"/"+resp.StatementID), nil, &next, nil); err != nil {
			return fmt.Errorf("warehouse %s: poll: %w", table, err)
		}
		resp = next
	}
}

func (w *WarehouseSink) insertStatement(table string, rows []models.Row) (string, []statementParam) {
	seen := make(map[string]struct{})
	for _, row := range rows {
		for col := range row {
			seen[col] = struct{}{}
		}
	}
	cols := make([]string, 0, len(seen))
	for col := range seen {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	quoted := make([]string, len(cols))
	for i, col := range cols {
		quoted[i] = "`" + col + "`"
	}

	params := make([]statementParam, 0, len(rows)*len(cols))
	tuples := make([]string, 0, len(rows))
	for i, row := range rows {
		markers := make([]string, len(cols))
		for j, col := range cols {
			name := fmt.Sprintf("p%d_%d", i, j)
			markers[j] = ":" + name
			value, kind := warehouseValue(row[col])
			params = append(params, statementParam{Name: name, Value: value, Type: kind})
		}
		tuples = append(tuples, "("+strings.Join(markers, ", ")+")")
	}

	target := fmt.Sprintf("`%s`.`%s`.`%s`", w.cfg.Catalog, w.cfg.Schema, table)
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s", target, strings.Join(quoted, ", "), strings.Join(tuples, ", "))
	return stmt, params
}

func warehouseValue(v any) (*string, string) {
	var s, kind string
	switch t := v.(type) {
	case nil:
		return nil, ""
	case string:
		s, kind = t, "STRING"
	case bool:
		s, kind = strconv.FormatBool(t), "BOOLEAN"
	case int:
		s, kind = strconv.Itoa(t), "BIGINT"
	case int64:
		s, kind = strconv.FormatInt(t, 10), "BIGINT"
	case float64:
		s, kind = strconv.FormatFloat(t, 'f', -1, 64), "DOUBLE"
	case time.Time:
		s, kind = t.UTC().Format(time.RFC3339Nano), "TIMESTAMP"
	case []string:
		s, kind = strings.Join(t, ","), "STRING"
	default:
		s, kind = fmt.Sprint(t), "STRING"
	}
	return &s, kind
}
