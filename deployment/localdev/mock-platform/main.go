package main

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type queryRequest struct {
	QueryID   string         `json:"query_id"`
	ProjectID string         `json:"project_id"`
	BranchID  string         `json:"branch_id"`
	Params    map[string]any `json:"params"`
}

type branch struct {
	Name        string    `json:"name"`
	CreatedAt   time.Time `json:"created_at"`
	TTLSeconds  int64     `json:"ttl_seconds,omitempty"`
	IsProtected bool      `json:"is_protected"`
}

// platform keeps just enough state for idempotent actions and statement polling.
type platform struct {
	mu         sync.Mutex
	applied    map[string]map[string]any
	branches   map[string][]branch
	statements map[string]int
	deadlocks  atomic.Int64
}

type statementRequest struct {
	WarehouseID string `json:"warehouse_id"`
	Statement   string `json:"statement"`
	Parameters  []struct {
		Name  string  `json:"name"`
		Value *string `json:"value"`
	} `json:"parameters"`
}

func newPlatform() *platform {
	return &platform{
		applied:    make(map[string]map[string]any),
		branches:   make(map[string][]branch),
		statements: make(map[string]int),
	}
}

func (p *platform) routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Post("/oidc/v1/token", p.token)
	r.Post("/api/v1/query", p.query)
	r.Post("/api/v1/actions/{action}", p.action)
	r.Post("/api/2.0/sql/statements", p.submitStatement)
	r.Get("/api/2.0/sql/statements/{id}", p.pollStatement)
	return r
}

func main() {
	logger := log.New(log.Writer(), "platform-mock ", log.LstdFlags|log.Lmicroseconds)
	srv := &http.Server{
		Addr:    ":8080",
		Handler: logRequests(logger, newPlatform().routes()),
	}

	logger.Println("listening on :8080")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

func (p *platform) token(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := r.BasicAuth(); !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	writeJSON(w, map[string]any{
		"access_token": "mock-" + uuid.NewString(),
		"expires_in":   3600,
	})
}

func (p *platform) query(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	now := time.Now().UTC()

	var rows []map[string]any
	switch req.QueryID {
	case "database_stats":
		rows = []map[string]any{{
			"blks_hit": 98200, "blks_read": 1800, "deadlocks": p.deadlocks.Add(1), "replication_lag_seconds": 2.5,
		}}
	case "connection_stats":
		rows = []map[string]any{{"state": "active", "cnt": 12}, {"state": "idle", "cnt": 30}}
	case "table_health":
		rows = []map[string]any{
			{"relname": "orders", "n_live_tup": 120000, "n_dead_tup": 9000, "dead_ratio": 0.07},
			{"relname": "events", "n_live_tup": 50000, "n_dead_tup": 12000, "dead_ratio": 0.19},
		}
	case "vacuum_candidates":
		rows = []map[string]any{{"schemaname": "public", "relname": "events", "n_live_tup": 50000, "n_dead_tup": 12000}}
	case "lock_waits":
		rows = []map[string]any{{"max_wait_seconds": 1.2}}
	case "txid_age":
		rows = []map[string]any{{"max_xid_age": 180000000}}
	case "pg_stat_statements":
		rows = []map[string]any{
			{"queryid": "101", "query": "SELECT * FROM orders WHERE id = $1", "calls": 9000, "mean_exec_time": 1.4},
			{"queryid": "102", "query": "SELECT count(*) FROM events", "calls": 40, "mean_exec_time": 2400.0},
		}
	case "unused_indexes":
		rows = []map[string]any{{"schemaname": "public", "table_name": "orders", "index_name": "orders_legacy_idx", "index_size_bytes": 52428800}}
	case "duplicate_indexes":
		rows = []map[string]any{{"table_name": "orders", "index_a": "orders_customer_idx", "index_b": "orders_customer_idx2", "size_b": 8388608}}
	case "missing_indexes":
		rows = []map[string]any{{"table_name": "order_items", "column_name": "order_id", "constraint_name": "order_items_order_fk"}}
	case "idle_connections":
		rows = []map[string]any{{"pid": 4242, "usename": "app", "state": "idle in transaction"}}
	case "cold_rows":
		rows = []map[string]any{{"row_count": 1200}}
	case "table_stats":
		rows = []map[string]any{{"row_count": 120000, "max_ts": now.Add(-5 * time.Minute).Format(time.RFC3339)}}
	case "key_checksum":
		rows = []map[string]any{{"checksum": "5f2b9c1e"}}
	default:
		http.Error(w, "unknown query "+req.QueryID, http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]any{"rows": rows})
}

func (p *platform) action(w http.ResponseWriter, r *http.Request) {
	action := chi.URLParam(r, "action")
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	key := r.Header.Get("Idempotency-Key")

	p.mu.Lock()
	defer p.mu.Unlock()
	if prior, ok := p.applied[key]; ok && key != "" {
		writeJSON(w, prior)
		return
	}

	project, _ := body["project_id"].(string)
	resp := map[string]any{"action": action, "status": "applied"}
	switch action {
	case "create_project":
		resp["project_id"] = project
	case "create_branch":
		name, _ := body["branch"].(string)
		ttl, _ := body["ttl_seconds"].(float64)
		protected, _ := body["protected"].(bool)
		p.branches[project] = append(p.branches[project], branch{Name: name, CreatedAt: time.Now().UTC(), TTLSeconds: int64(ttl), IsProtected: protected})
		resp["branch"] = name
	case "list_branches":
		listed := append([]branch{{Name: "production", CreatedAt: time.Now().UTC().Add(-720 * time.Hour), IsProtected: true}}, p.branches[project]...)
		writeJSON(w, map[string]any{"branches": listed})
		return
	case "delete_branch":
		name, _ := body["branch"].(string)
		kept := p.branches[project][:0]
		for _, b := range p.branches[project] {
			if b.Name != name {
				kept = append(kept, b)
			}
		}
		p.branches[project] = kept
	case "vacuum":
		resp["dead_tuples_after"] = 0
	case "archive_cold_rows":
		resp["rows_archived"] = 1200
		resp["bytes_reclaimed"] = 4915200
	case "execute_ddl", "terminate_backends":
	default:
		http.Error(w, "unknown action "+action, http.StatusNotFound)
		return
	}
	if key != "" {
		p.applied[key] = resp
	}
	writeJSON(w, resp)
}

// Statements report PENDING once before succeeding so callers exercise polling.
func (p *platform) submitStatement(w http.ResponseWriter, r *http.Request) {
	var req statementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Statement == "" {
		http.Error(w, "statement is required", http.StatusBadRequest)
		return
	}
	id := uuid.NewString()
	p.mu.Lock()
	p.statements[id] = 0
	p.mu.Unlock()
	writeJSON(w, statementStatus(id, "PENDING"))
}

func (p *platform) pollStatement(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p.mu.Lock()
	polls, ok := p.statements[id]
	if ok {
		p.statements[id] = polls + 1
	}
	p.mu.Unlock()
	if !ok {
		http.Error(w, "unknown statement", http.StatusNotFound)
		return
	}
	writeJSON(w, statementStatus(id, "SUCCEEDED"))
}

func statementStatus(id, state string) map[string]any {
	return map[string]any{"statement_id": id, "status": map[string]any{"state": state}}
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
