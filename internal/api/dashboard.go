package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lakeops/opscore/internal/cache"
	"github.com/lakeops/opscore/internal/services"
)

const (
	summaryCacheKey    = "opscore:dashboard:summary"
	operationsCacheKey = "opscore:dashboard:operations"
)

// DashboardConfig sets how long read-mostly views are cached.
type DashboardConfig struct {
	SummaryTTL    time.Duration
	OperationsTTL time.Duration
}

// Dashboard serves the read-only HTTP API for the operations dashboard.
type Dashboard struct {
	svc    *services.CoordinatorService
	cache  cache.Provider
	cfg    DashboardConfig
	logger *slog.Logger
}

// NewDashboard constructs the dashboard API. A nil provider disables caching.
func NewDashboard(svc *services.CoordinatorService, provider cache.Provider, cfg DashboardConfig, logger *slog.Logger) *Dashboard {
	if provider == nil {
		provider = cache.NoopProvider{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SummaryTTL <= 0 {
		cfg.SummaryTTL = time.Minute
	}
	if cfg.OperationsTTL <= 0 {
		cfg.OperationsTTL = 5 * time.Minute
	}
	return &Dashboard{svc: svc, cache: provider, cfg: cfg, logger: logger}
}

// Routes returns the dashboard router.
func (d *Dashboard) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		d.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/operations", d.operations)
		r.Get("/runs", d.runs)
		r.Get("/alerts/{metric}", d.alert)
		r.Get("/verdicts", d.verdict)
		r.Get("/summary", d.summary)
	})
	return r
}

func (d *Dashboard) operations(w http.ResponseWriter, r *http.Request) {
	ops, err := cache.Remember(r.Context(), d.cache, operationsCacheKey, d.cfg.OperationsTTL, func(ctx context.Context) ([]services.OperationInfo, error) {
		return d.svc.ListOperations(ctx)
	})
	if err != nil {
		d.writeError(w, r, err)
		return
	}
	d.writeJSON(w, http.StatusOK, map[string]any{"operations": ops})
}

func (d *Dashboard) runs(w http.ResponseWriter, r *http.Request) {
	var ids []string
	for _, raw := range r.URL.Query()["id"] {
		ids = append(ids, strings.Split(raw, ",")...)
	}
	statuses, err := d.svc.GetRunStatus(r.Context(), ids)
	if err != nil {
		d.writeError(w, r, err)
		return
	}
	d.writeJSON(w, http.StatusOK, map[string]any{"statuses": statuses})
}

func (d *Dashboard) alert(w http.ResponseWriter, r *http.Request) {
	state, err := d.svc.GetAlertState(r.Context(), chi.URLParam(r, "metric"), r.URL.Query().Get("scope"))
	if err != nil {
		d.writeError(w, r, err)
		return
	}
	d.writeJSON(w, http.StatusOK, state)
}

func (d *Dashboard) verdict(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	verdict, err := d.svc.GetValidationVerdict(r.Context(), q.Get("source"), q.Get("target"))
	if err != nil {
		d.writeError(w, r, err)
		return
	}
	d.writeJSON(w, http.StatusOK, verdict)
}

func (d *Dashboard) summary(w http.ResponseWriter, r *http.Request) {
	sum, err := cache.Remember(r.Context(), d.cache, summaryCacheKey, d.cfg.SummaryTTL, d.svc.Summary)
	if err != nil {
		d.writeError(w, r, err)
		return
	}
	d.writeJSON(w, http.StatusOK, sum)
}

func (d *Dashboard) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		d.logger.Warn("encode dashboard response failed", slog.Any("error", err))
	}
}

func (d *Dashboard) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := HTTPStatus(err)
	if code >= http.StatusInternalServerError {
		d.logger.Error("dashboard request failed",
			slog.String("path", r.URL.Path),
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.Any("error", err),
		)
	}
	d.writeJSON(w, code, map[string]string{"error": err.Error()})
}
