package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/lakeops/opscore/internal/cache"
	"github.com/lakeops/opscore/internal/config"
	"github.com/lakeops/opscore/internal/dispatch"
	"github.com/lakeops/opscore/internal/drift"
	"github.com/lakeops/opscore/internal/engine"
	"github.com/lakeops/opscore/internal/events"
	"github.com/lakeops/opscore/internal/extractors"
	"github.com/lakeops/opscore/internal/gate"
	"github.com/lakeops/opscore/internal/operators"
	"github.com/lakeops/opscore/internal/registry"
	"github.com/lakeops/opscore/internal/repo"
	"github.com/lakeops/opscore/internal/retry"
	"github.com/lakeops/opscore/internal/scheduler"
	"github.com/lakeops/opscore/internal/services"
	"github.com/lakeops/opscore/internal/session"
	"github.com/lakeops/opscore/internal/store"
)

// application holds the long-lived components main needs after assembly.
type application struct {
	service   *services.CoordinatorService
	scheduler *scheduler.Scheduler
	cache     cache.Provider
	closers   []func() error
	logger    *slog.Logger
}

func (a *application) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", slog.Any("error", err))
		}
	}
}

func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*application, error) {
	app := &application{logger: logger}
	fail := func(err error) (*application, error) {
		app.close()
		return nil, err
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fail(err)
	}
	app.closers = append(app.closers, st.Close)

	policy := retry.Policy{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		BaseDelay:      cfg.Retry.BaseDelay,
		MaxDelay:       cfg.Retry.MaxDelay,
		AttemptTimeout: cfg.Retry.AttemptTimeout,
	}

	// Left as a nil interface when no identity provider is configured so that
	// downstream clients skip the bearer header.
	var sessions repo.SessionSource
	var dispatchSessions dispatch.SessionSource
	if cfg.Session.TokenURL != "" {
		provider := session.NewHTTPIdentityProvider(cfg.Session.TokenURL, cfg.Session.ClientID, cfg.Session.ClientSecret, cfg.Session.Scope, cfg.Session.Timeout)
		manager := session.NewManager(provider, cfg.Session.RefreshMargin, policy, logger)
		sessions, dispatchSessions = manager, manager
	}

	sources, closeSources, err := buildSources(cfg, sessions, logger)
	if err != nil {
		return fail(err)
	}
	app.closers = append(app.closers, closeSources)

	var sink operators.Sink = st.Sink()
	if cfg.Sink.Kind == "warehouse" {
		wh := cfg.Sink.Warehouse
		sink = repo.NewWarehouseSink(repo.WarehouseConfig{
			HTTP:         repo.HTTPConfig{BaseURL: wh.BaseURL, Timeout: wh.Timeout},
			WarehouseID:  wh.WarehouseID,
			Catalog:      wh.Catalog,
			Schema:       wh.Schema,
			PollInterval: wh.PollInterval,
			MaxWait:      wh.MaxWait,
		}, sessions)
	}

	provider, err := cache.Open(cfg.Cache.Kind, cache.RedisConfig{
		Addr:         cfg.Cache.Addr,
		Username:     cfg.Cache.Username,
		Password:     cfg.Cache.Password,
		DB:           cfg.Cache.DB,
		DialTimeout:  cfg.Cache.DialTimeout,
		ReadTimeout:  cfg.Cache.ReadTimeout,
		WriteTimeout: cfg.Cache.WriteTimeout,
		MaxRetries:   cfg.Cache.MaxRetries,
		TLS:          cfg.Cache.TLS,
	})
	if err != nil {
		logger.Warn("dashboard cache unavailable", slog.String("kind", cfg.Cache.Kind), slog.Any("error", err))
		provider = cache.NoopProvider{}
	}
	provider = cache.WithPrefix(provider, cfg.Cache.KeyPrefix)
	app.cache = provider
	app.closers = append(app.closers, provider.Close)

	bus := events.NewBus(policy, logger)
	app.closers = append(app.closers, func() error { bus.Close(); return nil })

	thresholds, err := buildThresholds(ctx, cfg, logger)
	if err != nil {
		return fail(err)
	}
	notifier := repo.NewWebhookNotifier(map[string]string{
		engine.ChannelSlack:     cfg.Alerts.SlackWebhook,
		engine.ChannelPagerDuty: cfg.Alerts.PagerDutyWebhook,
	}, cfg.Alerts.Timeout)
	router := engine.NewAlertRouter(notifier, cfg.Alerts.HistoryLimit, logger)
	pipeline := engine.NewPipeline(logger, thresholds, router, sink, bus, nil)

	validator := drift.New(drift.Config{
		Sources:   sources,
		History:   st.Verdicts(),
		Sink:      sink,
		Publisher: bus,
		Policy: drift.Policy{
			MaxStaleness: cfg.Drift.MaxStaleness,
			MaxDrift:     cfg.Drift.MaxDrift,
			Checksum:     cfg.Drift.Checksum,
		},
		Retry:  policy,
		Logger: logger,
	})

	var actions operators.Actions
	if cfg.Actions.BaseURL != "" {
		actions = repo.NewActionClient(httpConfig(cfg.Actions), sessions)
	}

	reg := registry.New()
	descs := operators.All(operators.Deps{
		Sources:   sources,
		Source:    cfg.Operators.Source,
		Actions:   actions,
		Sink:      sink,
		Publisher: bus,
		Metrics:   extractors.NewMetricExtractor(cfg.Operators.MaxConnections),
		Triage:    pipeline,
		Validator: validator,
		Pairs:     cfg.Drift.Pairs,
		Policy: operators.Policy{
			MaxIdle:      cfg.Operators.MaxIdle,
			BranchTTL:    cfg.Operators.BranchTTL,
			ColdDataDays: cfg.Operators.ColdDataDays,
			ColdTables:   cfg.Operators.ColdTables,
			VacuumTables: cfg.Operators.VacuumTables,
		},
		Logger: logger,
	})
	if err := reg.RegisterAll(descs...); err != nil {
		return fail(fmt.Errorf("register operations: %w", err))
	}

	approvals := gate.New(st.Approvals(), logger)
	dispatcher := dispatch.New(dispatch.Config{
		Catalog:   reg,
		Gate:      approvals,
		Sessions:  dispatchSessions,
		Results:   st.Results(),
		Policy:    policy,
		Publisher: bus,
		Logger:    logger,
	})
	sched := scheduler.New(dispatcher, cfg.Scheduler.Workers, cfg.Scheduler.QueueSize, logger)
	app.scheduler = sched
	pipeline.SetTrigger(sched)

	if cfg.Scheduler.Enabled {
		if err := operators.Schedule(sched, descs, cfg.OperatorScopes()); err != nil {
			return fail(fmt.Errorf("schedule operations: %w", err))
		}
	}
	unsubscribe := operators.Subscribe(bus, sched, logger)
	app.closers = append(app.closers, func() error { unsubscribe(); return nil })

	app.service = services.NewCoordinatorService(services.Config{
		Catalog:   reg,
		Runner:    sched,
		Runs:      dispatcher,
		Approvals: approvals,
		Alerts:    thresholds,
		History:   router,
		Verdicts:  st.Verdicts(),
		Results:   st.Results(),
		Publisher: bus,
		Logger:    logger,
	})

	logger.Info("coordinator assembled",
		slog.Int("operations", len(descs)),
		slog.Int("sources", len(sources)),
		slog.Int("pairs", len(cfg.Drift.Pairs)),
		slog.Bool("sessions", sessions != nil),
	)
	return app, nil
}

// buildSources constructs every configured data source. The returned closer
// releases Postgres pools.
func buildSources(cfg *config.Config, sessions repo.SessionSource, logger *slog.Logger) (repo.Sources, func() error, error) {
	sources := make(repo.Sources, len(cfg.Sources.Endpoints))
	var pools []*repo.PostgresSource
	closeAll := func() error {
		var errs []error
		for _, p := range pools {
			errs = append(errs, p.Close())
		}
		return errors.Join(errs...)
	}

	var catalog repo.Catalog
	for name, src := range cfg.Sources.Endpoints {
		switch src.Kind {
		case "http":
			sources[name] = repo.NewQueryClient(httpConfig(src.HTTP), sessions)
		case "postgres":
			if catalog == nil {
				loaded, err := repo.LoadCatalog(cfg.Sources.QueryCatalog)
				if err != nil {
					_ = closeAll()
					return nil, nil, fmt.Errorf("load query catalog: %w", err)
				}
				catalog = loaded
			}
			pg := repo.NewPostgresSource(repo.PostgresConfig{
				Host:             src.Host,
				Port:             src.Port,
				Database:         src.Database,
				User:             src.User,
				Password:         src.Password,
				SSLMode:          src.SSLMode,
				StatementTimeout: src.StatementTimeout,
				MaxOpenConns:     src.MaxOpenConns,
			}, catalog, sessions, logger.With(slog.String("source", name)))
			pools = append(pools, pg)
			sources[name] = pg
		}
	}
	return sources, closeAll, nil
}

// buildThresholds loads the rule pack, falling back to the built-in rules when
// the file is absent, and watches it for edits when it exists.
func buildThresholds(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*engine.ThresholdEngine, error) {
	path := cfg.Thresholds.RulesPath
	pack, err := engine.LoadRulePack(path)
	if err != nil {
		return nil, fmt.Errorf("load threshold rules: %w", err)
	}
	clearWindow := cfg.Thresholds.ClearWindow
	if pack.ClearWindow > 0 {
		clearWindow = pack.ClearWindow
	}

	eng, err := engine.NewThresholdEngine(pack.Rules, clearWindow, logger)
	if err != nil {
		return nil, err
	}
	if path == "" || !cfg.Thresholds.Watch {
		return eng, nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		logger.Warn("threshold rule pack not found, using built-in rules", slog.String("path", path))
		return eng, nil
	}
	if err := eng.Watch(ctx, path); err != nil {
		logger.Warn("threshold rule watch disabled", slog.Any("error", err))
	}
	return eng, nil
}

func httpConfig(c config.HTTPClientConfig) repo.HTTPConfig {
	return repo.HTTPConfig{
		BaseURL:   c.BaseURL,
		Path:      c.Path,
		Timeout:   c.Timeout,
		RateLimit: c.RateLimit,
		Burst:     c.Burst,
	}
}
