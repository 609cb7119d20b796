package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lakeops/opscore/internal/api"
	"github.com/lakeops/opscore/internal/config"
	"github.com/lakeops/opscore/internal/metrics"
	"github.com/lakeops/opscore/internal/telemetry"
	"github.com/lakeops/opscore/internal/utils"
)

var version = "dev"

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting opscore",
		slog.String("version", version),
		slog.String("address", cfg.Server.Address),
		slog.String("sink", cfg.Sink.Kind),
	)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     version,
		Exporter:    cfg.Telemetry.Exporter,
	})
	if err != nil {
		logger.Error("failed to initialise tracing", slog.Any("error", err))
		os.Exit(1)
	}

	app, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to assemble coordinator", slog.Any("error", err))
		os.Exit(1)
	}
	defer app.close()

	server, err := api.NewServer(cfg.Server, api.NewHandler(app.service, logger), api.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create gRPC server", slog.Any("error", err))
		os.Exit(1)
	}

	var httpServers []*http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		httpServers = append(httpServers, serveHTTP(logger, "metrics", cfg.Server.MetricsAddress, mux, stop))
	}
	if cfg.Server.HTTPAddress != "" {
		dashboard := api.NewDashboard(app.service, app.cache, api.DashboardConfig{
			SummaryTTL:    cfg.Cache.SummaryTTL,
			OperationsTTL: cfg.Cache.OperationsTTL,
		}, logger)
		httpServers = append(httpServers, serveHTTP(logger, "dashboard", cfg.Server.HTTPAddress, dashboard.Routes(), stop))
	}

	go func() {
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("gRPC server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	if cfg.Scheduler.Enabled {
		app.scheduler.Start(ctx)
		logger.Info("scheduler started", slog.Int("entries", len(app.scheduler.Entries())))
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	server.Shutdown(shutdownCtx)
	app.scheduler.Stop()

	for _, srv := range httpServers {
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("http server shutdown", slog.String("address", srv.Addr), slog.Any("error", err))
		}
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("trace flush failed", slog.Any("error", err))
	}

	// Give remaining goroutines time to finish logging
	time.Sleep(100 * time.Millisecond)
	logger.Info("opscore stopped")
}

func serveHTTP(logger *slog.Logger, name, addr string, handler http.Handler, stop func()) *http.Server {
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	go func() {
		logger.Info(name+" server listening", slog.String("address", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(name+" server exited", slog.Any("error", err))
			stop()
		}
	}()
	return srv
}
