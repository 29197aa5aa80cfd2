package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fpetran/cora/internal/app"
	"github.com/fpetran/cora/internal/config"
	"github.com/fpetran/cora/internal/events"
	"github.com/fpetran/cora/internal/logging"
	"github.com/fpetran/cora/internal/metrics"
	"github.com/fpetran/cora/internal/search"
	"github.com/fpetran/cora/internal/store"
)

func main() {
	cfg := config.Load()
	logger := logging.New(os.Stderr, cfg.LogLevel)
	ctx := context.Background()

	db, dialect, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, dialect, store.MigrationsDir(cfg.MigrationsDir, dialect)); err != nil {
		logger.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	observer, err := metrics.New(registry)
	if err != nil {
		logger.Error("metrics registration failed", "error", err)
		os.Exit(1)
	}

	dataStore := store.New(db, dialect,
		store.WithLogger(logger),
		store.WithObserver(observer),
		store.WithLimits(store.Limits{
			MaxStatementBytes: cfg.MaxStatementBytes,
			MaxParams:         cfg.MaxStatementParams,
		}),
	)

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logging.Module(logger, "search"))
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, search.NewSQL(db, dialect), logging.Module(logger, "search"))

	opts := []app.Option{app.WithLogger(logger), app.WithSearch(searchService)}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		publisher, err := events.NewRedisPublisher(cfg.RedisURL)
		if err != nil {
			logger.Error("redis connection failed", "error", err)
			os.Exit(1)
		}
		defer publisher.Close()
		logger.Info("publishing lock events to redis", "channel", events.DefaultChannel)
		opts = append(opts, app.WithEvents(publisher))
	}
	service := app.New(cfg, dataStore, opts...)

	go searchService.ReindexAll(ctx)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin,
		app.WithRequestLogger(logger),
		app.WithMetrics(promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), observer),
	)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("CorA API listening", "addr", cfg.Addr, "dialect", dialect)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}
