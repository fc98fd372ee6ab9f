// github-events collects the public GitHub activity stream into a local
// store and serves aggregated metrics over HTTP.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/sparesparrow/github-events/internal/collector"
	"github.com/sparesparrow/github-events/internal/config"
	"github.com/sparesparrow/github-events/internal/github"
	"github.com/sparesparrow/github-events/internal/handler"
	"github.com/sparesparrow/github-events/internal/repository"
	"github.com/sparesparrow/github-events/internal/store"
	"github.com/sparesparrow/github-events/internal/telemetry"
	"github.com/sparesparrow/github-events/internal/viz"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// ── Configuration ──────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("configuration error", zap.Error(err))
	}

	telemetry.Register()

	// ── Store ──────────────────────────────────────────────────────────────
	st, err := openStore(cfg)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()

	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer initCancel()
	if err := st.Initialize(initCtx); err != nil {
		logger.Fatal("failed to initialize store", zap.Error(err))
	}
	logger.Info("store initialized",
		zap.String("backend", string(cfg.DatabaseBackend)),
		zap.String("path", cfg.DatabasePath),
	)

	// ── Upstream client & services ─────────────────────────────────────────
	ghClient := github.NewClient(cfg.GitHubToken, github.WithBaseURL(cfg.GitHubAPIURL))
	repo := repository.New(st.Reader())

	// ── Background collector (graceful shutdown via context) ───────────────
	collectorCtx, collectorCancel := context.WithCancel(context.Background())
	defer collectorCancel()

	coll := collector.New(ghClient, st, collector.Config{
		Interval:         cfg.PollInterval,
		Targets:          cfg.TargetRepos,
		Workers:          cfg.PollWorkers,
		CommitExtraction: cfg.CommitExtraction,
	}, logger)
	go coll.Run(collectorCtx)

	// ── HTTP Server ────────────────────────────────────────────────────────
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("HTTP request",
				zap.String("URI", v.URI),
				zap.Int("status", v.Status),
			)
			return nil
		},
	}))
	if len(cfg.CORSOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: cfg.CORSOrigins,
		}))
	}

	handler.RegisterRoutes(e, repo, coll, viz.NewRenderer(), logger)

	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.BindAddr()))
		if err := e.Start(cfg.BindAddr()); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failure", zap.Error(err))
		}
	}()

	// ── Graceful Shutdown ──────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	logger.Info("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}

	collectorCancel() // stop the polling loop; an in-flight write completes

	logger.Info("shut down cleanly")
}

// openStore constructs the configured store backend.
func openStore(cfg config.Config) (store.Store, error) {
	if cfg.DatabaseBackend == config.BackendBolt {
		var opts []store.BoltOption
		if cfg.CommitExtraction {
			opts = append(opts, store.WithBoltCommitExtraction())
		}
		return store.NewBoltStore(cfg.DatabasePath, opts...)
	}
	var opts []store.SQLiteOption
	if cfg.CommitExtraction {
		opts = append(opts, store.WithCommitExtraction())
	}
	return store.NewSQLiteStore(cfg.DatabasePath, opts...)
}
