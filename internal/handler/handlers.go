// Package handler mounts the HTTP query surface. Every route is a thin
// adapter: validate parameters, call the repository (or the collector for
// /collect, the renderer for /visualization), serialise the result. No route
// computes anything of its own.
package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/sparesparrow/github-events/internal/collector"
	"github.com/sparesparrow/github-events/internal/repository"
	"github.com/sparesparrow/github-events/internal/telemetry"
	"github.com/sparesparrow/github-events/internal/viz"
)

// RegisterRoutes mounts all endpoints onto the Echo instance. Kept separate
// from main.go so the full surface is testable against stubs.
func RegisterRoutes(
	e *echo.Echo,
	repo repository.Repository,
	ing collector.Ingestor,
	renderer viz.Renderer,
	logger *zap.Logger,
) {
	e.Use(requestMetrics())

	e.GET("/health", healthHandler(repo))
	e.POST("/collect", collectHandler(ing, logger))

	// ── Metrics ────────────────────────────────────────────────────────────
	mg := e.Group("/metrics")
	mg.GET("/event-counts", eventCountsHandler(repo, logger))
	mg.GET("/pr-interval", prIntervalHandler(repo, logger))
	mg.GET("/repository-activity", repositoryActivityHandler(repo, logger))
	mg.GET("/trending", trendingHandler(repo, logger))
	mg.GET("/event-counts-timeseries", timeseriesHandler(repo, logger))

	// ── Visualization ──────────────────────────────────────────────────────
	e.GET("/visualization/trending-chart", trendingChartHandler(repo, renderer, logger))

	// Prometheus exposition, separate from the /metrics query namespace.
	e.GET("/prometheus", echo.WrapHandler(telemetry.Handler()))
}

// requestMetrics counts requests by route and status.
func requestMetrics() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			telemetry.HTTPRequestsTotal.
				WithLabelValues(c.Path(), strconv.Itoa(c.Response().Status)).
				Inc()
			return err
		}
	}
}

// ── shared helpers ────────────────────────────────────────────────────────

func errResp(msg string) map[string]string {
	return map[string]string{"error": msg}
}

func errRespField(msg, field string) map[string]string {
	return map[string]string{"error": msg, "field": field}
}

// intParam parses an optional integer query parameter with a default and an
// inclusive range. A violation is reported as a 400 by the caller.
func intParam(c echo.Context, name string, def, min, max int) (int, bool) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < min || n > max {
		return 0, false
	}
	return n, true
}

// repoParam validates the required repo query parameter ("owner/name").
func repoParam(c echo.Context) (string, bool) {
	repo := c.QueryParam("repo")
	if repo == "" || strings.Count(repo, "/") != 1 {
		return "", false
	}
	return repo, true
}

// ── handlers ──────────────────────────────────────────────────────────────

func healthHandler(repo repository.Repository) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()

		total, err := repo.EventTotal(ctx)
		if err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		}
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status": "ok",
			"events": total,
		})
	}
}

func collectHandler(ing collector.Ingestor, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		limit, ok := intParam(c, "limit", 100, 1, 1000)
		if !ok {
			return c.JSON(http.StatusBadRequest, errRespField("limit must be an integer in 1..1000", "limit"))
		}
		inserted, err := ing.CollectOnce(c.Request().Context(), limit)
		if err != nil {
			logger.Error("manual collect failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, errResp("collect failed"))
		}
		// inserted == 0 is success: nothing new upstream.
		return c.JSON(http.StatusOK, map[string]int64{"inserted": inserted})
	}
}

func eventCountsHandler(repo repository.Repository, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		offset, ok := intParam(c, "offset_minutes", 60, 0, 1<<30)
		if !ok {
			return c.JSON(http.StatusBadRequest, errRespField("offset_minutes must be an integer >= 0", "offset_minutes"))
		}
		counts, err := repo.EventCounts(c.Request().Context(), offset)
		if err != nil {
			logger.Error("EventCounts failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, errResp("query failed"))
		}
		return c.JSON(http.StatusOK, counts)
	}
}

func prIntervalHandler(repo repository.Repository, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		name, ok := repoParam(c)
		if !ok {
			return c.JSON(http.StatusBadRequest, errRespField("repo is required as owner/name", "repo"))
		}
		result, err := repo.PRInterval(c.Request().Context(), name)
		if err != nil {
			logger.Error("PRInterval failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, errResp("query failed"))
		}
		return c.JSON(http.StatusOK, result)
	}
}

func repositoryActivityHandler(repo repository.Repository, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		name, ok := repoParam(c)
		if !ok {
			return c.JSON(http.StatusBadRequest, errRespField("repo is required as owner/name", "repo"))
		}
		hours, ok := intParam(c, "hours", 24, 1, 24*365)
		if !ok {
			return c.JSON(http.StatusBadRequest, errRespField("hours must be an integer >= 1", "hours"))
		}
		activity, err := repo.RepositoryActivity(c.Request().Context(), name, hours)
		if err != nil {
			logger.Error("RepositoryActivity failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, errResp("query failed"))
		}
		return c.JSON(http.StatusOK, activity)
	}
}

func trendingHandler(repo repository.Repository, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		hours, ok := intParam(c, "hours", 24, 1, 24*365)
		if !ok {
			return c.JSON(http.StatusBadRequest, errRespField("hours must be an integer >= 1", "hours"))
		}
		limit, ok := intParam(c, "limit", 10, 0, 100)
		if !ok {
			return c.JSON(http.StatusBadRequest, errRespField("limit must be an integer in 0..100", "limit"))
		}
		repos, err := repo.Trending(c.Request().Context(), hours, limit)
		if err != nil {
			logger.Error("Trending failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, errResp("query failed"))
		}
		return c.JSON(http.StatusOK, repos)
	}
}

func timeseriesHandler(repo repository.Repository, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		hours, ok := intParam(c, "hours", 6, 1, 24*365)
		if !ok {
			return c.JSON(http.StatusBadRequest, errRespField("hours must be an integer >= 1", "hours"))
		}
		bucket, ok := intParam(c, "bucket_minutes", 5, 1, 24*60)
		if !ok {
			return c.JSON(http.StatusBadRequest, errRespField("bucket_minutes must be an integer >= 1", "bucket_minutes"))
		}
		name := c.QueryParam("repo")
		if name != "" && strings.Count(name, "/") != 1 {
			return c.JSON(http.StatusBadRequest, errRespField("repo must be owner/name", "repo"))
		}
		buckets, err := repo.Timeseries(c.Request().Context(), hours, bucket, name)
		if err != nil {
			logger.Error("Timeseries failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, errResp("query failed"))
		}
		return c.JSON(http.StatusOK, buckets)
	}
}

func trendingChartHandler(repo repository.Repository, renderer viz.Renderer, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		hours, ok := intParam(c, "hours", 24, 1, 24*365)
		if !ok {
			return c.JSON(http.StatusBadRequest, errRespField("hours must be an integer >= 1", "hours"))
		}
		limit, ok := intParam(c, "limit", 5, 1, 100)
		if !ok {
			return c.JSON(http.StatusBadRequest, errRespField("limit must be an integer in 1..100", "limit"))
		}
		formatParam := c.QueryParam("format")
		if formatParam == "" {
			formatParam = "png"
		}
		format, err := viz.ParseFormat(strings.ToLower(formatParam))
		if err != nil {
			return c.JSON(http.StatusBadRequest, errRespField("format must be png or svg", "format"))
		}

		repos, err := repo.Trending(c.Request().Context(), hours, limit)
		if err != nil {
			logger.Error("Trending failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, errResp("query failed"))
		}

		title := "Trending repositories, last " + strconv.Itoa(hours) + "h"
		img, err := renderer.RenderTrending(title, repos, format)
		if err != nil {
			logger.Error("RenderTrending failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, errResp("render failed"))
		}
		return c.Blob(http.StatusOK, format.MIME(), img)
	}
}
