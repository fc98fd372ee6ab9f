package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sparesparrow/github-events/internal/collector"
	"github.com/sparesparrow/github-events/internal/handler"
	"github.com/sparesparrow/github-events/internal/repository"
	"github.com/sparesparrow/github-events/internal/store"
	"github.com/sparesparrow/github-events/internal/viz"
)

// ── stubs ─────────────────────────────────────────────────────────────────

type stubRepository struct {
	counts    map[string]int64
	interval  repository.PRInterval
	activity  repository.Activity
	trending  []store.RepoCount
	buckets   []repository.TimeBucket
	total     int64
	err       error
	gotOffset int
	gotRepo   string
	gotHours  int
	gotLimit  int
	gotBucket int
	gotTSRepo string
}

func (s *stubRepository) EventCounts(ctx context.Context, offsetMinutes int) (map[string]int64, error) {
	s.gotOffset = offsetMinutes
	return s.counts, s.err
}

func (s *stubRepository) PRInterval(ctx context.Context, repo string) (repository.PRInterval, error) {
	s.gotRepo = repo
	return s.interval, s.err
}

func (s *stubRepository) RepositoryActivity(ctx context.Context, repo string, hours int) (repository.Activity, error) {
	s.gotRepo = repo
	s.gotHours = hours
	return s.activity, s.err
}

func (s *stubRepository) Trending(ctx context.Context, hours, limit int) ([]store.RepoCount, error) {
	s.gotHours = hours
	s.gotLimit = limit
	return s.trending, s.err
}

func (s *stubRepository) Timeseries(ctx context.Context, hours, bucketMinutes int, repo string) ([]repository.TimeBucket, error) {
	s.gotHours = hours
	s.gotBucket = bucketMinutes
	s.gotTSRepo = repo
	return s.buckets, s.err
}

func (s *stubRepository) PRTimeline(ctx context.Context, repo string, days int) ([]repository.TimelineDay, error) {
	s.gotRepo = repo
	return nil, s.err
}

func (s *stubRepository) EventTotal(ctx context.Context) (int64, error) {
	return s.total, s.err
}

var _ repository.Repository = (*stubRepository)(nil)

type stubIngestor struct {
	inserted int64
	err      error
	gotLimit int
}

func (s *stubIngestor) CollectOnce(ctx context.Context, limit int) (int64, error) {
	s.gotLimit = limit
	return s.inserted, s.err
}

var _ collector.Ingestor = (*stubIngestor)(nil)

type stubRenderer struct {
	img       []byte
	err       error
	gotTitle  string
	gotFormat viz.Format
}

func (s *stubRenderer) RenderTrending(title string, repos []store.RepoCount, format viz.Format) ([]byte, error) {
	s.gotTitle = title
	s.gotFormat = format
	return s.img, s.err
}

var _ viz.Renderer = (*stubRenderer)(nil)

// ── harness ───────────────────────────────────────────────────────────────

type fixture struct {
	e        *echo.Echo
	repo     *stubRepository
	ingestor *stubIngestor
	renderer *stubRenderer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		e:        echo.New(),
		repo:     &stubRepository{},
		ingestor: &stubIngestor{},
		renderer: &stubRenderer{img: []byte("img")},
	}
	handler.RegisterRoutes(f.e, f.repo, f.ingestor, f.renderer, zaptest.NewLogger(t))
	return f
}

func (f *fixture) do(method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, into any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), into))
}

// ── tests ─────────────────────────────────────────────────────────────────

func TestHealthOK(t *testing.T) {
	f := newFixture(t)
	f.repo.total = 42

	rec := f.do(http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	decode(t, rec, &body)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(42), body["events"])
}

func TestHealthUnavailableWhenStoreFails(t *testing.T) {
	f := newFixture(t)
	f.repo.err = errors.New("db locked")

	rec := f.do(http.MethodGet, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]string
	decode(t, rec, &body)
	assert.Equal(t, "unavailable", body["status"])
}

func TestCollectDefaultsAndResponse(t *testing.T) {
	f := newFixture(t)
	f.ingestor.inserted = 7

	rec := f.do(http.MethodPost, "/collect")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 100, f.ingestor.gotLimit)

	var body map[string]int64
	decode(t, rec, &body)
	assert.Equal(t, int64(7), body["inserted"])
}

func TestCollectZeroInsertedIsStillOK(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/collect?limit=50")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 50, f.ingestor.gotLimit)

	var body map[string]int64
	decode(t, rec, &body)
	assert.Equal(t, int64(0), body["inserted"])
}

func TestCollectLimitValidation(t *testing.T) {
	f := newFixture(t)

	for _, bad := range []string{"0", "1001", "-3", "abc"} {
		rec := f.do(http.MethodPost, "/collect?limit="+bad)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "limit=%s", bad)

		var body map[string]string
		decode(t, rec, &body)
		assert.Equal(t, "limit", body["field"])
	}
}

func TestEventCountsDefaultsOffset(t *testing.T) {
	f := newFixture(t)
	f.repo.counts = map[string]int64{"WatchEvent": 3}

	rec := f.do(http.MethodGet, "/metrics/event-counts")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 60, f.repo.gotOffset)

	var body map[string]int64
	decode(t, rec, &body)
	assert.Equal(t, int64(3), body["WatchEvent"])
}

func TestEventCountsZeroOffsetAllowed(t *testing.T) {
	f := newFixture(t)
	f.repo.counts = map[string]int64{}

	rec := f.do(http.MethodGet, "/metrics/event-counts?offset_minutes=0")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, f.repo.gotOffset)
	assert.JSONEq(t, "{}", rec.Body.String())
}

func TestEventCountsRejectsNegativeOffset(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/metrics/event-counts?offset_minutes=-5")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string]string
	decode(t, rec, &body)
	assert.Equal(t, "offset_minutes", body["field"])
}

func TestPRIntervalRequiresRepo(t *testing.T) {
	f := newFixture(t)

	for _, target := range []string{
		"/metrics/pr-interval",
		"/metrics/pr-interval?repo=norepo",
		"/metrics/pr-interval?repo=a/b/c",
	} {
		rec := f.do(http.MethodGet, target)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)

		var body map[string]string
		decode(t, rec, &body)
		assert.Equal(t, "repo", body["field"])
	}
}

func TestPRIntervalPassesThrough(t *testing.T) {
	f := newFixture(t)
	f.repo.interval = repository.PRInterval{
		Repo:   "o/r",
		Count:  3,
		Status: repository.StatusOK,
		Stats:  &repository.IntervalStats{MeanSeconds: 90},
	}

	rec := f.do(http.MethodGet, "/metrics/pr-interval?repo=o/r")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "o/r", f.repo.gotRepo)

	var body repository.PRInterval
	decode(t, rec, &body)
	assert.Equal(t, "ok", body.Status)
	require.NotNil(t, body.Stats)
	assert.Equal(t, float64(90), body.Stats.MeanSeconds)
}

func TestPRIntervalInsufficientDataIs200(t *testing.T) {
	f := newFixture(t)
	f.repo.interval = repository.PRInterval{
		Repo:   "o/r",
		Count:  1,
		Status: repository.StatusInsufficientData,
	}

	rec := f.do(http.MethodGet, "/metrics/pr-interval?repo=o/r")
	assert.Equal(t, http.StatusOK, rec.Code)

	var body repository.PRInterval
	decode(t, rec, &body)
	assert.Equal(t, "insufficient_data", body.Status)
	assert.Nil(t, body.Stats)
}

func TestRepositoryActivityDefaultsHours(t *testing.T) {
	f := newFixture(t)
	f.repo.activity = repository.Activity{Repo: "o/r", Hours: 24}

	rec := f.do(http.MethodGet, "/metrics/repository-activity?repo=o/r")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "o/r", f.repo.gotRepo)
	assert.Equal(t, 24, f.repo.gotHours)
}

func TestTrendingDefaultsAndLimitRange(t *testing.T) {
	f := newFixture(t)
	f.repo.trending = []store.RepoCount{{RepoName: "a/x", Count: 3}}

	rec := f.do(http.MethodGet, "/metrics/trending")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 24, f.repo.gotHours)
	assert.Equal(t, 10, f.repo.gotLimit)

	rec = f.do(http.MethodGet, "/metrics/trending?limit=101")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTrendingZeroLimitAllowed(t *testing.T) {
	f := newFixture(t)
	f.repo.trending = []store.RepoCount{}

	rec := f.do(http.MethodGet, "/metrics/trending?limit=0")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, f.repo.gotLimit)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestTimeseriesDefaults(t *testing.T) {
	f := newFixture(t)
	f.repo.buckets = []repository.TimeBucket{}

	rec := f.do(http.MethodGet, "/metrics/event-counts-timeseries")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 6, f.repo.gotHours)
	assert.Equal(t, 5, f.repo.gotBucket)
	assert.Equal(t, "", f.repo.gotTSRepo)
}

func TestTimeseriesOptionalRepoFilter(t *testing.T) {
	f := newFixture(t)
	f.repo.buckets = []repository.TimeBucket{}

	rec := f.do(http.MethodGet, "/metrics/event-counts-timeseries?repo=o/r&hours=1&bucket_minutes=7")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "o/r", f.repo.gotTSRepo)
	assert.Equal(t, 1, f.repo.gotHours)
	assert.Equal(t, 7, f.repo.gotBucket)

	rec = f.do(http.MethodGet, "/metrics/event-counts-timeseries?repo=bad")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTimeseriesRejectsZeroBucket(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/metrics/event-counts-timeseries?bucket_minutes=0")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string]string
	decode(t, rec, &body)
	assert.Equal(t, "bucket_minutes", body["field"])
}

func TestTrendingChartDefaultsToPNG(t *testing.T) {
	f := newFixture(t)
	f.repo.trending = []store.RepoCount{{RepoName: "a/x", Count: 3}}

	rec := f.do(http.MethodGet, "/visualization/trending-chart")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get(echo.HeaderContentType))
	assert.Equal(t, viz.FormatPNG, f.renderer.gotFormat)
	assert.Equal(t, 24, f.repo.gotHours)
	assert.Equal(t, 5, f.repo.gotLimit)
	assert.Equal(t, []byte("img"), rec.Body.Bytes())
}

func TestTrendingChartSVG(t *testing.T) {
	f := newFixture(t)
	f.repo.trending = []store.RepoCount{{RepoName: "a/x", Count: 3}}

	rec := f.do(http.MethodGet, "/visualization/trending-chart?format=SVG")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/svg+xml", rec.Header().Get(echo.HeaderContentType))
	assert.Equal(t, viz.FormatSVG, f.renderer.gotFormat)
}

func TestTrendingChartRejectsUnknownFormat(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/visualization/trending-chart?format=gif")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string]string
	decode(t, rec, &body)
	assert.Equal(t, "format", body["field"])
}

func TestTrendingChartRenderFailure(t *testing.T) {
	f := newFixture(t)
	f.repo.trending = []store.RepoCount{{RepoName: "a/x", Count: 3}}
	f.renderer.err = errors.New("no data to render")

	rec := f.do(http.MethodGet, "/visualization/trending-chart")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestQueryFailureIsGeneric500(t *testing.T) {
	f := newFixture(t)
	f.repo.err = errors.New("disk I/O error on table events at offset 4096")

	rec := f.do(http.MethodGet, "/metrics/trending")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var body map[string]string
	decode(t, rec, &body)
	assert.Equal(t, "query failed", body["error"])
	assert.NotContains(t, rec.Body.String(), "disk I/O")
}

func TestPrometheusExposition(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/prometheus")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthStopsWaitingEventually(t *testing.T) {
	f := newFixture(t)
	f.repo.err = context.DeadlineExceeded

	start := time.Now()
	rec := f.do(http.MethodGet, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Less(t, time.Since(start), time.Second)
}
