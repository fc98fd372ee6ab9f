// Package repository computes read-only analytics over the event store.
// Every method is side-effect-free; identical inputs against an unchanging
// store yield identical results. All windows are half-open [now−Δ, now) and
// all emitted timestamps are UTC.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sparesparrow/github-events/internal/store"
)

// IntervalStats describes the inter-arrival gaps of a pull-request sequence,
// in seconds.
type IntervalStats struct {
	MeanSeconds   float64 `json:"mean_seconds"`
	MedianSeconds float64 `json:"median_seconds"`
	MinSeconds    float64 `json:"min_seconds"`
	MaxSeconds    float64 `json:"max_seconds"`
}

// PRInterval is the result of the pull-request interval query. Stats is nil
// when fewer than two events exist; that is a normal outcome, not an error.
type PRInterval struct {
	Repo   string         `json:"repo"`
	Count  int            `json:"count"`
	Status string         `json:"status"`
	Stats  *IntervalStats `json:"stats"`
}

// Interval status values.
const (
	StatusOK               = "ok"
	StatusInsufficientData = "insufficient_data"
)

// Activity summarises one repository's events within a window.
type Activity struct {
	Repo         string           `json:"repo"`
	Hours        int              `json:"hours"`
	EventCounts  map[string]int64 `json:"event_counts"`
	UniqueActors int64            `json:"unique_actors"`
	FirstEventAt *time.Time       `json:"first_event_at"`
	LastEventAt  *time.Time       `json:"last_event_at"`
}

// TimeBucket is one timeseries bucket; empty buckets carry an empty map.
type TimeBucket struct {
	BucketStart time.Time        `json:"bucket_start"`
	Counts      map[string]int64 `json:"counts"`
}

// TimelineDay is one day of pull-request open/close/merge counts.
type TimelineDay struct {
	Date   string `json:"date"`
	Opened int64  `json:"opened"`
	Closed int64  `json:"closed"`
	Merged int64  `json:"merged"`
}

// Repository is the analytic query surface served over HTTP.
type Repository interface {
	EventCounts(ctx context.Context, offsetMinutes int) (map[string]int64, error)
	PRInterval(ctx context.Context, repo string) (PRInterval, error)
	RepositoryActivity(ctx context.Context, repo string, hours int) (Activity, error)
	Trending(ctx context.Context, hours, limit int) ([]store.RepoCount, error)
	Timeseries(ctx context.Context, hours, bucketMinutes int, repo string) ([]TimeBucket, error)
	PRTimeline(ctx context.Context, repo string, days int) ([]TimelineDay, error)
	EventTotal(ctx context.Context) (int64, error)
}

type queryRepository struct {
	reader store.Reader
	now    func() time.Time
}

// Option configures the repository.
type Option func(*queryRepository)

// WithClock overrides the "now" source. Tests use this to pin windows.
func WithClock(now func() time.Time) Option {
	return func(r *queryRepository) { r.now = now }
}

// New constructs a Repository over the given read handle.
func New(reader store.Reader, opts ...Option) Repository {
	r := &queryRepository{
		reader: reader,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var _ Repository = (*queryRepository)(nil)

// EventCounts returns per-type counts of events within the last offsetMinutes.
// A zero offset is an empty window and yields an empty map.
func (r *queryRepository) EventCounts(ctx context.Context, offsetMinutes int) (map[string]int64, error) {
	if offsetMinutes <= 0 {
		return map[string]int64{}, nil
	}
	since := r.now().Add(-time.Duration(offsetMinutes) * time.Minute)
	counts, err := r.reader.CountEventsByType(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("event counts: %w", err)
	}
	return counts, nil
}

// PRInterval computes inter-arrival statistics over the full pull-request
// history of one repo.
func (r *queryRepository) PRInterval(ctx context.Context, repo string) (PRInterval, error) {
	times, err := r.reader.EventTimes(ctx, time.Time{}, "PullRequestEvent", repo)
	if err != nil {
		return PRInterval{}, fmt.Errorf("pr interval: %w", err)
	}

	out := PRInterval{Repo: repo, Count: len(times)}
	if len(times) < 2 {
		out.Status = StatusInsufficientData
		return out, nil
	}

	gaps := make([]float64, 0, len(times)-1)
	for i := 1; i < len(times); i++ {
		gaps = append(gaps, times[i].Sub(times[i-1]).Seconds())
	}
	sort.Float64s(gaps)

	var sum float64
	for _, g := range gaps {
		sum += g
	}
	out.Status = StatusOK
	out.Stats = &IntervalStats{
		MeanSeconds:   sum / float64(len(gaps)),
		MedianSeconds: median(gaps),
		MinSeconds:    gaps[0],
		MaxSeconds:    gaps[len(gaps)-1],
	}
	return out, nil
}

func median(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// RepositoryActivity summarises one repo over the last hours.
func (r *queryRepository) RepositoryActivity(ctx context.Context, repo string, hours int) (Activity, error) {
	since := r.now().Add(-time.Duration(hours) * time.Hour)
	win, err := r.reader.RepoWindowStats(ctx, repo, since)
	if err != nil {
		return Activity{}, fmt.Errorf("repository activity: %w", err)
	}
	return Activity{
		Repo:         repo,
		Hours:        hours,
		EventCounts:  win.CountsByType,
		UniqueActors: win.ActorCount,
		FirstEventAt: win.FirstEvent,
		LastEventAt:  win.LastEvent,
	}, nil
}

// Trending returns the most active repos in the window, count descending with
// alphabetical tie-break. limit <= 0 yields an empty list.
func (r *queryRepository) Trending(ctx context.Context, hours, limit int) ([]store.RepoCount, error) {
	if limit <= 0 {
		return []store.RepoCount{}, nil
	}
	since := r.now().Add(-time.Duration(hours) * time.Hour)
	repos, err := r.reader.TrendingRepos(ctx, since, limit)
	if err != nil {
		return nil, fmt.Errorf("trending: %w", err)
	}
	return repos, nil
}

// Timeseries buckets per-type counts into fixed-width buckets anchored at
// now going backward. The bucket count is exactly ⌈hours·60/bucketMinutes⌉
// and empty buckets are present with empty maps.
func (r *queryRepository) Timeseries(ctx context.Context, hours, bucketMinutes int, repo string) ([]TimeBucket, error) {
	if bucketMinutes < 1 {
		return nil, fmt.Errorf("bucket_minutes must be >= 1")
	}
	now := r.now()
	width := time.Duration(bucketMinutes) * time.Minute
	nBuckets := int(math.Ceil(float64(hours*60) / float64(bucketMinutes)))
	start := now.Add(-time.Duration(nBuckets) * width)

	buckets := make([]TimeBucket, nBuckets)
	for i := range buckets {
		buckets[i] = TimeBucket{
			BucketStart: start.Add(time.Duration(i) * width),
			Counts:      map[string]int64{},
		}
	}

	rows, err := r.reader.TypedEventTimes(ctx, start, repo)
	if err != nil {
		return nil, fmt.Errorf("timeseries: %w", err)
	}
	for _, row := range rows {
		idx := int(row.CreatedAt.Sub(start) / width)
		if idx < 0 || idx >= nBuckets {
			continue // outside [start, now)
		}
		buckets[idx].Counts[row.Type]++
	}
	return buckets, nil
}

// prPayload is the subset of the PullRequestEvent payload the timeline needs.
type prPayload struct {
	Action      string `json:"action"`
	PullRequest struct {
		Merged bool `json:"merged"`
	} `json:"pull_request"`
}

// PRTimeline returns per-day open/close/merge counts over the last days
// calendar days (UTC) ending today. Days with no activity are present with
// zero counts, oldest first.
func (r *queryRepository) PRTimeline(ctx context.Context, repo string, days int) ([]TimelineDay, error) {
	now := r.now()
	oldest := now.AddDate(0, 0, -(days - 1))
	since := time.Date(oldest.Year(), oldest.Month(), oldest.Day(), 0, 0, 0, 0, time.UTC)
	rows, err := r.reader.PullRequestPayloads(ctx, repo, since)
	if err != nil {
		return nil, fmt.Errorf("pr timeline: %w", err)
	}

	byDate := make(map[string]*TimelineDay, days)
	out := make([]TimelineDay, 0, days)
	for i := 0; i < days; i++ {
		date := since.AddDate(0, 0, i).Format("2006-01-02")
		out = append(out, TimelineDay{Date: date})
	}
	for i := range out {
		byDate[out[i].Date] = &out[i]
	}

	for _, row := range rows {
		day, ok := byDate[row.CreatedAt.Format("2006-01-02")]
		if !ok {
			continue
		}
		var p prPayload
		if err := json.Unmarshal(row.Payload, &p); err != nil {
			continue // malformed payload: skip, never fail the query
		}
		switch {
		case p.Action == "opened":
			day.Opened++
		case p.Action == "closed" && p.PullRequest.Merged:
			day.Merged++
		case p.Action == "closed":
			day.Closed++
		}
	}
	return out, nil
}

// EventTotal returns the total stored event count.
func (r *queryRepository) EventTotal(ctx context.Context) (int64, error) {
	return r.reader.CountEvents(ctx)
}
