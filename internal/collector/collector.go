// Package collector keeps the event store fresh. It periodically polls the
// upstream events API — globally, or per target repository — honouring
// server-issued pacing, reusing cached entity tags, filtering to the
// recognized event types, and writing each batch transactionally.
package collector

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sparesparrow/github-events/internal/commits"
	"github.com/sparesparrow/github-events/internal/github"
	"github.com/sparesparrow/github-events/internal/store"
	"github.com/sparesparrow/github-events/internal/telemetry"
)

const (
	// tickResolution bounds how late a due poll can start.
	tickResolution = time.Second

	// backoffBase and backoffCap bound the transient-failure backoff
	// sequence: 2, 4, 8, … capped at 120 seconds, reset on success.
	backoffBase = 2 * time.Second
	backoffCap  = 120 * time.Second

	// defaultPageSize is the per_page sent on scheduled polls.
	defaultPageSize = 100
)

// Ingestor is the manual-trigger surface exposed to the HTTP layer.
type Ingestor interface {
	// CollectOnce polls every endpoint key once with the given page-size cap
	// and returns the number of newly inserted rows.
	CollectOnce(ctx context.Context, limit int) (int64, error)
}

// Config controls the polling engine.
type Config struct {
	// Interval is the default tick between polls of one endpoint key.
	Interval time.Duration
	// Targets is the set of "owner/name" repositories to poll. Empty means
	// global mode (one key, the global events endpoint).
	Targets []string
	// Workers bounds parallel polls across keys in targeted mode.
	Workers int
	// CommitExtraction unpacks PushEvent payloads into the commits table.
	CommitExtraction bool
}

// keyState is the per-endpoint-key scheduling state. Polls for one key are
// strictly serial; inFlight guards against overlap.
type keyState struct {
	inFlight   bool
	failures   int
	nextPollAt time.Time
	// throttledUntil blocks even manual triggers: a server-issued
	// Retry-After is binding, not advisory.
	throttledUntil time.Time
}

// Collector orchestrates client → filter → store for every endpoint key.
type Collector struct {
	client github.Client
	store  store.Store
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	targets map[string]struct{}
	sem     chan struct{}

	mu     sync.Mutex
	states map[string]*keyState
}

// Option configures a Collector.
type Option func(*Collector)

// WithClock overrides the "now" source for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

// New constructs a Collector. Interval defaults to 5 minutes and Workers
// to 1 when unset.
func New(client github.Client, st store.Store, cfg Config, logger *zap.Logger, opts ...Option) *Collector {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}

	targets := make(map[string]struct{}, len(cfg.Targets))
	for _, t := range cfg.Targets {
		targets[t] = struct{}{}
	}

	c := &Collector{
		client:  client,
		store:   st,
		cfg:     cfg,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		targets: targets,
		sem:     make(chan struct{}, cfg.Workers),
		states:  make(map[string]*keyState),
	}
	for _, opt := range opts {
		opt(c)
	}
	for _, key := range c.keys() {
		c.states[key] = &keyState{}
	}
	return c
}

var _ Ingestor = (*Collector)(nil)

// keys returns the endpoint keys this collector polls.
func (c *Collector) keys() []string {
	if len(c.cfg.Targets) == 0 {
		return []string{store.GlobalKey}
	}
	return c.cfg.Targets
}

// Run starts the polling loop. It blocks until ctx is cancelled, making it
// suitable for running inside a goroutine alongside the HTTP server.
func (c *Collector) Run(ctx context.Context) {
	mode := "global"
	if len(c.cfg.Targets) > 0 {
		mode = "targeted"
	}
	c.logger.Info("collector started",
		zap.String("mode", mode),
		zap.Int("keys", len(c.states)),
		zap.Duration("interval", c.cfg.Interval),
	)

	ticker := time.NewTicker(tickResolution)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("collector stopping")
			return
		case <-ticker.C:
			c.pollDue(ctx)
		}
	}
}

// pollDue launches a poll for every key whose next-poll instant has passed.
// Polls run in parallel across keys, bounded by the worker semaphore, and
// never overlap for the same key.
func (c *Collector) pollDue(ctx context.Context) {
	now := c.now()
	for _, key := range c.keys() {
		key := key
		if !c.acquireKey(key, now) {
			continue
		}
		select {
		case c.sem <- struct{}{}:
		case <-ctx.Done():
			c.releaseKey(key)
			return
		}
		go func() {
			defer func() { <-c.sem }()
			defer c.releaseKey(key)
			c.pollKey(ctx, key, defaultPageSize)
		}()
	}
}

// acquireKey marks a key in flight if it is due. Returns false when the key
// is already in flight or not yet due.
func (c *Collector) acquireKey(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.states[key]
	if st == nil || st.inFlight || now.Before(st.nextPollAt) {
		return false
	}
	st.inFlight = true
	return true
}

func (c *Collector) releaseKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[key].inFlight = false
}

// CollectOnce polls every key immediately (manual trigger). Keys currently
// in flight are skipped; pacing state still advances normally afterwards.
func (c *Collector) CollectOnce(ctx context.Context, limit int) (int64, error) {
	var inserted int64
	for _, key := range c.keys() {
		if err := ctx.Err(); err != nil {
			return inserted, err
		}
		c.mu.Lock()
		st := c.states[key]
		if st.inFlight || c.now().Before(st.throttledUntil) {
			c.mu.Unlock()
			continue
		}
		st.inFlight = true
		c.mu.Unlock()

		n := c.pollKey(ctx, key, limit)
		c.releaseKey(key)
		inserted += n
	}
	return inserted, nil
}

// pollKey runs one fetch → filter → write cycle for a key and reschedules it
// according to the outcome. Returns the number of newly inserted rows. All
// non-fatal errors are recovered here; nothing propagates to callers.
func (c *Collector) pollKey(ctx context.Context, key string, perPage int) int64 {
	runID := uuid.NewString()
	log := c.logger.With(zap.String("key", key), zap.String("run_id", runID))

	etag, _, _, err := c.store.GetETag(ctx, key)
	if err != nil {
		log.Error("read etag cache failed", zap.Error(err))
		c.reschedule(key, c.cfg.Interval, false)
		telemetry.PollsTotal.WithLabelValues(key, "storage_error").Inc()
		return 0
	}

	var res github.Result
	if key == store.GlobalKey {
		res, err = c.client.FetchGlobal(ctx, etag, perPage)
	} else {
		res, err = c.client.FetchRepo(ctx, key, etag, perPage)
	}
	if err != nil {
		c.handleFetchError(key, log, err)
		return 0
	}

	if res.RateRemaining >= 0 {
		telemetry.RateLimitRemaining.Set(float64(res.RateRemaining))
	}

	now := c.now()
	if !res.Modified {
		// Not modified: the tag is conserved, only the poll instant advances.
		if err := c.store.PutETag(ctx, key, etag, now); err != nil {
			log.Error("touch etag failed", zap.Error(err))
		}
		c.rescheduleAfterSuccess(key, res.PollInterval)
		telemetry.PollsTotal.WithLabelValues(key, "not_modified").Inc()
		log.Debug("not modified")
		return 0
	}

	telemetry.EventsFetchedTotal.Add(float64(len(res.Events)))
	batch := c.filter(res.Events, now)
	telemetry.EventsFilteredTotal.Add(float64(len(res.Events) - len(batch)))

	// A write already in progress at shutdown is allowed to complete; the
	// batch and the tag advance together or not at all.
	writeCtx := context.WithoutCancel(ctx)
	inserted, err := c.store.RecordPoll(writeCtx, key, res.ETag, now, batch)
	if err != nil {
		// Tag was not advanced; the next poll re-reads the same window.
		log.Error("batch write failed", zap.Error(err))
		c.reschedule(key, c.cfg.Interval, false)
		telemetry.PollsTotal.WithLabelValues(key, "storage_error").Inc()
		return 0
	}

	if c.cfg.CommitExtraction {
		if cs := commits.FromEvents(batch); len(cs) > 0 {
			if _, err := c.store.InsertCommits(writeCtx, cs); err != nil {
				log.Warn("commit extraction failed", zap.Error(err))
			}
		}
	}

	telemetry.EventsInsertedTotal.Add(float64(inserted))
	telemetry.PollsTotal.WithLabelValues(key, "ok").Inc()
	c.rescheduleAfterSuccess(key, res.PollInterval)

	log.Info("poll complete",
		zap.Int("fetched", len(res.Events)),
		zap.Int("kept", len(batch)),
		zap.Int64("inserted", inserted),
	)
	return inserted
}

// handleFetchError maps the client's error taxonomy onto scheduling.
func (c *Collector) handleFetchError(key string, log *zap.Logger, err error) {
	var throttled *github.ThrottledError
	var transient *github.TransientError
	var permanent *github.PermanentError
	var auth *github.AuthError

	switch {
	case errors.As(err, &throttled):
		log.Info("rate limited", zap.Duration("retry_after", throttled.RetryAfter))
		c.mu.Lock()
		c.states[key].throttledUntil = c.now().Add(throttled.RetryAfter)
		c.mu.Unlock()
		c.reschedule(key, throttled.RetryAfter, false)
		telemetry.PollsTotal.WithLabelValues(key, "throttled").Inc()

	case errors.As(err, &transient):
		delay := c.bumpBackoff(key)
		log.Warn("transient upstream failure",
			zap.Duration("backoff", delay), zap.Error(err))
		telemetry.PollsTotal.WithLabelValues(key, "transient").Inc()

	case errors.As(err, &auth):
		// The client keeps working anonymously; quota just drops.
		log.Warn("authorization rejected", zap.Error(err))
		c.reschedule(key, c.cfg.Interval, false)
		telemetry.PollsTotal.WithLabelValues(key, "auth").Inc()

	case errors.As(err, &permanent):
		log.Warn("permanent upstream failure", zap.Error(err))
		c.reschedule(key, c.cfg.Interval, false)
		telemetry.PollsTotal.WithLabelValues(key, "permanent").Inc()

	default:
		log.Warn("upstream failure", zap.Error(err))
		c.reschedule(key, c.cfg.Interval, false)
		telemetry.PollsTotal.WithLabelValues(key, "error").Inc()
	}
}

// filter drops events outside the recognized type set and, in targeted mode,
// events from repositories outside the target set. Per-repo responses already
// satisfy the latter but are re-validated.
func (c *Collector) filter(raw []github.Event, collectedAt time.Time) []store.Event {
	out := make([]store.Event, 0, len(raw))
	for _, ev := range raw {
		if !store.Recognized(ev.Type) {
			continue
		}
		if len(c.targets) > 0 {
			if _, ok := c.targets[ev.Repo.Name]; !ok {
				continue
			}
		}
		createdAt := ev.CreatedAt.UTC()
		if createdAt.After(collectedAt) {
			createdAt = collectedAt // clock skew: created_at never exceeds collected_at
		}
		out = append(out, store.Event{
			ID:          ev.ID,
			Type:        ev.Type,
			RepoName:    ev.Repo.Name,
			ActorLogin:  ev.Actor.Login,
			CreatedAt:   createdAt,
			Payload:     ev.Payload,
			CollectedAt: collectedAt,
		})
	}
	return out
}

// rescheduleAfterSuccess resets the backoff and schedules the next poll at
// max(configured interval, server hint).
func (c *Collector) rescheduleAfterSuccess(key string, hint time.Duration) {
	delay := c.cfg.Interval
	if hint > delay {
		delay = hint
	}
	c.reschedule(key, delay, true)
}

// reschedule sets the key's next-poll instant. resetFailures clears the
// transient-failure streak.
func (c *Collector) reschedule(key string, delay time.Duration, resetFailures bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.states[key]
	st.nextPollAt = c.now().Add(delay)
	if resetFailures {
		st.failures = 0
	}
}

// bumpBackoff increments the key's failure streak and schedules the next
// poll with capped exponential backoff. Returns the applied delay.
func (c *Collector) bumpBackoff(key string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.states[key]
	st.failures++
	delay := backoffBase << (st.failures - 1)
	if delay > backoffCap || delay <= 0 {
		delay = backoffCap
	}
	st.nextPollAt = c.now().Add(delay)
	return delay
}

// NextPollAt reports the key's next scheduled poll instant. Used for
// observability and by tests asserting pacing behaviour.
func (c *Collector) NextPollAt(key string) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.states[key]; ok {
		return st.nextPollAt
	}
	return time.Time{}
}
