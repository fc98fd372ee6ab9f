package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketEvents     = []byte("events")
	bucketEventsTime = []byte("events_by_time")
	bucketETags      = []byte("etag_cache")
	bucketCommits    = []byte("commits")
)

// tsKeyFormat is fixed-width so index keys sort chronologically.
const tsKeyFormat = "2006-01-02T15:04:05.000000000Z"

// BoltStore is the key-value Store implementation backed by Bolt. It keeps a
// time-ordered index bucket so windowed reads are range scans rather than
// full-bucket walks.
type BoltStore struct {
	db             *bolt.DB
	commitsEnabled bool
}

// BoltOption configures a BoltStore.
type BoltOption func(*BoltStore)

// WithBoltCommitExtraction enables the commits bucket on Initialize.
func WithBoltCommitExtraction() BoltOption {
	return func(s *BoltStore) { s.commitsEnabled = true }
}

// NewBoltStore opens (or creates) the database file at path.
func NewBoltStore(path string, opts ...BoltOption) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt database %q: %w", path, err)
	}
	s := &BoltStore{db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

var _ Store = (*BoltStore)(nil)
var _ Reader = (*BoltStore)(nil)

// Initialize creates the buckets if absent. Idempotent.
func (s *BoltStore) Initialize(ctx context.Context) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{bucketEvents, bucketEventsTime, bucketETags}
		if s.commitsEnabled {
			buckets = append(buckets, bucketCommits)
		}
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
}

// Close closes the database.
func (s *BoltStore) Close() error { return s.db.Close() }

// Reader returns the read-only handle for the repository layer.
func (s *BoltStore) Reader() Reader { return s }

func timeKey(ev Event) []byte {
	return []byte(ev.CreatedAt.UTC().Format(tsKeyFormat) + "|" + ev.ID)
}

func insertEventsBolt(tx *bolt.Tx, events []Event) (int64, error) {
	eb := tx.Bucket(bucketEvents)
	ib := tx.Bucket(bucketEventsTime)

	var inserted int64
	for _, ev := range events {
		if eb.Get([]byte(ev.ID)) != nil {
			continue // duplicate id: no-op
		}
		ev.CreatedAt = ev.CreatedAt.UTC()
		ev.CollectedAt = ev.CollectedAt.UTC()
		data, err := json.Marshal(ev)
		if err != nil {
			return 0, fmt.Errorf("marshal event %s: %w", ev.ID, err)
		}
		if err := eb.Put([]byte(ev.ID), data); err != nil {
			return 0, fmt.Errorf("put event %s: %w", ev.ID, err)
		}
		if err := ib.Put(timeKey(ev), []byte(ev.ID)); err != nil {
			return 0, fmt.Errorf("index event %s: %w", ev.ID, err)
		}
		inserted++
	}
	return inserted, nil
}

// InsertEvents writes a batch in a single Bolt update transaction.
func (s *BoltStore) InsertEvents(ctx context.Context, events []Event) (int64, error) {
	var inserted int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		inserted, err = insertEventsBolt(tx, events)
		return err
	})
	return inserted, err
}

type etagRecord struct {
	ETag       string    `json:"etag"`
	LastPollAt time.Time `json:"last_poll_at"`
}

func putETagBolt(tx *bolt.Tx, key, etag string, at time.Time) error {
	data, err := json.Marshal(etagRecord{ETag: etag, LastPollAt: at.UTC()})
	if err != nil {
		return fmt.Errorf("marshal etag record: %w", err)
	}
	if err := tx.Bucket(bucketETags).Put([]byte(key), data); err != nil {
		return fmt.Errorf("put etag %q: %w", key, err)
	}
	return nil
}

// RecordPoll writes the batch and the etag in one update transaction.
func (s *BoltStore) RecordPoll(ctx context.Context, key, etag string, at time.Time, events []Event) (int64, error) {
	var inserted int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		if inserted, err = insertEventsBolt(tx, events); err != nil {
			return err
		}
		return putETagBolt(tx, key, etag, at)
	})
	return inserted, err
}

// GetETag returns the cached tag and last poll instant for key.
func (s *BoltStore) GetETag(ctx context.Context, key string) (string, time.Time, bool, error) {
	var rec etagRecord
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketETags).Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return "", time.Time{}, false, fmt.Errorf("get etag %q: %w", key, err)
	}
	return rec.ETag, rec.LastPollAt, found, nil
}

// PutETag upserts the cached tag and last poll instant for key.
func (s *BoltStore) PutETag(ctx context.Context, key, etag string, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putETagBolt(tx, key, etag, at)
	})
}

// InsertCommits writes extracted commits, skipping duplicate SHAs.
func (s *BoltStore) InsertCommits(ctx context.Context, commits []Commit) (int64, error) {
	if !s.commitsEnabled {
		return 0, fmt.Errorf("commit extraction is not enabled")
	}
	var inserted int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCommits)
		for _, c := range commits {
			if b.Get([]byte(c.SHA)) != nil {
				continue
			}
			data, err := json.Marshal(c)
			if err != nil {
				return fmt.Errorf("marshal commit %s: %w", c.SHA, err)
			}
			if err := b.Put([]byte(c.SHA), data); err != nil {
				return fmt.Errorf("put commit %s: %w", c.SHA, err)
			}
			inserted++
		}
		return nil
	})
	return inserted, err
}

// ── Reader ────────────────────────────────────────────────────────────────

// scanSince walks events with created_at >= since in chronological order.
func (s *BoltStore) scanSince(since time.Time, fn func(Event) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		eb := tx.Bucket(bucketEvents)
		c := tx.Bucket(bucketEventsTime).Cursor()

		start := []byte(since.UTC().Format(tsKeyFormat))
		for k, id := c.Seek(start); k != nil; k, id = c.Next() {
			data := eb.Get(id)
			if data == nil {
				continue // index entry without a record should not happen
			}
			var ev Event
			if err := json.Unmarshal(data, &ev); err != nil {
				return fmt.Errorf("unmarshal event %s: %w", id, err)
			}
			if err := fn(ev); err != nil {
				return err
			}
		}
		return nil
	})
}

// CountEventsByType counts events with created_at >= since, grouped by type.
func (s *BoltStore) CountEventsByType(ctx context.Context, since time.Time) (map[string]int64, error) {
	counts := make(map[string]int64)
	err := s.scanSince(since, func(ev Event) error {
		counts[ev.Type]++
		return nil
	})
	return counts, err
}

// EventTimes returns creation instants ascending, optionally filtered.
func (s *BoltStore) EventTimes(ctx context.Context, since time.Time, eventType, repo string) ([]time.Time, error) {
	var times []time.Time
	err := s.scanSince(since, func(ev Event) error {
		if eventType != "" && ev.Type != eventType {
			return nil
		}
		if repo != "" && ev.RepoName != repo {
			return nil
		}
		times = append(times, ev.CreatedAt)
		return nil
	})
	return times, err
}

// TypedEventTimes returns (type, created_at) pairs ascending.
func (s *BoltStore) TypedEventTimes(ctx context.Context, since time.Time, repo string) ([]TypedTime, error) {
	var out []TypedTime
	err := s.scanSince(since, func(ev Event) error {
		if repo != "" && ev.RepoName != repo {
			return nil
		}
		out = append(out, TypedTime{Type: ev.Type, CreatedAt: ev.CreatedAt})
		return nil
	})
	return out, err
}

// RepoWindowStats summarises one repo's events inside the window.
func (s *BoltStore) RepoWindowStats(ctx context.Context, repo string, since time.Time) (RepoWindow, error) {
	win := RepoWindow{CountsByType: make(map[string]int64)}
	actors := make(map[string]struct{})
	err := s.scanSince(since, func(ev Event) error {
		if ev.RepoName != repo {
			return nil
		}
		win.CountsByType[ev.Type]++
		if ev.ActorLogin != "" {
			actors[ev.ActorLogin] = struct{}{}
		}
		t := ev.CreatedAt
		if win.FirstEvent == nil {
			win.FirstEvent = &t
		}
		last := t
		win.LastEvent = &last
		return nil
	})
	win.ActorCount = int64(len(actors))
	return win, err
}

// TrendingRepos returns repos ordered by count descending, name ascending.
func (s *BoltStore) TrendingRepos(ctx context.Context, since time.Time, limit int) ([]RepoCount, error) {
	if limit <= 0 {
		return []RepoCount{}, nil
	}
	counts := make(map[string]int64)
	err := s.scanSince(since, func(ev Event) error {
		counts[ev.RepoName]++
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]RepoCount, 0, len(counts))
	for repo, n := range counts {
		out = append(out, RepoCount{RepoName: repo, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].RepoName < out[j].RepoName
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PullRequestPayloads returns raw PullRequestEvent payloads ascending.
func (s *BoltStore) PullRequestPayloads(ctx context.Context, repo string, since time.Time) ([]PayloadRow, error) {
	var out []PayloadRow
	err := s.scanSince(since, func(ev Event) error {
		if ev.Type != "PullRequestEvent" || ev.RepoName != repo {
			return nil
		}
		out = append(out, PayloadRow{CreatedAt: ev.CreatedAt, Payload: ev.Payload})
		return nil
	})
	return out, err
}

// CountEvents returns the total number of stored events.
func (s *BoltStore) CountEvents(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.View(func(tx *bolt.Tx) error {
		n = int64(tx.Bucket(bucketEvents).Stats().KeyN)
		return nil
	})
	return n, err
}
