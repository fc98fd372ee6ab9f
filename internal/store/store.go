// Package store persists collected GitHub events and the conditional-request
// cache, and exposes the read primitives the analytics layer is built on.
//
// The capability set is deliberately small — initialize, batch insert, etag
// cache, reader — so the same contract can be served by the embedded SQLite
// backend (default) and the Bolt key-value backend.
package store

import (
	"context"
	"time"
)

// GlobalKey is the etag-cache key for the global events endpoint. Per-repo
// keys are the "owner/name" string itself.
const GlobalKey = "__global__"

// Event is one collected upstream event. Events are immutable once written;
// reinserting an existing id is a no-op.
type Event struct {
	ID          string    `db:"id" json:"id"`
	Type        string    `db:"event_type" json:"event_type"`
	RepoName    string    `db:"repo_name" json:"repo_name"`
	ActorLogin  string    `db:"actor_login" json:"actor_login"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	Payload     []byte    `db:"payload" json:"payload,omitempty"`
	CollectedAt time.Time `db:"collected_at" json:"collected_at"`
}

// Commit is one commit extracted from a PushEvent payload. Only written when
// commit extraction is enabled.
type Commit struct {
	SHA         string    `db:"sha" json:"sha"`
	EventID     string    `db:"event_id" json:"event_id"`
	RepoName    string    `db:"repo_name" json:"repo_name"`
	AuthorName  string    `db:"author_name" json:"author_name"`
	Message     string    `db:"message" json:"message"`
	CommittedAt time.Time `db:"committed_at" json:"committed_at"`
}

// TypedTime pairs an event type with its creation instant.
type TypedTime struct {
	Type      string    `db:"event_type"`
	CreatedAt time.Time `db:"created_at"`
}

// RepoCount is one trending entry.
type RepoCount struct {
	RepoName string `db:"repo_name" json:"repo_name"`
	Count    int64  `db:"count" json:"count"`
}

// RepoWindow summarises one repository's activity inside a time window.
type RepoWindow struct {
	CountsByType map[string]int64
	ActorCount   int64
	FirstEvent   *time.Time
	LastEvent    *time.Time
}

// PayloadRow carries a raw payload with its creation instant, for analytics
// that introspect payloads (PR timeline).
type PayloadRow struct {
	CreatedAt time.Time `db:"created_at"`
	Payload   []byte    `db:"payload"`
}

// Store is the write-capable capability set held by the ingestion engine.
// All timestamps are stored and returned in UTC.
type Store interface {
	// Initialize creates schema and indexes if absent. Idempotent.
	Initialize(ctx context.Context) error

	// InsertEvents writes a batch atomically. Duplicate ids are skipped
	// silently; the returned count is the number of new rows.
	InsertEvents(ctx context.Context, events []Event) (int64, error)

	// RecordPoll writes a batch and upserts the endpoint's etag in a single
	// transaction, so a failed batch never advances the cached tag.
	RecordPoll(ctx context.Context, key, etag string, at time.Time, events []Event) (int64, error)

	// GetETag returns the cached tag and last poll instant for key.
	// ok is false when the key has never been polled.
	GetETag(ctx context.Context, key string) (etag string, lastPoll time.Time, ok bool, err error)

	// PutETag upserts the cached tag and last poll instant for key.
	PutETag(ctx context.Context, key, etag string, at time.Time) error

	// InsertCommits writes extracted commits, skipping duplicate SHAs.
	// Callers must have run Initialize with commit extraction enabled.
	InsertCommits(ctx context.Context, commits []Commit) (int64, error)

	// Reader returns the read-only handle used by the repository layer.
	Reader() Reader

	Close() error
}

// Reader is the read-only capability handed to the analytics repository.
// Windows are expressed as a lower bound; callers own upper-bound semantics.
type Reader interface {
	// CountEventsByType counts events with created_at >= since, per type.
	CountEventsByType(ctx context.Context, since time.Time) (map[string]int64, error)

	// EventTimes returns creation instants ascending, filtered by event type
	// and/or repo (empty string = no filter). A zero since means all history.
	EventTimes(ctx context.Context, since time.Time, eventType, repo string) ([]time.Time, error)

	// TypedEventTimes returns (type, created_at) pairs ascending for events
	// with created_at >= since, optionally filtered by repo.
	TypedEventTimes(ctx context.Context, since time.Time, repo string) ([]TypedTime, error)

	// RepoWindowStats summarises one repo inside the window.
	RepoWindowStats(ctx context.Context, repo string, since time.Time) (RepoWindow, error)

	// TrendingRepos returns repos ordered by event count descending within
	// the window, ties broken by ascending repo name, truncated to limit.
	TrendingRepos(ctx context.Context, since time.Time, limit int) ([]RepoCount, error)

	// PullRequestPayloads returns raw PullRequestEvent payloads for a repo
	// with created_at >= since, ascending.
	PullRequestPayloads(ctx context.Context, repo string, since time.Time) ([]PayloadRow, error)

	// CountEvents returns the total number of stored events. Used by the
	// health probe as a cheap liveness check.
	CountEvents(ctx context.Context) (int64, error)
}
