package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // Import for registration side-effect.
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
    id           TEXT PRIMARY KEY,
    event_type   TEXT NOT NULL,
    repo_name    TEXT NOT NULL,
    actor_login  TEXT NOT NULL DEFAULT '',
    created_at   TIMESTAMP NOT NULL,
    payload      BLOB,
    collected_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type);
CREATE INDEX IF NOT EXISTS idx_events_repo ON events(repo_name);
CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);
CREATE INDEX IF NOT EXISTS idx_events_repo_type_created ON events(repo_name, event_type, created_at);

CREATE TABLE IF NOT EXISTS etag_cache (
    key          TEXT PRIMARY KEY,
    etag         TEXT,
    last_poll_at TIMESTAMP NOT NULL
);
`

const commitSchema = `
CREATE TABLE IF NOT EXISTS commits (
    sha          TEXT PRIMARY KEY,
    event_id     TEXT NOT NULL,
    repo_name    TEXT NOT NULL,
    author_name  TEXT NOT NULL DEFAULT '',
    message      TEXT NOT NULL DEFAULT '',
    committed_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_commits_repo ON commits(repo_name);
CREATE INDEX IF NOT EXISTS idx_commits_event ON commits(event_id);
`

// SQLiteStore is the default Store implementation, backed by an embedded
// SQLite database file.
type SQLiteStore struct {
	db             *sqlx.DB
	commitsEnabled bool
}

// SQLiteOption configures a SQLiteStore.
type SQLiteOption func(*SQLiteStore)

// WithCommitExtraction enables the commits table on Initialize.
func WithCommitExtraction() SQLiteOption {
	return func(s *SQLiteStore) { s.commitsEnabled = true }
}

// NewSQLiteStore opens (or creates) the database at path. Schema creation is
// deferred to Initialize.
func NewSQLiteStore(path string, opts ...SQLiteOption) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_loc=UTC", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %q: %w", path, err)
	}
	// SQLite serialises writers; a single connection avoids SQLITE_BUSY
	// between the ingest transaction and concurrent readers in WAL mode.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

var _ Store = (*SQLiteStore)(nil)
var _ Reader = (*SQLiteStore)(nil)

// Initialize creates the schema and indexes if absent. Idempotent.
func (s *SQLiteStore) Initialize(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if s.commitsEnabled {
		if _, err := s.db.ExecContext(ctx, commitSchema); err != nil {
			return fmt.Errorf("create commits schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Reader returns the read-only handle for the repository layer.
func (s *SQLiteStore) Reader() Reader { return s }

// InsertEvents writes a batch atomically. Duplicates on id are skipped via
// INSERT OR IGNORE; the returned count is the number of new rows.
func (s *SQLiteStore) InsertEvents(ctx context.Context, events []Event) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	inserted, err := insertEventsTx(ctx, tx, events)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit batch: %w", err)
	}
	return inserted, nil
}

// RecordPoll writes the batch and the endpoint's etag in one transaction.
// A failed commit leaves the previous etag in place so the next poll re-reads
// the same window.
func (s *SQLiteStore) RecordPoll(ctx context.Context, key, etag string, at time.Time, events []Event) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	inserted, err := insertEventsTx(ctx, tx, events)
	if err != nil {
		return 0, err
	}
	if err := putETagTx(ctx, tx, key, etag, at); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit poll: %w", err)
	}
	return inserted, nil
}

func insertEventsTx(ctx context.Context, tx *sqlx.Tx, events []Event) (int64, error) {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO events
		    (id, event_type, repo_name, actor_login, created_at, payload, collected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	var inserted int64
	for _, ev := range events {
		res, err := stmt.ExecContext(ctx,
			ev.ID, ev.Type, ev.RepoName, ev.ActorLogin,
			ev.CreatedAt.UTC(), ev.Payload, ev.CollectedAt.UTC())
		if err != nil {
			return 0, fmt.Errorf("insert event %s: %w", ev.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("rows affected: %w", err)
		}
		inserted += n
	}
	return inserted, nil
}

func putETagTx(ctx context.Context, tx *sqlx.Tx, key, etag string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO etag_cache (key, etag, last_poll_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET etag = excluded.etag, last_poll_at = excluded.last_poll_at`,
		key, etag, at.UTC())
	if err != nil {
		return fmt.Errorf("upsert etag %q: %w", key, err)
	}
	return nil
}

// GetETag returns the cached tag and last poll instant for key.
func (s *SQLiteStore) GetETag(ctx context.Context, key string) (string, time.Time, bool, error) {
	var row struct {
		ETag       sql.NullString `db:"etag"`
		LastPollAt time.Time      `db:"last_poll_at"`
	}
	err := s.db.GetContext(ctx, &row,
		`SELECT etag, last_poll_at FROM etag_cache WHERE key = ?`, key)
	if err == sql.ErrNoRows {
		return "", time.Time{}, false, nil
	}
	if err != nil {
		return "", time.Time{}, false, fmt.Errorf("get etag %q: %w", key, err)
	}
	return row.ETag.String, row.LastPollAt.UTC(), true, nil
}

// PutETag upserts the cached tag and last poll instant for key.
func (s *SQLiteStore) PutETag(ctx context.Context, key, etag string, at time.Time) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := putETagTx(ctx, tx, key, etag, at); err != nil {
		return err
	}
	return tx.Commit()
}

// InsertCommits writes extracted commits, skipping duplicate SHAs.
func (s *SQLiteStore) InsertCommits(ctx context.Context, commits []Commit) (int64, error) {
	if !s.commitsEnabled {
		return 0, fmt.Errorf("commit extraction is not enabled")
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var inserted int64
	for _, c := range commits {
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO commits
			    (sha, event_id, repo_name, author_name, message, committed_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			c.SHA, c.EventID, c.RepoName, c.AuthorName, c.Message, c.CommittedAt.UTC())
		if err != nil {
			return 0, fmt.Errorf("insert commit %s: %w", c.SHA, err)
		}
		n, _ := res.RowsAffected()
		inserted += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit batch: %w", err)
	}
	return inserted, nil
}

// ── Reader ────────────────────────────────────────────────────────────────

// CountEventsByType counts events with created_at >= since, grouped by type.
func (s *SQLiteStore) CountEventsByType(ctx context.Context, since time.Time) (map[string]int64, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT event_type, COUNT(*) AS count FROM events
		WHERE created_at >= ? GROUP BY event_type`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("count events by type: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var typ string
		var n int64
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, fmt.Errorf("scan type count: %w", err)
		}
		counts[typ] = n
	}
	return counts, rows.Err()
}

// EventTimes returns creation instants ascending, optionally filtered.
func (s *SQLiteStore) EventTimes(ctx context.Context, since time.Time, eventType, repo string) ([]time.Time, error) {
	query := `SELECT created_at FROM events WHERE 1=1`
	var args []interface{}
	if !since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, since.UTC())
	}
	if eventType != "" {
		query += ` AND event_type = ?`
		args = append(args, eventType)
	}
	if repo != "" {
		query += ` AND repo_name = ?`
		args = append(args, repo)
	}
	query += ` ORDER BY created_at ASC`

	var raw []time.Time
	if err := s.db.SelectContext(ctx, &raw, query, args...); err != nil {
		return nil, fmt.Errorf("event times: %w", err)
	}
	times := make([]time.Time, len(raw))
	for i, t := range raw {
		times[i] = t.UTC()
	}
	return times, nil
}

// TypedEventTimes returns (type, created_at) pairs ascending.
func (s *SQLiteStore) TypedEventTimes(ctx context.Context, since time.Time, repo string) ([]TypedTime, error) {
	query := `SELECT event_type, created_at FROM events WHERE created_at >= ?`
	args := []interface{}{since.UTC()}
	if repo != "" {
		query += ` AND repo_name = ?`
		args = append(args, repo)
	}
	query += ` ORDER BY created_at ASC`

	var out []TypedTime
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("typed event times: %w", err)
	}
	for i := range out {
		out[i].CreatedAt = out[i].CreatedAt.UTC()
	}
	return out, nil
}

// RepoWindowStats summarises one repo's events inside the window.
func (s *SQLiteStore) RepoWindowStats(ctx context.Context, repo string, since time.Time) (RepoWindow, error) {
	win := RepoWindow{CountsByType: make(map[string]int64)}

	rows, err := s.db.QueryxContext(ctx, `
		SELECT event_type, COUNT(*) AS count FROM events
		WHERE repo_name = ? AND created_at >= ? GROUP BY event_type`,
		repo, since.UTC())
	if err != nil {
		return win, fmt.Errorf("repo type counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var typ string
		var n int64
		if err := rows.Scan(&typ, &n); err != nil {
			return win, fmt.Errorf("scan repo type count: %w", err)
		}
		win.CountsByType[typ] = n
	}
	if err := rows.Err(); err != nil {
		return win, err
	}

	err = s.db.GetContext(ctx, &win.ActorCount, `
		SELECT COUNT(DISTINCT actor_login) FROM events
		WHERE repo_name = ? AND created_at >= ? AND actor_login <> ''`,
		repo, since.UTC())
	if err != nil {
		return win, fmt.Errorf("repo actor count: %w", err)
	}

	// MIN/MAX expressions lose the column's declared type under SQLite, so
	// first/last are read through direct column selects.
	first, err := s.boundaryEventTime(ctx, repo, since, "ASC")
	if err != nil {
		return win, err
	}
	win.FirstEvent = first
	last, err := s.boundaryEventTime(ctx, repo, since, "DESC")
	if err != nil {
		return win, err
	}
	win.LastEvent = last
	return win, nil
}

func (s *SQLiteStore) boundaryEventTime(ctx context.Context, repo string, since time.Time, order string) (*time.Time, error) {
	var t time.Time
	err := s.db.GetContext(ctx, &t, `
		SELECT created_at FROM events
		WHERE repo_name = ? AND created_at >= ?
		ORDER BY created_at `+order+` LIMIT 1`, repo, since.UTC())
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("repo boundary event: %w", err)
	}
	t = t.UTC()
	return &t, nil
}

// TrendingRepos returns repos ordered by count descending, name ascending.
func (s *SQLiteStore) TrendingRepos(ctx context.Context, since time.Time, limit int) ([]RepoCount, error) {
	if limit <= 0 {
		return []RepoCount{}, nil
	}
	var out []RepoCount
	err := s.db.SelectContext(ctx, &out, `
		SELECT repo_name, COUNT(*) AS count FROM events
		WHERE created_at >= ?
		GROUP BY repo_name
		ORDER BY count DESC, repo_name ASC
		LIMIT ?`, since.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("trending repos: %w", err)
	}
	if out == nil {
		out = []RepoCount{}
	}
	return out, nil
}

// PullRequestPayloads returns raw PullRequestEvent payloads ascending.
func (s *SQLiteStore) PullRequestPayloads(ctx context.Context, repo string, since time.Time) ([]PayloadRow, error) {
	var out []PayloadRow
	err := s.db.SelectContext(ctx, &out, `
		SELECT created_at, payload FROM events
		WHERE event_type = 'PullRequestEvent' AND repo_name = ? AND created_at >= ?
		ORDER BY created_at ASC`, repo, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("pull request payloads: %w", err)
	}
	for i := range out {
		out[i].CreatedAt = out[i].CreatedAt.UTC()
	}
	return out, nil
}

// CountEvents returns the total number of stored events.
func (s *SQLiteStore) CountEvents(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM events`); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}
