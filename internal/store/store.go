// Package store is the persistent SQLite layer behind the local cache: events,
// cache metadata, post metrics, engagement history, active engagers and daily
// snapshots, each with its secondary indexes.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"

	"driftwire/internal/logging"
)

var (
	// ErrStorageUnavailable means the database file could not be opened or initialised.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrMigrationFailed means a legacy import failed; the legacy source is left in place.
	ErrMigrationFailed = errors.New("legacy migration failed")
	// ErrNotFound is returned by single-row lookups with no match.
	ErrNotFound = errors.New("not found")
)

const schemaVersion = 1

// DB wraps the SQLite database holding the cache tables.
type DB struct{ sql *sql.DB }

// Open opens (creating if needed) the database at path and ensures the schema.
// It is safe to call on an already initialised file.
func Open(path string) (*DB, error) {
	d, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	// one connection: SQLite has a single writer and :memory: is per connection
	d.SetMaxOpenConns(1)
	if err := d.Ping(); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := d.Exec(pragma); err != nil {
			_ = d.Close()
			return nil, fmt.Errorf("%w: %s: %v", ErrStorageUnavailable, pragma, err)
		}
	}
	db := &DB{sql: d}
	if err := db.migrate(); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("%w: schema: %v", ErrStorageUnavailable, err)
	}
	return db, nil
}

func (d *DB) Close() error { return d.sql.Close() }

func (d *DB) migrate() error {
	var version int
	if err := d.sql.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return err
	}
	if _, err := d.sql.Exec(schema); err != nil {
		return err
	}
	if version < schemaVersion {
		if _, err := d.sql.Exec(fmt.Sprintf(`PRAGMA user_version=%d`, schemaVersion)); err != nil {
			return err
		}
		logging.Info("store_schema_created", map[string]any{"version": schemaVersion})
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS events (
  key TEXT PRIMARY KEY,
  category TEXT NOT NULL,
  author_id TEXT NOT NULL,
  author_handle TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL,
  is_read INTEGER NOT NULL DEFAULT 0,
  subject TEXT NOT NULL DEFAULT '',
  text TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_events_category ON events(category, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_events_read ON events(is_read, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_events_subject ON events(subject);
CREATE INDEX IF NOT EXISTS idx_events_author ON events(author_id);

CREATE TABLE IF NOT EXISTS metadata (
  id INTEGER PRIMARY KEY CHECK (id=1),
  last_fetch INTEGER NOT NULL DEFAULT 0,
  known_pages TEXT NOT NULL DEFAULT '[]',
  total_cached INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS post_metrics (
  key TEXT PRIMARY KEY,
  author_id TEXT NOT NULL,
  likes INTEGER NOT NULL DEFAULT 0,
  reposts INTEGER NOT NULL DEFAULT 0,
  replies INTEGER NOT NULL DEFAULT 0,
  quotes INTEGER NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL,
  has_media INTEGER NOT NULL DEFAULT 0,
  is_reply INTEGER NOT NULL DEFAULT 0,
  is_thread INTEGER NOT NULL DEFAULT 0,
  last_updated INTEGER NOT NULL DEFAULT 0,
  last_engagement_check INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_post_metrics_created_at ON post_metrics(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_post_metrics_author ON post_metrics(author_id, created_at DESC);

CREATE TABLE IF NOT EXISTS engagement_history (
  post_key TEXT NOT NULL,
  date TEXT NOT NULL,
  hour INTEGER NOT NULL,
  likes INTEGER NOT NULL,
  reposts INTEGER NOT NULL,
  replies INTEGER NOT NULL,
  quotes INTEGER NOT NULL,
  likes_gained INTEGER NOT NULL,
  reposts_gained INTEGER NOT NULL,
  replies_gained INTEGER NOT NULL,
  recorded_at INTEGER NOT NULL,
  PRIMARY KEY (post_key, date, hour)
);
CREATE INDEX IF NOT EXISTS idx_history_post ON engagement_history(post_key, recorded_at DESC);
CREATE INDEX IF NOT EXISTS idx_history_date ON engagement_history(date);

CREATE TABLE IF NOT EXISTS active_engagers (
  engager_id TEXT PRIMARY KEY,
  handle TEXT NOT NULL DEFAULT '',
  total_interactions INTEGER NOT NULL DEFAULT 0,
  liked_posts TEXT NOT NULL DEFAULT '[]',
  reposted_posts TEXT NOT NULL DEFAULT '[]',
  replied_posts TEXT NOT NULL DEFAULT '[]',
  first_seen INTEGER NOT NULL,
  last_seen INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_engagers_total ON active_engagers(total_interactions DESC);
CREATE INDEX IF NOT EXISTS idx_engagers_last_seen ON active_engagers(last_seen DESC);

CREATE TABLE IF NOT EXISTS daily_snapshots (
  date TEXT PRIMARY KEY,
  followers INTEGER NOT NULL,
  following INTEGER NOT NULL,
  posts_count INTEGER NOT NULL,
  total_likes INTEGER NOT NULL,
  total_reposts INTEGER NOT NULL,
  total_replies INTEGER NOT NULL,
  total_quotes INTEGER NOT NULL,
  avg_likes REAL NOT NULL,
  avg_reposts REAL NOT NULL,
  avg_replies REAL NOT NULL,
  engagement_rate REAL NOT NULL,
  today_posts INTEGER NOT NULL,
  today_media INTEGER NOT NULL,
  today_threads INTEGER NOT NULL,
  created_at INTEGER NOT NULL
);
`

var tables = []string{"events", "metadata", "post_metrics", "engagement_history", "active_engagers", "daily_snapshots"}

// Clear wipes every table. The schema itself is kept.
func (d *DB) Clear(ctx context.Context) error {
	return d.withTx(ctx, func(tx *sql.Tx) error {
		for _, t := range tables {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+t); err != nil {
				return fmt.Errorf("clear %s: %w", t, err)
			}
		}
		return nil
	})
}

const maxBusyRetries = 5

// withTx runs f in a transaction, retrying the whole transaction while SQLite reports SQLITE_BUSY.
func (d *DB) withTx(ctx context.Context, f func(tx *sql.Tx) error) error {
	var err error
	for attempt := 0; attempt < maxBusyRetries; attempt++ {
		err = d.tryTx(ctx, f)
		if !isBusy(err) {
			return err
		}
		select {
		case <-time.After(time.Duration(attempt+1) * 20 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (d *DB) tryTx(ctx context.Context, f func(tx *sql.Tx) error) error {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := f(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func isBusy(err error) bool {
	var serr *sqlite.Error
	return errors.As(err, &serr) && serr.Code() == sqlitelib.SQLITE_BUSY
}

// Precision is the resolution a timestamp keeps once stored.
const Precision = time.Millisecond

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
