package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"driftwire/internal/model"
)

// EventIndex names a secondary index on the events table.
type EventIndex string

const (
	IndexCategory EventIndex = "category"
	IndexRead     EventIndex = "is_read"
	IndexSubject  EventIndex = "subject"
	IndexAuthor   EventIndex = "author_id"
)

const (
	eventColumns = `key, category, author_id, author_handle, created_at, is_read, subject, text`
	// the read flag only ever moves from unread to read
	sqlUpsertEvent = `INSERT INTO events(` + eventColumns + `) VALUES(?,?,?,?,?,?,?,?)
	ON CONFLICT(key) DO UPDATE SET
	  category=excluded.category,
	  author_id=excluded.author_id,
	  author_handle=excluded.author_handle,
	  created_at=excluded.created_at,
	  is_read=MAX(events.is_read, excluded.is_read),
	  subject=excluded.subject,
	  text=excluded.text`
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func putEvent(ctx context.Context, ex execer, e model.Event) error {
	if e.Key == "" {
		return errors.New("event without key")
	}
	_, err := ex.ExecContext(ctx, sqlUpsertEvent,
		e.Key, string(e.Category), e.AuthorID, e.AuthorHandle, toMillis(e.CreatedAt), boolInt(e.Read), e.Subject, e.Text)
	return err
}

// PutEvent upserts a single event by key.
func (d *DB) PutEvent(ctx context.Context, e model.Event) error {
	return d.withTx(ctx, func(tx *sql.Tx) error { return putEvent(ctx, tx, e) })
}

// PutEvents upserts a batch atomically. Separate batches are independent.
func (d *DB) PutEvents(ctx context.Context, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}
	return d.withTx(ctx, func(tx *sql.Tx) error {
		for _, e := range events {
			if err := putEvent(ctx, tx, e); err != nil {
				return fmt.Errorf("put event %s: %w", e.Key, err)
			}
		}
		return nil
	})
}

// GetEvent returns the event stored under key or ErrNotFound.
func (d *DB) GetEvent(ctx context.Context, key string) (model.Event, error) {
	row := d.sql.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE key=?`, key)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrNotFound
	}
	return e, err
}

// EventsByIndex returns events whose indexed column equals value, newest first.
// A non-positive limit returns every match.
func (d *DB) EventsByIndex(ctx context.Context, index EventIndex, value any, limit int) ([]model.Event, error) {
	switch index {
	case IndexCategory, IndexSubject, IndexAuthor:
	case IndexRead:
		if b, ok := value.(bool); ok {
			value = boolInt(b)
		}
	default:
		return nil, fmt.Errorf("unknown event index %q", index)
	}
	if c, ok := value.(model.Category); ok {
		value = string(c)
	}
	q := `SELECT ` + eventColumns + ` FROM events WHERE ` + string(index) + `=? ORDER BY created_at DESC, key`
	args := []any{value}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return d.queryEvents(ctx, q, args...)
}

// ScanEvents pages through all events newest first. Offset skipping is linear,
// so callers should keep it bounded.
func (d *DB) ScanEvents(ctx context.Context, limit, offset int) ([]model.Event, error) {
	if limit <= 0 {
		limit = -1
	}
	if offset < 0 {
		offset = 0
	}
	return d.queryEvents(ctx, `SELECT `+eventColumns+` FROM events ORDER BY created_at DESC, key LIMIT ? OFFSET ?`, limit, offset)
}

// EventsSince returns events created at or after since, newest first.
func (d *DB) EventsSince(ctx context.Context, since time.Time) ([]model.Event, error) {
	return d.queryEvents(ctx, `SELECT `+eventColumns+` FROM events WHERE created_at>=? ORDER BY created_at DESC, key`, toMillis(since))
}

// CountEvents counts distinct stored events.
func (d *DB) CountEvents(ctx context.Context) (int, error) {
	var n int
	err := d.sql.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n)
	return n, err
}

// CountEventsBy counts events grouped by category plus the unread total.
func (d *DB) CountEventsBy(ctx context.Context) (map[model.Category]int, int, error) {
	rows, err := d.sql.QueryContext(ctx, `SELECT category, COUNT(*), SUM(CASE WHEN is_read=0 THEN 1 ELSE 0 END) FROM events GROUP BY category`)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	out := make(map[model.Category]int)
	unread := 0
	for rows.Next() {
		var cat string
		var n, u int
		if err := rows.Scan(&cat, &n, &u); err != nil {
			return nil, 0, err
		}
		out[model.Category(cat)] = n
		unread += u
	}
	return out, unread, rows.Err()
}

// MarkRead flips the read flag for keys and reports how many rows changed.
// Keys that are already read or unknown are skipped.
func (d *DB) MarkRead(ctx context.Context, keys []string) (int, error) {
	changed := 0
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		changed = 0
		for _, k := range keys {
			res, err := tx.ExecContext(ctx, `UPDATE events SET is_read=1 WHERE key=? AND is_read=0`, k)
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			changed += int(n)
		}
		return nil
	})
	return changed, err
}

func (d *DB) queryEvents(ctx context.Context, q string, args ...any) ([]model.Event, error) {
	rows, err := d.sql.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface{ Scan(dest ...any) error }

func scanEvent(r rowScanner) (model.Event, error) {
	var e model.Event
	var cat string
	var created int64
	var read int
	if err := r.Scan(&e.Key, &cat, &e.AuthorID, &e.AuthorHandle, &created, &read, &e.Subject, &e.Text); err != nil {
		return e, err
	}
	e.Category = model.Category(cat)
	e.CreatedAt = fromMillis(created)
	e.Read = read == 1
	return e, nil
}
