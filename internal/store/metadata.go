package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"driftwire/internal/model"
)

// GetMetadata returns the singleton metadata row; a zero value when none exists yet.
func (d *DB) GetMetadata(ctx context.Context) (model.Metadata, error) {
	var m model.Metadata
	var last int64
	var pages string
	err := d.sql.QueryRowContext(ctx, `SELECT last_fetch, known_pages, total_cached FROM metadata WHERE id=1`).Scan(&last, &pages, &m.TotalCached)
	if errors.Is(err, sql.ErrNoRows) {
		return m, nil
	}
	if err != nil {
		return m, err
	}
	m.LastFetch = fromMillis(last)
	if err := json.Unmarshal([]byte(pages), &m.KnownPages); err != nil {
		return m, err
	}
	return m, nil
}

// RecordFetch adds page to the known-page set, stamps lastFetch and stores
// total, which the caller recomputes from the events table.
// A negative page only updates the timestamp and total.
func (d *DB) RecordFetch(ctx context.Context, page int, fetchedAt time.Time, total int) error {
	return d.withTx(ctx, func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRowContext(ctx, `SELECT known_pages FROM metadata WHERE id=1`).Scan(&raw)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		var pages []int
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &pages); err != nil {
				return err
			}
		}
		if page >= 0 {
			pages = addPage(pages, page)
		}
		return writeMetadata(ctx, tx, fetchedAt, pages, total)
	})
}

func writeMetadata(ctx context.Context, ex execer, fetchedAt time.Time, pages []int, total int) error {
	if pages == nil {
		pages = []int{}
	}
	b, err := json.Marshal(pages)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, `INSERT INTO metadata(id, last_fetch, known_pages, total_cached) VALUES(1,?,?,?)
	ON CONFLICT(id) DO UPDATE SET last_fetch=excluded.last_fetch, known_pages=excluded.known_pages, total_cached=excluded.total_cached`,
		toMillis(fetchedAt), string(b), total)
	return err
}

// addPage inserts page into the sorted set; the set only grows.
func addPage(pages []int, page int) []int {
	i := sort.SearchInts(pages, page)
	if i < len(pages) && pages[i] == page {
		return pages
	}
	pages = append(pages, 0)
	copy(pages[i+1:], pages[i:])
	pages[i] = page
	return pages
}
