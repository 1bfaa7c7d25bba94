package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"driftwire/internal/model"
)

const engagerColumns = `engager_id, handle, total_interactions, liked_posts, reposted_posts, replied_posts, first_seen, last_seen`

// PutEngagers upserts aggregates by engager id in one transaction.
func (d *DB) PutEngagers(ctx context.Context, engagers []model.ActiveEngager) error {
	if len(engagers) == 0 {
		return nil
	}
	return d.withTx(ctx, func(tx *sql.Tx) error {
		for _, e := range engagers {
			liked, err := json.Marshal(nonNil(e.LikedPosts))
			if err != nil {
				return err
			}
			reposted, err := json.Marshal(nonNil(e.RepostedPosts))
			if err != nil {
				return err
			}
			replied, err := json.Marshal(nonNil(e.RepliedPosts))
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `INSERT INTO active_engagers(`+engagerColumns+`) VALUES(?,?,?,?,?,?,?,?)
			ON CONFLICT(engager_id) DO UPDATE SET
			  handle=excluded.handle,
			  total_interactions=excluded.total_interactions,
			  liked_posts=excluded.liked_posts,
			  reposted_posts=excluded.reposted_posts,
			  replied_posts=excluded.replied_posts,
			  first_seen=excluded.first_seen,
			  last_seen=excluded.last_seen`,
				e.ID, e.Handle, e.TotalInteractions, string(liked), string(reposted), string(replied),
				toMillis(e.FirstSeen), toMillis(e.LastSeen))
			if err != nil {
				return fmt.Errorf("put engager %s: %w", e.ID, err)
			}
		}
		return nil
	})
}

// GetEngager returns one aggregate or ErrNotFound.
func (d *DB) GetEngager(ctx context.Context, id string) (model.ActiveEngager, error) {
	row := d.sql.QueryRowContext(ctx, `SELECT `+engagerColumns+` FROM active_engagers WHERE engager_id=?`, id)
	e, err := scanEngager(row)
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrNotFound
	}
	return e, err
}

// TopEngagers returns aggregates ordered by total interactions.
func (d *DB) TopEngagers(ctx context.Context, limit int) ([]model.ActiveEngager, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := d.sql.QueryContext(ctx, `SELECT `+engagerColumns+` FROM active_engagers ORDER BY total_interactions DESC, last_seen DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ActiveEngager
	for rows.Next() {
		e, err := scanEngager(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEngager(r rowScanner) (model.ActiveEngager, error) {
	var e model.ActiveEngager
	var liked, reposted, replied string
	var first, last int64
	if err := r.Scan(&e.ID, &e.Handle, &e.TotalInteractions, &liked, &reposted, &replied, &first, &last); err != nil {
		return e, err
	}
	for _, f := range []struct {
		raw string
		dst *[]string
	}{{liked, &e.LikedPosts}, {reposted, &e.RepostedPosts}, {replied, &e.RepliedPosts}} {
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return e, fmt.Errorf("engager %s: %w", e.ID, err)
		}
	}
	e.FirstSeen = fromMillis(first)
	e.LastSeen = fromMillis(last)
	return e, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
