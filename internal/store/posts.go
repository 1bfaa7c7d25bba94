package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"driftwire/internal/model"
)

const (
	postColumns = `key, author_id, likes, reposts, replies, quotes, created_at, has_media, is_reply, is_thread, last_updated, last_engagement_check`
	// last_engagement_check belongs to the refresh phase and survives feed upserts
	sqlUpsertPost = `INSERT INTO post_metrics(` + postColumns + `) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
	ON CONFLICT(key) DO UPDATE SET
	  author_id=excluded.author_id,
	  likes=excluded.likes,
	  reposts=excluded.reposts,
	  replies=excluded.replies,
	  quotes=excluded.quotes,
	  created_at=excluded.created_at,
	  has_media=excluded.has_media,
	  is_reply=excluded.is_reply,
	  is_thread=excluded.is_thread,
	  last_updated=excluded.last_updated,
	  last_engagement_check=MAX(post_metrics.last_engagement_check, excluded.last_engagement_check)`
)

func putPost(ctx context.Context, ex execer, p model.PostMetrics) error {
	if p.Key == "" {
		return errors.New("post without key")
	}
	_, err := ex.ExecContext(ctx, sqlUpsertPost,
		p.Key, p.AuthorID, p.Counts.Likes, p.Counts.Reposts, p.Counts.Replies, p.Counts.Quotes,
		toMillis(p.CreatedAt), boolInt(p.HasMedia), boolInt(p.IsReply), boolInt(p.IsThread),
		toMillis(p.LastUpdated), toMillis(p.LastEngagementCheck))
	return err
}

// PutPost upserts one post metrics row.
func (d *DB) PutPost(ctx context.Context, p model.PostMetrics) error {
	return d.withTx(ctx, func(tx *sql.Tx) error { return putPost(ctx, tx, p) })
}

// PutPosts upserts a batch of post metrics atomically.
func (d *DB) PutPosts(ctx context.Context, posts []model.PostMetrics) error {
	if len(posts) == 0 {
		return nil
	}
	return d.withTx(ctx, func(tx *sql.Tx) error {
		for _, p := range posts {
			if err := putPost(ctx, tx, p); err != nil {
				return fmt.Errorf("put post %s: %w", p.Key, err)
			}
		}
		return nil
	})
}

// GetPost returns the metrics row for key or ErrNotFound.
func (d *DB) GetPost(ctx context.Context, key string) (model.PostMetrics, error) {
	row := d.sql.QueryRowContext(ctx, `SELECT `+postColumns+` FROM post_metrics WHERE key=?`, key)
	p, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	return p, err
}

// CountPosts counts stored posts by author; an empty author counts all.
func (d *DB) CountPosts(ctx context.Context, author string) (int, error) {
	var n int
	var err error
	if author == "" {
		err = d.sql.QueryRowContext(ctx, `SELECT COUNT(*) FROM post_metrics`).Scan(&n)
	} else {
		err = d.sql.QueryRowContext(ctx, `SELECT COUNT(*) FROM post_metrics WHERE author_id=?`, author).Scan(&n)
	}
	return n, err
}

// NewestPostTime returns the creation time of the newest stored post by author,
// zero when there are none.
func (d *DB) NewestPostTime(ctx context.Context, author string) (time.Time, error) {
	var ms sql.NullInt64
	if err := d.sql.QueryRowContext(ctx, `SELECT MAX(created_at) FROM post_metrics WHERE author_id=?`, author).Scan(&ms); err != nil {
		return time.Time{}, err
	}
	if !ms.Valid {
		return time.Time{}, nil
	}
	return fromMillis(ms.Int64), nil
}

// PostsByAuthor returns every stored post by author, newest first.
func (d *DB) PostsByAuthor(ctx context.Context, author string) ([]model.PostMetrics, error) {
	return d.queryPosts(ctx, `SELECT `+postColumns+` FROM post_metrics WHERE author_id=? ORDER BY created_at DESC`, author)
}

// PostsCreatedSince returns posts by author created at or after since, newest first.
func (d *DB) PostsCreatedSince(ctx context.Context, author string, since time.Time) ([]model.PostMetrics, error) {
	return d.queryPosts(ctx, `SELECT `+postColumns+` FROM post_metrics WHERE author_id=? AND created_at>=? ORDER BY created_at DESC`, author, toMillis(since))
}

// UpdatePostCounts stores refreshed counters and stamps the engagement check time.
func (d *DB) UpdatePostCounts(ctx context.Context, key string, c model.Counts, checkedAt time.Time) error {
	return d.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE post_metrics SET likes=?, reposts=?, replies=?, quotes=?, last_updated=?, last_engagement_check=? WHERE key=?`,
			c.Likes, c.Reposts, c.Replies, c.Quotes, toMillis(checkedAt), toMillis(checkedAt), key)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (d *DB) queryPosts(ctx context.Context, q string, args ...any) ([]model.PostMetrics, error) {
	rows, err := d.sql.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.PostMetrics
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPost(r rowScanner) (model.PostMetrics, error) {
	var p model.PostMetrics
	var created, updated, checked int64
	var media, reply, thread int
	err := r.Scan(&p.Key, &p.AuthorID, &p.Counts.Likes, &p.Counts.Reposts, &p.Counts.Replies, &p.Counts.Quotes,
		&created, &media, &reply, &thread, &updated, &checked)
	if err != nil {
		return p, err
	}
	p.CreatedAt = fromMillis(created)
	p.HasMedia = media == 1
	p.IsReply = reply == 1
	p.IsThread = thread == 1
	p.LastUpdated = fromMillis(updated)
	p.LastEngagementCheck = fromMillis(checked)
	return p, nil
}
