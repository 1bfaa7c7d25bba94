package store

import (
	"context"
	"database/sql"
	"errors"

	"driftwire/internal/model"
)

const snapshotColumns = `date, followers, following, posts_count, total_likes, total_reposts, total_replies, total_quotes,
  avg_likes, avg_reposts, avg_replies, engagement_rate, today_posts, today_media, today_threads, created_at`

// PutSnapshot upserts the rollup keyed by its date; re-running a day overwrites it.
func (d *DB) PutSnapshot(ctx context.Context, s model.DailySnapshot) error {
	return d.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO daily_snapshots(`+snapshotColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(date) DO UPDATE SET
		  followers=excluded.followers, following=excluded.following, posts_count=excluded.posts_count,
		  total_likes=excluded.total_likes, total_reposts=excluded.total_reposts, total_replies=excluded.total_replies,
		  total_quotes=excluded.total_quotes, avg_likes=excluded.avg_likes, avg_reposts=excluded.avg_reposts,
		  avg_replies=excluded.avg_replies, engagement_rate=excluded.engagement_rate, today_posts=excluded.today_posts,
		  today_media=excluded.today_media, today_threads=excluded.today_threads, created_at=excluded.created_at`,
			s.Date, s.Followers, s.Following, s.PostsCount, s.TotalLikes, s.TotalReposts, s.TotalReplies, s.TotalQuotes,
			s.AvgLikesPerPost, s.AvgRepostsPerPost, s.AvgRepliesPerPost, s.EngagementRate,
			s.TodayPosts, s.TodayMediaPosts, s.TodayThreads, toMillis(s.CreatedAt))
		return err
	})
}

// GetSnapshot returns the snapshot for date or ErrNotFound.
func (d *DB) GetSnapshot(ctx context.Context, date string) (model.DailySnapshot, error) {
	row := d.sql.QueryRowContext(ctx, `SELECT `+snapshotColumns+` FROM daily_snapshots WHERE date=?`, date)
	s, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	return s, err
}

// RecentSnapshots returns up to limit snapshots, newest date first.
func (d *DB) RecentSnapshots(ctx context.Context, limit int) ([]model.DailySnapshot, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := d.sql.QueryContext(ctx, `SELECT `+snapshotColumns+` FROM daily_snapshots ORDER BY date DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.DailySnapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// CountSnapshots returns the number of stored days.
func (d *DB) CountSnapshots(ctx context.Context) (int, error) {
	var n int
	err := d.sql.QueryRowContext(ctx, `SELECT COUNT(*) FROM daily_snapshots`).Scan(&n)
	return n, err
}

func scanSnapshot(r rowScanner) (model.DailySnapshot, error) {
	var s model.DailySnapshot
	var created int64
	err := r.Scan(&s.Date, &s.Followers, &s.Following, &s.PostsCount, &s.TotalLikes, &s.TotalReposts, &s.TotalReplies, &s.TotalQuotes,
		&s.AvgLikesPerPost, &s.AvgRepostsPerPost, &s.AvgRepliesPerPost, &s.EngagementRate,
		&s.TodayPosts, &s.TodayMediaPosts, &s.TodayThreads, &created)
	s.CreatedAt = fromMillis(created)
	return s, err
}
