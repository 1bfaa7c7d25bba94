package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"driftwire/internal/model"
)

const historyColumns = `post_key, date, hour, likes, reposts, replies, quotes, likes_gained, reposts_gained, replies_gained, recorded_at`

// AppendEngagementSample inserts a history sample. Samples are never
// rewritten: a second sample for the same post, date and hour is dropped and
// reported as false.
func (d *DB) AppendEngagementSample(ctx context.Context, s model.EngagementSample) (bool, error) {
	inserted := false
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO engagement_history(`+historyColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(post_key, date, hour) DO NOTHING`,
			s.PostKey, s.Date, s.Hour, s.Counts.Likes, s.Counts.Reposts, s.Counts.Replies, s.Counts.Quotes,
			s.LikesGained, s.RepostsGained, s.RepliesGained, toMillis(s.RecordedAt))
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		inserted = n > 0
		return nil
	})
	return inserted, err
}

// LatestEngagementSample returns the most recent sample for a post or ErrNotFound.
func (d *DB) LatestEngagementSample(ctx context.Context, postKey string) (model.EngagementSample, error) {
	row := d.sql.QueryRowContext(ctx, `SELECT `+historyColumns+` FROM engagement_history WHERE post_key=? ORDER BY recorded_at DESC LIMIT 1`, postKey)
	s, err := scanSample(row)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	return s, err
}

// EngagementHistory returns samples for a post, newest first.
func (d *DB) EngagementHistory(ctx context.Context, postKey string, limit int) ([]model.EngagementSample, error) {
	if limit <= 0 {
		limit = -1
	}
	return d.querySamples(ctx, `SELECT `+historyColumns+` FROM engagement_history WHERE post_key=? ORDER BY recorded_at DESC LIMIT ?`, postKey, limit)
}

// EngagementSamplesSince returns samples of every post recorded at or after since, oldest first.
func (d *DB) EngagementSamplesSince(ctx context.Context, since time.Time) ([]model.EngagementSample, error) {
	return d.querySamples(ctx, `SELECT `+historyColumns+` FROM engagement_history WHERE recorded_at>=? ORDER BY recorded_at`, toMillis(since))
}

func (d *DB) querySamples(ctx context.Context, q string, args ...any) ([]model.EngagementSample, error) {
	rows, err := d.sql.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.EngagementSample
	for rows.Next() {
		s, err := scanSample(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanSample(r rowScanner) (model.EngagementSample, error) {
	var s model.EngagementSample
	var recorded int64
	err := r.Scan(&s.PostKey, &s.Date, &s.Hour, &s.Counts.Likes, &s.Counts.Reposts, &s.Counts.Replies, &s.Counts.Quotes,
		&s.LikesGained, &s.RepostsGained, &s.RepliesGained, &recorded)
	s.RecordedAt = fromMillis(recorded)
	return s, err
}
