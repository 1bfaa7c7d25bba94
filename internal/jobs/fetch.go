package jobs

import (
	"context"
	"fmt"

	"driftwire/internal/dedupe"
	"driftwire/internal/logging"
	"driftwire/internal/metrics"
	"driftwire/internal/model"
	"driftwire/internal/ratelimit"
	"driftwire/internal/store"
	"driftwire/internal/xclient"
)

func (e *Engine) fetchPage(ctx context.Context, identity, cursor string) (xclient.FeedPage, error) {
	page, err := ratelimit.Execute(ctx, e.limiter, ratelimit.Feed, func(ctx context.Context) (xclient.FeedPage, error) {
		return dedupe.Do(ctx, e.group, "feed:"+identity+":"+cursor, func(ctx context.Context) (xclient.FeedPage, error) {
			return e.src.ListItems(ctx, identity, cursor)
		})
	})
	if err != nil {
		return page, fmt.Errorf("%w: feed page %q: %w", ErrRemoteFetchFailed, cursor, err)
	}
	return page, nil
}

// fetchProgress maps fetched items onto 10..60 using the profile post count as the estimate.
func (r *run) fetchProgress(fetched int) {
	est := r.profile.Posts
	if est < fetched {
		est = fetched
	}
	pct := 10
	if est > 0 {
		pct += 50 * fetched / est
	}
	if pct > 59 {
		pct = 59
	}
	r.report(fmt.Sprintf("fetched %d posts", fetched), pct)
}

// flush writes buffered posts and resets the buffer.
func (e *Engine) flush(ctx context.Context, r *run, buf []model.PostMetrics) ([]model.PostMetrics, error) {
	if len(buf) == 0 {
		return buf, nil
	}
	if err := e.db.PutPosts(ctx, buf); err != nil {
		return buf, err
	}
	r.res.PostsStored += len(buf)
	metrics.ItemsStored.Add(float64(len(buf)))
	logging.Debug("sync_flush", r.fields(map[string]any{"count": len(buf)}))
	return buf[:0], nil
}

// fullFetch walks the whole feed, keeping only the identity's own posts.
func (e *Engine) fullFetch(ctx context.Context, r *run) error {
	r.report("full fetch", 10)
	buf := make([]model.PostMetrics, 0, e.set.FlushEvery)
	cursor, fetched := "", 0
	for {
		page, err := e.fetchPage(ctx, r.res.Identity, cursor)
		if err != nil {
			return err
		}
		now := e.now()
		for _, p := range page.Items {
			if p.AuthorID != r.profile.ID {
				continue
			}
			buf = append(buf, model.MetricsFromPost(p, now))
			fetched++
			if len(buf) >= e.set.FlushEvery {
				if buf, err = e.flush(ctx, r, buf); err != nil {
					return err
				}
			}
		}
		r.fetchProgress(fetched)
		if page.Cursor == "" || page.Cursor == cursor {
			break
		}
		cursor = page.Cursor
		if err := sleep(ctx, e.set.PageDelay); err != nil {
			return err
		}
	}
	_, err := e.flush(ctx, r, buf)
	return err
}

// incrementalFetch walks from newest until it meets a post no newer than the
// newest one already stored. Timestamps are compared at store precision and a
// post with exactly the stored timestamp counts as seen.
func (e *Engine) incrementalFetch(ctx context.Context, r *run) error {
	newest, err := e.db.NewestPostTime(ctx, r.profile.ID)
	if err != nil {
		return err
	}
	r.report("incremental fetch", 10)
	buf := make([]model.PostMetrics, 0, e.set.FlushEvery)
	cursor, fetched := "", 0
	for {
		page, err := e.fetchPage(ctx, r.res.Identity, cursor)
		if err != nil {
			return err
		}
		now := e.now()
		caughtUp := false
		for _, p := range page.Items {
			if p.AuthorID != r.profile.ID {
				continue
			}
			if !p.CreatedAt.Truncate(store.Precision).After(newest) {
				caughtUp = true
				break
			}
			buf = append(buf, model.MetricsFromPost(p, now))
			fetched++
			if len(buf) >= e.set.FlushEvery {
				if buf, err = e.flush(ctx, r, buf); err != nil {
					return err
				}
			}
		}
		r.fetchProgress(fetched)
		if caughtUp || page.Cursor == "" || page.Cursor == cursor {
			break
		}
		cursor = page.Cursor
		if err := sleep(ctx, e.set.PageDelay); err != nil {
			return err
		}
	}
	_, err = e.flush(ctx, r, buf)
	return err
}

// FetchNotificationsPage fetches one notifications page and caches it as page
// number page. It returns the next cursor, empty when exhausted.
func (e *Engine) FetchNotificationsPage(ctx context.Context, page int, cursor string) (string, int, error) {
	np, err := ratelimit.Execute(ctx, e.limiter, ratelimit.Feed, func(ctx context.Context) (xclient.NotificationPage, error) {
		return dedupe.Do(ctx, e.group, "notifications:"+cursor, func(ctx context.Context) (xclient.NotificationPage, error) {
			return e.src.ListNotifications(ctx, cursor)
		})
	})
	if err != nil {
		metrics.SyncErrors.WithLabelValues("notifications").Inc()
		return "", 0, fmt.Errorf("%w: notifications page %d: %w", ErrRemoteFetchFailed, page, err)
	}
	if err := e.cache.CacheEvents(ctx, np.Events, page); err != nil {
		return "", 0, err
	}
	logging.Info("notifications_cached", map[string]any{"page": page, "count": len(np.Events), "skipped": np.Skipped})
	return np.Cursor, len(np.Events), nil
}

// FetchNotifications pages through notifications until exhausted or maxPages
// is reached, caching each page under its index.
func (e *Engine) FetchNotifications(ctx context.Context, maxPages int) (int, error) {
	cursor, total := "", 0
	for page := 0; maxPages <= 0 || page < maxPages; page++ {
		next, n, err := e.FetchNotificationsPage(ctx, page, cursor)
		if err != nil {
			return total, err
		}
		total += n
		if next == "" || next == cursor {
			break
		}
		cursor = next
		if err := sleep(ctx, e.set.PageDelay); err != nil {
			return total, err
		}
	}
	return total, nil
}

