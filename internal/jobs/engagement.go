package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"driftwire/internal/dedupe"
	"driftwire/internal/logging"
	"driftwire/internal/metrics"
	"driftwire/internal/model"
	"driftwire/internal/ratelimit"
	"driftwire/internal/store"
)

// refreshEngagement re-reads counts for posts inside the engagement window,
// one post at a time. A failing post is logged and skipped.
func (e *Engine) refreshEngagement(ctx context.Context, r *run) error {
	now := e.now()
	posts, err := e.db.PostsCreatedSince(ctx, r.profile.ID, now.Add(-e.set.EngagementWindow))
	if err != nil {
		return err
	}
	r.report(fmt.Sprintf("refreshing %d recent posts", len(posts)), 60)
	for i, p := range posts {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.refreshOne(ctx, p); err != nil {
			r.res.RefreshFailures++
			metrics.IncItemFailure("engagement")
			logging.Warn("engagement_refresh_failed", r.fields(map[string]any{
				"post":  p.Key,
				"error": fmt.Errorf("%w: %w", ErrPerItemUpdateFailed, err).Error(),
			}))
		} else {
			r.res.PostsRefreshed++
		}
		r.report("refreshing engagement", 60+25*(i+1)/len(posts))
	}
	return nil
}

func (e *Engine) refreshOne(ctx context.Context, p model.PostMetrics) error {
	counts, err := ratelimit.Execute(ctx, e.limiter, ratelimit.Feed, func(ctx context.Context) (model.Counts, error) {
		return dedupe.Do(ctx, e.group, "counts:"+p.Key, func(ctx context.Context) (model.Counts, error) {
			return e.src.GetCounts(ctx, p.Key)
		})
	})
	if err != nil {
		return err
	}
	prev := p.Counts
	if last, err := e.db.LatestEngagementSample(ctx, p.Key); err == nil {
		prev = last.Counts
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	now := e.now()
	sample := model.EngagementSample{
		PostKey:       p.Key,
		Date:          model.DateKey(now),
		Hour:          now.UTC().Hour(),
		Counts:        counts,
		LikesGained:   counts.Likes - prev.Likes,
		RepostsGained: counts.Reposts - prev.Reposts,
		RepliesGained: counts.Replies - prev.Replies,
		RecordedAt:    now,
	}
	if _, err := e.db.AppendEngagementSample(ctx, sample); err != nil {
		return err
	}
	return e.db.UpdatePostCounts(ctx, p.Key, counts, now)
}

// updateEngagers ranks cached posts, fetches engagers of the top ones and
// merges them into the stored aggregates. An (engager, post) pair is only
// ever counted once, across runs and across like/repost/reply.
func (e *Engine) updateEngagers(ctx context.Context, r *run) error {
	if e.set.TopPosts <= 0 || e.set.EngagerCap <= 0 {
		return nil
	}
	posts, err := e.db.PostsByAuthor(ctx, r.profile.ID)
	if err != nil {
		return err
	}
	top := model.RankByScore(posts, e.set.TopPosts)
	merged := map[string]*model.ActiveEngager{}
	var order []string
	now := e.now()

	for i, p := range top {
		if err := ctx.Err(); err != nil {
			return err
		}
		engagers, err := ratelimit.Execute(ctx, e.limiter, ratelimit.Interaction, func(ctx context.Context) ([]model.Engager, error) {
			return dedupe.Do(ctx, e.group, "engagers:"+p.Key, func(ctx context.Context) ([]model.Engager, error) {
				return e.src.ListEngagers(ctx, p.Key, e.set.EngagerCap)
			})
		})
		if err != nil {
			r.res.EngagerFailures++
			metrics.IncItemFailure("engagers")
			logging.Warn("engagers_fetch_failed", r.fields(map[string]any{
				"post":  p.Key,
				"error": fmt.Errorf("%w: %w", ErrPerItemUpdateFailed, err).Error(),
			}))
			continue
		}
		for _, g := range engagers {
			if g.ID == "" || g.ID == r.profile.ID {
				continue
			}
			agg, ok := merged[g.ID]
			if !ok {
				loaded, err := e.loadEngager(ctx, g, now)
				if err != nil {
					return err
				}
				agg = &loaded
				merged[g.ID] = agg
				order = append(order, g.ID)
			}
			mergeEngager(agg, g, p.Key, now)
		}
		r.report("aggregating engagers", 85+10*(i+1)/len(top))
	}

	out := make([]model.ActiveEngager, 0, len(order))
	for _, id := range order {
		out = append(out, *merged[id])
	}
	if err := e.db.PutEngagers(ctx, out); err != nil {
		return err
	}
	r.res.EngagersUpdated = len(out)
	return nil
}

func (e *Engine) loadEngager(ctx context.Context, g model.Engager, now time.Time) (model.ActiveEngager, error) {
	stored, err := e.db.GetEngager(ctx, g.ID)
	if err == nil {
		return stored, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return stored, err
	}
	return model.ActiveEngager{ID: g.ID, Handle: g.Handle, FirstSeen: now}, nil
}

// mergeEngager records g's relation to post on agg.
func mergeEngager(agg *model.ActiveEngager, g model.Engager, post string, now time.Time) {
	if !agg.HasPost(post) {
		agg.TotalInteractions++
	}
	switch g.Kind {
	case model.CategoryLike:
		agg.LikedPosts = addUnique(agg.LikedPosts, post)
	case model.CategoryRepost:
		agg.RepostedPosts = addUnique(agg.RepostedPosts, post)
	case model.CategoryReply:
		agg.RepliedPosts = addUnique(agg.RepliedPosts, post)
	}
	if g.Handle != "" {
		agg.Handle = g.Handle
	}
	if agg.FirstSeen.IsZero() {
		agg.FirstSeen = now
	}
	agg.LastSeen = now
}

func addUnique(set []string, v string) []string {
	for _, s := range set {
		if s == v {
			return set
		}
	}
	return append(set, v)
}

// snapshot rolls up every cached post into today's row.
func (e *Engine) snapshot(ctx context.Context, r *run) error {
	r.report("writing snapshot", 95)
	posts, err := e.db.PostsByAuthor(ctx, r.profile.ID)
	if err != nil {
		return err
	}
	snap := model.BuildDailySnapshot(r.profile, posts, e.now())
	if err := e.db.PutSnapshot(ctx, snap); err != nil {
		return err
	}
	r.res.Snapshot = snap
	return nil
}
