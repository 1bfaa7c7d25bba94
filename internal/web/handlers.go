package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"driftwire/internal/aggregate"
	"driftwire/internal/analytics"
	"driftwire/internal/dedupe"
	"driftwire/internal/jobs"
	"driftwire/internal/model"
	"driftwire/internal/store"
)

type eventView struct {
	Key          string    `json:"key"`
	Category     string    `json:"category"`
	AuthorID     string    `json:"authorId"`
	AuthorHandle string    `json:"authorHandle,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	Read         bool      `json:"read"`
	Subject      string    `json:"subject,omitempty"`
	Text         string    `json:"text,omitempty"`
}

func toViews(events []model.Event) []eventView {
	out := make([]eventView, 0, len(events))
	for _, e := range events {
		out = append(out, eventView{
			Key: e.Key, Category: string(e.Category), AuthorID: e.AuthorID, AuthorHandle: e.AuthorHandle,
			CreatedAt: e.CreatedAt, Read: e.Read, Subject: e.Subject, Text: e.Text,
		})
	}
	return out
}

func intQuery(c *gin.Context, name string, def int) int {
	if v := c.Query(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}

// maxLimit caps ?limit= on every list endpoint.
const maxLimit = 500

// limitQuery reads ?limit=, rejecting values below 1 and clamping to maxLimit.
func limitQuery(c *gin.Context, def int) (int, error) {
	v := c.Query("limit")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("limit must be a positive integer, got %q", v)
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n, nil
}

func fail(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{"error": err.Error()})
}

func (s *Server) handleEvents(c *gin.Context) {
	limit, err := limitQuery(c, 50)
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	page, err := s.Cache.GetCached(c.Request.Context(), limit, intQuery(c, "offset", 0))
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"events":     toViews(page.Events),
		"hasMore":    page.HasMore,
		"total":      page.Total,
		"lastFetch":  page.Meta.LastFetch,
		"knownPages": page.Meta.KnownPages,
	})
}

func (s *Server) handleUnread(c *gin.Context) {
	limit, err := limitQuery(c, 50)
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	events, err := s.Cache.GetUnread(c.Request.Context(), limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": toViews(events)})
}

func (s *Server) handleCategory(c *gin.Context) {
	limit, err := limitQuery(c, 50)
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	cat, err := model.ParseCategory(c.Param("category"))
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	events, err := s.Cache.GetByCategory(c.Request.Context(), cat, limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": toViews(events)})
}

func (s *Server) handleGrouped(c *gin.Context) {
	limit, err := limitQuery(c, 100)
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	page, err := s.Cache.GetCached(c.Request.Context(), limit, intQuery(c, "offset", 0))
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	units := aggregate.Aggregate(page.Events, s.Window)
	out := make([]gin.H, 0, len(units))
	for _, u := range units {
		keys := make([]string, 0, len(u.Events))
		for _, e := range u.Events {
			keys = append(keys, e.Key)
		}
		out = append(out, gin.H{
			"category": string(u.Category),
			"subject":  u.Subject,
			"grouped":  u.Grouped(),
			"count":    len(u.Events),
			"latest":   u.Latest,
			"summary":  aggregate.Summarize(u),
			"keys":     keys,
		})
	}
	c.JSON(http.StatusOK, gin.H{"units": out, "hasMore": page.HasMore})
}

type markReadRequest struct {
	Keys []string `json:"keys" binding:"required"`
}

func (s *Server) handleMarkRead(c *gin.Context) {
	var req markReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	changed, err := s.Cache.MarkManyRead(c.Request.Context(), req.Keys)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"changed": changed})
}

func (s *Server) handleStats(c *gin.Context) {
	st, err := s.Cache.GetStats(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	byCat := gin.H{}
	for k, v := range st.ByCategory {
		byCat[string(k)] = v
	}
	c.JSON(http.StatusOK, gin.H{
		"totalEvents":    st.TotalEvents,
		"unread":         st.Unread,
		"byCategory":     byCat,
		"lastFetch":      st.LastFetch,
		"knownPages":     st.KnownPages,
		"cachedPosts":    st.CachedPosts,
		"snapshots":      st.Snapshots,
		"latestSnapshot": st.LatestSnapshot,
	})
}

func (s *Server) handleStale(c *gin.Context) {
	maxAge := intQuery(c, "maxAge", s.StaleMinutes)
	stale, err := s.Cache.IsStale(c.Request.Context(), maxAge)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stale": stale, "maxAgeMinutes": maxAge})
}

func (s *Server) handleTopEngagers(c *gin.Context) {
	limit, err := limitQuery(c, 20)
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	engagers, err := s.DB.TopEngagers(c.Request.Context(), limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	out := make([]gin.H, 0, len(engagers))
	for _, e := range engagers {
		out = append(out, gin.H{
			"id": e.ID, "handle": e.Handle, "totalInteractions": e.TotalInteractions,
			"likedPosts": e.LikedPosts, "repostedPosts": e.RepostedPosts, "repliedPosts": e.RepliedPosts,
			"firstSeen": e.FirstSeen, "lastSeen": e.LastSeen,
		})
	}
	c.JSON(http.StatusOK, gin.H{"engagers": out})
}

func (s *Server) handleSnapshots(c *gin.Context) {
	limit, err := limitQuery(c, 30)
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	snaps, err := s.DB.RecentSnapshots(c.Request.Context(), limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": snaps})
}

func (s *Server) handleHistory(c *gin.Context) {
	limit, err := limitQuery(c, 48)
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	key := c.Query("post")
	if key == "" {
		fail(c, http.StatusBadRequest, errors.New("post is required"))
		return
	}
	samples, err := s.DB.EngagementHistory(c.Request.Context(), key, limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"post": key, "samples": samples})
}

func (s *Server) handleSync(c *gin.Context) {
	if s.Engine == nil || s.Identity == "" {
		fail(c, http.StatusServiceUnavailable, errors.New("sync not configured"))
		return
	}
	full := c.Query("full") == "true"
	res, err := dedupe.Do(c.Request.Context(), s.Group, "sync:"+s.Identity, func(ctx context.Context) (jobs.Result, error) {
		return s.Engine.SyncUser(ctx, s.Identity, jobs.Options{FullSync: full}, nil)
	})
	switch {
	case errors.Is(err, jobs.ErrSyncInProgress):
		fail(c, http.StatusConflict, err)
		return
	case errors.Is(err, jobs.ErrRemoteFetchFailed):
		fail(c, http.StatusBadGateway, err)
		return
	case errors.Is(err, store.ErrStorageUnavailable):
		fail(c, http.StatusServiceUnavailable, err)
		return
	case err != nil:
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"runId":           res.RunID,
		"strategy":        res.Strategy,
		"state":           res.State,
		"postsStored":     res.PostsStored,
		"postsRefreshed":  res.PostsRefreshed,
		"refreshFailures": res.RefreshFailures,
		"engagersUpdated": res.EngagersUpdated,
		"snapshot":        res.Snapshot,
	})
}

// handleActivity returns per-hour event counts and engagement gains for the last N hours.
func (s *Server) handleActivity(c *gin.Context) {
	hours := intQuery(c, "hours", 24)
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour).Truncate(time.Hour)
	ctx := c.Request.Context()
	events, err := s.DB.EventsSince(ctx, since)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	samples, err := s.DB.EngagementSamplesSince(ctx, since)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	activity := analytics.HourlyActivity(events)
	gains := analytics.HourlyGains(samples)
	out := make([]gin.H, 0, len(activity))
	for _, hour := range analytics.SortedBucketKeys(activity) {
		byCat := gin.H{}
		for cat, n := range activity[hour] {
			byCat[string(cat)] = n
		}
		out = append(out, gin.H{"hour": hour, "events": byCat})
	}
	gainsOut := make([]gin.H, 0, len(gains))
	for _, hour := range analytics.SortedBucketKeys(gains) {
		g := gains[hour]
		gainsOut = append(gainsOut, gin.H{"hour": hour, "likes": g.Likes, "reposts": g.Reposts, "replies": g.Replies})
	}
	c.JSON(http.StatusOK, gin.H{"since": since, "activity": out, "gains": gainsOut})
}
