package cache

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"driftwire/internal/model"
	"driftwire/internal/store"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newCache(t *testing.T) (*Cache, *clock) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	clk := &clock{now: t0}
	return New(db).WithClock(clk.Now), clk
}

func events(n int, cat model.Category) []model.Event {
	out := make([]model.Event, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, model.Event{
			Key:       fmt.Sprintf("at://x/%s/%d", cat, i),
			Category:  cat,
			AuthorID:  fmt.Sprintf("did:%d", i),
			Subject:   "at://me/post/1",
			CreatedAt: t0.Add(-time.Duration(n-i) * time.Minute),
		})
	}
	return out
}

func TestCacheEventsRoundTripNewestFirst(t *testing.T) {
	c, _ := newCache(t)
	ctx := context.Background()
	in := events(5, model.CategoryLike)
	if err := c.CacheEvents(ctx, in, 0); err != nil {
		t.Fatal(err)
	}
	page, err := c.GetCached(ctx, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Events) != 5 || page.HasMore || page.Total != 5 {
		t.Fatalf("page: %+v", page)
	}
	for i := range page.Events {
		if page.Events[i].Key != in[len(in)-1-i].Key {
			t.Fatalf("order at %d: %s", i, page.Events[i].Key)
		}
	}
	if !page.Meta.LastFetch.Equal(t0) || len(page.Meta.KnownPages) != 1 {
		t.Fatalf("meta: %+v", page.Meta)
	}
}

func TestTotalCountsDistinctKeys(t *testing.T) {
	c, _ := newCache(t)
	ctx := context.Background()
	batch := events(4, model.CategoryRepost)
	_ = c.CacheEvents(ctx, batch, 0)
	// page 1 repeats two keys from page 0
	_ = c.CacheEvents(ctx, append(batch[:2:2], events(3, model.CategoryFollow)...), 1)
	page, err := c.GetCached(ctx, 2, 5)
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 7 {
		t.Fatalf("total %d", page.Total)
	}
	if len(page.Events) != 2 || page.HasMore {
		t.Fatalf("tail page: %d events hasMore=%v", len(page.Events), page.HasMore)
	}
	page, _ = c.GetCached(ctx, 2, 4)
	if !page.HasMore {
		t.Fatal("offset 4 + 2 < 7 should have more")
	}
}

func TestMarkReadIdempotent(t *testing.T) {
	c, _ := newCache(t)
	ctx := context.Background()
	in := events(3, model.CategoryMention)
	_ = c.CacheEvents(ctx, in, 0)
	if err := c.MarkRead(ctx, in[0].Key); err != nil {
		t.Fatal(err)
	}
	once, _ := c.GetUnread(ctx, 10)
	if err := c.MarkRead(ctx, in[0].Key); err != nil {
		t.Fatal(err)
	}
	twice, _ := c.GetUnread(ctx, 10)
	if len(once) != 2 || len(twice) != 2 {
		t.Fatalf("unread once=%d twice=%d", len(once), len(twice))
	}
	n, err := c.MarkManyRead(ctx, []string{in[0].Key, in[1].Key, "missing"})
	if err != nil || n != 1 {
		t.Fatalf("changed=%d err=%v", n, err)
	}
}

func TestIsStale(t *testing.T) {
	c, clk := newCache(t)
	ctx := context.Background()
	if stale, _ := c.IsStale(ctx, 5); !stale {
		t.Fatal("never fetched cache must be stale")
	}
	_ = c.Touch(ctx)
	if stale, _ := c.IsStale(ctx, 5); stale {
		t.Fatal("fresh cache reported stale")
	}
	clk.now = t0.Add(6 * time.Minute)
	if stale, _ := c.IsStale(ctx, 5); !stale {
		t.Fatal("6 minutes old should be stale at 5")
	}
}

func TestIsPageCachedAndCategory(t *testing.T) {
	c, _ := newCache(t)
	ctx := context.Background()
	_ = c.CacheEvents(ctx, events(2, model.CategoryLike), 3)
	_ = c.CacheEvents(ctx, events(1, model.CategoryQuote), 1)
	for page, want := range map[int]bool{1: true, 3: true, 2: false} {
		if got, _ := c.IsPageCached(ctx, page); got != want {
			t.Fatalf("page %d: got %v", page, got)
		}
	}
	quotes, err := c.GetByCategory(ctx, model.CategoryQuote, 10)
	if err != nil || len(quotes) != 1 {
		t.Fatalf("quotes: %v %v", quotes, err)
	}
	st, err := c.GetStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.TotalEvents != 3 || st.Unread != 3 || st.ByCategory[model.CategoryLike] != 2 || st.LatestSnapshot != nil {
		t.Fatalf("stats: %+v", st)
	}
}

func TestStatsCountSnapshots(t *testing.T) {
	c, _ := newCache(t)
	ctx := context.Background()
	for _, date := range []string{"2024-04-30", "2024-05-01", "2024-05-01"} {
		if err := c.db.PutSnapshot(ctx, model.DailySnapshot{Date: date, Followers: 7, CreatedAt: t0}); err != nil {
			t.Fatal(err)
		}
	}
	st, err := c.GetStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Snapshots != 2 || st.LatestSnapshot == nil || st.LatestSnapshot.Date != "2024-05-01" {
		t.Fatalf("stats: %+v", st)
	}
}
