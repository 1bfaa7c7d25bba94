package jobs

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"driftwire/internal/cache"
	"driftwire/internal/dedupe"
	"driftwire/internal/model"
	"driftwire/internal/ratelimit"
	"driftwire/internal/store"
	"driftwire/internal/xclient"
)

const me = "did:plc:me"

var now0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeSource struct {
	mu        sync.Mutex
	profile   model.Profile
	pages     map[string]xclient.FeedPage
	feedErr   error
	counts    map[string]model.Counts
	countErr  map[string]error
	engagers  map[string][]model.Engager
	notifs    map[string]xclient.NotificationPage
	feedCalls int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		profile:  model.Profile{ID: me, Handle: "me.test"},
		pages:    map[string]xclient.FeedPage{},
		counts:   map[string]model.Counts{},
		countErr: map[string]error{},
		engagers: map[string][]model.Engager{},
		notifs:   map[string]xclient.NotificationPage{},
	}
}

func (f *fakeSource) ListItems(ctx context.Context, identity, cursor string) (xclient.FeedPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feedCalls++
	if f.feedErr != nil {
		return xclient.FeedPage{}, f.feedErr
	}
	return f.pages[cursor], nil
}

func (f *fakeSource) ListNotifications(ctx context.Context, cursor string) (xclient.NotificationPage, error) {
	return f.notifs[cursor], nil
}

func (f *fakeSource) GetCounts(ctx context.Context, key string) (model.Counts, error) {
	if err := f.countErr[key]; err != nil {
		return model.Counts{}, err
	}
	return f.counts[key], nil
}

func (f *fakeSource) ListEngagers(ctx context.Context, key string, limit int) ([]model.Engager, error) {
	out := f.engagers[key]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeSource) GetProfileTotals(ctx context.Context, identity string) (model.Profile, error) {
	return f.profile, nil
}

func post(n int, at time.Time, author string) model.Post {
	return model.Post{Key: fmt.Sprintf("at://%s/post/%d", author, n), AuthorID: author, CreatedAt: at}
}

func newEngine(t *testing.T, src xclient.Source) (*Engine, *store.DB, *cache.Cache) {
	t.Helper()
	return newEngineWithClock(t, src, func() time.Time { return now0 })
}

// newEngineWithClock shares clock between the engine and its cache.
func newEngineWithClock(t *testing.T, src xclient.Source, clock func() time.Time) (*Engine, *store.DB, *cache.Cache) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	c := cache.New(db).WithClock(clock)
	fast := ratelimit.Limits{RPS: 1e6, Burst: 1000}
	lim := ratelimit.New(map[ratelimit.Class]ratelimit.Limits{
		ratelimit.Profile: fast, ratelimit.Feed: fast, ratelimit.Interaction: fast,
	})
	set := Settings{FlushEvery: 50, EngagementWindow: 30 * 24 * time.Hour, TopPosts: 20, EngagerCap: 100}
	e := New(db, c, src, lim, dedupe.New(), set).WithClock(clock)
	return e, db, c
}

func TestFullSyncStoresAllOwnPosts(t *testing.T) {
	src := newFakeSource()
	var first, second xclient.FeedPage
	for i := 0; i < 100; i++ {
		first.Items = append(first.Items, post(i, now0.Add(-time.Duration(i+1)*time.Minute), me))
	}
	first.Cursor = "p2"
	for i := 100; i < 120; i++ {
		second.Items = append(second.Items, post(i, now0.Add(-time.Duration(i+1)*time.Minute), me))
	}
	second.Items = append(second.Items, post(999, now0.Add(-200*time.Minute), "did:plc:other"))
	src.pages[""] = first
	src.pages["p2"] = second

	e, db, _ := newEngine(t, src)
	var percents []int
	res, err := e.SyncUser(context.Background(), me, Options{}, func(msg string, pct int) { percents = append(percents, pct) })
	if err != nil {
		t.Fatal(err)
	}
	if res.Strategy != StrategyFull || res.State != StateDone {
		t.Fatalf("result: %+v", res)
	}
	if res.PostsStored != 120 {
		t.Fatalf("stored %d", res.PostsStored)
	}
	n, _ := db.CountPosts(context.Background(), me)
	if n != 120 {
		t.Fatalf("cached posts %d", n)
	}
	if res.Snapshot.PostsCount != 120 || res.Snapshot.EngagementRate != 0 {
		t.Fatalf("snapshot: %+v", res.Snapshot)
	}
	snap, err := db.GetSnapshot(context.Background(), "2024-05-01")
	if err != nil || snap.PostsCount != 120 {
		t.Fatalf("stored snapshot: %+v %v", snap, err)
	}
	if len(percents) == 0 || percents[0] != 5 || percents[len(percents)-1] != 100 {
		t.Fatalf("progress bounds: %v", percents)
	}
	for i := 1; i < len(percents); i++ {
		if percents[i] < percents[i-1] {
			t.Fatalf("progress went backwards at %d: %v", i, percents)
		}
	}
}

func TestIncrementalStopsAtNewestStored(t *testing.T) {
	src := newFakeSource()
	T := now0.Add(-time.Hour)
	src.pages[""] = xclient.FeedPage{Items: []model.Post{
		post(4, T.Add(3*time.Minute), me),
		post(3, T.Add(2*time.Minute), me),
		post(2, T, me),
		post(1, T.Add(-time.Minute), me),
	}, Cursor: "more"}
	src.pages["more"] = xclient.FeedPage{Items: []model.Post{post(0, T.Add(-time.Hour), me)}}

	e, db, _ := newEngine(t, src)
	ctx := context.Background()
	if err := db.PutPost(ctx, model.PostMetrics{Key: "at://" + me + "/post/2", AuthorID: me, CreatedAt: T}); err != nil {
		t.Fatal(err)
	}
	res, err := e.SyncUser(ctx, me, Options{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Strategy != StrategyIncremental {
		t.Fatalf("strategy %s", res.Strategy)
	}
	if res.PostsStored != 2 {
		t.Fatalf("expected 2 new posts, stored %d", res.PostsStored)
	}
	if src.feedCalls != 1 {
		t.Fatalf("should stop paging once caught up, calls=%d", src.feedCalls)
	}
	if _, err := db.GetPost(ctx, "at://"+me+"/post/1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("older post stored: %v", err)
	}
}

func TestIncrementalIgnoresSubMillisecondTimestamps(t *testing.T) {
	src := newFakeSource()
	T := now0.Add(-time.Hour).Add(123456 * time.Nanosecond)
	older := post(1, T.Add(-time.Minute), me)
	newest := post(2, T, me)
	src.pages[""] = xclient.FeedPage{Items: []model.Post{newest, older}}

	e, _, _ := newEngine(t, src)
	ctx := context.Background()
	first, err := e.SyncUser(ctx, me, Options{}, nil)
	if err != nil || first.Strategy != StrategyFull || first.PostsStored != 2 {
		t.Fatalf("first run: %+v %v", first, err)
	}

	fresh := post(3, T.Add(time.Minute), me)
	src.pages[""] = xclient.FeedPage{Items: []model.Post{fresh, newest, older}}
	second, err := e.SyncUser(ctx, me, Options{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if second.Strategy != StrategyIncremental || second.PostsStored != 1 {
		t.Fatalf("second run: strategy=%s stored=%d, want incremental stored=1", second.Strategy, second.PostsStored)
	}
}

func TestCacheStaleAfterSync(t *testing.T) {
	src := newFakeSource()
	src.pages[""] = xclient.FeedPage{Items: []model.Post{post(1, now0.Add(-time.Hour), me)}}
	var mu sync.Mutex
	at := now0
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return at
	}
	e, _, c := newEngineWithClock(t, src, clock)
	ctx := context.Background()

	if stale, _ := c.IsStale(ctx, 5); !stale {
		t.Fatal("never synced cache should be stale")
	}
	if _, err := e.SyncUser(ctx, me, Options{}, nil); err != nil {
		t.Fatal(err)
	}
	if stale, err := c.IsStale(ctx, 5); err != nil || stale {
		t.Fatalf("fresh after sync: stale=%v err=%v", stale, err)
	}
	mu.Lock()
	at = now0.Add(6 * time.Minute)
	mu.Unlock()
	if stale, _ := c.IsStale(ctx, 5); !stale {
		t.Fatal("6 minutes without a sync should be stale at 5")
	}
}

func TestFullSyncOptionOverridesIncremental(t *testing.T) {
	src := newFakeSource()
	src.pages[""] = xclient.FeedPage{Items: []model.Post{post(1, now0.Add(-time.Minute), me)}}
	e, db, _ := newEngine(t, src)
	ctx := context.Background()
	_ = db.PutPost(ctx, model.PostMetrics{Key: "seed", AuthorID: me, CreatedAt: now0})
	res, err := e.SyncUser(ctx, me, Options{FullSync: true}, nil)
	if err != nil || res.Strategy != StrategyFull || res.PostsStored != 1 {
		t.Fatalf("res=%+v err=%v", res, err)
	}
}

func TestEngagerCountedOncePerPostAcrossRuns(t *testing.T) {
	src := newFakeSource()
	var items []model.Post
	for i := 0; i < 3; i++ {
		p := post(i, now0.Add(-time.Duration(i+1)*time.Hour), me)
		p.Likes = 10 - i
		items = append(items, p)
		src.counts[p.Key] = model.Counts{Likes: 10 - i}
		src.engagers[p.Key] = []model.Engager{{ID: "did:fan", Handle: "fan", Kind: model.CategoryLike}}
	}
	// the fan also replied to the first post; the pair still counts once
	src.engagers[items[0].Key] = append(src.engagers[items[0].Key], model.Engager{ID: "did:fan", Kind: model.CategoryReply})
	src.pages[""] = xclient.FeedPage{Items: items}

	e, db, _ := newEngine(t, src)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := e.SyncUser(ctx, me, Options{}, nil); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	fan, err := db.GetEngager(ctx, "did:fan")
	if err != nil {
		t.Fatal(err)
	}
	if fan.TotalInteractions != 3 {
		t.Fatalf("total interactions %d", fan.TotalInteractions)
	}
	if len(fan.LikedPosts) != 3 || len(fan.RepliedPosts) != 1 {
		t.Fatalf("post references: %+v", fan)
	}
	seen := map[string]bool{}
	for _, k := range fan.LikedPosts {
		if seen[k] {
			t.Fatalf("duplicate post reference %s", k)
		}
		seen[k] = true
	}
}

func TestEngagementRefreshIsolatesFailures(t *testing.T) {
	src := newFakeSource()
	a := post(1, now0.Add(-time.Hour), me)
	a.Likes = 2
	b := post(2, now0.Add(-2*time.Hour), me)
	old := post(3, now0.Add(-40*24*time.Hour), me)
	src.pages[""] = xclient.FeedPage{Items: []model.Post{a, b, old}}
	src.counts[a.Key] = model.Counts{Likes: 5, Reposts: 1}
	src.countErr[b.Key] = errors.New("boom")

	e, db, _ := newEngine(t, src)
	ctx := context.Background()
	res, err := e.SyncUser(ctx, me, Options{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.PostsRefreshed != 1 || res.RefreshFailures != 1 || res.State != StateDone {
		t.Fatalf("result: %+v", res)
	}
	got, _ := db.GetPost(ctx, a.Key)
	if got.Counts.Likes != 5 || got.LastEngagementCheck.IsZero() {
		t.Fatalf("counts not updated: %+v", got)
	}
	s, err := db.LatestEngagementSample(ctx, a.Key)
	if err != nil || s.LikesGained != 3 || s.RepostsGained != 1 || s.Hour != 12 {
		t.Fatalf("sample: %+v %v", s, err)
	}
	if _, err := db.LatestEngagementSample(ctx, old.Key); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("post outside window refreshed: %v", err)
	}
}

func TestFetchErrorFailsRun(t *testing.T) {
	src := newFakeSource()
	src.feedErr = errors.New("connection reset")
	e, _, _ := newEngine(t, src)
	res, err := e.SyncUser(context.Background(), me, Options{}, nil)
	if !errors.Is(err, ErrRemoteFetchFailed) {
		t.Fatalf("expected ErrRemoteFetchFailed, got %v", err)
	}
	if res.State != StateFailed {
		t.Fatalf("state %s", res.State)
	}
}

func TestConcurrentRunRefused(t *testing.T) {
	e, _, _ := newEngine(t, newFakeSource())
	if !e.lock(me) {
		t.Fatal("lock")
	}
	defer e.unlock(me)
	if _, err := e.SyncUser(context.Background(), me, Options{}, nil); !errors.Is(err, ErrSyncInProgress) {
		t.Fatalf("expected ErrSyncInProgress, got %v", err)
	}
}

func TestFetchNotificationsCachesPages(t *testing.T) {
	src := newFakeSource()
	src.notifs[""] = xclient.NotificationPage{Cursor: "n2", Events: []model.Event{
		{Key: "e1", Category: model.CategoryLike, AuthorID: "a", Subject: "p", CreatedAt: now0.Add(-time.Minute)},
	}}
	src.notifs["n2"] = xclient.NotificationPage{Events: []model.Event{
		{Key: "e2", Category: model.CategoryFollow, AuthorID: "b", CreatedAt: now0.Add(-2 * time.Minute)},
	}}
	e, _, c := newEngine(t, src)
	ctx := context.Background()
	n, err := e.FetchNotifications(ctx, 0)
	if err != nil || n != 2 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	for _, page := range []int{0, 1} {
		if ok, _ := c.IsPageCached(ctx, page); !ok {
			t.Fatalf("page %d not cached", page)
		}
	}
	got, err := c.GetCached(ctx, 10, 0)
	if err != nil || got.Total != 2 || got.Events[0].Key != "e1" {
		t.Fatalf("cached: %+v %v", got, err)
	}
}

func TestProgressChannelDoesNotBlock(t *testing.T) {
	ch := make(chan Progress, 1)
	fn := ProgressChannel(ch)
	fn("a", 1)
	fn("b", 2)
	if p := <-ch; p.Message != "a" {
		t.Fatalf("got %+v", p)
	}
}
