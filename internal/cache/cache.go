// Package cache tracks what has been fetched into the local store: known
// pages, last fetch time, read state and the cached total.
package cache

import (
	"context"
	"fmt"
	"sort"
	"time"

	"driftwire/internal/metrics"
	"driftwire/internal/model"
	"driftwire/internal/store"
)

// Cache orchestrates event caching on top of the store.
type Cache struct {
	db  *store.DB
	now func() time.Time
}

// New returns a Cache over db using the wall clock.
func New(db *store.DB) *Cache {
	return &Cache{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock swaps the clock, for tests and replay.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

// Meta is the bookkeeping returned alongside cached reads.
type Meta struct {
	LastFetch  time.Time
	KnownPages []int
}

// Page is one window of cached events.
type Page struct {
	Events  []model.Event
	HasMore bool
	Total   int
	Meta    Meta
}

// CacheEvents stores a fetched page and records it. The total is recounted
// from the events table every time; the metadata write is separate from the
// event batch, so a crash between them heals on the next call.
func (c *Cache) CacheEvents(ctx context.Context, events []model.Event, page int) error {
	if err := c.db.PutEvents(ctx, events); err != nil {
		return fmt.Errorf("cache page %d: %w", page, err)
	}
	total, err := c.db.CountEvents(ctx)
	if err != nil {
		return err
	}
	if err := c.db.RecordFetch(ctx, page, c.now(), total); err != nil {
		return fmt.Errorf("record page %d: %w", page, err)
	}
	metrics.CachedEvents.Set(float64(total))
	return nil
}

// Touch stamps lastFetch without adding a page, e.g. after a sync run.
func (c *Cache) Touch(ctx context.Context) error {
	total, err := c.db.CountEvents(ctx)
	if err != nil {
		return err
	}
	return c.db.RecordFetch(ctx, -1, c.now(), total)
}

// GetCached returns events newest first with hasMore computed against the live total.
func (c *Cache) GetCached(ctx context.Context, limit, offset int) (Page, error) {
	var p Page
	events, err := c.db.ScanEvents(ctx, limit, offset)
	if err != nil {
		return p, err
	}
	total, err := c.db.CountEvents(ctx)
	if err != nil {
		return p, err
	}
	meta, err := c.db.GetMetadata(ctx)
	if err != nil {
		return p, err
	}
	if offset < 0 {
		offset = 0
	}
	p.Events = events
	p.Total = total
	p.HasMore = offset+len(events) < total
	p.Meta = Meta{LastFetch: meta.LastFetch, KnownPages: meta.KnownPages}
	return p, nil
}

// GetByCategory reads through the category index.
func (c *Cache) GetByCategory(ctx context.Context, cat model.Category, limit int) ([]model.Event, error) {
	return c.db.EventsByIndex(ctx, store.IndexCategory, cat, limit)
}

// GetUnread reads through the read-flag index.
func (c *Cache) GetUnread(ctx context.Context, limit int) ([]model.Event, error) {
	return c.db.EventsByIndex(ctx, store.IndexRead, false, limit)
}

// MarkRead marks one event read. Marking a read event again is a no-op.
func (c *Cache) MarkRead(ctx context.Context, key string) error {
	_, err := c.db.MarkRead(ctx, []string{key})
	return err
}

// MarkManyRead marks keys read and returns how many actually changed.
func (c *Cache) MarkManyRead(ctx context.Context, keys []string) (int, error) {
	return c.db.MarkRead(ctx, keys)
}

// IsStale reports now - lastFetch > maxAgeMinutes. A cache never fetched is stale.
func (c *Cache) IsStale(ctx context.Context, maxAgeMinutes int) (bool, error) {
	meta, err := c.db.GetMetadata(ctx)
	if err != nil {
		return true, err
	}
	if meta.LastFetch.IsZero() {
		return true, nil
	}
	return c.now().Sub(meta.LastFetch) > time.Duration(maxAgeMinutes)*time.Minute, nil
}

// IsPageCached tests page membership. Page numbers are whatever the caller
// uses (offset/pageSize); they only mean something while the page size is stable.
func (c *Cache) IsPageCached(ctx context.Context, page int) (bool, error) {
	meta, err := c.db.GetMetadata(ctx)
	if err != nil {
		return false, err
	}
	i := sort.SearchInts(meta.KnownPages, page)
	return i < len(meta.KnownPages) && meta.KnownPages[i] == page, nil
}

// Stats summarises the cache for the upward API.
type Stats struct {
	TotalEvents    int
	Unread         int
	ByCategory     map[model.Category]int
	LastFetch      time.Time
	KnownPages     []int
	CachedPosts    int
	Snapshots      int
	LatestSnapshot *model.DailySnapshot
}

// GetStats gathers counts from the store.
func (c *Cache) GetStats(ctx context.Context) (Stats, error) {
	var s Stats
	byCat, unread, err := c.db.CountEventsBy(ctx)
	if err != nil {
		return s, err
	}
	meta, err := c.db.GetMetadata(ctx)
	if err != nil {
		return s, err
	}
	posts, err := c.db.CountPosts(ctx, "")
	if err != nil {
		return s, err
	}
	for _, n := range byCat {
		s.TotalEvents += n
	}
	s.Unread = unread
	s.ByCategory = byCat
	s.LastFetch = meta.LastFetch
	s.KnownPages = meta.KnownPages
	s.CachedPosts = posts
	snaps, err := c.db.RecentSnapshots(ctx, 1)
	if err != nil {
		return s, err
	}
	if len(snaps) > 0 {
		s.LatestSnapshot = &snaps[0]
	}
	if s.Snapshots, err = c.db.CountSnapshots(ctx); err != nil {
		return s, err
	}
	return s, nil
}

// Clear wipes every cached table.
func (c *Cache) Clear(ctx context.Context) error {
	if err := c.db.Clear(ctx); err != nil {
		return err
	}
	metrics.CachedEvents.Set(0)
	return nil
}
