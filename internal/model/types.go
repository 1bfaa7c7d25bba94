package model

import (
	"fmt"
	"time"
)

// Category is the kind of interaction an Event records.
type Category string

const (
	CategoryLike    Category = "like"
	CategoryRepost  Category = "repost"
	CategoryFollow  Category = "follow"
	CategoryMention Category = "mention"
	CategoryReply   Category = "reply"
	CategoryQuote   Category = "quote"
)

// Categories lists every known category in display order.
var Categories = []Category{CategoryLike, CategoryRepost, CategoryFollow, CategoryMention, CategoryReply, CategoryQuote}

// ParseCategory validates s against the known categories.
func ParseCategory(s string) (Category, error) {
	for _, c := range Categories {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown category %q", s)
}

// Event is one interaction targeting the local user.
type Event struct {
	Key          string // URI-like, unique
	Category     Category
	AuthorID     string
	AuthorHandle string
	CreatedAt    time.Time
	Read         bool
	Subject      string // post the event targets, empty for follows
	Text         string
}

// Actor returns the most readable name for the event author.
func (e Event) Actor() string {
	if e.AuthorHandle != "" {
		return e.AuthorHandle
	}
	return e.AuthorID
}

// Metadata is the singleton cache bookkeeping row.
type Metadata struct {
	LastFetch   time.Time
	KnownPages  []int
	TotalCached int
}

// Post is a normalized item authored by the synced identity.
type Post struct {
	Key       string
	AuthorID  string
	Text      string
	CreatedAt time.Time
	Likes     int
	Reposts   int
	Replies   int
	Quotes    int
	HasMedia  bool
	IsReply   bool
	IsThread  bool
}

// Counts are authoritative engagement counters for one post.
type Counts struct {
	Likes   int
	Reposts int
	Replies int
	Quotes  int
}

// PostMetrics is the stored per-post engagement row.
type PostMetrics struct {
	Key                 string
	AuthorID            string
	Counts              Counts
	CreatedAt           time.Time
	HasMedia            bool
	IsReply             bool
	IsThread            bool
	LastUpdated         time.Time
	LastEngagementCheck time.Time
}

// MetricsFromPost converts a freshly fetched post into a metrics row.
func MetricsFromPost(p Post, now time.Time) PostMetrics {
	return PostMetrics{
		Key:         p.Key,
		AuthorID:    p.AuthorID,
		Counts:      Counts{Likes: p.Likes, Reposts: p.Reposts, Replies: p.Replies, Quotes: p.Quotes},
		CreatedAt:   p.CreatedAt,
		HasMedia:    p.HasMedia,
		IsReply:     p.IsReply,
		IsThread:    p.IsThread,
		LastUpdated: now,
	}
}

// EngagementSample is an append-only per post, per date+hour snapshot.
type EngagementSample struct {
	PostKey       string
	Date          string // 2006-01-02, UTC
	Hour          int
	Counts        Counts
	LikesGained   int
	RepostsGained int
	RepliesGained int
	RecordedAt    time.Time
}

// Engager is one remote actor returned by an engagers lookup.
type Engager struct {
	ID     string
	Handle string
	Kind   Category // like, repost or reply
}

// ActiveEngager aggregates how often a remote actor engaged with our posts.
type ActiveEngager struct {
	ID                string
	Handle            string
	TotalInteractions int
	LikedPosts        []string
	RepostedPosts     []string
	RepliedPosts      []string
	FirstSeen         time.Time
	LastSeen          time.Time
}

// HasPost reports whether the engager already has any relation to post.
func (a ActiveEngager) HasPost(post string) bool {
	for _, set := range [][]string{a.LikedPosts, a.RepostedPosts, a.RepliedPosts} {
		for _, p := range set {
			if p == post {
				return true
			}
		}
	}
	return false
}

// Profile carries account totals from the remote source.
type Profile struct {
	ID        string
	Handle    string
	Followers int
	Following int
	Posts     int
}

// DailySnapshot is the once-per-day rollup, keyed by Date.
type DailySnapshot struct {
	Date              string
	Followers         int
	Following         int
	PostsCount        int
	TotalLikes        int
	TotalReposts      int
	TotalReplies      int
	TotalQuotes       int
	AvgLikesPerPost   float64
	AvgRepostsPerPost float64
	AvgRepliesPerPost float64
	EngagementRate    float64
	TodayPosts        int
	TodayMediaPosts   int
	TodayThreads      int
	CreatedAt         time.Time
}

// DateKey formats t as the UTC calendar date used for snapshot and history keys.
func DateKey(t time.Time) string { return t.UTC().Format("2006-01-02") }
