package model

import (
	"math"
	"testing"
	"time"
)

func TestEngagementRateZeroFollowers(t *testing.T) {
	r := EngagementRate(50, 10, 0)
	if r != 0 || math.IsNaN(r) {
		t.Fatalf("expected 0, got %v", r)
	}
	if EngagementRate(50, 0, 10) != 0 {
		t.Fatal("expected 0 for no posts")
	}
	if got := EngagementRate(50, 10, 100); got != 0.05 {
		t.Fatalf("expected 0.05, got %v", got)
	}
}

func TestRankByScore(t *testing.T) {
	now := time.Now()
	posts := []PostMetrics{
		{Key: "a", Counts: Counts{Likes: 1}, CreatedAt: now},
		{Key: "b", Counts: Counts{Likes: 5, Replies: 1}, CreatedAt: now},
		{Key: "c", Counts: Counts{Reposts: 3}, CreatedAt: now},
		{Key: "d", Counts: Counts{Quotes: 100}, CreatedAt: now},
	}
	got := RankByScore(posts, 2)
	if len(got) != 2 || got[0].Key != "b" || got[1].Key != "c" {
		t.Fatalf("unexpected ranking: %+v", got)
	}
}

func TestBuildDailySnapshot(t *testing.T) {
	now := time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)
	posts := []PostMetrics{
		{Key: "a", Counts: Counts{Likes: 4, Reposts: 2}, CreatedAt: now.Add(-time.Hour), HasMedia: true},
		{Key: "b", Counts: Counts{Likes: 2, Replies: 2}, CreatedAt: now.Add(-48 * time.Hour), IsThread: true},
	}
	s := BuildDailySnapshot(Profile{Followers: 10, Following: 3}, posts, now)
	if s.Date != "2025-03-10" || s.PostsCount != 2 {
		t.Fatalf("unexpected snapshot %+v", s)
	}
	if s.TotalLikes != 6 || s.AvgLikesPerPost != 3 {
		t.Fatalf("unexpected likes %+v", s)
	}
	if s.TodayPosts != 1 || s.TodayMediaPosts != 1 || s.TodayThreads != 0 {
		t.Fatalf("unexpected today counters %+v", s)
	}
	if s.EngagementRate != 0.5 {
		t.Fatalf("expected rate 0.5, got %v", s.EngagementRate)
	}
}
