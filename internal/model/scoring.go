package model

import (
	"math"
	"sort"
	"time"
)

// CompositeScore ranks posts for engager aggregation: likes + reposts + replies.
func CompositeScore(c Counts) int {
	return c.Likes + c.Reposts + c.Replies
}

// Total sums every counter, quotes included.
func (c Counts) Total() int { return c.Likes + c.Reposts + c.Replies + c.Quotes }

// RankByScore returns the top n posts by CompositeScore, highest first.
// Ties keep the newest post first.
func RankByScore(posts []PostMetrics, n int) []PostMetrics {
	ranked := make([]PostMetrics, len(posts))
	copy(ranked, posts)
	sort.SliceStable(ranked, func(i, j int) bool {
		si, sj := CompositeScore(ranked[i].Counts), CompositeScore(ranked[j].Counts)
		if si != sj {
			return si > sj
		}
		return ranked[i].CreatedAt.After(ranked[j].CreatedAt)
	})
	if n >= 0 && len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}

// EngagementRate is totalEngagement / (posts * followers), zero when either is zero.
func EngagementRate(totalEngagement, posts, followers int) float64 {
	if posts <= 0 || followers <= 0 {
		return 0
	}
	return round4(float64(totalEngagement) / (float64(posts) * float64(followers)))
}

// BuildDailySnapshot rolls the cached post set up into the snapshot for now's date.
func BuildDailySnapshot(profile Profile, posts []PostMetrics, now time.Time) DailySnapshot {
	s := DailySnapshot{
		Date:       DateKey(now),
		Followers:  profile.Followers,
		Following:  profile.Following,
		PostsCount: len(posts),
		CreatedAt:  now.UTC(),
	}
	today := DateKey(now)
	for _, p := range posts {
		s.TotalLikes += p.Counts.Likes
		s.TotalReposts += p.Counts.Reposts
		s.TotalReplies += p.Counts.Replies
		s.TotalQuotes += p.Counts.Quotes
		if DateKey(p.CreatedAt) == today {
			s.TodayPosts++
			if p.HasMedia {
				s.TodayMediaPosts++
			}
			if p.IsThread {
				s.TodayThreads++
			}
		}
	}
	if n := len(posts); n > 0 {
		s.AvgLikesPerPost = round4(float64(s.TotalLikes) / float64(n))
		s.AvgRepostsPerPost = round4(float64(s.TotalReposts) / float64(n))
		s.AvgRepliesPerPost = round4(float64(s.TotalReplies) / float64(n))
	}
	total := s.TotalLikes + s.TotalReposts + s.TotalReplies + s.TotalQuotes
	s.EngagementRate = EngagementRate(total, len(posts), profile.Followers)
	return s
}

func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
