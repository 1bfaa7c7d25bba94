package analytics

import (
	"sort"
	"time"

	"driftwire/internal/model"
)

// HourlyActivity buckets events by UTC hour and category.
func HourlyActivity(events []model.Event) map[time.Time]map[model.Category]int {
	buckets := make(map[time.Time]map[model.Category]int)
	for _, e := range events {
		key := e.CreatedAt.UTC().Truncate(time.Hour)
		if _, ok := buckets[key]; !ok {
			buckets[key] = make(map[model.Category]int)
		}
		buckets[key][e.Category]++
	}
	return buckets
}

// HourlyGains sums the per-sample gains of engagement history by UTC hour.
func HourlyGains(samples []model.EngagementSample) map[time.Time]model.Counts {
	out := make(map[time.Time]model.Counts)
	for _, s := range samples {
		day, err := time.Parse("2006-01-02", s.Date)
		if err != nil {
			continue
		}
		key := day.Add(time.Duration(s.Hour) * time.Hour)
		c := out[key]
		c.Likes += s.LikesGained
		c.Reposts += s.RepostsGained
		c.Replies += s.RepliesGained
		out[key] = c
	}
	return out
}

// SortedBucketKeys returns sorted hour keys.
func SortedBucketKeys[V any](m map[time.Time]V) []time.Time {
	keys := make([]time.Time, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Before(keys[j]) })
	return keys
}
