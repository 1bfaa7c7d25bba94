// Package aggregate groups bursts of similar events into display units.
package aggregate

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"driftwire/internal/model"
)

// DefaultWindow is the sliding window a bucket accepts new members within.
const DefaultWindow = 5 * time.Minute

// Unit is either a single event or a group of clustered events.
type Unit struct {
	Category model.Category
	Subject  string
	Events   []model.Event // newest first
	Latest   time.Time
}

// Grouped reports whether the unit collapses more than one event.
func (u Unit) Grouped() bool { return len(u.Events) > 1 }

// Actors returns distinct actor names, newest first.
func (u Unit) Actors() []string {
	seen := map[string]bool{}
	var out []string
	for _, e := range u.Events {
		id := e.AuthorID
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, e.Actor())
	}
	return out
}

func clusterable(c model.Category) bool {
	switch c {
	case model.CategoryLike, model.CategoryRepost, model.CategoryQuote, model.CategoryFollow:
		return true
	}
	return false
}

type bucketKey struct {
	cat     model.Category
	subject string
}

// Aggregate clusters likes, reposts, quotes and follows that share a subject
// (follows share none) and arrive within window of the bucket's most recent
// member. Mentions and replies always stand alone. Units are returned newest
// first. A non-positive window uses DefaultWindow.
func Aggregate(events []model.Event, window time.Duration) []Unit {
	if window <= 0 {
		window = DefaultWindow
	}
	sorted := make([]model.Event, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })

	var units []*Unit
	open := map[bucketKey]*Unit{}
	for _, e := range sorted {
		if !clusterable(e.Category) {
			units = append(units, &Unit{Category: e.Category, Subject: e.Subject, Events: []model.Event{e}, Latest: e.CreatedAt})
			continue
		}
		k := bucketKey{cat: e.Category}
		if e.Category != model.CategoryFollow {
			k.subject = e.Subject
		}
		if u, ok := open[k]; ok && e.CreatedAt.Sub(u.Latest) <= window {
			u.Events = append(u.Events, e)
			u.Latest = e.CreatedAt
			continue
		}
		u := &Unit{Category: e.Category, Subject: k.subject, Events: []model.Event{e}, Latest: e.CreatedAt}
		open[k] = u
		units = append(units, u)
	}

	out := make([]Unit, 0, len(units))
	for _, u := range units {
		// members were appended oldest first
		for i, j := 0, len(u.Events)-1; i < j; i, j = i+1, j-1 {
			u.Events[i], u.Events[j] = u.Events[j], u.Events[i]
		}
		out = append(out, *u)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Latest.After(out[j].Latest) })
	return out
}

var verbs = map[model.Category]string{
	model.CategoryLike:    "liked your post",
	model.CategoryRepost:  "reposted your post",
	model.CategoryQuote:   "quoted your post",
	model.CategoryFollow:  "followed you",
	model.CategoryMention: "mentioned you",
	model.CategoryReply:   "replied to your post",
}

// Summarize renders e.g. "alice, bob, carol and 2 others liked your post".
func Summarize(u Unit) string {
	actors := u.Actors()
	verb := verbs[u.Category]
	if verb == "" {
		verb = "interacted with you"
	}
	var who string
	switch n := len(actors); {
	case n == 0:
		who = "someone"
	case n == 1:
		who = actors[0]
	case n <= 3:
		who = strings.Join(actors[:n-1], ", ") + " and " + actors[n-1]
	default:
		rest := n - 3
		noun := "others"
		if rest == 1 {
			noun = "other"
		}
		who = fmt.Sprintf("%s and %d %s", strings.Join(actors[:3], ", "), rest, noun)
	}
	return who + " " + verb
}
