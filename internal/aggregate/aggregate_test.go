package aggregate

import (
	"testing"
	"time"

	"driftwire/internal/model"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func like(key, author, subject string, at time.Time) model.Event {
	return model.Event{Key: key, Category: model.CategoryLike, AuthorID: author, AuthorHandle: author, Subject: subject, CreatedAt: at}
}

func TestLikesWithinWindowGroup(t *testing.T) {
	units := Aggregate([]model.Event{
		like("1", "alice", "p1", t0),
		like("2", "bob", "p1", t0.Add(2*time.Minute)),
	}, 0)
	if len(units) != 1 || len(units[0].Events) != 2 {
		t.Fatalf("expected one unit of 2, got %+v", units)
	}
	if !units[0].Grouped() || units[0].Events[0].Key != "2" {
		t.Fatalf("unit should be grouped newest first: %+v", units[0])
	}
}

func TestLikesOutsideWindowSplit(t *testing.T) {
	units := Aggregate([]model.Event{
		like("1", "alice", "p1", t0),
		like("2", "bob", "p1", t0.Add(10*time.Minute)),
	}, 5*time.Minute)
	if len(units) != 2 {
		t.Fatalf("expected 2 units, got %d", len(units))
	}
	for _, u := range units {
		if u.Grouped() {
			t.Fatalf("single-member bucket should degrade: %+v", u)
		}
	}
	if units[0].Events[0].Key != "2" {
		t.Fatalf("newest unit first")
	}
}

func TestWindowSlidesFromLatestMember(t *testing.T) {
	// each like is 4 minutes after the previous one; all chain into one bucket
	units := Aggregate([]model.Event{
		like("1", "a", "p1", t0),
		like("2", "b", "p1", t0.Add(4*time.Minute)),
		like("3", "c", "p1", t0.Add(8*time.Minute)),
	}, 5*time.Minute)
	if len(units) != 1 || len(units[0].Events) != 3 {
		t.Fatalf("got %+v", units)
	}
}

func TestDifferentSubjectsAndPassThrough(t *testing.T) {
	events := []model.Event{
		like("1", "a", "p1", t0),
		like("2", "b", "p2", t0.Add(time.Minute)),
		{Key: "3", Category: model.CategoryReply, AuthorID: "c", Subject: "p1", CreatedAt: t0.Add(2 * time.Minute)},
		{Key: "4", Category: model.CategoryReply, AuthorID: "d", Subject: "p1", CreatedAt: t0.Add(3 * time.Minute)},
		{Key: "5", Category: model.CategoryFollow, AuthorID: "e", CreatedAt: t0.Add(4 * time.Minute)},
		{Key: "6", Category: model.CategoryFollow, AuthorID: "f", CreatedAt: t0.Add(5 * time.Minute)},
	}
	units := Aggregate(events, 0)
	// p1 like, p2 like, two replies, one follow group
	if len(units) != 5 {
		t.Fatalf("expected 5 units, got %d: %+v", len(units), units)
	}
	if units[0].Category != model.CategoryFollow || len(units[0].Events) != 2 {
		t.Fatalf("follows group without subject: %+v", units[0])
	}
	for i := 1; i < len(units); i++ {
		if units[i].Latest.After(units[i-1].Latest) {
			t.Fatalf("units not sorted newest first at %d", i)
		}
	}
}

func TestSummarize(t *testing.T) {
	mk := func(actors ...string) Unit {
		u := Unit{Category: model.CategoryLike}
		for i, a := range actors {
			u.Events = append(u.Events, like(a, a, "p", t0.Add(time.Duration(-i)*time.Minute)))
		}
		return u
	}
	cases := []struct {
		unit Unit
		want string
	}{
		{mk("alice"), "alice liked your post"},
		{mk("alice", "bob"), "alice and bob liked your post"},
		{mk("alice", "bob", "carol"), "alice, bob and carol liked your post"},
		{mk("alice", "bob", "carol", "dave"), "alice, bob, carol and 1 other liked your post"},
		{mk("alice", "bob", "carol", "dave", "erin"), "alice, bob, carol and 2 others liked your post"},
		{mk("alice", "alice"), "alice liked your post"},
		{Unit{Category: model.CategoryFollow, Events: []model.Event{{AuthorID: "x", AuthorHandle: "x"}}}, "x followed you"},
	}
	for _, c := range cases {
		if got := Summarize(c.unit); got != c.want {
			t.Errorf("got %q want %q", got, c.want)
		}
	}
}
