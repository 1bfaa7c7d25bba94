// Package dedupe collapses identical in-flight requests into one call.
package dedupe

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"driftwire/internal/logging"
	"driftwire/internal/metrics"
)

// Group shares the result of concurrent calls with the same key. Keys are
// dropped as soon as the call settles; Sweep drops keys whose call has been
// running longer than a max age so later callers start a fresh one.
type Group struct {
	sf      singleflight.Group
	mu      sync.Mutex
	seq     uint64
	started map[string]call
	now     func() time.Time
}

// call identifies one execution of a key.
type call struct {
	id uint64
	at time.Time
}

func New() *Group {
	return &Group{started: map[string]call{}, now: time.Now}
}

// Do runs fn under key. The shared call is detached from the caller's
// cancellation; each caller stops waiting when its own ctx ends.
func Do[T any](ctx context.Context, g *Group, key string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	ran := false
	detached := context.WithoutCancel(ctx)
	ch := g.sf.DoChan(key, func() (any, error) {
		ran = true
		id := g.begin(key)
		defer g.settle(key, id)
		return fn(detached)
	})
	select {
	case res := <-ch:
		if !ran {
			metrics.DedupeShared.Inc()
		}
		if res.Err != nil {
			return zero, res.Err
		}
		v, _ := res.Val.(T)
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (g *Group) begin(key string) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	g.started[key] = call{id: g.seq, at: g.now()}
	return g.seq
}

// settle drops key unless a newer call has taken it over after a Sweep.
func (g *Group) settle(key string, id uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.started[key]; ok && c.id == id {
		delete(g.started, key)
	}
}

// Sweep forgets keys older than maxAge and returns how many were dropped.
func (g *Group) Sweep(maxAge time.Duration) int {
	cutoff := g.now().Add(-maxAge)
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for key, c := range g.started {
		if c.at.Before(cutoff) {
			g.sf.Forget(key)
			delete(g.started, key)
			n++
		}
	}
	if n > 0 {
		logging.Debug("dedupe_swept", map[string]any{"count": n})
	}
	return n
}

// InFlight reports how many keys are currently tracked.
func (g *Group) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.started)
}

// RunSweeper sweeps every interval until ctx ends.
func (g *Group) RunSweeper(ctx context.Context, interval, maxAge time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			g.Sweep(maxAge)
		}
	}
}
