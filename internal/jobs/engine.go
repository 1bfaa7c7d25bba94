package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"driftwire/internal/cache"
	"driftwire/internal/config"
	"driftwire/internal/dedupe"
	"driftwire/internal/logging"
	"driftwire/internal/metrics"
	"driftwire/internal/model"
	"driftwire/internal/ratelimit"
	"driftwire/internal/store"
	"driftwire/internal/xclient"
)

var (
	// ErrRemoteFetchFailed aborts a run when a profile or feed page cannot be fetched.
	ErrRemoteFetchFailed = errors.New("remote fetch failed")
	// ErrPerItemUpdateFailed wraps isolated per-post failures. It is logged, never returned by SyncUser.
	ErrPerItemUpdateFailed = errors.New("per-item update failed")
	// ErrSyncInProgress is returned when the identity already has a run going.
	ErrSyncInProgress = errors.New("sync already in progress")
)

// State is the phase a sync run is in.
type State string

const (
	StateIdle               State = "idle"
	StateFetchingProfile    State = "fetching_profile"
	StateFullFetch          State = "full_fetch"
	StateIncrementalFetch   State = "incremental_fetch"
	StateUpdatingEngagement State = "updating_engagement"
	StateUpdatingEngagers   State = "updating_engagers"
	StateSnapshotting       State = "snapshotting"
	StateDone               State = "done"
	StateFailed             State = "failed"
)

// Strategy is how the fetch phase walks the remote feed.
type Strategy string

const (
	StrategyFull        Strategy = "full"
	StrategyIncremental Strategy = "incremental"
)

// Options tune a single run.
type Options struct {
	FullSync bool
}

// ProgressFunc receives a message and a percentage that never decreases within a run.
type ProgressFunc func(msg string, percent int)

// Progress is one progress report.
type Progress struct {
	Message string
	Percent int
}

// ProgressChannel adapts ch to a ProgressFunc. Reports are dropped when ch is full.
func ProgressChannel(ch chan<- Progress) ProgressFunc {
	return func(msg string, percent int) {
		select {
		case ch <- Progress{Message: msg, Percent: percent}:
		default:
		}
	}
}

// Result summarises a finished (or failed) run.
type Result struct {
	RunID           string
	Identity        string
	Strategy        Strategy
	State           State
	PostsStored     int
	PostsRefreshed  int
	RefreshFailures int
	EngagersUpdated int
	EngagerFailures int
	Snapshot        model.DailySnapshot
}

// Settings are the sync tunables.
type Settings struct {
	PageDelay        time.Duration
	FlushEvery       int
	EngagementWindow time.Duration
	TopPosts         int
	EngagerCap       int
}

// SettingsFromConfig maps the sync config section to Settings.
func SettingsFromConfig(c config.SyncConfig) Settings {
	return Settings{
		PageDelay:        c.PageDelay,
		FlushEvery:       c.FlushEvery,
		EngagementWindow: time.Duration(c.EngagementWindowDays) * 24 * time.Hour,
		TopPosts:         c.TopPosts,
		EngagerCap:       c.EngagerCap,
	}
}

// Engine drives sync runs against a remote Source into the local store.
type Engine struct {
	db      *store.DB
	cache   *cache.Cache
	src     xclient.Source
	limiter *ratelimit.Limiter
	group   *dedupe.Group
	set     Settings
	now     func() time.Time

	mu      sync.Mutex
	running map[string]bool
}

// New wires an Engine. A nil limiter or group gets a default one.
func New(db *store.DB, c *cache.Cache, src xclient.Source, limiter *ratelimit.Limiter, group *dedupe.Group, set Settings) *Engine {
	if limiter == nil {
		limiter = ratelimit.New(nil)
	}
	if group == nil {
		group = dedupe.New()
	}
	if set.FlushEvery <= 0 {
		set.FlushEvery = 500
	}
	return &Engine{
		db: db, cache: c, src: src, limiter: limiter, group: group, set: set,
		now:     func() time.Time { return time.Now().UTC() },
		running: map[string]bool{},
	}
}

// WithClock swaps the engine clock.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

func (e *Engine) lock(identity string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running[identity] {
		return false
	}
	e.running[identity] = true
	return true
}

func (e *Engine) unlock(identity string) {
	e.mu.Lock()
	delete(e.running, identity)
	e.mu.Unlock()
}

// run carries per-run state through the phases.
type run struct {
	res      Result
	profile  model.Profile
	progress ProgressFunc
	last     int
}

func (r *run) report(msg string, pct int) {
	if pct < r.last {
		pct = r.last
	}
	if pct > 100 {
		pct = 100
	}
	r.last = pct
	if r.progress != nil {
		r.progress(msg, pct)
	}
}

func (r *run) fields(extra map[string]any) map[string]any {
	f := map[string]any{"run_id": r.res.RunID, "identity": r.res.Identity, "state": string(r.res.State)}
	for k, v := range extra {
		f[k] = v
	}
	return f
}

// SyncUser reconciles the local store with identity's remote feed: fetch new
// posts, refresh recent engagement counts, aggregate active engagers, and
// write today's snapshot. Only fetch errors abort the run.
func (e *Engine) SyncUser(ctx context.Context, identity string, opts Options, progress ProgressFunc) (Result, error) {
	r := &run{progress: progress, res: Result{RunID: uuid.NewString(), Identity: identity, State: StateIdle}}
	if identity == "" {
		r.res.State = StateFailed
		return r.res, errors.New("empty identity")
	}
	if !e.lock(identity) {
		return r.res, fmt.Errorf("%w: %s", ErrSyncInProgress, identity)
	}
	defer e.unlock(identity)

	start := time.Now()
	defer metrics.ObserveSyncDuration(start)

	fail := func(phase string, err error) (Result, error) {
		r.res.State = StateFailed
		metrics.SyncErrors.WithLabelValues(phase).Inc()
		logging.Error("sync_failed", r.fields(map[string]any{"phase": phase, "error": err.Error()}))
		return r.res, err
	}

	r.res.State = StateFetchingProfile
	r.report("fetching profile", 5)
	profile, err := e.fetchProfile(ctx, identity)
	if err != nil {
		return fail("profile", fmt.Errorf("%w: profile %s: %w", ErrRemoteFetchFailed, identity, err))
	}
	r.profile = profile

	cached, err := e.db.CountPosts(ctx, profile.ID)
	if err != nil {
		return fail("strategy", err)
	}
	r.res.Strategy = StrategyIncremental
	if opts.FullSync || cached == 0 {
		r.res.Strategy = StrategyFull
	}
	metrics.SyncRuns.WithLabelValues(string(r.res.Strategy)).Inc()
	logging.Info("sync_start", r.fields(map[string]any{"strategy": string(r.res.Strategy), "cached_posts": cached}))

	if r.res.Strategy == StrategyFull {
		r.res.State = StateFullFetch
		err = e.fullFetch(ctx, r)
	} else {
		r.res.State = StateIncrementalFetch
		err = e.incrementalFetch(ctx, r)
	}
	if err != nil {
		return fail("fetch", err)
	}
	r.report(fmt.Sprintf("stored %d posts", r.res.PostsStored), 60)

	r.res.State = StateUpdatingEngagement
	if err := e.refreshEngagement(ctx, r); err != nil {
		return fail("engagement", err)
	}
	r.report(fmt.Sprintf("refreshed %d posts", r.res.PostsRefreshed), 85)

	r.res.State = StateUpdatingEngagers
	if err := e.updateEngagers(ctx, r); err != nil {
		return fail("engagers", err)
	}
	r.report(fmt.Sprintf("updated %d engagers", r.res.EngagersUpdated), 95)

	r.res.State = StateSnapshotting
	if err := e.snapshot(ctx, r); err != nil {
		return fail("snapshot", err)
	}
	if e.cache != nil {
		if err := e.cache.Touch(ctx); err != nil {
			logging.Warn("cache_touch_failed", r.fields(map[string]any{"error": err.Error()}))
		}
	}
	r.res.State = StateDone
	r.report("done", 100)
	logging.Info("sync_done", r.fields(map[string]any{
		"posts_stored":     r.res.PostsStored,
		"posts_refreshed":  r.res.PostsRefreshed,
		"refresh_failures": r.res.RefreshFailures,
		"engagers":         r.res.EngagersUpdated,
		"duration_ms":      time.Since(start).Milliseconds(),
	}))
	return r.res, nil
}

func (e *Engine) fetchProfile(ctx context.Context, identity string) (model.Profile, error) {
	return ratelimit.Execute(ctx, e.limiter, ratelimit.Profile, func(ctx context.Context) (model.Profile, error) {
		return dedupe.Do(ctx, e.group, "profile:"+identity, func(ctx context.Context) (model.Profile, error) {
			return e.src.GetProfileTotals(ctx, identity)
		})
	})
}

// sleep waits d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
