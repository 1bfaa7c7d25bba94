// Package ratelimit throttles remote calls per endpoint class.
package ratelimit

import (
	"context"
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Class partitions remote endpoints so a busy feed fetch cannot starve
// profile lookups.
type Class string

const (
	Profile     Class = "profile"
	Feed        Class = "feed"
	Interaction Class = "interaction"
)

// ErrRateLimited marks a call the remote side refused for rate reasons.
// Transports wrap it so Execute can back off and try again.
var ErrRateLimited = errors.New("rate limited")

// Limits configures one class.
type Limits struct {
	RPS   float64
	Burst int
}

// DefaultLimits mirrors the public API quotas closely enough for a single user.
func DefaultLimits() map[Class]Limits {
	return map[Class]Limits{
		Profile:     {RPS: 1, Burst: 5},
		Feed:        {RPS: 2, Burst: 10},
		Interaction: {RPS: 3, Burst: 10},
	}
}

// Limiter holds one token bucket per class.
type Limiter struct {
	buckets     map[Class]*rate.Limiter
	maxRetries  int
	baseBackoff time.Duration
}

// New builds a Limiter. Classes missing from limits fall back to the defaults,
// and DRIFTWIRE_<CLASS>_RPS / DRIFTWIRE_<CLASS>_BURST override either.
func New(limits map[Class]Limits) *Limiter {
	def := DefaultLimits()
	l := &Limiter{buckets: map[Class]*rate.Limiter{}, maxRetries: 2, baseBackoff: time.Second}
	for _, c := range []Class{Profile, Feed, Interaction} {
		lim, ok := limits[c]
		if !ok || lim.RPS <= 0 || lim.Burst <= 0 {
			lim = def[c]
		}
		lim = envOverride(c, lim)
		l.buckets[c] = rate.NewLimiter(rate.Limit(lim.RPS), lim.Burst)
	}
	return l
}

// WithBackoff sets how many times a rate-limited call is re-run and the first wait.
func (l *Limiter) WithBackoff(retries int, base time.Duration) *Limiter {
	if retries >= 0 {
		l.maxRetries = retries
	}
	if base > 0 {
		l.baseBackoff = base
	}
	return l
}

func envOverride(c Class, lim Limits) Limits {
	prefix := "DRIFTWIRE_" + strings.ToUpper(string(c))
	if v := os.Getenv(prefix + "_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			lim.RPS = f
		}
	}
	if v := os.Getenv(prefix + "_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			lim.Burst = n
		}
	}
	return lim
}

// Wait blocks until class has a token or ctx ends.
func (l *Limiter) Wait(ctx context.Context, c Class) error {
	b, ok := l.buckets[c]
	if !ok {
		b = l.buckets[Feed]
	}
	return b.Wait(ctx)
}

// Execute runs fn once a token for class is available. A result wrapping
// ErrRateLimited is retried after an exponential backoff.
func Execute[T any](ctx context.Context, l *Limiter, c Class, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	backoff := l.baseBackoff
	for attempt := 0; ; attempt++ {
		if err := l.Wait(ctx, c); err != nil {
			return zero, err
		}
		v, err := fn(ctx)
		if err == nil || !errors.Is(err, ErrRateLimited) || attempt >= l.maxRetries {
			return v, err
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
		backoff *= 2
	}
}
