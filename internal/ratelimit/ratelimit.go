// Package ratelimit implements sliding-window request limits keyed by
// (tenant, identity, bucket). Each key keeps a ring of admission timestamps
// capped at the policy limit, so the count over any trailing window is exact
// and a burst can never exceed the limit in any interval of the window's
// length.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/venia-ai/docsearch/internal/apperr"
	"github.com/venia-ai/docsearch/internal/clock"
)

// Bucket names a rate policy.
type Bucket string

const (
	// BucketAuth limits authentication attempts per IP+email.
	BucketAuth Bucket = "auth"
	// BucketAPI limits general API calls per tenant+IP.
	BucketAPI Bucket = "api"
	// BucketAdmin limits admin API calls.
	BucketAdmin Bucket = "admin"
)

// Policy is the limit for one bucket.
type Policy struct {
	Limit  int
	Window time.Duration
}

// DefaultPolicies returns the standard limits
func DefaultPolicies() map[Bucket]Policy {
	return map[Bucket]Policy{
		BucketAuth:  {Limit: 5, Window: 5 * time.Minute},
		BucketAPI:   {Limit: 1000, Window: time.Hour},
		BucketAdmin: {Limit: 10000, Window: time.Hour},
	}
}

// window is a ring buffer of admission times for one key. The ring grows
// geometrically and never past the policy limit, which bounds it at the
// number of requests that can be in flight inside one window.
type window struct {
	mu        sync.Mutex
	stamps    []time.Time
	head      int // index of the oldest stamp
	count     int
	lastTouch time.Time
}

// push appends a stamp, growing the ring if it is full.
func (w *window) push(t time.Time, limit int) {
	if w.count == len(w.stamps) {
		size := len(w.stamps) * 2
		if size == 0 {
			size = 8
		}
		if size > limit {
			size = limit
		}
		grown := make([]time.Time, size)
		for i := 0; i < w.count; i++ {
			grown[i] = w.stamps[(w.head+i)%len(w.stamps)]
		}
		w.stamps = grown
		w.head = 0
	}
	w.stamps[(w.head+w.count)%len(w.stamps)] = t
	w.count++
}

// Limiter tracks sliding-window admission times per key. Safe for concurrent
// use.
type Limiter struct {
	mu       sync.RWMutex
	windows  map[string]*window
	policies map[Bucket]Policy
	clk      clock.Clock
	logger   *slog.Logger
}

// New creates a limiter with the given policies. A nil policies map uses the
// defaults.
func New(policies map[Bucket]Policy, clk clock.Clock, logger *slog.Logger) *Limiter {
	if policies == nil {
		policies = DefaultPolicies()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Limiter{
		windows:  make(map[string]*window),
		policies: policies,
		clk:      clk,
		logger:   logger,
	}
}

// Allow records one request for (tenant, identity) in the bucket and reports
// whether it is within the limit. Over-limit requests return a rate_limited
// error carrying a retry-after hint.
func (l *Limiter) Allow(tenant, identity string, bucket Bucket) error {
	policy, ok := l.policies[bucket]
	if !ok {
		return apperr.Newf(apperr.KindInternal, "unknown rate bucket %q", bucket)
	}

	key := fmt.Sprintf("%s:%s:%s", bucket, tenant, identity)
	w := l.window(key)

	now := l.clk.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastTouch = now

	// Drop admissions that have aged out of the trailing window. A stamp at
	// time s stops counting at exactly s+Window.
	cutoff := now.Add(-policy.Window)
	for w.count > 0 && !w.stamps[w.head].After(cutoff) {
		w.head = (w.head + 1) % len(w.stamps)
		w.count--
	}

	if w.count >= policy.Limit {
		retryAfter := time.Second
		if w.count > 0 {
			if d := w.stamps[w.head].Add(policy.Window).Sub(now); d > 0 {
				retryAfter = d
			}
		}
		return &apperr.Error{
			Kind:       apperr.KindRateLimited,
			Msg:        fmt.Sprintf("rate limit exceeded for %s", bucket),
			RetryAfter: retryAfter,
		}
	}

	w.push(now, policy.Limit)
	return nil
}

func (l *Limiter) window(key string) *window {
	l.mu.RLock()
	w, ok := l.windows[key]
	l.mu.RUnlock()
	if ok {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	// Double-check: another goroutine may have created it.
	if w, ok := l.windows[key]; ok {
		return w
	}
	w = &window{}
	l.windows[key] = w
	return w
}

// StartCleanup evicts counters idle for more than two of the longest window,
// every interval, until ctx is done.
func (l *Limiter) StartCleanup(ctx context.Context, interval time.Duration) {
	var maxWindow time.Duration
	for _, p := range l.policies {
		if p.Window > maxWindow {
			maxWindow = p.Window
		}
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.cleanup(2 * maxWindow)
			}
		}
	}()
}

func (l *Limiter) cleanup(idle time.Duration) {
	cutoff := l.clk.Now().Add(-idle)

	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, w := range l.windows {
		w.mu.Lock()
		stale := w.lastTouch.Before(cutoff)
		w.mu.Unlock()
		if stale {
			delete(l.windows, key)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug("rate limiter cleanup", "removed", removed, "remaining", len(l.windows))
	}
}

// Keys returns the number of tracked counters, for telemetry
func (l *Limiter) Keys() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.windows)
}
