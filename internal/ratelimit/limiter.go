// Package ratelimit implements Binance's weight-based rate limiting model.
package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Binance default rate limits (weight-based)
// Documentation: https://binance-docs.github.io/apidocs/spot/en/#limits
// Last verified: 2026-02-16
const (
	// DefaultMaxWeight is the default maximum weight per minute for Binance
	// (1200 weight per minute for most endpoints)
	DefaultMaxWeight = 1200
	// RefillInterval is how often the weight bucket refills
	RefillInterval = time.Minute
)

// counter is one sliding-window class: a non-decreasing deque of charge
// timestamps (one entry per weight unit), evicted against `window` on every
// charge/reconcile.
type counter struct {
	windowDur time.Duration
	max       int
	charges   []time.Time // ascending, oldest first
	smoother  *rate.Limiter
}

func newCounter(windowDur time.Duration, max int, smooth bool) *counter {
	c := &counter{windowDur: windowDur, max: max}
	if smooth && windowDur > 0 && max > 0 {
		perSecond := float64(max) / windowDur.Seconds()
		c.smoother = rate.NewLimiter(rate.Limit(perSecond), max)
	}
	return c
}

// evict drops charges older than the window relative to now, mutating in place.
func (c *counter) evict(now time.Time) {
	cutoff := now.Add(-c.windowDur)
	i := 0
	for ; i < len(c.charges); i++ {
		if c.charges[i].After(cutoff) {
			break
		}
	}
	if i > 0 {
		c.charges = c.charges[i:]
	}
}

func (c *counter) used(now time.Time) int {
	c.evict(now)
	return len(c.charges)
}

// Limiter tracks multiple independently-windowed rate-limit classes and a
// single reactive backoff deadline shared across all of them, per
// SPEC_FULL.md §3.3. One mutex guards eviction+append so Charge and
// Reconcile never race against each other mid-window.
type Limiter struct {
	mu           sync.Mutex
	counters     map[string]*counter
	backoffUntil time.Time
}

// NewLimiter creates an empty Limiter. Classes are added via RegisterClass;
// Binance's default spot REQUEST_WEIGHT and ORDERS classes are registered
// by NewDefaultLimiter.
func NewLimiter() *Limiter {
	return &Limiter{counters: make(map[string]*counter)}
}

// NewDefaultLimiter creates a Limiter pre-registered with Binance spot's
// documented default classes: 1200 REQUEST_WEIGHT per minute and 100 ORDERS
// per 10 seconds (conservative defaults; real limits come from
// exchangeInfo's rateLimits and should be applied via Reconcile/RegisterClass
// once fetched).
func NewDefaultLimiter() *Limiter {
	l := NewLimiter()
	l.RegisterClass("REQUEST_WEIGHT", time.Minute, DefaultMaxWeight, true)
	l.RegisterClass("ORDERS", 10*time.Second, 100, false)
	return l
}

// RegisterClass adds or replaces a rate-limit class. smooth attaches an
// intra-window token-bucket smoother (golang.org/x/time/rate) on top of the
// hard sliding-window ceiling — it only ever adds delay, never relaxes the
// window guarantee.
func (l *Limiter) RegisterClass(name string, window time.Duration, max int, smooth bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counters[l.resolveRegisteredClass(name, window, max)] = newCounter(window, max, smooth)
}

// resolveRegisteredClass maps name onto the merged key for a registration
// or reconcile report that carries its own (window, max). REQUESTS is
// merged onto REQUEST_WEIGHT only when an already-registered
// REQUEST_WEIGHT counter shares that exact (window, max) pair — two
// classes of the same name but different limits must never collapse onto
// one counter.
func (l *Limiter) resolveRegisteredClass(name string, window time.Duration, max int) string {
	if name != "REQUESTS" {
		return name
	}
	if rw, ok := l.counters["REQUEST_WEIGHT"]; ok && rw.windowDur == window && rw.max == max {
		return "REQUEST_WEIGHT"
	}
	return name
}

// resolveChargeClass maps name for a bare Charge call, which carries no
// window/max of its own. REQUESTS resolves onto a registered REQUEST_WEIGHT
// counter unless a separately registered REQUESTS counter has different
// limits.
func (l *Limiter) resolveChargeClass(name string) string {
	if name != "REQUESTS" {
		return name
	}
	weight, ok := l.counters["REQUEST_WEIGHT"]
	if !ok {
		return name
	}
	requests, ok := l.counters["REQUESTS"]
	if !ok {
		return "REQUEST_WEIGHT"
	}
	if requests.windowDur == weight.windowDur && requests.max == weight.max {
		return "REQUEST_WEIGHT"
	}
	return name
}

// Charge blocks (respecting ctx) until `weight` units of `class` can be
// spent without exceeding the class's sliding window, then records the
// charge. Charge holds the single mutex for its evict-check-append critical
// section. A caller that has to wait (for the backoff deadline or for
// window space) sleeps without holding the mutex and then re-checks, so
// waiting callers are not admitted in FIFO order.
func (l *Limiter) Charge(ctx context.Context, class string, weight int) error {
	if weight <= 0 {
		return nil
	}

	for {
		l.mu.Lock()
		now := time.Now()
		if !l.backoffUntil.IsZero() && now.Before(l.backoffUntil) {
			wait := l.backoffUntil.Sub(now)
			l.mu.Unlock()
			if err := sleepCtx(ctx, wait); err != nil {
				return err
			}
			continue
		}

		resolved := l.resolveChargeClass(class)
		c, ok := l.counters[resolved]
		if !ok {
			c = newCounter(time.Minute, DefaultMaxWeight, false)
			l.counters[resolved] = c
		}
		c.evict(now)

		if len(c.charges)+weight > c.max {
			if len(c.charges) == 0 {
				// Weight alone exceeds the class max against an empty
				// window: there's no charge to age out, so let this one
				// through rather than indexing into an empty slice.
			} else {
				oldest := c.charges[0]
				wait := c.windowDur - now.Sub(oldest)
				l.mu.Unlock()
				if wait <= 0 {
					continue
				}
				if err := sleepCtx(ctx, wait); err != nil {
					return err
				}
				continue
			}
		}

		for i := 0; i < weight; i++ {
			c.charges = append(c.charges, now)
		}
		smoother := c.smoother
		l.mu.Unlock()

		if smoother != nil {
			if err := smoother.WaitN(ctx, weight); err != nil {
				return err
			}
		}
		return nil
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SetBackoff installs a reactive backoff deadline: no class may charge until
// retryAfter has elapsed, regardless of its own window state. Used on
// HTTP 429/418 responses per SPEC_FULL.md / spec.md §4.3.
func (l *Limiter) SetBackoff(retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	deadline := time.Now().Add(retryAfter)
	if deadline.After(l.backoffUntil) {
		l.backoffUntil = deadline
	}
}

// ServerCount is one class's usage as reported by the exchange (e.g. an
// X-MBX-USED-WEIGHT-1M header or a WS rateLimits payload entry).
type ServerCount struct {
	Class  string
	Window time.Duration
	Max    int
	Count  int // inclusive of the request that carried this report
}

// Reconcile brings each reported class's charge history in line with the
// exchange's authoritative count. Per spec.md §4.3: evict stale charges
// against the window first, then compare the server's count to what's left
// locally — append the delta (preserving existing timestamps) when the
// server reports more than is locally tracked, clear the counter when the
// server reports zero, and otherwise leave the counter untouched. The
// server's count is treated as inclusive of the request it was reported on
// (SPEC_FULL.md §5.1).
func (l *Limiter) Reconcile(reports []ServerCount) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	for _, r := range reports {
		if r.Count < 0 {
			r.Count = 0
		}
		name := l.resolveRegisteredClass(r.Class, r.Window, r.Max)
		c, ok := l.counters[name]
		if !ok {
			c = newCounter(r.Window, r.Max, false)
			l.counters[name] = c
		}
		if r.Window > 0 {
			c.windowDur = r.Window
		}
		if r.Max > 0 {
			c.max = r.Max
		}

		c.evict(now)
		local := len(c.charges)
		switch {
		case r.Count == 0:
			c.charges = nil
		case r.Count > local:
			for i := 0; i < r.Count-local; i++ {
				c.charges = append(c.charges, now)
			}
		default:
			// server_count <= local_count: local history is at least as
			// fresh as the server's report, leave it untouched.
		}
	}
}

// Stats reports current usage for every registered class, sorted by name
// for deterministic output.
type Stats struct {
	Class     string
	Used      int
	Max       int
	Available int
}

// Stats returns a snapshot of every class's current usage.
func (l *Limiter) Stats() []Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	out := make([]Stats, 0, len(l.counters))
	for name, c := range l.counters {
		used := c.used(now)
		out = append(out, Stats{Class: name, Used: used, Max: c.max, Available: c.max - used})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Class < out[j].Class })
	return out
}
