package security

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/giantswarm/oauth-tokens/instrumentation"
)

const (
	// DefaultMaxEntries bounds the number of tracked client addresses
	DefaultMaxEntries = 10000

	// limiterIdleTimeout is how long an unused bucket survives cleanup
	limiterIdleTimeout = 30 * time.Minute

	// cleanupInterval is how often idle buckets are swept
	cleanupInterval = 5 * time.Minute
)

// bucket is the token bucket of one key
type bucket struct {
	key        string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter keeps one token bucket per key, in practice the client address
// of a token request. Buckets are evicted least recently used first once
// maxEntries is reached and dropped after limiterIdleTimeout without use.
type RateLimiter struct {
	name       string
	limit      rate.Limit
	burst      int
	maxEntries int
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.Mutex
	buckets map[string]*list.Element
	lru     *list.List // front is most recently used

	instrumentation *instrumentation.Instrumentation
	stop            chan struct{}
	stopOnce        sync.Once
}

// NewRateLimiter allows requestsPerSecond per key with the given burst and
// tracks at most DefaultMaxEntries keys
func NewRateLimiter(requestsPerSecond, burst int, logger *slog.Logger) *RateLimiter {
	return NewRateLimiterWithConfig(requestsPerSecond, burst, DefaultMaxEntries, logger)
}

// NewRateLimiterWithConfig is NewRateLimiter with a custom key bound.
// Zero maxEntries means unbounded; negative means DefaultMaxEntries.
func NewRateLimiterWithConfig(requestsPerSecond, burst, maxEntries int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxEntries < 0 {
		logger.Warn("Invalid rate limiter size, using default", "max_entries", maxEntries, "default", DefaultMaxEntries)
		maxEntries = DefaultMaxEntries
	}

	rl := &RateLimiter{
		name:       "ip",
		limit:      rate.Limit(requestsPerSecond),
		burst:      burst,
		maxEntries: maxEntries,
		logger:     logger,
		now:        time.Now,
		buckets:    make(map[string]*list.Element),
		lru:        list.New(),
		stop:       make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// SetName sets the limiter label reported in metrics (default "ip")
func (rl *RateLimiter) SetName(name string) {
	rl.name = name
}

// SetInstrumentation enables the rate limit exceeded counter
func (rl *RateLimiter) SetInstrumentation(inst *instrumentation.Instrumentation) {
	rl.instrumentation = inst
}

// Check takes a token from the bucket of key. When none is available it
// returns false and how long the caller should wait, and records the rejection.
func (rl *RateLimiter) Check(ctx context.Context, key string) (bool, time.Duration) {
	allowed, retryAfter := rl.reserve(key)
	if !allowed && rl.instrumentation != nil {
		rl.instrumentation.Metrics().RecordRateLimitExceeded(ctx, rl.name)
	}
	return allowed, retryAfter
}

// Allow reports whether a request for key may proceed now
func (rl *RateLimiter) Allow(key string) bool {
	allowed, _ := rl.reserve(key)
	return allowed
}

func (rl *RateLimiter) reserve(key string) (bool, time.Duration) {
	now := rl.now()
	lim := rl.bucketFor(key, now)

	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return false, limiterIdleTimeout
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// bucketFor returns the limiter of key, creating it and evicting the least
// recently used bucket when full
func (rl *RateLimiter) bucketFor(key string, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, ok := rl.buckets[key]; ok {
		rl.lru.MoveToFront(elem)
		b := elem.Value.(*bucket)
		b.lastAccess = now
		return b.limiter
	}

	if rl.maxEntries > 0 && len(rl.buckets) >= rl.maxEntries {
		if oldest := rl.lru.Back(); oldest != nil {
			evicted := rl.lru.Remove(oldest).(*bucket)
			delete(rl.buckets, evicted.key)
			rl.logger.Debug("Rate limiter evicted bucket", "limiter", rl.name, "entries", len(rl.buckets))
		}
	}

	b := &bucket{key: key, limiter: rate.NewLimiter(rl.limit, rl.burst), lastAccess: now}
	rl.buckets[key] = rl.lru.PushFront(b)
	return b.limiter
}

// Len returns the number of tracked keys
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup(limiterIdleTimeout)
		case <-rl.stop:
			return
		}
	}
}

// Cleanup drops buckets unused for longer than maxIdle
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-maxIdle)
	removed := 0
	// idle buckets collect at the back of the list
	for elem := rl.lru.Back(); elem != nil; {
		b := elem.Value.(*bucket)
		if !b.lastAccess.Before(cutoff) {
			break
		}
		prev := elem.Prev()
		rl.lru.Remove(elem)
		delete(rl.buckets, b.key)
		removed++
		elem = prev
	}

	if removed > 0 {
		rl.logger.Debug("Rate limiter cleanup", "limiter", rl.name, "removed", removed, "remaining", len(rl.buckets))
	}
}

// Stop ends the cleanup goroutine. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}
