package cache

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/olegiv/xray-audit/internal/model"
)

// MemoryAggregates is an in-process Aggregates used when Redis is not
// configured or unreachable. It follows the same bucket and TTL layout.
type MemoryAggregates struct {
	mu      sync.Mutex
	buckets map[string]*memoryBucket // "<kind>:<minute>"
	active  map[string]time.Time
	recent  []RecentEvent // newest first
	recentX time.Time     // recent list expiry
	health  map[string]string
	healthX time.Time

	now    func() time.Time
	stopCh chan struct{}
	closed atomic.Bool

	records atomic.Int64
	events  atomic.Int64
}

type memoryBucket struct {
	counts    map[string]int64
	expiresAt time.Time
}

// MemoryOptions configures the memory backend.
type MemoryOptions struct {
	CleanupInterval time.Duration // Interval for expired bucket cleanup (0 = no cleanup)
}

// NewMemoryAggregates creates an empty in-memory backend.
func NewMemoryAggregates(opts MemoryOptions) *MemoryAggregates {
	c := &MemoryAggregates{
		buckets: make(map[string]*memoryBucket),
		active:  make(map[string]time.Time),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	if opts.CleanupInterval > 0 {
		go c.cleanupLoop(opts.CleanupInterval)
	}
	return c
}

// Record folds events into the buckets.
func (c *MemoryAggregates) Record(_ context.Context, events []model.Event) error {
	if c.closed.Load() {
		return ErrCacheClosed
	}
	if len(events) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for i := range events {
		ev := &events[i]
		bucket := minuteBucket(ev.EventTime)
		switch {
		case ev.Access != nil:
			if ev.Access.DestHost != "" {
				c.incr("domains:"+bucket, ev.Access.DestHost, now)
			}
			if email := ev.Access.UserEmail; email != "" && email != model.UnknownUser {
				if ev.EventTime.After(c.active[email]) {
					c.active[email] = ev.EventTime.UTC()
				}
			}
		case ev.Error != nil:
			if ev.Error.SignatureHash != "" {
				c.incr("signatures:"+bucket, ev.Error.SignatureHash, now)
			}
		}
	}

	if now.After(c.recentX) {
		c.recent = nil
	}
	fresh := make([]RecentEvent, 0, len(events)+len(c.recent))
	for i := len(events) - 1; i >= 0; i-- {
		fresh = append(fresh, compact(&events[i]))
	}
	fresh = append(fresh, c.recent...)
	if len(fresh) > RecentEventsMax {
		fresh = fresh[:RecentEventsMax]
	}
	c.recent = fresh
	c.recentX = now.Add(RecentEventsTTL)

	cutoff := now.Add(-ActiveUserSpan)
	for email, seen := range c.active {
		if seen.Before(cutoff) {
			delete(c.active, email)
		}
	}

	c.records.Add(1)
	c.events.Add(int64(len(events)))
	return nil
}

// incr must be called with mu held.
func (c *MemoryAggregates) incr(key, member string, now time.Time) {
	b, ok := c.buckets[key]
	if !ok || now.After(b.expiresAt) {
		b = &memoryBucket{counts: make(map[string]int64)}
		c.buckets[key] = b
	}
	b.counts[member]++
	b.expiresAt = now.Add(BucketTTL)
}

// TopDestinations merges the minute buckets of the window.
func (c *MemoryAggregates) TopDestinations(_ context.Context, window time.Duration, limit int) ([]Count, error) {
	return c.topOf("domains", window, limit)
}

// TopSignatures merges the signature buckets of the window.
func (c *MemoryAggregates) TopSignatures(_ context.Context, window time.Duration, limit int) ([]Count, error) {
	return c.topOf("signatures", window, limit)
}

func (c *MemoryAggregates) topOf(kind string, window time.Duration, limit int) ([]Count, error) {
	if c.closed.Load() {
		return nil, ErrCacheClosed
	}
	if limit <= 0 {
		return nil, nil
	}

	c.mu.Lock()
	now := c.now()
	merged := make(map[string]int64)
	for _, b := range windowBuckets(now, window) {
		bucket, ok := c.buckets[kind+":"+b]
		if !ok || now.After(bucket.expiresAt) {
			continue
		}
		for k, n := range bucket.counts {
			merged[k] += n
		}
	}
	c.mu.Unlock()

	out := make([]Count, 0, len(merged))
	for k, n := range merged {
		out = append(out, Count{Key: k, Hits: n})
	}
	slices.SortFunc(out, func(a, b Count) int {
		if a.Hits != b.Hits {
			return cmp.Compare(b.Hits, a.Hits)
		}
		return cmp.Compare(a.Key, b.Key)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ActiveUsers lists users seen within the window, most recent first.
func (c *MemoryAggregates) ActiveUsers(_ context.Context, window time.Duration, limit int) ([]ActiveUser, error) {
	if c.closed.Load() {
		return nil, ErrCacheClosed
	}
	if limit <= 0 {
		return nil, nil
	}

	c.mu.Lock()
	cutoff := c.now().Add(-window)
	out := make([]ActiveUser, 0, len(c.active))
	for email, seen := range c.active {
		if !seen.Before(cutoff) {
			out = append(out, ActiveUser{Email: email, LastSeen: seen})
		}
	}
	c.mu.Unlock()

	slices.SortFunc(out, func(a, b ActiveUser) int {
		if d := b.LastSeen.Compare(a.LastSeen); d != 0 {
			return d
		}
		return cmp.Compare(a.Email, b.Email)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RecentEvents returns a copy of the newest events.
func (c *MemoryAggregates) RecentEvents(_ context.Context, limit int) ([]RecentEvent, error) {
	if c.closed.Load() {
		return nil, ErrCacheClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.now().After(c.recentX) {
		return nil, nil
	}
	n := min(limit, len(c.recent))
	if n <= 0 {
		return nil, nil
	}
	return slices.Clone(c.recent[:n]), nil
}

// PublishHealth replaces the stored health hash.
func (c *MemoryAggregates) PublishHealth(_ context.Context, fields map[string]string) error {
	if c.closed.Load() {
		return ErrCacheClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.health = make(map[string]string, len(fields))
	for k, v := range fields {
		c.health[k] = v
	}
	c.healthX = c.now().Add(HealthTTL)
	return nil
}

// Health returns a copy of the health hash, or nil once it expired.
func (c *MemoryAggregates) Health(_ context.Context) (map[string]string, error) {
	if c.closed.Load() {
		return nil, ErrCacheClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.health) == 0 || c.now().After(c.healthX) {
		return nil, nil
	}
	out := make(map[string]string, len(c.health))
	for k, v := range c.health {
		out[k] = v
	}
	return out, nil
}

// Close stops the cleanup goroutine.
func (c *MemoryAggregates) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		close(c.stopCh)
	}
	return nil
}

// Stats returns write counters.
func (c *MemoryAggregates) Stats() Stats {
	return Stats{Records: c.records.Load(), Events: c.events.Load()}
}

// removeExpired drops expired buckets and stale users.
func (c *MemoryAggregates) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, b := range c.buckets {
		if now.After(b.expiresAt) {
			delete(c.buckets, k)
		}
	}
	cutoff := now.Add(-ActiveUserSpan)
	for email, seen := range c.active {
		if seen.Before(cutoff) {
			delete(c.active, email)
		}
	}
	if now.After(c.recentX) {
		c.recent = nil
	}
}

// cleanupLoop periodically removes expired entries.
func (c *MemoryAggregates) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.stopCh:
			return
		}
	}
}

var (
	_ Aggregates    = (*MemoryAggregates)(nil)
	_ StatsProvider = (*MemoryAggregates)(nil)
)
