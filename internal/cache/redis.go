package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/olegiv/xray-audit/internal/model"
)

// RedisAggregates keeps the aggregates in Redis so several readers (the API
// layer, dashboards) can share them.
type RedisAggregates struct {
	client *redis.Client
	prefix string
	node   string
	now    func() time.Time
	closed atomic.Bool

	records  atomic.Int64
	events   atomic.Int64
	failures atomic.Int64
}

// RedisOptions configures the Redis backend.
type RedisOptions struct {
	// URL is the Redis connection URL (e.g., redis://localhost:6379/0)
	URL string

	// Prefix is prepended to all keys (e.g., "audit:")
	Prefix string

	// NodeID scopes every key to one collector node.
	NodeID string

	// PoolSize is the maximum number of connections (0 = use default)
	PoolSize int

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// DefaultRedisOptions returns sensible defaults.
func DefaultRedisOptions() RedisOptions {
	return RedisOptions{
		Prefix:         "audit:",
		NodeID:         "node-1",
		PoolSize:       10,
		ConnectTimeout: 5 * time.Second,
		ReadTimeout:    3 * time.Second,
		WriteTimeout:   3 * time.Second,
	}
}

// NewRedisAggregates connects to Redis and verifies the connection.
func NewRedisAggregates(opts RedisOptions) (*RedisAggregates, error) {
	if opts.URL == "" {
		return nil, errors.New("redis URL is required")
	}

	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	if opts.PoolSize > 0 {
		redisOpts.PoolSize = opts.PoolSize
	}
	if opts.ConnectTimeout > 0 {
		redisOpts.DialTimeout = opts.ConnectTimeout
	}
	if opts.ReadTimeout > 0 {
		redisOpts.ReadTimeout = opts.ReadTimeout
	}
	if opts.WriteTimeout > 0 {
		redisOpts.WriteTimeout = opts.WriteTimeout
	}

	client := redis.NewClient(redisOpts)

	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &RedisAggregates{
		client: client,
		prefix: opts.Prefix,
		node:   opts.NodeID,
		now:    time.Now,
	}, nil
}

// prefixKey builds "<prefix><kind>:<node>[:<suffix>]".
func (c *RedisAggregates) prefixKey(kind, suffix string) string {
	k := c.prefix + kind + ":" + c.node
	if suffix != "" {
		k += ":" + suffix
	}
	return k
}

// Record updates every aggregate in one pipelined round trip.
func (c *RedisAggregates) Record(ctx context.Context, events []model.Event) error {
	if c.closed.Load() {
		return ErrCacheClosed
	}
	if len(events) == 0 {
		return nil
	}

	pipe := c.client.Pipeline()
	touched := make(map[string]time.Duration)
	activeKey := c.prefixKey("active_users", "")
	recentKey := c.prefixKey("recent_events", "")

	recent := make([]any, 0, len(events))
	for i := range events {
		ev := &events[i]
		bucket := minuteBucket(ev.EventTime)
		switch {
		case ev.Access != nil:
			if host := ev.Access.DestHost; host != "" {
				key := c.prefixKey("domains", bucket)
				pipe.ZIncrBy(ctx, key, 1, host)
				touched[key] = BucketTTL
			}
			if email := ev.Access.UserEmail; email != "" && email != model.UnknownUser {
				pipe.ZAdd(ctx, activeKey, redis.Z{Score: unixScore(ev.EventTime), Member: email})
				touched[activeKey] = ActiveUsersTTL
			}
		case ev.Error != nil:
			if sig := ev.Error.SignatureHash; sig != "" {
				key := c.prefixKey("signatures", bucket)
				pipe.ZIncrBy(ctx, key, 1, sig)
				touched[key] = BucketTTL
			}
		}
		if data, err := json.Marshal(compact(ev)); err == nil {
			recent = append(recent, data)
		}
	}

	if len(recent) > 0 {
		pipe.LPush(ctx, recentKey, recent...)
		pipe.LTrim(ctx, recentKey, 0, RecentEventsMax-1)
		touched[recentKey] = RecentEventsTTL
	}
	if _, ok := touched[activeKey]; ok {
		cutoff := unixScore(c.now().Add(-ActiveUserSpan))
		pipe.ZRemRangeByScore(ctx, activeKey, "-inf", "("+strconv.FormatFloat(cutoff, 'f', -1, 64))
	}
	for key, ttl := range touched {
		pipe.Expire(ctx, key, ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		c.failures.Add(1)
		return fmt.Errorf("recording aggregates: %w", err)
	}
	c.records.Add(1)
	c.events.Add(int64(len(events)))
	return nil
}

// TopDestinations merges the minute buckets of the window.
func (c *RedisAggregates) TopDestinations(ctx context.Context, window time.Duration, limit int) ([]Count, error) {
	return c.topOf(ctx, "domains", window, limit)
}

// TopSignatures merges the signature buckets of the window.
func (c *RedisAggregates) TopSignatures(ctx context.Context, window time.Duration, limit int) ([]Count, error) {
	return c.topOf(ctx, "signatures", window, limit)
}

func (c *RedisAggregates) topOf(ctx context.Context, kind string, window time.Duration, limit int) ([]Count, error) {
	if c.closed.Load() {
		return nil, ErrCacheClosed
	}
	if limit <= 0 {
		return nil, nil
	}

	now := c.now()
	buckets := windowBuckets(now, window)
	keys := make([]string, len(buckets))
	for i, b := range buckets {
		keys[i] = c.prefixKey(kind, b)
	}
	tmp := c.prefixKey("tmp", kind+":"+strconv.FormatInt(now.UnixNano(), 36))

	if err := c.client.ZUnionStore(ctx, tmp, &redis.ZStore{Keys: keys}).Err(); err != nil {
		return nil, fmt.Errorf("merging %s buckets: %w", kind, err)
	}
	defer c.client.Del(context.WithoutCancel(ctx), tmp)
	c.client.Expire(ctx, tmp, 10*time.Second)

	zs, err := c.client.ZRevRangeWithScores(ctx, tmp, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading %s ranking: %w", kind, err)
	}
	out := make([]Count, 0, len(zs))
	for _, z := range zs {
		out = append(out, Count{Key: memberString(z.Member), Hits: int64(z.Score)})
	}
	return out, nil
}

// ActiveUsers reads the active-users set.
func (c *RedisAggregates) ActiveUsers(ctx context.Context, window time.Duration, limit int) ([]ActiveUser, error) {
	if c.closed.Load() {
		return nil, ErrCacheClosed
	}
	if limit <= 0 {
		return nil, nil
	}
	minScore := strconv.FormatFloat(unixScore(c.now().Add(-window)), 'f', -1, 64)
	zs, err := c.client.ZRevRangeByScoreWithScores(ctx, c.prefixKey("active_users", ""), &redis.ZRangeBy{
		Min:   minScore,
		Max:   "+inf",
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("reading active users: %w", err)
	}
	out := make([]ActiveUser, 0, len(zs))
	for _, z := range zs {
		sec := int64(z.Score)
		nsec := int64((z.Score - float64(sec)) * 1e9)
		out = append(out, ActiveUser{Email: memberString(z.Member), LastSeen: time.Unix(sec, nsec).UTC()})
	}
	return out, nil
}

// RecentEvents reads the head of the recent-events list.
func (c *RedisAggregates) RecentEvents(ctx context.Context, limit int) ([]RecentEvent, error) {
	if c.closed.Load() {
		return nil, ErrCacheClosed
	}
	if limit <= 0 {
		return nil, nil
	}
	items, err := c.client.LRange(ctx, c.prefixKey("recent_events", ""), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading recent events: %w", err)
	}
	out := make([]RecentEvent, 0, len(items))
	for _, item := range items {
		var r RecentEvent
		if err := json.Unmarshal([]byte(item), &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// PublishHealth replaces the health hash and refreshes its TTL.
func (c *RedisAggregates) PublishHealth(ctx context.Context, fields map[string]string) error {
	if c.closed.Load() {
		return ErrCacheClosed
	}
	key := c.prefixKey("health", "")
	values := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		values = append(values, k, v)
	}

	pipe := c.client.TxPipeline()
	pipe.Del(ctx, key)
	if len(values) > 0 {
		pipe.HSet(ctx, key, values...)
		pipe.Expire(ctx, key, HealthTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publishing health: %w", err)
	}
	return nil
}

// Health reads the health hash.
func (c *RedisAggregates) Health(ctx context.Context) (map[string]string, error) {
	if c.closed.Load() {
		return nil, ErrCacheClosed
	}
	h, err := c.client.HGetAll(ctx, c.prefixKey("health", "")).Result()
	if err != nil {
		return nil, fmt.Errorf("reading health: %w", err)
	}
	if len(h) == 0 {
		return nil, nil
	}
	return h, nil
}

// Ping checks if the Redis connection is healthy.
func (c *RedisAggregates) Ping(ctx context.Context) error {
	if c.closed.Load() {
		return ErrCacheClosed
	}
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisAggregates) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		return c.client.Close()
	}
	return nil
}

// Stats returns local write counters.
func (c *RedisAggregates) Stats() Stats {
	return Stats{
		Records:  c.records.Load(),
		Events:   c.events.Load(),
		Failures: c.failures.Load(),
	}
}

func unixScore(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}

func memberString(m any) string {
	if s, ok := m.(string); ok {
		return s
	}
	return fmt.Sprint(m)
}

var (
	_ Aggregates    = (*RedisAggregates)(nil)
	_ StatsProvider = (*RedisAggregates)(nil)
)
