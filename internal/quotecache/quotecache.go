// Package quotecache shares last-traded prices across scanner
// replicas through Redis, so a horizontally-scaled deployment doesn't
// multiply the broker-side quote rate-limit budget by replica count.
package quotecache

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

// Config configures a Cache.
type Config struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int
	TTL      time.Duration // default 5s if zero
}

const defaultTTL = 5 * time.Second

// Cache is a thin Redis-backed write-through cache of per-token LTPs.
type Cache struct {
	client *goredis.Client
	ttl    time.Duration
}

// New connects to Redis and pings it.
func New(cfg Config) (*Cache, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("quotecache: redis ping: %w", err)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	log.Printf("[quotecache] connected to %s", cfg.Addr)
	return &Cache{client: client, ttl: ttl}, nil
}

func ltpKey(token int64) string {
	return "boxscanner:ltp:" + strconv.FormatInt(token, 10)
}

// SetLTPs write-throughs a batch of freshly-fetched LTPs in a single
// pipeline, each keyed with the cache's TTL.
func (c *Cache) SetLTPs(ctx context.Context, ltps map[int64]float64) {
	if len(ltps) == 0 {
		return
	}
	pipe := c.client.Pipeline()
	for token, ltp := range ltps {
		pipe.Set(ctx, ltpKey(token), strconv.FormatFloat(ltp, 'f', -1, 64), c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[quotecache] pipeline set error (%d tokens): %v", len(ltps), err)
	}
}

// GetLTP returns a still-fresh cached LTP for token, if any replica
// has fetched it within the TTL window.
func (c *Cache) GetLTP(ctx context.Context, token int64) (float64, bool, error) {
	raw, err := c.client.Get(ctx, ltpKey(token)).Result()
	if err == goredis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("quotecache: get: %w", err)
	}
	ltp, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false, fmt.Errorf("quotecache: parse cached value %q: %w", raw, err)
	}
	return ltp, true, nil
}

// Close closes the underlying Redis client.
func (c *Cache) Close() error {
	return c.client.Close()
}
