// Package cache keeps recently saved pages in Redis so reopening a page does
// not have to go through Postgres.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gcphost/pagehub.dev-sub001/internal/snapshot"
)

// ErrMiss is returned when a page is not cached.
var ErrMiss = errors.New("cache miss")

// DefaultTTL applies when the configured TTL is not positive.
const DefaultTTL = 24 * time.Hour

// PageCache stores compressed page snapshots keyed by page id and version.
type PageCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewPageCache connects to redisURL and checks the connection.
func NewPageCache(redisURL string, ttl time.Duration) (*PageCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewPageCacheWithClient(client, ttl), nil
}

func NewPageCacheWithClient(client *redis.Client, ttl time.Duration) *PageCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &PageCache{client: client, prefix: "page:", ttl: ttl}
}

func (c *PageCache) key(pageID string) string {
	return c.prefix + pageID
}

// Put caches page at version. Both the snapshot and its version live in one
// hash so a reader never sees one without the other.
func (c *PageCache) Put(ctx context.Context, pageID string, version int64, page snapshot.Page) error {
	data, err := snapshot.Encode(page)
	if err != nil {
		return err
	}
	key := c.key(pageID)
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key, "version", version, "snapshot", data)
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache page %s: %w", pageID, err)
	}
	return nil
}

// Get returns the cached page and its version, or ErrMiss.
func (c *PageCache) Get(ctx context.Context, pageID string) (snapshot.Page, int64, error) {
	vals, err := c.client.HMGet(ctx, c.key(pageID), "version", "snapshot").Result()
	if err != nil {
		return snapshot.Page{}, 0, fmt.Errorf("read cached page %s: %w", pageID, err)
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return snapshot.Page{}, 0, ErrMiss
	}
	var version int64
	if _, err := fmt.Sscan(fmt.Sprint(vals[0]), &version); err != nil {
		return snapshot.Page{}, 0, fmt.Errorf("cached page %s version: %w", pageID, err)
	}
	raw, ok := vals[1].(string)
	if !ok {
		return snapshot.Page{}, 0, fmt.Errorf("cached page %s: unexpected snapshot type %T", pageID, vals[1])
	}
	page, err := snapshot.Decode([]byte(raw))
	if err != nil {
		return snapshot.Page{}, 0, err
	}
	return page, version, nil
}

// Invalidate drops the cached page. Missing keys are not an error.
func (c *PageCache) Invalidate(ctx context.Context, pageID string) error {
	if err := c.client.Del(ctx, c.key(pageID)).Err(); err != nil {
		return fmt.Errorf("invalidate page %s: %w", pageID, err)
	}
	return nil
}

func (c *PageCache) Close() error {
	return c.client.Close()
}

func (c *PageCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
