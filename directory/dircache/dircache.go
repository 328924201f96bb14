// Package dircache wraps a directory.Directory builder with a Redis-backed
// TTL cache, so repeated resolution of the same issuer set doesn't refetch
// JWKS/CRL documents on every SHC verification. Grounded on the go-redis/v9
// client idiom used elsewhere in the example corpus for simple
// get-or-build caching.
package dircache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/amitkgupta/go-smarthealth/directory"
	"github.com/amitkgupta/go-smarthealth/shcerr"
)

// snapshot is the cached, JSON-serialisable form of a directory.Directory
// built for a fixed set of issuer URLs.
type snapshot struct {
	Issuers map[string]directory.IssuerEntry `json:"issuers"`
}

// BuildFunc builds a fresh directory.Directory, e.g. directory.Fetch bound
// to a fixed issuer list.
type BuildFunc func(ctx context.Context) (*directory.Directory, error)

// Cache serves directory.Directory snapshots out of Redis, rebuilding via
// build and repopulating the cache on a miss.
type Cache struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	build  BuildFunc
}

// New returns a Cache storing its snapshot under key with the given TTL.
func New(client *redis.Client, key string, ttl time.Duration, build BuildFunc) *Cache {
	return &Cache{client: client, key: key, ttl: ttl, build: build}
}

// Get returns the cached directory if present and unexpired, otherwise
// rebuilds it via BuildFunc and stores the result before returning it.
func (c *Cache) Get(ctx context.Context) (*directory.Directory, error) {
	if d, ok := c.load(ctx); ok {
		return d, nil
	}

	d, err := c.build(ctx)
	if err != nil {
		return nil, err
	}

	c.store(ctx, d) // best-effort; a store failure doesn't fail the call

	return d, nil
}

func (c *Cache) load(ctx context.Context) (*directory.Directory, bool) {
	raw, err := c.client.Get(ctx, c.key).Bytes()
	if err != nil {
		return nil, false
	}

	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, false
	}

	return directory.FromIssuerEntries(snap.Issuers), true
}

func (c *Cache) store(ctx context.Context, d *directory.Directory) {
	raw, err := json.Marshal(snapshot{Issuers: d.IssuerEntries()})
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, c.key, raw, c.ttl).Err()
}

// Invalidate evicts the cached snapshot, forcing the next Get to rebuild.
func (c *Cache) Invalidate(ctx context.Context) error {
	if err := c.client.Del(ctx, c.key).Err(); err != nil {
		return shcerr.Wrap(shcerr.KindReaderConfig, "invalidate directory cache", err)
	}
	return nil
}
