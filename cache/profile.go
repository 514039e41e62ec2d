// Package cache keeps recently loaded profiles and key records in front of
// an EventStore.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/interfaces"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/store"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	profilePrefix = "profile:"
	keysPrefix    = "keys:"
)

// CacheMetrics holds cache counters for diagnostics
type CacheMetrics struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Errors  int64   `json:"errors"`
	HitRate float64 `json:"hit_rate"`
}

// CachedStore decorates an EventStore with a read-through cache for
// profiles and key records. Writes go to the store first and then
// invalidate the affected entries. Event logs are never cached.
type CachedStore struct {
	interfaces.EventStore
	cache  interfaces.Storage
	ttl    time.Duration
	logger zerolog.Logger

	refreshOnLock bool

	hits   atomic.Int64
	misses atomic.Int64
	errors atomic.Int64
}

type Option func(*CachedStore)

func WithLogger(logger zerolog.Logger) Option {
	return func(c *CachedStore) {
		c.logger = logger.With().Str("component", "profile_cache").Logger()
	}
}

// WithRefreshOnLock drops a user's entries whenever the user is locked. Use it
// with a backend private to the process, which never sees invalidations made
// by other processes writing to the same store.
func WithRefreshOnLock() Option {
	return func(c *CachedStore) {
		c.refreshOnLock = true
	}
}

// NewCachedStore wraps next. A nil config uses the default TTL.
func NewCachedStore(next interfaces.EventStore, backend interfaces.Storage, config *types.CacheConfig, opts ...Option) *CachedStore {
	if config == nil {
		config = &types.CacheConfig{Enabled: true}
	}
	c := &CachedStore{
		EventStore: next,
		cache:      backend,
		ttl:        config.GetEffectiveTTL(),
		logger:     log.With().Str("component", "profile_cache").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger.Debug().Dur("ttl", c.ttl).Msg("Profile cache initialized")
	return c
}

// LoadProfile serves from the cache, loading and filling it on a miss
func (c *CachedStore) LoadProfile(ctx context.Context, userID string) (*types.Profile, error) {
	var profile types.Profile
	if c.lookup(ctx, profilePrefix+userID, &profile) {
		return &profile, nil
	}

	loaded, err := c.EventStore.LoadProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	c.fill(ctx, profilePrefix+userID, loaded)
	return loaded, nil
}

// LoadKeyRecords serves from the cache, loading and filling it on a miss
func (c *CachedStore) LoadKeyRecords(ctx context.Context, userID string) ([]types.KeyFile, error) {
	var files []types.KeyFile
	if c.lookup(ctx, keysPrefix+userID, &files) {
		return files, nil
	}

	loaded, err := c.EventStore.LoadKeyRecords(ctx, userID)
	if err != nil {
		return nil, err
	}
	c.fill(ctx, keysPrefix+userID, loaded)
	return loaded, nil
}

func (c *CachedStore) SaveProfile(ctx context.Context, userID string, profile *types.Profile) error {
	if err := c.EventStore.SaveProfile(ctx, userID, profile); err != nil {
		return err
	}
	return c.invalidate(ctx, profilePrefix+userID)
}

func (c *CachedStore) WriteKeyRecord(ctx context.Context, userID string, file types.KeyFile) error {
	if err := c.EventStore.WriteKeyRecord(ctx, userID, file); err != nil {
		return err
	}
	return c.invalidate(ctx, keysPrefix+userID)
}

// LockUser takes the store's lock. With WithRefreshOnLock the user's cached
// entries are dropped once the lock is held.
func (c *CachedStore) LockUser(ctx context.Context, userID string) (func(), error) {
	unlock, err := c.EventStore.LockUser(ctx, userID)
	if err != nil || !c.refreshOnLock {
		return unlock, err
	}
	if err := errors.Join(
		c.invalidate(ctx, profilePrefix+userID),
		c.invalidate(ctx, keysPrefix+userID),
	); err != nil {
		unlock()
		return nil, err
	}
	return unlock, nil
}

// ExportBundle goes straight to the store so exports never see cached state
func (c *CachedStore) ExportBundle(ctx context.Context, userID string) (*types.Bundle, error) {
	return c.EventStore.ExportBundle(ctx, userID)
}

func (c *CachedStore) ImportBundle(ctx context.Context, bundle *types.Bundle, targetUserID string) error {
	err := c.EventStore.ImportBundle(ctx, bundle, targetUserID)
	target := targetUserID
	if target == "" && bundle != nil && bundle.Profile != nil {
		target = bundle.Profile.UserID
	}
	// a failed import may have written part of the data, drop the entries either way
	invErr := errors.Join(
		c.invalidate(ctx, profilePrefix+target),
		c.invalidate(ctx, keysPrefix+target),
	)
	if err != nil {
		return err
	}
	return invErr
}

// Close shuts the cache backend down and closes the store
func (c *CachedStore) Close() error {
	c.cache.Shutdown()
	return c.EventStore.Close()
}

// Metrics returns the hit and miss counters
func (c *CachedStore) Metrics() CacheMetrics {
	m := CacheMetrics{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Errors: c.errors.Load(),
	}
	if total := m.Hits + m.Misses; total > 0 {
		m.HitRate = float64(m.Hits) / float64(total)
	}
	return m
}

func (c *CachedStore) lookup(ctx context.Context, key string, out any) bool {
	raw, err := c.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, types.ErrNotFound) {
			c.errors.Add(1)
			c.logger.Warn().Err(err).Str("key", key).Msg("Cache read failed, falling back to store")
		}
		c.misses.Add(1)
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		c.errors.Add(1)
		c.logger.Warn().Err(err).Str("key", key).Msg("Dropping undecodable cache entry")
		_ = c.cache.Delete(ctx, key)
		c.misses.Add(1)
		return false
	}
	c.hits.Add(1)
	return true
}

func (c *CachedStore) fill(ctx context.Context, key string, value any) {
	raw, err := json.Marshal(value)
	if err != nil {
		c.errors.Add(1)
		return
	}
	if err := c.cache.Set(ctx, key, raw, c.ttl); err != nil {
		c.errors.Add(1)
		c.logger.Warn().Err(err).Str("key", key).Msg("Cache write failed")
	}
}

// invalidate fails loudly: a stale profile would point at the wrong key
func (c *CachedStore) invalidate(ctx context.Context, key string) error {
	if err := c.cache.Delete(ctx, key); err != nil {
		c.errors.Add(1)
		return store.Wrap("invalidate cache", err)
	}
	return nil
}
