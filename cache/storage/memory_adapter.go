// Package storage holds the cache backends used by the profile cache
package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const defaultCleanupInterval = time.Minute

// MemoryAdapter implements interfaces.Storage in process memory. Values are
// held as SecureBytes and wiped when they leave the cache.
type MemoryAdapter struct {
	mu              sync.Mutex
	data            map[string]*types.CacheEntry
	ttl             map[string]time.Time
	lastAccess      map[string]time.Time
	stats           types.CacheStats
	logger          zerolog.Logger
	maxSize         int
	cleanupInterval time.Duration
	now             func() time.Time
	evictCh         chan struct{}
	done            chan struct{}
	closeOnce       sync.Once
}

type MemoryOption func(*MemoryAdapter)

// WithMaxSize bounds the number of entries before LRU eviction kicks in
func WithMaxSize(n int) MemoryOption {
	return func(a *MemoryAdapter) {
		if n > 0 {
			a.maxSize = n
		}
	}
}

func WithMemoryLogger(logger zerolog.Logger) MemoryOption {
	return func(a *MemoryAdapter) {
		a.logger = logger.With().Str("component", "memory_cache").Logger()
	}
}

// WithCleanupInterval sets how often expired entries are purged
func WithCleanupInterval(d time.Duration) MemoryOption {
	return func(a *MemoryAdapter) {
		if d > 0 {
			a.cleanupInterval = d
		}
	}
}

// withNow overrides the clock in tests
func withNow(now func() time.Time) MemoryOption {
	return func(a *MemoryAdapter) { a.now = now }
}

// NewMemoryAdapter creates an in-memory adapter and starts its eviction routine
func NewMemoryAdapter(opts ...MemoryOption) *MemoryAdapter {
	a := &MemoryAdapter{
		data:            make(map[string]*types.CacheEntry),
		ttl:             make(map[string]time.Time),
		lastAccess:      make(map[string]time.Time),
		maxSize:         types.DefaultCacheMaxEntries,
		cleanupInterval: defaultCleanupInterval,
		logger:          log.With().Str("component", "memory_cache").Logger(),
		now:             func() time.Time { return time.Now().UTC() },
		evictCh:         make(chan struct{}, 1),
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	now := a.now()
	a.stats = types.CacheStats{LastAccess: now, LastUpdated: now, LastPurged: now}

	go a.startEvictionRoutine()

	a.logger.Debug().
		Int("max_size", a.maxSize).
		Msg("Memory cache adapter initialized")
	return a
}

func (a *MemoryAdapter) startEvictionRoutine() {
	ticker := time.NewTicker(a.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_, _ = a.ClearExpiredKeys(context.Background())
		case <-a.evictCh:
			a.evictLRU()
		case <-a.done:
			return
		}
	}
}

// evictLRU drops the least recently used entries down to 80% of maxSize
func (a *MemoryAdapter) evictLRU() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.evictLRULocked()
}

func (a *MemoryAdapter) evictLRULocked() {
	if len(a.data) <= a.maxSize {
		return
	}
	toEvict := (len(a.data) - a.maxSize) + (a.maxSize / 5)

	type entry struct {
		key      string
		lastUsed time.Time
	}
	entries := make([]entry, 0, len(a.lastAccess))
	for k, t := range a.lastAccess {
		entries = append(entries, entry{k, t})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].lastUsed.Before(entries[j].lastUsed)
	})

	evicted := 0
	for _, e := range entries {
		if evicted >= toEvict {
			break
		}
		a.removeKey(e.key)
		evicted++
	}
	a.stats.Evictions += int64(evicted)

	a.logger.Debug().
		Int("evicted_count", evicted).
		Int("current_size", len(a.data)).
		Msg("LRU eviction completed")
}

// removeKey wipes and removes a key. Caller holds a.mu.
func (a *MemoryAdapter) removeKey(key string) {
	if entry, exists := a.data[key]; exists {
		entry.Clear()
	}
	delete(a.data, key)
	delete(a.ttl, key)
	delete(a.lastAccess, key)

	a.stats.Size = len(a.data)
	a.stats.LastUpdated = a.now()
}

func (a *MemoryAdapter) expired(key string, now time.Time) bool {
	expiry, ok := a.ttl[key]
	return ok && !now.Before(expiry)
}

// Get returns a copy of the cached value, or types.ErrNotFound
func (a *MemoryAdapter) Get(ctx context.Context, key string) ([]byte, error) {
	if a == nil {
		return nil, errors.New("cache: adapter is nil")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	a.stats.LastAccess = now

	entry, exists := a.data[key]
	if !exists || a.expired(key, now) {
		if exists {
			a.removeKey(key)
			a.logger.Trace().Str("key", key).Msg("Cache entry expired")
		}
		a.stats.Misses++
		return nil, types.ErrNotFound
	}

	a.lastAccess[key] = now
	a.stats.Hits++
	a.logger.Trace().Str("key", key).Msg("Cache hit")
	return entry.Value.Get(), nil
}

// Set stores a copy of value. A non-positive ttl never expires.
func (a *MemoryAdapter) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if a == nil {
		return errors.New("cache: adapter is nil")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	if oldEntry, exists := a.data[key]; exists {
		oldEntry.Clear()
	}
	a.data[key] = &types.CacheEntry{Value: types.NewSecureBytes(value), StoredAt: now}
	if ttl > 0 {
		a.ttl[key] = now.Add(ttl)
	} else {
		delete(a.ttl, key)
	}
	a.lastAccess[key] = now

	a.stats.Size = len(a.data)
	a.stats.LastUpdated = now

	if len(a.data) > a.maxSize {
		select {
		case a.evictCh <- struct{}{}:
		default:
		}
	}

	a.logger.Trace().
		Str("key", key).
		Int("ttlSeconds", int(ttl.Seconds())).
		Msg("Cache entry stored")
	return nil
}

func (a *MemoryAdapter) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.data[key]; exists {
		a.removeKey(key)
		a.logger.Debug().Str("key", key).Msg("Cache entry deleted")
	}
	return nil
}

// Clear wipes every entry
func (a *MemoryAdapter) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.clearLocked()
	return nil
}

func (a *MemoryAdapter) clearLocked() {
	for _, entry := range a.data {
		entry.Clear()
	}
	a.data = make(map[string]*types.CacheEntry)
	a.ttl = make(map[string]time.Time)
	a.lastAccess = make(map[string]time.Time)

	a.stats.Size = 0
	a.stats.LastUpdated = a.now()
	a.logger.Debug().Msg("Cache cleared")
}

// ClearExpiredKeys removes only expired keys and returns the count of removed entries
func (a *MemoryAdapter) ClearExpiredKeys(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	var expired []string
	for key := range a.ttl {
		if a.expired(key, now) {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		a.removeKey(key)
	}
	a.stats.LastPurged = now

	if len(expired) > 0 {
		a.logger.Debug().
			Int("expired_count", len(expired)).
			Time("purged_at", now).
			Msg("Expired entries cleaned up")
	}
	return len(expired), nil
}

// GetStats returns a copy of the adapter statistics
func (a *MemoryAdapter) GetStats() types.CacheStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// Shutdown stops the eviction routine and wipes the cache. It is safe to call twice.
func (a *MemoryAdapter) Shutdown() {
	a.closeOnce.Do(func() {
		close(a.done)
		a.mu.Lock()
		a.clearLocked()
		a.mu.Unlock()
	})
}
