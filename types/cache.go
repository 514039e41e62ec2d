package types

import (
	"crypto/subtle"
	"errors"
	"runtime"
	"time"
)

// Common errors
var (
	ErrNotFound = errors.New("key not found in cache")
)

const (
	// DefaultCacheTTLMinutes is the default TTL for cached profiles
	DefaultCacheTTLMinutes = 15

	// DefaultCacheMaxEntries bounds the in-memory adapter
	DefaultCacheMaxEntries = 1000
)

// SecureBytes represents a secure byte slice that will be wiped on garbage collection
type SecureBytes struct {
	data []byte
}

// NewSecureBytes creates a new secure byte slice
func NewSecureBytes(data []byte) *SecureBytes {
	secure := &SecureBytes{
		data: make([]byte, len(data)),
	}
	// Copy data using secure copy to prevent optimizations
	subtle.ConstantTimeCopy(1, secure.data, data)

	// Register finalizer to wipe memory when garbage collected
	runtime.SetFinalizer(secure, (*SecureBytes).Clear)
	return secure
}

// Clear securely wipes the memory
func (s *SecureBytes) Clear() {
	if s.data != nil {
		for i := range s.data {
			s.data[i] = 0
		}
		// Prevent compiler optimizations
		runtime.KeepAlive(s.data)
		s.data = nil
	}
}

// Get returns a copy of the data
func (s *SecureBytes) Get() []byte {
	if s.data == nil {
		return nil
	}
	result := make([]byte, len(s.data))
	subtle.ConstantTimeCopy(1, result, s.data)
	return result
}

// Len returns the length of the held data, zero once cleared
func (s *SecureBytes) Len() int {
	return len(s.data)
}

// CacheEntry is a cached value with secure memory handling
type CacheEntry struct {
	Value    *SecureBytes
	StoredAt time.Time
}

// Clear securely wipes the entry
func (e *CacheEntry) Clear() {
	if e.Value != nil {
		e.Value.Clear()
		e.Value = nil
	}
}

// CacheConfig holds configuration for caching
type CacheConfig struct {
	// Enabled indicates whether caching is enabled
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Backend is "memory" or "redis"
	Backend string `json:"backend,omitempty" yaml:"backend,omitempty"`

	// TTL is the time-to-live for cached entries in minutes.
	// If not set, DefaultCacheTTLMinutes will be used
	TTL int `json:"ttl,omitempty" yaml:"ttl,omitempty"`

	// MaxEntries bounds the memory backend
	MaxEntries int `json:"maxEntries,omitempty" yaml:"maxEntries,omitempty"`

	// RedisAddr is the address of the redis backend
	RedisAddr string `json:"redisAddr,omitempty" yaml:"redisAddr,omitempty"`

	// RedisPrefix namespaces keys in a shared redis
	RedisPrefix string `json:"redisPrefix,omitempty" yaml:"redisPrefix,omitempty"`
}

// GetEffectiveTTL returns the effective TTL for the cache
func (c *CacheConfig) GetEffectiveTTL() time.Duration {
	if c.TTL > 0 {
		return time.Duration(c.TTL) * time.Minute
	}
	return time.Duration(DefaultCacheTTLMinutes) * time.Minute
}

// CacheStats holds statistics about the cache
type CacheStats struct {
	Size        int       `json:"size"`
	Hits        int64     `json:"hits"`
	Misses      int64     `json:"misses"`
	Evictions   int64     `json:"evictions"`
	LastPurged  time.Time `json:"lastPurged"`
	LastAccess  time.Time `json:"lastAccess"`
	LastUpdated time.Time `json:"lastUpdated"`
}
