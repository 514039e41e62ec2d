package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	defaultRedisPrefix = "pathlog:"
	scanBatch          = 256
)

// RedisAdapter implements interfaces.Storage on redis. All keys are
// namespaced by a prefix so a shared instance can be cleared safely.
type RedisAdapter struct {
	client    *goredis.Client
	ownClient bool
	prefix    string
	addr      string
	password  string
	db        int
	logger    zerolog.Logger
}

type RedisOption func(*RedisAdapter)

func WithRedisPassword(password string) RedisOption {
	return func(a *RedisAdapter) { a.password = password }
}

func WithRedisDB(db int) RedisOption {
	return func(a *RedisAdapter) { a.db = db }
}

func WithRedisPrefix(prefix string) RedisOption {
	return func(a *RedisAdapter) {
		if strings.TrimSpace(prefix) != "" {
			a.prefix = strings.TrimSpace(prefix)
		}
	}
}

// WithRedisClient uses an existing client, which Shutdown leaves open
func WithRedisClient(client *goredis.Client) RedisOption {
	return func(a *RedisAdapter) {
		if client != nil {
			a.client = client
		}
	}
}

func WithRedisLogger(logger zerolog.Logger) RedisOption {
	return func(a *RedisAdapter) {
		a.logger = logger.With().Str("component", "redis_cache").Logger()
	}
}

// NewRedisAdapter connects to addr and pings it
func NewRedisAdapter(ctx context.Context, addr string, opts ...RedisOption) (*RedisAdapter, error) {
	a := &RedisAdapter{
		prefix: defaultRedisPrefix,
		addr:   addr,
		logger: log.With().Str("component", "redis_cache").Logger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.client == nil {
		if strings.TrimSpace(addr) == "" {
			return nil, fmt.Errorf("%w: redis addr is required", types.ErrValidation)
		}
		a.client = goredis.NewClient(&goredis.Options{
			Addr:     a.addr,
			Password: a.password,
			DB:       a.db,
		})
		a.ownClient = true
	}

	if err := a.client.Ping(ctx).Err(); err != nil {
		if a.ownClient {
			_ = a.client.Close()
		}
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	a.logger.Debug().Str("prefix", a.prefix).Msg("Redis cache adapter initialized")
	return a, nil
}

func (a *RedisAdapter) prefixedKey(key string) string {
	return a.prefix + key
}

// Get returns the cached value, or types.ErrNotFound
func (a *RedisAdapter) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := a.client.Get(ctx, a.prefixedKey(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return value, nil
}

// Set stores value. A non-positive ttl never expires.
func (a *RedisAdapter) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := a.client.Set(ctx, a.prefixedKey(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (a *RedisAdapter) Delete(ctx context.Context, key string) error {
	if err := a.client.Del(ctx, a.prefixedKey(key)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Clear removes every key under the prefix
func (a *RedisAdapter) Clear(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := a.client.Scan(ctx, cursor, a.prefix+"*", scanBatch).Result()
		if err != nil {
			return fmt.Errorf("redis scan: %w", err)
		}
		if len(keys) > 0 {
			if err := a.client.Unlink(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("redis unlink: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// ClearExpiredKeys is a no-op: redis expires keys on its own
func (a *RedisAdapter) ClearExpiredKeys(ctx context.Context) (int, error) {
	return 0, nil
}

// Shutdown closes the client when the adapter created it
func (a *RedisAdapter) Shutdown() {
	if !a.ownClient {
		return
	}
	if err := a.client.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to close redis client")
	}
}
