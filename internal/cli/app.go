package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/audit"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/cache"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/cache/storage"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/config"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/interfaces"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/keyvault"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/kms"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/kms/credentials"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/store"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/store/file"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/store/mongo"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/store/sqlite"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/vault"
	"github.com/rs/zerolog"
)

// app is one CLI invocation's wired service
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	service *vault.Service
	// trail holds this invocation's audit events
	trail  *audit.MemoryAuditLogger
	cached *cache.CachedStore
}

// newLogger writes console lines, or JSON, to w
func newLogger(w io.Writer, cfg *config.Config, verbose bool) zerolog.Logger {
	level := cfg.ZerologLevel()
	if verbose {
		level = zerolog.DebugLevel
	}
	if cfg.Log.Format == "json" {
		return zerolog.New(w).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Logger()
}

func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(config.Options{Path: opts.ConfigPath, EnvFile: opts.EnvFile})
	if err != nil {
		return nil, err
	}
	derived := cfg.Storage.SQLitePath == "" ||
		cfg.Storage.SQLitePath == filepath.Join(cfg.Storage.Root, config.DefaultSQLiteFile)
	if opts.Root != "" {
		cfg.Storage.Root = opts.Root
	}
	if opts.Backend != "" {
		cfg.Storage.Backend = opts.Backend
	}
	switch {
	case opts.SQLitePath != "":
		cfg.Storage.SQLitePath = opts.SQLitePath
	case derived:
		cfg.Storage.SQLitePath = filepath.Join(cfg.Storage.Root, config.DefaultSQLiteFile)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openApp builds the storage stack and the vault service from configuration
func openApp(ctx context.Context, opts *RootOptions, stderr io.Writer) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger := newLogger(stderr, cfg, opts.Verbose)
	kms.SetLogger(logger)
	logger.Debug().Interface("config", cfg.Redacted()).Msg("Configuration loaded")

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	var cached *cache.CachedStore
	if cfg.Cache.Enabled {
		backend, err := openCache(ctx, cfg, logger)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		cacheOpts := []cache.Option{cache.WithLogger(logger)}
		if cfg.Cache.Backend != config.CacheRedis {
			// another process may have written since this one filled its memory cache
			cacheOpts = append(cacheOpts, cache.WithRefreshOnLock())
		}
		cached = cache.NewCachedStore(st, backend, &cfg.Cache, cacheOpts...)
		st = cached
	}

	trail := audit.NewMemoryAuditLogger()
	svcOpts := []vault.Option{
		vault.WithLogger(logger),
		vault.WithAuditLogger(audit.NewMultiAuditLogger(audit.NewZerologAuditLogger(logger), trail)),
		vault.WithKeyVault(keyvault.New(
			keyvault.WithKDFParams(cfg.KDFParams()),
			keyvault.WithHashIterations(hashIterations(cfg)),
		)),
	}
	if cfg.Sealer != nil && cfg.Sealer.Enabled {
		sealer, err := kms.NewSealerFromConfig(ctx, credentials.ToKMSConfig(cfg.Sealer))
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("configure key sealer: %w", err)
		}
		svcOpts = append(svcOpts, vault.WithSealer(sealer))
	}

	svc, err := vault.NewService(st, svcOpts...)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	logger.Debug().
		Str("backend", cfg.Storage.Backend).
		Bool("cache", cfg.Cache.Enabled).
		Bool("sealer", cfg.Sealer != nil && cfg.Sealer.Enabled).
		Msg("Vault opened")

	return &app{cfg: cfg, logger: logger, service: svc, trail: trail, cached: cached}, nil
}

func hashIterations(cfg *config.Config) int {
	if cfg.KDF.HashIterations > 0 {
		return cfg.KDF.HashIterations
	}
	return keyvault.DefaultHashIterations
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (interfaces.EventStore, error) {
	switch cfg.Storage.Backend {
	case config.BackendSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.SQLitePath), 0o700); err != nil {
			return nil, store.Wrap("create database directory", err)
		}
		s, err := sqlite.Open(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, store.Wrap("open sqlite", err)
		}
		return s, nil
	case config.BackendMongo:
		return mongo.Connect(ctx, cfg.Storage.MongoURI, cfg.Storage.MongoDatabase)
	default:
		return file.New(cfg.Storage.Root, file.WithLogger(logger))
	}
}

func openCache(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (interfaces.Storage, error) {
	if cfg.Cache.Backend == config.CacheRedis {
		opts := []storage.RedisOption{storage.WithRedisLogger(logger)}
		if cfg.Cache.RedisPrefix != "" {
			opts = append(opts, storage.WithRedisPrefix(cfg.Cache.RedisPrefix))
		}
		return storage.NewRedisAdapter(ctx, cfg.Cache.RedisAddr, opts...)
	}
	return storage.NewMemoryAdapter(
		storage.WithMaxSize(cfg.Cache.MaxEntries),
		storage.WithMemoryLogger(logger),
	), nil
}

func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if a.cached != nil {
		m := a.cached.Metrics()
		a.logger.Debug().
			Int64("hits", m.Hits).
			Int64("misses", m.Misses).
			Int64("errors", m.Errors).
			Float64("hitRate", m.HitRate).
			Msg("Cache statistics")
	}
	if err := a.service.Close(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to close vault")
	}
}
