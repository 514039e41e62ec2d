// Package config loads vault settings from an optional YAML file, an
// optional .env file and PATHLOG_* environment variables, in that order of
// increasing precedence.
package config

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/kms/credentials"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/kms/credentials/symmetric"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/types"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendMongo  = "mongo"

	CacheMemory = "memory"
	CacheRedis  = "redis"

	DefaultRoot          = "pathlog_data"
	DefaultSQLiteFile    = "pathlog.db"
	DefaultMongoDatabase = "pathlog"
	DefaultLogLevel      = "info"

	// EnvConfigKey holds the base64 key that decrypts ENC[...] credentials
	EnvConfigKey = "PATHLOG_CONFIG_KEY"
)

type Config struct {
	Storage StorageConfig       `yaml:"storage"`
	KDF     KDFConfig           `yaml:"kdf"`
	Cache   types.CacheConfig   `yaml:"cache"`
	Sealer  *types.SealerConfig `yaml:"sealer,omitempty"`
	Log     LogConfig           `yaml:"log"`
}

type StorageConfig struct {
	Backend       string `yaml:"backend"`
	Root          string `yaml:"root"`
	SQLitePath    string `yaml:"sqlitePath,omitempty"`
	MongoURI      string `yaml:"mongoUri,omitempty"`
	MongoDatabase string `yaml:"mongoDatabase,omitempty"`
}

// KDFConfig tunes the passphrase work factors. Zero values use the defaults.
type KDFConfig struct {
	ScryptN        int `yaml:"scryptN,omitempty"`
	ScryptR        int `yaml:"scryptR,omitempty"`
	ScryptP        int `yaml:"scryptP,omitempty"`
	HashIterations int `yaml:"hashIterations,omitempty"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	// Format is "console" or "json"
	Format string `yaml:"format"`
}

// Options controls where Load looks
type Options struct {
	// Path of the YAML file; empty skips it
	Path string
	// EnvFile is a dotenv file; a missing file is ignored
	EnvFile string
	// LookupEnv defaults to os.LookupEnv
	LookupEnv func(string) (string, bool)
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	c := &Config{}
	c.setDefaults()
	return c
}

// Load builds the configuration and decrypts sealer credentials
func Load(opts Options) (*Config, error) {
	if opts.LookupEnv == nil {
		opts.LookupEnv = os.LookupEnv
	}
	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: load env file: %w", types.ErrValidation, err)
		}
	}

	c := &Config{}
	if opts.Path != "" {
		data, err := os.ReadFile(opts.Path)
		if err != nil {
			return nil, fmt.Errorf("%w: read config file: %w", types.ErrValidation, err)
		}
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(c); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: parse config file: %w", types.ErrValidation, err)
		}
	}

	if err := c.applyEnv(opts.LookupEnv); err != nil {
		return nil, err
	}
	c.setDefaults()

	if err := c.decryptSealer(opts.LookupEnv); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) setDefaults() {
	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendFile
	}
	if c.Storage.Root == "" {
		c.Storage.Root = DefaultRoot
	}
	if c.Storage.Backend == BackendSQLite && c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = filepath.Join(c.Storage.Root, DefaultSQLiteFile)
	}
	if c.Storage.MongoDatabase == "" {
		c.Storage.MongoDatabase = DefaultMongoDatabase
	}
	if c.Cache.Enabled && c.Cache.Backend == "" {
		c.Cache.Backend = CacheMemory
	}
	if c.Cache.MaxEntries <= 0 {
		c.Cache.MaxEntries = types.DefaultCacheMaxEntries
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
}

// Validate checks the combination of settings
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendFile, BackendSQLite:
	case BackendMongo:
		if c.Storage.MongoURI == "" {
			return fmt.Errorf("%w: storage.mongoUri is required for the mongo backend", types.ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown storage backend %q", types.ErrValidation, c.Storage.Backend)
	}

	if c.Cache.Enabled {
		switch c.Cache.Backend {
		case CacheMemory:
		case CacheRedis:
			if c.Cache.RedisAddr == "" {
				return fmt.Errorf("%w: cache.redisAddr is required for the redis cache", types.ErrValidation)
			}
		default:
			return fmt.Errorf("%w: unknown cache backend %q", types.ErrValidation, c.Cache.Backend)
		}
	}

	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log level %q: %w", types.ErrValidation, c.Log.Level, err)
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		return fmt.Errorf("%w: log format must be console or json", types.ErrValidation)
	}

	if c.KDF.ScryptN != 0 && (c.KDF.ScryptN < 2 || c.KDF.ScryptN&(c.KDF.ScryptN-1) != 0) {
		return fmt.Errorf("%w: kdf.scryptN must be a power of two", types.ErrValidation)
	}
	if c.KDF.HashIterations < 0 {
		return fmt.Errorf("%w: kdf.hashIterations cannot be negative", types.ErrValidation)
	}

	if c.Sealer != nil && c.Sealer.Enabled && c.Sealer.Provider == "" {
		return fmt.Errorf("%w: sealer.provider is required when the sealer is enabled", types.ErrValidation)
	}
	return nil
}

// KDFParams returns the scrypt parameters with defaults filled in
func (c *Config) KDFParams() types.KDFParams {
	p := types.DefaultKDFParams()
	if c.KDF.ScryptN > 0 {
		p.N = c.KDF.ScryptN
	}
	if c.KDF.ScryptR > 0 {
		p.R = c.KDF.ScryptR
	}
	if c.KDF.ScryptP > 0 {
		p.P = c.KDF.ScryptP
	}
	return p
}

// ZerologLevel returns the parsed log level, info when it does not parse
func (c *Config) ZerologLevel() zerolog.Level {
	level, err := zerolog.ParseLevel(c.Log.Level)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(name string, dst *int) error {
		v, ok := lookup(name)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: %s must be an integer", types.ErrValidation, name)
		}
		*dst = n
		return nil
	}

	str("PATHLOG_STORAGE", &c.Storage.Backend)
	str("PATHLOG_ROOT", &c.Storage.Root)
	str("PATHLOG_SQLITE_PATH", &c.Storage.SQLitePath)
	str("PATHLOG_MONGO_URI", &c.Storage.MongoURI)
	str("PATHLOG_MONGO_DB", &c.Storage.MongoDatabase)
	str("PATHLOG_LOG_LEVEL", &c.Log.Level)
	str("PATHLOG_LOG_FORMAT", &c.Log.Format)

	if v, ok := lookup("PATHLOG_CACHE"); ok && strings.TrimSpace(v) != "" {
		switch backend := strings.ToLower(strings.TrimSpace(v)); backend {
		case "off", "none", "false":
			c.Cache.Enabled = false
		default:
			c.Cache.Enabled = true
			c.Cache.Backend = backend
		}
	}
	str("PATHLOG_REDIS_ADDR", &c.Cache.RedisAddr)

	for name, dst := range map[string]*int{
		"PATHLOG_CACHE_TTL":       &c.Cache.TTL,
		"PATHLOG_SCRYPT_N":        &c.KDF.ScryptN,
		"PATHLOG_HASH_ITERATIONS": &c.KDF.HashIterations,
	} {
		if err := num(name, dst); err != nil {
			return err
		}
	}

	if v, ok := lookup("PATHLOG_SEALER_PROVIDER"); ok && strings.TrimSpace(v) != "" {
		if c.Sealer == nil {
			c.Sealer = &types.SealerConfig{}
		}
		c.Sealer.Enabled = true
		c.Sealer.Provider = types.ProviderType(strings.ToLower(strings.TrimSpace(v)))
	}
	if c.Sealer != nil {
		str("PATHLOG_SEALER_KEY_ID", &c.Sealer.KeyID)
		str("PATHLOG_SEALER_AEAD_KEY", &c.Sealer.AeadKey)
	}
	return nil
}

// decryptSealer opens ENC[...] credential values with the configured key
func (c *Config) decryptSealer(lookup func(string) (string, bool)) error {
	if c.Sealer == nil || !c.Sealer.Enabled || !c.sealerHasEncryptedValues() {
		return nil
	}
	raw, ok := lookup(EnvConfigKey)
	if !ok || strings.TrimSpace(raw) == "" {
		return fmt.Errorf("%w: sealer credentials are encrypted but %s is not set", types.ErrValidation, EnvConfigKey)
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%w: %s must be base64: %w", types.ErrValidation, EnvConfigKey, err)
	}
	manager, err := credentials.NewManager(key)
	if err != nil {
		return err
	}
	if err := manager.DecryptCredentials(c.Sealer); err != nil {
		return fmt.Errorf("%w: %w", types.ErrValidation, err)
	}
	return nil
}

func (c *Config) sealerHasEncryptedValues() bool {
	values := []string{c.Sealer.AeadKey}
	if creds := c.Sealer.Credentials; creds != nil {
		values = append(values, creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken,
			creds.TenantID, creds.ClientID, creds.ClientSecret, creds.CredentialsJSON, creds.Token)
	}
	for _, v := range values {
		if symmetric.IsEncrypted(v) {
			return true
		}
	}
	return false
}

// Redacted returns a copy that is safe to print
func (c *Config) Redacted() *Config {
	out := *c
	out.Sealer = credentials.Mask(c.Sealer)
	if out.Storage.MongoURI != "" {
		out.Storage.MongoURI = redactURI(out.Storage.MongoURI)
	}
	return &out
}

// redactURI hides the password part of user:pass@host
func redactURI(uri string) string {
	at := strings.LastIndex(uri, "@")
	scheme := strings.Index(uri, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return uri
	}
	userinfo := uri[scheme+3 : at]
	if colon := strings.Index(userinfo, ":"); colon >= 0 {
		return uri[:scheme+3] + userinfo[:colon] + ":[MASKED]" + uri[at:]
	}
	return uri
}
