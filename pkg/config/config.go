package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultListen is the default HTTP listen address.
	DefaultListen = ":8080"

	// DefaultCacheTTL is the default TTL for cached entity snapshots.
	DefaultCacheTTL = "10m"

	// MinCacheTTL and MaxCacheTTL bound the configurable cache TTL.
	MinCacheTTL = 5 * time.Minute
	MaxCacheTTL = 30 * time.Minute
)

// Config is the root configuration for evaloor.
type Config struct {
	Global   GlobalConfig   `yaml:"global"`
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Storage  StorageConfig  `yaml:"storage"`
	Cache    CacheConfig    `yaml:"cache"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Listen      string          `yaml:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute,omitempty"`
}

// DatabaseConfig contains metadata store connection settings.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite,omitempty"`
	Postgres PostgresConfig `yaml:"postgres,omitempty"`
}

// SQLiteConfig contains SQLite-specific settings.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
}

// StorageConfig contains object storage backend settings. Only one
// backend (S3 or local) may be enabled at a time.
type StorageConfig struct {
	S3    *S3Config           `yaml:"s3,omitempty"`
	Local *LocalStorageConfig `yaml:"local,omitempty"`
}

// S3Config contains S3-compatible object storage settings.
type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty"`
	Region          string `yaml:"region,omitempty"`
	Bucket          string `yaml:"bucket"`
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
	Prefix          string `yaml:"prefix,omitempty"`
}

// LocalStorageConfig stores artifacts on the local filesystem, rooted
// at a single base directory.
type LocalStorageConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// CacheConfig contains cache backend settings. The backend string
// selects the implementation: "none", "memory" or "redis".
type CacheConfig struct {
	Backend string      `yaml:"backend"`
	TTL     string      `yaml:"ttl,omitempty"`
	Redis   RedisConfig `yaml:"redis,omitempty"`
}

// ParseTTL returns the cache TTL as a duration. Validate has already
// checked the value parses and sits within bounds.
func (c *CacheConfig) ParseTTL() (time.Duration, error) {
	ttl, err := time.ParseDuration(c.TTL)
	if err != nil {
		return 0, fmt.Errorf("parsing cache ttl %q: %w", c.TTL, err)
	}

	return ttl, nil
}

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

// Load reads and parses a configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}

	if c.Database.Driver == "sqlite" && c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = "./evaloor.db"
	}

	if c.Cache.Backend == "" {
		c.Cache.Backend = "none"
	}

	if c.Cache.TTL == "" {
		c.Cache.TTL = DefaultCacheTTL
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Database.Driver)
	}

	switch c.Cache.Backend {
	case "none", "memory", "redis":
	default:
		return fmt.Errorf("unsupported cache backend: %q", c.Cache.Backend)
	}

	if c.Cache.Backend == "redis" && c.Cache.Redis.Addr == "" {
		return fmt.Errorf("cache.redis.addr is required for the redis backend")
	}

	ttl, err := c.Cache.ParseTTL()
	if err != nil {
		return err
	}

	if ttl < MinCacheTTL || ttl > MaxCacheTTL {
		return fmt.Errorf(
			"cache.ttl must be between %s and %s, got %s",
			MinCacheTTL, MaxCacheTTL, ttl,
		)
	}

	s3Enabled := c.Storage.S3 != nil && c.Storage.S3.Enabled
	localEnabled := c.Storage.Local != nil && c.Storage.Local.Enabled

	if !s3Enabled && !localEnabled {
		return fmt.Errorf("a storage backend (s3 or local) must be enabled")
	}

	if s3Enabled && localEnabled {
		return fmt.Errorf("only one storage backend may be enabled at a time")
	}

	if s3Enabled && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("storage.s3.bucket is required")
	}

	if localEnabled && c.Storage.Local.Path == "" {
		return fmt.Errorf("storage.local.path is required")
	}

	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_minute must be positive")
	}

	return nil
}
