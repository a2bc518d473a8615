// Package config holds the settings shared by the DID components.
//
// Values come from three places, applied in order: built-in defaults, an
// optional TOML file, then environment variables. Functional options passed
// to New override all of them.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/stablerwa/go-did-sdk/credential/common/crypto"
	"github.com/stablerwa/go-did-sdk/did"
)

// Default values
const (
	DefaultMethod                = "rwa"
	DefaultKeyType               = crypto.Ed25519
	DefaultEnableCache           = true
	DefaultCacheTTL              = 60 * time.Second
	DefaultCacheSize             = 1024
	DefaultMaxResolutionAttempts = 3
	DefaultResolutionTimeout     = 10 * time.Second
)

// Environment variable names
const (
	EnvMethod                = "DID_METHOD"
	EnvRegistryURL           = "DID_REGISTRY_URL"
	EnvDefaultKeyType        = "DID_DEFAULT_KEY_TYPE"
	EnvEnableCache           = "DID_ENABLE_CACHE"
	EnvCacheTTL              = "DID_CACHE_TTL"
	EnvCacheSize             = "DID_CACHE_SIZE"
	EnvMaxResolutionAttempts = "DID_MAX_RESOLUTION_ATTEMPTS"
	EnvResolutionTimeout     = "DID_RESOLUTION_TIMEOUT"
	EnvRedisAddr             = "DID_REDIS_ADDR"
	EnvPostgresDSN           = "DID_POSTGRES_DSN"
	EnvCryptoWorkers         = "DID_CRYPTO_WORKERS"
)

// Config holds the configuration for DID operations.
type Config struct {
	// Method is the DID method this node is authoritative for (e.g., "rwa").
	Method string
	// RegistryURL is an optional universal resolver endpoint for foreign methods.
	RegistryURL string
	// DefaultKeyType is used when a key config does not name a type.
	DefaultKeyType crypto.KeyType
	// EnableCache turns the resolution cache on.
	EnableCache bool
	// CacheTTL is how long a resolved document stays fresh.
	CacheTTL time.Duration
	// CacheSize bounds the in-process cache.
	CacheSize int
	// MaxResolutionAttempts is the attempt budget per resolution, at least 1.
	MaxResolutionAttempts int
	// ResolutionTimeout bounds the total time spent retrying one resolution.
	ResolutionTimeout time.Duration
	// RedisAddr selects the shared Redis cache instead of the in-process one.
	RedisAddr string
	// PostgresDSN selects the Postgres registry instead of the in-memory one.
	PostgresDSN string
	// CryptoWorkers bounds concurrent CPU-bound key operations.
	CryptoWorkers int
}

// fileConfig mirrors Config in TOML. Durations are in seconds.
type fileConfig struct {
	Method                *string `toml:"method"`
	RegistryURL           *string `toml:"registry_url"`
	DefaultKeyType        *string `toml:"default_key_type"`
	EnableCache           *bool   `toml:"enable_cache"`
	CacheTTL              *int64  `toml:"cache_ttl"`
	CacheSize             *int    `toml:"cache_size"`
	MaxResolutionAttempts *int    `toml:"max_resolution_attempts"`
	ResolutionTimeout     *int64  `toml:"resolution_timeout"`
	RedisAddr             *string `toml:"redis_addr"`
	PostgresDSN           *string `toml:"postgres_dsn"`
	CryptoWorkers         *int    `toml:"crypto_workers"`
}

// Option is a functional option type for configuring Config.
type Option func(*Config)

// WithMethod sets the DID method (e.g., "rwa"). A "did:" prefix is stripped.
func WithMethod(method string) Option {
	return func(c *Config) { c.Method = normalizeMethod(method) }
}

// WithRegistryURL sets the universal resolver endpoint.
func WithRegistryURL(url string) Option {
	return func(c *Config) { c.RegistryURL = url }
}

// WithDefaultKeyType sets the key type used when none is requested.
func WithDefaultKeyType(t crypto.KeyType) Option {
	return func(c *Config) { c.DefaultKeyType = t }
}

// WithCache enables or disables the resolution cache and sets its TTL.
func WithCache(enabled bool, ttl time.Duration) Option {
	return func(c *Config) {
		c.EnableCache = enabled
		c.CacheTTL = ttl
	}
}

// WithCacheSize sets the in-process cache capacity.
func WithCacheSize(size int) Option {
	return func(c *Config) { c.CacheSize = size }
}

// WithMaxResolutionAttempts sets the attempt budget per resolution.
func WithMaxResolutionAttempts(n int) Option {
	return func(c *Config) { c.MaxResolutionAttempts = n }
}

// WithResolutionTimeout sets the total retry time per resolution.
func WithResolutionTimeout(d time.Duration) Option {
	return func(c *Config) { c.ResolutionTimeout = d }
}

// WithRedisAddr selects the Redis resolution cache.
func WithRedisAddr(addr string) Option {
	return func(c *Config) { c.RedisAddr = addr }
}

// WithPostgresDSN selects the Postgres registry.
func WithPostgresDSN(dsn string) Option {
	return func(c *Config) { c.PostgresDSN = dsn }
}

// WithCryptoWorkers bounds concurrent key operations.
func WithCryptoWorkers(n int) Option {
	return func(c *Config) { c.CryptoWorkers = n }
}

// Default returns a Config filled with default values.
func Default() *Config {
	return &Config{
		Method:                DefaultMethod,
		DefaultKeyType:        DefaultKeyType,
		EnableCache:           DefaultEnableCache,
		CacheTTL:              DefaultCacheTTL,
		CacheSize:             DefaultCacheSize,
		MaxResolutionAttempts: DefaultMaxResolutionAttempts,
		ResolutionTimeout:     DefaultResolutionTimeout,
		CryptoWorkers:         runtime.GOMAXPROCS(0),
	}
}

// New creates a Config from defaults and opts. It does not read the environment.
func New(opts ...Option) *Config {
	c := Default()
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FromEnv returns defaults overridden by environment variables, then opts.
func FromEnv(opts ...Option) (*Config, error) {
	c := Default()
	if err := c.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, c.Validate()
}

// Load reads a TOML file on top of the defaults, then applies environment
// variables and opts.
func Load(path string, opts ...Option) (*Config, error) {
	c := Default()

	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := c.applyFile(fc); err != nil {
		return nil, err
	}
	if err := c.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, c.Validate()
}

// Validate checks that every value is usable.
func (c *Config) Validate() error {
	var errs []error

	if c.Method == "" {
		errs = append(errs, errors.New("method must not be empty"))
	} else if !did.ValidMethod(c.Method) {
		errs = append(errs, fmt.Errorf("method: %w: %q must match [a-z0-9]+", did.ErrInvalidDIDSyntax, c.Method))
	}
	if !c.DefaultKeyType.Valid() {
		errs = append(errs, fmt.Errorf("default key type: %w: %q", crypto.ErrUnsupportedKeyType, c.DefaultKeyType))
	}
	if c.MaxResolutionAttempts < 1 {
		errs = append(errs, fmt.Errorf("max resolution attempts must be >= 1, got %d", c.MaxResolutionAttempts))
	}
	if c.ResolutionTimeout <= 0 {
		errs = append(errs, fmt.Errorf("resolution timeout must be positive, got %s", c.ResolutionTimeout))
	}
	if c.EnableCache && c.CacheTTL <= 0 {
		errs = append(errs, fmt.Errorf("cache ttl must be positive when the cache is enabled, got %s", c.CacheTTL))
	}
	if c.EnableCache && c.CacheSize < 1 {
		errs = append(errs, fmt.Errorf("cache size must be >= 1, got %d", c.CacheSize))
	}
	if c.CryptoWorkers < 1 {
		errs = append(errs, fmt.Errorf("crypto workers must be >= 1, got %d", c.CryptoWorkers))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func (c *Config) applyFile(fc fileConfig) error {
	if fc.Method != nil {
		c.Method = normalizeMethod(*fc.Method)
	}
	if fc.RegistryURL != nil {
		c.RegistryURL = *fc.RegistryURL
	}
	if fc.DefaultKeyType != nil {
		kt, err := crypto.ParseKeyType(*fc.DefaultKeyType)
		if err != nil {
			return fmt.Errorf("default_key_type: %w", err)
		}
		c.DefaultKeyType = kt
	}
	if fc.EnableCache != nil {
		c.EnableCache = *fc.EnableCache
	}
	if fc.CacheTTL != nil {
		c.CacheTTL = time.Duration(*fc.CacheTTL) * time.Second
	}
	if fc.CacheSize != nil {
		c.CacheSize = *fc.CacheSize
	}
	if fc.MaxResolutionAttempts != nil {
		c.MaxResolutionAttempts = *fc.MaxResolutionAttempts
	}
	if fc.ResolutionTimeout != nil {
		c.ResolutionTimeout = time.Duration(*fc.ResolutionTimeout) * time.Second
	}
	if fc.RedisAddr != nil {
		c.RedisAddr = *fc.RedisAddr
	}
	if fc.PostgresDSN != nil {
		c.PostgresDSN = *fc.PostgresDSN
	}
	if fc.CryptoWorkers != nil {
		c.CryptoWorkers = *fc.CryptoWorkers
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		return strings.TrimSpace(v), ok && strings.TrimSpace(v) != ""
	}

	if v, ok := get(EnvMethod); ok {
		c.Method = normalizeMethod(v)
	}
	if v, ok := get(EnvRegistryURL); ok {
		c.RegistryURL = v
	}
	if v, ok := get(EnvDefaultKeyType); ok {
		kt, err := crypto.ParseKeyType(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvDefaultKeyType, err)
		}
		c.DefaultKeyType = kt
	}
	if v, ok := get(EnvEnableCache); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvEnableCache, err)
		}
		c.EnableCache = b
	}
	if v, ok := get(EnvRedisAddr); ok {
		c.RedisAddr = v
	}
	if v, ok := get(EnvPostgresDSN); ok {
		c.PostgresDSN = v
	}

	ints := []struct {
		key string
		dst *int
	}{
		{EnvCacheSize, &c.CacheSize},
		{EnvMaxResolutionAttempts, &c.MaxResolutionAttempts},
		{EnvCryptoWorkers, &c.CryptoWorkers},
	}
	for _, e := range ints {
		if v, ok := get(e.key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", e.key, err)
			}
			*e.dst = n
		}
	}

	seconds := []struct {
		key string
		dst *time.Duration
	}{
		{EnvCacheTTL, &c.CacheTTL},
		{EnvResolutionTimeout, &c.ResolutionTimeout},
	}
	for _, e := range seconds {
		if v, ok := get(e.key); ok {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return fmt.Errorf("%s: %w", e.key, err)
			}
			*e.dst = time.Duration(n) * time.Second
		}
	}

	return nil
}

func normalizeMethod(m string) string {
	return strings.TrimPrefix(strings.TrimSpace(m), "did:")
}
