// -------------------------------------------------------------------------------
// Configuration - Shortlink Daemon Settings
//
// Author: Alex Freidah
//
// Configuration types and loader for the short-link redirect service. Supports
// environment variable expansion in YAML values using ${VAR} syntax and an
// optional dotenv file loaded before expansion. Validates required fields and
// applies defaults before returning to catch misconfiguration early.
// -------------------------------------------------------------------------------

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// -------------------------------------------------------------------------
// CONFIGURATION TYPES
// -------------------------------------------------------------------------

// Config holds the complete service configuration.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Database       DatabaseConfig       `yaml:"database"`
	Cache          CacheConfig          `yaml:"cache"`
	Counter        CounterConfig        `yaml:"counter"`
	Analytics      AnalyticsConfig      `yaml:"analytics"`
	Pagination     PaginationConfig     `yaml:"pagination"`
	Auth           AuthConfig           `yaml:"auth"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Shutdown       ShutdownConfig       `yaml:"shutdown"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`
	Logging        LoggingConfig        `yaml:"logging"`
}

// ServerConfig holds settings for the two HTTP listeners.
type ServerConfig struct {
	APIListenAddr      string        `yaml:"api_listen_addr"`       // Management API (default: ":8080")
	RedirectListenAddr string        `yaml:"redirect_listen_addr"`  // Redirect server (default: ":3000")
	BackendTimeout     time.Duration `yaml:"backend_timeout"`       // Per-call storage timeout (default: 5s)
	RedirectStatus     int           `yaml:"redirect_status"`       // 301, 302, 303, 307 or 308 (default: 308)
	RedirectBaseURL    string        `yaml:"redirect_base_url"`     // Echoed in API responses when set
	TimingHeaders      bool          `yaml:"timing_headers"`        // Emit cache/timing headers on redirects
	ShortCodeMaxLength int           `yaml:"short_code_max_length"` // Custom code length cap (default: 50)
	TLS                TLSConfig     `yaml:"tls"`                   // Management API TLS
}

// TLSConfig holds optional TLS settings for the management API listener.
type TLSConfig struct {
	CertFile     string `yaml:"cert_file"`      // PEM certificate (reloaded on SIGHUP)
	KeyFile      string `yaml:"key_file"`       // PEM private key
	MinVersion   string `yaml:"min_version"`    // "1.2" (default) or "1.3"
	ClientCAFile string `yaml:"client_ca_file"` // Require client certs signed by this CA
}

// DatabaseConfig selects and configures the persistent store.
type DatabaseConfig struct {
	Backend         string        `yaml:"backend"`           // "sqlite" (default) or "postgres"
	URL             string        `yaml:"url"`               // SQLite file/memory DSN or libsql:// URL
	AuthToken       string        `yaml:"auth_token"`        // libSQL auth token
	Host            string        `yaml:"host"`              // PostgreSQL host
	Port            int           `yaml:"port"`              // PostgreSQL port (default: 5432)
	Database        string        `yaml:"database"`          // PostgreSQL database name
	User            string        `yaml:"user"`              // PostgreSQL user
	Password        string        `yaml:"password"`          // PostgreSQL password
	SSLMode         string        `yaml:"ssl_mode"`          // PostgreSQL sslmode (default: "require")
	MaxConns        int32         `yaml:"max_conns"`         // Max pool connections (default: 10)
	MinConns        int32         `yaml:"min_conns"`         // Min idle connections (default: 5)
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"` // Max connection age (default: 5m)
	Vault           VaultConfig   `yaml:"vault"`
}

// VaultConfig configures optional secret resolution from a Vault KV v2 mount.
// When enabled, the database password and libSQL auth token are read from
// the secret at Mount/Path before the store connects.
type VaultConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Address      string `yaml:"address"`        // Falls back to VAULT_ADDR
	Token        string `yaml:"token"`          // Falls back to VAULT_TOKEN
	Mount        string `yaml:"mount"`          // KV v2 mount (default: "secret")
	Path         string `yaml:"path"`           // Secret path under the mount
	PasswordKey  string `yaml:"password_key"`   // Field holding the DB password (default: "password")
	AuthTokenKey string `yaml:"auth_token_key"` // Field holding the libSQL token (optional)
}

// CacheConfig holds read cache settings.
type CacheConfig struct {
	MaxEntries  int           `yaml:"max_entries"`  // Total entries across shards (default: 500000)
	TTL         time.Duration `yaml:"ttl"`          // Time-to-live from insertion (default: 5m)
	NegativeTTL time.Duration `yaml:"negative_ttl"` // TTL for unknown codes, negative disables (default: 2s)
	Shards      int           `yaml:"shards"`       // Power of two (default: 16)
}

// CounterConfig holds click counter pipeline settings.
type CounterConfig struct {
	BufferSize        int           `yaml:"buffer_size"`         // Actor channel capacity (default: 1000000)
	FastFlushInterval time.Duration `yaml:"fast_flush_interval"` // Actor to shared view (default: 100ms)
	FlushInterval     time.Duration `yaml:"flush_interval"`      // Shared view to store (default: 5s)
	FlushTimeout      time.Duration `yaml:"flush_timeout"`       // Per durability flush call (default: 10s)
	SendTimeout       time.Duration `yaml:"send_timeout"`        // Max wait on a full channel (default: 50ms)
	ShutdownRetries   int           `yaml:"shutdown_retries"`    // Final flush attempts (default: 3)
}

// GeoIPS3Config describes an optional S3 source for the GeoIP databases.
type GeoIPS3Config struct {
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	CityKey         string `yaml:"city_key"`
	ASNKey          string `yaml:"asn_key"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
}

// AnalyticsConfig holds visit analytics settings.
type AnalyticsConfig struct {
	Enabled           bool          `yaml:"enabled"`
	GeoIPCityDB       string        `yaml:"geoip_city_db"`       // Path to GeoLite2-City.mmdb
	GeoIPASNDB        string        `yaml:"geoip_asn_db"`        // Path to GeoLite2-ASN.mmdb
	GeoIPS3           GeoIPS3Config `yaml:"geoip_s3"`            // Download databases from S3 at startup
	BufferSize        int           `yaml:"buffer_size"`         // Actor channel capacity (default: 1000000)
	FastFlushInterval time.Duration `yaml:"fast_flush_interval"` // Actor to shared buffer (default: 100ms)
	FlushInterval     time.Duration `yaml:"flush_interval"`      // Shared buffer to store (default: 60s)
	TrustedProxyMode  string        `yaml:"trusted_proxy_mode"`  // "none" (default), "standard", "cloudflare"
	TrustedProxies    []string      `yaml:"trusted_proxies"`     // CIDRs trusted in standard mode
	NumTrustedProxies int           `yaml:"num_trusted_proxies"` // Fixed hop count in standard mode
	IPAnonymization   bool          `yaml:"ip_anonymization"`    // Truncate IPv4 to /24, IPv6 to /48
	RetentionDays     int           `yaml:"retention_days"`      // 0 disables pruning
	DropDimensions    []string      `yaml:"drop_dimensions"`     // Dimensions collapsed on prune
	PruneInterval     time.Duration `yaml:"prune_interval"`      // (default: 24h)
}

// PaginationConfig holds cursor signing settings.
type PaginationConfig struct {
	CursorSecret string `yaml:"cursor_secret"` // Empty generates a per-process random key
}

// AuthConfig holds optional JWT verification settings for the management API.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"` // HS256 secret; empty disables auth
	JWTIssuer string `yaml:"jwt_issuer"` // Expected iss claim when set
}

// RedisConfig configures the shared rate limiter backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"` // Key prefix (default: "shortlinkd:rl:")
}

// RateLimitConfig holds per-IP rate limiting settings.
type RateLimitConfig struct {
	Enabled        bool        `yaml:"enabled"`
	RequestsPerSec float64     `yaml:"requests_per_sec"` // Token refill rate (default: 100)
	Burst          int         `yaml:"burst"`            // Max burst size (default: 200)
	TrustedProxies []string    `yaml:"trusted_proxies"`  // CIDRs whose X-Forwarded-For is honored
	Redis          RedisConfig `yaml:"redis"`            // Shared limiter when addr is set
}

// CircuitBreakerConfig holds storage circuit breaker settings.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"` // Consecutive failures to open (default: 3)
	OpenTimeout      time.Duration `yaml:"open_timeout"`      // Delay before probing (default: 15s)
}

// ShutdownConfig holds graceful shutdown settings.
type ShutdownConfig struct {
	GracePeriod time.Duration `yaml:"grace_period"` // HTTP drain budget (default: 30s)
}

// LoggingConfig holds structured logger settings. Reloaded on SIGHUP.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info (default), warn, error
}

// SlogLevel maps the configured level to a slog.Level.
func (c LoggingConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`
	SampleRate float64 `yaml:"sample_rate"`
	Insecure   bool    `yaml:"insecure"` // Use insecure connection (no TLS)
}

// -------------------------------------------------------------------------
// LOADING
// -------------------------------------------------------------------------

// LoadEnvFile loads KEY=VALUE pairs from a dotenv file into the process
// environment without overriding variables that are already set. A missing
// file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// LoadConfig reads and parses the configuration file at the given path.
// Environment variables in the form ${VAR} are expanded before parsing.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.Expand(string(data), os.Getenv)

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.SetDefaultsAndValidate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// -------------------------------------------------------------------------
// VALIDATION
// -------------------------------------------------------------------------

var validRedirectStatuses = []int{301, 302, 303, 307, 308}

var validDropDimensions = []string{"country", "country_code", "region", "city", "asn"}

// SetDefaultsAndValidate applies default values and checks that all
// required configuration values are present.
func (c *Config) SetDefaultsAndValidate() error {
	var errors []string

	// --- Server defaults ---
	if c.Server.APIListenAddr == "" {
		c.Server.APIListenAddr = ":8080"
	}
	if c.Server.RedirectListenAddr == "" {
		c.Server.RedirectListenAddr = ":3000"
	}
	if c.Server.APIListenAddr == c.Server.RedirectListenAddr {
		errors = append(errors, "server.api_listen_addr and server.redirect_listen_addr must differ")
	}
	if c.Server.BackendTimeout == 0 {
		c.Server.BackendTimeout = 5 * time.Second
	}
	if c.Server.RedirectStatus == 0 {
		c.Server.RedirectStatus = 308
	}
	if !slices.Contains(validRedirectStatuses, c.Server.RedirectStatus) {
		errors = append(errors, fmt.Sprintf("server.redirect_status %d must be one of 301, 302, 303, 307, 308", c.Server.RedirectStatus))
	}
	if c.Server.ShortCodeMaxLength == 0 {
		c.Server.ShortCodeMaxLength = 50
	}
	if c.Server.ShortCodeMaxLength < 3 {
		errors = append(errors, "server.short_code_max_length must be at least 3")
	}
	if (c.Server.TLS.CertFile == "") != (c.Server.TLS.KeyFile == "") {
		errors = append(errors, "server.tls.cert_file and server.tls.key_file must be set together")
	}
	if c.Server.TLS.CertFile != "" {
		if c.Server.TLS.MinVersion == "" {
			c.Server.TLS.MinVersion = "1.2"
		}
		if c.Server.TLS.MinVersion != "1.2" && c.Server.TLS.MinVersion != "1.3" {
			errors = append(errors, "server.tls.min_version must be '1.2' or '1.3'")
		}
	}
	if c.Server.TLS.ClientCAFile != "" && c.Server.TLS.CertFile == "" {
		errors = append(errors, "server.tls.client_ca_file requires server.tls.cert_file")
	}

	// --- Database validation ---
	if c.Database.Backend == "" {
		c.Database.Backend = "sqlite"
	}
	switch c.Database.Backend {
	case "sqlite":
		if c.Database.URL == "" {
			c.Database.URL = "file:shortlinkd.db"
		}
	case "postgres":
		// A full postgres:// URL replaces the discrete connection fields.
		if c.Database.URL == "" {
			if c.Database.Host == "" {
				errors = append(errors, "database.host is required for the postgres backend")
			}
			if c.Database.Database == "" {
				errors = append(errors, "database.database is required for the postgres backend")
			}
			if c.Database.User == "" {
				errors = append(errors, "database.user is required for the postgres backend")
			}
		}
	default:
		errors = append(errors, fmt.Sprintf("database.backend %q must be 'sqlite' or 'postgres'", c.Database.Backend))
	}

	// --- Database defaults ---
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "require"
	}
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = 10
	}
	if c.Database.MinConns == 0 {
		c.Database.MinConns = 5
	}
	if c.Database.MinConns > c.Database.MaxConns {
		errors = append(errors, "database.min_conns must not exceed database.max_conns")
	}
	if c.Database.MaxConnLifetime == 0 {
		c.Database.MaxConnLifetime = 5 * time.Minute
	}

	// --- Vault ---
	if c.Database.Vault.Enabled {
		if c.Database.Vault.Mount == "" {
			c.Database.Vault.Mount = "secret"
		}
		if c.Database.Vault.PasswordKey == "" {
			c.Database.Vault.PasswordKey = "password"
		}
		if c.Database.Vault.Path == "" {
			errors = append(errors, "database.vault.path is required when vault is enabled")
		}
	}

	// --- Cache defaults ---
	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = 500000
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = 5 * time.Minute
	}
	if c.Cache.NegativeTTL == 0 {
		c.Cache.NegativeTTL = 2 * time.Second
	}
	if c.Cache.Shards == 0 {
		c.Cache.Shards = 16
	}
	if c.Cache.MaxEntries < 0 {
		errors = append(errors, "cache.max_entries must be positive")
	}
	if c.Cache.NegativeTTL < 0 {
		// Negative values disable negative caching explicitly.
		c.Cache.NegativeTTL = -1
	}
	if c.Cache.NegativeTTL > 0 && c.Cache.NegativeTTL >= c.Cache.TTL {
		errors = append(errors, "cache.negative_ttl must be shorter than cache.ttl")
	}
	if c.Cache.Shards < 0 || c.Cache.Shards&(c.Cache.Shards-1) != 0 {
		errors = append(errors, "cache.shards must be a power of two")
	}

	// --- Counter defaults ---
	if c.Counter.BufferSize == 0 {
		c.Counter.BufferSize = 1000000
	}
	if c.Counter.FastFlushInterval == 0 {
		c.Counter.FastFlushInterval = 100 * time.Millisecond
	}
	if c.Counter.FlushInterval == 0 {
		c.Counter.FlushInterval = 5 * time.Second
	}
	if c.Counter.FlushTimeout == 0 {
		c.Counter.FlushTimeout = 10 * time.Second
	}
	if c.Counter.SendTimeout == 0 {
		c.Counter.SendTimeout = 50 * time.Millisecond
	}
	if c.Counter.ShutdownRetries == 0 {
		c.Counter.ShutdownRetries = 3
	}
	if c.Counter.BufferSize < 0 {
		errors = append(errors, "counter.buffer_size must be positive")
	}
	if c.Counter.FastFlushInterval >= c.Counter.FlushInterval {
		errors = append(errors, "counter.fast_flush_interval must be shorter than counter.flush_interval")
	}
	if c.Counter.ShutdownRetries < 0 {
		errors = append(errors, "counter.shutdown_retries must not be negative")
	}

	// --- Analytics defaults ---
	if c.Analytics.BufferSize == 0 {
		c.Analytics.BufferSize = 1000000
	}
	if c.Analytics.FastFlushInterval == 0 {
		c.Analytics.FastFlushInterval = 100 * time.Millisecond
	}
	if c.Analytics.FlushInterval == 0 {
		c.Analytics.FlushInterval = 60 * time.Second
	}
	if c.Analytics.TrustedProxyMode == "" {
		c.Analytics.TrustedProxyMode = "none"
	}
	if c.Analytics.PruneInterval == 0 {
		c.Analytics.PruneInterval = 24 * time.Hour
	}
	if c.Analytics.Enabled {
		switch c.Analytics.TrustedProxyMode {
		case "none", "standard", "cloudflare":
		default:
			errors = append(errors, "analytics.trusted_proxy_mode must be 'none', 'standard' or 'cloudflare'")
		}
		if c.Analytics.NumTrustedProxies < 0 {
			errors = append(errors, "analytics.num_trusted_proxies must not be negative")
		}
		if c.Analytics.RetentionDays < 0 {
			errors = append(errors, "analytics.retention_days must not be negative")
		}
		for _, d := range c.Analytics.DropDimensions {
			if !slices.Contains(validDropDimensions, d) {
				errors = append(errors, fmt.Sprintf("analytics.drop_dimensions: unknown dimension %q", d))
			}
		}
		if s3 := c.Analytics.GeoIPS3; s3.Bucket != "" && s3.CityKey == "" && s3.ASNKey == "" {
			errors = append(errors, "analytics.geoip_s3 requires city_key or asn_key when bucket is set")
		}
	}

	// --- Rate limit defaults ---
	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerSec == 0 {
			c.RateLimit.RequestsPerSec = 100
		}
		if c.RateLimit.Burst == 0 {
			c.RateLimit.Burst = 200
		}
		if c.RateLimit.RequestsPerSec <= 0 {
			errors = append(errors, "rate_limit.requests_per_sec must be positive")
		}
		if c.RateLimit.Burst <= 0 {
			errors = append(errors, "rate_limit.burst must be positive")
		}
		if c.RateLimit.Redis.Addr != "" && c.RateLimit.Redis.Prefix == "" {
			c.RateLimit.Redis.Prefix = "shortlinkd:rl:"
		}
	}

	// --- Circuit breaker defaults ---
	if c.CircuitBreaker.FailureThreshold == 0 {
		c.CircuitBreaker.FailureThreshold = 3
	}
	if c.CircuitBreaker.OpenTimeout == 0 {
		c.CircuitBreaker.OpenTimeout = 15 * time.Second
	}

	// --- Shutdown defaults ---
	if c.Shutdown.GracePeriod == 0 {
		c.Shutdown.GracePeriod = 30 * time.Second
	}

	// --- Logging defaults ---
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, strings.ToLower(c.Logging.Level)) {
		errors = append(errors, fmt.Sprintf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level))
	}

	// --- Telemetry defaults ---
	if c.Telemetry.Metrics.Path == "" {
		c.Telemetry.Metrics.Path = "/metrics"
	}
	if c.Telemetry.Tracing.SampleRate == 0 && c.Telemetry.Tracing.Enabled {
		c.Telemetry.Tracing.SampleRate = 1.0
	}
	if c.Telemetry.Tracing.Enabled && c.Telemetry.Tracing.Endpoint == "" {
		errors = append(errors, "telemetry.tracing.endpoint is required when tracing is enabled")
	}

	if len(errors) > 0 {
		return fmt.Errorf("%s", strings.Join(errors, "; "))
	}
	return nil
}

// NegativeCacheEnabled reports whether unknown codes are cached.
func (c *CacheConfig) NegativeCacheEnabled() bool {
	return c.NegativeTTL > 0
}

// NonReloadableFieldsChanged compares two configs and returns a list of
// non-reloadable field descriptions that differ. Used by the SIGHUP handler
// to warn about changes that require a restart.
func NonReloadableFieldsChanged(old, new *Config) []string {
	var changed []string

	if old.Server.APIListenAddr != new.Server.APIListenAddr {
		changed = append(changed, "server.api_listen_addr")
	}
	if old.Server.RedirectListenAddr != new.Server.RedirectListenAddr {
		changed = append(changed, "server.redirect_listen_addr")
	}
	if old.Server.TLS.MinVersion != new.Server.TLS.MinVersion || old.Server.TLS.ClientCAFile != new.Server.TLS.ClientCAFile ||
		(old.Server.TLS.CertFile == "") != (new.Server.TLS.CertFile == "") {
		changed = append(changed, "server.tls")
	}
	if old.Database != new.Database {
		changed = append(changed, "database")
	}
	if old.Cache != new.Cache {
		changed = append(changed, "cache")
	}
	if old.Counter != new.Counter {
		changed = append(changed, "counter")
	}
	if old.Analytics.Enabled != new.Analytics.Enabled ||
		old.Analytics.GeoIPCityDB != new.Analytics.GeoIPCityDB ||
		old.Analytics.GeoIPASNDB != new.Analytics.GeoIPASNDB ||
		old.Analytics.GeoIPS3 != new.Analytics.GeoIPS3 ||
		old.Analytics.BufferSize != new.Analytics.BufferSize {
		changed = append(changed, "analytics")
	}
	if old.Pagination != new.Pagination {
		changed = append(changed, "pagination")
	}
	if old.Auth != new.Auth {
		changed = append(changed, "auth")
	}
	if old.RateLimit.Enabled != new.RateLimit.Enabled || old.RateLimit.Redis != new.RateLimit.Redis {
		changed = append(changed, "rate_limit (enabled/redis)")
	}
	if old.Telemetry != new.Telemetry {
		changed = append(changed, "telemetry")
	}

	return changed
}

// IsLibSQL reports whether the SQLite backend URL points at a remote libSQL
// server rather than a local file.
func (c *DatabaseConfig) IsLibSQL() bool {
	return strings.HasPrefix(c.URL, "libsql://") || strings.HasPrefix(c.URL, "wss://") ||
		strings.HasPrefix(c.URL, "https://") || strings.HasPrefix(c.URL, "http://")
}

// ConnectionString returns a PostgreSQL connection URI with properly escaped
// credentials, safe for passwords containing special characters. An explicit
// URL takes precedence over the discrete fields.
func (c *DatabaseConfig) ConnectionString() string {
	if c.URL != "" {
		return c.URL
	}
	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     c.Database,
		RawQuery: fmt.Sprintf("sslmode=%s", url.QueryEscape(c.SSLMode)),
	}
	return u.String()
}
