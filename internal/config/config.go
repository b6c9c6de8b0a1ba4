// Package config handles loading and validation of RelayGate configuration
// from YAML files and environment variables. Environment variables always
// override file-based values. Env var names follow the struct path with a
// RELAYGATE_ prefix:
//
//	server.address → RELAYGATE_SERVER_ADDRESS
//	rate_limit.max_calls → RELAYGATE_RATE_LIMIT_MAX_CALLS
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// defaultConfigFile is the default path for the YAML configuration file.
// Override via RELAYGATE_CONFIG_FILE environment variable.
const defaultConfigFile = "/etc/relaygate/config.yaml"

// ---------------------------------------------------------------------------
// Enum types: typed string constants replace scattered hard-coded values.
// All canonical forms are lowercase; Load() normalizes before validation.
// ---------------------------------------------------------------------------

// SigningAlgorithm selects the HMAC algorithm for inbound bearer tokens.
type SigningAlgorithm string

const (
	SigningHS256 SigningAlgorithm = "hs256"
	SigningHS384 SigningAlgorithm = "hs384"
	SigningHS512 SigningAlgorithm = "hs512"
)

func (a SigningAlgorithm) Valid() bool {
	switch a {
	case SigningHS256, SigningHS384, SigningHS512:
		return true
	}
	return false
}

// RateLimitStore identifies the backing store for the sliding window.
type RateLimitStore string

const (
	// RateLimitStoreMemory keeps windows in process memory. Limits are
	// per-instance, best-effort.
	RateLimitStoreMemory RateLimitStore = "memory"
	// RateLimitStoreRedis keeps windows in Redis so that all gateway
	// instances enforce one shared limit per client.
	RateLimitStoreRedis RateLimitStore = "redis"
)

func (s RateLimitStore) Valid() bool {
	switch s {
	case RateLimitStoreMemory, RateLimitStoreRedis:
		return true
	}
	return false
}

// FailurePolicy controls behavior when the rate-limit store is unreachable.
type FailurePolicy string

const (
	FailurePolicyPassThrough FailurePolicy = "passthrough"
	FailurePolicyFailClosed  FailurePolicy = "failclosed"
)

func (fp FailurePolicy) Valid() bool {
	switch fp {
	case FailurePolicyPassThrough, FailurePolicyFailClosed:
		return true
	}
	return false
}

// RedisMode identifies the Redis deployment topology.
type RedisMode string

const (
	RedisModeSingle   RedisMode = "single"
	RedisModeSentinel RedisMode = "sentinel"
	RedisModeCluster  RedisMode = "cluster"
)

func (m RedisMode) Valid() bool {
	switch m {
	case RedisModeSingle, RedisModeSentinel, RedisModeCluster:
		return true
	}
	return false
}

// LogLevel controls the minimum severity for structured log output.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// LogFormat selects the structured log encoding.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

func (f LogFormat) Valid() bool {
	switch f {
	case LogFormatJSON, LogFormatText:
		return true
	}
	return false
}

// TLSVersion selects the minimum TLS protocol version.
type TLSVersion string

const (
	TLSVersion12 TLSVersion = "1.2"
	TLSVersion13 TLSVersion = "1.3"
)

func (v TLSVersion) Valid() bool {
	switch v {
	case TLSVersion12, TLSVersion13, "":
		return true
	}
	return false
}

// Config is the top-level RelayGate configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"     envPrefix:"SERVER_"`
	Admin     AdminConfig     `yaml:"admin"      envPrefix:"ADMIN_"`
	Upstream  UpstreamConfig  `yaml:"upstream"   envPrefix:"UPSTREAM_"`
	Identity  IdentityConfig  `yaml:"identity"   envPrefix:"IDENTITY_"`
	Auth      AuthConfig      `yaml:"auth"       envPrefix:"AUTH_"`
	IPFilter  IPFilterConfig  `yaml:"ip_filter"  envPrefix:"IP_FILTER_"`
	RateLimit RateLimitConfig `yaml:"rate_limit" envPrefix:"RATE_LIMIT_"`
	Redis     RedisConfig     `yaml:"redis"      envPrefix:"REDIS_"`
	Logging   LoggingConfig   `yaml:"logging"    envPrefix:"LOGGING_"`
	Tracing   TracingConfig   `yaml:"tracing"    envPrefix:"TRACING_"`

	// BypassPaths skip IP filtering and rate limiting entirely, matched by
	// prefix. Intended for health checks and documentation endpoints.
	BypassPaths []string `yaml:"bypass_paths" env:"BYPASS_PATHS" envSeparator:","`
}

// ServerConfig holds the main gateway server settings.
type ServerConfig struct {
	Address        string          `yaml:"address"         env:"ADDRESS"`
	ReadTimeout    string          `yaml:"read_timeout"    env:"READ_TIMEOUT"`
	WriteTimeout   string          `yaml:"write_timeout"   env:"WRITE_TIMEOUT"`
	IdleTimeout    string          `yaml:"idle_timeout"    env:"IDLE_TIMEOUT"`
	DrainTimeout   string          `yaml:"drain_timeout"   env:"DRAIN_TIMEOUT"`
	RequestTimeout string          `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
	TLS            ServerTLSConfig `yaml:"tls"             envPrefix:"TLS_"`
}

// ServerTLSConfig holds optional TLS termination settings.
type ServerTLSConfig struct {
	Enabled      bool       `yaml:"enabled"       env:"ENABLED"`
	CertFile     string     `yaml:"cert_file"     env:"CERT_FILE"`
	KeyFile      string     `yaml:"key_file"      env:"KEY_FILE"`
	HTTP3Enabled bool       `yaml:"http3_enabled" env:"HTTP3_ENABLED"`
	MinVersion   TLSVersion `yaml:"min_version"   env:"MIN_VERSION"`
}

// AdminConfig holds the admin/observability server settings.
type AdminConfig struct {
	Address      string `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
}

// UpstreamConfig defines the backend product API that business requests are
// forwarded to, and the retry/backoff policy for calls against it.
type UpstreamConfig struct {
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// Endpoint is the path inbound gateway bodies are forwarded to, relative
	// to BaseURL. When the identity provider reports an api_domain, that
	// domain replaces the BaseURL host at request time.
	Endpoint string `yaml:"endpoint" env:"ENDPOINT"`

	Timeout     string `yaml:"timeout"      env:"TIMEOUT"`
	DialTimeout string `yaml:"dial_timeout" env:"DIAL_TIMEOUT"`

	MaxRetries  int    `yaml:"max_retries"  env:"MAX_RETRIES"`
	BackoffBase string `yaml:"backoff_base" env:"BACKOFF_BASE"`
	BackoffMax  string `yaml:"backoff_max"  env:"BACKOFF_MAX"`

	// Connection pool bounds. Zero values fall back to defaults.
	MaxIdleConns        int    `yaml:"max_idle_conns"          env:"MAX_IDLE_CONNS"`
	MaxIdleConnsPerHost int    `yaml:"max_idle_conns_per_host" env:"MAX_IDLE_CONNS_PER_HOST"`
	MaxConnsPerHost     int    `yaml:"max_conns_per_host"      env:"MAX_CONNS_PER_HOST"`
	IdleConnTimeout     string `yaml:"idle_conn_timeout"       env:"IDLE_CONN_TIMEOUT"`

	// MaxBodyBytes caps inbound request bodies before they are relayed.
	// Zero falls back to the built-in limit.
	MaxBodyBytes int64 `yaml:"max_body_bytes" env:"MAX_BODY_BYTES"`
}

// IdentityConfig holds the upstream identity provider settings used to keep
// the outbound OAuth access token fresh.
type IdentityConfig struct {
	TokenURL     string         `yaml:"token_url"     env:"TOKEN_URL"`
	RevokeURL    string         `yaml:"revoke_url"    env:"REVOKE_URL"`
	ClientID     string         `yaml:"client_id"     env:"CLIENT_ID"`
	ClientSecret RedactedString `yaml:"client_secret" env:"CLIENT_SECRET"`
	RefreshToken RedactedString `yaml:"refresh_token" env:"REFRESH_TOKEN"`

	// CacheTTL caps how long an access token is cached; the effective TTL is
	// min(CacheTTL, expires_in - SafetyMargin).
	CacheTTL string `yaml:"cache_ttl" env:"CACHE_TTL"`
	// SafetyMargin is subtracted from the token's reported lifetime so the
	// cache entry disappears before the upstream token actually expires.
	SafetyMargin string `yaml:"safety_margin" env:"SAFETY_MARGIN"`

	Timeout     string `yaml:"timeout"      env:"TIMEOUT"`
	MaxAttempts int    `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	BackoffBase string `yaml:"backoff_base" env:"BACKOFF_BASE"`
	BackoffMax  string `yaml:"backoff_max"  env:"BACKOFF_MAX"`
}

// AuthConfig holds the inbound bearer-token verification settings.
type AuthConfig struct {
	Secret        RedactedString   `yaml:"secret"         env:"SECRET"`
	Algorithm     SigningAlgorithm `yaml:"algorithm"      env:"ALGORITHM"`
	TokenLifetime string           `yaml:"token_lifetime" env:"TOKEN_LIFETIME"`
}

// IPFilterConfig holds the network-origin allow-list settings.
type IPFilterConfig struct {
	// Allowed is the list of CIDR prefixes (or bare addresses) that may call
	// the gateway. Empty means every origin is allowed.
	Allowed []string `yaml:"allowed" env:"ALLOWED" envSeparator:","`

	// TrustedProxies lists CIDR ranges whose X-Forwarded-For and X-Real-IP
	// headers are honored. Forwarding headers from any other peer are
	// ignored so clients cannot spoof their origin.
	TrustedProxies []string `yaml:"trusted_proxies" env:"TRUSTED_PROXIES" envSeparator:","`

	// AllowMalformed admits requests whose origin address cannot be
	// parsed. Off in production; test harnesses that fake RemoteAddr
	// values turn it on.
	AllowMalformed bool `yaml:"allow_malformed" env:"ALLOW_MALFORMED"`
}

// RateLimitConfig holds the sliding-window rate limiter settings.
type RateLimitConfig struct {
	MaxCalls int64  `yaml:"max_calls" env:"MAX_CALLS"`
	Window   string `yaml:"window"    env:"WINDOW"`

	Store         RateLimitStore `yaml:"store"          env:"STORE"`
	FailurePolicy FailurePolicy  `yaml:"failure_policy" env:"FAILURE_POLICY"`
	KeyPrefix     string         `yaml:"key_prefix"     env:"KEY_PREFIX"`

	// CleanupThreshold is the number of tracked identifiers above which the
	// in-memory store runs an eviction pass for fully-expired windows.
	// 0 uses the default (1024).
	CleanupThreshold int `yaml:"cleanup_threshold" env:"CLEANUP_THRESHOLD"`
	// CleanupInterval bounds how often eviction passes run.
	CleanupInterval string `yaml:"cleanup_interval" env:"CLEANUP_INTERVAL"`
}

// RedisConfig holds Redis connection and topology settings. Redis backs the
// shared access-token cache and, optionally, the rate-limit store.
type RedisConfig struct {
	Endpoints        []string       `yaml:"endpoints"         env:"ENDPOINTS" envSeparator:","`
	Mode             RedisMode      `yaml:"mode"              env:"MODE"`
	MasterName       string         `yaml:"master_name"       env:"MASTER_NAME"`
	Username         string         `yaml:"username"          env:"USERNAME"`
	Password         RedactedString `yaml:"password"          env:"PASSWORD"`
	DB               int            `yaml:"db"                env:"DB"`
	PoolSize         int            `yaml:"pool_size"         env:"POOL_SIZE"`
	DialTimeout      string         `yaml:"dial_timeout"      env:"DIAL_TIMEOUT"`
	ReadTimeout      string         `yaml:"read_timeout"      env:"READ_TIMEOUT"`
	WriteTimeout     string         `yaml:"write_timeout"     env:"WRITE_TIMEOUT"`
	TLS              RedisTLSConfig `yaml:"tls"               envPrefix:"TLS_"`
	SentinelUsername string         `yaml:"sentinel_username" env:"SENTINEL_USERNAME"`
	SentinelPassword RedactedString `yaml:"sentinel_password" env:"SENTINEL_PASSWORD"`
}

// RedisTLSConfig holds Redis TLS settings.
type RedisTLSConfig struct {
	Enabled            bool `yaml:"enabled"              env:"ENABLED"`
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" env:"INSECURE_SKIP_VERIFY"`
}

// RedactedString is a string that masks its value in String(), GoString(), and
// MarshalJSON() to prevent accidental leakage in logs or serialized output.
// Use .Value() to access the underlying secret.
type RedactedString string

const redactedPlaceholder = "[REDACTED]"

// Value returns the underlying secret string.
func (r RedactedString) Value() string { return string(r) }

// String implements fmt.Stringer and always returns a redacted placeholder.
func (r RedactedString) String() string {
	if r == "" {
		return ""
	}
	return redactedPlaceholder
}

// GoString implements fmt.GoStringer for %#v.
func (r RedactedString) GoString() string { return r.String() }

// MarshalJSON masks the value in JSON output.
func (r RedactedString) MarshalJSON() ([]byte, error) {
	if r == "" {
		return []byte(`""`), nil
	}
	return json.Marshal(redactedPlaceholder)
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"  env:"LEVEL"`
	Format LogFormat `yaml:"format" env:"FORMAT"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"      env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint"     env:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate  float64 `yaml:"sample_rate"  env:"SAMPLE_RATE"`
}

// Defaults returns a Config populated with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Address:        ":8080",
			ReadTimeout:    "30s",
			WriteTimeout:   "30s",
			IdleTimeout:    "120s",
			DrainTimeout:   "30s",
			RequestTimeout: "60s",
		},
		Admin: AdminConfig{
			Address:      ":9090",
			ReadTimeout:  "5s",
			WriteTimeout: "10s",
			IdleTimeout:  "30s",
		},
		Upstream: UpstreamConfig{
			Endpoint:            "/",
			Timeout:             "30s",
			DialTimeout:         "10s",
			MaxRetries:          3,
			BackoffBase:         "1s",
			BackoffMax:          "30s",
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			MaxConnsPerHost:     50,
			IdleConnTimeout:     "90s",
		},
		Identity: IdentityConfig{
			CacheTTL:     "50m",
			SafetyMargin: "5m",
			Timeout:      "15s",
			MaxAttempts:  4,
			BackoffBase:  "1s",
			BackoffMax:   "30s",
		},
		Auth: AuthConfig{
			Algorithm:     SigningHS256,
			TokenLifetime: "1h",
		},
		RateLimit: RateLimitConfig{
			MaxCalls:         100,
			Window:           "1m",
			Store:            RateLimitStoreMemory,
			FailurePolicy:    FailurePolicyPassThrough,
			KeyPrefix:        "relaygate:rl",
			CleanupThreshold: 1024,
			CleanupInterval:  "1m",
		},
		Redis: RedisConfig{
			Endpoints:    []string{"localhost:6379"},
			Mode:         RedisModeSingle,
			PoolSize:     10,
			DialTimeout:  "5s",
			ReadTimeout:  "3s",
			WriteTimeout: "3s",
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
		},
		Tracing: TracingConfig{
			ServiceName: "relaygate",
			SampleRate:  0.1,
		},
		BypassPaths: []string{"/healthz", "/readyz", "/docs"},
	}
}

// ConfigFilePath returns the resolved config file path (from env or default).
func ConfigFilePath() string {
	configFile := os.Getenv("RELAYGATE_CONFIG_FILE")
	if configFile == "" {
		configFile = defaultConfigFile
	}
	return configFile
}

// Load reads configuration from a YAML file and overlays environment variable
// overrides. The config file path defaults to /etc/relaygate/config.yaml and
// can be overridden via RELAYGATE_CONFIG_FILE.
func Load() (*Config, error) {
	return LoadFromPath(ConfigFilePath())
}

// LoadFromPath reads configuration from the given YAML file and overlays
// environment variable overrides. Used by the config watcher to reload.
func LoadFromPath(configFile string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(configFile) // config file path is intentionally user-provided
	if err == nil {
		if yamlErr := yaml.Unmarshal(data, cfg); yamlErr != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configFile, yamlErr)
		}
	}
	// If the file doesn't exist, we continue with defaults + env overrides.

	if envErr := env.ParseWithOptions(cfg, env.Options{Prefix: "RELAYGATE_"}); envErr != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", envErr)
	}

	cfg.normalize()

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// normalize lowercases all enum fields so that YAML values like "HS256"
// or env values like "PASSTHROUGH" match the canonical lowercase constants.
func (cfg *Config) normalize() {
	cfg.Auth.Algorithm = SigningAlgorithm(strings.ToLower(string(cfg.Auth.Algorithm)))
	cfg.RateLimit.Store = RateLimitStore(strings.ToLower(string(cfg.RateLimit.Store)))
	cfg.RateLimit.FailurePolicy = FailurePolicy(strings.ToLower(string(cfg.RateLimit.FailurePolicy)))
	cfg.Redis.Mode = RedisMode(strings.ToLower(string(cfg.Redis.Mode)))
	cfg.Logging.Level = LogLevel(strings.ToLower(string(cfg.Logging.Level)))
	cfg.Logging.Format = LogFormat(strings.ToLower(string(cfg.Logging.Format)))
	cfg.Server.TLS.MinVersion = TLSVersion(normalizeTLSVersion(string(cfg.Server.TLS.MinVersion)))
}

// normalizeTLSVersion maps accepted spellings to canonical "1.2" / "1.3".
func normalizeTLSVersion(v string) string {
	switch strings.ToLower(v) {
	case "1.3", "tls13", "tls1.3":
		return string(TLSVersion13)
	case "1.2", "tls12", "tls1.2":
		return string(TLSVersion12)
	default:
		return v // leave as-is; validation will catch invalid values
	}
}

// Validate checks that the configuration is internally consistent. Missing
// required secrets are a hard failure: the gateway refuses to start rather
// than degrade into an unauthenticated or token-less mode.
func Validate(cfg *Config) error {
	if err := validateAuth(cfg); err != nil {
		return err
	}
	if err := validateIdentity(cfg); err != nil {
		return err
	}
	if err := validateUpstream(cfg); err != nil {
		return err
	}
	if err := validateDurations(cfg); err != nil {
		return err
	}
	if err := validateTLS(cfg); err != nil {
		return err
	}
	if err := validateRateLimit(cfg); err != nil {
		return err
	}
	if err := validateRedis(cfg); err != nil {
		return err
	}
	if err := validateLogging(cfg); err != nil {
		return err
	}
	return validateTracing(cfg)
}

func validateAuth(cfg *Config) error {
	if cfg.Auth.Secret.Value() == "" {
		return fmt.Errorf("auth.secret is required")
	}
	if !cfg.Auth.Algorithm.Valid() {
		return fmt.Errorf("invalid auth.algorithm %q: must be hs256, hs384, or hs512", cfg.Auth.Algorithm)
	}
	return nil
}

func validateIdentity(cfg *Config) error {
	ic := cfg.Identity
	if ic.TokenURL == "" {
		return fmt.Errorf("identity.token_url is required")
	}
	if _, err := url.Parse(ic.TokenURL); err != nil {
		return fmt.Errorf("invalid identity.token_url %q: %w", ic.TokenURL, err)
	}
	if ic.ClientID == "" || ic.ClientSecret.Value() == "" || ic.RefreshToken.Value() == "" {
		return fmt.Errorf("identity.client_id, identity.client_secret, and identity.refresh_token are required")
	}
	if ic.MaxAttempts < 1 {
		return fmt.Errorf("identity.max_attempts must be >= 1")
	}
	return nil
}

func validateUpstream(cfg *Config) error {
	if cfg.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid upstream.base_url %q: scheme and host are required", cfg.Upstream.BaseURL)
	}
	if cfg.Upstream.MaxRetries < 0 {
		return fmt.Errorf("upstream.max_retries must be >= 0")
	}
	return nil
}

func validateDurations(cfg *Config) error {
	durations := []struct {
		name, val string
	}{
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"server.idle_timeout", cfg.Server.IdleTimeout},
		{"server.drain_timeout", cfg.Server.DrainTimeout},
		{"server.request_timeout", cfg.Server.RequestTimeout},
		{"admin.read_timeout", cfg.Admin.ReadTimeout},
		{"admin.write_timeout", cfg.Admin.WriteTimeout},
		{"admin.idle_timeout", cfg.Admin.IdleTimeout},
		{"upstream.timeout", cfg.Upstream.Timeout},
		{"upstream.dial_timeout", cfg.Upstream.DialTimeout},
		{"upstream.backoff_base", cfg.Upstream.BackoffBase},
		{"upstream.backoff_max", cfg.Upstream.BackoffMax},
		{"upstream.idle_conn_timeout", cfg.Upstream.IdleConnTimeout},
		{"identity.cache_ttl", cfg.Identity.CacheTTL},
		{"identity.safety_margin", cfg.Identity.SafetyMargin},
		{"identity.timeout", cfg.Identity.Timeout},
		{"identity.backoff_base", cfg.Identity.BackoffBase},
		{"identity.backoff_max", cfg.Identity.BackoffMax},
		{"auth.token_lifetime", cfg.Auth.TokenLifetime},
		{"rate_limit.window", cfg.RateLimit.Window},
		{"rate_limit.cleanup_interval", cfg.RateLimit.CleanupInterval},
		{"redis.dial_timeout", cfg.Redis.DialTimeout},
		{"redis.read_timeout", cfg.Redis.ReadTimeout},
		{"redis.write_timeout", cfg.Redis.WriteTimeout},
	}

	for _, d := range durations {
		if d.val == "" {
			continue
		}
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, d.val, err)
		}
	}
	return nil
}

func validateTLS(cfg *Config) error {
	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.cert_file and server.tls.key_file are required when TLS is enabled")
		}
	}
	if cfg.Server.TLS.HTTP3Enabled && !cfg.Server.TLS.Enabled {
		return fmt.Errorf("server.tls.http3_enabled requires server.tls.enabled (QUIC mandates TLS)")
	}
	if v := cfg.Server.TLS.MinVersion; !v.Valid() {
		return fmt.Errorf("invalid server.tls.min_version %q: must be 1.2 or 1.3", v)
	}
	return nil
}

func validateRateLimit(cfg *Config) error {
	if cfg.RateLimit.MaxCalls < 0 {
		return fmt.Errorf("rate_limit.max_calls must be >= 0")
	}
	if s := cfg.RateLimit.Store; s != "" && !s.Valid() {
		return fmt.Errorf("invalid rate_limit.store %q: must be memory or redis", s)
	}
	if fp := cfg.RateLimit.FailurePolicy; fp != "" && !fp.Valid() {
		return fmt.Errorf("invalid rate_limit.failure_policy %q: must be passthrough or failclosed", fp)
	}
	return nil
}

func validateRedis(cfg *Config) error {
	// Redis always backs the shared token cache, so the section must be valid
	// even when the rate limiter runs in memory.
	rc := cfg.Redis
	if !rc.Mode.Valid() {
		return fmt.Errorf("invalid redis.mode %q", rc.Mode)
	}
	if len(rc.Endpoints) == 0 {
		return fmt.Errorf("redis.endpoints: at least one endpoint is required")
	}
	if rc.Mode == RedisModeSingle && len(rc.Endpoints) > 1 {
		return fmt.Errorf("redis.endpoints: single mode requires exactly one endpoint, got %d", len(rc.Endpoints))
	}
	if rc.Mode == RedisModeSentinel && rc.MasterName == "" {
		return fmt.Errorf("redis.master_name is required for sentinel mode")
	}
	return nil
}

func validateLogging(cfg *Config) error {
	if !cfg.Logging.Level.Valid() {
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	if !cfg.Logging.Format.Valid() {
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	return nil
}

func validateTracing(cfg *Config) error {
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	return nil
}

// ParseDuration parses a duration string, returning def if the string is empty.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// MustParseDuration parses a duration string, returning def on empty or error.
func MustParseDuration(s string, def time.Duration) time.Duration {
	d, err := ParseDuration(s, def)
	if err != nil {
		return def
	}
	return d
}

// RequiresRestart compares this config to old and returns the field paths
// that changed and require a process restart. An empty slice means the new
// config can be hot-reloaded safely.
func (c *Config) RequiresRestart(old *Config) []string {
	if old == nil {
		return nil
	}
	var fields []string
	if c.Server.Address != old.Server.Address {
		fields = append(fields, "server.address")
	}
	if c.Admin.Address != old.Admin.Address {
		fields = append(fields, "admin.address")
	}
	if c.Server.TLS.Enabled != old.Server.TLS.Enabled {
		fields = append(fields, "server.tls.enabled")
	}
	if c.Server.TLS.HTTP3Enabled != old.Server.TLS.HTTP3Enabled {
		fields = append(fields, "server.tls.http3_enabled")
	}
	if c.Redis.Mode != old.Redis.Mode {
		fields = append(fields, "redis.mode")
	}
	if c.RateLimit.Store != old.RateLimit.Store {
		fields = append(fields, "rate_limit.store")
	}
	return fields
}
