package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// validBase returns a config that passes validation, for tests that mutate
// one field at a time.
func validBase() *Config {
	cfg := Defaults()
	cfg.Auth.Secret = "inbound-secret"
	cfg.Identity.TokenURL = "https://id.example.com/oauth/token"
	cfg.Identity.ClientID = "client-1"
	cfg.Identity.ClientSecret = "outbound-secret"
	cfg.Identity.RefreshToken = "refresh-1"
	cfg.Upstream.BaseURL = "https://api.example.com"
	return cfg
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, ":9090", cfg.Admin.Address)
	assert.Equal(t, int64(100), cfg.RateLimit.MaxCalls)
	assert.Equal(t, "1m", cfg.RateLimit.Window)
	assert.Equal(t, RateLimitStoreMemory, cfg.RateLimit.Store)
	assert.Equal(t, FailurePolicyPassThrough, cfg.RateLimit.FailurePolicy)
	assert.Equal(t, SigningHS256, cfg.Auth.Algorithm)
	assert.Equal(t, "50m", cfg.Identity.CacheTTL)
	assert.Equal(t, "5m", cfg.Identity.SafetyMargin)
	assert.Equal(t, RedisModeSingle, cfg.Redis.Mode)
	assert.Equal(t, LogLevelInfo, cfg.Logging.Level)
	assert.Contains(t, cfg.BypassPaths, "/healthz")
}

func TestLoadFromPathYAML(t *testing.T) {
	path := writeConfigFile(t, `
server:
  address: ":9999"
auth:
  secret: "file-secret"
identity:
  token_url: "https://id.example.com/oauth/token"
  client_id: "cid"
  client_secret: "csecret"
  refresh_token: "rtoken"
upstream:
  base_url: "https://api.example.com"
rate_limit:
  max_calls: 42
  window: "30s"
  store: "redis"
`)

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Server.Address)
	assert.Equal(t, "file-secret", cfg.Auth.Secret.Value())
	assert.Equal(t, int64(42), cfg.RateLimit.MaxCalls)
	assert.Equal(t, "30s", cfg.RateLimit.Window)
	assert.Equal(t, RateLimitStoreRedis, cfg.RateLimit.Store)
	// Untouched sections keep defaults.
	assert.Equal(t, ":9090", cfg.Admin.Address)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `
auth:
  secret: "file-secret"
identity:
  token_url: "https://id.example.com/oauth/token"
  client_id: "cid"
  client_secret: "csecret"
  refresh_token: "rtoken"
upstream:
  base_url: "https://api.example.com"
rate_limit:
  max_calls: 42
`)
	t.Setenv("RELAYGATE_RATE_LIMIT_MAX_CALLS", "7")
	t.Setenv("RELAYGATE_AUTH_SECRET", "env-secret")

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)

	assert.Equal(t, int64(7), cfg.RateLimit.MaxCalls)
	assert.Equal(t, "env-secret", cfg.Auth.Secret.Value())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("RELAYGATE_AUTH_SECRET", "env-secret")
	t.Setenv("RELAYGATE_IDENTITY_TOKEN_URL", "https://id.example.com/oauth/token")
	t.Setenv("RELAYGATE_IDENTITY_CLIENT_ID", "cid")
	t.Setenv("RELAYGATE_IDENTITY_CLIENT_SECRET", "csecret")
	t.Setenv("RELAYGATE_IDENTITY_REFRESH_TOKEN", "rtoken")
	t.Setenv("RELAYGATE_UPSTREAM_BASE_URL", "https://api.example.com")

	cfg, err := LoadFromPath(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, "env-secret", cfg.Auth.Secret.Value())
}

func TestNormalizeLowercasesEnums(t *testing.T) {
	cfg := validBase()
	cfg.Auth.Algorithm = "HS512"
	cfg.RateLimit.Store = "REDIS"
	cfg.RateLimit.FailurePolicy = "FailClosed"
	cfg.Redis.Mode = "Sentinel"
	cfg.Redis.MasterName = "mymaster"
	cfg.Redis.Endpoints = []string{"a:26379", "b:26379"}
	cfg.Logging.Level = "DEBUG"
	cfg.Server.TLS.MinVersion = "TLS1.3"

	cfg.normalize()
	require.NoError(t, Validate(cfg))

	assert.Equal(t, SigningHS512, cfg.Auth.Algorithm)
	assert.Equal(t, RateLimitStoreRedis, cfg.RateLimit.Store)
	assert.Equal(t, FailurePolicyFailClosed, cfg.RateLimit.FailurePolicy)
	assert.Equal(t, RedisModeSentinel, cfg.Redis.Mode)
	assert.Equal(t, LogLevelDebug, cfg.Logging.Level)
	assert.Equal(t, TLSVersion13, cfg.Server.TLS.MinVersion)
}

func TestValidateFailures(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing auth secret", func(c *Config) { c.Auth.Secret = "" }, "auth.secret"},
		{"bad algorithm", func(c *Config) { c.Auth.Algorithm = "rs256" }, "auth.algorithm"},
		{"missing token url", func(c *Config) { c.Identity.TokenURL = "" }, "identity.token_url"},
		{"missing client secret", func(c *Config) { c.Identity.ClientSecret = "" }, "identity.client_secret"},
		{"zero max attempts", func(c *Config) { c.Identity.MaxAttempts = 0 }, "identity.max_attempts"},
		{"missing base url", func(c *Config) { c.Upstream.BaseURL = "" }, "upstream.base_url"},
		{"schemeless base url", func(c *Config) { c.Upstream.BaseURL = "api.example.com" }, "upstream.base_url"},
		{"negative retries", func(c *Config) { c.Upstream.MaxRetries = -1 }, "upstream.max_retries"},
		{"bad duration", func(c *Config) { c.RateLimit.Window = "sixty seconds" }, "rate_limit.window"},
		{"negative max calls", func(c *Config) { c.RateLimit.MaxCalls = -1 }, "rate_limit.max_calls"},
		{"bad store", func(c *Config) { c.RateLimit.Store = "etcd" }, "rate_limit.store"},
		{"bad failure policy", func(c *Config) { c.RateLimit.FailurePolicy = "explode" }, "rate_limit.failure_policy"},
		{"no redis endpoints", func(c *Config) { c.Redis.Endpoints = nil }, "redis.endpoints"},
		{"sentinel without master", func(c *Config) {
			c.Redis.Mode = RedisModeSentinel
			c.Redis.Endpoints = []string{"a:26379"}
		}, "redis.master_name"},
		{"tls without certs", func(c *Config) { c.Server.TLS.Enabled = true }, "server.tls.cert_file"},
		{"http3 without tls", func(c *Config) { c.Server.TLS.HTTP3Enabled = true }, "http3_enabled"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"tracing without endpoint", func(c *Config) { c.Tracing.Enabled = true }, "tracing.endpoint"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validBase()
			tt.mutate(cfg)
			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateAcceptsBase(t *testing.T) {
	require.NoError(t, Validate(validBase()))
}

func TestRedactedString(t *testing.T) {
	s := RedactedString("hunter2")

	assert.Equal(t, "hunter2", s.Value())
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%s", s))
	assert.Equal(t, "[REDACTED]", s.GoString())
	assert.NotContains(t, fmt.Sprintf("%#v", s), "hunter2")

	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `"[REDACTED]"`, string(data))

	var empty RedactedString
	assert.Empty(t, empty.String())
	data, err = json.Marshal(empty)
	require.NoError(t, err)
	assert.Equal(t, `""`, string(data))
}

func TestParseDuration(t *testing.T) {
	d, err := ParseDuration("", 5)
	require.NoError(t, err)
	assert.EqualValues(t, 5, d)

	d, err = ParseDuration("2s", 5)
	require.NoError(t, err)
	assert.EqualValues(t, 2e9, d)

	_, err = ParseDuration("nope", 5)
	assert.Error(t, err)

	assert.EqualValues(t, 5, MustParseDuration("nope", 5))
}

func TestRequiresRestart(t *testing.T) {
	old := validBase()
	cfg := validBase()
	assert.Empty(t, cfg.RequiresRestart(old))
	assert.Empty(t, cfg.RequiresRestart(nil))

	cfg.Server.Address = ":8081"
	cfg.RateLimit.Store = RateLimitStoreRedis
	fields := cfg.RequiresRestart(old)
	assert.ElementsMatch(t, []string{"server.address", "rate_limit.store"}, fields)

	// Hot-reloadable fields do not trip it.
	cfg2 := validBase()
	cfg2.RateLimit.MaxCalls = 9000
	cfg2.Auth.Secret = "rotated"
	assert.Empty(t, cfg2.RequiresRestart(old))
}
