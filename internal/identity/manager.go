// Package identity keeps the gateway's outbound OAuth access token fresh.
// Tokens are obtained from the identity provider with a refresh-token grant
// and cached in Redis so every gateway instance shares one token, with a
// small in-process layer in front to keep the hot path off the network.
// Concurrent refreshes collapse into a single exchange via singleflight.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dgraph-io/ristretto/v2"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/redis"
)

// cacheKey is the Redis key holding the shared access token. All gateway
// instances read and write the same key.
const cacheKey = "relaygate:identity:token"

// localTTLCap bounds how long the in-process layer may serve a token
// without consulting Redis, so an Invalidate on another instance is
// picked up quickly.
const localTTLCap = 30 * time.Second

var (
	// ErrExchangeRejected means the identity provider refused the refresh
	// grant (4xx). Retrying with the same credentials cannot succeed.
	ErrExchangeRejected = errors.New("token exchange rejected")
	// ErrExchangeUnavailable means the provider could not be reached or
	// kept failing transiently through all retry attempts.
	ErrExchangeUnavailable = errors.New("token exchange unavailable")
)

// Credentials is a usable access token plus the API routing metadata the
// provider reports alongside it.
type Credentials struct {
	AccessToken string    `json:"access_token"`
	APIDomain   string    `json:"api_domain"`
	Scope       string    `json:"scope"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// tokenResponse is the provider's token endpoint response body.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope"`
	APIDomain   string `json:"api_domain"`
	Error       string `json:"error"`
}

// Manager serves cached access tokens and refreshes them on demand.
type Manager struct {
	cfg    config.IdentityConfig
	cache  redis.Client
	local  *ristretto.Cache[string, *Credentials]
	hc     *http.Client
	group  singleflight.Group
	logger *slog.Logger

	cacheTTL     time.Duration
	safetyMargin time.Duration
	backoffBase  time.Duration
	backoffMax   time.Duration

	now func() time.Time

	// onRefresh observes the result of every exchange ("success",
	// "rejected", "unavailable"). Used to feed metrics; may be nil.
	onRefresh func(result string)
}

// NewManager wires a Manager over the shared Redis cache.
func NewManager(cfg config.IdentityConfig, cache redis.Client, logger *slog.Logger) (*Manager, error) {
	local, err := ristretto.NewCache(&ristretto.Config[string, *Credentials]{
		NumCounters: 64,
		MaxCost:     8,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("identity local cache: %w", err)
	}

	return &Manager{
		cfg:    cfg,
		cache:  cache,
		local:  local,
		logger: logger,
		hc: &http.Client{
			Timeout: config.MustParseDuration(cfg.Timeout, 15*time.Second),
		},
		cacheTTL:     config.MustParseDuration(cfg.CacheTTL, 50*time.Minute),
		safetyMargin: config.MustParseDuration(cfg.SafetyMargin, 5*time.Minute),
		backoffBase:  config.MustParseDuration(cfg.BackoffBase, time.Second),
		backoffMax:   config.MustParseDuration(cfg.BackoffMax, 30*time.Second),
		now:          time.Now,
	}, nil
}

// AccessToken returns a valid set of credentials, refreshing via the
// provider only when neither cache layer has one. Concurrent callers that
// miss the cache share a single exchange.
func (m *Manager) AccessToken(ctx context.Context) (*Credentials, error) {
	if creds, ok := m.local.Get(cacheKey); ok && m.fresh(creds) {
		return creds, nil
	}

	if creds := m.fromRedis(ctx); creds != nil && m.fresh(creds) {
		m.storeLocal(creds)
		return creds, nil
	}

	v, err, _ := m.group.Do(cacheKey, func() (any, error) {
		// Another flight member may have populated Redis while we waited.
		if creds := m.fromRedis(ctx); creds != nil && m.fresh(creds) {
			return creds, nil
		}
		return m.refresh(ctx)
	})
	if err != nil {
		return nil, err
	}
	creds := v.(*Credentials)
	m.storeLocal(creds)
	return creds, nil
}

// Invalidate drops the cached token from both layers. Called when the
// upstream rejects a token that the cache still considered fresh.
func (m *Manager) Invalidate(ctx context.Context) {
	m.local.Del(cacheKey)
	if err := m.cache.Del(ctx, cacheKey).Err(); err != nil && !errors.Is(err, goredis.Nil) {
		m.logger.Warn("failed to invalidate cached token", "error", err)
	}
}

// Revoke asks the provider to revoke the current refresh token and drops
// any cached access token. Revocation failures are logged, not returned:
// shutdown should not block on the provider.
func (m *Manager) Revoke(ctx context.Context) {
	m.Invalidate(ctx)

	if m.cfg.RevokeURL == "" {
		return
	}

	form := url.Values{"token": {m.cfg.RefreshToken.Value()}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.RevokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		m.logger.Warn("building revoke request failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.hc.Do(req)
	if err != nil {
		m.logger.Warn("token revocation failed", "error", err)
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		m.logger.Warn("token revocation rejected", "status", resp.StatusCode)
		return
	}
	m.logger.Info("refresh token revoked")
}

// SetRefreshHook registers an observer for exchange results.
func (m *Manager) SetRefreshHook(fn func(result string)) {
	m.onRefresh = fn
}

// Close releases the in-process cache.
func (m *Manager) Close() {
	m.local.Close()
}

func (m *Manager) fresh(creds *Credentials) bool {
	return creds != nil && creds.AccessToken != "" && m.now().Before(creds.ExpiresAt)
}

func (m *Manager) fromRedis(ctx context.Context) *Credentials {
	data, err := m.cache.Get(ctx, cacheKey).Result()
	if err != nil {
		if !errors.Is(err, goredis.Nil) {
			m.logger.Warn("reading cached token failed", "error", err)
		}
		return nil
	}
	var creds Credentials
	if err := json.Unmarshal([]byte(data), &creds); err != nil {
		m.logger.Warn("cached token is corrupt, discarding", "error", err)
		return nil
	}
	return &creds
}

func (m *Manager) storeLocal(creds *Credentials) {
	ttl := time.Until(creds.ExpiresAt)
	if ttl > localTTLCap {
		ttl = localTTLCap
	}
	if ttl <= 0 {
		return
	}
	m.local.SetWithTTL(cacheKey, creds, 1, ttl)
	m.local.Wait()
}

// refresh performs the refresh-token exchange with retries on transient
// failures. Provider 4xx responses abort immediately: the stored refresh
// token or client credentials are wrong and retrying cannot help.
func (m *Manager) refresh(ctx context.Context) (*Credentials, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.backoffBase
	bo.MaxInterval = m.backoffMax

	creds, err := backoff.Retry(ctx, func() (*Credentials, error) {
		return m.exchange(ctx)
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(max(m.cfg.MaxAttempts, 1))),
	)
	if err != nil {
		m.reportRefresh(err)
		if errors.Is(err, ErrExchangeRejected) {
			// The stored credentials are bad; anything cached was minted
			// from them and must not be served again.
			m.Invalidate(ctx)
		}
		return nil, err
	}
	m.reportRefresh(nil)

	m.storeRedis(ctx, creds)
	m.logger.Info("access token refreshed",
		"scope", creds.Scope,
		"api_domain", creds.APIDomain,
		"expires_at", creds.ExpiresAt)
	return creds, nil
}

func (m *Manager) reportRefresh(err error) {
	if m.onRefresh == nil {
		return
	}
	switch {
	case err == nil:
		m.onRefresh("success")
	case errors.Is(err, ErrExchangeRejected):
		m.onRefresh("rejected")
	default:
		m.onRefresh("unavailable")
	}
}

// exchange performs one refresh-token grant against the token endpoint.
func (m *Manager) exchange(ctx context.Context) (*Credentials, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {m.cfg.RefreshToken.Value()},
		"client_id":     {m.cfg.ClientID},
		"client_secret": {m.cfg.ClientSecret.Value()},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("building token request: %w", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExchangeUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %w", ErrExchangeUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		// The provider's Retry-After hint, when present, overrides the
		// exponential schedule for the next attempt.
		if ra := parseRetryAfter(resp.Header.Get("Retry-After")); ra > 0 {
			return nil, fmt.Errorf("%w: provider throttled: %w",
				ErrExchangeUnavailable, backoff.RetryAfter(int(ra.Seconds())))
		}
		return nil, fmt.Errorf("%w: provider returned %d", ErrExchangeUnavailable, resp.StatusCode)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: provider returned %d", ErrExchangeUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		var tr tokenResponse
		_ = json.Unmarshal(body, &tr)
		return nil, backoff.Permanent(fmt.Errorf("%w: %d %s", ErrExchangeRejected, resp.StatusCode, tr.Error))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("%w: decoding response: %w", ErrExchangeRejected, err))
	}
	if tr.AccessToken == "" || tr.Error != "" {
		return nil, backoff.Permanent(fmt.Errorf("%w: %s", ErrExchangeRejected, tr.Error))
	}

	return &Credentials{
		AccessToken: tr.AccessToken,
		APIDomain:   tr.APIDomain,
		Scope:       tr.Scope,
		ExpiresAt:   m.now().Add(m.effectiveTTL(tr.ExpiresIn)),
	}, nil
}

// parseRetryAfter reads a Retry-After value as delay seconds or an HTTP
// date. Returns 0 when absent or unparseable.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t)
	}
	return 0
}

func (m *Manager) storeRedis(ctx context.Context, creds *Credentials) {
	ttl := time.Until(creds.ExpiresAt)
	if ttl <= 0 {
		return
	}
	data, err := json.Marshal(creds)
	if err != nil {
		m.logger.Warn("marshaling token for cache failed", "error", err)
		return
	}
	if err := m.cache.Set(ctx, cacheKey, data, ttl).Err(); err != nil {
		// Cache write failures are not fatal: the token is still usable,
		// other instances will just refresh independently.
		m.logger.Warn("writing token to cache failed", "error", err)
	}
}

// effectiveTTL derives the cache lifetime from the provider-reported
// expiry: min(configured TTL, expires_in - safety margin), floored at a
// minute so a tiny expires_in does not thrash the exchange endpoint. The
// result always stays strictly below expires_in, so the cache entry is
// gone before the token itself stops working upstream.
func (m *Manager) effectiveTTL(expiresIn int64) time.Duration {
	ttl := m.cacheTTL
	if expiresIn <= 0 {
		if ttl < time.Minute {
			ttl = time.Minute
		}
		return ttl
	}

	reported := time.Duration(expiresIn) * time.Second
	if margin := reported - m.safetyMargin; margin < ttl {
		ttl = margin
	}
	if ttl < time.Minute {
		ttl = time.Minute
	}
	if ttl >= reported {
		ttl = reported / 2
	}
	return ttl
}
