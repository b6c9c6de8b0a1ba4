package identity

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygate/relaygate/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// providerStub is a fake identity provider. failures controls how many
// 503 responses precede the first success.
type providerStub struct {
	mu        sync.Mutex
	exchanges int
	revokes   int
	failures  int
	expiresIn int64
	status    int // non-zero forces this status on every exchange
	lastForm  map[string]string
}

func (p *providerStub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		p.mu.Lock()
		p.exchanges++
		p.lastForm = map[string]string{
			"grant_type":    r.PostFormValue("grant_type"),
			"refresh_token": r.PostFormValue("refresh_token"),
			"client_id":     r.PostFormValue("client_id"),
			"client_secret": r.PostFormValue("client_secret"),
		}
		status := p.status
		if status == 0 && p.failures > 0 {
			p.failures--
			status = http.StatusServiceUnavailable
		}
		n := p.exchanges
		expiresIn := p.expiresIn
		p.mu.Unlock()

		if status != 0 && status != http.StatusOK {
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "server_error"})
			return
		}
		if expiresIn == 0 {
			expiresIn = 3600
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "token-" + string(rune('0'+n)),
			"expires_in":   expiresIn,
			"scope":        "api.read api.write",
			"api_domain":   "https://api.example.com",
		})
	})
	mux.HandleFunc("/oauth/revoke", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		p.mu.Lock()
		p.revokes++
		p.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (p *providerStub) exchangeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exchanges
}

func newTestManager(t *testing.T, p *providerStub) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	srv := httptest.NewServer(p.handler())
	t.Cleanup(srv.Close)

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	m, err := NewManager(config.IdentityConfig{
		TokenURL:     srv.URL + "/oauth/token",
		RevokeURL:    srv.URL + "/oauth/revoke",
		ClientID:     "gateway",
		ClientSecret: config.RedactedString("s3cret"),
		RefreshToken: config.RedactedString("refresh-token-1"),
		CacheTTL:     "50m",
		SafetyMargin: "5m",
		Timeout:      "5s",
		MaxAttempts:  3,
		BackoffBase:  "1ms",
		BackoffMax:   "5ms",
	}, client, testLogger())
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m, mr
}

func TestAccessTokenExchangesAndCaches(t *testing.T) {
	p := &providerStub{}
	m, mr := newTestManager(t, p)
	ctx := context.Background()

	creds, err := m.AccessToken(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, creds.AccessToken)
	assert.Equal(t, "https://api.example.com", creds.APIDomain)
	assert.Equal(t, "api.read api.write", creds.Scope)
	assert.Equal(t, 1, p.exchangeCount())

	// Exchange sent the full refresh grant.
	assert.Equal(t, "refresh_token", p.lastForm["grant_type"])
	assert.Equal(t, "refresh-token-1", p.lastForm["refresh_token"])
	assert.Equal(t, "gateway", p.lastForm["client_id"])
	assert.Equal(t, "s3cret", p.lastForm["client_secret"])

	// Second call is served from cache.
	again, err := m.AccessToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, creds.AccessToken, again.AccessToken)
	assert.Equal(t, 1, p.exchangeCount())

	// The token landed in the shared Redis cache with a TTL.
	require.True(t, mr.Exists(cacheKey))
	assert.Greater(t, mr.TTL(cacheKey), time.Duration(0))
}

func TestAccessTokenTTLRespectsSafetyMargin(t *testing.T) {
	p := &providerStub{expiresIn: 600} // 10m from provider, margin 5m
	m, mr := newTestManager(t, p)

	creds, err := m.AccessToken(context.Background())
	require.NoError(t, err)

	// Cache entry must expire before the provider-reported lifetime.
	ttl := mr.TTL(cacheKey)
	assert.Greater(t, ttl, time.Duration(0))
	assert.Less(t, ttl, 600*time.Second)
	assert.LessOrEqual(t, ttl, 5*time.Minute+time.Second)
	assert.True(t, creds.ExpiresAt.Before(time.Now().Add(600*time.Second)))
}

func TestAccessTokenTTLBelowTinyExpiresIn(t *testing.T) {
	// A provider-reported lifetime smaller than the safety margin and the
	// TTL floor must still yield a cache entry that dies before the token.
	p := &providerStub{expiresIn: 30}
	m, mr := newTestManager(t, p)

	creds, err := m.AccessToken(context.Background())
	require.NoError(t, err)

	ttl := mr.TTL(cacheKey)
	assert.Greater(t, ttl, time.Duration(0))
	assert.Less(t, ttl, 30*time.Second, "cache entry must expire before the token itself")
	assert.True(t, creds.ExpiresAt.Before(time.Now().Add(30*time.Second)))
}

func TestAccessTokenConcurrentSingleExchange(t *testing.T) {
	p := &providerStub{}
	m, _ := newTestManager(t, p)
	ctx := context.Background()

	const callers = 50
	var wg sync.WaitGroup
	var failures atomic.Int64
	tokens := make([]string, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			creds, err := m.AccessToken(ctx)
			if err != nil {
				failures.Add(1)
				return
			}
			tokens[i] = creds.AccessToken
		}(i)
	}
	wg.Wait()

	require.Zero(t, failures.Load())
	assert.Equal(t, 1, p.exchangeCount(), "concurrent callers must share one exchange")
	for i := 1; i < callers; i++ {
		assert.Equal(t, tokens[0], tokens[i])
	}
}

func TestAccessTokenSharedAcrossManagers(t *testing.T) {
	p := &providerStub{}
	m1, mr := newTestManager(t, p)

	_, err := m1.AccessToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, p.exchangeCount())

	// A second manager (second gateway instance) hits the same Redis and
	// must not trigger another exchange.
	srv := httptest.NewServer(p.handler())
	t.Cleanup(srv.Close)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	m2, err := NewManager(config.IdentityConfig{
		TokenURL:     srv.URL + "/oauth/token",
		ClientID:     "gateway",
		ClientSecret: config.RedactedString("s3cret"),
		RefreshToken: config.RedactedString("refresh-token-1"),
		CacheTTL:     "50m",
		SafetyMargin: "5m",
		MaxAttempts:  3,
	}, client, testLogger())
	require.NoError(t, err)
	t.Cleanup(m2.Close)

	_, err = m2.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, p.exchangeCount())
}

func TestInvalidateForcesNewExchange(t *testing.T) {
	p := &providerStub{}
	m, _ := newTestManager(t, p)
	ctx := context.Background()

	first, err := m.AccessToken(ctx)
	require.NoError(t, err)

	m.Invalidate(ctx)

	second, err := m.AccessToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, p.exchangeCount())
	assert.NotEqual(t, first.AccessToken, second.AccessToken)
}

func TestExchangeRetriesTransientFailures(t *testing.T) {
	p := &providerStub{failures: 2}
	m, _ := newTestManager(t, p)

	creds, err := m.AccessToken(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, creds.AccessToken)
	assert.Equal(t, 3, p.exchangeCount(), "two 503s then success")
}

func TestExchangeRejectedNotRetried(t *testing.T) {
	p := &providerStub{status: http.StatusBadRequest}
	m, _ := newTestManager(t, p)

	_, err := m.AccessToken(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExchangeRejected)
	assert.Equal(t, 1, p.exchangeCount(), "4xx must not be retried")
}

func TestExchangeRejectedClearsCache(t *testing.T) {
	p := &providerStub{status: http.StatusBadRequest}
	m, mr := newTestManager(t, p)

	// Seed the shared cache with a stale entry. The refresh it forces will
	// be rejected, which must also purge the stale credentials.
	stale, err := json.Marshal(&Credentials{
		AccessToken: "stale-token",
		ExpiresAt:   time.Now().Add(-time.Minute),
	})
	require.NoError(t, err)
	require.NoError(t, mr.Set(cacheKey, string(stale)))

	_, err = m.AccessToken(context.Background())
	require.ErrorIs(t, err, ErrExchangeRejected)
	assert.False(t, mr.Exists(cacheKey), "rejected exchange must clear the cached entry")
}

func TestRefreshHookObservesResults(t *testing.T) {
	p := &providerStub{}
	m, _ := newTestManager(t, p)
	ctx := context.Background()

	var mu sync.Mutex
	var results []string
	m.SetRefreshHook(func(result string) {
		mu.Lock()
		results = append(results, result)
		mu.Unlock()
	})

	_, err := m.AccessToken(ctx)
	require.NoError(t, err)

	m.Invalidate(ctx)
	p.mu.Lock()
	p.status = http.StatusBadRequest
	p.mu.Unlock()

	_, err = m.AccessToken(ctx)
	require.Error(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"success", "rejected"}, results)
}

func TestExchangeHonorsRetryAfterHint(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "token-after-throttle",
			"expires_in":   3600,
		})
	}))
	t.Cleanup(srv.Close)

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	m, err := NewManager(config.IdentityConfig{
		TokenURL:     srv.URL,
		ClientID:     "gateway",
		ClientSecret: config.RedactedString("s3cret"),
		RefreshToken: config.RedactedString("refresh-token-1"),
		CacheTTL:     "50m",
		SafetyMargin: "5m",
		MaxAttempts:  3,
		BackoffBase:  "1ms",
		BackoffMax:   "5ms",
	}, client, testLogger())
	require.NoError(t, err)
	t.Cleanup(m.Close)

	start := time.Now()
	creds, err := m.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-after-throttle", creds.AccessToken)
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond,
		"the provider's Retry-After must stretch the pause beyond the configured backoff")
}

func TestExchangeExhaustsRetries(t *testing.T) {
	p := &providerStub{status: http.StatusServiceUnavailable}
	m, _ := newTestManager(t, p)

	_, err := m.AccessToken(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExchangeUnavailable)
	assert.Equal(t, 3, p.exchangeCount(), "max_attempts bounds the exchange count")
}

func TestRevokeDropsCacheAndCallsProvider(t *testing.T) {
	p := &providerStub{}
	m, mr := newTestManager(t, p)
	ctx := context.Background()

	_, err := m.AccessToken(ctx)
	require.NoError(t, err)
	require.True(t, mr.Exists(cacheKey))

	m.Revoke(ctx)

	assert.False(t, mr.Exists(cacheKey))
	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Equal(t, 1, p.revokes)
}
