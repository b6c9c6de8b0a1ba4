// Package middleware implements the request processing pipeline:
// origin filtering → bearer-token verification → rate limiting → handler.
// Every stage short-circuits with a structured JSON rejection; only fully
// admitted requests reach the gateway handler.
package middleware

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/ipfilter"
	"github.com/relaygate/relaygate/internal/observability"
	"github.com/relaygate/relaygate/internal/ratelimit"
	"github.com/relaygate/relaygate/internal/token"
)

var tracer = otel.Tracer("relaygate.middleware")

// requestIDHeader is the canonical HTTP header for request correlation.
const requestIDHeader = "X-Request-Id"

// maxRequestIDLen is the maximum allowed length for a client-supplied X-Request-Id.
const maxRequestIDLen = 128

// requestIDRng is a per-goroutine-safe CSPRNG seeded from crypto/rand.
// ChaCha8 is cryptographically strong and avoids a syscall per ID
// (unlike crypto/rand.Read), which reduces latency under high concurrency.
var requestIDRng = func() *rand.ChaCha8 {
	var seed [32]byte
	if _, err := cryptorand.Read(seed[:]); err != nil {
		panic("failed to seed ChaCha8: " + err.Error())
	}
	return rand.NewChaCha8(seed)
}()

// generateRequestID creates a 16-byte hex-encoded random ID (128 bits).
func generateRequestID() string {
	var buf [16]byte
	for i := 0; i < len(buf); i += 8 {
		v := requestIDRng.Uint64()
		binary.LittleEndian.PutUint64(buf[i:], v)
	}
	return hex.EncodeToString(buf[:])
}

// validRequestID checks that a client-supplied request ID is safe to propagate.
// Rejects IDs that are too long or contain non-printable / injection characters.
// Allowed characters: alphanumeric, hyphens, underscores, dots, colons.
func validRequestID(s string) bool {
	if len(s) == 0 || len(s) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.' || c == ':':
		default:
			return false
		}
	}
	return true
}

// jsonErrorResponse is the structured error body returned by RelayGate.
type jsonErrorResponse struct {
	Error      string  `json:"error"`
	Message    string  `json:"message"`
	RetryAfter float64 `json:"retry_after,omitempty"`
	RequestID  string  `json:"request_id,omitempty"`
}

// writeJSONError writes a structured JSON error response. Any rate-limit
// headers already set on the writer are preserved.
func writeJSONError(w http.ResponseWriter, code int, errType, message string, retryAfter float64) {
	resp := jsonErrorResponse{
		Error:      errType,
		Message:    message,
		RetryAfter: retryAfter,
		RequestID:  w.Header().Get(requestIDHeader),
	}
	body, _ := json.Marshal(resp)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

// cryptoRandFloat64 returns a cryptographically random float64 in [0, 1).
func cryptoRandFloat64() float64 {
	var buf [8]byte
	if _, err := cryptorand.Read(buf[:]); err != nil {
		return 0.5
	}
	return float64(binary.BigEndian.Uint64(buf[:])>>11) / (1 << 53)
}

// statusWriter captures the HTTP status code written by downstream handlers.
type statusWriter struct {
	http.ResponseWriter
	code    int
	written bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.code = code
		sw.written = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.written {
		sw.code = http.StatusOK
		sw.written = true
	}
	return sw.ResponseWriter.Write(b)
}

// Unwrap supports http.ResponseController and middleware that check for
// underlying interfaces (http.Hijacker, http.Flusher, etc.).
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

// Flush implements http.Flusher for handlers that assert w.(http.Flusher)
// directly instead of using Unwrap().
func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// statusWriterPool amortizes statusWriter allocations on the hot path.
var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{} },
}

// Chain is the request processing middleware. The filter, verifier, and
// limiter are swapped atomically on config reload, so the hot path never
// takes a lock.
type Chain struct {
	next     http.Handler
	logger   *slog.Logger
	metrics  *observability.Metrics
	filter   atomic.Pointer[ipfilter.Filter]
	verifier atomic.Pointer[token.Verifier]
	limiter  atomic.Pointer[ratelimit.Limiter]

	bypassPaths    atomic.Pointer[[]string]
	requestTimeout atomic.Value // time.Duration
}

// NewChain assembles the pipeline in front of next.
func NewChain(
	next http.Handler,
	cfg *config.Config,
	filter *ipfilter.Filter,
	verifier *token.Verifier,
	limiter *ratelimit.Limiter,
	logger *slog.Logger,
	metrics *observability.Metrics,
) *Chain {
	c := &Chain{
		next:    next,
		logger:  logger,
		metrics: metrics,
	}
	c.filter.Store(filter)
	c.verifier.Store(verifier)
	c.limiter.Store(limiter)
	bypass := append([]string(nil), cfg.BypassPaths...)
	c.bypassPaths.Store(&bypass)
	c.requestTimeout.Store(config.MustParseDuration(cfg.Server.RequestTimeout, 0))
	return c
}

// ServeHTTP runs the pipeline: origin filter → token verification → rate
// limit → next.
func (c *Chain) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sw := statusWriterPool.Get().(*statusWriter)
	sw.ResponseWriter = w
	sw.code = http.StatusOK
	sw.written = false

	// Propagate or generate X-Request-Id for request correlation. Client
	// IDs are validated to prevent CRLF injection and log pollution.
	reqID := r.Header.Get(requestIDHeader)
	if !validRequestID(reqID) {
		reqID = generateRequestID()
		r.Header.Set(requestIDHeader, reqID)
	}
	sw.Header().Set(requestIDHeader, reqID)

	defer func() {
		duration := time.Since(start).Seconds()
		c.metrics.PromRequestDuration.WithLabelValues(
			r.Method,
			strconv.Itoa(sw.code),
		).Observe(duration)
		sw.ResponseWriter = nil // prevent dangling reference
		statusWriterPool.Put(sw)
	}()

	if timeout, _ := c.requestTimeout.Load().(time.Duration); timeout > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		r = r.WithContext(ctx)
	}

	if c.bypassed(r.URL.Path) {
		c.next.ServeHTTP(sw, r)
		return
	}

	ctx, span := tracer.Start(r.Context(), "relaygate.admission")
	r = r.WithContext(ctx)

	clientID, ok := c.admit(sw, r)
	span.SetAttributes(attribute.Bool("admitted", ok))
	span.End()
	if !ok {
		return
	}

	r.Header.Set("X-Client-Id", clientID)
	c.metrics.IncForwarded()
	c.next.ServeHTTP(sw, r)
}

// admit runs the three rejection stages. Returns the authenticated client
// identifier and whether the request may proceed; on rejection the
// response has already been written.
func (c *Chain) admit(w http.ResponseWriter, r *http.Request) (string, bool) {
	filter := c.filter.Load()
	origin := filter.ClientAddr(r)
	if !filter.Allowed(origin) {
		c.metrics.IncOriginDenied()
		c.logger.Warn("request from disallowed origin",
			"origin", origin.String(),
			"path", r.URL.Path,
			"request_id", r.Header.Get(requestIDHeader))
		writeJSONError(w, http.StatusForbidden, "Forbidden", "origin address not allowed", 0)
		return "", false
	}

	claims, ok := c.checkToken(w, r)
	if !ok {
		return "", false
	}

	// Rate limits are per authenticated subject, with the origin address
	// as the key for anonymous-subject tokens.
	clientID := claims.Subject
	if clientID == "" {
		clientID = origin.String()
	}

	if !c.checkRateLimit(w, r, clientID) {
		return "", false
	}
	return clientID, true
}

// checkToken extracts and verifies the bearer token. All failures map to
// the same 401 so probing cannot distinguish missing from invalid from
// expired.
func (c *Chain) checkToken(w http.ResponseWriter, r *http.Request) (*token.Claims, bool) {
	raw := bearerToken(r)
	if raw == "" {
		c.metrics.IncAuthDenied()
		writeJSONError(w, http.StatusUnauthorized, "Unauthorized", "missing or invalid bearer token", 0)
		return nil, false
	}

	claims, err := c.verifier.Load().Verify(raw)
	if err != nil {
		c.metrics.IncAuthDenied()
		c.logger.Info("bearer token rejected",
			"reason", err.Error(),
			"request_id", r.Header.Get(requestIDHeader))
		writeJSONError(w, http.StatusUnauthorized, "Unauthorized", "missing or invalid bearer token", 0)
		return nil, false
	}
	return claims, true
}

// checkRateLimit enforces the sliding window. Returns true when the
// request may proceed; headroom headers are attached either way.
func (c *Chain) checkRateLimit(w http.ResponseWriter, r *http.Request, clientID string) bool {
	lim := c.limiter.Load()
	if lim == nil {
		return true
	}

	result, err := lim.Allow(r.Context(), clientID)
	if err != nil {
		c.metrics.IncStoreErrors()
		c.logger.Error("rate-limit check failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "ratelimit_error", "rate limit check failed", 0)
		return false
	}

	setRateLimitHeaders(w, result)
	c.metrics.ObserveRemaining(result.Remaining)

	if !result.Allowed {
		c.metrics.IncLimited()
		c.serveRateLimited(w, result)
		return false
	}
	return true
}

// setRateLimitHeaders writes the rate-limit headroom headers. Reset is the
// epoch second at which the oldest call leaves the window and capacity
// frees up.
func setRateLimitHeaders(w http.ResponseWriter, result *ratelimit.Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
	remaining := result.Remaining
	if remaining < 0 {
		remaining = 0
	}
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

	resetAt := time.Now().Add(result.ResetAfter).Unix()
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt, 10))
}

func (c *Chain) serveRateLimited(w http.ResponseWriter, result *ratelimit.Result) {
	// Apply +/-10% jitter to retry timing to prevent thundering herd and
	// avoid leaking the exact recovery instant of the window.
	jitterFactor := 0.9 + cryptoRandFloat64()*0.2 // [0.9, 1.1)
	retryDuration := time.Duration(float64(result.RetryAfter) * jitterFactor)
	retrySeconds := math.Ceil(retryDuration.Seconds())
	if retrySeconds < 1 {
		retrySeconds = 1
	}
	w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retrySeconds))
	writeJSONError(w, http.StatusTooManyRequests, "rate_limited", "Too Many Requests", retrySeconds)
}

func (c *Chain) bypassed(path string) bool {
	for _, prefix := range *c.bypassPaths.Load() {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// bearerToken extracts the token from the Authorization header. The
// "Bearer" scheme match is case-insensitive per RFC 9110.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// Reload swaps in components rebuilt from a new config. Components that
// failed to rebuild keep their previous instances.
func (c *Chain) Reload(newCfg *config.Config) error {
	filter := ipfilter.New(newCfg.IPFilter, c.logger)
	verifier, err := token.NewVerifier(newCfg.Auth)
	if err != nil {
		return fmt.Errorf("reload token verifier: %w", err)
	}

	c.filter.Store(filter)
	c.verifier.Store(verifier)
	bypass := append([]string(nil), newCfg.BypassPaths...)
	c.bypassPaths.Store(&bypass)
	c.requestTimeout.Store(config.MustParseDuration(newCfg.Server.RequestTimeout, 0))

	// The limiter keeps its store connection; only the parameters change.
	if old := c.limiter.Load(); old != nil {
		c.limiter.Store(ratelimit.NewLimiterFrom(old, newCfg.RateLimit))
	}

	c.logger.Info("middleware chain reloaded",
		"max_calls", newCfg.RateLimit.MaxCalls,
		"window", newCfg.RateLimit.Window)
	return nil
}

// Close releases the limiter's store.
func (c *Chain) Close() error {
	if lim := c.limiter.Load(); lim != nil {
		return lim.Close()
	}
	return nil
}
