// Package upstream is the resilient HTTP client for the backend product
// API. Every response is classified into an outcome that drives an explicit
// retry loop: transient failures back off and retry, an authentication
// rejection triggers exactly one token refresh, and permanent failures
// surface immediately as typed errors.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/identity"
)

// Typed failures returned by Call. The gateway handler maps these onto
// response status codes.
var (
	// ErrUpstreamAuth means the upstream still rejected the token after a
	// forced refresh. The stored credentials are likely revoked.
	ErrUpstreamAuth = errors.New("upstream authentication failed")
	// ErrRateLimited means the upstream kept throttling through every
	// retry attempt.
	ErrRateLimited = errors.New("upstream rate limited")
	// ErrUpstreamClient means the upstream rejected the request itself
	// (4xx). Retrying the same request cannot succeed.
	ErrUpstreamClient = errors.New("upstream rejected request")
	// ErrUpstreamServer means the upstream kept failing (5xx) through
	// every retry attempt.
	ErrUpstreamServer = errors.New("upstream server error")
	// ErrTimeout means the overall deadline expired before a usable
	// response arrived.
	ErrTimeout = errors.New("upstream timeout")
	// ErrTransient means connectivity to the upstream kept failing
	// through every retry attempt.
	ErrTransient = errors.New("upstream unreachable")
)

// outcome is the classification of one upstream attempt.
type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeAuthExpired
	outcomeThrottled
	outcomeServerError
	outcomeNetworkError
	outcomeFatal
)

// Response is a completed upstream response with its body fully read.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	// Attempts is the number of HTTP exchanges the logical request took,
	// including the extra exchange after a token refresh.
	Attempts int
}

// StatusError carries the upstream status alongside the typed error.
// RetryAfter is set when the error is ErrRateLimited: the upstream's own
// Retry-After when it sent one, else the backoff the next attempt would
// have waited.
type StatusError struct {
	Err        error
	StatusCode int
	Body       []byte
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%v (status %d)", e.Err, e.StatusCode)
}

func (e *StatusError) Unwrap() error { return e.Err }

// Client calls the backend product API with a bearer token from the
// identity manager.
type Client struct {
	cfg    config.UpstreamConfig
	tokens TokenSource
	hc     *http.Client
	logger *slog.Logger

	maxRetries  int
	backoffBase time.Duration
	backoffMax  time.Duration

	sleep func(context.Context, time.Duration) error
}

// TokenSource supplies outbound credentials. *identity.Manager satisfies it.
type TokenSource interface {
	AccessToken(ctx context.Context) (*identity.Credentials, error)
	Invalidate(ctx context.Context)
}

// NewClient builds an upstream client with a bounded connection pool.
func NewClient(cfg config.UpstreamConfig, tokens TokenSource, logger *slog.Logger) *Client {
	dialTimeout := config.MustParseDuration(cfg.DialTimeout, 10*time.Second)

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          defaultInt(cfg.MaxIdleConns, 100),
		MaxIdleConnsPerHost:   defaultInt(cfg.MaxIdleConnsPerHost, 10),
		MaxConnsPerHost:       defaultInt(cfg.MaxConnsPerHost, 50),
		IdleConnTimeout:       config.MustParseDuration(cfg.IdleConnTimeout, 90*time.Second),
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
	}

	return &Client{
		cfg:    cfg,
		tokens: tokens,
		logger: logger,
		hc: &http.Client{
			Transport: transport,
			Timeout:   config.MustParseDuration(cfg.Timeout, 30*time.Second),
		},
		maxRetries:  cfg.MaxRetries,
		backoffBase: config.MustParseDuration(cfg.BackoffBase, time.Second),
		backoffMax:  config.MustParseDuration(cfg.BackoffMax, 30*time.Second),
		sleep:       sleepCtx,
	}
}

// Forward sends the inbound request body to the configured upstream
// endpoint. Convenience wrapper over Call.
func (c *Client) Forward(ctx context.Context, body []byte, contentType string) (*Response, error) {
	header := http.Header{}
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	return c.Call(ctx, http.MethodPost, c.cfg.Endpoint, body, header)
}

// Get issues a GET against the given upstream path.
func (c *Client) Get(ctx context.Context, path string) (*Response, error) {
	return c.Call(ctx, http.MethodGet, path, nil, nil)
}

// Post issues a POST with a JSON body against the given upstream path.
func (c *Client) Post(ctx context.Context, path string, body []byte) (*Response, error) {
	return c.Call(ctx, http.MethodPost, path, body, jsonHeader())
}

// Put issues a PUT with a JSON body against the given upstream path.
func (c *Client) Put(ctx context.Context, path string, body []byte) (*Response, error) {
	return c.Call(ctx, http.MethodPut, path, body, jsonHeader())
}

// Delete issues a DELETE against the given upstream path.
func (c *Client) Delete(ctx context.Context, path string) (*Response, error) {
	return c.Call(ctx, http.MethodDelete, path, nil, nil)
}

func jsonHeader() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return h
}

// Call executes one logical request against the upstream, retrying per the
// outcome classification. The request body is replayed on every attempt,
// which is why it is taken as bytes rather than a reader.
func (c *Client) Call(ctx context.Context, method, path string, body []byte, header http.Header) (*Response, error) {
	return c.call(ctx, method, path, body, header, true)
}

// CallNoRetry is Call with transport-level retries disabled: a network or
// timeout failure surfaces immediately. Status-driven handling (throttling,
// auth refresh, server errors) is unchanged.
func (c *Client) CallNoRetry(ctx context.Context, method, path string, body []byte, header http.Header) (*Response, error) {
	return c.call(ctx, method, path, body, header, false)
}

func (c *Client) call(ctx context.Context, method, path string, body []byte, header http.Header, retryTransport bool) (*Response, error) {
	authRetried := false
	attempt := 0
	tries := 0

	for {
		tries++
		resp, err := c.attempt(ctx, method, path, body, header)
		if err != nil && errors.Is(err, identity.ErrExchangeRejected) {
			// The identity provider refused our credentials. No number of
			// retries against the upstream can fix that.
			return nil, fmt.Errorf("%w: %w", ErrUpstreamAuth, err)
		}
		out := classify(resp, err)

		switch out {
		case outcomeSuccess:
			resp.Attempts = tries
			return resp, nil

		case outcomeFatal:
			return nil, &StatusError{Err: ErrUpstreamClient, StatusCode: resp.StatusCode, Body: resp.Body}

		case outcomeAuthExpired:
			// One forced refresh per logical request. The retry does not
			// consume a regular attempt: the failure was ours (stale
			// token), not the upstream's.
			if authRetried {
				return nil, &StatusError{Err: ErrUpstreamAuth, StatusCode: resp.StatusCode, Body: resp.Body}
			}
			authRetried = true
			c.logger.Info("upstream rejected token, refreshing", "path", path)
			c.tokens.Invalidate(ctx)
			continue
		}

		// Transient outcomes from here on.
		if out == outcomeNetworkError && !retryTransport {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, wrapCtxErr(ctxErr)
			}
			return nil, fmt.Errorf("%w: %w", ErrTransient, err)
		}
		if attempt >= c.maxRetries {
			return nil, c.exhaustedError(ctx, out, resp, attempt)
		}

		delay := c.delay(attempt, resp, out)
		c.logger.Warn("upstream attempt failed, retrying",
			"path", path,
			"attempt", attempt+1,
			"outcome", outcomeString(out),
			"delay", delay,
			"error", err)
		if err := c.sleep(ctx, delay); err != nil {
			return nil, wrapCtxErr(err)
		}
		attempt++
	}
}

// attempt performs a single HTTP exchange, including token acquisition.
func (c *Client) attempt(ctx context.Context, method, path string, body []byte, header http.Header) (*Response, error) {
	creds, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring token: %w", err)
	}

	target, err := c.buildURL(path, creds.APIDomain)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("reading upstream response: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}, nil
}

// buildURL resolves the request path against the configured base URL,
// preferring the api_domain the identity provider reported.
func (c *Client) buildURL(path, apiDomain string) (string, error) {
	base := c.cfg.BaseURL
	if apiDomain != "" {
		base = apiDomain
		if !strings.Contains(base, "://") {
			base = "https://" + base
		}
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid upstream base %q: %w", base, err)
	}
	return u.JoinPath(path).String(), nil
}

// classify maps an attempt result to an outcome.
func classify(resp *Response, err error) outcome {
	if err != nil {
		return outcomeNetworkError
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return outcomeSuccess
	case resp.StatusCode == http.StatusUnauthorized:
		return outcomeAuthExpired
	case resp.StatusCode == http.StatusTooManyRequests:
		return outcomeThrottled
	case resp.StatusCode >= 500:
		return outcomeServerError
	default:
		return outcomeFatal
	}
}

// delay computes the pause before the next attempt: exponential from the
// base, capped at the max, with an upstream Retry-After taking precedence
// when it is longer. Network failures use the flat base delay since there
// is no overloaded peer to back away from.
func (c *Client) delay(attempt int, resp *Response, out outcome) time.Duration {
	if out == outcomeNetworkError {
		return c.backoffBase
	}
	d := c.backoffBase << attempt
	if d > c.backoffMax || d <= 0 {
		d = c.backoffMax
	}
	if out == outcomeThrottled && resp != nil {
		if ra := parseRetryAfter(resp.Header.Get("Retry-After")); ra > d {
			d = ra
		}
	}
	return d
}

func (c *Client) exhaustedError(ctx context.Context, out outcome, resp *Response, attempt int) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return wrapCtxErr(ctxErr)
	}
	switch out {
	case outcomeThrottled:
		return &StatusError{
			Err:        ErrRateLimited,
			StatusCode: resp.StatusCode,
			Body:       resp.Body,
			RetryAfter: c.delay(attempt, resp, out),
		}
	case outcomeServerError:
		return &StatusError{Err: ErrUpstreamServer, StatusCode: resp.StatusCode, Body: resp.Body}
	default:
		return ErrTransient
	}
}

func wrapCtxErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}

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

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func outcomeString(out outcome) string {
	switch out {
	case outcomeSuccess:
		return "success"
	case outcomeAuthExpired:
		return "auth_expired"
	case outcomeThrottled:
		return "throttled"
	case outcomeServerError:
		return "server_error"
	case outcomeNetworkError:
		return "network_error"
	default:
		return "fatal"
	}
}

func defaultInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
