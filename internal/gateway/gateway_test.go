package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/observability"
	"github.com/relaygate/relaygate/internal/upstream"
)

type stubForwarder struct {
	resp *upstream.Response
	err  error

	gotBody        []byte
	gotContentType string
	calls          int
}

func (s *stubForwarder) Forward(_ context.Context, body []byte, contentType string) (*upstream.Response, error) {
	s.calls++
	s.gotBody = body
	s.gotContentType = contentType
	return s.resp, s.err
}

func newTestHandler(fwd Forwarder, mutate func(*config.UpstreamConfig)) *Handler {
	cfg := config.UpstreamConfig{}
	if mutate != nil {
		mutate(&cfg)
	}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	return NewHandler(fwd, cfg, slog.New(slog.DiscardHandler), metrics)
}

func post(body string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader([]byte(body)))
	r.Header.Set("Content-Type", "application/json")
	return r
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestRelaysUpstreamResponse(t *testing.T) {
	fwd := &stubForwarder{
		resp: &upstream.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": []string{"application/json"}},
			Body:       []byte(`{"result":42}`),
			Attempts:   1,
		},
	}
	h := newTestHandler(fwd, nil)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, post(`{"jsonrpc":"2.0"}`))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"result":42}`, w.Body.String())
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, []byte(`{"jsonrpc":"2.0"}`), fwd.gotBody)
	assert.Equal(t, "application/json", fwd.gotContentType)
}

func TestRejectsNonPost(t *testing.T) {
	fwd := &stubForwarder{}
	h := newTestHandler(fwd, nil)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/mcp", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, http.MethodPost, w.Header().Get("Allow"))
	assert.Equal(t, 0, fwd.calls)
}

func TestRejectsOversizedBody(t *testing.T) {
	fwd := &stubForwarder{}
	h := newTestHandler(fwd, func(cfg *config.UpstreamConfig) {
		cfg.MaxBodyBytes = 16
	})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, post(`{"padding":"0123456789012345678901234567890123456789"}`))

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, "body_too_large", decodeError(t, w).Error)
	assert.Equal(t, 0, fwd.calls)
}

func TestPassesThroughUpstreamClientError(t *testing.T) {
	fwd := &stubForwarder{
		err: &upstream.StatusError{
			Err:        upstream.ErrUpstreamClient,
			StatusCode: http.StatusUnprocessableEntity,
			Body:       []byte(`{"error":"invalid_params"}`),
		},
	}
	h := newTestHandler(fwd, nil)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, post(`{}`))

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.JSONEq(t, `{"error":"invalid_params"}`, w.Body.String())
}

func TestUpstreamClientErrorWithoutBody(t *testing.T) {
	fwd := &stubForwarder{
		err: &upstream.StatusError{
			Err:        upstream.ErrUpstreamClient,
			StatusCode: http.StatusNotFound,
		},
	}
	h := newTestHandler(fwd, nil)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, post(`{}`))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "upstream_rejected", decodeError(t, w).Error)
}

func TestMapsAuthFailureToBadGateway(t *testing.T) {
	fwd := &stubForwarder{err: upstream.ErrUpstreamAuth}
	h := newTestHandler(fwd, nil)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, post(`{}`))

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "upstream_auth_failed", decodeError(t, w).Error)
}

func TestMapsThrottlingToTooManyRequests(t *testing.T) {
	fwd := &stubForwarder{
		err: &upstream.StatusError{
			Err:        upstream.ErrRateLimited,
			StatusCode: http.StatusTooManyRequests,
			RetryAfter: 7 * time.Second,
		},
	}
	h := newTestHandler(fwd, nil)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, post(`{}`))

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "7", w.Header().Get("Retry-After"))
	body := decodeError(t, w)
	assert.Equal(t, "upstream_rate_limited", body.Error)
	assert.Equal(t, int64(7), body.RetryAfter)
}

func TestThrottlingWithoutHintDefaultsToOneSecond(t *testing.T) {
	fwd := &stubForwarder{
		err: &upstream.StatusError{Err: upstream.ErrRateLimited, StatusCode: http.StatusTooManyRequests},
	}
	h := newTestHandler(fwd, nil)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, post(`{}`))

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Equal(t, int64(1), decodeError(t, w).RetryAfter)
}

func TestMapsServerErrorToBadGateway(t *testing.T) {
	fwd := &stubForwarder{
		err: &upstream.StatusError{Err: upstream.ErrUpstreamServer, StatusCode: http.StatusServiceUnavailable},
	}
	h := newTestHandler(fwd, nil)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, post(`{}`))

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "upstream_error", decodeError(t, w).Error)
}

func TestMapsTimeoutToGatewayTimeout(t *testing.T) {
	fwd := &stubForwarder{err: upstream.ErrTimeout}
	h := newTestHandler(fwd, nil)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, post(`{}`))

	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
	assert.Equal(t, "upstream_timeout", decodeError(t, w).Error)
}

func TestMapsUnreachableToBadGateway(t *testing.T) {
	fwd := &stubForwarder{err: upstream.ErrTransient}
	h := newTestHandler(fwd, nil)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, post(`{}`))

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "upstream_unreachable", decodeError(t, w).Error)
}

func TestErrorIncludesRequestID(t *testing.T) {
	fwd := &stubForwarder{err: upstream.ErrTransient}
	h := newTestHandler(fwd, nil)

	r := post(`{}`)
	r.Header.Set("X-Request-Id", "req-777")
	w := httptest.NewRecorder()
	w.Header().Set("X-Request-Id", "req-777")
	h.ServeHTTP(w, r)

	assert.Equal(t, "req-777", decodeError(t, w).RequestID)
}
