// Package gateway is the terminal handler of the request pipeline: it
// relays admitted request bodies to the upstream product API and maps the
// upstream client's typed failures onto gateway response codes.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/observability"
	"github.com/relaygate/relaygate/internal/upstream"
)

// defaultMaxBodyBytes caps inbound request bodies. Bodies are buffered in
// full so they can be replayed across upstream retry attempts.
const defaultMaxBodyBytes = 8 << 20

// Forwarder relays a request body to the upstream. *upstream.Client
// satisfies it.
type Forwarder interface {
	Forward(ctx context.Context, body []byte, contentType string) (*upstream.Response, error)
}

// Handler terminates admitted requests by relaying them upstream.
type Handler struct {
	upstream     Forwarder
	logger       *slog.Logger
	metrics      *observability.Metrics
	maxBodyBytes int64
}

// NewHandler builds the relay handler.
func NewHandler(fwd Forwarder, cfg config.UpstreamConfig, logger *slog.Logger, metrics *observability.Metrics) *Handler {
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	return &Handler{
		upstream:     fwd,
		logger:       logger,
		metrics:      metrics,
		maxBodyBytes: maxBody,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only POST is accepted")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, "body_too_large",
				"request body exceeds "+strconv.FormatInt(tooLarge.Limit, 10)+" bytes")
			return
		}
		h.writeError(w, http.StatusBadRequest, "body_read_failed", "could not read request body")
		return
	}

	resp, err := h.upstream.Forward(r.Context(), body, r.Header.Get("Content-Type"))
	if err != nil {
		h.serveUpstreamError(w, r, err)
		return
	}

	h.metrics.IncUpstreamResult("success")
	h.metrics.PromUpstreamAttempts.Observe(float64(resp.Attempts))

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

// serveUpstreamError translates the upstream client's typed failures. The
// upstream's own 4xx responses pass through verbatim; everything else is
// reported as a gateway-level failure so clients cannot confuse upstream
// flakiness with their own request being wrong.
func (h *Handler) serveUpstreamError(w http.ResponseWriter, r *http.Request, err error) {
	reqID := r.Header.Get("X-Request-Id")

	var statusErr *upstream.StatusError
	hasStatus := errors.As(err, &statusErr)

	switch {
	case errors.Is(err, upstream.ErrUpstreamClient) && hasStatus:
		// The upstream judged the request itself invalid. Relay its verdict.
		h.metrics.IncUpstreamResult("client_error")
		if len(statusErr.Body) > 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(statusErr.StatusCode)
			_, _ = w.Write(statusErr.Body)
			return
		}
		h.writeError(w, statusErr.StatusCode, "upstream_rejected", "upstream rejected the request")

	case errors.Is(err, upstream.ErrUpstreamAuth):
		h.metrics.IncUpstreamResult("auth")
		h.logger.Error("upstream credentials rejected", "request_id", reqID, "error", err)
		h.writeError(w, http.StatusBadGateway, "upstream_auth_failed", "gateway could not authenticate with the upstream")

	case errors.Is(err, upstream.ErrRateLimited):
		h.metrics.IncUpstreamResult("throttled")
		h.logger.Warn("upstream throttling exhausted retries", "request_id", reqID)
		retryAfter := int64(1)
		if hasStatus && statusErr.RetryAfter > 0 {
			retryAfter = int64((statusErr.RetryAfter + time.Second - 1) / time.Second)
		}
		w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
		h.writeThrottled(w, retryAfter)

	case errors.Is(err, upstream.ErrUpstreamServer):
		h.metrics.IncUpstreamResult("server_error")
		h.logger.Error("upstream server errors exhausted retries", "request_id", reqID, "error", err)
		h.writeError(w, http.StatusBadGateway, "upstream_error", "upstream failed to process the request")

	case errors.Is(err, upstream.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		h.metrics.IncUpstreamResult("timeout")
		h.logger.Error("upstream call timed out", "request_id", reqID)
		h.writeError(w, http.StatusGatewayTimeout, "upstream_timeout", "upstream did not respond in time")

	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to write.
		h.metrics.IncUpstreamResult("canceled")

	default:
		h.metrics.IncUpstreamResult("unreachable")
		h.logger.Error("upstream unreachable", "request_id", reqID, "error", err)
		h.writeError(w, http.StatusBadGateway, "upstream_unreachable", "could not reach the upstream")
	}
}

type errorResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int64  `json:"retry_after,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
}

func (h *Handler) writeError(w http.ResponseWriter, code int, errType, message string) {
	body, _ := json.Marshal(errorResponse{
		Error:     errType,
		Message:   message,
		RequestID: w.Header().Get("X-Request-Id"),
	})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

// writeThrottled is writeError plus the retry hint the 429 contract wants
// in the body.
func (h *Handler) writeThrottled(w http.ResponseWriter, retryAfter int64) {
	body, _ := json.Marshal(errorResponse{
		Error:      "upstream_rate_limited",
		Message:    "upstream is throttling, try again later",
		RetryAfter: retryAfter,
		RequestID:  w.Header().Get("X-Request-Id"),
	})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_, _ = w.Write(body)
}
