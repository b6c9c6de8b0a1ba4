// Package ratelimit implements per-client sliding-window rate limiting.
// The window is a log of call timestamps: a call is admitted only while
// fewer than the maximum number of calls fall inside the trailing window,
// and a rejected call leaves the window untouched so it never pushes the
// recovery point further out.
//
// Two stores back the limiter: an in-process store for single-instance
// deployments and a Redis store (atomic via Lua) for fleets that must
// share one limit per client.
package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/relaygate/relaygate/internal/config"
)

// ErrLimiterClosed is returned when Allow is called after Close.
var ErrLimiterClosed = errors.New("limiter is closed")

// Result holds the outcome of a rate-limit check.
type Result struct {
	Allowed    bool
	RetryAfter time.Duration // meaningful only when Allowed == false
	Remaining  int64         // calls left in the current window
	Limit      int64         // window capacity
	ResetAfter time.Duration // time until the window is fully drained
}

// Store records calls in sliding windows. Implementations must be safe for
// concurrent use and must atomically combine the capacity check with the
// recording of the call, so concurrent callers can never jointly exceed
// the limit.
type Store interface {
	// Take admits or rejects one call for key at the current time. A
	// rejected call must not be recorded.
	Take(ctx context.Context, key string, limit int64, window time.Duration) (*Result, error)
	Close() error
}

// Limiter applies the configured limit and failure policy over a Store.
type Limiter struct {
	store  Store
	logger *slog.Logger

	limit     int64
	window    time.Duration
	keyPrefix string
	policy    config.FailurePolicy

	closed atomic.Bool
}

// NewLimiter wires a Limiter over the given store.
func NewLimiter(store Store, cfg config.RateLimitConfig, logger *slog.Logger) *Limiter {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "relaygate:rl"
	}
	policy := cfg.FailurePolicy
	if policy == "" {
		policy = config.FailurePolicyPassThrough
	}
	return &Limiter{
		store:     store,
		logger:    logger,
		limit:     cfg.MaxCalls,
		window:    config.MustParseDuration(cfg.Window, time.Minute),
		keyPrefix: prefix,
		policy:    policy,
	}
}

// NewLimiterFrom builds a Limiter with fresh parameters over the store of
// an existing one. Used on config reload so the store connection survives.
func NewLimiterFrom(old *Limiter, cfg config.RateLimitConfig) *Limiter {
	return NewLimiter(old.store, cfg, old.logger)
}

// Allow checks whether one more call from the given client identifier fits
// in the window. Store failures resolve per the failure policy: passthrough
// admits the call, failclosed rejects it with a conservative RetryAfter.
func (l *Limiter) Allow(ctx context.Context, id string) (*Result, error) {
	if l.closed.Load() {
		return nil, ErrLimiterClosed
	}
	if l.limit <= 0 {
		// Limiting disabled.
		return &Result{Allowed: true, Remaining: -1, Limit: 0}, nil
	}

	res, err := l.store.Take(ctx, l.keyPrefix+":"+id, l.limit, l.window)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		switch l.policy {
		case config.FailurePolicyFailClosed:
			l.logger.Error("rate-limit store unavailable, failing closed", "error", err)
			return &Result{
				Allowed:    false,
				RetryAfter: l.window,
				Limit:      l.limit,
				ResetAfter: l.window,
			}, nil
		default:
			l.logger.Warn("rate-limit store unavailable, passing through", "error", err)
			return &Result{Allowed: true, Remaining: -1, Limit: l.limit}, nil
		}
	}
	return res, nil
}

// Limit returns the configured window capacity.
func (l *Limiter) Limit() int64 { return l.limit }

// Window returns the configured window length.
func (l *Limiter) Window() time.Duration { return l.window }

// Close marks the limiter as closed and closes the underlying store.
func (l *Limiter) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	return l.store.Close()
}
