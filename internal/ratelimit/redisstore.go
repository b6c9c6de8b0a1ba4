package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/relaygate/relaygate/internal/redis"
)

// slidingWindowLua is the Lua source for the atomic sliding-window check.
//
// The window is a ZSET of admitted-call members scored by timestamp. One
// script invocation prunes entries older than the window, compares the
// surviving count to the limit, and records the call only when admitted,
// so concurrent callers across all gateway instances can never jointly
// exceed the limit and a rejected call never extends the window.
//
// Returns {allowed (0|1), retry_after_micros, remaining, limit, reset_after_micros}.
//
// Keys: KEYS[1] = window key.
// Args: ARGV[1] = now (μs), ARGV[2] = window (μs), ARGV[3] = limit,
//
//	ARGV[4] = unique member for this call.
const slidingWindowLua = `
local key    = KEYS[1]
local now    = tonumber(ARGV[1])
local win    = tonumber(ARGV[2])
local limit  = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('zremrangebyscore', key, 0, now - win)

local count = redis.call('zcard', key)

if count < limit then
  redis.call('zadd', key, now, member)
  redis.call('pexpire', key, math.ceil(win / 1000))
  local oldest = redis.call('zrange', key, 0, 0, 'WITHSCORES')
  local reset = win
  if oldest[2] then
    reset = tonumber(oldest[2]) + win - now
  end
  return {1, 0, limit - count - 1, limit, reset}
end

-- Capacity frees when the oldest admitted call leaves the window.
local oldest = redis.call('zrange', key, 0, 0, 'WITHSCORES')
local retry = 0
if oldest[2] then
  retry = tonumber(oldest[2]) + win - now
  if retry < 0 then retry = 0 end
end

return {0, retry, 0, limit, retry}
`

// slidingWindowScript computes the SHA1 hash Redis expects for EVALSHA,
// avoiding a direct crypto/sha1 import in this package.
var slidingWindowScript = goredis.NewScript(slidingWindowLua)

// RedisStore keeps sliding windows in Redis so every gateway instance
// enforces one shared limit per client.
type RedisStore struct {
	client redis.Client
	logger *slog.Logger
	hash   string
	seq    atomic.Uint64
}

// NewRedisStore creates a Redis-backed sliding-window store.
func NewRedisStore(client redis.Client, logger *slog.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		logger: logger,
		hash:   slidingWindowScript.Hash(),
	}
}

// Take implements Store. Executes the window check atomically via EVALSHA,
// falling back to EVAL on NOSCRIPT to load the script.
func (s *RedisStore) Take(ctx context.Context, key string, limit int64, windowLen time.Duration) (*Result, error) {
	now := time.Now().UnixMicro()
	member := strconv.FormatInt(now, 10) + "-" + strconv.FormatUint(s.seq.Add(1), 10)

	args := []any{now, windowLen.Microseconds(), limit, member}

	cmd := s.client.EvalSha(ctx, s.hash, []string{key}, args...)
	if cmd.Err() != nil && redis.IsNoScriptErr(cmd.Err()) {
		s.logger.Debug("EVALSHA returned NOSCRIPT, falling back to EVAL", "key", key)
		cmd = s.client.Eval(ctx, slidingWindowLua, []string{key}, args...)
	}
	if cmd.Err() != nil {
		return nil, cmd.Err()
	}

	return parseScriptResult(cmd)
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// parseScriptResult parses the Lua {allowed, retry_after_micros, remaining,
// limit, reset_after_micros} response.
func parseScriptResult(cmd interface{ Slice() ([]any, error) }) (*Result, error) {
	arr, err := cmd.Slice()
	if err != nil {
		return nil, fmt.Errorf("reading script result: %w", err)
	}
	if len(arr) != 5 {
		return nil, fmt.Errorf("script returned %d elements, want 5", len(arr))
	}

	vals := make([]int64, 5)
	for i, v := range arr {
		n, err := toInt64(v)
		if err != nil {
			return nil, fmt.Errorf("parsing script result[%d]: %w", i, err)
		}
		vals[i] = n
	}

	return &Result{
		Allowed:    vals[0] == 1,
		RetryAfter: time.Duration(vals[1]) * time.Microsecond,
		Remaining:  vals[2],
		Limit:      vals[3],
		ResetAfter: time.Duration(vals[4]) * time.Microsecond,
	}, nil
}

// toInt64 converts a Redis response value to int64.
func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case float64:
		return int64(x), nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	default:
		return strconv.ParseInt(fmt.Sprint(v), 10, 64)
	}
}
