package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// SendWindowConfig defines the provider-facing throughput cap.
type SendWindowConfig struct {
	Limit  int           // Maximum sends allowed per window
	Window time.Duration // Length of the sliding window
}

// SendWindowResult contains the result of a send-window reservation.
type SendWindowResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// SendWindow enforces a sliding-window cap on outbound sends across all
// dispatcher instances. The scheduler already spaces emails out, but this
// is the hard backstop against bursts (retries landing on top of fresh
// due emails, multiple dispatchers, clock drift).
type SendWindow struct {
	client *Client
	logger *zap.Logger
	config SendWindowConfig
}

// NewSendWindow creates a send-window limiter with the given configuration.
func NewSendWindow(client *Client, logger *zap.Logger, config SendWindowConfig) *SendWindow {
	return &SendWindow{
		client: client,
		logger: logger,
		config: config,
	}
}

// reserveScript trims expired entries, counts, and records the send in one
// atomic step. Splitting check and add across round trips would let
// concurrent dispatchers all observe a free slot before any of them takes
// it, so the whole reservation runs server-side.
var reserveScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], 0, ARGV[1])
local count = redis.call('ZCARD', KEYS[1])
if count >= tonumber(ARGV[2]) then
	return {0, count}
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return {1, count + 1}
`)

// Reserve attempts to claim one send slot in the current window.
// Uses a sliding window over a Redis sorted set so a burst at the edge of
// one window cannot double up with the start of the next.
func (s *SendWindow) Reserve(ctx context.Context, key string) (*SendWindowResult, error) {
	now := time.Now()
	windowStart := now.Add(-s.config.Window)
	resetAt := now.Add(s.config.Window)

	redisKey := fmt.Sprintf("sendwindow:%s", key)

	// The random suffix keeps two reservations in the same nanosecond from
	// collapsing into one sorted-set member.
	member := fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString()[:8])

	res, err := reserveScript.Run(ctx, s.client.rdb, []string{redisKey},
		windowStart.UnixNano(),
		s.config.Limit,
		now.UnixNano(),
		member,
		(s.config.Window + time.Second).Milliseconds(),
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("send window script failed: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("send window script returned %d values", len(res))
	}

	allowed := res[0] == 1
	currentCount := int(res[1])

	if !allowed {
		s.logger.Debug("send window exhausted",
			zap.String("key", key),
			zap.Int("current", currentCount),
			zap.Int("limit", s.config.Limit),
		)
		return &SendWindowResult{
			Allowed:   false,
			Remaining: 0,
			ResetAt:   resetAt,
		}, nil
	}

	return &SendWindowResult{
		Allowed:   true,
		Remaining: s.config.Limit - currentCount,
		ResetAt:   resetAt,
	}, nil
}

// Release returns a previously reserved slot, used when a send was never
// attempted (for example the email turned out to be cancelled after claim).
func (s *SendWindow) Release(ctx context.Context, key string) error {
	redisKey := fmt.Sprintf("sendwindow:%s", key)

	// Drop the most recent member. Slight imprecision under concurrency is
	// acceptable: the limiter is a backstop, not an accounting ledger.
	vals, err := s.client.rdb.ZRevRangeByScore(ctx, redisKey, &redis.ZRangeBy{
		Min: "-inf", Max: "+inf", Count: 1,
	}).Result()
	if err != nil {
		return fmt.Errorf("redis zrevrange failed: %w", err)
	}
	if len(vals) == 0 {
		return nil
	}
	if err := s.client.rdb.ZRem(ctx, redisKey, vals[0]).Err(); err != nil {
		return fmt.Errorf("redis zrem failed: %w", err)
	}
	return nil
}
