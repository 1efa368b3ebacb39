// Package ratelimit implements the gateway's shared, store-backed limiter for message send/edit/delete traffic:
// two superimposed windows (a longer count/window pair and a short burst pair) per (user, operation class), with a
// penalty period once either is exceeded. It is backed by Redis/Valkey so the limit holds across horizontally
// scaled gateway instances rather than drifting per-instance.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Class distinguishes independently-limited operation groups. Edits and deletes share a single counter per spec.
type Class string

const (
	// ClassSend limits message:send traffic.
	ClassSend Class = "send"
	// ClassMutate limits message:edit and message:delete traffic (shared counter).
	ClassMutate Class = "mutate"
)

// Config holds the window/burst/penalty parameters for one operation class, sourced from internal/config.
type Config struct {
	WindowCount   int
	WindowSeconds int
	BurstCount    int
	BurstSeconds  int
	PenaltySeconds int
}

// Limiter enforces Config against a (userID, Class) pair using Redis-resident counters.
type Limiter struct {
	rdb     *redis.Client
	configs map[Class]Config
}

// New creates a Limiter. configs must have an entry for every Class the caller intends to check.
func New(rdb *redis.Client, configs map[Class]Config) *Limiter {
	return &Limiter{rdb: rdb, configs: configs}
}

// ErrUnknownClass is returned by Allow for a Class with no registered Config.
var ErrUnknownClass = errors.New("ratelimit: no config registered for class")

// checkScript evaluates both the burst window and the longer window, and the penalty state, in one round trip.
// Exceeding either window sets (or refreshes) the penalty key. While a penalty key is present, every request is
// rejected outright without touching the counters, so the penalty duration is exact rather than extended by
// continued traffic.
//
//	KEYS[1] = penalty:{class}:{userId}
//	KEYS[2] = window:{class}:{userId}
//	KEYS[3] = burst:{class}:{userId}
//	ARGV[1] = window seconds
//	ARGV[2] = window count limit
//	ARGV[3] = burst seconds
//	ARGV[4] = burst count limit
//	ARGV[5] = penalty seconds
//
// Returns {allowed(0/1), retryAfterSeconds}.
var checkScript = redis.NewScript(`
local penaltyTTL = redis.call('TTL', KEYS[1])
if penaltyTTL and penaltyTTL > 0 then
    return {0, penaltyTTL}
end

local windowCount = redis.call('INCR', KEYS[2])
if windowCount == 1 then
    redis.call('EXPIRE', KEYS[2], tonumber(ARGV[1]))
end

local burstCount = redis.call('INCR', KEYS[3])
if burstCount == 1 then
    redis.call('EXPIRE', KEYS[3], tonumber(ARGV[3]))
end

if windowCount > tonumber(ARGV[2]) or burstCount > tonumber(ARGV[4]) then
    local penalty = tonumber(ARGV[5])
    redis.call('SET', KEYS[1], 1, 'EX', penalty)
    return {0, penalty}
end

return {1, 0}
`)

// Allow checks whether a request of the given class from userID is permitted right now, incrementing the relevant
// counters as a side effect. retryAfter is populated (>0) whenever allowed is false.
func (l *Limiter) Allow(ctx context.Context, userID uuid.UUID, class Class) (allowed bool, retryAfter time.Duration, err error) {
	cfg, ok := l.configs[class]
	if !ok {
		return false, 0, fmt.Errorf("%w: %s", ErrUnknownClass, class)
	}

	result, err := checkScript.Run(ctx, l.rdb,
		[]string{penaltyKey(class, userID), windowKey(class, userID), burstKey(class, userID)},
		cfg.WindowSeconds, cfg.WindowCount, cfg.BurstSeconds, cfg.BurstCount, cfg.PenaltySeconds,
	).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("check rate limit for %s/%s: %w", userID, class, err)
	}
	if len(result) != 2 {
		return false, 0, fmt.Errorf("unexpected rate limit script result shape: %v", result)
	}

	allowedInt, _ := result[0].(int64)
	retrySeconds, _ := result[1].(int64)
	return allowedInt == 1, time.Duration(retrySeconds) * time.Second, nil
}

func penaltyKey(class Class, userID uuid.UUID) string {
	return "ratelimit:penalty:" + string(class) + ":" + userID.String()
}

func windowKey(class Class, userID uuid.UUID) string {
	return "ratelimit:window:" + string(class) + ":" + userID.String()
}

func burstKey(class Class, userID uuid.UUID) string {
	return "ratelimit:burst:" + string(class) + ":" + userID.String()
}
