package api

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nexuspro/canvas/internal/slogging"
)

// ActionClass partitions inbound messages into independently limited quotas
type ActionClass string

const (
	// ActionClassMutation covers add_element, update_element, delete_element
	ActionClassMutation ActionClass = "mutation"
	// ActionClassPresence covers cursor_move
	ActionClassPresence ActionClass = "presence"
	// ActionClassAI covers voice_command and ai_request
	ActionClassAI ActionClass = "ai"
)

// RateQuota is the limit for one action class
type RateQuota struct {
	Limit         int
	WindowSeconds int
}

// RateLimiter provides sliding window rate limiting keyed by
// (connection, action class) using Redis sorted sets. Expired window entries
// are pruned lazily on each check. The limiter is the only state shared
// across concurrent sessions; Redis serializes the increments.
type RateLimiter struct {
	redisClient *redis.Client
	quotas      map[ActionClass]RateQuota
}

// NewRateLimiter creates a rate limiter with the given per-class quotas.
// A nil Redis client degrades open: every check is allowed with a warning,
// so an unavailable collaborator never refuses edits.
func NewRateLimiter(redisClient *redis.Client, quotas map[ActionClass]RateQuota) *RateLimiter {
	return &RateLimiter{
		redisClient: redisClient,
		quotas:      quotas,
	}
}

// Allow checks and records one action for the given connection and class.
// Returns allowed (bool), retryAfter (seconds), and error.
func (r *RateLimiter) Allow(ctx context.Context, connID string, class ActionClass) (bool, int, error) {
	logger := slogging.Get()

	if r.redisClient == nil {
		logger.Warn("Redis not available, skipping rate limit check for class %s", class)
		return true, 0, nil
	}

	quota, ok := r.quotas[class]
	if !ok || quota.Limit <= 0 {
		return true, 0, nil
	}

	key := fmt.Sprintf("canvas:ratelimit:%s:%s", class, connID)
	allowed, retryAfter, err := r.checkSlidingWindow(ctx, key, quota.Limit, quota.WindowSeconds)
	if err != nil {
		logger.Error("failed to check rate limit for %s/%s: %v", connID, class, err)
		// Degrade open on Redis errors rather than refusing edits
		return true, 0, nil
	}

	return allowed, retryAfter, nil
}

// checkSlidingWindow counts actions over the window using a sorted set
// keyed by unix-second score. Rejected actions are not recorded, so a
// client pinned at the limit recovers as soon as the oldest entry ages
// out.
func (r *RateLimiter) checkSlidingWindow(ctx context.Context, key string, limit int, windowSeconds int) (bool, int, error) {
	now := time.Now().Unix()
	windowStart := now - int64(windowSeconds)

	pipe := r.redisClient.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", windowStart))
	countCmd := pipe.ZCount(ctx, key, fmt.Sprintf("%d", windowStart), "+inf")
	// Oldest surviving entry determines retry_after when over the limit
	oldestCmd := pipe.ZRangeWithScores(ctx, key, 0, 0)
	pipe.Expire(ctx, key, time.Duration(windowSeconds+60)*time.Second)

	_, err := pipe.Exec(ctx)
	if err != nil {
		return false, 0, err
	}

	if countCmd.Val() >= int64(limit) {
		retryAfter := windowSeconds
		if oldest := oldestCmd.Val(); len(oldest) > 0 {
			oldestTime := int64(oldest[0].Score)
			retryAfter = int(oldestTime + int64(windowSeconds) - now)
			if retryAfter < 0 {
				retryAfter = 1
			}
		}
		return false, retryAfter, nil
	}

	err = r.redisClient.ZAdd(ctx, key, redis.Z{
		Score:  float64(now),
		Member: fmt.Sprintf("%d:%d", now, time.Now().UnixNano()),
	}).Err()
	if err != nil {
		return false, 0, err
	}
	return true, 0, nil
}

// GetRateLimitInfo returns remaining count and reset timestamp for a
// (connection, class) pair without recording an action.
func (r *RateLimiter) GetRateLimitInfo(ctx context.Context, connID string, class ActionClass) (int, int64, error) {
	quota, ok := r.quotas[class]
	if !ok {
		return 0, 0, fmt.Errorf("unknown action class: %s", class)
	}

	now := time.Now().Unix()
	if r.redisClient == nil {
		return quota.Limit, now + int64(quota.WindowSeconds), nil
	}

	windowStart := now - int64(quota.WindowSeconds)
	key := fmt.Sprintf("canvas:ratelimit:%s:%s", class, connID)

	count, err := r.redisClient.ZCount(ctx, key, fmt.Sprintf("%d", windowStart), "+inf").Result()
	if err != nil {
		return quota.Limit, now + int64(quota.WindowSeconds), err
	}

	remaining := quota.Limit - int(count)
	if remaining < 0 {
		remaining = 0
	}

	oldestScore, err := r.redisClient.ZRangeWithScores(ctx, key, 0, 0).Result()
	resetAt := now + int64(quota.WindowSeconds)
	if err == nil && len(oldestScore) > 0 {
		resetAt = int64(oldestScore[0].Score) + int64(quota.WindowSeconds)
	}

	return remaining, resetAt, nil
}

// ClassForMessage maps an inbound message type to its action class.
// Returns false for messages that are not rate limited (join).
func ClassForMessage(t MessageType) (ActionClass, bool) {
	switch t {
	case MessageTypeAddElement, MessageTypeUpdateElement, MessageTypeDeleteElement:
		return ActionClassMutation, true
	case MessageTypeCursorMove:
		return ActionClassPresence, true
	case MessageTypeVoiceCommand, MessageTypeAIRequest:
		return ActionClassAI, true
	}
	return "", false
}
