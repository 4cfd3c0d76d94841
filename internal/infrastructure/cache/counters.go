package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	quotaPrefix    = "governance:quota:"
	cooldownPrefix = "governance:cooldown:"
)

// RedisCounterStore implements quota counting with a sliding window backed
// by Redis sorted sets. Each occurrence is a set member scored by its
// timestamp, so counting within any window is a range query.
type RedisCounterStore struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedisCounterStore(client *redis.Client, logger *zap.Logger) *RedisCounterStore {
	return &RedisCounterStore{client: client, logger: logger}
}

func (s *RedisCounterStore) Increment(ctx context.Context, key string, window time.Duration) (int, error) {
	now := time.Now()
	windowStart := now.Add(-window)
	counterKey := quotaPrefix + key

	member := fmt.Sprintf("%d-%d", now.UnixNano(), now.Nanosecond()%1000)

	pipe := s.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, counterKey, "-inf", strconv.FormatInt(windowStart.UnixNano(), 10))
	pipe.ZAdd(ctx, counterKey, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: member,
	})
	countCmd := pipe.ZCard(ctx, counterKey)
	pipe.Expire(ctx, counterKey, window+time.Minute)

	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Error("quota counter pipeline failed",
			zap.String("key", key),
			zap.Duration("window", window),
			zap.Error(err))
		return 0, fmt.Errorf("quota counter pipeline failed: %w", err)
	}

	return int(countCmd.Val()), nil
}

func (s *RedisCounterStore) Count(ctx context.Context, key string, window time.Duration) (int, error) {
	now := time.Now()
	windowStart := now.Add(-window)
	counterKey := quotaPrefix + key

	count, err := s.client.ZCount(ctx, counterKey,
		strconv.FormatInt(windowStart.UnixNano(), 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("quota counter lookup failed: %w", err)
	}
	return int(count), nil
}

// RedisCooldownStore remembers rule violations per user so repeat attempts
// inside a rule's cooldown window stay blocked across engine restarts.
type RedisCooldownStore struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedisCooldownStore(client *redis.Client, logger *zap.Logger) *RedisCooldownStore {
	return &RedisCooldownStore{client: client, logger: logger}
}

func cooldownKey(userID, ruleID string) string {
	return cooldownPrefix + userID + ":" + ruleID
}

func (s *RedisCooldownStore) InCooldown(ctx context.Context, userID uuid.UUID, ruleID string, window time.Duration) (bool, error) {
	val, err := s.client.Get(ctx, cooldownKey(userID.String(), ruleID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cooldown lookup failed: %w", err)
	}

	markedAt, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		// Unparseable entries are treated as active so a corrupt key never
		// lifts a cooldown early.
		s.logger.Warn("corrupt cooldown entry",
			zap.String("user_id", userID.String()),
			zap.String("rule_id", ruleID))
		return true, nil
	}

	return time.Since(time.Unix(0, markedAt)) < window, nil
}

func (s *RedisCooldownStore) MarkViolation(ctx context.Context, userID uuid.UUID, ruleID string, window time.Duration) error {
	err := s.client.Set(ctx, cooldownKey(userID.String(), ruleID),
		strconv.FormatInt(time.Now().UnixNano(), 10), window).Err()
	if err != nil {
		return fmt.Errorf("cooldown write failed: %w", err)
	}
	return nil
}
