package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// EventsChannel is the pub/sub channel realtime events travel on between
// server instances.
const EventsChannel = "aixin:events"

const presenceKey = "presence:agents"

// RedisStore handles Redis operations: cross-instance event fan-out,
// presence, and per-agent send limits. The HTTP rate limiter uses Client
// directly.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis store.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

// Client exposes the underlying client.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Publish sends an encoded event to every instance.
func (s *RedisStore) Publish(ctx context.Context, payload []byte) error {
	return s.client.Publish(ctx, EventsChannel, payload).Err()
}

// Subscribe listens on the events channel. The caller closes the returned
// subscription.
func (s *RedisStore) Subscribe(ctx context.Context) *redis.PubSub {
	return s.client.Subscribe(ctx, EventsChannel)
}

// MarkOnline records that axID holds a live connection.
func (s *RedisStore) MarkOnline(ctx context.Context, axID string) error {
	return s.client.ZAdd(ctx, presenceKey, redis.Z{
		Score:  float64(time.Now().UnixMilli()),
		Member: axID,
	}).Err()
}

// MarkOffline removes axID from the presence set.
func (s *RedisStore) MarkOffline(ctx context.Context, axID string) error {
	return s.client.ZRem(ctx, presenceKey, axID).Err()
}

// OnlineCount counts agents seen within window, pruning older entries.
func (s *RedisStore) OnlineCount(ctx context.Context, window time.Duration) (int64, error) {
	cutoff := time.Now().Add(-window).UnixMilli()
	pipe := s.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, presenceKey, "-inf", fmt.Sprintf("(%d", cutoff))
	count := pipe.ZCard(ctx, presenceKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return count.Val(), nil
}

// sendLimitKey returns the key for an agent's send counter.
func sendLimitKey(axID string) string {
	return fmt.Sprintf("sendlimit:%s", axID)
}

// TakeSend counts one message against axID's budget for the current
// window and reports whether it fits within limit. The increment and the
// first expiry run in one MULTI/EXEC, so concurrent senders can never
// overshoot limit. Refused attempts still count.
func (s *RedisStore) TakeSend(ctx context.Context, axID string, limit int, window time.Duration) (bool, error) {
	key := sendLimitKey(axID)

	var incr *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, window)
		return nil
	})
	if err != nil {
		return false, err
	}
	return incr.Val() <= int64(limit), nil
}
