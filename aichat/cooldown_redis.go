package aichat

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisCooldownStore is a [CooldownStore] shared by every bot instance
// pointed at the same Redis database. Expiry is delegated to Redis key TTLs.
type RedisCooldownStore struct {
	client *redis.Client
	prefix string
}

// NewRedisCooldownStore connects to the Redis server described by config.
func NewRedisCooldownStore(config RedisConfig) *RedisCooldownStore {
	client := redis.NewClient(
		&redis.Options{
			Addr:     config.Addr,
			Password: config.Password,
			DB:       config.DB,
		},
	)
	return &RedisCooldownStore{client: client, prefix: config.KeyPrefix}
}

func (s *RedisCooldownStore) key(key string) string {
	return s.prefix + key
}

// Ping checks connectivity to the Redis server.
func (s *RedisCooldownStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("error pinging redis: %w", err)
	}
	return nil
}

func (s *RedisCooldownStore) Check(ctx context.Context, key string) (CooldownState, error) {
	k := s.key(key)
	ttl, err := s.client.PTTL(ctx, k).Result()
	if err != nil {
		return CooldownState{}, fmt.Errorf("error checking cooldown: %w", err)
	}

	// -2: no such key, -1: key without an expiry. Every key this store
	// writes carries a TTL, so the latter is an inert leftover.
	if ttl == -1 {
		if err = s.client.Del(ctx, k).Err(); err != nil {
			return CooldownState{}, fmt.Errorf("error removing stale cooldown: %w", err)
		}
		return CooldownState{}, nil
	}
	if ttl <= 0 {
		return CooldownState{}, nil
	}
	return CooldownState{
		Active:    true,
		Remaining: ttl,
		ExpiresAt: time.Now().Add(ttl),
	}, nil
}

func (s *RedisCooldownStore) Arm(ctx context.Context, key string, d time.Duration) (bool, error) {
	if d <= 0 {
		return false, ErrInvalidCooldownDuration
	}
	armed, err := s.client.SetNX(
		ctx,
		s.key(key),
		time.Now().Add(d).UnixMilli(),
		d,
	).Result()
	if err != nil {
		return false, fmt.Errorf("error arming cooldown: %w", err)
	}
	return armed, nil
}

func (s *RedisCooldownStore) Remove(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Del(ctx, s.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("error removing cooldown: %w", err)
	}
	return n > 0, nil
}

func (s *RedisCooldownStore) Close() error {
	return s.client.Close()
}
