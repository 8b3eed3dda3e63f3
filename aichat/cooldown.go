package aichat

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"math"
	"sync"
	"time"
)

const (
	CooldownBackendMemory = "memory"
	CooldownBackendRedis  = "redis"

	defaultCooldownShards = 32
)

var (
	ErrInvalidCooldownDuration = errors.New("cooldown duration must be greater than zero")
	ErrUnknownCooldownBackend  = errors.New("unknown cooldown backend")
)

// CooldownState is the result of checking a key against a [CooldownStore].
// The zero value means the key is idle.
type CooldownState struct {
	Active    bool          `json:"active"`
	Remaining time.Duration `json:"remaining"`
	ExpiresAt time.Time     `json:"expires_at"`
}

// RemainingSeconds returns the remaining wait, rounded up to whole seconds.
func (s CooldownState) RemainingSeconds() int {
	if !s.Active || s.Remaining <= 0 {
		return 0
	}
	return int(math.Ceil(s.Remaining.Seconds()))
}

func (s CooldownState) LogValue() slog.Value {
	if !s.Active {
		return slog.GroupValue(slog.Bool("active", false))
	}
	return slog.GroupValue(
		slog.Bool("active", true),
		slog.Duration("remaining", s.Remaining),
		slog.Time("expires_at", s.ExpiresAt),
	)
}

// CooldownStore tracks a single expiry per caller key.
//
// Check reports whether the key is inside its window, and drops an entry it
// finds expired. Arm starts a window only if no live entry exists for the
// key, returning false without changing anything otherwise. Remove deletes
// an entry outright, reporting whether a live one was present.
type CooldownStore interface {
	Check(ctx context.Context, key string) (CooldownState, error)
	Arm(ctx context.Context, key string, d time.Duration) (bool, error)
	Remove(ctx context.Context, key string) (bool, error)
}

// CooldownKeyPolicy decides which identifier buckets a caller's cooldown.
type CooldownKeyPolicy string

const (
	// CooldownKeyContext buckets by guild inside a guild, and by user
	// everywhere else. Everyone in a guild shares one window.
	CooldownKeyContext CooldownKeyPolicy = "context"

	// CooldownKeyUser always buckets by user.
	CooldownKeyUser CooldownKeyPolicy = "user"
)

// Key returns the cooldown key for a caller.
func (p CooldownKeyPolicy) Key(guildID string, userID string) string {
	if p == CooldownKeyUser || guildID == "" {
		return userID
	}
	return guildID
}

// MemoryCooldownStore is a process-local [CooldownStore]. Keys are spread
// over independently locked shards, so operations on different keys don't
// contend on a single mutex.
type MemoryCooldownStore struct {
	shards []*cooldownShard
	now    func() time.Time
}

type cooldownShard struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

// NewMemoryCooldownStore returns an empty [MemoryCooldownStore].
func NewMemoryCooldownStore() *MemoryCooldownStore {
	return newMemoryCooldownStore(defaultCooldownShards, time.Now)
}

func newMemoryCooldownStore(shardCount int, now func() time.Time) *MemoryCooldownStore {
	if shardCount < 1 {
		shardCount = 1
	}
	s := &MemoryCooldownStore{
		shards: make([]*cooldownShard, shardCount),
		now:    now,
	}
	for i := range s.shards {
		s.shards[i] = &cooldownShard{entries: map[string]time.Time{}}
	}
	return s
}

func (s *MemoryCooldownStore) shard(key string) *cooldownShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

func (s *MemoryCooldownStore) Check(_ context.Context, key string) (CooldownState, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	expiresAt, ok := sh.entries[key]
	if !ok {
		return CooldownState{}, nil
	}
	now := s.now()
	if !now.Before(expiresAt) {
		delete(sh.entries, key)
		return CooldownState{}, nil
	}
	return CooldownState{
		Active:    true,
		Remaining: expiresAt.Sub(now),
		ExpiresAt: expiresAt,
	}, nil
}

func (s *MemoryCooldownStore) Arm(_ context.Context, key string, d time.Duration) (bool, error) {
	if d <= 0 {
		return false, ErrInvalidCooldownDuration
	}
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := s.now()
	if expiresAt, ok := sh.entries[key]; ok && now.Before(expiresAt) {
		return false, nil
	}
	sh.entries[key] = now.Add(d)
	return true, nil
}

func (s *MemoryCooldownStore) Remove(_ context.Context, key string) (bool, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	expiresAt, ok := sh.entries[key]
	if !ok {
		return false, nil
	}
	delete(sh.entries, key)
	return s.now().Before(expiresAt), nil
}

// Len returns the number of stored entries, including expired entries
// that haven't been observed yet.
func (s *MemoryCooldownStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}
