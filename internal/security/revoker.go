package security

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	RevocationNone   = "none"
	RevocationMemory = "memory"
	RevocationRedis  = "redis"

	revokedKeyPrefix = "portal:revoked:"
)

// Revoker remembers logged-out token ids until their natural expiry.
type Revoker interface {
	Revoke(ctx context.Context, tokenID string, until time.Time) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// MemoryRevoker keeps revocations in process memory. Entries are lost on
// restart and are not shared between replicas.
type MemoryRevoker struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

func NewMemoryRevoker() *MemoryRevoker {
	return &MemoryRevoker{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (r *MemoryRevoker) Revoke(_ context.Context, tokenID string, until time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for id, exp := range r.entries {
		if !now.Before(exp) {
			delete(r.entries, id)
		}
	}
	if now.Before(until) {
		r.entries[tokenID] = until
	}
	return nil
}

func (r *MemoryRevoker) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	exp, ok := r.entries[tokenID]
	if !ok {
		return false, nil
	}
	if !r.now().Before(exp) {
		delete(r.entries, tokenID)
		return false, nil
	}
	return true, nil
}

// RedisRevoker stores one key per revoked token with a TTL matching the
// token's remaining lifetime.
type RedisRevoker struct {
	client redis.UniversalClient
	now    func() time.Time
}

func NewRedisRevoker(client redis.UniversalClient) *RedisRevoker {
	return &RedisRevoker{client: client, now: time.Now}
}

// NewRedisRevokerFromURL parses a redis:// URL, e.g. redis://127.0.0.1:6379/0.
func NewRedisRevokerFromURL(url string) (*RedisRevoker, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisRevoker(redis.NewClient(opt)), nil
}

func (r *RedisRevoker) Revoke(ctx context.Context, tokenID string, until time.Time) error {
	ttl := until.Sub(r.now())
	if ttl <= 0 {
		return nil
	}
	if err := r.client.Set(ctx, revokedKeyPrefix+tokenID, 1, ttl).Err(); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

func (r *RedisRevoker) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	err := r.client.Get(ctx, revokedKeyPrefix+tokenID).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check revoked session: %w", err)
	}
	return true, nil
}

func (r *RedisRevoker) Close() error {
	return r.client.Close()
}

// NewRevoker builds the revoker for backend. "none" returns a nil Revoker,
// which leaves logout purely client-side.
func NewRevoker(backend, redisURL string) (Revoker, error) {
	switch backend {
	case RevocationNone:
		return nil, nil
	case "", RevocationMemory:
		return NewMemoryRevoker(), nil
	case RevocationRedis:
		if redisURL == "" {
			return nil, errors.New("redis revocation requires a redis url")
		}
		r, err := NewRedisRevokerFromURL(redisURL)
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unknown revocation backend %q", backend)
	}
}
