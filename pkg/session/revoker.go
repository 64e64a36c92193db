package session

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Revoker tracks revoked token ids and per-user revocation cutoffs.
type Revoker interface {
	Revoke(ctx context.Context, jti string, ttl time.Duration) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
	RevokeUser(ctx context.Context, userID string, cutoff time.Time) error
	RevokedAfter(ctx context.Context, userID string) (time.Time, error)
}

// MemoryRevoker keeps revocations in-process (single instance only).
type MemoryRevoker struct {
	mu      sync.Mutex
	tokens  map[string]time.Time
	cutoffs map[string]time.Time
	now     func() time.Time
}

func NewMemoryRevoker() *MemoryRevoker {
	return &MemoryRevoker{
		tokens:  make(map[string]time.Time),
		cutoffs: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (r *MemoryRevoker) Revoke(_ context.Context, jti string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	r.mu.Lock()
	r.tokens[jti] = r.now().Add(ttl)
	r.mu.Unlock()
	return nil
}

func (r *MemoryRevoker) IsRevoked(_ context.Context, jti string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	expiry, ok := r.tokens[jti]
	if !ok {
		return false, nil
	}
	if r.now().After(expiry) {
		delete(r.tokens, jti)
		return false, nil
	}
	return true, nil
}

// RevokeUser only ever moves a user's cutoff forward.
func (r *MemoryRevoker) RevokeUser(_ context.Context, userID string, cutoff time.Time) error {
	cutoff = cutoff.UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.cutoffs[userID]; ok && !cutoff.After(cur) {
		return nil
	}
	r.cutoffs[userID] = cutoff
	return nil
}

func (r *MemoryRevoker) RevokedAfter(_ context.Context, userID string) (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cutoffs[userID], nil
}

var raiseCutoffScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if (not current) or tonumber(ARGV[1]) > tonumber(current) then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
end
return 1
`)

// RedisRevoker shares revocations between the auth and book services.
type RedisRevoker struct {
	client    *redis.Client
	prefix    string
	cutoffTTL time.Duration
}

// NewRedisRevoker builds a Redis-backed revoker. cutoffTTL should be at least
// the session TTL so a user cutoff outlives every token it covers.
func NewRedisRevoker(client *redis.Client, prefix string, cutoffTTL time.Duration) *RedisRevoker {
	if prefix == "" {
		prefix = "session:"
	}
	if cutoffTTL <= 0 {
		cutoffTTL = 24 * time.Hour
	}
	return &RedisRevoker{client: client, prefix: prefix, cutoffTTL: cutoffTTL}
}

func (r *RedisRevoker) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return r.client.Set(ctx, r.prefix+"revoked:"+jti, "1", ttl).Err()
}

func (r *RedisRevoker) IsRevoked(ctx context.Context, jti string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	n, err := r.client.Exists(ctx, r.prefix+"revoked:"+jti).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *RedisRevoker) RevokeUser(ctx context.Context, userID string, cutoff time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return raiseCutoffScript.Run(ctx, r.client,
		[]string{r.prefix + "user_cutoff:" + userID},
		cutoff.UTC().UnixMilli(),
		r.cutoffTTL.Milliseconds(),
	).Err()
}

func (r *RedisRevoker) RevokedAfter(ctx context.Context, userID string) (time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	raw, err := r.client.Get(ctx, r.prefix+"user_cutoff:"+userID).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}
