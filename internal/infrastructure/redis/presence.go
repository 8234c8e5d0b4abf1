package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"marketchat-ws/internal/domain"
)

// PresenceStore is the Redis-backed user -> locator registry. Per-key
// SET/GET/DEL gives the required atomicity; no cross-key transactions.
// Entries carry a TTL lease refreshed by the owning gateway so a crashed
// instance's entries expire instead of reporting stale "online" forever.
type PresenceStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewPresenceStore(rc *RedisClient, ttl time.Duration) *PresenceStore {
	return &PresenceStore{client: rc.client, ttl: ttl}
}

func presenceKey(userID uuid.UUID) string {
	return fmt.Sprintf("presence:user:%s", userID)
}

func (p *PresenceStore) Set(ctx context.Context, userID uuid.UUID, loc domain.Locator) error {
	data, err := json.Marshal(loc)
	if err != nil {
		return err
	}
	// Last-connect-wins: an existing entry is simply overwritten.
	return p.client.Set(ctx, presenceKey(userID), data, p.ttl).Err()
}

func (p *PresenceStore) Refresh(ctx context.Context, userID uuid.UUID) error {
	return p.client.Expire(ctx, presenceKey(userID), p.ttl).Err()
}

func (p *PresenceStore) Delete(ctx context.Context, userID uuid.UUID) error {
	return p.client.Del(ctx, presenceKey(userID)).Err()
}

func (p *PresenceStore) Get(ctx context.Context, userID uuid.UUID) (*domain.Locator, error) {
	data, err := p.client.Get(ctx, presenceKey(userID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, domain.NewTransientStoreError("presence lookup failed", err)
	}

	var loc domain.Locator
	if err := json.Unmarshal([]byte(data), &loc); err != nil {
		return nil, err
	}
	return &loc, nil
}
