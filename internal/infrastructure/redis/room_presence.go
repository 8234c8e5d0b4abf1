package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"marketchat-ws/internal/domain"
)

// RoomPresence tracks which users currently have a room open, shared by
// every gateway instance through one hash per room. This is what the
// notification router consults, not the global presence registry: a user
// can be online somewhere without viewing this room.
type RoomPresence struct {
	client *RedisClient
}

func NewRoomPresence(rc *RedisClient) *RoomPresence {
	return &RoomPresence{client: rc}
}

func roomMembersKey(roomID uuid.UUID) string {
	return fmt.Sprintf("room:%s:members", roomID)
}

func (r *RoomPresence) Add(ctx context.Context, roomID, userID uuid.UUID, role string) error {
	member := domain.RoomMember{
		Role:     role,
		JoinedAt: time.Now(),
	}
	data, err := json.Marshal(member)
	if err != nil {
		return err
	}
	return r.client.client.HSet(ctx, roomMembersKey(roomID), userID.String(), data).Err()
}

func (r *RoomPresence) Remove(ctx context.Context, roomID, userID uuid.UUID) error {
	return r.client.client.HDel(ctx, roomMembersKey(roomID), userID.String()).Err()
}

func (r *RoomPresence) IsMember(ctx context.Context, roomID, userID uuid.UUID) (bool, error) {
	ok, err := r.client.client.HExists(ctx, roomMembersKey(roomID), userID.String()).Result()
	if err != nil {
		return false, domain.NewTransientStoreError("room membership lookup failed", err)
	}
	return ok, nil
}

func (r *RoomPresence) Members(ctx context.Context, roomID uuid.UUID) (map[string]domain.RoomMember, error) {
	entries, err := r.client.client.HGetAll(ctx, roomMembersKey(roomID)).Result()
	if err != nil {
		return nil, domain.NewTransientStoreError("room members lookup failed", err)
	}

	result := make(map[string]domain.RoomMember, len(entries))
	for userID, raw := range entries {
		var member domain.RoomMember
		if err := json.Unmarshal([]byte(raw), &member); err != nil {
			continue
		}
		result[userID] = member
	}
	return result, nil
}
