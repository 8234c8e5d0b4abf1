package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"marketchat-ws/internal/domain"
)

const defaultHistoryLimit = 50

type MessageRepositoryImpl struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) domain.MessageRepository {
	return &MessageRepositoryImpl{db: db}
}

// Save persists the message with a store-assigned timestamp. Concurrent
// sends to one room are ordered by arrival here, never by client clocks.
func (r *MessageRepositoryImpl) Save(ctx context.Context, roomID, senderID uuid.UUID, content string) (*domain.ChatMessage, error) {
	msg := domain.ChatMessage{
		ID:         uuid.New(),
		ChatRoomID: roomID,
		SenderID:   senderID,
		Content:    content,
	}
	if err := r.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return nil, domain.NewTransientStoreError("message save failed", err)
	}
	return &msg, nil
}

// MarkRead flips is_read up to and including the given message, only for
// messages the reader did not send. is_read never reverts.
func (r *MessageRepositoryImpl) MarkRead(ctx context.Context, roomID, uptoMessageID, readerID uuid.UUID) (int64, error) {
	cutoff := r.db.Model(&domain.ChatMessage{}).
		Select("created_at").
		Where("id = ?", uptoMessageID)

	res := r.db.WithContext(ctx).Model(&domain.ChatMessage{}).
		Where("chat_room_id = ?", roomID).
		Where("sender_id <> ?", readerID).
		Where("is_read = ?", false).
		Where("created_at <= (?)", cutoff).
		Update("is_read", true)
	if res.Error != nil {
		return 0, domain.NewTransientStoreError("mark read failed", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *MessageRepositoryImpl) Latest(ctx context.Context, roomID uuid.UUID) (*domain.ChatMessage, error) {
	var msg domain.ChatMessage
	err := r.db.WithContext(ctx).
		Where("chat_room_id = ?", roomID).
		Order("created_at DESC").
		First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.NewTransientStoreError("latest message lookup failed", err)
	}
	return &msg, nil
}

// History returns messages newest-first, strictly older than before when
// given. Pagination rides the (chat_room_id, created_at) index.
func (r *MessageRepositoryImpl) History(ctx context.Context, roomID uuid.UUID, before time.Time, limit int) ([]domain.ChatMessage, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	query := r.db.WithContext(ctx).
		Where("chat_room_id = ?", roomID).
		Order("created_at DESC").
		Limit(limit)
	if !before.IsZero() {
		query = query.Where("created_at < ?", before)
	}

	var messages []domain.ChatMessage
	if err := query.Find(&messages).Error; err != nil {
		return nil, domain.NewTransientStoreError("history lookup failed", err)
	}
	return messages, nil
}
