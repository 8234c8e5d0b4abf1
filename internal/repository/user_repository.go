package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"marketchat-ws/internal/domain"
)

type UserRepositoryImpl struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) domain.UserDirectory {
	return &UserRepositoryImpl{db: db}
}

// PushTokenOf returns the registered device token, or empty when none is
// on file. A missing user counts as "no token": the message stays
// persisted and no delivery attempt is made.
func (r *UserRepositoryImpl) PushTokenOf(ctx context.Context, userID uuid.UUID) (string, error) {
	var user domain.User
	err := r.db.WithContext(ctx).
		Select("push_token").
		First(&user, "id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", domain.NewTransientStoreError("push token lookup failed", err)
	}
	return user.PushToken, nil
}
