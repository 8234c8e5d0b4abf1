package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"marketchat-ws/internal/domain"
)

type RoomRepositoryImpl struct {
	db *gorm.DB
}

func NewRoomRepository(db *gorm.DB) domain.RoomRepository {
	return &RoomRepositoryImpl{db: db}
}

// CreateOrGet relies on the unique (customer_id, vendor_id) index, not
// application locking: when two first-contact requests race, one insert
// loses with a duplicate-key error and we re-read the winner's row.
func (r *RoomRepositoryImpl) CreateOrGet(ctx context.Context, customerID, vendorID uuid.UUID) (*domain.ChatRoom, error) {
	var room domain.ChatRoom

	err := r.db.WithContext(ctx).
		Where("customer_id = ? AND vendor_id = ?", customerID, vendorID).
		First(&room).Error
	if err == nil {
		return &room, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.NewTransientStoreError("room lookup failed", err)
	}

	room = domain.ChatRoom{
		ID:         uuid.New(),
		CustomerID: customerID,
		VendorID:   vendorID,
	}
	err = r.db.WithContext(ctx).Create(&room).Error
	if err == nil {
		return &room, nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		var existing domain.ChatRoom
		if err := r.db.WithContext(ctx).
			Where("customer_id = ? AND vendor_id = ?", customerID, vendorID).
			First(&existing).Error; err != nil {
			return nil, domain.NewTransientStoreError("room lookup after conflict failed", err)
		}
		return &existing, nil
	}
	return nil, domain.NewTransientStoreError("room create failed", err)
}

func (r *RoomRepositoryImpl) Get(ctx context.Context, id uuid.UUID) (*domain.ChatRoom, error) {
	var room domain.ChatRoom
	err := r.db.WithContext(ctx).First(&room, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.NewNotFoundError("room not found")
	}
	if err != nil {
		return nil, domain.NewTransientStoreError("room lookup failed", err)
	}
	return &room, nil
}
