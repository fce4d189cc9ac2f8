package repository

import (
	"context"
	"errors"

	"carpool_message_service/internal/messaging/domain"

	"gorm.io/gorm"
)

// RideRepository ride/booking 領域的窄契約：只讀摘要，
// 供 ride-linked conversation 顯示行程卡片用
type RideRepository interface {
	FindRideSummary(ctx context.Context, rideID string) (*domain.RideSummary, error)
}

type gormRideRepository struct {
	db *gorm.DB
}

// NewGormRideRepository create a RideRepository
func NewGormRideRepository(db *gorm.DB) RideRepository {
	return &gormRideRepository{db: db}
}

func (r *gormRideRepository) FindRideSummary(ctx context.Context, rideID string) (*domain.RideSummary, error) {
	var ride domain.RideSummary
	err := r.db.WithContext(ctx).First(&ride, "id = ?", rideID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ride, nil
}
