package database

import (
	"context"
	"time"

	"entitlement-api/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// IdempotencyRepo stores durable processed marks.
type IdempotencyRepo struct {
	db *gorm.DB
}

func NewIdempotencyRepo(db *gorm.DB) *IdempotencyRepo {
	return &IdempotencyRepo{db: db}
}

// Exists reports whether notificationID has a processed mark.
func (r *IdempotencyRepo) Exists(ctx context.Context, notificationID string) (bool, error) {
	var count int64
	err := Conn(ctx, r.db).
		Model(&models.IdempotencyMark{}).
		Where("notification_id = ?", notificationID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Insert writes mark unless one exists. It reports false when the mark was
// already present.
func (r *IdempotencyRepo) Insert(ctx context.Context, mark *models.IdempotencyMark) (bool, error) {
	result := Conn(ctx, r.db).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "notification_id"}},
			DoNothing: true,
		}).
		Create(mark)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// PruneBefore deletes marks processed before cutoff.
func (r *IdempotencyRepo) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := Conn(ctx, r.db).
		Where("processed_at < ?", cutoff.UTC()).
		Delete(&models.IdempotencyMark{})
	return result.RowsAffected, result.Error
}
