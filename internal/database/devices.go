package database

import (
	"context"

	"entitlement-api/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DeviceRepo stores push tokens.
type DeviceRepo struct {
	db *gorm.DB
}

func NewDeviceRepo(db *gorm.DB) *DeviceRepo {
	return &DeviceRepo{db: db}
}

// Upsert registers a token. A token moves to the latest user that registers it.
func (r *DeviceRepo) Upsert(ctx context.Context, device *models.DeviceToken) error {
	return Conn(ctx, r.db).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "token"}},
			DoUpdates: clause.AssignmentColumns([]string{"user_id", "platform", "updated_at"}),
		}).
		Create(device).Error
}

// ListByUser returns the tokens registered for userID.
func (r *DeviceRepo) ListByUser(ctx context.Context, userID string) ([]models.DeviceToken, error) {
	var devices []models.DeviceToken
	err := Conn(ctx, r.db).
		Where("user_id = ?", userID).
		Order("id ASC").
		Find(&devices).Error
	return devices, err
}

// Delete removes token for userID. It reports whether a row was removed.
func (r *DeviceRepo) Delete(ctx context.Context, userID, token string) (bool, error) {
	result := Conn(ctx, r.db).
		Where("user_id = ? AND token = ?", userID, token).
		Delete(&models.DeviceToken{})
	return result.RowsAffected > 0, result.Error
}

// DeleteTokens removes tokens regardless of owner.
func (r *DeviceRepo) DeleteTokens(ctx context.Context, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}
	return Conn(ctx, r.db).
		Where("token IN ?", tokens).
		Delete(&models.DeviceToken{}).Error
}
