package database

import (
	"context"
	"errors"

	"entitlement-api/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("record not found")

// EntitlementRepo persists entitlement records. Every method joins the
// transaction carried by ctx, if any.
type EntitlementRepo struct {
	db *gorm.DB
}

func NewEntitlementRepo(db *gorm.DB) *EntitlementRepo {
	return &EntitlementRepo{db: db}
}

// Get returns the record for (userID, productID) or ErrNotFound.
func (r *EntitlementRepo) Get(ctx context.Context, userID, productID string) (*models.EntitlementRecord, error) {
	var record models.EntitlementRecord
	err := Conn(ctx, r.db).
		Where("user_id = ? AND product_id = ?", userID, productID).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &record, nil
}

// GetForUpdate is Get with a row lock held until the surrounding transaction
// ends. SQLite has no row locks; its single connection serializes writers.
func (r *EntitlementRepo) GetForUpdate(ctx context.Context, userID, productID string) (*models.EntitlementRecord, error) {
	var record models.EntitlementRecord
	err := ForUpdate(Conn(ctx, r.db)).
		Where("user_id = ? AND product_id = ?", userID, productID).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &record, nil
}

// Insert creates record unless a row for the same user and product exists.
// It reports false when a concurrent writer inserted first.
func (r *EntitlementRepo) Insert(ctx context.Context, record *models.EntitlementRecord) (bool, error) {
	result := Conn(ctx, r.db).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "product_id"}},
			DoNothing: true,
		}).
		Create(record)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// Save updates an existing record.
func (r *EntitlementRepo) Save(ctx context.Context, record *models.EntitlementRecord) error {
	return Conn(ctx, r.db).Save(record).Error
}

// ListByUser returns every record of userID ordered by product.
func (r *EntitlementRepo) ListByUser(ctx context.Context, userID string) ([]models.EntitlementRecord, error) {
	var records []models.EntitlementRecord
	err := Conn(ctx, r.db).
		Where("user_id = ?", userID).
		Order("product_id ASC").
		Find(&records).Error
	return records, err
}

// FindUserByOriginalTransaction returns the owner of the most recently
// updated record in the transaction chain, or ErrNotFound.
func (r *EntitlementRepo) FindUserByOriginalTransaction(ctx context.Context, originalTransactionID string) (string, error) {
	if originalTransactionID == "" {
		return "", ErrNotFound
	}
	var record models.EntitlementRecord
	err := Conn(ctx, r.db).
		Where("original_transaction_id = ?", originalTransactionID).
		Order("last_updated DESC").
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	return record.UserID, nil
}
