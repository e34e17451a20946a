package database

import (
	"context"
	"errors"
	"time"

	"entitlement-api/internal/models"

	"gorm.io/gorm"
)

// CrmJobRepo is the durable CRM sync queue.
type CrmJobRepo struct {
	db *gorm.DB
}

func NewCrmJobRepo(db *gorm.DB) *CrmJobRepo {
	return &CrmJobRepo{db: db}
}

// Enqueue stores job as pending and due at job.NextAttemptAt, or now when unset.
func (r *CrmJobRepo) Enqueue(ctx context.Context, job *models.CrmSyncJob) error {
	job.Status = models.CrmJobPending
	if job.NextAttemptAt.IsZero() {
		job.NextAttemptAt = time.Now().UTC()
	}
	return Conn(ctx, r.db).Create(job).Error
}

// LeaseDue claims up to limit due pending jobs for leaseFor. A job leased by
// another worker is skipped until its lease lapses.
func (r *CrmJobRepo) LeaseDue(ctx context.Context, now time.Time, limit int, leaseFor time.Duration) ([]models.CrmSyncJob, error) {
	now = now.UTC()
	var candidates []models.CrmSyncJob
	err := Conn(ctx, r.db).
		Where("status = ? AND next_attempt_at <= ?", models.CrmJobPending, now).
		Where("(locked_until IS NULL OR locked_until < ?)", now).
		Order("next_attempt_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	lockedUntil := now.Add(leaseFor)
	leased := make([]models.CrmSyncJob, 0, len(candidates))
	for _, job := range candidates {
		result := Conn(ctx, r.db).
			Model(&models.CrmSyncJob{}).
			Where("id = ? AND status = ?", job.ID, models.CrmJobPending).
			Where("(locked_until IS NULL OR locked_until < ?)", now).
			Update("locked_until", lockedUntil)
		if result.Error != nil {
			return leased, result.Error
		}
		if result.RowsAffected == 1 {
			job.LockedUntil = &lockedUntil
			leased = append(leased, job)
		}
	}
	return leased, nil
}

// MarkDone completes a job.
func (r *CrmJobRepo) MarkDone(ctx context.Context, id uint, attempts int) error {
	return Conn(ctx, r.db).
		Model(&models.CrmSyncJob{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":       models.CrmJobDone,
			"attempts":     attempts,
			"locked_until": nil,
			"last_error":   "",
		}).Error
}

// Reschedule releases the lease and makes the job due again at next.
func (r *CrmJobRepo) Reschedule(ctx context.Context, id uint, attempts int, next time.Time, lastErr string) error {
	return Conn(ctx, r.db).
		Model(&models.CrmSyncJob{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"attempts":        attempts,
			"next_attempt_at": next.UTC(),
			"locked_until":    nil,
			"last_error":      lastErr,
		}).Error
}

// MarkDead parks a job that exhausted its attempts.
func (r *CrmJobRepo) MarkDead(ctx context.Context, id uint, attempts int, lastErr string) error {
	return Conn(ctx, r.db).
		Model(&models.CrmSyncJob{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":       models.CrmJobDead,
			"attempts":     attempts,
			"locked_until": nil,
			"last_error":   lastErr,
		}).Error
}

func (r *CrmJobRepo) Get(ctx context.Context, id uint) (*models.CrmSyncJob, error) {
	var job models.CrmSyncJob
	if err := Conn(ctx, r.db).First(&job, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

// CountByStatus returns how many jobs are in status.
func (r *CrmJobRepo) CountByStatus(ctx context.Context, status models.CrmJobStatus) (int64, error) {
	var count int64
	err := Conn(ctx, r.db).
		Model(&models.CrmSyncJob{}).
		Where("status = ?", status).
		Count(&count).Error
	return count, err
}
