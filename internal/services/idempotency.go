package services

import (
	"context"
	"fmt"
	"time"

	"entitlement-api/internal/models"
	"entitlement-api/pkg/logging"
)

// MinIdempotencyRetention is the shortest time processed marks are kept.
// Apple retries failed deliveries for days, so pruning earlier would let a
// late redelivery through.
const MinIdempotencyRetention = 30 * 24 * time.Hour

// IdempotencyMarks is the durable mark storage.
type IdempotencyMarks interface {
	Exists(ctx context.Context, notificationID string) (bool, error)
	Insert(ctx context.Context, mark *models.IdempotencyMark) (bool, error)
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type ClaimResult int

const (
	Claimed ClaimResult = iota
	AlreadyProcessed
)

func (r ClaimResult) String() string {
	if r == Claimed {
		return "claimed"
	}
	return "already_processed"
}

// IdempotencyStore guarantees a notification id is applied at most once.
// The durable mark is authoritative; the lease only keeps concurrent
// deliveries of the same id from racing through the pipeline.
type IdempotencyStore struct {
	marks    IdempotencyMarks
	leases   LeaseStore
	leaseTTL time.Duration
	now      func() time.Time
}

func NewIdempotencyStore(marks IdempotencyMarks, leases LeaseStore, leaseTTL time.Duration) *IdempotencyStore {
	if leaseTTL <= 0 {
		leaseTTL = 2 * time.Minute
	}
	return &IdempotencyStore{
		marks:    marks,
		leases:   leases,
		leaseTTL: leaseTTL,
		now:      time.Now,
	}
}

// Claim checks the durable mark, then takes the processing lease. On
// Claimed the returned token must be handed to Release.
func (s *IdempotencyStore) Claim(ctx context.Context, notificationID string) (ClaimResult, string, error) {
	processed, err := s.marks.Exists(ctx, notificationID)
	if err != nil {
		return AlreadyProcessed, "", fmt.Errorf("check processed mark: %w", err)
	}
	if processed {
		return AlreadyProcessed, "", nil
	}

	token, acquired, err := s.leases.Acquire(ctx, notificationID, s.leaseTTL)
	if err != nil {
		return AlreadyProcessed, "", fmt.Errorf("acquire processing lease: %w", err)
	}
	if !acquired {
		logging.Infof("Notification %s is already being processed", notificationID)
		return AlreadyProcessed, "", nil
	}
	return Claimed, token, nil
}

// MarkProcessed writes the durable mark. It joins the transaction in ctx and
// reports false when another delivery already wrote the mark.
func (s *IdempotencyStore) MarkProcessed(ctx context.Context, notificationID, notificationType, outcome string) (bool, error) {
	inserted, err := s.marks.Insert(ctx, &models.IdempotencyMark{
		NotificationID:   notificationID,
		NotificationType: notificationType,
		Outcome:          outcome,
		ProcessedAt:      s.now().UTC(),
	})
	if err != nil {
		return false, fmt.Errorf("write processed mark: %w", err)
	}
	return inserted, nil
}

// Release drops the lease so a retried delivery can proceed.
func (s *IdempotencyStore) Release(ctx context.Context, notificationID, token string) error {
	return s.leases.Release(ctx, notificationID, token)
}

// RunPruner deletes marks older than retention every interval until ctx is
// done. A zero retention keeps marks forever.
func (s *IdempotencyStore) RunPruner(ctx context.Context, retention, interval time.Duration) {
	if retention <= 0 {
		return
	}
	if retention < MinIdempotencyRetention {
		logging.Warnf("Idempotency retention %s raised to %s", retention, MinIdempotencyRetention)
		retention = MinIdempotencyRetention
	}
	if interval <= 0 {
		interval = 6 * time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.prune(ctx, retention)
		case <-ctx.Done():
			return
		}
	}
}

func (s *IdempotencyStore) prune(ctx context.Context, retention time.Duration) {
	pruned, err := s.marks.PruneBefore(ctx, s.now().Add(-retention))
	if err != nil {
		logging.Errorf("Failed to prune idempotency marks: %v", err)
		return
	}
	if pruned > 0 {
		logging.Infof("Pruned %d idempotency marks older than %s", pruned, retention)
	}
}
