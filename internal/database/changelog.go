package database

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"time"

	"entitlement-api/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultChangeLogPageSize = 100

// ChangeLogStore is the append-only per-user log of content access changes.
type ChangeLogStore struct {
	db       *gorm.DB
	pageSize int
	now      func() time.Time
}

type ChangeLogOption func(*ChangeLogStore)

// WithPageSize sets how many rows Query fetches per round trip.
func WithPageSize(n int) ChangeLogOption {
	return func(s *ChangeLogStore) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// WithClock overrides the clock used to stamp entries.
func WithClock(now func() time.Time) ChangeLogOption {
	return func(s *ChangeLogStore) {
		if now != nil {
			s.now = now
		}
	}
}

func NewChangeLogStore(db *gorm.DB, opts ...ChangeLogOption) *ChangeLogStore {
	s := &ChangeLogStore{
		db:       db,
		pageSize: defaultChangeLogPageSize,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append stamps entries and inserts them. Entries already recorded for the
// same notification are skipped. It returns how many rows were inserted.
//
// Each user's head row stays locked until the surrounding transaction commits
// and every stamp is later than the previous one, so a poller that has seen a
// stamp never misses an entry committed after it.
func (s *ChangeLogStore) Append(ctx context.Context, entries ...models.ChangeLogEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	var inserted int
	err := RunInTx(ctx, s.db, func(ctx context.Context) error {
		now := s.now().UTC().Truncate(time.Microsecond)

		userIDs := make([]string, 0, 1)
		for _, entry := range entries {
			if !slices.Contains(userIDs, entry.UserID) {
				userIDs = append(userIDs, entry.UserID)
			}
		}
		// Fixed lock order across concurrent appends.
		slices.Sort(userIDs)

		stamps := make(map[string]time.Time, len(userIDs))
		for _, userID := range userIDs {
			stamp, err := s.nextStamp(ctx, userID, now)
			if err != nil {
				return err
			}
			stamps[userID] = stamp
		}

		rows := make([]models.ChangeLogEntry, len(entries))
		for i, entry := range entries {
			entry.ID = 0
			entry.ChangedAt = stamps[entry.UserID]
			rows[i] = entry
		}

		result := Conn(ctx, s.db).
			Clauses(clause.OnConflict{
				Columns: []clause.Column{
					{Name: "notification_id"},
					{Name: "content_id"},
					{Name: "change_type"},
				},
				DoNothing: true,
			}).
			Create(&rows)
		if result.Error != nil {
			return result.Error
		}
		inserted = int(result.RowsAffected)
		if inserted == 0 {
			return nil
		}

		for _, userID := range userIDs {
			err := Conn(ctx, s.db).Model(&models.ChangeLogHead{}).
				Where("user_id = ?", userID).
				Update("last_changed_at", stamps[userID]).Error
			if err != nil {
				return fmt.Errorf("advance change log head: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// nextStamp locks the head row of userID and returns now, or the instant
// after the last issued stamp when the clock is behind it.
func (s *ChangeLogStore) nextStamp(ctx context.Context, userID string, now time.Time) (time.Time, error) {
	err := Conn(ctx, s.db).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.ChangeLogHead{UserID: userID, LastChangedAt: time.Unix(0, 0).UTC()}).Error
	if err != nil {
		return time.Time{}, fmt.Errorf("create change log head: %w", err)
	}

	var head models.ChangeLogHead
	if err := ForUpdate(Conn(ctx, s.db)).Where("user_id = ?", userID).First(&head).Error; err != nil {
		return time.Time{}, fmt.Errorf("lock change log head: %w", err)
	}
	if floor := head.LastChangedAt.UTC().Add(time.Microsecond); now.Before(floor) {
		return floor, nil
	}
	return now, nil
}

// Query returns the entries of userID strictly after since, ordered by
// (changed_at, id). Pages are fetched lazily as the sequence is consumed and
// each range over the sequence starts a fresh query.
func (s *ChangeLogStore) Query(ctx context.Context, userID string, since time.Time) iter.Seq2[models.ChangeLogEntry, error] {
	return func(yield func(models.ChangeLogEntry, error) bool) {
		afterTime := since.UTC()
		var afterID uint
		first := true

		for {
			q := Conn(ctx, s.db).Where("user_id = ?", userID)
			if first {
				q = q.Where("changed_at > ?", afterTime)
			} else {
				q = q.Where("(changed_at > ? OR (changed_at = ? AND id > ?))", afterTime, afterTime, afterID)
			}

			var page []models.ChangeLogEntry
			err := q.Order("changed_at ASC").Order("id ASC").Limit(s.pageSize).Find(&page).Error
			if err != nil {
				yield(models.ChangeLogEntry{}, err)
				return
			}

			for _, entry := range page {
				entry.ChangedAt = entry.ChangedAt.UTC()
				if !yield(entry, nil) {
					return
				}
			}
			if len(page) < s.pageSize {
				return
			}

			last := page[len(page)-1]
			afterTime, afterID, first = last.ChangedAt.UTC(), last.ID, false
		}
	}
}
