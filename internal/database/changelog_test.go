package database_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"entitlement-api/internal/database"
	"entitlement-api/internal/models"
	"entitlement-api/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type stepClock struct {
	t time.Time
}

func (c *stepClock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func collect(t *testing.T, store *database.ChangeLogStore, userID string, since time.Time) []models.ChangeLogEntry {
	t.Helper()
	var out []models.ChangeLogEntry
	for entry, err := range store.Query(context.Background(), userID, since) {
		require.NoError(t, err)
		out = append(out, entry)
	}
	return out
}

func TestChangeLogAppendAndQuery(t *testing.T) {
	db := testutil.NewDB(t)
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &stepClock{t: start}
	store := database.NewChangeLogStore(db, database.WithClock(clock.now), database.WithPageSize(2))
	ctx := context.Background()

	for i, content := range []string{"c1", "c2", "c3", "c4", "c5"} {
		n, err := store.Append(ctx, models.ChangeLogEntry{
			UserID:         "user_1",
			ChangeType:     models.ChangeUnlock,
			ContentID:      content,
			ProductID:      "p1",
			NotificationID: "n" + string(rune('a'+i)),
		})
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	}
	_, err := store.Append(ctx, models.ChangeLogEntry{UserID: "user_2", ChangeType: models.ChangeUnlock, ContentID: "x", ProductID: "p1", NotificationID: "other"})
	require.NoError(t, err)

	all := collect(t, store, "user_1", time.Time{})
	require.Len(t, all, 5)
	for i := 1; i < len(all); i++ {
		assert.True(t, all[i].ChangedAt.After(all[i-1].ChangedAt))
	}
	assert.Equal(t, "c1", all[0].ContentID)
	assert.Equal(t, "c5", all[4].ContentID)

	// strictly after
	after := collect(t, store, "user_1", all[1].ChangedAt)
	require.Len(t, after, 3)
	assert.Equal(t, "c3", after[0].ContentID)

	assert.Empty(t, collect(t, store, "user_1", all[4].ChangedAt))
	assert.Empty(t, collect(t, store, "nobody", time.Time{}))
}

func TestChangeLogStampsEntriesWithServerClock(t *testing.T) {
	db := testutil.NewDB(t)
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 123456789, time.FixedZone("X", 3600))
	store := database.NewChangeLogStore(db, database.WithClock(func() time.Time { return fixed }))

	_, err := store.Append(context.Background(), models.ChangeLogEntry{
		UserID:         "user_1",
		ChangeType:     models.ChangeRevoke,
		ContentID:      "c1",
		ProductID:      "p1",
		NotificationID: "n1",
		ChangedAt:      time.Date(1999, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	entries := collect(t, store, "user_1", time.Time{})
	require.Len(t, entries, 1)
	assert.True(t, entries[0].ChangedAt.Equal(fixed.Truncate(time.Microsecond)))
	assert.Equal(t, time.UTC, entries[0].ChangedAt.Location())
}

func TestChangeLogAppendIsIdempotentPerNotification(t *testing.T) {
	db := testutil.NewDB(t)
	store := database.NewChangeLogStore(db)
	ctx := context.Background()

	entries := []models.ChangeLogEntry{
		{UserID: "user_1", ChangeType: models.ChangeUnlock, ContentID: "c1", ProductID: "p1", NotificationID: "n1"},
		{UserID: "user_1", ChangeType: models.ChangeUnlock, ContentID: "c2", ProductID: "p1", NotificationID: "n1"},
	}
	n, err := store.Append(ctx, entries...)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = store.Append(ctx, entries...)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	assert.Len(t, collect(t, store, "user_1", time.Time{}), 2)
}

func TestChangeLogQueryIsRestartableAndStoppable(t *testing.T) {
	db := testutil.NewDB(t)
	clock := &stepClock{t: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)}
	store := database.NewChangeLogStore(db, database.WithClock(clock.now), database.WithPageSize(1))
	ctx := context.Background()

	for _, id := range []string{"n1", "n2", "n3"} {
		_, err := store.Append(ctx, models.ChangeLogEntry{UserID: "u", ChangeType: models.ChangeUnlock, ContentID: "c", ProductID: "p", NotificationID: id})
		require.NoError(t, err)
	}

	seq := store.Query(ctx, "u", time.Time{})
	count := 0
	for _, err := range seq {
		require.NoError(t, err)
		count++
		if count == 2 {
			break
		}
	}
	assert.Equal(t, 2, count)

	count = 0
	for _, err := range seq {
		require.NoError(t, err)
		count++
	}
	assert.Equal(t, 3, count)
}

func TestChangeLogAppendJoinsTransaction(t *testing.T) {
	db := testutil.NewDB(t)
	store := database.NewChangeLogStore(db)
	ctx := context.Background()

	err := database.RunInTx(ctx, db, func(ctx context.Context) error {
		_, err := store.Append(ctx, models.ChangeLogEntry{UserID: "u", ChangeType: models.ChangeUnlock, ContentID: "c", ProductID: "p", NotificationID: "n"})
		require.NoError(t, err)
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)
	assert.Empty(t, collect(t, store, "u", time.Time{}))
}

func TestChangeLogStampsFollowCommitOrder(t *testing.T) {
	db := testutil.NewDB(t)
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	// Each reading is a second earlier than the previous one, as when a
	// transaction that stamped later commits first.
	var readings atomic.Int64
	clock := func() time.Time {
		return base.Add(-time.Duration(readings.Add(1)) * time.Second)
	}
	store := database.NewChangeLogStore(db, database.WithClock(clock))
	ctx := context.Background()

	first := appendInTx(t, db, store, "n-first")
	cursor := first.ChangedAt

	second := appendInTx(t, db, store, "n-second")
	assert.True(t, second.ChangedAt.After(cursor), "second %s not after %s", second.ChangedAt, cursor)

	after := collect(t, store, "user_1", cursor)
	require.Len(t, after, 1)
	assert.Equal(t, "n-second", after[0].NotificationID)

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := database.RunInTx(ctx, db, func(ctx context.Context) error {
				_, err := store.Append(ctx, models.ChangeLogEntry{
					UserID: "user_1", ChangeType: models.ChangeUnlock, ContentID: "c", ProductID: "p",
					NotificationID: fmt.Sprintf("n-%d", i),
				})
				return err
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	all := collect(t, store, "user_1", time.Time{})
	require.Len(t, all, 10)
	for i := 1; i < len(all); i++ {
		assert.True(t, all[i].ChangedAt.After(all[i-1].ChangedAt))
		// commit order and stamp order agree
		assert.Greater(t, all[i].ID, all[i-1].ID)
	}
}

func appendInTx(t *testing.T, db *gorm.DB, store *database.ChangeLogStore, notificationID string) models.ChangeLogEntry {
	t.Helper()
	ctx := context.Background()
	err := database.RunInTx(ctx, db, func(ctx context.Context) error {
		_, err := store.Append(ctx, models.ChangeLogEntry{
			UserID: "user_1", ChangeType: models.ChangeUnlock, ContentID: "c", ProductID: "p", NotificationID: notificationID,
		})
		return err
	})
	require.NoError(t, err)

	var entry models.ChangeLogEntry
	require.NoError(t, db.Where("notification_id = ?", notificationID).First(&entry).Error)
	entry.ChangedAt = entry.ChangedAt.UTC()
	return entry
}
