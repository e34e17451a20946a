package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"entitlement-api/internal/models"
	"entitlement-api/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func purchase(uuid, userID string) testutil.Notification {
	return testutil.Notification{
		Type: "PURCHASE",
		UUID: uuid,
		Transaction: testutil.Transaction{
			TransactionID:   "txn-" + uuid,
			ProductID:       "course_123",
			Type:            models.ProductTypeNonConsumable,
			AppAccountToken: userID,
		},
	}
}

func TestPipelinePurchaseUnlocksCourse(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	session := newFakeSession("s1")
	h.sessions.Register("user_42", session)
	require.NoError(t, h.devices.Upsert(ctx, &models.DeviceToken{UserID: "user_42", Token: "device-1", Platform: "ios"}))

	before := time.Now().Add(-time.Second)
	result, err := h.pipeline.Process(ctx, h.chain.SignNotification(t, purchase("n-1", "user_42")))
	require.NoError(t, err)
	h.pipeline.Wait()

	assert.Equal(t, StatusProcessed, result.Status)
	assert.Equal(t, "user_42", result.UserID)
	assert.Equal(t, models.EventGranted, result.Event)
	assert.Equal(t, models.AccessAdded, result.Delta.Change)

	views, err := h.ledger.List(ctx, "user_42")
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "course_123", views[0].ProductID)
	assert.Equal(t, models.StatusActive, views[0].Status)
	assert.Nil(t, views[0].ExpiresDate)

	entries := h.changes(t, "user_42")
	require.Len(t, entries, 2)
	for _, entry := range entries {
		assert.Equal(t, models.ChangeUnlock, entry.ChangeType)
		assert.True(t, entry.ChangedAt.After(before))
	}

	msgs := session.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, models.StreamUnlock, msgs[0].Type)
	assert.Equal(t, "course_123", msgs[0].ProductID)

	calls := h.push.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"device-1"}, calls[0].tokens)
	assert.Equal(t, "course_123", calls[0].payload.ProductID)
	assert.Equal(t, models.ChangeUnlock, calls[0].payload.ChangeType)
	assert.ElementsMatch(t, []string{"course_123_lesson_1", "course_123_lesson_2"}, calls[0].payload.ContentIDs)
}

func TestPipelineRedeliveryIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	payload := h.chain.SignNotification(t, purchase("n-1", "user_42"))

	statuses := make([]ProcessStatus, 0, 3)
	for i := 0; i < 3; i++ {
		result, err := h.pipeline.Process(ctx, payload)
		require.NoError(t, err)
		statuses = append(statuses, result.Status)
	}
	h.pipeline.Wait()

	assert.Equal(t, []ProcessStatus{StatusProcessed, StatusDuplicate, StatusDuplicate}, statuses)
	assert.Len(t, h.changes(t, "user_42"), 2)

	views, err := h.ledger.List(ctx, "user_42")
	require.NoError(t, err)
	assert.Len(t, views, 1)

	jobs, err := h.crmJobs.CountByStatus(ctx, models.CrmJobPending)
	require.NoError(t, err)
	assert.Equal(t, int64(1), jobs)
}

func TestPipelineConcurrentRedeliveryAppliesOnce(t *testing.T) {
	h := newHarness(t)
	payload := h.chain.SignNotification(t, purchase("n-1", "user_42"))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		processed int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := h.pipeline.Process(context.Background(), payload)
			if !assert.NoError(t, err) {
				return
			}
			if result.Status == StatusProcessed {
				mu.Lock()
				processed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	h.pipeline.Wait()

	assert.Equal(t, 1, processed)
	assert.Len(t, h.changes(t, "user_42"), 2)
}

func TestPipelineRevokeIsVisible(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.pipeline.Process(ctx, h.chain.SignNotification(t, purchase("n-1", "user_42")))
	require.NoError(t, err)

	refund := purchase("n-2", "user_42")
	refund.Type = "REFUND"
	refund.Transaction.TransactionID = "txn-n-1"
	processedAt := time.Now().Add(-time.Millisecond)
	result, err := h.pipeline.Process(ctx, h.chain.SignNotification(t, refund))
	require.NoError(t, err)
	h.pipeline.Wait()
	assert.Equal(t, StatusProcessed, result.Status)
	assert.Equal(t, models.AccessRemoved, result.Delta.Change)

	has, err := h.ledger.HasAccess(ctx, "user_42", "course_123")
	require.NoError(t, err)
	assert.False(t, has)

	var revokes int
	for _, entry := range h.changes(t, "user_42") {
		if entry.ChangeType == models.ChangeRevoke {
			revokes++
			assert.False(t, entry.ChangedAt.Before(processedAt.UTC().Truncate(time.Microsecond)))
		}
	}
	assert.Equal(t, 2, revokes)
}

func TestPipelineSubscriptionWithPastExpiry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)

	result, err := h.pipeline.Process(ctx, h.chain.SignNotification(t, testutil.Notification{
		Type: "SUBSCRIBED",
		Transaction: testutil.Transaction{
			ProductID:       "monthly",
			Type:            models.ProductTypeAutoRenewable,
			AppAccountToken: "user_42",
			PurchaseDate:    past.Add(-30 * 24 * time.Hour),
			ExpiresDate:     &past,
		},
	}))
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, result.Status)
	assert.Equal(t, models.AccessUnchanged, result.Delta.Change)

	view, err := h.ledger.Get(ctx, "user_42", "monthly")
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, view.Status)
	assert.Empty(t, h.changes(t, "user_42"))
}

func TestPipelineUnknownTypeIsInert(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	n := purchase("n-1", "user_42")
	n.Type = "PRICE_INCREASE_2031"

	result, err := h.pipeline.Process(ctx, h.chain.SignNotification(t, n))
	require.NoError(t, err)
	assert.Equal(t, StatusIgnored, result.Status)
	assert.Equal(t, models.EventUnrecognized, result.Event)

	views, err := h.ledger.List(ctx, "user_42")
	require.NoError(t, err)
	assert.Empty(t, views)
	assert.Empty(t, h.changes(t, "user_42"))

	// acknowledged once, duplicate afterwards
	result, err = h.pipeline.Process(ctx, h.chain.SignNotification(t, n))
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, result.Status)
}

func TestPipelineAcknowledgesNotificationWithoutTransaction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	payload := h.chain.SignNotification(t, testutil.Notification{Type: "TEST", UUID: "n-test", NoTransaction: true})

	result, err := h.pipeline.Process(ctx, payload)
	require.NoError(t, err)
	assert.Equal(t, StatusIgnored, result.Status)
	assert.Equal(t, models.EventUnrecognized, result.Event)
	assert.Empty(t, result.UserID)

	result, err = h.pipeline.Process(ctx, payload)
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, result.Status)

	var rows int64
	require.NoError(t, h.db.Model(&models.EntitlementRecord{}).Count(&rows).Error)
	assert.Zero(t, rows)
	assert.Empty(t, h.push.Calls())
}

func TestPipelineRequiresTransactionForLedgerEvents(t *testing.T) {
	h := newHarness(t)
	n := purchase("n-1", "user_42")
	n.NoTransaction = true

	_, err := h.pipeline.Process(context.Background(), h.chain.SignNotification(t, n))
	assert.ErrorIs(t, err, ErrMalformedEnvelope)

	views, err := h.ledger.List(context.Background(), "user_42")
	require.NoError(t, err)
	assert.Empty(t, views)
}

func TestPipelineResolvesUserFromTransactionChain(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	expires := time.Now().Add(time.Hour)

	first := testutil.Notification{
		Type: "SUBSCRIBED",
		Transaction: testutil.Transaction{
			TransactionID:   "t-1",
			ProductID:       "monthly",
			Type:            models.ProductTypeAutoRenewable,
			AppAccountToken: "user_42",
			ExpiresDate:     &expires,
		},
	}
	_, err := h.pipeline.Process(ctx, h.chain.SignNotification(t, first))
	require.NoError(t, err)

	renewed := expires.Add(30 * 24 * time.Hour)
	renewal := testutil.Notification{
		Type: "DID_RENEW",
		Transaction: testutil.Transaction{
			TransactionID:         "t-2",
			OriginalTransactionID: "t-1",
			ProductID:             "monthly",
			Type:                  models.ProductTypeAutoRenewable,
			ExpiresDate:           &renewed,
		},
	}
	result, err := h.pipeline.Process(ctx, h.chain.SignNotification(t, renewal))
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, result.Status)
	assert.Equal(t, "user_42", result.UserID)

	orphan := renewal
	orphan.Transaction.OriginalTransactionID = "never-seen"
	result, err = h.pipeline.Process(ctx, h.chain.SignNotification(t, orphan))
	require.NoError(t, err)
	assert.Equal(t, StatusIgnored, result.Status)
}

func TestPipelineRejectsTamperedPayloadWithoutSideEffects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	payload := h.chain.SignNotification(t, purchase("n-1", "user_42"))

	_, err := h.pipeline.Process(ctx, flipSegmentChar(payload, 1))
	assert.ErrorIs(t, err, ErrInvalidSignature)

	views, err := h.ledger.List(ctx, "user_42")
	require.NoError(t, err)
	assert.Empty(t, views)

	// the genuine delivery still goes through
	result, err := h.pipeline.Process(ctx, payload)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, result.Status)
}

func TestPipelineBundleAllowList(t *testing.T) {
	h := newHarness(t)
	h.pipeline.allowedBundleIDs = []string{"com.other.app"}

	_, err := h.pipeline.Process(context.Background(), h.chain.SignNotification(t, purchase("n-1", "user_42")))
	assert.ErrorIs(t, err, ErrBundleNotAllowed)
	code, client := ErrorCode(err)
	assert.Equal(t, CodeBundleNotAllowed, code)
	assert.True(t, client)
}

func TestPipelineUnsupportedVersion(t *testing.T) {
	h := newHarness(t)
	n := purchase("n-1", "user_42")
	n.Version = "1.0"

	_, err := h.pipeline.Process(context.Background(), h.chain.SignNotification(t, n))
	assert.ErrorIs(t, err, ErrUnsupportedPayloadVersion)
}
