package services

import (
	"context"
	"fmt"
	"time"

	"entitlement-api/internal/metrics"
	"entitlement-api/internal/models"
	"entitlement-api/pkg/logging"

	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
)

const (
	channelPush   = "push"
	channelSocket = "socket"
)

type ChangeLogAppender interface {
	Append(ctx context.Context, entries ...models.ChangeLogEntry) (int, error)
}

type CrmEnqueuer interface {
	Enqueue(ctx context.Context, job *models.CrmSyncJob) error
}

type DeviceTokens interface {
	ListByUser(ctx context.Context, userID string) ([]models.DeviceToken, error)
	DeleteTokens(ctx context.Context, tokens []string) error
}

type SessionBroadcaster interface {
	Broadcast(ctx context.Context, userID string, msg models.StreamMessage) int
}

// FanoutDispatcher delivers ledger deltas. The change log and CRM queue are
// written with the ledger mutation; push and socket are best effort after
// commit and never fail the caller.
type FanoutDispatcher struct {
	changeLog   ChangeLogAppender
	crmQueue    CrmEnqueuer
	catalog     ContentCatalog
	sessions    SessionBroadcaster
	push        PushGateway
	devices     DeviceTokens
	pushTimeout time.Duration
	metrics     *metrics.Metrics
	now         func() time.Time
}

// FanoutDeps collects the dispatcher's collaborators. Push and Devices may
// be nil to disable push. A nil CrmQueue disables CRM sync.
type FanoutDeps struct {
	ChangeLog   ChangeLogAppender
	CrmQueue    CrmEnqueuer
	Catalog     ContentCatalog
	Sessions    SessionBroadcaster
	Push        PushGateway
	Devices     DeviceTokens
	PushTimeout time.Duration
	Metrics     *metrics.Metrics
}

func NewFanoutDispatcher(deps FanoutDeps) *FanoutDispatcher {
	if deps.PushTimeout <= 0 {
		deps.PushTimeout = 5 * time.Second
	}
	return &FanoutDispatcher{
		changeLog:   deps.ChangeLog,
		crmQueue:    deps.CrmQueue,
		catalog:     deps.Catalog,
		sessions:    deps.Sessions,
		push:        deps.Push,
		devices:     deps.Devices,
		pushTimeout: deps.PushTimeout,
		metrics:     deps.Metrics,
		now:         time.Now,
	}
}

// Dispatch records delta durably, then broadcasts it.
func (d *FanoutDispatcher) Dispatch(ctx context.Context, userID string, delta models.LedgerDelta) error {
	if err := d.Record(ctx, userID, delta); err != nil {
		return err
	}
	d.Broadcast(ctx, userID, delta)
	return nil
}

// Record appends change-log entries for an access change and queues a CRM
// sync for any written record. It joins the transaction carried by ctx.
func (d *FanoutDispatcher) Record(ctx context.Context, userID string, delta models.LedgerDelta) error {
	event, ok, err := d.unlockEvent(ctx, userID, delta)
	if err != nil {
		return err
	}
	if ok {
		entries := make([]models.ChangeLogEntry, 0, len(event.ContentIDs))
		for _, contentID := range event.ContentIDs {
			entries = append(entries, models.ChangeLogEntry{
				UserID:         userID,
				ChangeType:     event.ChangeType,
				ContentID:      contentID,
				ProductID:      delta.ProductID,
				TransactionID:  delta.TransactionID,
				NotificationID: delta.NotificationID,
			})
		}
		if _, err := d.changeLog.Append(ctx, entries...); err != nil {
			return fmt.Errorf("append change log: %w", err)
		}
	}

	if delta.Written() && d.crmQueue != nil {
		job := &models.CrmSyncJob{
			UserID:    userID,
			ProductID: delta.ProductID,
			Payload:   datatypes.NewJSONType(delta.Record.View(d.now())),
		}
		if err := d.crmQueue.Enqueue(ctx, job); err != nil {
			return fmt.Errorf("enqueue crm sync: %w", err)
		}
	}
	return nil
}

// Broadcast pushes delta to devices and live sessions concurrently. Failures
// are logged and counted only.
func (d *FanoutDispatcher) Broadcast(ctx context.Context, userID string, delta models.LedgerDelta) {
	event, ok, err := d.unlockEvent(ctx, userID, delta)
	if err != nil {
		logging.Errorf("Broadcast skipped for user %s: %v", userID, err)
		return
	}
	if !ok {
		return
	}

	var g errgroup.Group
	g.Go(func() error {
		d.sendPush(ctx, event)
		return nil
	})
	g.Go(func() error {
		d.sendSocket(ctx, event)
		return nil
	})
	_ = g.Wait()
}

func (d *FanoutDispatcher) unlockEvent(ctx context.Context, userID string, delta models.LedgerDelta) (models.ContentUnlockEvent, bool, error) {
	var changeType models.ChangeType
	switch delta.Change {
	case models.AccessAdded:
		changeType = models.ChangeUnlock
	case models.AccessRemoved:
		changeType = models.ChangeRevoke
	default:
		return models.ContentUnlockEvent{}, false, nil
	}

	contentIDs, err := d.catalog.ContentIDsForProduct(ctx, delta.ProductID)
	if err != nil {
		return models.ContentUnlockEvent{}, false, fmt.Errorf("resolve content for %s: %w", delta.ProductID, err)
	}
	return models.ContentUnlockEvent{
		UserID:        userID,
		ChangeType:    changeType,
		ContentIDs:    contentIDs,
		ProductID:     delta.ProductID,
		TransactionID: delta.TransactionID,
		UnlockedAt:    d.now().UTC(),
	}, true, nil
}

func (d *FanoutDispatcher) sendPush(ctx context.Context, event models.ContentUnlockEvent) {
	if d.push == nil || d.devices == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, d.pushTimeout)
	defer cancel()

	devices, err := d.devices.ListByUser(ctx, event.UserID)
	if err != nil {
		d.metrics.IncFanoutFailure(channelPush)
		logging.Errorf("Push skipped for user %s: list devices: %v", event.UserID, err)
		return
	}
	if len(devices) == 0 {
		return
	}
	tokens := make([]string, 0, len(devices))
	for _, device := range devices {
		tokens = append(tokens, device.Token)
	}

	result, err := d.push.Send(ctx, tokens, models.PushPayload{
		ContentAvailable: 1,
		ChangeType:       event.ChangeType,
		ProductID:        event.ProductID,
		ContentIDs:       event.ContentIDs,
		TransactionID:    event.TransactionID,
	})
	if err != nil {
		d.metrics.IncFanoutFailure(channelPush)
		logging.Errorf("Push failed for user %s: %v", event.UserID, err)
		return
	}
	d.metrics.AddDeliveries(channelPush, result.Delivered)

	if len(result.InvalidTokens) > 0 {
		if err := d.devices.DeleteTokens(ctx, result.InvalidTokens); err != nil {
			logging.Errorf("Failed to remove %d invalid push tokens: %v", len(result.InvalidTokens), err)
		} else {
			logging.Infof("Removed %d invalid push tokens for user %s", len(result.InvalidTokens), event.UserID)
		}
	}
}

func (d *FanoutDispatcher) sendSocket(ctx context.Context, event models.ContentUnlockEvent) {
	if d.sessions == nil {
		return
	}
	msgType := models.StreamUnlock
	if event.ChangeType == models.ChangeRevoke {
		msgType = models.StreamRevoke
	}
	delivered := d.sessions.Broadcast(ctx, event.UserID, models.StreamMessage{
		Type:          msgType,
		UserID:        event.UserID,
		ProductID:     event.ProductID,
		ContentIDs:    event.ContentIDs,
		TransactionID: event.TransactionID,
		Timestamp:     event.UnlockedAt,
	})
	d.metrics.AddDeliveries(channelSocket, delivered)
}
