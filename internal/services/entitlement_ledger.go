package services

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"entitlement-api/internal/database"
	"entitlement-api/internal/metrics"
	"entitlement-api/internal/models"
	"entitlement-api/pkg/logging"

	"gorm.io/gorm"
)

const (
	numLedgerShards   = 64
	maxLedgerAttempts = 3
)

// EntitlementStore is the persistence the ledger writes through.
type EntitlementStore interface {
	Get(ctx context.Context, userID, productID string) (*models.EntitlementRecord, error)
	GetForUpdate(ctx context.Context, userID, productID string) (*models.EntitlementRecord, error)
	Insert(ctx context.Context, record *models.EntitlementRecord) (bool, error)
	Save(ctx context.Context, record *models.EntitlementRecord) error
	ListByUser(ctx context.Context, userID string) ([]models.EntitlementRecord, error)
	FindUserByOriginalTransaction(ctx context.Context, originalTransactionID string) (string, error)
}

// EntitlementLedger is the single writer of entitlement records.
type EntitlementLedger struct {
	db      *gorm.DB
	store   EntitlementStore
	metrics *metrics.Metrics
	now     func() time.Time
	shards  [numLedgerShards]sync.Mutex
}

func NewEntitlementLedger(db *gorm.DB, store EntitlementStore, m *metrics.Metrics) *EntitlementLedger {
	return &EntitlementLedger{
		db:      db,
		store:   store,
		metrics: m,
		now:     time.Now,
	}
}

// Apply folds event into the record for (userID, txn.ProductID) and reports
// how access moved. It joins the transaction carried by ctx.
func (l *EntitlementLedger) Apply(ctx context.Context, userID string, event models.DomainEvent, txn models.TransactionInfo) (models.LedgerDelta, error) {
	delta := models.LedgerDelta{
		UserID:         userID,
		ProductID:      txn.ProductID,
		TransactionID:  txn.TransactionID,
		NotificationID: event.Source().NotificationID,
		Change:         models.AccessUnchanged,
	}
	if _, ok := event.(models.Unrecognized); ok {
		return delta, nil
	}

	err := database.RunInTx(ctx, l.db, func(ctx context.Context) error {
		mu := l.shard(userID, txn.ProductID)
		mu.Lock()
		defer mu.Unlock()

		for attempt := 1; ; attempt++ {
			err := database.RunInSavepoint(ctx, l.db, func(ctx context.Context) error {
				var err error
				delta, err = l.apply(ctx, delta, event, txn)
				return err
			})
			if !errors.Is(err, ErrLedgerConflict) {
				return err
			}
			l.metrics.IncLedgerConflict()
			logging.Warnf("Ledger insert race for user %s product %s, attempt %d", userID, txn.ProductID, attempt)
			if attempt >= maxLedgerAttempts {
				return fmt.Errorf("ledger write for user %s product %s did not settle after %d attempts", userID, txn.ProductID, attempt)
			}
		}
	})
	if err != nil {
		return models.LedgerDelta{}, err
	}
	return delta, nil
}

func (l *EntitlementLedger) apply(ctx context.Context, delta models.LedgerDelta, event models.DomainEvent, txn models.TransactionInfo) (models.LedgerDelta, error) {
	now := l.now().UTC()
	delta.Change = models.AccessUnchanged
	delta.Record = nil

	existing, err := l.store.GetForUpdate(ctx, delta.UserID, txn.ProductID)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return delta, fmt.Errorf("load entitlement: %w", err)
	}
	hadAccess := false
	delta.Before = ""
	if existing != nil {
		hadAccess = existing.HasAccess(now)
		delta.Before = existing.ComputedStatus(now)
	}

	record := existing
	if record == nil {
		record = &models.EntitlementRecord{
			UserID:                delta.UserID,
			ProductID:             txn.ProductID,
			OriginalTransactionID: txn.OriginalTransactionID,
		}
	}

	switch event.(type) {
	case models.Granted, models.Renewed:
		record.Status = models.StatusActive
		record.TransactionID = txn.TransactionID
		record.PurchaseDate = txn.PurchaseDate
		record.ExpiresDate = txn.ExpiresDate
	case models.Revoked:
		record.Status = models.StatusCancelled
		if existing == nil {
			record.TransactionID = txn.TransactionID
			record.PurchaseDate = txn.PurchaseDate
			record.ExpiresDate = txn.ExpiresDate
		}
	case models.Expired:
		nonExpiring := !models.IsSubscriptionType(txn.ProductType) && (existing == nil || existing.ExpiresDate == nil)
		if nonExpiring {
			logging.Infof("Ignoring expiry of non-expiring product %s for user %s", txn.ProductID, delta.UserID)
			delta.After = delta.Before
			return delta, nil
		}
		record.Status = models.StatusExpired
		if txn.ExpiresDate != nil {
			record.ExpiresDate = txn.ExpiresDate
		}
		if existing == nil {
			record.TransactionID = txn.TransactionID
			record.PurchaseDate = txn.PurchaseDate
		}
	default:
		delta.After = delta.Before
		return delta, nil
	}

	if txn.OriginalTransactionID != "" {
		record.OriginalTransactionID = txn.OriginalTransactionID
	}
	record.ProductType = txn.ProductType
	record.Environment = txn.Environment
	record.LastUpdated = now

	if existing == nil {
		inserted, err := l.store.Insert(ctx, record)
		if err != nil {
			return delta, fmt.Errorf("insert entitlement: %w", err)
		}
		if !inserted {
			return delta, ErrLedgerConflict
		}
	} else if err := l.store.Save(ctx, record); err != nil {
		return delta, fmt.Errorf("save entitlement: %w", err)
	}

	hasAccess := record.HasAccess(now)
	delta.After = record.ComputedStatus(now)
	delta.Record = record
	switch {
	case event.Kind() == models.EventRevoked:
		// Revocations always reach clients, even if access had already lapsed.
		delta.Change = models.AccessRemoved
	case !hadAccess && hasAccess:
		delta.Change = models.AccessAdded
	case hadAccess && !hasAccess:
		delta.Change = models.AccessRemoved
	}
	return delta, nil
}

// List returns every record of userID with its status at read time.
func (l *EntitlementLedger) List(ctx context.Context, userID string) ([]models.EntitlementView, error) {
	records, err := l.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list entitlements: %w", err)
	}
	now := l.now()
	views := make([]models.EntitlementView, 0, len(records))
	for _, record := range records {
		views = append(views, record.View(now))
	}
	return views, nil
}

// Get returns one record with its status at read time, or database.ErrNotFound.
func (l *EntitlementLedger) Get(ctx context.Context, userID, productID string) (models.EntitlementView, error) {
	record, err := l.store.Get(ctx, userID, productID)
	if err != nil {
		return models.EntitlementView{}, err
	}
	return record.View(l.now()), nil
}

// HasAccess reports whether userID can use productID now. A missing record
// means no access.
func (l *EntitlementLedger) HasAccess(ctx context.Context, userID, productID string) (bool, error) {
	record, err := l.store.Get(ctx, userID, productID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return record.HasAccess(l.now()), nil
}

// FindUserByOriginalTransaction resolves the owner of a transaction chain.
func (l *EntitlementLedger) FindUserByOriginalTransaction(ctx context.Context, originalTransactionID string) (string, error) {
	return l.store.FindUserByOriginalTransaction(ctx, originalTransactionID)
}

func (l *EntitlementLedger) shard(userID, productID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(productID))
	return &l.shards[h.Sum32()%numLedgerShards]
}
