package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"entitlement-api/internal/database"
	"entitlement-api/internal/metrics"
	"entitlement-api/internal/models"
	"entitlement-api/pkg/logging"

	"gorm.io/gorm"
)

type ProcessStatus string

const (
	StatusProcessed ProcessStatus = "processed"
	StatusDuplicate ProcessStatus = "duplicate"
	StatusIgnored   ProcessStatus = "ignored"
)

// ProcessResult describes what happened to one notification.
type ProcessResult struct {
	Status         ProcessStatus
	NotificationID string
	UserID         string
	Event          models.EventKind
	Delta          models.LedgerDelta
}

// errMarkRaced aborts the transaction when another delivery wrote the mark
// first.
var errMarkRaced = errors.New("processed mark written concurrently")

// NotificationPipeline runs a signed notification from verification to
// fan-out.
type NotificationPipeline struct {
	db               *gorm.DB
	verifier         *SignatureVerifier
	parser           *NotificationParser
	idempotency      *IdempotencyStore
	ledger           *EntitlementLedger
	dispatcher       *FanoutDispatcher
	allowedBundleIDs []string
	broadcastTimeout time.Duration
	metrics          *metrics.Metrics

	broadcasts sync.WaitGroup
}

type PipelineDeps struct {
	DB               *gorm.DB
	Verifier         *SignatureVerifier
	Parser           *NotificationParser
	Idempotency      *IdempotencyStore
	Ledger           *EntitlementLedger
	Dispatcher       *FanoutDispatcher
	AllowedBundleIDs []string
	BroadcastTimeout time.Duration
	Metrics          *metrics.Metrics
}

func NewNotificationPipeline(deps PipelineDeps) *NotificationPipeline {
	if deps.BroadcastTimeout <= 0 {
		deps.BroadcastTimeout = 15 * time.Second
	}
	return &NotificationPipeline{
		db:               deps.DB,
		verifier:         deps.Verifier,
		parser:           deps.Parser,
		idempotency:      deps.Idempotency,
		ledger:           deps.Ledger,
		dispatcher:       deps.Dispatcher,
		allowedBundleIDs: deps.AllowedBundleIDs,
		broadcastTimeout: deps.BroadcastTimeout,
		metrics:          deps.Metrics,
	}
}

// Process verifies, deduplicates and applies signedPayload. Payload
// rejections wrap ErrMalformedEnvelope, ErrInvalidSignature,
// ErrUntrustedCertificate, ErrUnsupportedPayloadVersion or
// ErrBundleNotAllowed; any other error means the sender should retry.
func (p *NotificationPipeline) Process(ctx context.Context, signedPayload string) (ProcessResult, error) {
	start := time.Now()
	defer p.metrics.ObservePipeline(start)

	result, err := p.process(ctx, signedPayload)
	switch {
	case err == nil:
		p.metrics.IncNotification(string(result.Status))
	case isRejection(err):
		p.metrics.IncNotification("rejected")
	default:
		p.metrics.IncNotification("failed")
	}
	return result, err
}

func isRejection(err error) bool {
	_, client := ErrorCode(err)
	return client
}

func (p *NotificationPipeline) process(ctx context.Context, signedPayload string) (ProcessResult, error) {
	decoded, err := p.verifier.VerifyNotification(signedPayload)
	if err != nil {
		return ProcessResult{}, err
	}
	result := ProcessResult{NotificationID: decoded.NotificationID}

	if len(p.allowedBundleIDs) > 0 && !slices.Contains(p.allowedBundleIDs, decoded.BundleID) {
		return result, fmt.Errorf("%w: %q", ErrBundleNotAllowed, decoded.BundleID)
	}

	kind, err := p.parser.Classify(decoded)
	if err != nil {
		return result, err
	}

	// TEST and other informational types carry no transaction; only kinds
	// that touch the ledger require one.
	var txn models.TransactionInfo
	switch {
	case decoded.SignedTransactionInfo != "":
		txn, err = p.verifier.VerifyTransaction(decoded.SignedTransactionInfo)
		if err != nil {
			return result, err
		}
	case kind != models.EventUnrecognized:
		return result, fmt.Errorf("%w: %s notification without signedTransactionInfo", ErrMalformedEnvelope, decoded.NotificationType)
	}

	event, err := p.parser.Parse(decoded, txn)
	if err != nil {
		return result, err
	}
	result.Event = event.Kind()

	claim, leaseToken, err := p.idempotency.Claim(ctx, decoded.NotificationID)
	if err != nil {
		return result, err
	}
	if claim == AlreadyProcessed {
		logging.Infof("Duplicate notification %s (%s) acknowledged", decoded.NotificationID, decoded.NotificationType)
		result.Status = StatusDuplicate
		return result, nil
	}
	defer func() {
		if err := p.idempotency.Release(context.WithoutCancel(ctx), decoded.NotificationID, leaseToken); err != nil {
			logging.Warnf("Failed to release lease for notification %s: %v", decoded.NotificationID, err)
		}
	}()

	outcome := models.OutcomeIgnored
	var userID string
	if result.Event != models.EventUnrecognized {
		userID, err = p.resolveUser(ctx, txn)
		if err != nil {
			return result, err
		}
		result.UserID = userID
		if userID != "" {
			outcome = models.OutcomeApplied
		}
	}

	err = database.RunInTx(ctx, p.db, func(ctx context.Context) error {
		inserted, err := p.idempotency.MarkProcessed(ctx, decoded.NotificationID, decoded.NotificationType, outcome)
		if err != nil {
			return err
		}
		if !inserted {
			return errMarkRaced
		}
		if outcome == models.OutcomeIgnored {
			return nil
		}

		delta, err := p.ledger.Apply(ctx, userID, event, txn)
		if err != nil {
			return err
		}
		result.Delta = delta
		return p.dispatcher.Record(ctx, userID, delta)
	})
	if errors.Is(err, errMarkRaced) {
		result.Status = StatusDuplicate
		return result, nil
	}
	if err != nil {
		return result, fmt.Errorf("apply notification %s: %w", decoded.NotificationID, err)
	}

	if outcome == models.OutcomeIgnored {
		if result.Event != models.EventUnrecognized {
			logging.Warnf("Notification %s (%s) for transaction %s has no resolvable user, ignored",
				decoded.NotificationID, decoded.NotificationType, txn.OriginalTransactionID)
		} else {
			logging.Infof("Notification %s has unrecognized type %s/%s, ignored",
				decoded.NotificationID, decoded.NotificationType, decoded.Subtype)
		}
		result.Status = StatusIgnored
		return result, nil
	}

	logging.Infof("Notification %s applied - type: %s, user: %s, product: %s, change: %s",
		decoded.NotificationID, decoded.NotificationType, userID, txn.ProductID, result.Delta.Change)
	result.Status = StatusProcessed
	p.broadcast(ctx, userID, result.Delta)
	return result, nil
}

// resolveUser prefers the appAccountToken set at purchase, then the owner of
// an earlier transaction in the same chain. An empty id means unknown.
func (p *NotificationPipeline) resolveUser(ctx context.Context, txn models.TransactionInfo) (string, error) {
	if txn.AppAccountToken != "" {
		return txn.AppAccountToken, nil
	}
	userID, err := p.ledger.FindUserByOriginalTransaction(ctx, txn.OriginalTransactionID)
	if errors.Is(err, database.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve user: %w", err)
	}
	return userID, nil
}

// broadcast delivers live channels in the background, detached from the
// request so a disconnecting sender does not cut it short.
func (p *NotificationPipeline) broadcast(ctx context.Context, userID string, delta models.LedgerDelta) {
	if delta.Change == models.AccessUnchanged {
		return
	}
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.broadcastTimeout)
	p.broadcasts.Add(1)
	go func() {
		defer p.broadcasts.Done()
		defer cancel()
		p.dispatcher.Broadcast(bctx, userID, delta)
	}()
}

// Wait blocks until background broadcasts have finished.
func (p *NotificationPipeline) Wait() {
	p.broadcasts.Wait()
}
