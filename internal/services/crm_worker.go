package services

import (
	"context"
	"errors"
	"time"

	"entitlement-api/internal/metrics"
	"entitlement-api/internal/models"
	"entitlement-api/pkg/logging"

	"github.com/cenkalti/backoff/v4"
)

// CrmJobQueue is the durable queue the worker drains.
type CrmJobQueue interface {
	Enqueue(ctx context.Context, job *models.CrmSyncJob) error
	LeaseDue(ctx context.Context, now time.Time, limit int, leaseFor time.Duration) ([]models.CrmSyncJob, error)
	MarkDone(ctx context.Context, id uint, attempts int) error
	Reschedule(ctx context.Context, id uint, attempts int, next time.Time, lastErr string) error
	MarkDead(ctx context.Context, id uint, attempts int, lastErr string) error
}

// EntitlementLister reads a user's current entitlements.
type EntitlementLister interface {
	List(ctx context.Context, userID string) ([]models.EntitlementView, error)
}

type CrmWorkerConfig struct {
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	PollInterval time.Duration
	CallTimeout  time.Duration
	BatchSize    int
}

func (c CrmWorkerConfig) withDefaults() CrmWorkerConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 5 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	return c
}

// CrmSyncWorker delivers queued CRM syncs with exponential backoff. Each
// attempt sends the ledger state current at delivery time, so retries never
// push stale data.
type CrmSyncWorker struct {
	queue   CrmJobQueue
	ledger  EntitlementLister
	crm     CrmSync
	alerter DeadLetterAlerter
	metrics *metrics.Metrics
	cfg     CrmWorkerConfig
	now     func() time.Time
}

func NewCrmSyncWorker(queue CrmJobQueue, ledger EntitlementLister, crm CrmSync, alerter DeadLetterAlerter, m *metrics.Metrics, cfg CrmWorkerConfig) *CrmSyncWorker {
	return &CrmSyncWorker{
		queue:   queue,
		ledger:  ledger,
		crm:     crm,
		alerter: alerter,
		metrics: m,
		cfg:     cfg.withDefaults(),
		now:     time.Now,
	}
}

// Run polls for due jobs until ctx is done.
func (w *CrmSyncWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := w.ProcessDue(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logging.Errorf("CRM sync poll failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ProcessDue leases and attempts one batch of due jobs. It returns how many
// jobs were attempted.
func (w *CrmSyncWorker) ProcessDue(ctx context.Context) (int, error) {
	leaseFor := w.cfg.CallTimeout + 30*time.Second
	jobs, err := w.queue.LeaseDue(ctx, w.now(), w.cfg.BatchSize, leaseFor)
	if err != nil {
		return 0, err
	}
	for _, job := range jobs {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		w.process(ctx, job)
	}
	return len(jobs), nil
}

func (w *CrmSyncWorker) process(ctx context.Context, job models.CrmSyncJob) {
	attempts := job.Attempts + 1

	err := w.deliver(ctx, job.UserID)
	if err == nil {
		if err := w.queue.MarkDone(ctx, job.ID, attempts); err != nil {
			logging.Errorf("Failed to complete CRM job %d: %v", job.ID, err)
			return
		}
		w.metrics.IncCrmJob("done")
		logging.Infof("CRM sync delivered - job: %d, user: %s, attempt: %d", job.ID, job.UserID, attempts)
		return
	}

	logging.Errorf("CRM sync failed - job: %d, user: %s, attempt: %d, error: %v", job.ID, job.UserID, attempts, err)

	if attempts >= w.cfg.MaxAttempts {
		if err := w.queue.MarkDead(ctx, job.ID, attempts, err.Error()); err != nil {
			logging.Errorf("Failed to park CRM job %d: %v", job.ID, err)
			return
		}
		w.metrics.IncCrmJob("dead")
		job.Attempts = attempts
		job.LastError = err.Error()
		job.Status = models.CrmJobDead
		w.alert(ctx, job)
		return
	}

	next := w.now().Add(Backoff(attempts, w.cfg.BaseBackoff, w.cfg.MaxBackoff))
	if err := w.queue.Reschedule(ctx, job.ID, attempts, next, err.Error()); err != nil {
		logging.Errorf("Failed to reschedule CRM job %d: %v", job.ID, err)
		return
	}
	w.metrics.IncCrmJob("retry")
}

func (w *CrmSyncWorker) deliver(ctx context.Context, userID string) error {
	entitlements, err := w.ledger.List(ctx, userID)
	if err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
	defer cancel()
	return w.crm.UpdateEntitlements(callCtx, userID, entitlements)
}

func (w *CrmSyncWorker) alert(ctx context.Context, job models.CrmSyncJob) {
	if w.alerter == nil {
		logging.Warnf("CRM job %d for user %s is dead and no alerter is configured", job.ID, job.UserID)
		return
	}
	if err := w.alerter.AlertDeadJob(ctx, job); err != nil {
		logging.Errorf("Failed to send dead-letter alert for CRM job %d: %v", job.ID, err)
	}
}

// Backoff returns the delay after the given failed attempt:
// base*2^(attempt-1), capped at maxDelay. Jitter is off so a job's schedule
// is reproducible from its attempt count.
func Backoff(attempt int, base, maxDelay time.Duration) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = maxDelay
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return min(delay, maxDelay)
}
