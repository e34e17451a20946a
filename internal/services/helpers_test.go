package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"entitlement-api/internal/database"
	"entitlement-api/internal/models"
	"entitlement-api/internal/testutil"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fakeSession struct {
	id string

	mu          sync.Mutex
	messages    []models.StreamMessage
	sendErr     error
	heartbeatFn func(ctx context.Context) error
	closed      bool
	closeReason string
}

func newFakeSession(id string) *fakeSession {
	return &fakeSession{id: id}
}

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) Send(_ context.Context, msg models.StreamMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.messages = append(s.messages, msg)
	return nil
}

func (s *fakeSession) Heartbeat(ctx context.Context) error {
	if s.heartbeatFn != nil {
		return s.heartbeatFn(ctx)
	}
	return nil
}

func (s *fakeSession) Close(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.closeReason = reason
}

func (s *fakeSession) Messages() []models.StreamMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.StreamMessage(nil), s.messages...)
}

func (s *fakeSession) Closed() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed, s.closeReason
}

type pushCall struct {
	tokens  []string
	payload models.PushPayload
}

type fakePush struct {
	mu     sync.Mutex
	calls  []pushCall
	result PushResult
	err    error
	delay  time.Duration
}

func (p *fakePush) Send(ctx context.Context, tokens []string, payload models.PushPayload) (PushResult, error) {
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return PushResult{}, ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, pushCall{tokens: append([]string(nil), tokens...), payload: payload})
	if p.err != nil {
		return PushResult{}, p.err
	}
	return p.result, nil
}

func (p *fakePush) Calls() []pushCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]pushCall(nil), p.calls...)
}

type fakeCrm struct {
	mu    sync.Mutex
	calls int
	err   error
	last  []models.EntitlementView
}

func (c *fakeCrm) UpdateEntitlements(_ context.Context, _ string, entitlements []models.EntitlementView) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.last = entitlements
	return c.err
}

type fakeAlerter struct {
	mu   sync.Mutex
	jobs []models.CrmSyncJob
}

func (a *fakeAlerter) AlertDeadJob(_ context.Context, job models.CrmSyncJob) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.jobs = append(a.jobs, job)
	return nil
}

var errBoom = errors.New("boom")

// harness wires the full pipeline over an in-memory database.
type harness struct {
	chain     *testutil.SigningChain
	db        *gorm.DB
	verifier  *SignatureVerifier
	ledger    *EntitlementLedger
	changeLog *database.ChangeLogStore
	crmJobs   *database.CrmJobRepo
	devices   *database.DeviceRepo
	sessions  *SessionRegistry
	push      *fakePush
	pipeline  *NotificationPipeline
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	chain := testutil.NewSigningChain(t)
	verifier, err := NewSignatureVerifier(chain.RootPEM, nil, true)
	require.NoError(t, err)

	db := testutil.NewDB(t)
	leases := NewMemoryLeaseStore(time.Minute)
	t.Cleanup(leases.Stop)

	h := &harness{
		chain:     chain,
		db:        db,
		verifier:  verifier,
		ledger:    NewEntitlementLedger(db, database.NewEntitlementRepo(db), nil),
		changeLog: database.NewChangeLogStore(db),
		crmJobs:   database.NewCrmJobRepo(db),
		devices:   database.NewDeviceRepo(db),
		sessions:  NewSessionRegistry(time.Second, time.Hour, time.Second, nil),
		push:      &fakePush{},
	}

	dispatcher := NewFanoutDispatcher(FanoutDeps{
		ChangeLog: h.changeLog,
		CrmQueue:  h.crmJobs,
		Catalog: NewStaticContentCatalog(map[string][]string{
			"course_123": {"course_123_lesson_1", "course_123_lesson_2"},
		}),
		Sessions: h.sessions,
		Push:     h.push,
		Devices:  h.devices,
	})

	h.pipeline = NewNotificationPipeline(PipelineDeps{
		DB:          db,
		Verifier:    verifier,
		Parser:      NewNotificationParser(nil),
		Idempotency: NewIdempotencyStore(database.NewIdempotencyRepo(db), leases, time.Minute),
		Ledger:      h.ledger,
		Dispatcher:  dispatcher,
	})
	return h
}

func (h *harness) changes(t *testing.T, userID string) []models.ChangeLogEntry {
	t.Helper()
	var out []models.ChangeLogEntry
	for entry, err := range h.changeLog.Query(context.Background(), userID, time.Time{}) {
		require.NoError(t, err)
		out = append(out, entry)
	}
	return out
}

func ptr[T any](v T) *T { return &v }
