package services

import (
	"context"
	"sync"
	"time"

	"entitlement-api/internal/metrics"
	"entitlement-api/internal/models"
	"entitlement-api/pkg/logging"
)

// Session is one live client connection.
type Session interface {
	ID() string
	Send(ctx context.Context, msg models.StreamMessage) error
	// Heartbeat probes the peer and returns an error if it did not answer.
	Heartbeat(ctx context.Context) error
	Close(reason string)
}

// SessionRegistry tracks live sessions per user. Sends never happen while
// the registry lock is held.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]map[string]Session

	sendTimeout       time.Duration
	heartbeatInterval time.Duration
	heartbeatWindow   time.Duration
	metrics           *metrics.Metrics
}

func NewSessionRegistry(sendTimeout, heartbeatInterval, heartbeatWindow time.Duration, m *metrics.Metrics) *SessionRegistry {
	if sendTimeout <= 0 {
		sendTimeout = 5 * time.Second
	}
	if heartbeatInterval <= 0 {
		heartbeatInterval = 30 * time.Second
	}
	if heartbeatWindow <= 0 {
		heartbeatWindow = 10 * time.Second
	}
	return &SessionRegistry{
		sessions:          make(map[string]map[string]Session),
		sendTimeout:       sendTimeout,
		heartbeatInterval: heartbeatInterval,
		heartbeatWindow:   heartbeatWindow,
		metrics:           m,
	}
}

// Register adds s under userID, replacing a session with the same id.
func (r *SessionRegistry) Register(userID string, s Session) {
	r.mu.Lock()
	byID, ok := r.sessions[userID]
	if !ok {
		byID = make(map[string]Session)
		r.sessions[userID] = byID
	}
	byID[s.ID()] = s
	total := r.totalLocked()
	r.mu.Unlock()

	r.metrics.SetSessions(total)
	logging.Infof("Stream session %s registered for user %s", s.ID(), userID)
}

// Unregister removes a session and reports whether it was present.
func (r *SessionRegistry) Unregister(userID, sessionID string) bool {
	r.mu.Lock()
	byID, ok := r.sessions[userID]
	if ok {
		_, ok = byID[sessionID]
		delete(byID, sessionID)
		if len(byID) == 0 {
			delete(r.sessions, userID)
		}
	}
	total := r.totalLocked()
	r.mu.Unlock()

	r.metrics.SetSessions(total)
	return ok
}

// Count returns the live sessions of userID.
func (r *SessionRegistry) Count(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[userID])
}

// Total returns all live sessions.
func (r *SessionRegistry) Total() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.totalLocked()
}

func (r *SessionRegistry) totalLocked() int {
	total := 0
	for _, byID := range r.sessions {
		total += len(byID)
	}
	return total
}

func (r *SessionRegistry) snapshot(userID string) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0, len(r.sessions[userID]))
	for _, s := range r.sessions[userID] {
		out = append(out, s)
	}
	return out
}

type userSession struct {
	userID  string
	session Session
}

func (r *SessionRegistry) snapshotAll() []userSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []userSession
	for userID, byID := range r.sessions {
		for _, s := range byID {
			out = append(out, userSession{userID: userID, session: s})
		}
	}
	return out
}

// Broadcast sends msg to every session of userID and returns how many
// accepted it. Sessions that fail are evicted. No sessions is not an error.
func (r *SessionRegistry) Broadcast(ctx context.Context, userID string, msg models.StreamMessage) int {
	sessions := r.snapshot(userID)
	if len(sessions) == 0 {
		return 0
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		delivered int
	)
	for _, s := range sessions {
		wg.Add(1)
		go func(s Session) {
			defer wg.Done()
			sendCtx, cancel := context.WithTimeout(ctx, r.sendTimeout)
			defer cancel()
			if err := s.Send(sendCtx, msg); err != nil {
				logging.Warnf("Evicting stream session %s for user %s: send failed: %v", s.ID(), userID, err)
				r.evict(userID, s, "send_failed")
				return
			}
			mu.Lock()
			delivered++
			mu.Unlock()
		}(s)
	}
	wg.Wait()
	return delivered
}

func (r *SessionRegistry) evict(userID string, s Session, reason string) {
	if r.Unregister(userID, s.ID()) {
		s.Close(reason)
	}
}

// RunHeartbeat probes every session each interval until ctx is done and
// evicts any that miss the window.
func (r *SessionRegistry) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.heartbeatOnce(ctx)
		}
	}
}

func (r *SessionRegistry) heartbeatOnce(ctx context.Context) {
	var wg sync.WaitGroup
	for _, us := range r.snapshotAll() {
		wg.Add(1)
		go func(us userSession) {
			defer wg.Done()
			hbCtx, cancel := context.WithTimeout(ctx, r.heartbeatWindow)
			defer cancel()
			if err := us.session.Heartbeat(hbCtx); err != nil {
				logging.Infof("Evicting stream session %s for user %s: heartbeat missed: %v", us.session.ID(), us.userID, err)
				r.evict(us.userID, us.session, "heartbeat_timeout")
			}
		}(us)
	}
	wg.Wait()
}

// CloseAll closes every session, used on shutdown.
func (r *SessionRegistry) CloseAll(reason string) {
	for _, us := range r.snapshotAll() {
		r.evict(us.userID, us.session, reason)
	}
}
