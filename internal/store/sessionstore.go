package store

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/raphaeltm/mcphost/internal/domain"
	"github.com/raphaeltm/mcphost/internal/logging"
)

var sessionLog = logging.For("sessionstore")

// OnExpiredFunc is invoked by the sweep for each session that aged out. It
// runs outside the SessionStore's lock so it may safely call back into the
// store or other subsystems (e.g. to cascade workspace cleanup).
type OnExpiredFunc func(sessionID, workspaceID string)

// SessionStore is the in-memory, per-workspace session registry with an
// idle-expiry sweep. Unlike the other stores, sessions are never
// persisted to disk: a restart naturally drops them.
type SessionStore struct {
	defaultTTL    time.Duration
	sweepInterval time.Duration

	mu       sync.RWMutex
	sessions map[string]domain.Session // id -> session

	onExpired OnExpiredFunc

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewSessionStore creates a SessionStore. Call Start to begin the sweep
// goroutine once onExpired is wired.
func NewSessionStore(defaultTTL, sweepInterval time.Duration) *SessionStore {
	return &SessionStore{
		defaultTTL:    defaultTTL,
		sweepInterval: sweepInterval,
		sessions:      make(map[string]domain.Session),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// Start launches the periodic sweep goroutine. onExpired is called for
// every session the sweep removes.
func (s *SessionStore) Start(onExpired OnExpiredFunc) {
	s.onExpired = onExpired
	go s.sweepLoop()
}

// Stop halts the sweep goroutine and waits for it to exit.
func (s *SessionStore) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

func (s *SessionStore) sweepLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *SessionStore) sweep() {
	now := time.Now()
	var expired []domain.Session

	s.mu.Lock()
	for id, sess := range s.sessions {
		if sess.Expired(now) {
			expired = append(expired, sess)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	for _, sess := range expired {
		sessionLog.Info("session expired", "sessionId", sess.ID, "workspaceId", sess.WorkspaceID)
		if s.onExpired != nil {
			s.onExpired(sess.ID, sess.WorkspaceID)
		}
	}
}

// Touch records activity for workspaceID, creating a new session if none
// exists for it yet, and returns the (possibly new) session. ttl overrides
// the store's default when non-zero (a per-workspace TTL configuration).
func (s *SessionStore) Touch(workspaceID string, ttl time.Duration) domain.Session {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, sess := range s.sessions {
		if sess.WorkspaceID == workspaceID {
			sess.LastActivityAt = time.Now()
			s.sessions[id] = sess
			return sess
		}
	}

	sess := domain.Session{
		ID:             uuid.NewString(),
		WorkspaceID:    workspaceID,
		LastActivityAt: time.Now(),
		TTL:            ttl,
	}
	s.sessions[sess.ID] = sess
	return sess
}

// ActiveForWorkspace reports whether workspaceID currently has a live
// (non-expired) session, used to gate workspace auto-cleanup.
func (s *SessionStore) ActiveForWorkspace(workspaceID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	for _, sess := range s.sessions {
		if sess.WorkspaceID == workspaceID && !sess.Expired(now) {
			return true
		}
	}
	return false
}

// List returns a snapshot of every live session.
func (s *SessionStore) List() []domain.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}
