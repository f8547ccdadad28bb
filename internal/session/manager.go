// Package session pairs controllers with targets and expires idle pairings.
//
// A Manager holds every active session behind a single lock. Pairing, ending
// and sweeping all take that lock for writing, so a session is observed as
// removed by exactly one caller.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrTargetNotFound      = errors.New("session: target not found")
	ErrTargetAlreadyPaired = errors.New("session: target already paired")
	ErrControllerBusy      = errors.New("session: controller already paired")
	ErrSessionLimit        = errors.New("session: session limit reached")
)

const (
	DefaultIdleTimeout   = 60 * time.Minute
	DefaultSweepInterval = 5 * time.Minute
)

// TargetResolver maps a declared target id to its live connection id.
type TargetResolver func(targetID string) (connID string, ok bool)

type Session struct {
	ID           string
	ControllerID string
	TargetID     string
	TargetConnID string
	CreatedAt    time.Time
	LastActivity time.Time
	EndReason    string
}

// Peer returns the connection id on the other side of connID.
func (s Session) Peer(connID string) string {
	if connID == s.ControllerID {
		return s.TargetConnID
	}
	return s.ControllerID
}

type Options struct {
	// MaxSessions caps concurrent sessions; zero means unlimited.
	MaxSessions int
	Now         func() time.Time
}

type Manager struct {
	mu          sync.RWMutex
	resolve     TargetResolver
	maxSessions int
	now         func() time.Time

	sessions map[string]*Session
	byTarget map[string]string // target id -> session id
	byConn   map[string]string // controller or target conn id -> session id

	// Last session each controller lost, kept until it pairs again or is
	// forgotten.
	ended map[string]Session
}

func NewManager(resolve TargetResolver, opts Options) *Manager {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		resolve:     resolve,
		maxSessions: opts.MaxSessions,
		now:         now,
		sessions:    make(map[string]*Session),
		byTarget:    make(map[string]string),
		byConn:      make(map[string]string),
		ended:       make(map[string]Session),
	}
}

// CreatePairing creates a session between controllerID and the target
// registered as targetID. The target is resolved while the lock is held so a
// concurrent teardown of that target either happens first (not found) or
// observes the new session.
func (m *Manager) CreatePairing(controllerID, targetID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, busy := m.byConn[controllerID]; busy {
		return Session{}, ErrControllerBusy
	}
	targetConn, ok := m.resolve(targetID)
	if !ok {
		return Session{}, ErrTargetNotFound
	}
	if _, paired := m.byTarget[targetID]; paired {
		return Session{}, ErrTargetAlreadyPaired
	}
	if m.maxSessions > 0 && len(m.sessions) >= m.maxSessions {
		return Session{}, ErrSessionLimit
	}

	now := m.now()
	s := &Session{
		ID:           uuid.NewString(),
		ControllerID: controllerID,
		TargetID:     targetID,
		TargetConnID: targetConn,
		CreatedAt:    now,
		LastActivity: now,
	}
	m.sessions[s.ID] = s
	m.byTarget[targetID] = s.ID
	m.byConn[controllerID] = s.ID
	m.byConn[targetConn] = s.ID
	delete(m.ended, controllerID)
	return *s, nil
}

// Touch refreshes a session's activity clock. Unknown ids are ignored.
func (m *Manager) Touch(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.LastActivity = m.now()
	}
}

// EndSession removes the session and returns it. Only the first call for a
// given id reports true.
func (m *Manager) EndSession(id, reason string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, false
	}
	m.removeLocked(s, reason)
	return *s, true
}

// EndForConn ends whichever session connID takes part in.
func (m *Manager) EndForConn(connID, reason string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byConn[connID]
	if !ok {
		return Session{}, false
	}
	s := m.sessions[id]
	m.removeLocked(s, reason)
	return *s, true
}

// SweepExpired removes and returns every session idle for longer than
// idleTimeout, ending each with reason.
func (m *Manager) SweepExpired(idleTimeout time.Duration, reason string) []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var expired []Session
	for _, s := range m.sessions {
		if now.Sub(s.LastActivity) > idleTimeout {
			m.removeLocked(s, reason)
			expired = append(expired, *s)
		}
	}
	return expired
}

func (m *Manager) removeLocked(s *Session, reason string) {
	s.EndReason = reason
	m.ended[s.ControllerID] = *s
	delete(m.sessions, s.ID)
	if m.byTarget[s.TargetID] == s.ID {
		delete(m.byTarget, s.TargetID)
	}
	if m.byConn[s.ControllerID] == s.ID {
		delete(m.byConn, s.ControllerID)
	}
	if m.byConn[s.TargetConnID] == s.ID {
		delete(m.byConn, s.TargetConnID)
	}
}

// LastEnded returns the most recent session controllerID lost and has not
// replaced with a new pairing.
func (m *Manager) LastEnded(controllerID string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.ended[controllerID]
	return s, ok
}

// Forget drops what the manager remembers about a departed connection.
func (m *Manager) Forget(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.ended, connID)
}

func (m *Manager) Get(id string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

func (m *Manager) FindByTarget(targetID string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findLocked(m.byTarget[targetID])
}

// FindByController looks up the session a controller connection drives.
func (m *Manager) FindByController(connID string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.findLocked(m.byConn[connID])
	if !ok || s.ControllerID != connID {
		return Session{}, false
	}
	return s, true
}

// FindByConn looks up the session a connection takes part in, on either side.
func (m *Manager) FindByConn(connID string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findLocked(m.byConn[connID])
}

func (m *Manager) findLocked(id string) (Session, bool) {
	if id == "" {
		return Session{}, false
	}
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// List returns a snapshot of active sessions, oldest first.
func (m *Manager) List() []Session {
	m.mu.RLock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Run sweeps on a fixed interval until ctx is done, ending expired sessions
// with reason and handing each non-empty batch to onExpired.
func (m *Manager) Run(ctx context.Context, interval, idleTimeout time.Duration, reason string, onExpired func([]Session)) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if expired := m.SweepExpired(idleTimeout, reason); len(expired) > 0 && onExpired != nil {
				onExpired(expired)
			}
		}
	}
}
