// Package session tracks per-user sessions, each owning an independent
// table catalog. Catalogs are never shared across sessions.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sheetsage/sheetsage/internal/catalog"
)

// ErrNotFound is returned when a session id is unknown or already evicted.
var ErrNotFound = errors.New("session not found")

const (
	// DefaultIdleTimeout is how long a session may sit untouched before
	// the sweeper evicts it.
	DefaultIdleTimeout = 30 * time.Minute
	sweepInterval      = time.Minute
)

// Session is one user's working state: a catalog plus bookkeeping. Access
// the catalog only through the owning Manager's Get, which refreshes the
// idle clock.
type Session struct {
	ID      string
	Catalog *catalog.Catalog

	lastUsed time.Time
}

// Manager owns the live session set and evicts idle sessions.
type Manager struct {
	mu          sync.Mutex
	sessions    map[string]*Session
	idleTimeout time.Duration
	now         func() time.Time
}

// NewManager creates a Manager evicting sessions idle longer than
// idleTimeout. Non-positive idleTimeout uses DefaultIdleTimeout.
func NewManager(idleTimeout time.Duration) *Manager {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Manager{
		sessions:    make(map[string]*Session),
		idleTimeout: idleTimeout,
		now:         time.Now,
	}
}

// Create opens a new session with a fresh catalog and returns it.
func (m *Manager) Create() (*Session, error) {
	cat, err := catalog.New()
	if err != nil {
		return nil, err
	}
	s := &Session{
		ID:       uuid.NewString(),
		Catalog:  cat,
		lastUsed: m.now(),
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	return s, nil
}

// Get returns the session with the given id and refreshes its idle clock.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	s.lastUsed = m.now()
	return s, nil
}

// Remove evicts the session and releases its catalog.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	return s.Catalog.Close()
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Run sweeps idle sessions until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.closeAll()
			return ctx.Err()
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep evicts every session idle longer than the timeout.
func (m *Manager) sweep() {
	cutoff := m.now().Add(-m.idleTimeout)

	m.mu.Lock()
	var expired []*Session
	for id, s := range m.sessions {
		if s.lastUsed.Before(cutoff) {
			expired = append(expired, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		s.Catalog.Close()
	}
}

func (m *Manager) closeAll() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		all = append(all, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, s := range all {
		s.Catalog.Close()
	}
}
