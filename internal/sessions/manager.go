package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mozihq/mozi/internal/store"
)

// EventType identifies a session lifecycle event.
type EventType string

const (
	EventCreated EventType = "created"
	EventUpdated EventType = "updated"
)

// Event is broadcast to listeners on session lifecycle changes.
type Event struct {
	Type    EventType
	Session store.Session
}

// Listener receives session lifecycle events. Must not block.
type Listener func(Event)

// Manager is a write-through cache over the session store. The in-memory map
// is the read path; every mutation lands in the durable row before the call
// returns. Status values are normalized to the session vocabulary on the way
// in.
type Manager struct {
	store store.SessionStore
	now   func() time.Time

	mu        sync.RWMutex
	sessions  map[string]*store.Session
	listeners []Listener
}

// NewManager creates a session manager over the given store.
func NewManager(st store.SessionStore, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{
		store:    st,
		now:      now,
		sessions: make(map[string]*store.Session),
	}
}

// OnEvent registers a lifecycle listener.
func (m *Manager) OnEvent(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// GetOrCreate returns the session for key, creating it from defaults when
// absent. The created flag is true only when this call inserted the row.
func (m *Manager) GetOrCreate(ctx context.Context, key string, defaults store.Session) (store.Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[key]; ok {
		return *s, false, nil
	}

	// Cache miss — the row may still exist from a previous process.
	if existing, err := m.store.Get(ctx, key); err != nil {
		return store.Session{}, false, fmt.Errorf("load session %s: %w", key, err)
	} else if existing != nil {
		m.sessions[key] = existing
		return *existing, false, nil
	}

	now := m.now().UTC()
	agentID, channel, peerType, peerID := ParseKey(key)

	s := defaults
	s.Key = key
	if s.AgentID == "" {
		s.AgentID = agentID
	}
	if s.ChannelID == "" {
		s.ChannelID = channel
	}
	if s.PeerID == "" {
		s.PeerID = peerID
	}
	if s.PeerType == "" {
		s.PeerType = peerType
	}
	s.Status = store.NormalizeStatus(string(s.Status))
	s.CreatedAt = now
	s.LastActiveAt = now

	if err := m.store.Upsert(ctx, s); err != nil {
		return store.Session{}, false, fmt.Errorf("create session %s: %w", key, err)
	}
	m.sessions[key] = &s

	slog.Debug("session created", "session", key, "agent", s.AgentID, "channel", s.ChannelID)
	m.broadcast(Event{Type: EventCreated, Session: s})
	return s, true, nil
}

// Update merges changes into the session via apply, refreshes lastActiveAt,
// and writes through to the store. The session must exist.
func (m *Manager) Update(ctx context.Context, key string, apply func(*store.Session)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[key]
	if !ok {
		loaded, err := m.store.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("load session %s: %w", key, err)
		}
		if loaded == nil {
			return fmt.Errorf("session %s not found", key)
		}
		m.sessions[key] = loaded
		s = loaded
	}

	apply(s)
	s.Status = store.NormalizeStatus(string(s.Status))
	s.LastActiveAt = m.now().UTC()

	if err := m.store.Upsert(ctx, *s); err != nil {
		return fmt.Errorf("update session %s: %w", key, err)
	}

	m.broadcast(Event{Type: EventUpdated, Session: *s})
	return nil
}

// SetStatus is the common update: transition the session's status.
func (m *Manager) SetStatus(ctx context.Context, key string, status store.Status) error {
	return m.Update(ctx, key, func(s *store.Session) {
		s.Status = status
	})
}

// Get returns the session for key, or false when unknown.
func (m *Manager) Get(ctx context.Context, key string) (store.Session, bool) {
	m.mu.RLock()
	if s, ok := m.sessions[key]; ok {
		m.mu.RUnlock()
		return *s, true
	}
	m.mu.RUnlock()

	loaded, err := m.store.Get(ctx, key)
	if err != nil || loaded == nil {
		return store.Session{}, false
	}

	m.mu.Lock()
	m.sessions[key] = loaded
	m.mu.Unlock()
	return *loaded, true
}

// Delete removes a session (subagent cleanup only).
func (m *Manager) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.sessions, key)
	m.mu.Unlock()
	return m.store.Delete(ctx, key)
}

// broadcast must be called with m.mu held.
func (m *Manager) broadcast(ev Event) {
	for _, l := range m.listeners {
		l(ev)
	}
}
