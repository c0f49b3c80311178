package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/voxgate/internal/protocol"
)

var ErrNotFound = errors.New("session not found")

// Manager tracks live device sessions. Sessions with no inbound traffic for
// longer than the inactivity timeout are closed by the janitor.
type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*Session
	closers           map[string]Closer
	inactivityTimeout time.Duration
	onExpire          func(*Session)
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 10 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*Session),
		closers:           make(map[string]Closer),
		inactivityTimeout: inactivityTimeout,
	}
}

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Open registers a session. An empty ID is replaced with a fresh one.
func (m *Manager) Open(s Session, closer Closer) *Session {
	now := time.Now().UTC()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Transport == "" {
		s.Transport = protocol.TransportWebSocket
	}
	s.Status = StatusActive
	s.StartedAt = now
	s.LastActivityAt = now

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = &s
	if closer != nil {
		m.closers[s.ID] = closer
	}
	return clone(&s)
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (m *Manager) Touch(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// ApplyHello records the parameters agreed in the hello exchange.
func (m *Manager) ApplyHello(sessionID, transport string, params protocol.AudioParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.Transport = transport
	s.AudioParams = params
	s.HelloDone = true
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// End removes the session and returns its final state.
func (m *Manager) End(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	now := time.Now().UTC()
	s.Status = StatusEnded
	s.EndedAt = now
	s.LastActivityAt = now
	delete(m.sessions, sessionID)
	delete(m.closers, sessionID)
	return clone(s), nil
}

// ForDevice lists a device's live sessions, oldest first.
func (m *Manager) ForDevice(deviceID string) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.DeviceID == deviceID {
			out = append(out, clone(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	type expiry struct {
		s      *Session
		closer Closer
	}
	var expired []expiry

	m.mu.Lock()
	for id, s := range m.sessions {
		if now.Sub(s.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		s.Status = StatusEnded
		s.EndedAt = now
		expired = append(expired, expiry{s: clone(s), closer: m.closers[id]})
		delete(m.sessions, id)
		delete(m.closers, id)
	}
	hook := m.onExpire
	m.mu.Unlock()

	for _, e := range expired {
		if e.closer != nil {
			e.closer(protocol.CloseNormal, "session inactive")
		}
		if hook != nil {
			hook(e.s)
		}
	}
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
