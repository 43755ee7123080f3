package session

import (
	"log/slog"
	"sync"

	"github.com/ElevenGiants/eleven-server-sub000/internal/metrics"
)

// Manager tracks the live sessions of this shard.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Session, 256)}
}

func (m *Manager) register(s *Session) {
	m.mu.Lock()
	m.sessions[s.SessionID()] = s
	n := len(m.sessions)
	m.mu.Unlock()
	metrics.SessionsConnected.Set(float64(n))
}

func (m *Manager) deregister(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s.SessionID())
	n := len(m.sessions)
	m.mu.Unlock()
	metrics.SessionsConnected.Set(float64(n))
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// ForEachSession iterates a snapshot of the live sessions.
func (m *Manager) ForEachSession(fn func(s *Session) bool) {
	m.mu.Lock()
	snapshot := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		snapshot = append(snapshot, s)
	}
	m.mu.Unlock()

	for _, s := range snapshot {
		if !fn(s) {
			return
		}
	}
}

// SendToAll broadcasts a message to every logged-in session. Send
// failures are logged per session and do not stop the broadcast.
func (m *Manager) SendToAll(msg map[string]any) {
	m.ForEachSession(func(s *Session) bool {
		if !s.LoggedIn() {
			return true
		}
		if err := s.Send(msg); err != nil {
			slog.Warn("broadcast failed", "session", s.SessionID(), "error", err)
		}
		return true
	})
}

// CloseAll tears down every session; used during shutdown after the
// farewell broadcast.
func (m *Manager) CloseAll() {
	m.ForEachSession(func(s *Session) bool {
		s.Close()
		return true
	})
}
