package rq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ElevenGiants/eleven-server-sub000/internal/pers"
	"github.com/ElevenGiants/eleven-server-sub000/internal/world"
)

// Manager owns the per-owner request queues: lazily created on first
// use, removed when their worker drains and exits.
type Manager struct {
	w      *world.World
	gw     *pers.Gateway
	budget time.Duration

	mu     sync.Mutex
	queues map[string]*Queue
}

func NewManager(w *world.World, gw *pers.Gateway, budget time.Duration) *Manager {
	if budget <= 0 {
		budget = 30 * time.Second
	}
	return &Manager{
		w:      w,
		gw:     gw,
		budget: budget,
		queues: make(map[string]*Queue, 256),
	}
}

// Get returns the queue for a work owner, creating it on first use.
func (m *Manager) Get(owner string) *Queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[owner]; ok {
		return q
	}
	q := newQueue(owner, m.w, m.gw, m.budget, m.release)
	m.queues[owner] = q
	return q
}

// Peek returns the queue for owner if one exists.
func (m *Manager) Peek(owner string) (*Queue, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[owner]
	return q, ok
}

// Count returns the number of live queues.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues)
}

func (m *Manager) release(q *Queue) {
	m.mu.Lock()
	if cur, ok := m.queues[q.owner]; ok && cur == q {
		delete(m.queues, q.owner)
	}
	m.mu.Unlock()
	slog.Debug("request queue released", "owner", q.owner)
}

// Shutdown drains every queue and waits for the workers to commit
// their backlog, bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	queues := make([]*Queue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.Unlock()

	for _, q := range queues {
		q.Drain()
	}
	for _, q := range queues {
		select {
		case <-q.Released():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
