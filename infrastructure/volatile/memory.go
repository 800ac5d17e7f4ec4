// Package volatile keeps connection liveness for the presence tracker.
// Nothing in here is durable: losing it only costs a reconnect.
package volatile

import (
	"chat-sync/contract"
	"chat-sync/domain"
	"context"
	"sync"
	"time"
)

// MemoryStore is the single node volatile store.
type MemoryStore struct {
	mu    sync.Mutex
	users map[domain.UserID]map[string]time.Time
}

var _ contract.VolatileStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[domain.UserID]map[string]time.Time)}
}

func (m *MemoryStore) Touch(_ context.Context, conn contract.Connection, at time.Time) (bool, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conns, ok := m.users[conn.UserID]
	if !ok {
		conns = make(map[string]time.Time)
		m.users[conn.UserID] = conns
	}
	_, known := conns[conn.ConnectionID]
	conns[conn.ConnectionID] = at
	return !known, len(conns), nil
}

func (m *MemoryStore) Drop(_ context.Context, conn contract.Connection) (bool, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conns := m.users[conn.UserID]
	if _, known := conns[conn.ConnectionID]; !known {
		return false, len(conns), nil
	}
	delete(conns, conn.ConnectionID)
	if len(conns) == 0 {
		delete(m.users, conn.UserID)
	}
	return true, len(conns), nil
}

func (m *MemoryStore) Stale(_ context.Context, deadline time.Time) ([]contract.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stale []contract.Connection
	for user, conns := range m.users {
		for id, seen := range conns {
			if seen.Before(deadline) {
				stale = append(stale, contract.Connection{UserID: user, ConnectionID: id})
			}
		}
	}
	return stale, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
