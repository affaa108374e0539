package storage

import (
	"context"
	"sync"
	"time"
)

// MemoryTriggerStore is an in-process TriggerStore used by tests and by the
// watcher's dry-run mode. Same once-only semantics as the database barrier,
// without the database.
type MemoryTriggerStore struct {
	mu      sync.Mutex
	expires map[string]time.Time

	now func() time.Time
}

// NewMemoryTriggerStore constructs an empty in-memory barrier.
func NewMemoryTriggerStore() *MemoryTriggerStore {
	return &MemoryTriggerStore{
		expires: make(map[string]time.Time),
		now:     time.Now,
	}
}

// MarkTriggered records the race; returns false if already marked.
func (m *MemoryTriggerStore) MarkTriggered(_ context.Context, raceID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if expiry, ok := m.expires[raceID]; ok && m.now().Before(expiry) {
		return false, nil
	}
	m.expires[raceID] = m.now().Add(ttl)
	return true, nil
}

// Has reports whether an unexpired mark exists for the race.
func (m *MemoryTriggerStore) Has(_ context.Context, raceID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	expiry, ok := m.expires[raceID]
	return ok && m.now().Before(expiry), nil
}

// PurgeExpired removes expired marks.
func (m *MemoryTriggerStore) PurgeExpired(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	now := m.now()
	for raceID, expiry := range m.expires {
		if !now.Before(expiry) {
			delete(m.expires, raceID)
			removed++
		}
	}
	return removed, nil
}

var _ TriggerStore = (*MemoryTriggerStore)(nil)
