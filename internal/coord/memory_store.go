package coord

import (
	"context"
	"sync"
	"time"
)

type memorySweep struct {
	owner     string
	expiresAt time.Time
	pending   map[string]struct{}
}

// MemoryStore is an in-process Store for tests and single-instance
// deployments without a broker.
type MemoryStore struct {
	mu     sync.Mutex
	sweeps map[string]*memorySweep

	// Now is overridable for expiry tests.
	Now func() time.Time
}

// NewMemoryStore creates an empty in-memory coordination store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sweeps: make(map[string]*memorySweep),
		Now:    time.Now,
	}
}

// AcquireLease implements Store.AcquireLease
func (m *MemoryStore) AcquireLease(ctx context.Context, sweep, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.sweeps[sweep]; ok && m.Now().Before(existing.expiresAt) {
		return false, nil
	}
	m.sweeps[sweep] = &memorySweep{
		owner:     owner,
		expiresAt: m.Now().Add(ttl),
		pending:   make(map[string]struct{}),
	}
	return true, nil
}

// ReleaseLease implements Store.ReleaseLease
func (m *MemoryStore) ReleaseLease(ctx context.Context, sweep, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.sweeps[sweep]
	if !ok || m.Now().After(existing.expiresAt) {
		return nil
	}
	if existing.owner != owner {
		return ErrNotLeaseOwner
	}
	delete(m.sweeps, sweep)
	return nil
}

// AddPending implements Store.AddPending
func (m *MemoryStore) AddPending(ctx context.Context, sweep string, members []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.live(sweep)
	if existing == nil {
		return nil
	}
	for _, member := range members {
		existing.pending[member] = struct{}{}
	}
	return nil
}

// RemovePending implements Store.RemovePending
func (m *MemoryStore) RemovePending(ctx context.Context, sweep, member string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.live(sweep)
	if existing == nil {
		return 0, nil
	}
	delete(existing.pending, member)
	return len(existing.pending), nil
}

// PendingCount implements Store.PendingCount
func (m *MemoryStore) PendingCount(ctx context.Context, sweep string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.live(sweep)
	if existing == nil {
		return 0, nil
	}
	return len(existing.pending), nil
}

// PendingMembers implements Store.PendingMembers
func (m *MemoryStore) PendingMembers(ctx context.Context, sweep string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.live(sweep)
	if existing == nil {
		return nil, nil
	}
	members := make([]string, 0, len(existing.pending))
	for member := range existing.pending {
		members = append(members, member)
	}
	return members, nil
}

// live returns the sweep state if its lease has not expired, pruning it
// otherwise. Callers must hold the mutex.
func (m *MemoryStore) live(sweep string) *memorySweep {
	existing, ok := m.sweeps[sweep]
	if !ok {
		return nil
	}
	if m.Now().After(existing.expiresAt) {
		delete(m.sweeps, sweep)
		return nil
	}
	return existing
}
