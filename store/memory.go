package store

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

type inMemory struct {
	mu     sync.Mutex
	leases map[string]Lease
}

// NewMemoryLeases returns a single process LeaseStore
func NewMemoryLeases() LeaseStore {
	return &inMemory{}
}

func (m *inMemory) Acquire(_ context.Context, lease Lease, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.leases == nil {
		// create on first use
		m.leases = make(map[string]Lease)
	}

	now := TimeNowFn()
	if cur, ok := m.leases[lease.Name]; ok && cur.Owner != lease.Owner && cur.ExpiresAt.After(now) {
		return false, nil
	}

	lease.AcquiredAt = now.UTC()
	lease.ExpiresAt = now.Add(ttl).UTC()
	m.leases[lease.Name] = lease
	return true, nil
}

func (m *inMemory) Release(_ context.Context, name, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.leases[name]; ok && cur.Owner == owner {
		delete(m.leases, name)
	}
	return nil
}

func (m *inMemory) Get(_ context.Context, name string) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.leases[name]
	if !ok {
		return nil, nil
	}
	if !cur.ExpiresAt.After(TimeNowFn()) {
		delete(m.leases, name)
		return nil, nil
	}
	return &cur, nil
}

func (m *inMemory) List(_ context.Context) ([]Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := TimeNowFn()
	var list []Lease
	for name, cur := range m.leases {
		if !cur.ExpiresAt.After(now) {
			delete(m.leases, name)
			continue
		}
		list = append(list, cur)
	}
	slices.SortFunc(list, func(a, b Lease) int {
		return strings.Compare(a.Name, b.Name)
	})
	return list, nil
}
