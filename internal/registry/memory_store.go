package registry

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is a thread-safe in-memory implementation
type MemoryStore struct {
	mu    sync.RWMutex
	regs  map[string]*Registration // slug -> registration
	byLID map[string]string        // listing id -> slug
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		regs:  make(map[string]*Registration),
		byLID: make(map[string]string),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Get(ctx context.Context, slug string) (*Registration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	reg, ok := m.regs[slug]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *reg
	return &cp, nil
}

func (m *MemoryStore) GetByListing(ctx context.Context, listingID string) (*Registration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	slug, ok := m.byLID[listingID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.regs[slug]
	return &cp, nil
}

func (m *MemoryStore) Put(ctx context.Context, reg *Registration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.regs[reg.Slug]; ok && m.byLID[old.ListingID] == reg.Slug {
		delete(m.byLID, old.ListingID)
	}
	cp := *reg
	m.regs[reg.Slug] = &cp
	m.byLID[reg.ListingID] = reg.Slug
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, slug string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, ok := m.regs[slug]
	if !ok {
		return ErrNotFound
	}
	if m.byLID[reg.ListingID] == slug {
		delete(m.byLID, reg.ListingID)
	}
	delete(m.regs, slug)
	return nil
}

func (m *MemoryStore) List(ctx context.Context) ([]*Registration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Registration, 0, len(m.regs))
	for _, reg := range m.regs {
		cp := *reg
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

func (m *MemoryStore) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.regs), nil
}
