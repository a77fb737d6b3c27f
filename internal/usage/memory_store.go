package usage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore keeps events and aggregates in memory. Insert holds a
// single lock across both writes so they are never observed apart.
type MemoryStore struct {
	mu     sync.RWMutex
	events []*Event // append order
	stats  map[string]*ListingStats
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory usage store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{stats: make(map[string]*ListingStats)}
}

func (m *MemoryStore) Insert(ctx context.Context, e *Event) (*ListingStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *e
	m.events = append(m.events, &cp)

	st, ok := m.stats[e.ListingID]
	if !ok {
		st = &ListingStats{ListingID: e.ListingID, TotalRevenue: decimal.Zero}
		m.stats[e.ListingID] = st
	}
	if e.OwnerWallet != "" {
		st.OwnerWallet = e.OwnerWallet
	}
	st.TotalCalls++
	st.TotalRevenue = st.TotalRevenue.Add(e.Cost)

	out := *st
	return &out, nil
}

func (m *MemoryStore) ListingStats(ctx context.Context, listingID string) (*ListingStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.stats[listingID]
	if !ok {
		return &ListingStats{ListingID: listingID, TotalRevenue: decimal.Zero}, nil
	}
	out := *st
	return &out, nil
}

// newest walks events newest first, keeping those that match.
func (m *MemoryStore) newest(limit int, match func(*Event) bool) []*Event {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Event, 0)
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		if match(m.events[i]) {
			cp := *m.events[i]
			out = append(out, &cp)
		}
	}
	return out
}

func (m *MemoryStore) ListByListing(ctx context.Context, listingID string, limit int) ([]*Event, error) {
	return m.newest(limit, func(e *Event) bool { return e.ListingID == listingID }), nil
}

func (m *MemoryStore) ListByOwner(ctx context.Context, owner string, limit int) ([]*Event, error) {
	return m.newest(limit, func(e *Event) bool { return e.OwnerWallet == owner }), nil
}

func (m *MemoryStore) List(ctx context.Context, owner string, limit int) ([]*Event, error) {
	return m.newest(limit, func(e *Event) bool { return owner == "" || e.OwnerWallet == owner }), nil
}

func (m *MemoryStore) Summarize(ctx context.Context, owner string, since time.Time) (*Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := &Summary{TotalRevenue: decimal.Zero}
	for _, e := range m.events {
		if owner != "" && e.OwnerWallet != owner {
			continue
		}
		if !since.IsZero() && e.Timestamp.Before(since) {
			continue
		}
		s.TotalRequests++
		if e.Success {
			s.SuccessfulRequests++
		} else {
			s.FailedRequests++
		}
		s.TotalRevenue = s.TotalRevenue.Add(e.Cost)
	}
	return s, nil
}

func (m *MemoryStore) CheckAggregates(ctx context.Context) ([]AggregateCheck, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sums := make(map[string]*ListingStats, len(m.stats))
	for _, e := range m.events {
		s, ok := sums[e.ListingID]
		if !ok {
			s = &ListingStats{ListingID: e.ListingID, TotalRevenue: decimal.Zero}
			sums[e.ListingID] = s
		}
		s.TotalCalls++
		s.TotalRevenue = s.TotalRevenue.Add(e.Cost)
	}

	out := make([]AggregateCheck, 0, len(m.stats))
	for id, st := range m.stats {
		check := AggregateCheck{
			ListingID:  id,
			Stored:     *st,
			FromEvents: ListingStats{ListingID: id, TotalRevenue: decimal.Zero},
		}
		if s, ok := sums[id]; ok {
			check.FromEvents = *s
		}
		out = append(out, check)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ListingID < out[j].ListingID })
	return out, nil
}
