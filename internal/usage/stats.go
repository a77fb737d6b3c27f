package usage

import (
	"context"
	"time"

	"github.com/mbd888/paygate/internal/validation"
)

// Stats answers read-only summary queries.
type Stats struct {
	store Store
	now   func() time.Time
}

// NewStats creates a stats query service.
func NewStats(store Store) *Stats {
	return &Stats{store: store, now: time.Now}
}

// Summarize rolls up activity for an owner (empty for everyone) over a
// time range (empty for all time).
func (s *Stats) Summarize(ctx context.Context, owner, timeRange string) (*Summary, error) {
	since, err := Since(timeRange, s.now())
	if err != nil {
		return nil, err
	}
	return s.store.Summarize(ctx, validation.NormalizeWallet(owner), since)
}
