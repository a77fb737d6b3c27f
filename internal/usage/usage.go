// Package usage records gateway calls and answers activity queries.
//
// Every call the router handles becomes an immutable Event. Recording an
// event and bumping its listing's aggregates happen atomically, so a
// reader never sees one without the other.
package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/paygate/internal/registry"
)

var (
	ErrListingNotFound  = errors.New("usage: listing not found")
	ErrInvalidTimeRange = errors.New("usage: invalid time range")
)

// Event is one recorded gateway call.
type Event struct {
	ID           string          `json:"id" db:"id"`
	ListingID    string          `json:"api_id" db:"listing_id"`
	CallerWallet string          `json:"user_address" db:"caller_wallet"`
	OwnerWallet  string          `json:"owner_wallet,omitempty" db:"owner_wallet"`
	APIName      string          `json:"api_name,omitempty" db:"api_name"`
	Slug         string          `json:"slug,omitempty" db:"slug"`
	Success      bool            `json:"success" db:"success"`
	Error        string          `json:"error,omitempty" db:"error"`
	Cost         decimal.Decimal `json:"cost" db:"cost"`
	StatusCode   int             `json:"status_code,omitempty" db:"status_code"`
	LatencyMs    int64           `json:"latency_ms,omitempty" db:"latency_ms"`
	Timestamp    time.Time       `json:"timestamp" db:"created_at"`
}

// ListingStats are the running aggregates for a listing.
type ListingStats struct {
	ListingID    string          `json:"api_id" db:"listing_id"`
	OwnerWallet  string          `json:"owner_wallet,omitempty" db:"owner_wallet"`
	TotalCalls   int64           `json:"total_calls" db:"total_calls"`
	TotalRevenue decimal.Decimal `json:"total_revenue" db:"total_revenue"`
}

// Summary is the read-only activity rollup. Successful and Failed always
// add up to Total.
type Summary struct {
	TotalRequests      int64           `json:"totalRequests" db:"total_requests"`
	SuccessfulRequests int64           `json:"successfulRequests" db:"successful_requests"`
	FailedRequests     int64           `json:"failedRequests" db:"failed_requests"`
	TotalRevenue       decimal.Decimal `json:"totalRevenue" db:"total_revenue"`
}

// AggregateCheck pairs a listing's stored aggregates with the totals
// recomputed from its events.
type AggregateCheck struct {
	ListingID  string       `json:"listingId"`
	Stored     ListingStats `json:"stored"`
	FromEvents ListingStats `json:"fromEvents"`
}

// Consistent reports whether the stored aggregates match the events.
func (a AggregateCheck) Consistent() bool {
	return a.Stored.TotalCalls == a.FromEvents.TotalCalls &&
		a.Stored.TotalRevenue.Equal(a.FromEvents.TotalRevenue)
}

// Store persists usage events and listing aggregates.
type Store interface {
	// Insert stores the event and increments its listing's aggregates in
	// one atomic step, returning the updated aggregates.
	Insert(ctx context.Context, e *Event) (*ListingStats, error)
	ListingStats(ctx context.Context, listingID string) (*ListingStats, error)
	ListByListing(ctx context.Context, listingID string, limit int) ([]*Event, error)
	ListByOwner(ctx context.Context, owner string, limit int) ([]*Event, error)
	List(ctx context.Context, owner string, limit int) ([]*Event, error)
	Summarize(ctx context.Context, owner string, since time.Time) (*Summary, error)
	CheckAggregates(ctx context.Context) ([]AggregateCheck, error)
}

// ListingResolver maps listing ids to registrations.
type ListingResolver interface {
	ResolveListing(ctx context.Context, listingID string) (*registry.Registration, error)
}

// Publisher receives events after they are committed.
type Publisher interface {
	UsageRecorded(e *Event)
}

// TimeRanges are the accepted summary windows.
var TimeRanges = map[string]time.Duration{
	"1h":  time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
}

// Since converts a time range to its lower bound. Empty means all time
// and yields the zero time.
func Since(timeRange string, now time.Time) (time.Time, error) {
	if timeRange == "" {
		return time.Time{}, nil
	}
	d, ok := TimeRanges[timeRange]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %q (use 1h, 24h, 7d or 30d)", ErrInvalidTimeRange, timeRange)
	}
	return now.Add(-d), nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}
