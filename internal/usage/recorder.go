package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/paygate/internal/idgen"
	"github.com/mbd888/paygate/internal/money"
	"github.com/mbd888/paygate/internal/registry"
	"github.com/mbd888/paygate/internal/traces"
	"github.com/mbd888/paygate/internal/validation"
)

// RecordInput describes a call to record.
type RecordInput struct {
	ListingID    string
	CallerWallet string
	Success      bool
	Error        string
	Cost         decimal.Decimal

	// Set by the gateway router; zero for externally reported usage.
	// A non-empty OwnerWallet skips the listing lookup, so calls already
	// paid for are recorded even if the API was deregistered mid-call.
	Slug        string
	OwnerWallet string
	APIName     string
	StatusCode  int
	Latency     time.Duration
}

// Recorder appends usage events.
type Recorder struct {
	store     Store
	listings  ListingResolver
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewRecorder creates a recorder. listings may be nil, in which case any
// listing id is accepted and owner/name are left empty.
func NewRecorder(store Store, listings ListingResolver, logger *slog.Logger) *Recorder {
	return &Recorder{
		store:    store,
		listings: listings,
		logger:   logger,
		now:      time.Now,
	}
}

// WithPublisher sets the realtime publisher.
func (r *Recorder) WithPublisher(p Publisher) *Recorder {
	r.publisher = p
	return r
}

// Record validates and stores one event together with the listing
// aggregate increment.
func (r *Recorder) Record(ctx context.Context, in RecordInput) (*Event, *ListingStats, error) {
	in.CallerWallet = validation.NormalizeWallet(in.CallerWallet)
	errs := validation.Validate(
		validation.Required("listingId", in.ListingID),
		validation.Required("callerWallet", in.CallerWallet),
		validation.MaxLength("callerWallet", in.CallerWallet, validation.MaxWalletLength),
		validation.MaxLength("error", in.Error, validation.MaxStringLength),
	)
	if in.Cost.IsNegative() {
		errs = append(errs, validation.ValidationError{Field: "cost", Message: "must not be negative"})
	}
	if len(errs) > 0 {
		return nil, nil, errs
	}

	ctx, span := traces.StartSpan(ctx, "usage.Record",
		traces.ListingID(in.ListingID), traces.Wallet(in.CallerWallet), traces.Amount(money.Format(in.Cost)))
	defer span.End()

	e := &Event{
		ID:           idgen.WithPrefix("use_"),
		ListingID:    in.ListingID,
		CallerWallet: in.CallerWallet,
		Slug:         in.Slug,
		OwnerWallet:  in.OwnerWallet,
		APIName:      in.APIName,
		Success:      in.Success,
		Error:        in.Error,
		Cost:         in.Cost.Truncate(money.Decimals),
		StatusCode:   in.StatusCode,
		LatencyMs:    in.Latency.Milliseconds(),
		Timestamp:    r.now().UTC(),
	}

	if r.listings != nil && in.OwnerWallet == "" {
		reg, err := r.listings.ResolveListing(ctx, in.ListingID)
		if errors.Is(err, registry.ErrNotFound) {
			return nil, nil, ErrListingNotFound
		}
		if err != nil {
			return nil, nil, fmt.Errorf("usage: resolve listing %s: %w", in.ListingID, err)
		}
		e.OwnerWallet = reg.OwnerWallet
		e.APIName = reg.Name
		if e.Slug == "" {
			e.Slug = reg.Slug
		}
	}

	stats, err := r.store.Insert(ctx, e)
	if err != nil {
		return nil, nil, fmt.Errorf("usage: record: %w", err)
	}

	eventsRecorded.WithLabelValues(outcome(e.Success)).Inc()
	revenueRecorded.Add(money.Float(e.Cost))
	if r.publisher != nil {
		cp := *e
		r.publisher.UsageRecorded(&cp)
	}
	return e, stats, nil
}

// ListingStats returns the aggregates of one listing.
func (r *Recorder) ListingStats(ctx context.Context, listingID string) (*ListingStats, error) {
	return r.store.ListingStats(ctx, listingID)
}

// ListByListing returns a listing's most recent events.
func (r *Recorder) ListByListing(ctx context.Context, listingID string, limit int) ([]*Event, error) {
	return r.store.ListByListing(ctx, listingID, clampLimit(limit))
}

// ListByOwner returns recent events across every listing an owner earns from.
func (r *Recorder) ListByOwner(ctx context.Context, owner string, limit int) ([]*Event, error) {
	return r.store.ListByOwner(ctx, validation.NormalizeWallet(owner), clampLimit(limit))
}

// List returns recent events, optionally limited to one owner.
func (r *Recorder) List(ctx context.Context, owner string, limit int) ([]*Event, error) {
	return r.store.List(ctx, validation.NormalizeWallet(owner), clampLimit(limit))
}

// CheckAggregates compares stored aggregates with event sums.
func (r *Recorder) CheckAggregates(ctx context.Context) ([]AggregateCheck, error) {
	return r.store.CheckAggregates(ctx)
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
