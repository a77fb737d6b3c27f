// Package registry maps gateway slugs to upstream APIs.
//
// A registration binds a slug to an upstream base URL, a per-call price,
// the owner wallet that earns it, and the listing id usage is recorded
// against. The gateway router resolves every inbound call through here.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gosimple/slug"
	"github.com/shopspring/decimal"

	"github.com/mbd888/paygate/internal/money"
	"github.com/mbd888/paygate/internal/security"
	"github.com/mbd888/paygate/internal/syncutil"
	"github.com/mbd888/paygate/internal/validation"
)

var (
	ErrNotFound          = errors.New("registry: not found")
	ErrSlugTaken         = errors.New("registry: slug already registered")
	ErrUnauthorizedOwner = errors.New("registry: caller does not own this registration")
)

// Policy decides what happens when a slug is registered again.
type Policy string

const (
	// PolicyOverwrite replaces the existing registration (last write wins).
	PolicyOverwrite Policy = "overwrite"
	// PolicyReject refuses any registration of an existing slug.
	PolicyReject Policy = "reject"
	// PolicyOwner lets only the current owner replace a registration.
	PolicyOwner Policy = "owner"
)

// ParsePolicy validates a policy name. Empty means overwrite.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PolicyOverwrite, nil
	case PolicyOverwrite, PolicyReject, PolicyOwner:
		return p, nil
	default:
		return "", fmt.Errorf("registry: unknown re-register policy %q", s)
	}
}

// Registration binds a slug to an upstream API.
type Registration struct {
	Slug            string          `json:"slug"`
	UpstreamBaseURL string          `json:"originalBaseUrl"`
	PricePerCall    decimal.Decimal `json:"pricePerCall"`
	OwnerWallet     string          `json:"owner"`
	ListingID       string          `json:"apiId"`
	Name            string          `json:"name"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// Input is an unvalidated registration request. Price stays a string so
// unparseable values are reported as field errors.
type Input struct {
	Slug            string
	UpstreamBaseURL string
	PricePerCall    string
	OwnerWallet     string
	ListingID       string
	Name            string
}

// reservedSlugs are first path segments served by the gateway itself.
var reservedSlugs = map[string]struct{}{
	"api":     {},
	"gateway": {},
	"health":  {},
	"metrics": {},
	"ws":      {},
}

// Store persists registrations.
type Store interface {
	Get(ctx context.Context, slug string) (*Registration, error)
	GetByListing(ctx context.Context, listingID string) (*Registration, error)
	Put(ctx context.Context, reg *Registration) error
	Delete(ctx context.Context, slug string) error
	List(ctx context.Context) ([]*Registration, error)
	Count(ctx context.Context) (int, error)
}

// Observer is told about new or replaced registrations.
type Observer interface {
	APIRegistered(reg *Registration)
}

// Config controls registry behavior.
type Config struct {
	PublicBaseURL         string
	Policy                Policy
	BlockPrivateUpstreams bool
}

// Registry is the registration service.
type Registry struct {
	store    Store
	cfg      Config
	locks    syncutil.ShardedMutex
	observer Observer

	// validateUpstream is swapped in tests.
	validateUpstream func(string) error
}

// New creates a registry.
func New(store Store, cfg Config) *Registry {
	if cfg.Policy == "" {
		cfg.Policy = PolicyOverwrite
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	return &Registry{
		store:            store,
		cfg:              cfg,
		validateUpstream: security.ValidateEndpointURL,
	}
}

// WithObserver sets the registration observer.
func (r *Registry) WithObserver(o Observer) *Registry {
	r.observer = o
	return r
}

// GatewayURL is the public address callers use for a slug.
func (r *Registry) GatewayURL(slug string) string {
	return r.cfg.PublicBaseURL + "/" + slug
}

// Register validates and stores a registration, returning its gateway URL.
func (r *Registry) Register(ctx context.Context, in Input) (string, error) {
	in.Slug = strings.TrimSpace(in.Slug)
	in.UpstreamBaseURL = strings.TrimSpace(in.UpstreamBaseURL)
	in.OwnerWallet = validation.NormalizeWallet(in.OwnerWallet)
	in.ListingID = strings.TrimSpace(in.ListingID)
	in.Name = validation.SanitizeString(in.Name, 255)

	if errs := validation.Validate(
		validation.Required("slug", in.Slug),
		validation.ValidSlug("slug", in.Slug),
		validation.MaxLength("slug", in.Slug, 128),
		validation.Required("originalBaseUrl", in.UpstreamBaseURL),
		validation.ValidURL("originalBaseUrl", in.UpstreamBaseURL),
		validation.Required("pricePerCall", in.PricePerCall),
		validation.ValidPrice("pricePerCall", in.PricePerCall),
		validation.Required("owner", in.OwnerWallet),
		validation.MaxLength("owner", in.OwnerWallet, validation.MaxWalletLength),
		validation.Required("apiId", in.ListingID),
		validation.MaxLength("apiId", in.ListingID, 128),
	); len(errs) > 0 {
		return "", errs
	}

	if _, ok := reservedSlugs[in.Slug]; ok {
		return "", validation.ValidationErrors{{Field: "slug", Message: "is reserved"}}
	}

	if r.cfg.BlockPrivateUpstreams {
		if err := r.validateUpstream(in.UpstreamBaseURL); err != nil {
			return "", validation.ValidationErrors{{Field: "originalBaseUrl", Message: err.Error()}}
		}
	}

	price, _ := money.ParseNonNegative(in.PricePerCall)
	name := in.Name
	if name == "" {
		name = in.Slug
	}

	unlock := r.locks.Lock(in.Slug)
	defer unlock()

	now := time.Now()
	reg := &Registration{
		Slug:            in.Slug,
		UpstreamBaseURL: strings.TrimRight(in.UpstreamBaseURL, "/"),
		PricePerCall:    price,
		OwnerWallet:     in.OwnerWallet,
		ListingID:       in.ListingID,
		Name:            name,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	existing, err := r.store.Get(ctx, in.Slug)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return "", fmt.Errorf("registry: lookup %s: %w", in.Slug, err)
	default:
		switch r.cfg.Policy {
		case PolicyReject:
			return "", ErrSlugTaken
		case PolicyOwner:
			if existing.OwnerWallet != in.OwnerWallet {
				return "", ErrUnauthorizedOwner
			}
		}
		reg.CreatedAt = existing.CreatedAt
	}

	if err := r.store.Put(ctx, reg); err != nil {
		return "", fmt.Errorf("registry: store %s: %w", in.Slug, err)
	}
	registeredAPIs.Inc()

	if r.observer != nil {
		cp := *reg
		r.observer.APIRegistered(&cp)
	}
	return r.GatewayURL(reg.Slug), nil
}

// Resolve looks up a slug. Unknown slugs return ErrNotFound.
func (r *Registry) Resolve(ctx context.Context, slug string) (*Registration, error) {
	return r.store.Get(ctx, slug)
}

// ResolveListing finds the registration carrying a listing id.
func (r *Registry) ResolveListing(ctx context.Context, listingID string) (*Registration, error) {
	return r.store.GetByListing(ctx, listingID)
}

// List returns all registrations ordered by slug.
func (r *Registry) List(ctx context.Context) ([]*Registration, error) {
	return r.store.List(ctx)
}

// Count returns the number of registrations.
func (r *Registry) Count(ctx context.Context) (int, error) {
	return r.store.Count(ctx)
}

// Deregister removes a slug. Only the owner wallet may do so.
func (r *Registry) Deregister(ctx context.Context, slug, caller string) error {
	unlock := r.locks.Lock(slug)
	defer unlock()

	existing, err := r.store.Get(ctx, slug)
	if err != nil {
		return err
	}
	if existing.OwnerWallet != validation.NormalizeWallet(caller) {
		return ErrUnauthorizedOwner
	}
	if err := r.store.Delete(ctx, slug); err != nil {
		return fmt.Errorf("registry: delete %s: %w", slug, err)
	}
	return nil
}

// UniqueSlug derives a slug from a display name, adding -2, -3... until
// the result is not registered.
func (r *Registry) UniqueSlug(ctx context.Context, name string) (string, error) {
	base := slug.Make(name)
	if base == "" {
		base = "api"
	}
	candidate := base
	for i := 2; ; i++ {
		if _, ok := reservedSlugs[candidate]; ok {
			candidate = base + "-" + strconv.Itoa(i)
			continue
		}
		_, err := r.store.Get(ctx, candidate)
		if errors.Is(err, ErrNotFound) {
			return candidate, nil
		}
		if err != nil {
			return "", err
		}
		candidate = base + "-" + strconv.Itoa(i)
	}
}
