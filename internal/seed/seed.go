// Package seed loads registrations and opening balances from a YAML file
// at startup, so a fresh in-memory gateway is usable without admin calls.
//
//	apis:
//	  - name: Weather API
//	    upstream: https://weather.example.com/v1
//	    price: "0.01"
//	    owner: 0xowner
//	    apiId: listing-weather
//	balances:
//	  - wallet: 0xagent
//	    amount: "25"
package seed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/mbd888/paygate/internal/money"
	"github.com/mbd888/paygate/internal/registry"
)

// ErrInvalidFile is returned when the seed document is malformed.
var ErrInvalidFile = errors.New("seed: invalid file")

// API is one registration entry. Slug may be empty, in which case one is
// derived from Name.
type API struct {
	Slug     string `yaml:"slug"`
	Name     string `yaml:"name"`
	Upstream string `yaml:"upstream"`
	Price    string `yaml:"price"`
	Owner    string `yaml:"owner"`
	APIID    string `yaml:"apiId"`
}

// Balance is an opening credit for a wallet.
type Balance struct {
	Wallet string `yaml:"wallet"`
	Amount string `yaml:"amount"`
}

// File is the seed document.
type File struct {
	APIs     []API     `yaml:"apis"`
	Balances []Balance `yaml:"balances"`
}

// Registrar is the part of the registry the loader needs.
type Registrar interface {
	Register(ctx context.Context, in registry.Input) (string, error)
	UniqueSlug(ctx context.Context, name string) (string, error)
}

// Funder credits wallets.
type Funder interface {
	TopUp(ctx context.Context, wallet string, amount decimal.Decimal, reference string) (decimal.Decimal, error)
}

// Result summarises a load.
type Result struct {
	Registered []string
	Funded     int
}

// Parse decodes a seed document. Unknown keys are rejected.
func Parse(r io.Reader) (*File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return &f, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidFile, err)
	}
	for i, b := range f.Balances {
		if strings.TrimSpace(b.Wallet) == "" {
			return nil, fmt.Errorf("%w: balances[%d]: wallet is required", ErrInvalidFile, i)
		}
		if _, err := money.ParsePositive(b.Amount); err != nil {
			return nil, fmt.Errorf("%w: balances[%d]: %v", ErrInvalidFile, i, err)
		}
	}
	return &f, nil
}

// Loader applies seed documents.
type Loader struct {
	registry Registrar
	ledger   Funder
	logger   *slog.Logger
}

// NewLoader creates a loader.
func NewLoader(reg Registrar, l Funder, logger *slog.Logger) *Loader {
	return &Loader{registry: reg, ledger: l, logger: logger}
}

// LoadFile reads and applies the seed file at path.
func (l *Loader) LoadFile(ctx context.Context, path string) (*Result, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("seed: open %s: %w", path, err)
	}
	defer fh.Close()

	f, err := Parse(fh)
	if err != nil {
		return nil, err
	}
	return l.Apply(ctx, f)
}

// Apply registers every API and credits every balance. It stops at the
// first failure; entries applied before it stay applied.
func (l *Loader) Apply(ctx context.Context, f *File) (*Result, error) {
	res := &Result{}

	for i, api := range f.APIs {
		slug := strings.TrimSpace(api.Slug)
		if slug == "" {
			derived, err := l.registry.UniqueSlug(ctx, api.Name)
			if err != nil {
				return res, fmt.Errorf("seed: apis[%d]: derive slug: %w", i, err)
			}
			slug = derived
		}

		url, err := l.registry.Register(ctx, registry.Input{
			Slug:            slug,
			UpstreamBaseURL: api.Upstream,
			PricePerCall:    api.Price,
			OwnerWallet:     api.Owner,
			ListingID:       api.APIID,
			Name:            api.Name,
		})
		if err != nil {
			return res, fmt.Errorf("seed: apis[%d] %s: %w", i, slug, err)
		}
		res.Registered = append(res.Registered, slug)
		l.logger.Info("seeded api", "slug", slug, "gateway_url", url)
	}

	for i, b := range f.Balances {
		amount, err := money.ParsePositive(b.Amount)
		if err != nil {
			return res, fmt.Errorf("seed: balances[%d]: %w", i, err)
		}
		if _, err := l.ledger.TopUp(ctx, b.Wallet, amount, "seed"); err != nil {
			return res, fmt.Errorf("seed: balances[%d] %s: %w", i, b.Wallet, err)
		}
		res.Funded++
	}

	if len(res.Registered) > 0 || res.Funded > 0 {
		l.logger.Info("seed applied", "apis", len(res.Registered), "balances", res.Funded)
	}
	return res, nil
}
