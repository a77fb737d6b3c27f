package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore implements Store using PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const selectRegistration = `
	SELECT slug, upstream_base_url, price_per_call, owner_wallet, listing_id, name, created_at, updated_at
	FROM gateway_registrations`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRegistration(row rowScanner) (*Registration, error) {
	reg := &Registration{}
	err := row.Scan(&reg.Slug, &reg.UpstreamBaseURL, &reg.PricePerCall, &reg.OwnerWallet,
		&reg.ListingID, &reg.Name, &reg.CreatedAt, &reg.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return reg, nil
}

func (p *PostgresStore) Get(ctx context.Context, slug string) (*Registration, error) {
	return scanRegistration(p.db.QueryRowContext(ctx, selectRegistration+` WHERE slug = $1`, slug))
}

func (p *PostgresStore) GetByListing(ctx context.Context, listingID string) (*Registration, error) {
	return scanRegistration(p.db.QueryRowContext(ctx,
		selectRegistration+` WHERE listing_id = $1 ORDER BY updated_at DESC LIMIT 1`, listingID))
}

// Put upserts a registration. created_at survives re-registration.
func (p *PostgresStore) Put(ctx context.Context, reg *Registration) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO gateway_registrations
			(slug, upstream_base_url, price_per_call, owner_wallet, listing_id, name, created_at, updated_at)
		VALUES ($1, $2, $3::NUMERIC(20,6), $4, $5, $6, $7, $8)
		ON CONFLICT (slug) DO UPDATE SET
			upstream_base_url = EXCLUDED.upstream_base_url,
			price_per_call    = EXCLUDED.price_per_call,
			owner_wallet      = EXCLUDED.owner_wallet,
			listing_id        = EXCLUDED.listing_id,
			name              = EXCLUDED.name,
			updated_at        = EXCLUDED.updated_at
	`, reg.Slug, reg.UpstreamBaseURL, reg.PricePerCall, reg.OwnerWallet, reg.ListingID, reg.Name,
		reg.CreatedAt, reg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert registration: %w", err)
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, slug string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM gateway_registrations WHERE slug = $1`, slug)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context) ([]*Registration, error) {
	rows, err := p.db.QueryContext(ctx, selectRegistration+` ORDER BY slug`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Registration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, reg)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM gateway_registrations`).Scan(&n)
	return n, err
}
