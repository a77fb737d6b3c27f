package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

// PostgresStore implements Store with PostgreSQL. Writes go through
// database/sql transactions; list and summary reads map rows with sqlx.
type PostgresStore struct {
	db  *sql.DB
	dbx *sqlx.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed usage store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, dbx: sqlx.NewDb(db, "postgres")}
}

const selectEvent = `
	SELECT id, listing_id, caller_wallet, owner_wallet, api_name, slug, success,
	       COALESCE(error, '') AS error, cost, status_code, latency_ms, created_at
	FROM usage_events`

// Insert writes the event and bumps listing_stats in one transaction.
func (p *PostgresStore) Insert(ctx context.Context, e *Event) (*ListingStats, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var errText sql.NullString
	if e.Error != "" {
		errText = sql.NullString{String: e.Error, Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO usage_events
			(id, listing_id, caller_wallet, owner_wallet, api_name, slug, success, error, cost, status_code, latency_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::NUMERIC(20,6), $10, $11, $12)
	`, e.ID, e.ListingID, e.CallerWallet, e.OwnerWallet, e.APIName, e.Slug, e.Success,
		errText, e.Cost.String(), e.StatusCode, e.LatencyMs, e.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("failed to insert usage event: %w", err)
	}

	st := &ListingStats{}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO listing_stats (listing_id, owner_wallet, total_calls, total_revenue, updated_at)
		VALUES ($1, $2, 1, $3::NUMERIC(20,6), NOW())
		ON CONFLICT (listing_id) DO UPDATE SET
			owner_wallet  = CASE WHEN EXCLUDED.owner_wallet <> '' THEN EXCLUDED.owner_wallet ELSE listing_stats.owner_wallet END,
			total_calls   = listing_stats.total_calls + 1,
			total_revenue = listing_stats.total_revenue + EXCLUDED.total_revenue,
			updated_at    = NOW()
		RETURNING listing_id, owner_wallet, total_calls, total_revenue
	`, e.ListingID, e.OwnerWallet, e.Cost.String()).Scan(&st.ListingID, &st.OwnerWallet, &st.TotalCalls, &st.TotalRevenue)
	if err != nil {
		return nil, fmt.Errorf("failed to update listing stats: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit usage: %w", err)
	}
	return st, nil
}

func (p *PostgresStore) ListingStats(ctx context.Context, listingID string) (*ListingStats, error) {
	var rows []ListingStats
	err := p.dbx.SelectContext(ctx, &rows, `
		SELECT listing_id, owner_wallet, total_calls, total_revenue
		FROM listing_stats WHERE listing_id = $1
	`, listingID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return &ListingStats{ListingID: listingID, TotalRevenue: decimal.Zero}, nil
	}
	return &rows[0], nil
}

func (p *PostgresStore) selectEvents(ctx context.Context, query string, args ...any) ([]*Event, error) {
	events := []*Event{}
	if err := p.dbx.SelectContext(ctx, &events, query, args...); err != nil {
		return nil, err
	}
	return events, nil
}

func (p *PostgresStore) ListByListing(ctx context.Context, listingID string, limit int) ([]*Event, error) {
	return p.selectEvents(ctx, selectEvent+` WHERE listing_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`, listingID, limit)
}

func (p *PostgresStore) ListByOwner(ctx context.Context, owner string, limit int) ([]*Event, error) {
	return p.selectEvents(ctx, selectEvent+` WHERE owner_wallet = $1 ORDER BY created_at DESC, id DESC LIMIT $2`, owner, limit)
}

func (p *PostgresStore) List(ctx context.Context, owner string, limit int) ([]*Event, error) {
	if owner == "" {
		return p.selectEvents(ctx, selectEvent+` ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	}
	return p.ListByOwner(ctx, owner, limit)
}

func (p *PostgresStore) Summarize(ctx context.Context, owner string, since time.Time) (*Summary, error) {
	query := `
		SELECT COUNT(*)                                  AS total_requests,
		       COUNT(*) FILTER (WHERE success)           AS successful_requests,
		       COUNT(*) FILTER (WHERE NOT success)       AS failed_requests,
		       COALESCE(SUM(cost), 0)                    AS total_revenue
		FROM usage_events
		WHERE ($1 = '' OR owner_wallet = $1)
		  AND ($2::TIMESTAMPTZ IS NULL OR created_at >= $2)`

	var sinceArg any
	if !since.IsZero() {
		sinceArg = since
	}
	s := &Summary{}
	if err := p.dbx.GetContext(ctx, s, query, owner, sinceArg); err != nil {
		return nil, fmt.Errorf("failed to summarize usage: %w", err)
	}
	return s, nil
}

type aggregateRow struct {
	ListingID     string          `db:"listing_id"`
	OwnerWallet   string          `db:"owner_wallet"`
	StoredCalls   int64           `db:"stored_calls"`
	StoredRevenue decimal.Decimal `db:"stored_revenue"`
	EventCalls    int64           `db:"event_calls"`
	EventRevenue  decimal.Decimal `db:"event_revenue"`
}

// CheckAggregates reads both sides in one REPEATABLE READ snapshot so
// in-flight inserts cannot produce false mismatches.
func (p *PostgresStore) CheckAggregates(ctx context.Context) ([]AggregateCheck, error) {
	tx, err := p.dbx.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var rows []aggregateRow
	err = tx.SelectContext(ctx, &rows, `
		SELECT s.listing_id, s.owner_wallet,
		       s.total_calls   AS stored_calls,
		       s.total_revenue AS stored_revenue,
		       COALESCE(e.calls, 0)   AS event_calls,
		       COALESCE(e.revenue, 0) AS event_revenue
		FROM listing_stats s
		LEFT JOIN (
			SELECT listing_id, COUNT(*) AS calls, SUM(cost) AS revenue
			FROM usage_events GROUP BY listing_id
		) e ON e.listing_id = s.listing_id
		ORDER BY s.listing_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to check aggregates: %w", err)
	}

	out := make([]AggregateCheck, 0, len(rows))
	for _, r := range rows {
		out = append(out, AggregateCheck{
			ListingID: r.ListingID,
			Stored: ListingStats{
				ListingID: r.ListingID, OwnerWallet: r.OwnerWallet,
				TotalCalls: r.StoredCalls, TotalRevenue: r.StoredRevenue,
			},
			FromEvents: ListingStats{
				ListingID: r.ListingID, OwnerWallet: r.OwnerWallet,
				TotalCalls: r.EventCalls, TotalRevenue: r.EventRevenue,
			},
		})
	}
	return out, tx.Commit()
}
