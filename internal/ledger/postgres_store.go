package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/mbd888/paygate/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL.
//
// Debits are conditional updates (WHERE available >= amount) under READ
// COMMITTED. A concurrent loser re-evaluates the predicate after the winner
// commits and sees zero rows, which surfaces as an insufficient balance
// rather than a serialization failure.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) begin(ctx context.Context) (*sql.Tx, error) {
	return p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanBalance(ctx context.Context, q querier, wallet string) (*Balance, error) {
	bal := &Balance{Wallet: wallet}
	err := q.QueryRowContext(ctx, `
		SELECT available, held, total_in, total_out, updated_at
		FROM ledger_balances WHERE wallet = $1
	`, wallet).Scan(&bal.Available, &bal.Held, &bal.TotalIn, &bal.TotalOut, &bal.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return zeroBalance(wallet), nil
	}
	if err != nil {
		return nil, err
	}
	return bal, nil
}

// GetBalance retrieves a wallet's balance; unknown wallets read as zero.
func (p *PostgresStore) GetBalance(ctx context.Context, wallet string) (*Balance, error) {
	return scanBalance(ctx, p.db, wallet)
}

// ensureRows creates missing balance rows, then locks them in wallet order.
func ensureRows(ctx context.Context, tx *sql.Tx, wallets ...string) error {
	sorted := append([]string(nil), wallets...)
	sort.Strings(sorted)
	for _, w := range sorted {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_balances (wallet) VALUES ($1)
			ON CONFLICT (wallet) DO NOTHING
		`, w); err != nil {
			return fmt.Errorf("failed to create balance row: %w", err)
		}
	}
	rows, err := tx.QueryContext(ctx, `
		SELECT wallet FROM ledger_balances
		WHERE wallet = ANY($1)
		ORDER BY wallet
		FOR UPDATE
	`, pq.Array(sorted))
	if err != nil {
		return fmt.Errorf("failed to lock balance rows: %w", err)
	}
	defer rows.Close()
	locked := 0
	for rows.Next() {
		locked++
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if locked == 0 {
		return fmt.Errorf("failed to lock balance rows: none found")
	}
	return nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, wallet, typ string, amount decimal.Decimal, counterparty, reference string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, wallet, type, amount, counterparty, reference, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC(20,6), NULLIF($5, ''), NULLIF($6, ''), NOW())
	`, idgen.WithPrefix("led_"), wallet, typ, amount, counterparty, reference)
	if err != nil {
		return fmt.Errorf("failed to record %s entry: %w", typ, err)
	}
	return nil
}

// insufficient reads the current available balance for the error payload.
func insufficient(ctx context.Context, tx *sql.Tx, wallet string, amount decimal.Decimal) error {
	bal, err := scanBalance(ctx, tx, wallet)
	if err != nil {
		return err
	}
	return &InsufficientBalanceError{Required: amount, Available: bal.Available}
}

// Credit adds a top-up to a wallet.
func (p *PostgresStore) Credit(ctx context.Context, wallet string, amount decimal.Decimal, reference string) (*Balance, error) {
	tx, err := p.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	bal := &Balance{Wallet: wallet}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO ledger_balances (wallet, available, total_in, updated_at)
		VALUES ($1, $2::NUMERIC(20,6), $2::NUMERIC(20,6), NOW())
		ON CONFLICT (wallet) DO UPDATE SET
			available  = ledger_balances.available + EXCLUDED.available,
			total_in   = ledger_balances.total_in  + EXCLUDED.total_in,
			updated_at = NOW()
		RETURNING available, held, total_in, total_out, updated_at
	`, wallet, amount).Scan(&bal.Available, &bal.Held, &bal.TotalIn, &bal.TotalOut, &bal.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to credit: %w", err)
	}
	if err := insertEntry(ctx, tx, wallet, EntryTopUp, amount, "", reference); err != nil {
		return nil, err
	}
	return bal, tx.Commit()
}

// Transfer debits the payer and credits the payee in one transaction.
func (p *PostgresStore) Transfer(ctx context.Context, payer, payee string, amount decimal.Decimal, reference string) (*SettleResult, error) {
	tx, err := p.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := ensureRows(ctx, tx, payer, payee); err != nil {
		return nil, err
	}

	res := &SettleResult{}
	err = tx.QueryRowContext(ctx, `
		UPDATE ledger_balances SET
			available  = available - $2::NUMERIC(20,6),
			total_out  = total_out + $2::NUMERIC(20,6),
			updated_at = NOW()
		WHERE wallet = $1 AND available >= $2::NUMERIC(20,6)
		RETURNING available
	`, payer, amount).Scan(&res.PayerBalance)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, insufficient(ctx, tx, payer, amount)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to debit payer: %w", err)
	}

	err = tx.QueryRowContext(ctx, `
		UPDATE ledger_balances SET
			available  = available + $2::NUMERIC(20,6),
			total_in   = total_in  + $2::NUMERIC(20,6),
			updated_at = NOW()
		WHERE wallet = $1
		RETURNING available
	`, payee, amount).Scan(&res.PayeeBalance)
	if err != nil {
		return nil, fmt.Errorf("failed to credit payee: %w", err)
	}

	if err := insertEntry(ctx, tx, payer, EntrySettleDebit, amount, payee, reference); err != nil {
		return nil, err
	}
	if err := insertEntry(ctx, tx, payee, EntrySettleCredit, amount, payer, reference); err != nil {
		return nil, err
	}
	return res, tx.Commit()
}

// Hold moves funds from available to held when the wallet can cover them.
func (p *PostgresStore) Hold(ctx context.Context, wallet string, amount decimal.Decimal, reference string) (*Balance, error) {
	tx, err := p.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	bal := &Balance{Wallet: wallet}
	err = tx.QueryRowContext(ctx, `
		UPDATE ledger_balances SET
			available  = available - $2::NUMERIC(20,6),
			held       = held      + $2::NUMERIC(20,6),
			updated_at = NOW()
		WHERE wallet = $1 AND available >= $2::NUMERIC(20,6)
		RETURNING available, held, total_in, total_out, updated_at
	`, wallet, amount).Scan(&bal.Available, &bal.Held, &bal.TotalIn, &bal.TotalOut, &bal.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, insufficient(ctx, tx, wallet, amount)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to place hold: %w", err)
	}
	if err := insertEntry(ctx, tx, wallet, EntryHold, amount, "", reference); err != nil {
		return nil, err
	}
	return bal, tx.Commit()
}

// Capture pays held funds to the payee.
func (p *PostgresStore) Capture(ctx context.Context, payer, payee string, amount decimal.Decimal, reference string) (*SettleResult, error) {
	tx, err := p.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := ensureRows(ctx, tx, payer, payee); err != nil {
		return nil, err
	}

	res := &SettleResult{}
	err = tx.QueryRowContext(ctx, `
		UPDATE ledger_balances SET
			held       = held      - $2::NUMERIC(20,6),
			total_out  = total_out + $2::NUMERIC(20,6),
			updated_at = NOW()
		WHERE wallet = $1 AND held >= $2::NUMERIC(20,6)
		RETURNING available
	`, payer, amount).Scan(&res.PayerBalance)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInsufficientHeld
	}
	if err != nil {
		return nil, fmt.Errorf("failed to capture hold: %w", err)
	}

	err = tx.QueryRowContext(ctx, `
		UPDATE ledger_balances SET
			available  = available + $2::NUMERIC(20,6),
			total_in   = total_in  + $2::NUMERIC(20,6),
			updated_at = NOW()
		WHERE wallet = $1
		RETURNING available
	`, payee, amount).Scan(&res.PayeeBalance)
	if err != nil {
		return nil, fmt.Errorf("failed to credit payee: %w", err)
	}

	if err := insertEntry(ctx, tx, payer, EntryCapture, amount, payee, reference); err != nil {
		return nil, err
	}
	if err := insertEntry(ctx, tx, payee, EntrySettleCredit, amount, payer, reference); err != nil {
		return nil, err
	}
	return res, tx.Commit()
}

// Release returns held funds to available.
func (p *PostgresStore) Release(ctx context.Context, wallet string, amount decimal.Decimal, reference string) (*Balance, error) {
	tx, err := p.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	bal := &Balance{Wallet: wallet}
	err = tx.QueryRowContext(ctx, `
		UPDATE ledger_balances SET
			held       = held      - $2::NUMERIC(20,6),
			available  = available + $2::NUMERIC(20,6),
			updated_at = NOW()
		WHERE wallet = $1 AND held >= $2::NUMERIC(20,6)
		RETURNING available, held, total_in, total_out, updated_at
	`, wallet, amount).Scan(&bal.Available, &bal.Held, &bal.TotalIn, &bal.TotalOut, &bal.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInsufficientHeld
	}
	if err != nil {
		return nil, fmt.Errorf("failed to release hold: %w", err)
	}
	if err := insertEntry(ctx, tx, wallet, EntryRelease, amount, "", reference); err != nil {
		return nil, err
	}
	return bal, tx.Commit()
}

// History retrieves ledger entries for a wallet, newest first.
func (p *PostgresStore) History(ctx context.Context, wallet string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, wallet, type, amount, COALESCE(counterparty, ''), COALESCE(reference, ''), created_at
		FROM ledger_entries
		WHERE wallet = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, wallet, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.Wallet, &e.Type, &e.Amount, &e.Counterparty, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Totals reads all sums inside one REPEATABLE READ snapshot.
func (p *PostgresStore) Totals(ctx context.Context) (*Totals, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	t := &Totals{}
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(available), 0), COALESCE(SUM(held), 0) FROM ledger_balances
	`).Scan(&t.Available, &t.Held); err != nil {
		return nil, err
	}
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE type = 'topup'
	`).Scan(&t.ToppedUp); err != nil {
		return nil, err
	}
	return t, tx.Commit()
}

// OpenHolds finds hold entries with no capture or release for the same
// (wallet, reference).
func (p *PostgresStore) OpenHolds(ctx context.Context, before time.Time) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT h.id, h.wallet, h.type, h.amount, COALESCE(h.counterparty, ''), h.reference, h.created_at
		FROM ledger_entries h
		WHERE h.type = 'hold'
		  AND h.reference IS NOT NULL AND h.reference <> ''
		  AND h.created_at < $1
		  AND NOT EXISTS (
		      SELECT 1 FROM ledger_entries c
		      WHERE c.wallet = h.wallet
		        AND c.reference = h.reference
		        AND c.type IN ('capture', 'release')
		  )
		ORDER BY h.created_at
	`, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.Wallet, &e.Type, &e.Amount, &e.Counterparty, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
