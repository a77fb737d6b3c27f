// Package ledger tracks wallet balances for the gateway.
//
// Flow:
//  1. A wallet is topped up (credit)
//  2. A gateway call reserves the price (hold) before forwarding
//  3. The hold is captured to the API owner, or released back
//     when the upstream fails
//
// Settle is the direct caller-to-owner transfer used when no
// reservation was made.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/paygate/internal/money"
	"github.com/mbd888/paygate/internal/traces"
)

var (
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrInsufficientHeld    = errors.New("ledger: hold exceeds held funds")
	ErrInvalidAmount       = errors.New("ledger: invalid amount")
	ErrInvalidWallet       = errors.New("ledger: wallet is required")
)

// InsufficientBalanceError reports how much was required and how much the
// wallet had available at the moment of the atomic check.
type InsufficientBalanceError struct {
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("ledger: insufficient balance: required %s, available %s",
		money.Format(e.Required), money.Format(e.Available))
}

// Is lets errors.Is(err, ErrInsufficientBalance) match.
func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}

// Entry types
const (
	EntryTopUp        = "topup"
	EntryHold         = "hold"
	EntryCapture      = "capture" // payer side of a captured hold
	EntryRelease      = "release"
	EntrySettleDebit  = "settle_debit"
	EntrySettleCredit = "settle_credit"
)

// Entry is one line of the append-only ledger journal.
type Entry struct {
	ID           string          `json:"id"`
	Wallet       string          `json:"wallet"`
	Type         string          `json:"type"`
	Amount       decimal.Decimal `json:"amount"`
	Counterparty string          `json:"counterparty,omitempty"`
	Reference    string          `json:"reference,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// Balance is a wallet's ledger state.
type Balance struct {
	Wallet    string          `json:"wallet"`
	Available decimal.Decimal `json:"available"` // spendable
	Held      decimal.Decimal `json:"held"`      // reserved for in-flight calls
	TotalIn   decimal.Decimal `json:"totalIn"`   // top-ups + earnings
	TotalOut  decimal.Decimal `json:"totalOut"`  // charges paid
	UpdatedAt time.Time       `json:"updatedAt"`
}

// SettleResult carries both sides' available balances after a transfer.
type SettleResult struct {
	PayerBalance decimal.Decimal `json:"payerBalance"`
	PayeeBalance decimal.Decimal `json:"payeeBalance"`
}

// Totals is a consistent snapshot used by reconciliation.
type Totals struct {
	Available decimal.Decimal `json:"available"`
	Held      decimal.Decimal `json:"held"`
	ToppedUp  decimal.Decimal `json:"toppedUp"`
}

// Store persists ledger data. Every mutating method must be atomic: the
// balance check and the write happen as one step, or not at all.
type Store interface {
	GetBalance(ctx context.Context, wallet string) (*Balance, error)
	Credit(ctx context.Context, wallet string, amount decimal.Decimal, reference string) (*Balance, error)
	Transfer(ctx context.Context, payer, payee string, amount decimal.Decimal, reference string) (*SettleResult, error)
	Hold(ctx context.Context, wallet string, amount decimal.Decimal, reference string) (*Balance, error)
	Capture(ctx context.Context, payer, payee string, amount decimal.Decimal, reference string) (*SettleResult, error)
	Release(ctx context.Context, wallet string, amount decimal.Decimal, reference string) (*Balance, error)
	History(ctx context.Context, wallet string, limit int) ([]*Entry, error)
	Totals(ctx context.Context) (*Totals, error)
	// OpenHolds returns hold entries created before the cutoff that no
	// capture or release with the same wallet and reference has closed.
	OpenHolds(ctx context.Context, before time.Time) ([]*Entry, error)
}

// BalanceObserver is notified after a wallet's balance changes.
type BalanceObserver interface {
	BalanceChanged(wallet string, available decimal.Decimal)
}

// Ledger validates requests and delegates to the store.
type Ledger struct {
	store    Store
	observer BalanceObserver
}

// New creates a new ledger
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// WithObserver sets a balance-change observer (realtime stream).
func (l *Ledger) WithObserver(o BalanceObserver) *Ledger {
	l.observer = o
	return l
}

func normalize(wallet string) string {
	return strings.TrimSpace(wallet)
}

// GetBalance returns a wallet's available balance; unknown wallets have zero.
func (l *Ledger) GetBalance(ctx context.Context, wallet string) (decimal.Decimal, error) {
	bal, err := l.Balance(ctx, wallet)
	if err != nil {
		return money.Zero, err
	}
	return bal.Available, nil
}

// Balance returns the full balance record for a wallet.
func (l *Ledger) Balance(ctx context.Context, wallet string) (*Balance, error) {
	wallet = normalize(wallet)
	if wallet == "" {
		return nil, ErrInvalidWallet
	}
	return l.store.GetBalance(ctx, wallet)
}

// TopUp credits a wallet and returns the new available balance.
func (l *Ledger) TopUp(ctx context.Context, wallet string, amount decimal.Decimal, reference string) (decimal.Decimal, error) {
	wallet = normalize(wallet)
	if wallet == "" {
		return money.Zero, ErrInvalidWallet
	}
	if !amount.IsPositive() {
		return money.Zero, ErrInvalidAmount
	}
	defer observeOp("topup")()

	bal, err := l.store.Credit(ctx, wallet, amount, reference)
	if err != nil {
		return money.Zero, fmt.Errorf("top up %s: %w", wallet, err)
	}
	l.notify(wallet, bal.Available)
	return bal.Available, nil
}

// Settle moves amount from payer to payee atomically. It fails with
// *InsufficientBalanceError when the payer cannot cover the amount, in
// which case neither side changes.
func (l *Ledger) Settle(ctx context.Context, payer, payee string, amount decimal.Decimal, reference string) (*SettleResult, error) {
	payer, payee = normalize(payer), normalize(payee)
	if payer == "" || payee == "" {
		return nil, ErrInvalidWallet
	}
	if amount.IsNegative() {
		return nil, ErrInvalidAmount
	}
	ctx, span := traces.StartSpan(ctx, "ledger.Settle",
		traces.Wallet(payer), traces.Counterparty(payee), traces.Amount(money.Format(amount)))
	defer span.End()
	defer observeOp("settle")()

	if amount.IsZero() || payer == payee {
		return l.selfSettle(ctx, payer, payee, amount)
	}

	res, err := l.store.Transfer(ctx, payer, payee, amount, reference)
	if err != nil {
		recordFailure("settle", err)
		traces.Fail(span, err)
		return nil, err
	}
	settledAmount.Observe(money.Float(amount))
	l.notify(payer, res.PayerBalance)
	l.notify(payee, res.PayeeBalance)
	return res, nil
}

// selfSettle handles transfers that cannot change any balance: a zero
// amount, or a wallet paying itself. The balance check still applies.
func (l *Ledger) selfSettle(ctx context.Context, payer, payee string, amount decimal.Decimal) (*SettleResult, error) {
	pb, err := l.store.GetBalance(ctx, payer)
	if err != nil {
		return nil, err
	}
	if pb.Available.LessThan(amount) {
		return nil, &InsufficientBalanceError{Required: amount, Available: pb.Available}
	}
	if payer == payee {
		return &SettleResult{PayerBalance: pb.Available, PayeeBalance: pb.Available}, nil
	}
	qb, err := l.store.GetBalance(ctx, payee)
	if err != nil {
		return nil, err
	}
	return &SettleResult{PayerBalance: pb.Available, PayeeBalance: qb.Available}, nil
}

// Hold reserves amount from the wallet's available balance. The check and
// the reservation are one atomic step.
func (l *Ledger) Hold(ctx context.Context, wallet string, amount decimal.Decimal, reference string) (*Balance, error) {
	wallet = normalize(wallet)
	if wallet == "" {
		return nil, ErrInvalidWallet
	}
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	ctx, span := traces.StartSpan(ctx, "ledger.Hold",
		traces.Wallet(wallet), traces.Amount(money.Format(amount)), traces.Reference(reference))
	defer span.End()
	defer observeOp("hold")()

	bal, err := l.store.Hold(ctx, wallet, amount, reference)
	if err != nil {
		recordFailure("hold", err)
		return nil, err
	}
	l.notify(wallet, bal.Available)
	return bal, nil
}

// Capture pays a previously held amount to the payee.
func (l *Ledger) Capture(ctx context.Context, payer, payee string, amount decimal.Decimal, reference string) (*SettleResult, error) {
	payer, payee = normalize(payer), normalize(payee)
	if payer == "" || payee == "" {
		return nil, ErrInvalidWallet
	}
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	ctx, span := traces.StartSpan(ctx, "ledger.Capture",
		traces.Wallet(payer), traces.Counterparty(payee), traces.Reference(reference))
	defer span.End()
	defer observeOp("capture")()

	res, err := l.store.Capture(ctx, payer, payee, amount, reference)
	if err != nil {
		recordFailure("capture", err)
		traces.Fail(span, err)
		return nil, err
	}
	settledAmount.Observe(money.Float(amount))
	l.notify(payer, res.PayerBalance)
	l.notify(payee, res.PayeeBalance)
	return res, nil
}

// Release returns a held amount to the wallet's available balance.
func (l *Ledger) Release(ctx context.Context, wallet string, amount decimal.Decimal, reference string) (*Balance, error) {
	wallet = normalize(wallet)
	if wallet == "" {
		return nil, ErrInvalidWallet
	}
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	defer observeOp("release")()

	bal, err := l.store.Release(ctx, wallet, amount, reference)
	if err != nil {
		recordFailure("release", err)
		return nil, err
	}
	l.notify(wallet, bal.Available)
	return bal, nil
}

// History returns journal entries for a wallet, newest first.
func (l *Ledger) History(ctx context.Context, wallet string, limit int) ([]*Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return l.store.History(ctx, normalize(wallet), limit)
}

// Totals returns the ledger-wide sums. The ledger is zero-sum across
// transfers, so Available + Held must always equal ToppedUp.
func (l *Ledger) Totals(ctx context.Context) (*Totals, error) {
	t, err := l.store.Totals(ctx)
	if err != nil {
		return nil, err
	}
	balanceAvailable.Set(money.Float(t.Available))
	balanceHeld.Set(money.Float(t.Held))
	return t, nil
}

// OpenHolds lists holds older than age that were never captured or
// released. A crash between Hold and settlement leaves one behind.
func (l *Ledger) OpenHolds(ctx context.Context, age time.Duration) ([]*Entry, error) {
	return l.store.OpenHolds(ctx, time.Now().Add(-age))
}

func (l *Ledger) notify(wallet string, available decimal.Decimal) {
	if l.observer != nil {
		l.observer.BalanceChanged(wallet, available)
	}
}
