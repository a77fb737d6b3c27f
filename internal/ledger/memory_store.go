package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/paygate/internal/idgen"
	"github.com/mbd888/paygate/internal/syncutil"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
//
// Balances are mutated under per-wallet shard locks, so unrelated wallets
// never contend. Two-wallet operations lock both shards in a fixed order.
// txMu is held shared by every mutation and exclusively by Totals, which
// gives reconciliation a consistent snapshot.
type MemoryStore struct {
	mu       sync.Mutex // guards the balances map itself
	balances map[string]*Balance

	locks *syncutil.ContextShardedMutex
	txMu  sync.RWMutex

	entryMu  sync.Mutex
	entries  []*Entry
	toppedUp decimal.Decimal
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]*Balance),
		locks:    syncutil.NewContextShardedMutex(),
		toppedUp: decimal.Zero,
	}
}

func zeroBalance(wallet string) *Balance {
	return &Balance{
		Wallet:    wallet,
		Available: decimal.Zero,
		Held:      decimal.Zero,
		TotalIn:   decimal.Zero,
		TotalOut:  decimal.Zero,
		UpdatedAt: time.Now(),
	}
}

// row returns the live balance record, creating it when missing. Callers
// must hold the wallet's shard lock before touching the returned value.
func (m *MemoryStore) row(wallet string) *Balance {
	m.mu.Lock()
	defer m.mu.Unlock()
	bal, ok := m.balances[wallet]
	if !ok {
		bal = zeroBalance(wallet)
		m.balances[wallet] = bal
	}
	return bal
}

func (m *MemoryStore) lookup(wallet string) (*Balance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bal, ok := m.balances[wallet]
	return bal, ok
}

func (m *MemoryStore) appendEntries(entries ...*Entry) {
	m.entryMu.Lock()
	defer m.entryMu.Unlock()
	for _, e := range entries {
		if e.Type == EntryTopUp {
			m.toppedUp = m.toppedUp.Add(e.Amount)
		}
		m.entries = append(m.entries, e)
	}
}

func newEntry(wallet, typ string, amount decimal.Decimal, counterparty, reference string) *Entry {
	return &Entry{
		ID:           idgen.WithPrefix("led_"),
		Wallet:       wallet,
		Type:         typ,
		Amount:       amount,
		Counterparty: counterparty,
		Reference:    reference,
		CreatedAt:    time.Now(),
	}
}

// lockOne takes the shared transaction lock and the wallet's shard.
func (m *MemoryStore) lockOne(ctx context.Context, wallet string) (func(), error) {
	m.txMu.RLock()
	unlock, err := m.locks.LockContext(ctx, wallet)
	if err != nil {
		m.txMu.RUnlock()
		return nil, err
	}
	return func() {
		unlock()
		m.txMu.RUnlock()
	}, nil
}

func (m *MemoryStore) lockTwo(ctx context.Context, a, b string) (func(), error) {
	m.txMu.RLock()
	unlock, err := m.locks.LockPairContext(ctx, a, b)
	if err != nil {
		m.txMu.RUnlock()
		return nil, err
	}
	return func() {
		unlock()
		m.txMu.RUnlock()
	}, nil
}

func (m *MemoryStore) GetBalance(ctx context.Context, wallet string) (*Balance, error) {
	unlock, err := m.locks.LockContext(ctx, wallet)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if bal, ok := m.lookup(wallet); ok {
		cp := *bal
		return &cp, nil
	}
	return zeroBalance(wallet), nil
}

func (m *MemoryStore) Credit(ctx context.Context, wallet string, amount decimal.Decimal, reference string) (*Balance, error) {
	unlock, err := m.lockOne(ctx, wallet)
	if err != nil {
		return nil, err
	}
	defer unlock()

	bal := m.row(wallet)
	bal.Available = bal.Available.Add(amount)
	bal.TotalIn = bal.TotalIn.Add(amount)
	bal.UpdatedAt = time.Now()
	m.appendEntries(newEntry(wallet, EntryTopUp, amount, "", reference))

	cp := *bal
	return &cp, nil
}

func (m *MemoryStore) Transfer(ctx context.Context, payer, payee string, amount decimal.Decimal, reference string) (*SettleResult, error) {
	unlock, err := m.lockTwo(ctx, payer, payee)
	if err != nil {
		return nil, err
	}
	defer unlock()

	from := m.row(payer)
	if from.Available.LessThan(amount) {
		return nil, &InsufficientBalanceError{Required: amount, Available: from.Available}
	}
	to := m.row(payee)

	now := time.Now()
	from.Available = from.Available.Sub(amount)
	from.TotalOut = from.TotalOut.Add(amount)
	from.UpdatedAt = now
	to.Available = to.Available.Add(amount)
	to.TotalIn = to.TotalIn.Add(amount)
	to.UpdatedAt = now

	m.appendEntries(
		newEntry(payer, EntrySettleDebit, amount, payee, reference),
		newEntry(payee, EntrySettleCredit, amount, payer, reference),
	)
	return &SettleResult{PayerBalance: from.Available, PayeeBalance: to.Available}, nil
}

func (m *MemoryStore) Hold(ctx context.Context, wallet string, amount decimal.Decimal, reference string) (*Balance, error) {
	unlock, err := m.lockOne(ctx, wallet)
	if err != nil {
		return nil, err
	}
	defer unlock()

	bal := m.row(wallet)
	if bal.Available.LessThan(amount) {
		return nil, &InsufficientBalanceError{Required: amount, Available: bal.Available}
	}
	bal.Available = bal.Available.Sub(amount)
	bal.Held = bal.Held.Add(amount)
	bal.UpdatedAt = time.Now()
	m.appendEntries(newEntry(wallet, EntryHold, amount, "", reference))

	cp := *bal
	return &cp, nil
}

func (m *MemoryStore) Capture(ctx context.Context, payer, payee string, amount decimal.Decimal, reference string) (*SettleResult, error) {
	unlock, err := m.lockTwo(ctx, payer, payee)
	if err != nil {
		return nil, err
	}
	defer unlock()

	from := m.row(payer)
	if from.Held.LessThan(amount) {
		return nil, ErrInsufficientHeld
	}
	to := m.row(payee)

	now := time.Now()
	from.Held = from.Held.Sub(amount)
	from.TotalOut = from.TotalOut.Add(amount)
	from.UpdatedAt = now
	to.Available = to.Available.Add(amount)
	to.TotalIn = to.TotalIn.Add(amount)
	to.UpdatedAt = now

	m.appendEntries(
		newEntry(payer, EntryCapture, amount, payee, reference),
		newEntry(payee, EntrySettleCredit, amount, payer, reference),
	)
	return &SettleResult{PayerBalance: from.Available, PayeeBalance: to.Available}, nil
}

func (m *MemoryStore) Release(ctx context.Context, wallet string, amount decimal.Decimal, reference string) (*Balance, error) {
	unlock, err := m.lockOne(ctx, wallet)
	if err != nil {
		return nil, err
	}
	defer unlock()

	bal := m.row(wallet)
	if bal.Held.LessThan(amount) {
		return nil, ErrInsufficientHeld
	}
	bal.Held = bal.Held.Sub(amount)
	bal.Available = bal.Available.Add(amount)
	bal.UpdatedAt = time.Now()
	m.appendEntries(newEntry(wallet, EntryRelease, amount, "", reference))

	cp := *bal
	return &cp, nil
}

func (m *MemoryStore) History(ctx context.Context, wallet string, limit int) ([]*Entry, error) {
	m.entryMu.Lock()
	defer m.entryMu.Unlock()

	var out []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if e := m.entries[i]; e.Wallet == wallet {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) Totals(ctx context.Context) (*Totals, error) {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	wallets := make([]string, 0, len(m.balances))
	for w := range m.balances {
		wallets = append(wallets, w)
	}
	m.mu.Unlock()
	sort.Strings(wallets)

	t := &Totals{Available: decimal.Zero, Held: decimal.Zero}
	for _, w := range wallets {
		bal, _ := m.lookup(w)
		t.Available = t.Available.Add(bal.Available)
		t.Held = t.Held.Add(bal.Held)
	}

	m.entryMu.Lock()
	t.ToppedUp = m.toppedUp
	m.entryMu.Unlock()
	return t, nil
}

func (m *MemoryStore) OpenHolds(ctx context.Context, before time.Time) ([]*Entry, error) {
	m.entryMu.Lock()
	defer m.entryMu.Unlock()

	type key struct{ wallet, ref string }
	closed := make(map[key]bool)
	for _, e := range m.entries {
		if e.Type == EntryCapture || e.Type == EntryRelease {
			closed[key{e.Wallet, e.Reference}] = true
		}
	}

	var out []*Entry
	for _, e := range m.entries {
		if e.Type != EntryHold || e.Reference == "" || !e.CreatedAt.Before(before) {
			continue
		}
		if closed[key{e.Wallet, e.Reference}] {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}
