package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestLedger() *Ledger {
	return New(NewMemoryStore())
}

func TestLedger_UnknownWalletIsZero(t *testing.T) {
	l := newTestLedger()
	bal, err := l.GetBalance(context.Background(), "nobody")
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
}

func TestLedger_TopUpAccumulates(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	_, err := l.TopUp(ctx, "alice", d("500"), "t1")
	require.NoError(t, err)
	got, err := l.TopUp(ctx, "alice", d("500"), "t2")
	require.NoError(t, err)
	assert.True(t, got.Equal(d("1000")), "got %s", got)

	bal, _ := l.GetBalance(ctx, "alice")
	assert.True(t, bal.Equal(d("1000")))
}

func TestLedger_TopUpRejectsNonPositive(t *testing.T) {
	l := newTestLedger()
	for _, amt := range []string{"0", "-5"} {
		_, err := l.TopUp(context.Background(), "alice", d(amt), "")
		assert.ErrorIs(t, err, ErrInvalidAmount, "amount %s", amt)
	}
	_, err := l.TopUp(context.Background(), "  ", d("1"), "")
	assert.ErrorIs(t, err, ErrInvalidWallet)
}

func TestLedger_Settle(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()
	_, _ = l.TopUp(ctx, "caller", d("100"), "")

	res, err := l.Settle(ctx, "caller", "owner", d("30.5"), "call-1")
	require.NoError(t, err)
	assert.True(t, res.PayerBalance.Equal(d("69.5")))
	assert.True(t, res.PayeeBalance.Equal(d("30.5")))
}

func TestLedger_SettleInsufficient(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()
	_, _ = l.TopUp(ctx, "caller", d("10"), "")

	_, err := l.Settle(ctx, "caller", "owner", d("10.000001"), "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInsufficientBalance))

	var ibe *InsufficientBalanceError
	require.True(t, errors.As(err, &ibe))
	assert.True(t, ibe.Required.Equal(d("10.000001")))
	assert.True(t, ibe.Available.Equal(d("10")))

	// Neither side changed.
	caller, _ := l.GetBalance(ctx, "caller")
	owner, _ := l.GetBalance(ctx, "owner")
	assert.True(t, caller.Equal(d("10")))
	assert.True(t, owner.IsZero())
}

func TestLedger_SettleSelfChecksBalance(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()
	_, _ = l.TopUp(ctx, "w", d("5"), "")

	res, err := l.Settle(ctx, "w", "w", d("5"), "")
	require.NoError(t, err)
	assert.True(t, res.PayerBalance.Equal(d("5")))

	_, err = l.Settle(ctx, "w", "w", d("6"), "")
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestLedger_SettleZeroIsNoop(t *testing.T) {
	l := newTestLedger()
	res, err := l.Settle(context.Background(), "a", "b", decimal.Zero, "")
	require.NoError(t, err)
	assert.True(t, res.PayerBalance.IsZero())
	assert.True(t, res.PayeeBalance.IsZero())
}

func TestLedger_SettleNegativeRejected(t *testing.T) {
	l := newTestLedger()
	_, err := l.Settle(context.Background(), "a", "b", d("-1"), "")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestLedger_HoldCaptureRelease(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()
	_, _ = l.TopUp(ctx, "caller", d("100"), "")

	bal, err := l.Hold(ctx, "caller", d("40"), "h1")
	require.NoError(t, err)
	assert.True(t, bal.Available.Equal(d("60")))
	assert.True(t, bal.Held.Equal(d("40")))

	res, err := l.Capture(ctx, "caller", "owner", d("40"), "h1")
	require.NoError(t, err)
	assert.True(t, res.PayerBalance.Equal(d("60")))
	assert.True(t, res.PayeeBalance.Equal(d("40")))

	_, err = l.Hold(ctx, "caller", d("25"), "h2")
	require.NoError(t, err)
	bal, err = l.Release(ctx, "caller", d("25"), "h2")
	require.NoError(t, err)
	assert.True(t, bal.Available.Equal(d("60")))
	assert.True(t, bal.Held.IsZero())
}

func TestLedger_HoldInsufficient(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()
	_, _ = l.TopUp(ctx, "caller", d("1"), "")

	_, err := l.Hold(ctx, "caller", d("2"), "")
	var ibe *InsufficientBalanceError
	require.True(t, errors.As(err, &ibe))
	assert.True(t, ibe.Available.Equal(d("1")))
}

func TestLedger_CaptureWithoutHold(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()
	_, _ = l.TopUp(ctx, "caller", d("10"), "")

	_, err := l.Capture(ctx, "caller", "owner", d("1"), "")
	assert.ErrorIs(t, err, ErrInsufficientHeld)
	_, err = l.Release(ctx, "caller", d("1"), "")
	assert.ErrorIs(t, err, ErrInsufficientHeld)
}

func TestLedger_ConcurrentSettleExactlyOneWins(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()
	_, _ = l.TopUp(ctx, "caller", d("100"), "")

	var wg sync.WaitGroup
	var ok, insufficient int32
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Settle(ctx, "caller", "owner", d("100"), "")
			switch {
			case err == nil:
				atomic.AddInt32(&ok, 1)
			case errors.Is(err, ErrInsufficientBalance):
				atomic.AddInt32(&insufficient, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok)
	assert.Equal(t, int32(1), insufficient)
	bal, _ := l.GetBalance(ctx, "caller")
	assert.True(t, bal.IsZero())
}

func TestLedger_ConcurrentOppositeTransfers(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()
	_, _ = l.TopUp(ctx, "a", d("1000"), "")
	_, _ = l.TopUp(ctx, "b", d("1000"), "")

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = l.Settle(ctx, "a", "b", d("1"), "")
		}()
		go func() {
			defer wg.Done()
			_, _ = l.Settle(ctx, "b", "a", d("1"), "")
		}()
	}
	wg.Wait()

	a, _ := l.GetBalance(ctx, "a")
	b, _ := l.GetBalance(ctx, "b")
	assert.True(t, a.Add(b).Equal(d("2000")))
}

func TestLedger_TotalsConserved(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()
	_, _ = l.TopUp(ctx, "a", d("50"), "")
	_, _ = l.TopUp(ctx, "b", d("25.25"), "")
	_, _ = l.Settle(ctx, "a", "c", d("10"), "")
	_, _ = l.Hold(ctx, "b", d("5"), "")

	tot, err := l.Totals(ctx)
	require.NoError(t, err)
	assert.True(t, tot.ToppedUp.Equal(d("75.25")))
	assert.True(t, tot.Held.Equal(d("5")))
	assert.True(t, tot.Available.Add(tot.Held).Equal(tot.ToppedUp))
}

func TestLedger_HistoryNewestFirst(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()
	_, _ = l.TopUp(ctx, "a", d("10"), "r1")
	_, _ = l.Settle(ctx, "a", "b", d("3"), "r2")

	entries, err := l.History(ctx, "a", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, EntrySettleDebit, entries[0].Type)
	assert.Equal(t, "b", entries[0].Counterparty)
	assert.Equal(t, EntryTopUp, entries[1].Type)

	payee, _ := l.History(ctx, "b", 10)
	require.Len(t, payee, 1)
	assert.Equal(t, EntrySettleCredit, payee[0].Type)
}

type recordingObserver struct {
	mu      sync.Mutex
	wallets []string
}

func (r *recordingObserver) BalanceChanged(wallet string, _ decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wallets = append(r.wallets, wallet)
}

func TestLedger_ObserverNotified(t *testing.T) {
	obs := &recordingObserver{}
	l := New(NewMemoryStore()).WithObserver(obs)
	ctx := context.Background()
	_, _ = l.TopUp(ctx, "a", d("10"), "")
	_, _ = l.Settle(ctx, "a", "b", d("1"), "")

	assert.Equal(t, []string{"a", "a", "b"}, obs.wallets)
}

func TestInsufficientBalanceError_Message(t *testing.T) {
	err := &InsufficientBalanceError{Required: d("100"), Available: d("20.5")}
	assert.Equal(t, "ledger: insufficient balance: required 100, available 20.5", err.Error())
}

func TestLedger_OpenHolds(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()
	_, _ = l.TopUp(ctx, "caller", d("100"), "")

	_, err := l.Hold(ctx, "caller", d("10"), "call_captured")
	require.NoError(t, err)
	_, err = l.Hold(ctx, "caller", d("20"), "call_released")
	require.NoError(t, err)
	_, err = l.Hold(ctx, "caller", d("30"), "call_stuck")
	require.NoError(t, err)

	_, err = l.Capture(ctx, "caller", "owner", d("10"), "call_captured")
	require.NoError(t, err)
	_, err = l.Release(ctx, "caller", d("20"), "call_released")
	require.NoError(t, err)

	open, err := l.OpenHolds(ctx, 0)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "call_stuck", open[0].Reference)
	assert.True(t, open[0].Amount.Equal(d("30")))

	recent, err := l.OpenHolds(ctx, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, recent, "holds younger than the age are in flight, not orphaned")
}
