package reconciliation

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/paygate/internal/ledger"
	"github.com/mbd888/paygate/internal/usage"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type failingChecker struct{}

func (failingChecker) CheckAggregates(context.Context) ([]usage.AggregateCheck, error) {
	return nil, errors.New("db down")
}

func setup(t *testing.T) (*ledger.Ledger, *usage.Recorder, *usage.MemoryStore) {
	t.Helper()
	l := ledger.New(ledger.NewMemoryStore())
	store := usage.NewMemoryStore()
	return l, usage.NewRecorder(store, nil, nil), store
}

func TestRunAll_Healthy(t *testing.T) {
	l, rec, store := setup(t)
	ctx := context.Background()

	_, _ = l.TopUp(ctx, "caller", d("100"), "")
	_, _ = l.Settle(ctx, "caller", "owner", d("10"), "call_1")
	_, _, err := rec.Record(ctx, usage.RecordInput{ListingID: "l1", CallerWallet: "caller", Success: true, Cost: d("10")})
	require.NoError(t, err)

	rep, err := NewRunner(l, store, time.Minute, slog.Default()).RunAll(ctx)
	require.NoError(t, err)
	assert.True(t, rep.Healthy)
	assert.True(t, rep.LedgerBalanced)
	assert.True(t, rep.Drift.IsZero())
	assert.Equal(t, 1, rep.ListingsChecked)
	assert.Empty(t, rep.AggregateMismatches)
}

func TestRunAll_ReleasesOrphanedHolds(t *testing.T) {
	l, _, store := setup(t)
	ctx := context.Background()

	_, _ = l.TopUp(ctx, "caller", d("50"), "")
	_, err := l.Hold(ctx, "caller", d("20"), "call_crashed")
	require.NoError(t, err)

	runner := NewRunner(l, store, time.Nanosecond, slog.Default())
	time.Sleep(time.Millisecond)

	rep, err := runner.RunAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.OrphanedHolds)
	assert.Equal(t, 1, rep.ReleasedHolds)
	assert.True(t, rep.Healthy)

	bal, err := l.Balance(ctx, "caller")
	require.NoError(t, err)
	assert.True(t, bal.Available.Equal(d("50")))
	assert.True(t, bal.Held.IsZero())

	rep, err = runner.RunAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.OrphanedHolds, "released holds are closed")
	assert.Same(t, rep, runner.Last())
}

func TestRunAll_InFlightHoldsLeftAlone(t *testing.T) {
	l, _, store := setup(t)
	ctx := context.Background()
	_, _ = l.TopUp(ctx, "caller", d("50"), "")
	_, _ = l.Hold(ctx, "caller", d("20"), "call_live")

	rep, err := NewRunner(l, store, time.Hour, slog.Default()).RunAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.ReleasedHolds)
	assert.True(t, rep.LedgerBalanced, "held funds still count toward the total")
}

func TestRunAll_ReportsAggregateDrift(t *testing.T) {
	l, rec, _ := setup(t)
	ctx := context.Background()
	_, _, _ = rec.Record(ctx, usage.RecordInput{ListingID: "l1", CallerWallet: "c", Success: true, Cost: d("1")})

	drifted := driftChecker{}
	rep, err := NewRunner(l, drifted, time.Minute, slog.Default()).RunAll(ctx)
	require.NoError(t, err)
	assert.False(t, rep.Healthy)
	require.Len(t, rep.AggregateMismatches, 1)
	assert.Equal(t, "l9", rep.AggregateMismatches[0].ListingID)
}

type driftChecker struct{}

func (driftChecker) CheckAggregates(context.Context) ([]usage.AggregateCheck, error) {
	return []usage.AggregateCheck{
		{ListingID: "l1", Stored: usage.ListingStats{TotalCalls: 1, TotalRevenue: d("1")}, FromEvents: usage.ListingStats{TotalCalls: 1, TotalRevenue: d("1")}},
		{ListingID: "l9", Stored: usage.ListingStats{TotalCalls: 2, TotalRevenue: d("1")}, FromEvents: usage.ListingStats{TotalCalls: 1, TotalRevenue: d("1")}},
	}, nil
}

func TestRunAll_CheckErrorAborts(t *testing.T) {
	l, _, _ := setup(t)
	_, err := NewRunner(l, failingChecker{}, time.Minute, slog.Default()).RunAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listing aggregates")
}

func TestTimer_StartStop(t *testing.T) {
	l, _, store := setup(t)
	timer := NewTimer(NewRunner(l, store, time.Minute, slog.Default()), 5*time.Millisecond, slog.Default())

	done := make(chan struct{})
	go func() {
		timer.Start(context.Background())
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for !timer.Running() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	timer.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not stop")
	}
}

func TestTimer_RunsPasses(t *testing.T) {
	l, _, store := setup(t)
	runner := NewRunner(l, store, time.Minute, slog.Default())
	timer := NewTimer(runner, 5*time.Millisecond, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go timer.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for timer.Passes() < 2 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	assert.GreaterOrEqual(t, timer.Passes(), int64(2))
	assert.NotNil(t, runner.Last())

	timer.Stop()
	timer.Stop()
}
