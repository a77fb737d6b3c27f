//go:build integration

package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/paygate/internal/testutil"
)

func setupPG(t *testing.T) *Ledger {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)
	return New(NewPostgresStore(db))
}

func TestPostgres_TopUpAndBalance(t *testing.T) {
	l := setupPG(t)
	ctx := context.Background()

	_, err := l.TopUp(ctx, "pg-alice", d("500"), "t1")
	require.NoError(t, err)
	got, err := l.TopUp(ctx, "pg-alice", d("500"), "t2")
	require.NoError(t, err)
	assert.True(t, got.Equal(d("1000")), "got %s", got)

	unknown, err := l.GetBalance(ctx, "pg-nobody")
	require.NoError(t, err)
	assert.True(t, unknown.IsZero())
}

func TestPostgres_SettleInsufficient(t *testing.T) {
	l := setupPG(t)
	ctx := context.Background()
	_, _ = l.TopUp(ctx, "pg-caller", d("10"), "")

	_, err := l.Settle(ctx, "pg-caller", "pg-owner", d("11"), "")
	var ibe *InsufficientBalanceError
	require.True(t, errors.As(err, &ibe), "got %v", err)
	assert.True(t, ibe.Available.Equal(d("10")))

	owner, _ := l.GetBalance(ctx, "pg-owner")
	assert.True(t, owner.IsZero())
}

func TestPostgres_ConcurrentSettleExactlyOneWins(t *testing.T) {
	l := setupPG(t)
	ctx := context.Background()
	_, _ = l.TopUp(ctx, "pg-race", d("100"), "")

	var wg sync.WaitGroup
	results := make([]error, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = l.Settle(ctx, "pg-race", "pg-owner", d("100"), "")
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, ErrInsufficientBalance)
	}
	assert.Equal(t, 1, wins)

	bal, _ := l.GetBalance(ctx, "pg-race")
	assert.True(t, bal.IsZero())
}

func TestPostgres_HoldCaptureReleaseAndTotals(t *testing.T) {
	l := setupPG(t)
	ctx := context.Background()
	_, _ = l.TopUp(ctx, "pg-c", d("50"), "")

	_, err := l.Hold(ctx, "pg-c", d("20"), "h1")
	require.NoError(t, err)
	_, err = l.Capture(ctx, "pg-c", "pg-o", d("20"), "h1")
	require.NoError(t, err)
	_, err = l.Hold(ctx, "pg-c", d("5"), "h2")
	require.NoError(t, err)
	_, err = l.Release(ctx, "pg-c", d("5"), "h2")
	require.NoError(t, err)
	_, err = l.Release(ctx, "pg-c", d("5"), "h2")
	assert.ErrorIs(t, err, ErrInsufficientHeld)

	tot, err := l.Totals(ctx)
	require.NoError(t, err)
	assert.True(t, tot.Available.Add(tot.Held).Equal(tot.ToppedUp))

	hist, err := l.History(ctx, "pg-c", 10)
	require.NoError(t, err)
	assert.Len(t, hist, 5)
}
