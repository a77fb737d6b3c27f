// Package reconciliation checks that money and usage bookkeeping agree
// with themselves.
//
// Three checks run on every pass:
//   - the ledger is zero-sum: available + held equals everything topped up
//   - each listing's stored aggregates equal the sums of its usage events
//   - holds older than the hold age that were never captured or released
//     are released back to the caller
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/paygate/internal/ledger"
	"github.com/mbd888/paygate/internal/money"
	"github.com/mbd888/paygate/internal/usage"
)

// Ledger is the part of the ledger reconciliation reads and repairs.
type Ledger interface {
	Totals(ctx context.Context) (*ledger.Totals, error)
	OpenHolds(ctx context.Context, age time.Duration) ([]*ledger.Entry, error)
	Release(ctx context.Context, wallet string, amount decimal.Decimal, reference string) (*ledger.Balance, error)
}

// AggregateChecker compares stored listing aggregates with event sums.
type AggregateChecker interface {
	CheckAggregates(ctx context.Context) ([]usage.AggregateCheck, error)
}

// Report is the outcome of one reconciliation pass.
type Report struct {
	LedgerBalanced      bool                   `json:"ledgerBalanced"`
	Totals              *ledger.Totals         `json:"totals"`
	Drift               decimal.Decimal        `json:"drift"`
	ListingsChecked     int                    `json:"listingsChecked"`
	AggregateMismatches []usage.AggregateCheck `json:"aggregateMismatches"`
	OrphanedHolds       int                    `json:"orphanedHolds"`
	ReleasedHolds       int                    `json:"releasedHolds"`
	Healthy             bool                   `json:"healthy"`
	RanAt               time.Time              `json:"ranAt"`
	DurationMs          int64                  `json:"durationMs"`
}

// Runner executes reconciliation passes.
type Runner struct {
	ledger  Ledger
	usage   AggregateChecker
	holdAge time.Duration
	logger  *slog.Logger

	last atomic.Pointer[Report]
}

// NewRunner creates a runner. Holds younger than holdAge are treated as
// in flight; it should comfortably exceed the upstream timeout.
func NewRunner(l Ledger, u AggregateChecker, holdAge time.Duration, logger *slog.Logger) *Runner {
	if holdAge <= 0 {
		holdAge = 5 * time.Minute
	}
	return &Runner{ledger: l, usage: u, holdAge: holdAge, logger: logger}
}

// RunAll performs every check and returns the report. A check that
// errors aborts the pass.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := time.Now()
	defer func() { reconcileDuration.Observe(time.Since(start).Seconds()) }()

	rep := &Report{RanAt: start.UTC(), AggregateMismatches: []usage.AggregateCheck{}}

	if err := r.releaseOrphanedHolds(ctx, rep); err != nil {
		reconcileErrors.Inc()
		return nil, err
	}
	if err := r.checkLedger(ctx, rep); err != nil {
		reconcileErrors.Inc()
		return nil, err
	}
	if err := r.checkAggregates(ctx, rep); err != nil {
		reconcileErrors.Inc()
		return nil, err
	}

	rep.Healthy = rep.LedgerBalanced && len(rep.AggregateMismatches) == 0
	rep.DurationMs = time.Since(start).Milliseconds()
	r.last.Store(rep)

	if rep.Healthy {
		r.logger.Info("reconciliation passed",
			"listings", rep.ListingsChecked, "released_holds", rep.ReleasedHolds, "duration_ms", rep.DurationMs)
	} else {
		r.logger.Error("reconciliation found discrepancies",
			"ledger_balanced", rep.LedgerBalanced, "drift", money.Format(rep.Drift),
			"aggregate_mismatches", len(rep.AggregateMismatches))
	}
	return rep, nil
}

// Last returns the most recent report, or nil before the first pass.
func (r *Runner) Last() *Report {
	return r.last.Load()
}

// releaseOrphanedHolds runs first so the zero-sum check sees the
// repaired balances.
func (r *Runner) releaseOrphanedHolds(ctx context.Context, rep *Report) error {
	holds, err := r.ledger.OpenHolds(ctx, r.holdAge)
	if err != nil {
		return fmt.Errorf("reconciliation: list open holds: %w", err)
	}
	rep.OrphanedHolds = len(holds)
	reconcileOrphanedHolds.Set(float64(len(holds)))

	for _, h := range holds {
		if _, err := r.ledger.Release(ctx, h.Wallet, h.Amount, h.Reference); err != nil {
			r.logger.Error("reconciliation: failed to release orphaned hold",
				"wallet", h.Wallet, "reference", h.Reference, "amount", money.Format(h.Amount), "error", err)
			continue
		}
		rep.ReleasedHolds++
		r.logger.Warn("reconciliation: released orphaned hold",
			"wallet", h.Wallet, "reference", h.Reference, "amount", money.Format(h.Amount))
	}
	return nil
}

func (r *Runner) checkLedger(ctx context.Context, rep *Report) error {
	totals, err := r.ledger.Totals(ctx)
	if err != nil {
		return fmt.Errorf("reconciliation: ledger totals: %w", err)
	}
	rep.Totals = totals
	rep.Drift = totals.Available.Add(totals.Held).Sub(totals.ToppedUp)
	rep.LedgerBalanced = rep.Drift.IsZero()
	reconcileLedgerDrift.Set(money.Float(rep.Drift))
	return nil
}

func (r *Runner) checkAggregates(ctx context.Context, rep *Report) error {
	checks, err := r.usage.CheckAggregates(ctx)
	if err != nil {
		return fmt.Errorf("reconciliation: listing aggregates: %w", err)
	}
	rep.ListingsChecked = len(checks)
	for _, c := range checks {
		if !c.Consistent() {
			rep.AggregateMismatches = append(rep.AggregateMismatches, c)
		}
	}
	reconcileAggregateMismatches.Set(float64(len(rep.AggregateMismatches)))
	return nil
}
