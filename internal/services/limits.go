package services

import (
	"context"
	"time"

	"walletledger/internal/models"
	"walletledger/internal/store"

	"github.com/shopspring/decimal"
)

// WithdrawalTotals aggregates an owner's withdrawals for a limit window.
type WithdrawalTotals interface {
	SumSince(ctx context.Context, q store.Getter, ownerID string, txType models.TransactionType, since time.Time, statuses []models.TransactionStatus) (decimal.Decimal, error)
}

// countedStatuses are the withdrawal states that use up a limit window. A
// pending withdrawal has already left the balance, so it counts.
var countedStatuses = []models.TransactionStatus{models.StatusPending, models.StatusCompleted}

// LimitEnforcer checks withdrawals against the owner's per-withdrawal,
// daily and monthly limits. Windows are calendar aligned in loc.
type LimitEnforcer struct {
	totals WithdrawalTotals
	loc    *time.Location
	now    func() time.Time
}

func NewLimitEnforcer(totals WithdrawalTotals, loc *time.Location) *LimitEnforcer {
	if loc == nil {
		loc = time.UTC
	}
	return &LimitEnforcer{totals: totals, loc: loc, now: time.Now}
}

// CheckWithdrawal must run inside the withdrawal transaction after the
// wallet row is locked. A zero limit disables its window.
func (e *LimitEnforcer) CheckWithdrawal(ctx context.Context, q store.Getter, settings models.WalletSettings, amount decimal.Decimal) error {
	if settings.WithdrawLimit.IsPositive() && amount.GreaterThan(settings.WithdrawLimit) {
		return &LimitError{Window: WindowPerWithdrawal, Limit: settings.WithdrawLimit, Used: decimal.Zero, Requested: amount}
	}
	now := e.now().In(e.loc)
	windows := []struct {
		window LimitWindow
		limit  decimal.Decimal
		since  time.Time
	}{
		{WindowDaily, settings.DailyLimit, startOfDay(now)},
		{WindowMonthly, settings.MonthlyLimit, startOfMonth(now)},
	}
	for _, w := range windows {
		if !w.limit.IsPositive() {
			continue
		}
		used, err := e.totals.SumSince(ctx, q, settings.OwnerID, models.TxWithdrawal, w.since, countedStatuses)
		if err != nil {
			return err
		}
		if used.Add(amount).GreaterThan(w.limit) {
			return &LimitError{Window: w.window, Limit: w.limit, Used: used, Requested: amount}
		}
	}
	return nil
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func startOfMonth(t time.Time) time.Time {
	y, m, _ := t.Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, t.Location())
}
