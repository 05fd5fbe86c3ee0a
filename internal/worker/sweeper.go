package worker

import (
	"context"
	"errors"
	"time"

	"walletledger/internal/models"
	"walletledger/internal/services"

	"go.uber.org/zap"
)

const TimeoutReason = "settlement timed out"

type StalePendingLister interface {
	ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]models.WalletTransaction, error)
}

type Settler interface {
	SettleWithdrawal(ctx context.Context, transactionID string, succeeded bool, reason string) (services.Settlement, error)
}

type SweepMetrics interface {
	AddSwept(n int)
	SetStalePending(n int)
}

// SweepOptions configures a Sweeper. AutoFail off means stale withdrawals
// are only reported; failing one credits the wallet, which is wrong if the
// payout did go out and the confirmation is just late.
type SweepOptions struct {
	Timeout   time.Duration
	BatchSize int
	AutoFail  bool
}

// SweepReport is the outcome of one pass.
type SweepReport struct {
	Stale  int
	Failed int
}

// Sweeper looks for withdrawals that stayed PENDING longer than the
// settlement timeout. It reports them, and with AutoFail it also fails
// them, which credits the debited amount back to the wallet.
type Sweeper struct {
	lister  StalePendingLister
	settler Settler
	metrics SweepMetrics
	logger  *zap.Logger
	opts    SweepOptions
	now     func() time.Time
}

func NewSweeper(lister StalePendingLister, settler Settler, metrics SweepMetrics, logger *zap.Logger, opts SweepOptions) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	return &Sweeper{
		lister:  lister,
		settler: settler,
		metrics: metrics,
		logger:  logger.Named("sweeper"),
		opts:    opts,
		now:     time.Now,
	}
}

// Sweep runs one pass. Entries settled concurrently by someone else are
// skipped.
func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	cutoff := s.now().Add(-s.opts.Timeout)
	stale, err := s.lister.ListStalePending(ctx, cutoff, s.opts.BatchSize)
	if err != nil {
		return SweepReport{}, err
	}
	report := SweepReport{Stale: len(stale)}
	if s.metrics != nil {
		s.metrics.SetStalePending(report.Stale)
	}
	if !s.opts.AutoFail {
		for _, entry := range stale {
			s.logger.Warn("withdrawal awaiting settlement past timeout",
				zap.String("transaction_id", entry.ID),
				zap.String("wallet_id", entry.WalletID),
				zap.Time("created_at", entry.CreatedAt))
		}
		return report, nil
	}

	var errs []error
	for _, entry := range stale {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		_, err := s.settler.SettleWithdrawal(ctx, entry.ID, false, TimeoutReason)
		switch {
		case err == nil:
			report.Failed++
			s.logger.Info("stale withdrawal failed",
				zap.String("transaction_id", entry.ID),
				zap.String("wallet_id", entry.WalletID),
				zap.Time("created_at", entry.CreatedAt))
		case errors.Is(err, services.ErrAlreadySettled):
		default:
			errs = append(errs, err)
			s.logger.Error("stale withdrawal could not be failed",
				zap.String("transaction_id", entry.ID), zap.Error(err))
		}
	}
	if s.metrics != nil && report.Failed > 0 {
		s.metrics.AddSwept(report.Failed)
	}
	return report, errors.Join(errs...)
}

// Run is the cron entry point.
func (s *Sweeper) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	report, err := s.Sweep(ctx)
	if err != nil {
		s.logger.Error("sweep finished with errors", zap.Int("stale", report.Stale), zap.Int("failed", report.Failed), zap.Error(err))
		return
	}
	if report.Stale > 0 {
		s.logger.Info("sweep finished", zap.Int("stale", report.Stale), zap.Int("failed", report.Failed))
	}
}
