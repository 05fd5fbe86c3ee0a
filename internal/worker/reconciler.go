package worker

import (
	"context"
	"time"

	"walletledger/internal/store"

	"go.uber.org/zap"
)

type DiscrepancyLister interface {
	ListDiscrepancies(ctx context.Context) ([]store.BalanceDiscrepancy, error)
}

type ReconcileMetrics interface {
	SetDiscrepancies(n int)
	ObserveReconcile(err error)
}

// Reconciler compares every stored balance against its posted ledger sum.
// It only reports; balances are never rewritten.
type Reconciler struct {
	lister  DiscrepancyLister
	metrics ReconcileMetrics
	logger  *zap.Logger
}

func NewReconciler(lister DiscrepancyLister, metrics ReconcileMetrics, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{lister: lister, metrics: metrics, logger: logger.Named("reconciler")}
}

func (r *Reconciler) Reconcile(ctx context.Context) ([]store.BalanceDiscrepancy, error) {
	found, err := r.lister.ListDiscrepancies(ctx)
	if r.metrics != nil {
		r.metrics.ObserveReconcile(err)
	}
	if err != nil {
		return nil, err
	}
	for _, d := range found {
		r.logger.Error("wallet balance does not match ledger",
			zap.String("wallet_id", d.WalletID),
			zap.String("owner_id", d.OwnerID),
			zap.String("currency", d.Currency),
			zap.String("stored_balance", d.StoredBalance.StringFixed(2)),
			zap.String("ledger_balance", d.CalculatedBalance.StringFixed(2)),
			zap.String("difference", d.Difference.StringFixed(2)))
	}
	if r.metrics != nil {
		r.metrics.SetDiscrepancies(len(found))
	}
	return found, nil
}

func (r *Reconciler) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	found, err := r.Reconcile(ctx)
	if err != nil {
		r.logger.Error("reconciliation failed", zap.Error(err))
		return
	}
	r.logger.Info("reconciliation finished", zap.Int("discrepancies", len(found)))
}
