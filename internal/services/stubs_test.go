package services

import (
	"context"
	"time"

	"walletledger/internal/models"
	"walletledger/internal/store"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

type fakeTxRunner struct {
	err error
}

func (f fakeTxRunner) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	if f.err != nil {
		return f.err
	}
	return fn(nil)
}

type stubWalletStore struct {
	resolveFn      func(ctx context.Context, key models.WalletKey) (models.Wallet, bool, error)
	getByIDFn      func(ctx context.Context, walletID string) (models.Wallet, error)
	getForUpdateFn func(ctx context.Context, tx store.Getter, walletID string) (models.Wallet, error)
	updateFn       func(ctx context.Context, tx store.Execer, walletID string, balance, frozen decimal.Decimal) error
	setStatusFn    func(ctx context.Context, tx store.Getter, walletID string, status models.WalletStatus) (models.Wallet, error)
	listFn         func(ctx context.Context, filter store.WalletFilter) ([]models.WalletSummary, int, error)
}

func (s stubWalletStore) ResolveOrCreate(ctx context.Context, key models.WalletKey) (models.Wallet, bool, error) {
	if s.resolveFn == nil {
		return models.Wallet{ID: "w-1", OwnerID: key.OwnerID, Currency: key.Currency, Status: models.WalletActive}, false, nil
	}
	return s.resolveFn(ctx, key)
}

func (s stubWalletStore) GetByID(ctx context.Context, walletID string) (models.Wallet, error) {
	if s.getByIDFn == nil {
		return models.Wallet{}, store.ErrNotFound
	}
	return s.getByIDFn(ctx, walletID)
}

func (s stubWalletStore) GetForUpdate(ctx context.Context, tx store.Getter, walletID string) (models.Wallet, error) {
	return s.getForUpdateFn(ctx, tx, walletID)
}

func (s stubWalletStore) UpdateBalances(ctx context.Context, tx store.Execer, walletID string, balance, frozen decimal.Decimal) error {
	if s.updateFn == nil {
		return nil
	}
	return s.updateFn(ctx, tx, walletID, balance, frozen)
}

func (s stubWalletStore) SetStatus(ctx context.Context, tx store.Getter, walletID string, status models.WalletStatus) (models.Wallet, error) {
	return s.setStatusFn(ctx, tx, walletID, status)
}

func (s stubWalletStore) List(ctx context.Context, filter store.WalletFilter) ([]models.WalletSummary, int, error) {
	if s.listFn == nil {
		return nil, 0, nil
	}
	return s.listFn(ctx, filter)
}

type stubTotals struct {
	sumFn func(ownerID string, since time.Time, statuses []models.TransactionStatus) (decimal.Decimal, error)
}

func (s stubTotals) SumSince(_ context.Context, _ store.Getter, ownerID string, _ models.TransactionType, since time.Time, statuses []models.TransactionStatus) (decimal.Decimal, error) {
	if s.sumFn == nil {
		return decimal.Zero, nil
	}
	return s.sumFn(ownerID, since, statuses)
}
