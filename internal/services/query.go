package services

import (
	"context"
	"errors"
	"strings"

	"walletledger/internal/events"
	"walletledger/internal/models"
	"walletledger/internal/money"
	"walletledger/internal/store"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ResultPage is one page of a listing plus the unpaginated total.
type ResultPage[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
	Page  int `json:"page"`
	Limit int `json:"limit"`
}

func newResultPage[T any](items []T, total int, page store.Page) ResultPage[T] {
	page = page.Normalize()
	if items == nil {
		items = []T{}
	}
	return ResultPage[T]{Items: items, Total: total, Page: page.Page, Limit: page.Limit}
}

// GetBalance returns a wallet snapshot, served from the cache when warm.
// Unknown keys resolve to a new empty wallet. A miss only fills an absent
// entry, so a snapshot read before a concurrent commit never replaces the
// one that commit stored.
func (s *WalletService) GetBalance(ctx context.Context, key models.WalletKey) (models.Wallet, error) {
	key = key.Normalize(s.cfg.DefaultCurrency)
	if key.OwnerID == "" {
		return models.Wallet{}, ErrMissingOwner
	}
	if wallet, ok := s.cache.Get(ctx, key); ok {
		return wallet, nil
	}
	wallet, err := s.ResolveWallet(ctx, key)
	if err != nil {
		return models.Wallet{}, err
	}
	s.cache.Fill(ctx, wallet)
	return wallet, nil
}

func (s *WalletService) GetWallet(ctx context.Context, walletID string) (models.Wallet, error) {
	wallet, err := s.wallets.GetByID(ctx, walletID)
	if errors.Is(err, store.ErrNotFound) {
		return models.Wallet{}, ErrWalletNotFound
	}
	return wallet, err
}

func (s *WalletService) GetTransaction(ctx context.Context, transactionID string) (models.WalletTransaction, error) {
	entry, err := s.ledger.GetByID(ctx, transactionID)
	if errors.Is(err, store.ErrNotFound) {
		return models.WalletTransaction{}, ErrTransactionNotFound
	}
	return entry, err
}

func (s *WalletService) GetTransfer(ctx context.Context, transferID string) (models.WalletTransfer, error) {
	transfer, err := s.transfers.GetByID(ctx, transferID)
	if errors.Is(err, store.ErrNotFound) {
		return models.WalletTransfer{}, ErrTransactionNotFound
	}
	return transfer, err
}

// ListTransactions pages through one owner's history, newest first.
func (s *WalletService) ListTransactions(ctx context.Context, filter store.TransactionFilter) (ResultPage[models.WalletTransaction], error) {
	filter.OwnerID = strings.TrimSpace(filter.OwnerID)
	if filter.OwnerID == "" {
		return ResultPage[models.WalletTransaction]{}, ErrMissingOwner
	}
	if err := s.normalizeFilter(&filter); err != nil {
		return ResultPage[models.WalletTransaction]{}, err
	}
	items, total, err := s.ledger.List(ctx, filter)
	if err != nil {
		return ResultPage[models.WalletTransaction]{}, err
	}
	return newResultPage(items, total, filter.Page), nil
}

// ListAllTransactions is the admin view across every wallet.
func (s *WalletService) ListAllTransactions(ctx context.Context, filter store.TransactionFilter) (ResultPage[models.OwnedTransaction], error) {
	if err := s.normalizeFilter(&filter); err != nil {
		return ResultPage[models.OwnedTransaction]{}, err
	}
	items, total, err := s.ledger.ListAll(ctx, filter)
	if err != nil {
		return ResultPage[models.OwnedTransaction]{}, err
	}
	return newResultPage(items, total, filter.Page), nil
}

func (s *WalletService) normalizeFilter(filter *store.TransactionFilter) error {
	if filter.Type != "" && !filter.Type.Valid() {
		return ErrInvalidType
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return ErrInvalidStatus
	}
	filter.Currency = strings.ToUpper(strings.TrimSpace(filter.Currency))
	filter.Page = filter.Page.Normalize()
	return nil
}

func (s *WalletService) GetSettings(ctx context.Context, ownerID string) (models.WalletSettings, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return models.WalletSettings{}, ErrMissingOwner
	}
	return s.settings.GetOrCreate(ctx, ownerID, s.defaultSettings(ownerID))
}

// UpdateSettings applies the non-nil fields of patch.
func (s *WalletService) UpdateSettings(ctx context.Context, ownerID string, patch models.SettingsPatch) (models.WalletSettings, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return models.WalletSettings{}, ErrMissingOwner
	}
	for _, limit := range []*decimal.Decimal{patch.WithdrawLimit, patch.DailyLimit, patch.MonthlyLimit} {
		if limit != nil && money.ValidateNonNegative(*limit) != nil {
			return models.WalletSettings{}, ErrInvalidLimit
		}
	}
	if _, err := s.settings.GetOrCreate(ctx, ownerID, s.defaultSettings(ownerID)); err != nil {
		return models.WalletSettings{}, err
	}
	settings, err := s.settings.Update(ctx, ownerID, patch)
	if err != nil {
		return models.WalletSettings{}, err
	}
	s.log(ctx).Info("wallet settings updated", zap.String("owner_id", ownerID))
	return settings, nil
}

func (s *WalletService) ListWallets(ctx context.Context, filter store.WalletFilter) (ResultPage[models.WalletSummary], error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return ResultPage[models.WalletSummary]{}, ErrInvalidStatus
	}
	filter.Currency = strings.ToUpper(strings.TrimSpace(filter.Currency))
	filter.Page = filter.Page.Normalize()
	items, total, err := s.wallets.List(ctx, filter)
	if err != nil {
		return ResultPage[models.WalletSummary]{}, err
	}
	return newResultPage(items, total, filter.Page), nil
}

// SetWalletStatus changes the gate future mutations check. Balances are
// untouched.
func (s *WalletService) SetWalletStatus(ctx context.Context, walletID string, status models.WalletStatus) (models.Wallet, error) {
	start := s.now()
	const op = "set_status"
	if !status.Valid() {
		return models.Wallet{}, s.reject(ctx, op, start, ErrInvalidStatus)
	}
	var updated models.Wallet
	err := s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		current, err := s.lockWallet(ctx, tx, walletID)
		if err != nil {
			return err
		}
		updated, err = s.wallets.SetStatus(ctx, tx, walletID, status)
		if errors.Is(err, store.ErrNotFound) {
			return ErrWalletNotFound
		}
		if err != nil {
			return err
		}
		updated.UpdatedAt = s.now()
		return s.audit.Log(ctx, tx, actorFrom(ctx), "wallet.status", "wallet", walletID, map[string]string{
			"from": string(current.Status),
			"to":   string(status),
		})
	})
	if err != nil {
		return models.Wallet{}, s.reject(ctx, op, start, err, zap.String("wallet_id", walletID))
	}
	s.succeed(ctx, op, start, zap.String("wallet_id", walletID), zap.String("status", string(status)))
	s.afterCommit(ctx, updated, events.WalletEvent{Type: events.TypeStatusChanged})
	return updated, nil
}

// AuditTrail lists the admin actions recorded against a wallet.
func (s *WalletService) AuditTrail(ctx context.Context, walletID string, page store.Page) ([]store.AuditEntry, error) {
	return s.audit.ListByEntity(ctx, "wallet", walletID, page)
}
