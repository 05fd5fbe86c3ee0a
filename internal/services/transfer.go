package services

import (
	"context"
	"strings"

	"walletledger/internal/events"
	"walletledger/internal/models"
	"walletledger/internal/money"
	"walletledger/internal/store"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type TransferRequest struct {
	From        models.WalletKey
	To          models.WalletKey
	Amount      decimal.Decimal
	Fee         decimal.Decimal
	Description string
}

type TransferResult struct {
	Transfer    models.WalletTransfer
	Source      models.Wallet
	Destination models.Wallet
}

// Transfer debits amount+fee from the source and credits amount to the
// destination as one unit. The fee stays with the platform. An empty
// destination currency defaults to the source currency.
func (s *WalletService) Transfer(ctx context.Context, req TransferRequest) (TransferResult, error) {
	start := s.now()
	const op = "transfer"
	if err := validateAmount(req.Amount); err != nil {
		return TransferResult{}, s.reject(ctx, op, start, err)
	}
	if err := money.ValidateNonNegative(req.Fee); err != nil {
		return TransferResult{}, s.reject(ctx, op, start, ErrInvalidAmount)
	}
	fromKey := req.From.Normalize(s.cfg.DefaultCurrency)
	toKey := req.To
	if strings.TrimSpace(toKey.Currency) == "" {
		toKey.Currency = fromKey.Currency
	}
	toKey = toKey.Normalize(s.cfg.DefaultCurrency)
	if fromKey.OwnerID == "" || toKey.OwnerID == "" {
		return TransferResult{}, s.reject(ctx, op, start, ErrMissingOwner)
	}
	if fromKey.Currency != toKey.Currency {
		return TransferResult{}, s.reject(ctx, op, start, ErrCurrencyMismatch)
	}
	if fromKey == toKey {
		return TransferResult{}, s.reject(ctx, op, start, ErrSameWallet)
	}

	source, err := s.ResolveWallet(ctx, fromKey)
	if err != nil {
		return TransferResult{}, s.reject(ctx, op, start, err)
	}
	destination, err := s.ResolveWallet(ctx, toKey)
	if err != nil {
		return TransferResult{}, s.reject(ctx, op, start, err)
	}
	if source.ID == destination.ID {
		return TransferResult{}, s.reject(ctx, op, start, ErrSameWallet)
	}

	var result TransferResult
	err = s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		from, to, err := lockTwoWallets(ctx, tx, s, source.ID, destination.ID)
		if err != nil {
			return err
		}
		if !from.IsActive() || !to.IsActive() {
			return ErrWalletNotActive
		}
		debit := req.Amount.Add(req.Fee)
		if from.Available().LessThan(debit) {
			return ErrInsufficientFunds
		}

		transfer := models.WalletTransfer{
			ID:                  uuid.NewString(),
			SourceWalletID:      from.ID,
			DestinationWalletID: to.ID,
			Amount:              req.Amount,
			Fee:                 req.Fee,
			Status:              models.StatusCompleted,
			Description:         req.Description,
			CreatedAt:           s.now(),
		}
		if err := s.transfers.Create(ctx, tx, transfer); err != nil {
			return err
		}

		fromAfter := from.Balance.Sub(debit)
		if err := s.wallets.UpdateBalances(ctx, tx, from.ID, fromAfter, from.FrozenBalance); err != nil {
			return err
		}
		if err := s.ledger.Append(ctx, tx, store.LedgerEntryInput{
			ID:            uuid.NewString(),
			WalletID:      from.ID,
			Type:          models.TxTransferOut,
			Amount:        debit.Neg(),
			BalanceBefore: from.Balance,
			BalanceAfter:  fromAfter,
			ReferenceKind: models.RefTransfer,
			ReferenceID:   transfer.ID,
			Metadata: models.TransferMetadata{
				TransferID:           transfer.ID,
				CounterpartyWalletID: to.ID,
				Description:          req.Description,
				Fee:                  req.Fee,
			},
			Status: models.StatusCompleted,
		}); err != nil {
			return err
		}

		toAfter := to.Balance.Add(req.Amount)
		if err := s.wallets.UpdateBalances(ctx, tx, to.ID, toAfter, to.FrozenBalance); err != nil {
			return err
		}
		if err := s.ledger.Append(ctx, tx, store.LedgerEntryInput{
			ID:            uuid.NewString(),
			WalletID:      to.ID,
			Type:          models.TxTransferIn,
			Amount:        req.Amount,
			BalanceBefore: to.Balance,
			BalanceAfter:  toAfter,
			ReferenceKind: models.RefTransfer,
			ReferenceID:   transfer.ID,
			Metadata: models.TransferMetadata{
				TransferID:           transfer.ID,
				CounterpartyWalletID: from.ID,
				Description:          req.Description,
				Fee:                  decimal.Zero,
			},
			Status: models.StatusCompleted,
		}); err != nil {
			return err
		}

		now := s.now()
		from.Balance, from.UpdatedAt = fromAfter, now
		to.Balance, to.UpdatedAt = toAfter, now
		result = TransferResult{Transfer: transfer, Source: from, Destination: to}
		return nil
	})
	if err != nil {
		return TransferResult{}, s.reject(ctx, op, start, err,
			zap.String("source_wallet_id", source.ID),
			zap.String("destination_wallet_id", destination.ID))
	}

	s.succeed(ctx, op, start,
		zap.String("transfer_id", result.Transfer.ID),
		zap.String("source_wallet_id", result.Source.ID),
		zap.String("destination_wallet_id", result.Destination.ID))
	s.afterCommit(ctx, result.Source, events.WalletEvent{
		Type:          events.TypeTransferOut,
		TransactionID: result.Transfer.ID,
		Status:        models.StatusCompleted,
		Amount:        req.Amount.Add(req.Fee).Neg(),
	})
	s.afterCommit(ctx, result.Destination, events.WalletEvent{
		Type:          events.TypeTransferIn,
		TransactionID: result.Transfer.ID,
		Status:        models.StatusCompleted,
		Amount:        req.Amount,
	})
	return result, nil
}

// lockTwoWallets takes both row locks in ascending id order so opposing
// transfers between the same pair cannot deadlock.
func lockTwoWallets(ctx context.Context, tx store.Getter, s *WalletService, firstID, secondID string) (models.Wallet, models.Wallet, error) {
	leftID, rightID := orderedIDs(firstID, secondID)
	left, err := s.lockWallet(ctx, tx, leftID)
	if err != nil {
		return models.Wallet{}, models.Wallet{}, err
	}
	right, err := s.lockWallet(ctx, tx, rightID)
	if err != nil {
		return models.Wallet{}, models.Wallet{}, err
	}
	if firstID == leftID {
		return left, right, nil
	}
	return right, left, nil
}

func orderedIDs(firstID, secondID string) (string, string) {
	if firstID <= secondID {
		return firstID, secondID
	}
	return secondID, firstID
}
