package services

import (
	"context"
	"errors"
	"fmt"

	"walletledger/internal/events"
	"walletledger/internal/models"
	"walletledger/internal/money"
	"walletledger/internal/store"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

const defaultFailureReason = "settlement failed"

// Settlement is the outcome of SettleWithdrawal.
type Settlement struct {
	Wallet      models.Wallet
	Transaction models.WalletTransaction
}

// SettleWithdrawal moves a PENDING withdrawal to COMPLETED, or to FAILED
// with the debited amount credited back in the same transaction. Wallet
// status does not gate settlement.
func (s *WalletService) SettleWithdrawal(ctx context.Context, transactionID string, succeeded bool, reason string) (Settlement, error) {
	start := s.now()
	const op = "settle_withdrawal"
	pending, err := s.ledger.GetByID(ctx, transactionID)
	if errors.Is(err, store.ErrNotFound) {
		return Settlement{}, s.reject(ctx, op, start, ErrTransactionNotFound)
	}
	if err != nil {
		return Settlement{}, s.reject(ctx, op, start, err)
	}
	status := models.StatusCompleted
	if !succeeded {
		status = models.StatusFailed
		if reason == "" {
			reason = defaultFailureReason
		}
	} else {
		reason = ""
	}

	var result Settlement
	err = s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		wallet, err := s.lockWallet(ctx, tx, pending.WalletID)
		if err != nil {
			return err
		}
		entry, err := s.ledger.GetForUpdate(ctx, tx, transactionID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrTransactionNotFound
		}
		if err != nil {
			return err
		}
		if entry.Type != models.TxWithdrawal {
			return ErrNotWithdrawal
		}
		if !entry.Status.CanTransition(status) {
			if status == models.StatusCompleted && entry.Status == models.StatusFailed {
				return fmt.Errorf("%w (failed with %q): %w", ErrConfirmedAfterFailure, entry.FailureReason, ErrAlreadySettled)
			}
			return ErrAlreadySettled
		}
		wallet.UpdatedAt = s.now()
		if status == models.StatusFailed {
			restored := wallet.Balance.Add(entry.Amount.Abs())
			if err := s.wallets.UpdateBalances(ctx, tx, wallet.ID, restored, wallet.FrozenBalance); err != nil {
				return err
			}
			wallet.Balance = restored
		}
		if err := s.ledger.MarkSettled(ctx, tx, entry.ID, status, reason); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrAlreadySettled
			}
			return err
		}
		if err := s.audit.Log(ctx, tx, actorFrom(ctx), "withdrawal.settle", "wallet_transaction", entry.ID, map[string]string{
			"status": string(status),
			"reason": reason,
			"amount": money.Format(entry.Amount.Abs()),
		}); err != nil {
			return err
		}
		settledAt := s.now()
		entry.Status = status
		entry.FailureReason = reason
		entry.SettledAt = &settledAt
		result = Settlement{Wallet: wallet, Transaction: entry}
		return nil
	})
	if err != nil {
		return Settlement{}, s.reject(ctx, op, start, err, zap.String("transaction_id", transactionID))
	}

	s.succeed(ctx, op, start,
		zap.String("transaction_id", transactionID),
		zap.String("wallet_id", result.Wallet.ID),
		zap.String("status", string(status)))
	s.afterCommit(ctx, result.Wallet, events.WalletEvent{
		Type:          events.TypeWithdrawalSettled,
		TransactionID: transactionID,
		Status:        status,
		Amount:        result.Transaction.Amount,
	})
	return result, nil
}
