package store

import (
	"context"
	"errors"

	"walletledger/internal/db"
	"walletledger/internal/models"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

const walletColumns = `id, owner_id, sub_account_id, currency, balance, frozen_balance, status, lifecycle, created_at, updated_at`

type WalletStore struct {
	db DB
}

// WalletFilter narrows the admin wallet listing. Zero values match all.
type WalletFilter struct {
	OwnerID  string
	Status   models.WalletStatus
	Currency string
	Page     Page
}

// BalanceDiscrepancy is a wallet whose stored balance differs from the sum
// of its posted ledger entries.
type BalanceDiscrepancy struct {
	WalletID          string          `db:"id"`
	OwnerID           string          `db:"owner_id"`
	Currency          string          `db:"currency"`
	StoredBalance     decimal.Decimal `db:"stored_balance"`
	CalculatedBalance decimal.Decimal `db:"calculated_balance"`
	Difference        decimal.Decimal `db:"difference"`
}

func NewWalletStore(db DB) *WalletStore {
	return &WalletStore{db: db}
}

// ResolveOrCreate returns the wallet for key, inserting it first if absent.
// Concurrent callers converge on a single row through the unique
// (owner_id, sub_account_id, currency) constraint.
func (s *WalletStore) ResolveOrCreate(ctx context.Context, key models.WalletKey) (models.Wallet, bool, error) {
	const attempts = 3
	var lastErr error
	for i := 0; i < attempts; i++ {
		var row models.Wallet
		err := s.db.GetContext(ctx, &row, `
			INSERT INTO wallets (id, owner_id, sub_account_id, currency)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (owner_id, sub_account_id, currency) DO NOTHING
			RETURNING `+walletColumns,
			uuid.NewString(), key.OwnerID, key.SubAccountID, key.Currency)
		if err == nil {
			return row, true, nil
		}
		if !errors.Is(notFound(err), ErrNotFound) && !db.IsUniqueViolation(err) {
			return models.Wallet{}, false, err
		}
		existing, err := s.GetByKey(ctx, key)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return models.Wallet{}, false, err
		}
		lastErr = err
	}
	return models.Wallet{}, false, lastErr
}

func (s *WalletStore) GetByKey(ctx context.Context, key models.WalletKey) (models.Wallet, error) {
	var row models.Wallet
	err := s.db.GetContext(ctx, &row, `
		SELECT `+walletColumns+`
		FROM wallets
		WHERE owner_id = $1 AND sub_account_id = $2 AND currency = $3
	`, key.OwnerID, key.SubAccountID, key.Currency)
	if err != nil {
		return models.Wallet{}, notFound(err)
	}
	return row, nil
}

func (s *WalletStore) GetByID(ctx context.Context, walletID string) (models.Wallet, error) {
	var row models.Wallet
	err := s.db.GetContext(ctx, &row, `
		SELECT `+walletColumns+`
		FROM wallets
		WHERE id = $1
	`, walletID)
	if err != nil {
		return models.Wallet{}, notFound(err)
	}
	return row, nil
}

// GetForUpdate reads and row-locks a wallet inside tx.
func (s *WalletStore) GetForUpdate(ctx context.Context, tx Getter, walletID string) (models.Wallet, error) {
	var row models.Wallet
	err := tx.GetContext(ctx, &row, `
		SELECT `+walletColumns+`
		FROM wallets
		WHERE id = $1
		FOR UPDATE
	`, walletID)
	if err != nil {
		return models.Wallet{}, notFound(err)
	}
	return row, nil
}

// UpdateBalances writes both balance columns of a locked wallet.
func (s *WalletStore) UpdateBalances(ctx context.Context, tx Execer, walletID string, balance, frozen decimal.Decimal) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE wallets
		SET balance = $1, frozen_balance = $2, updated_at = NOW()
		WHERE id = $3
	`, balance, frozen, walletID)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

func (s *WalletStore) SetStatus(ctx context.Context, tx Getter, walletID string, status models.WalletStatus) (models.Wallet, error) {
	var row models.Wallet
	err := tx.GetContext(ctx, &row, `
		UPDATE wallets
		SET status = $1, updated_at = NOW()
		WHERE id = $2
		RETURNING `+walletColumns,
		status, walletID)
	if err != nil {
		return models.Wallet{}, notFound(err)
	}
	return row, nil
}

func (s *WalletStore) List(ctx context.Context, filter WalletFilter) ([]models.WalletSummary, int, error) {
	var conds conditions
	if filter.OwnerID != "" {
		conds.add("w.owner_id = ?", filter.OwnerID)
	}
	if filter.Status != "" {
		conds.add("w.status = ?", filter.Status)
	}
	if filter.Currency != "" {
		conds.add("w.currency = ?", filter.Currency)
	}
	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(1) FROM wallets w`+conds.where(), conds.args...); err != nil {
		return nil, 0, err
	}
	limit, args := conds.paginate(filter.Page)
	rows := []models.WalletSummary{}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT w.id, w.owner_id, w.sub_account_id, w.currency, w.balance, w.frozen_balance,
		       w.status, w.lifecycle, w.created_at, w.updated_at,
		       COUNT(t.id) AS transaction_count,
		       MAX(t.created_at) AS last_activity_at
		FROM wallets w
		LEFT JOIN wallet_transactions t ON t.wallet_id = w.id`+conds.where()+`
		GROUP BY w.id
		ORDER BY w.created_at DESC`+limit, args...)
	if err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

// ListDiscrepancies compares stored balances with posted ledger sums.
// FAILED entries never moved money and are excluded.
func (s *WalletStore) ListDiscrepancies(ctx context.Context) ([]BalanceDiscrepancy, error) {
	rows := []BalanceDiscrepancy{}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT w.id, w.owner_id, w.currency,
		       w.balance AS stored_balance,
		       COALESCE(SUM(t.amount), 0) AS calculated_balance,
		       (w.balance - COALESCE(SUM(t.amount), 0)) AS difference
		FROM wallets w
		LEFT JOIN wallet_transactions t ON t.wallet_id = w.id AND t.status = ANY($1)
		GROUP BY w.id, w.owner_id, w.currency, w.balance
		HAVING w.balance <> COALESCE(SUM(t.amount), 0)
		ORDER BY w.id
	`, pq.Array([]string{string(models.StatusPending), string(models.StatusCompleted)}))
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func expectOneRow(res interface{ RowsAffected() (int64, error) }) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrNotFound
	}
	return nil
}
