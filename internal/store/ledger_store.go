package store

import (
	"context"
	"fmt"
	"time"

	"walletledger/internal/models"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

const ledgerColumns = `t.id, t.wallet_id, t.type, t.amount, t.balance_before, t.balance_after, t.reference_kind, t.reference_id, t.metadata, t.status, t.failure_reason, t.settled_at, t.created_at`

// LedgerStore is the append-only record of balance-affecting events.
type LedgerStore struct {
	db DB
}

type LedgerEntryInput struct {
	ID            string
	WalletID      string
	Type          models.TransactionType
	Amount        decimal.Decimal
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
	ReferenceKind models.ReferenceKind
	ReferenceID   string
	Metadata      models.Metadata
	Status        models.TransactionStatus
}

// TransactionFilter selects ledger entries. Zero values match all.
type TransactionFilter struct {
	OwnerID      string
	SubAccountID *string
	Currency     string
	WalletID     string
	Type         models.TransactionType
	Status       models.TransactionStatus
	From         *time.Time
	To           *time.Time
	Page         Page
}

type ledgerRow struct {
	ID            string                   `db:"id"`
	WalletID      string                   `db:"wallet_id"`
	Type          models.TransactionType   `db:"type"`
	Amount        decimal.Decimal          `db:"amount"`
	BalanceBefore decimal.Decimal          `db:"balance_before"`
	BalanceAfter  decimal.Decimal          `db:"balance_after"`
	ReferenceKind models.ReferenceKind     `db:"reference_kind"`
	ReferenceID   string                   `db:"reference_id"`
	Metadata      []byte                   `db:"metadata"`
	Status        models.TransactionStatus `db:"status"`
	FailureReason string                   `db:"failure_reason"`
	SettledAt     *time.Time               `db:"settled_at"`
	CreatedAt     time.Time                `db:"created_at"`
}

type ownedLedgerRow struct {
	ledgerRow
	OwnerID      string `db:"owner_id"`
	SubAccountID string `db:"sub_account_id"`
	Currency     string `db:"currency"`
}

func NewLedgerStore(db DB) *LedgerStore {
	return &LedgerStore{db: db}
}

// Append writes one entry. The before/after pair must agree with the
// signed amount; the database enforces the same rule with a CHECK.
func (s *LedgerStore) Append(ctx context.Context, tx Execer, entry LedgerEntryInput) error {
	if !entry.BalanceBefore.Add(entry.Amount).Equal(entry.BalanceAfter) {
		return fmt.Errorf("ledger entry %s: balance_after does not match balance_before + amount", entry.ID)
	}
	metadata, err := models.EncodeMetadata(entry.Type, entry.Metadata)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO wallet_transactions (id, wallet_id, type, amount, balance_before, balance_after, reference_kind, reference_id, metadata, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, entry.ID, entry.WalletID, entry.Type, entry.Amount, entry.BalanceBefore, entry.BalanceAfter,
		entry.ReferenceKind, entry.ReferenceID, string(metadata), entry.Status)
	return err
}

func (s *LedgerStore) GetByID(ctx context.Context, id string) (models.WalletTransaction, error) {
	return s.get(ctx, s.db, id, "")
}

// GetForUpdate row-locks an entry that is about to be settled.
func (s *LedgerStore) GetForUpdate(ctx context.Context, tx Getter, id string) (models.WalletTransaction, error) {
	return s.get(ctx, tx, id, " FOR UPDATE")
}

func (s *LedgerStore) get(ctx context.Context, q Getter, id, suffix string) (models.WalletTransaction, error) {
	var row ledgerRow
	err := q.GetContext(ctx, &row, `SELECT `+ledgerColumns+` FROM wallet_transactions t WHERE t.id = $1`+suffix, id)
	if err != nil {
		return models.WalletTransaction{}, notFound(err)
	}
	return row.toModel()
}

// MarkSettled moves a PENDING entry to a terminal status. Entries already
// settled are left untouched and ErrNotFound is returned.
func (s *LedgerStore) MarkSettled(ctx context.Context, tx Execer, id string, status models.TransactionStatus, reason string) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE wallet_transactions
		SET status = $1, failure_reason = $2, settled_at = NOW()
		WHERE id = $3 AND status = 'PENDING'
	`, status, reason, id)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// SumSince totals the magnitudes of an owner's entries of one type created
// at or after since, restricted to the given statuses.
func (s *LedgerStore) SumSince(ctx context.Context, q Getter, ownerID string, txType models.TransactionType, since time.Time, statuses []models.TransactionStatus) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := q.GetContext(ctx, &sum, `
		SELECT COALESCE(SUM(ABS(t.amount)), 0)
		FROM wallet_transactions t
		JOIN wallets w ON w.id = t.wallet_id
		WHERE w.owner_id = $1 AND t.type = $2 AND t.created_at >= $3 AND t.status = ANY($4)
	`, ownerID, txType, since, pq.Array(statusStrings(statuses)))
	return sum, err
}

// SumPosted is the ledger-derived balance of one wallet.
func (s *LedgerStore) SumPosted(ctx context.Context, walletID string) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := s.db.GetContext(ctx, &sum, `
		SELECT COALESCE(SUM(amount), 0)
		FROM wallet_transactions
		WHERE wallet_id = $1 AND status IN ('PENDING', 'COMPLETED')
	`, walletID)
	return sum, err
}

func (s *LedgerStore) List(ctx context.Context, filter TransactionFilter) ([]models.WalletTransaction, int, error) {
	conds := filter.conditions()
	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(1) FROM wallet_transactions t JOIN wallets w ON w.id = t.wallet_id`+conds.where(), conds.args...); err != nil {
		return nil, 0, err
	}
	limit, args := conds.paginate(filter.Page)
	var rows []ledgerRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+ledgerColumns+`
		FROM wallet_transactions t
		JOIN wallets w ON w.id = t.wallet_id`+conds.where()+`
		ORDER BY t.created_at DESC, t.id DESC`+limit, args...)
	if err != nil {
		return nil, 0, err
	}
	items := make([]models.WalletTransaction, 0, len(rows))
	for _, row := range rows {
		item, err := row.toModel()
		if err != nil {
			return nil, 0, err
		}
		items = append(items, item)
	}
	return items, total, nil
}

// ListAll is List with the owning wallet's key attached to each row.
func (s *LedgerStore) ListAll(ctx context.Context, filter TransactionFilter) ([]models.OwnedTransaction, int, error) {
	conds := filter.conditions()
	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(1) FROM wallet_transactions t JOIN wallets w ON w.id = t.wallet_id`+conds.where(), conds.args...); err != nil {
		return nil, 0, err
	}
	limit, args := conds.paginate(filter.Page)
	var rows []ownedLedgerRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+ledgerColumns+`, w.owner_id, w.sub_account_id, w.currency
		FROM wallet_transactions t
		JOIN wallets w ON w.id = t.wallet_id`+conds.where()+`
		ORDER BY t.created_at DESC, t.id DESC`+limit, args...)
	if err != nil {
		return nil, 0, err
	}
	items := make([]models.OwnedTransaction, 0, len(rows))
	for _, row := range rows {
		item, err := row.toModel()
		if err != nil {
			return nil, 0, err
		}
		items = append(items, models.OwnedTransaction{
			WalletTransaction: item,
			OwnerID:           row.OwnerID,
			SubAccountID:      row.SubAccountID,
			Currency:          row.Currency,
		})
	}
	return items, total, nil
}

// ListStalePending returns withdrawals still PENDING that were created
// before cutoff, oldest first.
func (s *LedgerStore) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]models.WalletTransaction, error) {
	var rows []ledgerRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+ledgerColumns+`
		FROM wallet_transactions t
		WHERE t.type = 'WITHDRAWAL' AND t.status = 'PENDING' AND t.created_at < $1
		ORDER BY t.created_at
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	items := make([]models.WalletTransaction, 0, len(rows))
	for _, row := range rows {
		item, err := row.toModel()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func (f TransactionFilter) conditions() conditions {
	var conds conditions
	if f.OwnerID != "" {
		conds.add("w.owner_id = ?", f.OwnerID)
	}
	if f.SubAccountID != nil {
		conds.add("w.sub_account_id = ?", *f.SubAccountID)
	}
	if f.Currency != "" {
		conds.add("w.currency = ?", f.Currency)
	}
	if f.WalletID != "" {
		conds.add("t.wallet_id = ?", f.WalletID)
	}
	if f.Type != "" {
		conds.add("t.type = ?", f.Type)
	}
	if f.Status != "" {
		conds.add("t.status = ?", f.Status)
	}
	if f.From != nil {
		conds.add("t.created_at >= ?", *f.From)
	}
	if f.To != nil {
		conds.add("t.created_at < ?", *f.To)
	}
	return conds
}

func (r ledgerRow) toModel() (models.WalletTransaction, error) {
	metadata, err := models.DecodeMetadata(r.Type, r.Metadata)
	if err != nil {
		return models.WalletTransaction{}, fmt.Errorf("decode metadata of %s: %w", r.ID, err)
	}
	return models.WalletTransaction{
		ID:            r.ID,
		WalletID:      r.WalletID,
		Type:          r.Type,
		Amount:        r.Amount,
		BalanceBefore: r.BalanceBefore,
		BalanceAfter:  r.BalanceAfter,
		ReferenceKind: r.ReferenceKind,
		ReferenceID:   r.ReferenceID,
		Metadata:      metadata,
		Status:        r.Status,
		FailureReason: r.FailureReason,
		SettledAt:     r.SettledAt,
		CreatedAt:     r.CreatedAt,
	}, nil
}

func statusStrings(statuses []models.TransactionStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, status := range statuses {
		out = append(out, string(status))
	}
	return out
}
