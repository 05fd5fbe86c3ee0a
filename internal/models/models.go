package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type WalletStatus string

const (
	WalletActive    WalletStatus = "ACTIVE"
	WalletSuspended WalletStatus = "SUSPENDED"
	WalletClosed    WalletStatus = "CLOSED"
)

func (s WalletStatus) Valid() bool {
	switch s {
	case WalletActive, WalletSuspended, WalletClosed:
		return true
	}
	return false
}

// Lifecycle replaces a nullable deleted_at column: a wallet is never
// physically removed, only tagged DELETED.
type Lifecycle string

const (
	LifecycleActive  Lifecycle = "ACTIVE"
	LifecycleDeleted Lifecycle = "DELETED"
)

type TransactionType string

const (
	TxDeposit     TransactionType = "DEPOSIT"
	TxWithdrawal  TransactionType = "WITHDRAWAL"
	TxTransferIn  TransactionType = "TRANSFER_IN"
	TxTransferOut TransactionType = "TRANSFER_OUT"
	TxPayment     TransactionType = "PAYMENT"
	TxRefund      TransactionType = "REFUND"
)

func (t TransactionType) Valid() bool {
	switch t {
	case TxDeposit, TxWithdrawal, TxTransferIn, TxTransferOut, TxPayment, TxRefund:
		return true
	}
	return false
}

// IsDebit reports whether entries of this type reduce the balance.
func (t TransactionType) IsDebit() bool {
	return t == TxWithdrawal || t == TxTransferOut || t == TxPayment
}

// Signed returns the ledger amount for a positive magnitude.
func (t TransactionType) Signed(amount decimal.Decimal) decimal.Decimal {
	if t.IsDebit() {
		return amount.Abs().Neg()
	}
	return amount.Abs()
}

type TransactionStatus string

const (
	StatusPending   TransactionStatus = "PENDING"
	StatusCompleted TransactionStatus = "COMPLETED"
	StatusFailed    TransactionStatus = "FAILED"
)

func (s TransactionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// CanTransition allows PENDING -> COMPLETED and PENDING -> FAILED only.
func (s TransactionStatus) CanTransition(to TransactionStatus) bool {
	return s == StatusPending && (to == StatusCompleted || to == StatusFailed)
}

type ReferenceKind string

const (
	RefPaymentGateway ReferenceKind = "PAYMENT_GATEWAY"
	RefBankPayout     ReferenceKind = "BANK_PAYOUT"
	RefOrder          ReferenceKind = "ORDER"
	RefTransfer       ReferenceKind = "TRANSFER"
)

// WalletKey identifies a wallet. An empty SubAccountID is the owner's
// primary wallet.
type WalletKey struct {
	OwnerID      string
	SubAccountID string
	Currency     string
}

func (k WalletKey) Normalize(defaultCurrency string) WalletKey {
	k.OwnerID = strings.TrimSpace(k.OwnerID)
	k.SubAccountID = strings.TrimSpace(k.SubAccountID)
	k.Currency = strings.ToUpper(strings.TrimSpace(k.Currency))
	if k.Currency == "" {
		k.Currency = strings.ToUpper(defaultCurrency)
	}
	return k
}

type Wallet struct {
	ID            string          `db:"id" json:"id"`
	OwnerID       string          `db:"owner_id" json:"owner_id"`
	SubAccountID  string          `db:"sub_account_id" json:"sub_account_id,omitempty"`
	Currency      string          `db:"currency" json:"currency"`
	Balance       decimal.Decimal `db:"balance" json:"balance"`
	FrozenBalance decimal.Decimal `db:"frozen_balance" json:"frozen_balance"`
	Status        WalletStatus    `db:"status" json:"status"`
	Lifecycle     Lifecycle       `db:"lifecycle" json:"lifecycle"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

func (w Wallet) Key() WalletKey {
	return WalletKey{OwnerID: w.OwnerID, SubAccountID: w.SubAccountID, Currency: w.Currency}
}

// Available is the part of the balance that is not reserved.
func (w Wallet) Available() decimal.Decimal {
	return w.Balance.Sub(w.FrozenBalance)
}

func (w Wallet) IsActive() bool {
	return w.Status == WalletActive && w.Lifecycle != LifecycleDeleted
}

// WalletSummary is a wallet row as seen by administrators.
type WalletSummary struct {
	Wallet
	TransactionCount int64      `db:"transaction_count" json:"transaction_count"`
	LastActivityAt   *time.Time `db:"last_activity_at" json:"last_activity_at,omitempty"`
}

type WalletTransaction struct {
	ID            string            `json:"id"`
	WalletID      string            `json:"wallet_id"`
	Type          TransactionType   `json:"type"`
	Amount        decimal.Decimal   `json:"amount"`
	BalanceBefore decimal.Decimal   `json:"balance_before"`
	BalanceAfter  decimal.Decimal   `json:"balance_after"`
	ReferenceKind ReferenceKind     `json:"reference_kind"`
	ReferenceID   string            `json:"reference_id"`
	Metadata      Metadata          `json:"metadata,omitempty"`
	Status        TransactionStatus `json:"status"`
	FailureReason string            `json:"failure_reason,omitempty"`
	SettledAt     *time.Time        `json:"settled_at,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// OwnedTransaction carries the owning wallet's key for admin listings.
type OwnedTransaction struct {
	WalletTransaction
	OwnerID      string `json:"owner_id"`
	SubAccountID string `json:"sub_account_id,omitempty"`
	Currency     string `json:"currency"`
}

type WalletTransfer struct {
	ID                  string            `db:"id" json:"id"`
	SourceWalletID      string            `db:"source_wallet_id" json:"source_wallet_id"`
	DestinationWalletID string            `db:"destination_wallet_id" json:"destination_wallet_id"`
	Amount              decimal.Decimal   `db:"amount" json:"amount"`
	Fee                 decimal.Decimal   `db:"fee" json:"fee"`
	Status              TransactionStatus `db:"status" json:"status"`
	Description         string            `db:"description" json:"description"`
	CreatedAt           time.Time         `db:"created_at" json:"created_at"`
}

type NotificationPreferences struct {
	Email bool `db:"notify_email" json:"email"`
	SMS   bool `db:"notify_sms" json:"sms"`
	Push  bool `db:"notify_push" json:"push"`
}

// Channels lists the enabled delivery channels.
func (p NotificationPreferences) Channels() []string {
	var channels []string
	if p.Email {
		channels = append(channels, "email")
	}
	if p.SMS {
		channels = append(channels, "sms")
	}
	if p.Push {
		channels = append(channels, "push")
	}
	return channels
}

// WalletSettings holds per-owner policy. A zero limit means unlimited.
type WalletSettings struct {
	OwnerID       string          `db:"owner_id" json:"owner_id"`
	AutoWithdraw  bool            `db:"auto_withdraw" json:"auto_withdraw"`
	WithdrawLimit decimal.Decimal `db:"withdraw_limit" json:"withdraw_limit"`
	DailyLimit    decimal.Decimal `db:"daily_limit" json:"daily_limit"`
	MonthlyLimit  decimal.Decimal `db:"monthly_limit" json:"monthly_limit"`
	NotificationPreferences
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// SettingsPatch overwrites only the non-nil fields.
type SettingsPatch struct {
	AutoWithdraw  *bool
	WithdrawLimit *decimal.Decimal
	DailyLimit    *decimal.Decimal
	MonthlyLimit  *decimal.Decimal
	NotifyEmail   *bool
	NotifySMS     *bool
	NotifyPush    *bool
}
