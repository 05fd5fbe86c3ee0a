package services

import (
	"errors"
	"fmt"

	"walletledger/internal/money"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrMissingOwner        = errors.New("owner id is required")
	ErrMissingMethod       = errors.New("payment method is required")
	ErrMissingOrder        = errors.New("order id is required")
	ErrSameWallet          = errors.New("cannot transfer to the same wallet")
	ErrCurrencyMismatch    = errors.New("currency mismatch")
	ErrInvalidStatus       = errors.New("invalid status")
	ErrInvalidType         = errors.New("invalid transaction type")
	ErrInvalidLimit        = errors.New("limits must be non-negative with at most two decimals")
	ErrWalletNotActive     = errors.New("wallet is not active")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrLimitExceeded       = errors.New("withdrawal limit exceeded")
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrAlreadySettled      = errors.New("transaction already settled")
	ErrNotWithdrawal       = errors.New("transaction is not a withdrawal")
	// ErrConfirmedAfterFailure is a success confirmation for a withdrawal
	// that was already failed and credited back. The payout and the refund
	// have both happened, so it needs manual reconciliation.
	ErrConfirmedAfterFailure = errors.New("payout confirmed for a failed withdrawal")
	ErrOperationFailed       = errors.New("operation failed, no funds moved")
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindWalletState
	KindInsufficientFunds
	KindLimitExceeded
	KindNotFound
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindWalletState:
		return "wallet_state"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindLimitExceeded:
		return "limit_exceeded"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	}
	return "internal"
}

// KindOf maps an error returned by WalletService onto the caller-facing
// taxonomy. Anything unrecognised is internal.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindInternal
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, money.ErrInvalidAmount), errors.Is(err, money.ErrTooManyDecimals),
		errors.Is(err, ErrMissingOwner), errors.Is(err, ErrMissingMethod), errors.Is(err, ErrMissingOrder),
		errors.Is(err, ErrSameWallet), errors.Is(err, ErrCurrencyMismatch), errors.Is(err, ErrInvalidStatus),
		errors.Is(err, ErrInvalidType), errors.Is(err, ErrInvalidLimit):
		return KindValidation
	case errors.Is(err, ErrWalletNotActive):
		return KindWalletState
	case errors.Is(err, ErrInsufficientFunds):
		return KindInsufficientFunds
	case errors.Is(err, ErrLimitExceeded):
		return KindLimitExceeded
	case errors.Is(err, ErrWalletNotFound), errors.Is(err, ErrTransactionNotFound):
		return KindNotFound
	case errors.Is(err, ErrAlreadySettled), errors.Is(err, ErrNotWithdrawal):
		return KindConflict
	}
	return KindInternal
}

type LimitWindow string

const (
	WindowPerWithdrawal LimitWindow = "per_withdrawal"
	WindowDaily         LimitWindow = "daily"
	WindowMonthly       LimitWindow = "monthly"
)

// LimitError reports which window a withdrawal would breach.
type LimitError struct {
	Window    LimitWindow
	Limit     decimal.Decimal
	Used      decimal.Decimal
	Requested decimal.Decimal
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s withdrawal limit exceeded: limit %s, used %s, requested %s",
		e.Window, money.Format(e.Limit), money.Format(e.Used), money.Format(e.Requested))
}

func (e *LimitError) Is(target error) bool {
	return target == ErrLimitExceeded
}

// OperationError hides a storage failure that aborted an atomic unit. The
// transaction was rolled back before it is returned.
type OperationError struct {
	Op  string
	Err error
}

func (e *OperationError) Error() string {
	return ErrOperationFailed.Error()
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

func (e *OperationError) Is(target error) bool {
	return target == ErrOperationFailed
}

// Envelope is the uniform result shape for API layers.
type Envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func EnvelopeFor(err error) Envelope {
	if err == nil {
		return Envelope{Success: true, Message: "ok"}
	}
	if KindOf(err) == KindInternal {
		return Envelope{Message: ErrOperationFailed.Error()}
	}
	return Envelope{Message: err.Error()}
}

// wrapFailure passes classified rejections through and hides everything else
// behind an OperationError.
func wrapFailure(op string, err error) error {
	if err == nil || KindOf(err) != KindInternal {
		return err
	}
	var opErr *OperationError
	if errors.As(err, &opErr) {
		return err
	}
	return &OperationError{Op: op, Err: err}
}
