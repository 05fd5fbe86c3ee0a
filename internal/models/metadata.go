package models

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Metadata is the per-type payload of a ledger entry. Exactly one variant
// belongs to each TransactionType.
type Metadata interface {
	metadataFor(TransactionType) bool
}

type DepositMetadata struct {
	PaymentMethod    string `json:"payment_method"`
	PaymentReference string `json:"payment_reference,omitempty"`
}

type WithdrawalMetadata struct {
	Method         string `json:"method"`
	BankAccountRef string `json:"bank_account_ref,omitempty"`
}

type TransferMetadata struct {
	TransferID           string          `json:"transfer_id"`
	CounterpartyWalletID string          `json:"counterparty_wallet_id"`
	Description          string          `json:"description,omitempty"`
	Fee                  decimal.Decimal `json:"fee"`
}

type OrderMetadata struct {
	OrderID string `json:"order_id"`
}

func (DepositMetadata) metadataFor(t TransactionType) bool    { return t == TxDeposit }
func (WithdrawalMetadata) metadataFor(t TransactionType) bool { return t == TxWithdrawal }
func (TransferMetadata) metadataFor(t TransactionType) bool {
	return t == TxTransferIn || t == TxTransferOut
}
func (OrderMetadata) metadataFor(t TransactionType) bool { return t == TxPayment || t == TxRefund }

// EncodeMetadata serializes m after checking it matches the entry type.
func EncodeMetadata(t TransactionType, m Metadata) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	if !m.metadataFor(t) {
		return nil, fmt.Errorf("metadata %T does not belong to %s", m, t)
	}
	return json.Marshal(m)
}

// DecodeMetadata picks the variant from the entry type.
func DecodeMetadata(t TransactionType, raw []byte) (Metadata, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	switch t {
	case TxDeposit:
		var m DepositMetadata
		err := json.Unmarshal(raw, &m)
		return m, err
	case TxWithdrawal:
		var m WithdrawalMetadata
		err := json.Unmarshal(raw, &m)
		return m, err
	case TxTransferIn, TxTransferOut:
		var m TransferMetadata
		err := json.Unmarshal(raw, &m)
		return m, err
	case TxPayment, TxRefund:
		var m OrderMetadata
		err := json.Unmarshal(raw, &m)
		return m, err
	}
	return nil, fmt.Errorf("unknown transaction type %q", t)
}
