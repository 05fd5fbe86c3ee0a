package store

import (
	"context"

	"walletledger/internal/models"
)

type TransferStore struct {
	db DB
}

func NewTransferStore(db DB) *TransferStore {
	return &TransferStore{db: db}
}

func (s *TransferStore) Create(ctx context.Context, tx Execer, transfer models.WalletTransfer) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_transfers (id, source_wallet_id, destination_wallet_id, amount, fee, status, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, transfer.ID, transfer.SourceWalletID, transfer.DestinationWalletID, transfer.Amount, transfer.Fee,
		transfer.Status, transfer.Description)
	return err
}

func (s *TransferStore) GetByID(ctx context.Context, transferID string) (models.WalletTransfer, error) {
	var row models.WalletTransfer
	err := s.db.GetContext(ctx, &row, `
		SELECT id, source_wallet_id, destination_wallet_id, amount, fee, status, description, created_at
		FROM wallet_transfers
		WHERE id = $1
	`, transferID)
	if err != nil {
		return models.WalletTransfer{}, notFound(err)
	}
	return row, nil
}
