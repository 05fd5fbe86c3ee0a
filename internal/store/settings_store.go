package store

import (
	"context"

	"walletledger/internal/models"
)

const settingsColumns = `owner_id, auto_withdraw, withdraw_limit, daily_limit, monthly_limit, notify_email, notify_sms, notify_push, created_at, updated_at`

type SettingsStore struct {
	db DB
}

func NewSettingsStore(db DB) *SettingsStore {
	return &SettingsStore{db: db}
}

// GetOrCreate inserts defaults for the owner when no row exists yet and
// returns the stored settings.
func (s *SettingsStore) GetOrCreate(ctx context.Context, ownerID string, defaults models.WalletSettings) (models.WalletSettings, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wallet_settings (owner_id, auto_withdraw, withdraw_limit, daily_limit, monthly_limit, notify_email, notify_sms, notify_push)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (owner_id) DO NOTHING
	`, ownerID, defaults.AutoWithdraw, defaults.WithdrawLimit, defaults.DailyLimit, defaults.MonthlyLimit,
		defaults.Email, defaults.SMS, defaults.Push)
	if err != nil {
		return models.WalletSettings{}, err
	}
	return s.Get(ctx, s.db, ownerID)
}

func (s *SettingsStore) Get(ctx context.Context, q Getter, ownerID string) (models.WalletSettings, error) {
	var row models.WalletSettings
	err := q.GetContext(ctx, &row, `
		SELECT `+settingsColumns+`
		FROM wallet_settings
		WHERE owner_id = $1
	`, ownerID)
	if err != nil {
		return models.WalletSettings{}, notFound(err)
	}
	return row, nil
}

// Update applies the non-nil fields of patch; NULL parameters keep the
// current column value.
func (s *SettingsStore) Update(ctx context.Context, ownerID string, patch models.SettingsPatch) (models.WalletSettings, error) {
	var row models.WalletSettings
	err := s.db.GetContext(ctx, &row, `
		UPDATE wallet_settings
		SET auto_withdraw  = COALESCE($2, auto_withdraw),
		    withdraw_limit = COALESCE($3, withdraw_limit),
		    daily_limit    = COALESCE($4, daily_limit),
		    monthly_limit  = COALESCE($5, monthly_limit),
		    notify_email   = COALESCE($6, notify_email),
		    notify_sms     = COALESCE($7, notify_sms),
		    notify_push    = COALESCE($8, notify_push),
		    updated_at     = NOW()
		WHERE owner_id = $1
		RETURNING `+settingsColumns,
		ownerID, patch.AutoWithdraw, patch.WithdrawLimit, patch.DailyLimit, patch.MonthlyLimit,
		patch.NotifyEmail, patch.NotifySMS, patch.NotifyPush)
	if err != nil {
		return models.WalletSettings{}, notFound(err)
	}
	return row, nil
}
