package store

import (
	"context"
	"regexp"
	"testing"

	"walletledger/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var settingsRowColumns = []string{"owner_id", "auto_withdraw", "withdraw_limit", "daily_limit", "monthly_limit", "notify_email", "notify_sms", "notify_push", "created_at", "updated_at"}

func TestSettingsStoreGetOrCreate(t *testing.T) {
	db, mock := newMockDB(t)
	defaults := models.WalletSettings{
		DailyLimit:              decimal.RequireFromString("1000"),
		NotificationPreferences: models.NotificationPreferences{Email: true},
	}
	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (owner_id) DO NOTHING")).
		WithArgs("owner-1", false, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), true, false, false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM wallet_settings").
		WithArgs("owner-1").
		WillReturnRows(sqlmock.NewRows(settingsRowColumns).
			AddRow("owner-1", false, "0", "1000", "0", true, false, false, fixedTime, fixedTime))

	settings, err := NewSettingsStore(db).GetOrCreate(context.Background(), "owner-1", defaults)
	require.NoError(t, err)
	assert.True(t, settings.DailyLimit.Equal(decimal.RequireFromString("1000")))
	assert.True(t, settings.Email)
	assert.Equal(t, []string{"email"}, settings.Channels())
}

func TestSettingsStoreUpdateKeepsAbsentFields(t *testing.T) {
	db, mock := newMockDB(t)
	daily := decimal.RequireFromString("250")
	push := true
	mock.ExpectQuery(regexp.QuoteMeta("daily_limit    = COALESCE($4, daily_limit)")).
		WithArgs("owner-1", nil, nil, sqlmock.AnyArg(), nil, nil, nil, true).
		WillReturnRows(sqlmock.NewRows(settingsRowColumns).
			AddRow("owner-1", true, "500", "250", "0", true, false, true, fixedTime, fixedTime))

	settings, err := NewSettingsStore(db).Update(context.Background(), "owner-1", models.SettingsPatch{DailyLimit: &daily, NotifyPush: &push})
	require.NoError(t, err)
	assert.True(t, settings.AutoWithdraw)
	assert.True(t, settings.WithdrawLimit.Equal(decimal.RequireFromString("500")))
	assert.True(t, settings.DailyLimit.Equal(daily))
	assert.True(t, settings.Push)
}

func TestSettingsStoreUpdateMissingOwner(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery("UPDATE wallet_settings").
		WillReturnRows(sqlmock.NewRows(settingsRowColumns))

	_, err := NewSettingsStore(db).Update(context.Background(), "ghost", models.SettingsPatch{})
	require.ErrorIs(t, err, ErrNotFound)
}
