package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"walletledger/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const WalletEventsChannel = "wallet_events"

const (
	TypeDeposit           = "wallet.deposit"
	TypeWithdrawal        = "wallet.withdrawal"
	TypeWithdrawalSettled = "wallet.withdrawal_settled"
	TypeTransferOut       = "wallet.transfer_out"
	TypeTransferIn        = "wallet.transfer_in"
	TypePayment           = "wallet.payment"
	TypeRefund            = "wallet.refund"
	TypeStatusChanged     = "wallet.status_changed"
)

// WalletEvent is published after a mutation commits.
type WalletEvent struct {
	Type          string                   `json:"event_type"`
	OwnerID       string                   `json:"owner_id"`
	WalletID      string                   `json:"wallet_id"`
	SubAccountID  string                   `json:"sub_account_id,omitempty"`
	Currency      string                   `json:"currency"`
	TransactionID string                   `json:"transaction_id,omitempty"`
	Status        models.TransactionStatus `json:"status,omitempty"`
	Amount        decimal.Decimal          `json:"amount"`
	Balance       decimal.Decimal          `json:"balance"`
	Channels      []string                 `json:"channels"`
	OccurredAt    time.Time                `json:"occurred_at"`
}

// PreferenceSource resolves an owner's notification preferences.
type PreferenceSource interface {
	GetOrCreate(ctx context.Context, ownerID string, defaults models.WalletSettings) (models.WalletSettings, error)
}

// Publisher fans wallet events out over Redis pub/sub. Owners who disabled
// every notification channel get no event.
type Publisher struct {
	rdb      *redis.Client
	channel  string
	prefs    PreferenceSource
	defaults models.WalletSettings
	logger   *zap.Logger
}

func NewPublisher(rdb *redis.Client, prefs PreferenceSource, defaults models.WalletSettings, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		rdb:      rdb,
		channel:  WalletEventsChannel,
		prefs:    prefs,
		defaults: defaults,
		logger:   logger,
	}
}

func (p *Publisher) Publish(ctx context.Context, event WalletEvent) error {
	settings, err := p.prefs.GetOrCreate(ctx, event.OwnerID, p.defaults)
	if err != nil {
		return fmt.Errorf("load notification preferences: %w", err)
	}
	event.Channels = settings.Channels()
	if len(event.Channels) == 0 {
		p.logger.Debug("wallet event suppressed", zap.String("owner_id", event.OwnerID), zap.String("event_type", event.Type))
		return nil
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal wallet event: %w", err)
	}
	if err := p.rdb.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish wallet event: %w", err)
	}
	p.logger.Debug("wallet event published",
		zap.String("event_type", event.Type),
		zap.String("owner_id", event.OwnerID),
		zap.String("wallet_id", event.WalletID))
	return nil
}

// Noop discards events.
type Noop struct{}

func (Noop) Publish(context.Context, WalletEvent) error { return nil }
