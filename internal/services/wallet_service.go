package services

import (
	"context"
	"errors"
	"time"

	"walletledger/internal/db"
	"walletledger/internal/events"
	"walletledger/internal/logger"
	"walletledger/internal/models"
	"walletledger/internal/money"
	"walletledger/internal/store"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type WalletStore interface {
	ResolveOrCreate(ctx context.Context, key models.WalletKey) (models.Wallet, bool, error)
	GetByID(ctx context.Context, walletID string) (models.Wallet, error)
	GetForUpdate(ctx context.Context, tx store.Getter, walletID string) (models.Wallet, error)
	UpdateBalances(ctx context.Context, tx store.Execer, walletID string, balance, frozen decimal.Decimal) error
	SetStatus(ctx context.Context, tx store.Getter, walletID string, status models.WalletStatus) (models.Wallet, error)
	List(ctx context.Context, filter store.WalletFilter) ([]models.WalletSummary, int, error)
}

type LedgerStore interface {
	Append(ctx context.Context, tx store.Execer, entry store.LedgerEntryInput) error
	GetByID(ctx context.Context, id string) (models.WalletTransaction, error)
	GetForUpdate(ctx context.Context, tx store.Getter, id string) (models.WalletTransaction, error)
	MarkSettled(ctx context.Context, tx store.Execer, id string, status models.TransactionStatus, reason string) error
	SumSince(ctx context.Context, q store.Getter, ownerID string, txType models.TransactionType, since time.Time, statuses []models.TransactionStatus) (decimal.Decimal, error)
	List(ctx context.Context, filter store.TransactionFilter) ([]models.WalletTransaction, int, error)
	ListAll(ctx context.Context, filter store.TransactionFilter) ([]models.OwnedTransaction, int, error)
}

type TransferStore interface {
	Create(ctx context.Context, tx store.Execer, transfer models.WalletTransfer) error
	GetByID(ctx context.Context, transferID string) (models.WalletTransfer, error)
}

type SettingsStore interface {
	GetOrCreate(ctx context.Context, ownerID string, defaults models.WalletSettings) (models.WalletSettings, error)
	Get(ctx context.Context, q store.Getter, ownerID string) (models.WalletSettings, error)
	Update(ctx context.Context, ownerID string, patch models.SettingsPatch) (models.WalletSettings, error)
}

type AuditStore interface {
	Log(ctx context.Context, tx store.Execer, actor, action, entityType, entityID string, data any) error
	ListByEntity(ctx context.Context, entityType, entityID string, page store.Page) ([]store.AuditEntry, error)
}

// BalanceCache holds wallet snapshots for GetBalance. Fill only writes an
// absent key; Put stores a committed wallet unless a newer one is cached.
type BalanceCache interface {
	Get(ctx context.Context, key models.WalletKey) (models.Wallet, bool)
	Fill(ctx context.Context, wallet models.Wallet)
	Put(ctx context.Context, wallet models.Wallet)
}

type EventPublisher interface {
	Publish(ctx context.Context, event events.WalletEvent) error
}

type Metrics interface {
	ObserveOperation(operation, outcome string, elapsed time.Duration)
}

// Config carries the policy defaults applied to wallets and settings that
// are created lazily.
type Config struct {
	DefaultCurrency string
	DefaultSettings models.WalletSettings
	Location        *time.Location
}

// Deps wires the service. Cache, Events, Metrics and Logger are optional.
type Deps struct {
	TxRunner  db.TxRunner
	Wallets   WalletStore
	Ledger    LedgerStore
	Transfers TransferStore
	Settings  SettingsStore
	Audit     AuditStore
	Cache     BalanceCache
	Events    EventPublisher
	Metrics   Metrics
	Logger    *zap.Logger
}

// WalletService is the only component that changes balances.
type WalletService struct {
	cfg       Config
	txRunner  db.TxRunner
	wallets   WalletStore
	ledger    LedgerStore
	transfers TransferStore
	settings  SettingsStore
	audit     AuditStore
	cache     BalanceCache
	events    EventPublisher
	metrics   Metrics
	limits    *LimitEnforcer
	logger    *zap.Logger
	now       func() time.Time
}

func NewWalletService(cfg Config, deps Deps) *WalletService {
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = "USD"
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	s := &WalletService{
		cfg:       cfg,
		txRunner:  deps.TxRunner,
		wallets:   deps.Wallets,
		ledger:    deps.Ledger,
		transfers: deps.Transfers,
		settings:  deps.Settings,
		audit:     deps.Audit,
		cache:     deps.Cache,
		events:    deps.Events,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		now:       time.Now,
	}
	if s.cache == nil {
		s.cache = noopCache{}
	}
	if s.events == nil {
		s.events = events.Noop{}
	}
	if s.metrics == nil {
		s.metrics = noopMetrics{}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.limits = NewLimitEnforcer(deps.Ledger, cfg.Location)
	return s
}

// MutationResult is the wallet after a committed single-wallet mutation
// and the ledger entry that documents it.
type MutationResult struct {
	Wallet        models.Wallet
	TransactionID string
}

type DepositRequest struct {
	Key              models.WalletKey
	Amount           decimal.Decimal
	PaymentMethod    string
	PaymentReference string
}

type WithdrawRequest struct {
	Key            models.WalletKey
	Amount         decimal.Decimal
	Method         string
	BankAccountRef string
}

// OrderRequest drives both ProcessPayment and ProcessRefund.
type OrderRequest struct {
	Key     models.WalletKey
	Amount  decimal.Decimal
	OrderID string
}

type actorKey struct{}

// WithActor tags ctx with the identity recorded in the audit log for admin
// operations.
func WithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorKey{}, actorID)
}

func actorFrom(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey{}).(string); ok && actor != "" {
		return actor
	}
	return "system"
}

// ResolveWallet returns the wallet for key, creating it and the owner's
// default settings on first use.
func (s *WalletService) ResolveWallet(ctx context.Context, key models.WalletKey) (models.Wallet, error) {
	key = key.Normalize(s.cfg.DefaultCurrency)
	if key.OwnerID == "" {
		return models.Wallet{}, ErrMissingOwner
	}
	wallet, created, err := s.wallets.ResolveOrCreate(ctx, key)
	if err != nil {
		return models.Wallet{}, err
	}
	if created {
		if _, err := s.settings.GetOrCreate(ctx, key.OwnerID, s.defaultSettings(key.OwnerID)); err != nil {
			return models.Wallet{}, err
		}
		s.log(ctx).Info("wallet created",
			zap.String("wallet_id", wallet.ID),
			zap.String("owner_id", wallet.OwnerID),
			zap.String("currency", wallet.Currency))
	}
	return wallet, nil
}

func (s *WalletService) Deposit(ctx context.Context, req DepositRequest) (MutationResult, error) {
	if req.PaymentMethod == "" {
		return MutationResult{}, s.reject(ctx, "deposit", s.now(), ErrMissingMethod)
	}
	return s.apply(ctx, mutation{
		op:       "deposit",
		event:    events.TypeDeposit,
		key:      req.Key,
		txType:   models.TxDeposit,
		amount:   req.Amount,
		status:   models.StatusCompleted,
		refKind:  models.RefPaymentGateway,
		refID:    req.PaymentReference,
		metadata: models.DepositMetadata{PaymentMethod: req.PaymentMethod, PaymentReference: req.PaymentReference},
	})
}

// Withdraw debits the wallet immediately and records a PENDING entry that
// SettleWithdrawal later completes or fails.
func (s *WalletService) Withdraw(ctx context.Context, req WithdrawRequest) (MutationResult, error) {
	if req.Method == "" {
		return MutationResult{}, s.reject(ctx, "withdraw", s.now(), ErrMissingMethod)
	}
	return s.apply(ctx, mutation{
		op:          "withdraw",
		event:       events.TypeWithdrawal,
		key:         req.Key,
		txType:      models.TxWithdrawal,
		amount:      req.Amount,
		status:      models.StatusPending,
		refKind:     models.RefBankPayout,
		refID:       req.BankAccountRef,
		metadata:    models.WithdrawalMetadata{Method: req.Method, BankAccountRef: req.BankAccountRef},
		checkLimits: true,
	})
}

func (s *WalletService) ProcessPayment(ctx context.Context, req OrderRequest) (MutationResult, error) {
	if req.OrderID == "" {
		return MutationResult{}, s.reject(ctx, "payment", s.now(), ErrMissingOrder)
	}
	return s.apply(ctx, mutation{
		op:       "payment",
		event:    events.TypePayment,
		key:      req.Key,
		txType:   models.TxPayment,
		amount:   req.Amount,
		status:   models.StatusCompleted,
		refKind:  models.RefOrder,
		refID:    req.OrderID,
		metadata: models.OrderMetadata{OrderID: req.OrderID},
	})
}

// ProcessRefund credits an order refund. No matching payment is required.
func (s *WalletService) ProcessRefund(ctx context.Context, req OrderRequest) (MutationResult, error) {
	if req.OrderID == "" {
		return MutationResult{}, s.reject(ctx, "refund", s.now(), ErrMissingOrder)
	}
	return s.apply(ctx, mutation{
		op:       "refund",
		event:    events.TypeRefund,
		key:      req.Key,
		txType:   models.TxRefund,
		amount:   req.Amount,
		status:   models.StatusCompleted,
		refKind:  models.RefOrder,
		refID:    req.OrderID,
		metadata: models.OrderMetadata{OrderID: req.OrderID},
	})
}

type mutation struct {
	op          string
	event       string
	key         models.WalletKey
	txType      models.TransactionType
	amount      decimal.Decimal
	status      models.TransactionStatus
	refKind     models.ReferenceKind
	refID       string
	metadata    models.Metadata
	checkLimits bool
}

func (s *WalletService) apply(ctx context.Context, m mutation) (MutationResult, error) {
	start := s.now()
	if err := validateAmount(m.amount); err != nil {
		return MutationResult{}, s.reject(ctx, m.op, start, err)
	}
	wallet, err := s.ResolveWallet(ctx, m.key)
	if err != nil {
		return MutationResult{}, s.reject(ctx, m.op, start, err)
	}

	var result MutationResult
	err = s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		locked, err := s.lockWallet(ctx, tx, wallet.ID)
		if err != nil {
			return err
		}
		if !locked.IsActive() {
			return ErrWalletNotActive
		}
		if m.txType.IsDebit() && locked.Available().LessThan(m.amount) {
			return ErrInsufficientFunds
		}
		if m.checkLimits {
			settings, err := s.settingsFor(ctx, tx, locked.OwnerID)
			if err != nil {
				return err
			}
			if err := s.limits.CheckWithdrawal(ctx, tx, settings, m.amount); err != nil {
				return err
			}
		}

		delta := m.txType.Signed(m.amount)
		after := locked.Balance.Add(delta)
		if err := s.wallets.UpdateBalances(ctx, tx, locked.ID, after, locked.FrozenBalance); err != nil {
			return err
		}
		entryID := uuid.NewString()
		if err := s.ledger.Append(ctx, tx, store.LedgerEntryInput{
			ID:            entryID,
			WalletID:      locked.ID,
			Type:          m.txType,
			Amount:        delta,
			BalanceBefore: locked.Balance,
			BalanceAfter:  after,
			ReferenceKind: m.refKind,
			ReferenceID:   m.refID,
			Metadata:      m.metadata,
			Status:        m.status,
		}); err != nil {
			return err
		}
		locked.Balance = after
		locked.UpdatedAt = s.now()
		result = MutationResult{Wallet: locked, TransactionID: entryID}
		return nil
	})
	if err != nil {
		return MutationResult{}, s.reject(ctx, m.op, start, err, zap.String("wallet_id", wallet.ID))
	}

	s.succeed(ctx, m.op, start, zap.String("wallet_id", result.Wallet.ID), zap.String("transaction_id", result.TransactionID))
	s.afterCommit(ctx, result.Wallet, events.WalletEvent{
		Type:          m.event,
		TransactionID: result.TransactionID,
		Status:        m.status,
		Amount:        m.txType.Signed(m.amount),
	})
	return result, nil
}

func (s *WalletService) FreezeFunds(ctx context.Context, walletID string, amount decimal.Decimal) (models.Wallet, error) {
	return s.adjustFrozen(ctx, "freeze", walletID, amount)
}

func (s *WalletService) UnfreezeFunds(ctx context.Context, walletID string, amount decimal.Decimal) (models.Wallet, error) {
	return s.adjustFrozen(ctx, "unfreeze", walletID, amount.Neg())
}

// adjustFrozen moves funds in or out of the reserved part of the balance.
// The balance itself is unchanged so no ledger entry is written.
func (s *WalletService) adjustFrozen(ctx context.Context, op, walletID string, delta decimal.Decimal) (models.Wallet, error) {
	start := s.now()
	if err := validateAmount(delta.Abs()); err != nil {
		return models.Wallet{}, s.reject(ctx, op, start, err)
	}
	var updated models.Wallet
	err := s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		wallet, err := s.lockWallet(ctx, tx, walletID)
		if err != nil {
			return err
		}
		frozen := wallet.FrozenBalance.Add(delta)
		if frozen.GreaterThan(wallet.Balance) {
			return ErrInsufficientFunds
		}
		if frozen.IsNegative() {
			return ErrInvalidAmount
		}
		if err := s.wallets.UpdateBalances(ctx, tx, wallet.ID, wallet.Balance, frozen); err != nil {
			return err
		}
		if err := s.audit.Log(ctx, tx, actorFrom(ctx), "wallet."+op, "wallet", wallet.ID, map[string]string{
			"amount":          money.Format(delta.Abs()),
			"frozen_balance":  money.Format(frozen),
			"previous_frozen": money.Format(wallet.FrozenBalance),
		}); err != nil {
			return err
		}
		wallet.FrozenBalance = frozen
		wallet.UpdatedAt = s.now()
		updated = wallet
		return nil
	})
	if err != nil {
		return models.Wallet{}, s.reject(ctx, op, start, err, zap.String("wallet_id", walletID))
	}
	s.succeed(ctx, op, start, zap.String("wallet_id", walletID))
	s.cache.Put(ctx, updated)
	return updated, nil
}

func (s *WalletService) lockWallet(ctx context.Context, tx store.Getter, walletID string) (models.Wallet, error) {
	wallet, err := s.wallets.GetForUpdate(ctx, tx, walletID)
	if errors.Is(err, store.ErrNotFound) {
		return models.Wallet{}, ErrWalletNotFound
	}
	return wallet, err
}

// settingsFor reads the owner's settings inside tx, falling back to the
// configured defaults when no row exists.
func (s *WalletService) settingsFor(ctx context.Context, tx store.Getter, ownerID string) (models.WalletSettings, error) {
	settings, err := s.settings.Get(ctx, tx, ownerID)
	if errors.Is(err, store.ErrNotFound) {
		return s.defaultSettings(ownerID), nil
	}
	return settings, err
}

func (s *WalletService) defaultSettings(ownerID string) models.WalletSettings {
	settings := s.cfg.DefaultSettings
	settings.OwnerID = ownerID
	return settings
}

// afterCommit runs the best-effort side effects of a committed mutation.
// The committed wallet replaces the cached snapshot so a slower reader
// cannot put an older one back.
func (s *WalletService) afterCommit(ctx context.Context, wallet models.Wallet, event events.WalletEvent) {
	s.cache.Put(ctx, wallet)
	event.OwnerID = wallet.OwnerID
	event.WalletID = wallet.ID
	event.SubAccountID = wallet.SubAccountID
	event.Currency = wallet.Currency
	event.Balance = wallet.Balance
	event.OccurredAt = s.now().UTC()
	if err := s.events.Publish(ctx, event); err != nil {
		s.log(ctx).Warn("wallet event not published",
			zap.String("event_type", event.Type),
			zap.String("wallet_id", wallet.ID),
			zap.Error(err))
	}
}

// log prefers the request-scoped logger carried by ctx.
func (s *WalletService) log(ctx context.Context) *zap.Logger {
	return logger.FromContextOr(ctx, s.logger)
}

func (s *WalletService) succeed(ctx context.Context, op string, start time.Time, fields ...zap.Field) {
	s.metrics.ObserveOperation(op, "ok", s.now().Sub(start))
	s.log(ctx).Info(op+" committed", fields...)
}

// reject records a failed operation and returns the caller-facing error.
func (s *WalletService) reject(ctx context.Context, op string, start time.Time, err error, fields ...zap.Field) error {
	err = wrapFailure(op, err)
	kind := KindOf(err)
	outcome := kind.String()
	if errors.Is(err, ErrConfirmedAfterFailure) {
		outcome = "confirmed_after_failure"
	}
	s.metrics.ObserveOperation(op, outcome, s.now().Sub(start))
	fields = append(fields, zap.String("kind", outcome), zap.Error(err))
	log := s.log(ctx)
	switch {
	case kind == KindInternal:
		var opErr *OperationError
		if errors.As(err, &opErr) {
			fields = append(fields, zap.NamedError("cause", opErr.Err))
		}
		log.Error(op+" failed", fields...)
	case outcome == "confirmed_after_failure":
		log.Error(op+" needs manual reconciliation", fields...)
	default:
		log.Debug(op+" rejected", fields...)
	}
	return err
}

func validateAmount(amount decimal.Decimal) error {
	if err := money.ValidatePositive(amount); err != nil {
		return ErrInvalidAmount
	}
	return nil
}

type noopCache struct{}

func (noopCache) Get(context.Context, models.WalletKey) (models.Wallet, bool) {
	return models.Wallet{}, false
}
func (noopCache) Fill(context.Context, models.Wallet) {}
func (noopCache) Put(context.Context, models.Wallet)  {}

type noopMetrics struct{}

func (noopMetrics) ObserveOperation(string, string, time.Duration) {}
