package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"walletledger/internal/events"
	"walletledger/internal/models"
	"walletledger/internal/store"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

// memLedger is an in-memory stand-in for the postgres stores. Its WithTx
// serializes transactions and restores a snapshot when fn fails, which is
// what row locks plus rollback give the real coordinator.
type memLedger struct {
	txMu sync.Mutex
	mu   sync.Mutex

	wallets   map[string]models.Wallet
	entries   []models.WalletTransaction
	transfers map[string]models.WalletTransfer
	settings  map[string]models.WalletSettings
	audits    []store.AuditEntry

	now        func() time.Time
	failAppend func(store.LedgerEntryInput) error
	commits    int
}

type memSnapshot struct {
	wallets   map[string]models.Wallet
	entries   []models.WalletTransaction
	transfers map[string]models.WalletTransfer
	audits    []store.AuditEntry
}

func newMemLedger() *memLedger {
	return &memLedger{
		wallets:   map[string]models.Wallet{},
		transfers: map[string]models.WalletTransfer{},
		settings:  map[string]models.WalletSettings{},
		now:       time.Now,
	}
}

func (m *memLedger) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	snap := m.snapshot()
	if err := fn(nil); err != nil {
		m.restore(snap)
		return err
	}
	m.mu.Lock()
	m.commits++
	m.mu.Unlock()
	return nil
}

func (m *memLedger) snapshot() memSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := memSnapshot{
		wallets:   make(map[string]models.Wallet, len(m.wallets)),
		entries:   append([]models.WalletTransaction(nil), m.entries...),
		transfers: make(map[string]models.WalletTransfer, len(m.transfers)),
		audits:    append([]store.AuditEntry(nil), m.audits...),
	}
	for k, v := range m.wallets {
		snap.wallets[k] = v
	}
	for k, v := range m.transfers {
		snap.transfers[k] = v
	}
	return snap
}

func (m *memLedger) restore(snap memSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wallets = snap.wallets
	m.entries = snap.entries
	m.transfers = snap.transfers
	m.audits = snap.audits
}

// Account store.

func (m *memLedger) ResolveOrCreate(_ context.Context, key models.WalletKey) (models.Wallet, bool, error) {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.wallets {
		if w.Key() == key {
			return w, false, nil
		}
	}
	now := m.now()
	w := models.Wallet{
		ID:            uuid.NewString(),
		OwnerID:       key.OwnerID,
		SubAccountID:  key.SubAccountID,
		Currency:      key.Currency,
		Balance:       decimal.Zero,
		FrozenBalance: decimal.Zero,
		Status:        models.WalletActive,
		Lifecycle:     models.LifecycleActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	m.wallets[w.ID] = w
	return w, true, nil
}

func (m *memLedger) GetByID(_ context.Context, walletID string) (models.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[walletID]
	if !ok {
		return models.Wallet{}, store.ErrNotFound
	}
	return w, nil
}

func (m *memLedger) GetForUpdate(ctx context.Context, _ store.Getter, walletID string) (models.Wallet, error) {
	return m.GetByID(ctx, walletID)
}

func (m *memLedger) UpdateBalances(_ context.Context, _ store.Execer, walletID string, balance, frozen decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[walletID]
	if !ok {
		return store.ErrNotFound
	}
	if balance.IsNegative() || frozen.IsNegative() || frozen.GreaterThan(balance) {
		return errors.New("wallets_balance_check violated")
	}
	w.Balance = balance
	w.FrozenBalance = frozen
	w.UpdatedAt = m.now()
	m.wallets[walletID] = w
	return nil
}

func (m *memLedger) SetStatus(_ context.Context, _ store.Getter, walletID string, status models.WalletStatus) (models.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[walletID]
	if !ok {
		return models.Wallet{}, store.ErrNotFound
	}
	w.Status = status
	m.wallets[walletID] = w
	return w, nil
}

func (m *memLedger) List(_ context.Context, filter store.WalletFilter) ([]models.WalletSummary, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.WalletSummary
	for _, w := range m.wallets {
		if filter.OwnerID != "" && w.OwnerID != filter.OwnerID {
			continue
		}
		if filter.Status != "" && w.Status != filter.Status {
			continue
		}
		if filter.Currency != "" && w.Currency != filter.Currency {
			continue
		}
		summary := models.WalletSummary{Wallet: w}
		for _, e := range m.entries {
			if e.WalletID == w.ID {
				summary.TransactionCount++
				created := e.CreatedAt
				if summary.LastActivityAt == nil || created.After(*summary.LastActivityAt) {
					summary.LastActivityAt = &created
				}
			}
		}
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return paginate(out, filter.Page), len(out), nil
}

// Settings store.

func (m *memLedger) GetOrCreate(_ context.Context, ownerID string, defaults models.WalletSettings) (models.WalletSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.settings[ownerID]; ok {
		return s, nil
	}
	defaults.OwnerID = ownerID
	m.settings[ownerID] = defaults
	return defaults, nil
}

func (m *memLedger) Get(_ context.Context, _ store.Getter, ownerID string) (models.WalletSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.settings[ownerID]
	if !ok {
		return models.WalletSettings{}, store.ErrNotFound
	}
	return s, nil
}

func (m *memLedger) Update(_ context.Context, ownerID string, patch models.SettingsPatch) (models.WalletSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.settings[ownerID]
	if !ok {
		return models.WalletSettings{}, store.ErrNotFound
	}
	if patch.AutoWithdraw != nil {
		s.AutoWithdraw = *patch.AutoWithdraw
	}
	if patch.WithdrawLimit != nil {
		s.WithdrawLimit = *patch.WithdrawLimit
	}
	if patch.DailyLimit != nil {
		s.DailyLimit = *patch.DailyLimit
	}
	if patch.MonthlyLimit != nil {
		s.MonthlyLimit = *patch.MonthlyLimit
	}
	if patch.NotifyEmail != nil {
		s.Email = *patch.NotifyEmail
	}
	if patch.NotifySMS != nil {
		s.SMS = *patch.NotifySMS
	}
	if patch.NotifyPush != nil {
		s.Push = *patch.NotifyPush
	}
	m.settings[ownerID] = s
	return s, nil
}

// Ledger recorder, exposed through ledgerView so its method names do not
// clash with the account store.

type ledgerView struct{ m *memLedger }

func (v ledgerView) Append(_ context.Context, _ store.Execer, entry store.LedgerEntryInput) error {
	m := v.m
	if m.failAppend != nil {
		if err := m.failAppend(entry); err != nil {
			return err
		}
	}
	if !entry.BalanceBefore.Add(entry.Amount).Equal(entry.BalanceAfter) {
		return errors.New("ledger_balance_check violated")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, models.WalletTransaction{
		ID:            entry.ID,
		WalletID:      entry.WalletID,
		Type:          entry.Type,
		Amount:        entry.Amount,
		BalanceBefore: entry.BalanceBefore,
		BalanceAfter:  entry.BalanceAfter,
		ReferenceKind: entry.ReferenceKind,
		ReferenceID:   entry.ReferenceID,
		Metadata:      entry.Metadata,
		Status:        entry.Status,
		CreatedAt:     m.now(),
	})
	return nil
}

func (v ledgerView) GetByID(_ context.Context, id string) (models.WalletTransaction, error) {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()
	for _, e := range v.m.entries {
		if e.ID == id {
			return e, nil
		}
	}
	return models.WalletTransaction{}, store.ErrNotFound
}

func (v ledgerView) GetForUpdate(ctx context.Context, _ store.Getter, id string) (models.WalletTransaction, error) {
	return v.GetByID(ctx, id)
}

func (v ledgerView) MarkSettled(_ context.Context, _ store.Execer, id string, status models.TransactionStatus, reason string) error {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()
	for i, e := range v.m.entries {
		if e.ID == id && e.Status == models.StatusPending {
			now := v.m.now()
			v.m.entries[i].Status = status
			v.m.entries[i].FailureReason = reason
			v.m.entries[i].SettledAt = &now
			return nil
		}
	}
	return store.ErrNotFound
}

func (v ledgerView) SumSince(_ context.Context, _ store.Getter, ownerID string, txType models.TransactionType, since time.Time, statuses []models.TransactionStatus) (decimal.Decimal, error) {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()
	sum := decimal.Zero
	for _, e := range v.m.entries {
		w := v.m.wallets[e.WalletID]
		if w.OwnerID != ownerID || e.Type != txType || e.CreatedAt.Before(since) || !hasStatus(statuses, e.Status) {
			continue
		}
		sum = sum.Add(e.Amount.Abs())
	}
	return sum, nil
}

func (v ledgerView) List(ctx context.Context, filter store.TransactionFilter) ([]models.WalletTransaction, int, error) {
	owned, total, err := v.ListAll(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	out := make([]models.WalletTransaction, 0, len(owned))
	for _, o := range owned {
		out = append(out, o.WalletTransaction)
	}
	return out, total, nil
}

func (v ledgerView) ListAll(_ context.Context, filter store.TransactionFilter) ([]models.OwnedTransaction, int, error) {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()
	var out []models.OwnedTransaction
	for i := len(v.m.entries) - 1; i >= 0; i-- {
		e := v.m.entries[i]
		w := v.m.wallets[e.WalletID]
		switch {
		case filter.OwnerID != "" && w.OwnerID != filter.OwnerID,
			filter.SubAccountID != nil && w.SubAccountID != *filter.SubAccountID,
			filter.Currency != "" && w.Currency != filter.Currency,
			filter.WalletID != "" && e.WalletID != filter.WalletID,
			filter.Type != "" && e.Type != filter.Type,
			filter.Status != "" && e.Status != filter.Status,
			filter.From != nil && e.CreatedAt.Before(*filter.From),
			filter.To != nil && !e.CreatedAt.Before(*filter.To):
			continue
		}
		out = append(out, models.OwnedTransaction{WalletTransaction: e, OwnerID: w.OwnerID, SubAccountID: w.SubAccountID, Currency: w.Currency})
	}
	return paginate(out, filter.Page), len(out), nil
}

// Transfer records and audit log.

type transferView struct{ m *memLedger }

func (v transferView) Create(_ context.Context, _ store.Execer, transfer models.WalletTransfer) error {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()
	v.m.transfers[transfer.ID] = transfer
	return nil
}

func (v transferView) GetByID(_ context.Context, id string) (models.WalletTransfer, error) {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()
	t, ok := v.m.transfers[id]
	if !ok {
		return models.WalletTransfer{}, store.ErrNotFound
	}
	return t, nil
}

type auditView struct{ m *memLedger }

func (v auditView) Log(_ context.Context, _ store.Execer, actor, action, entityType, entityID string, _ any) error {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()
	v.m.audits = append(v.m.audits, store.AuditEntry{ID: uuid.NewString(), Actor: actor, Action: action, EntityType: entityType, EntityID: entityID})
	return nil
}

func (v auditView) ListByEntity(_ context.Context, entityType, entityID string, page store.Page) ([]store.AuditEntry, error) {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()
	var out []store.AuditEntry
	for _, a := range v.m.audits {
		if a.EntityType == entityType && a.EntityID == entityID {
			out = append(out, a)
		}
	}
	return paginate(out, page), nil
}

// Assertions helpers.

func (m *memLedger) wallet(id string) models.Wallet {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wallets[id]
}

func (m *memLedger) entriesFor(walletID string) []models.WalletTransaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.WalletTransaction
	for _, e := range m.entries {
		if e.WalletID == walletID {
			out = append(out, e)
		}
	}
	return out
}

// postedSum is Σ amount over PENDING and COMPLETED entries.
func (m *memLedger) postedSum(walletID string) decimal.Decimal {
	sum := decimal.Zero
	for _, e := range m.entriesFor(walletID) {
		if e.Status != models.StatusFailed {
			sum = sum.Add(e.Amount)
		}
	}
	return sum
}

func (m *memLedger) walletCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.wallets)
}

func hasStatus(statuses []models.TransactionStatus, status models.TransactionStatus) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

func paginate[T any](items []T, page store.Page) []T {
	page = page.Normalize()
	start := page.Offset()
	if start >= len(items) {
		return nil
	}
	end := start + page.Limit
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.WalletEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, event events.WalletEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type recordingMetrics struct {
	mu       sync.Mutex
	outcomes map[string][]string
}

func (r *recordingMetrics) ObserveOperation(op, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcomes == nil {
		r.outcomes = map[string][]string{}
	}
	r.outcomes[op] = append(r.outcomes[op], outcome)
}

func (r *recordingMetrics) get(op string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.outcomes[op]...)
}

// mapCache mirrors the Redis cache's write rules: Fill only writes absent
// keys and Put never replaces a newer committed snapshot.
type mapCache struct {
	mu      sync.Mutex
	wallets map[models.WalletKey]models.Wallet
	filled  map[models.WalletKey]bool
}

func (c *mapCache) Get(_ context.Context, key models.WalletKey) (models.Wallet, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.wallets[key]
	return w, ok
}

func (c *mapCache) Fill(_ context.Context, wallet models.Wallet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.wallets[wallet.Key()]; ok {
		return
	}
	c.store(wallet, true)
}

func (c *mapCache) Put(_ context.Context, wallet models.Wallet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.wallets[wallet.Key()]; ok && !c.filled[wallet.Key()] && cur.UpdatedAt.After(wallet.UpdatedAt) {
		return
	}
	c.store(wallet, false)
}

func (c *mapCache) store(wallet models.Wallet, filled bool) {
	if c.wallets == nil {
		c.wallets = map[models.WalletKey]models.Wallet{}
		c.filled = map[models.WalletKey]bool{}
	}
	c.wallets[wallet.Key()] = wallet
	c.filled[wallet.Key()] = filled
}

// expire drops a key as if its TTL ran out.
func (c *mapCache) expire(key models.WalletKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.wallets, key)
	delete(c.filled, key)
}

type harness struct {
	svc     *WalletService
	mem     *memLedger
	events  *recordingPublisher
	metrics *recordingMetrics
	cache   *mapCache
}

func newHarness(cfg Config) *harness {
	return newHarnessWith(cfg, nil)
}

// newHarnessWith lets a test swap dependencies before the service is built.
func newHarnessWith(cfg Config, override func(*harness, *Deps)) *harness {
	mem := newMemLedger()
	h := &harness{
		mem:     mem,
		events:  &recordingPublisher{},
		metrics: &recordingMetrics{},
		cache:   &mapCache{},
	}
	deps := Deps{
		TxRunner:  mem,
		Wallets:   mem,
		Ledger:    ledgerView{mem},
		Transfers: transferView{mem},
		Settings:  mem,
		Audit:     auditView{mem},
		Cache:     h.cache,
		Events:    h.events,
		Metrics:   h.metrics,
	}
	if override != nil {
		override(h, &deps)
	}
	h.svc = NewWalletService(cfg, deps)
	return h
}
