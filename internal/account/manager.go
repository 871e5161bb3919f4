// Package account maps broker accounts to trading bots.
//
// One account carries at most one bot. Bindings are persisted through the
// bots store; a restart rebuilds the map but never auto-starts anything.
// Status follows a three-case contract: unknown account, known but
// unmanaged account, and fully managed account with bot health.
package account

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"topstepx-engine/internal/bot"
	"topstepx-engine/internal/broker"
	"topstepx-engine/internal/store"
	"topstepx-engine/pkg/models"
)

// AccountSource lists broker accounts.
type AccountSource interface {
	SearchAccounts(ctx context.Context, onlyActive bool) broker.Result[[]models.Account]
}

// BotFactory builds a bot from its config; injected so the manager stays
// free of the bot's wiring graph.
type BotFactory func(cfg bot.Config) (*bot.Bot, error)

// Manager owns the account→bot map. All mutations per account are
// serialized behind the manager mutex.
type Manager struct {
	source  AccountSource
	store   *store.Store
	factory BotFactory
	logger  *slog.Logger

	mu   sync.Mutex
	bots map[int64]*bot.Bot
	cfgs map[int64]bot.Config
}

// NewManager creates the manager and rebuilds persisted bindings. Bots are
// constructed stopped; the operator starts them explicitly.
func NewManager(source AccountSource, st *store.Store, factory BotFactory, logger *slog.Logger) (*Manager, error) {
	m := &Manager{
		source:  source,
		store:   st,
		factory: factory,
		logger:  logger.With("component", "accounts"),
		bots:    make(map[int64]*bot.Bot),
		cfgs:    make(map[int64]bot.Config),
	}
	configs, err := st.Load()
	if err != nil {
		return nil, err
	}
	for _, cfg := range configs {
		b, err := factory(cfg)
		if err != nil {
			return nil, fmt.Errorf("rebuild bot for account %d: %w", cfg.AccountID, err)
		}
		m.bots[cfg.AccountID] = b
		m.cfgs[cfg.AccountID] = cfg
	}
	if len(configs) > 0 {
		m.logger.Info("bots restored from store", "count", len(configs))
	}
	return m, nil
}

// Add binds a bot to an account and persists the binding without starting
// it. Replacing a running bot is rejected; stop it first.
func (m *Manager) Add(cfg bot.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.bots[cfg.AccountID]; ok && existing.Status().Running {
		return fmt.Errorf("account %d already runs a bot, stop it before replacing", cfg.AccountID)
	}
	b, err := m.factory(cfg)
	if err != nil {
		return err
	}
	m.bots[cfg.AccountID] = b
	m.cfgs[cfg.AccountID] = cfg
	if err := m.persistLocked(); err != nil {
		return err
	}
	m.logger.Info("bot added", "account", cfg.AccountID, "strategy", cfg.Strategies[0].Name)
	return nil
}

// Remove stops and unbinds the account's bot.
func (m *Manager) Remove(accountID int64) error {
	m.mu.Lock()
	b, ok := m.bots[accountID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("account %d has no bot", accountID)
	}
	delete(m.bots, accountID)
	delete(m.cfgs, accountID)
	err := m.persistLocked()
	m.mu.Unlock()

	b.Stop()
	m.logger.Info("bot removed", "account", accountID)
	return err
}

func (m *Manager) persistLocked() error {
	configs := make([]bot.Config, 0, len(m.cfgs))
	for _, cfg := range m.cfgs {
		configs = append(configs, cfg)
	}
	return m.store.Save(configs)
}

// Start starts the account's bot.
func (m *Manager) Start(ctx context.Context, accountID int64) error {
	b, ok := m.Bot(accountID)
	if !ok {
		return fmt.Errorf("account %d has no bot", accountID)
	}
	return b.Start(ctx)
}

// Stop stops the account's bot.
func (m *Manager) Stop(accountID int64) error {
	b, ok := m.Bot(accountID)
	if !ok {
		return fmt.Errorf("account %d has no bot", accountID)
	}
	b.Stop()
	return nil
}

// StopAll stops every bot, used at shutdown.
func (m *Manager) StopAll() {
	for _, b := range m.Bots() {
		b.Stop()
	}
}

// Bot returns the account's bot, if bound.
func (m *Manager) Bot(accountID int64) (*bot.Bot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bots[accountID]
	return b, ok
}

// Config returns the stored config for an account's bot.
func (m *Manager) Config(accountID int64) (bot.Config, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.cfgs[accountID]
	return cfg, ok
}

// Bots returns all bound bots.
func (m *Manager) Bots() []*bot.Bot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*bot.Bot, 0, len(m.bots))
	for _, b := range m.bots {
		out = append(out, b)
	}
	return out
}

// Managed reports whether the account has a bot bound.
func (m *Manager) Managed(accountID int64) bool {
	_, ok := m.Bot(accountID)
	return ok
}

// Accounts lists broker accounts annotated with bot management.
func (m *Manager) Accounts(ctx context.Context, onlyActive bool) broker.Result[[]models.Account] {
	res := m.source.SearchAccounts(ctx, onlyActive)
	if !res.IsOK() {
		return res
	}
	out := make([]models.Account, len(res.Value))
	copy(out, res.Value)
	for i := range out {
		out[i].BotManaged = m.Managed(out[i].ID)
	}
	return broker.OK(out)
}

// AccountStatus is the three-case status payload: an unmanaged account
// reports only BotManaged=false, a managed one carries the bot's status.
type AccountStatus struct {
	AccountID  int64       `json:"account_id"`
	BotManaged bool        `json:"bot_managed"`
	Bot        *bot.Status `json:"bot,omitempty"`
}

// StatusFor resolves an account's status. Unknown accounts come back as
// NOT_FOUND so the API layer can return 404.
func (m *Manager) StatusFor(ctx context.Context, accountID int64) broker.Result[AccountStatus] {
	accounts := m.source.SearchAccounts(ctx, false)
	if !accounts.IsOK() {
		return broker.Fail[AccountStatus](accounts.Err)
	}
	known := false
	for _, a := range accounts.Value {
		if a.ID == accountID {
			known = true
			break
		}
	}
	if !known {
		return broker.Failf[AccountStatus](broker.KindNotFound, "account %d not found", accountID)
	}

	b, ok := m.Bot(accountID)
	if !ok {
		return broker.OK(AccountStatus{AccountID: accountID, BotManaged: false})
	}
	st := b.Status()
	return broker.OK(AccountStatus{AccountID: accountID, BotManaged: true, Bot: &st})
}
