package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/isabella232/lttrs-android-sub000/internal/config"
	syncer "github.com/isabella232/lttrs-android-sub000/internal/sync"
)

// ErrUnknownAccount is returned for ids missing from the configuration.
var ErrUnknownAccount = errors.New("unknown account")

// Opener opens one configured account.
type Opener func(acc config.AccountConfig) (*Account, error)

// Manager opens configured accounts on first use and keeps them open until
// Close.
type Manager struct {
	cfg    *config.Config
	logger *slog.Logger
	open   Opener

	mu       sync.Mutex
	accounts map[string]*Account
	closed   bool
}

// NewManager creates a Manager over the accounts in cfg.
func NewManager(cfg *config.Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:      cfg,
		logger:   logger,
		accounts: make(map[string]*Account),
	}
	m.open = func(acc config.AccountConfig) (*Account, error) {
		return Open(cfg, acc, m.logger)
	}
	return m
}

// WithOpener replaces how accounts are opened.
func (m *Manager) WithOpener(open Opener) *Manager {
	m.open = open
	return m
}

// IDs returns the configured account ids in configuration order.
func (m *Manager) IDs() []string {
	ids := make([]string, 0, len(m.cfg.Accounts))
	for _, acc := range m.cfg.Accounts {
		ids = append(ids, acc.ID)
	}
	return ids
}

// Get returns the open account with the given id, opening it if needed.
func (m *Manager) Get(id string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if a, ok := m.accounts[id]; ok {
		return a, nil
	}
	acc := m.cfg.Account(id)
	if acc == nil {
		return nil, fmt.Errorf("%s: %w", id, ErrUnknownAccount)
	}
	a, err := m.open(*acc)
	if err != nil {
		return nil, err
	}
	m.accounts[id] = a
	m.logger.Debug("account opened", "account", id)
	return a, nil
}

// Sync opens the account if needed and syncs it. Its signature matches the
// scheduler's sync callback.
func (m *Manager) Sync(ctx context.Context, id string) (*syncer.Summary, error) {
	a, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	return a.Sync(ctx)
}

// Busy reports whether the outbox of id still holds unsent actions. An
// account that is not open has none.
func (m *Manager) Busy(id string) bool {
	m.mu.Lock()
	a, ok := m.accounts[id]
	m.mu.Unlock()
	return ok && a.Outbox().Busy()
}

// Close closes every open account.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	accounts := m.accounts
	m.accounts = make(map[string]*Account)
	m.mu.Unlock()

	var errs []error
	for id, a := range accounts {
		if err := a.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
