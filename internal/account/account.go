// Package account ties together the per-account pieces: the cache
// database, the engine over it, the JMAP client, the syncer and the
// outbox. Handles are passed explicitly; there is no process-wide cache.
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/isabella232/lttrs-android-sub000/internal/cache"
	"github.com/isabella232/lttrs-android-sub000/internal/config"
	"github.com/isabella232/lttrs-android-sub000/internal/jmap"
	"github.com/isabella232/lttrs-android-sub000/internal/outbox"
	"github.com/isabella232/lttrs-android-sub000/internal/store"
	syncer "github.com/isabella232/lttrs-android-sub000/internal/sync"
)

// ErrClosed is returned by operations on a closed account.
var ErrClosed = errors.New("account closed")

// Account is an open account.
type Account struct {
	id     string
	cfg    config.AccountConfig
	store  *store.Store
	engine *cache.Engine
	client jmap.API
	syncer *syncer.Syncer
	outbox *outbox.Queue
	logger *slog.Logger

	syncMu sync.Mutex // one sync run at a time

	mu      sync.Mutex
	last    *syncer.Summary
	lastErr error
	closed  bool
}

// New assembles an account from an initialized store and a client. The
// outbox is started and refreshes the account's queries after every
// action the server accepted.
func New(acc config.AccountConfig, st *store.Store, client jmap.API, opts *syncer.Options, logger *slog.Logger) *Account {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("account", acc.ID)

	engine := cache.Open(st).WithLogger(logger)
	a := &Account{
		id:     acc.ID,
		cfg:    acc,
		store:  st,
		engine: engine,
		client: client,
		syncer: syncer.New(client, engine, opts).WithLogger(logger),
		logger: logger,
	}
	a.outbox = outbox.New(engine, client).
		WithLogger(logger).
		WithRefresh(func(ctx context.Context) error {
			_, err := a.Sync(ctx)
			return err
		})
	a.outbox.Start()
	return a
}

// Open opens the cache database of acc under cfg's data directory and
// connects a JMAP client to its session URL.
func Open(cfg *config.Config, acc config.AccountConfig, logger *slog.Logger) (*Account, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.Open(cfg.AccountDBPath(acc.ID))
	if err != nil {
		return nil, fmt.Errorf("open cache for %s: %w", acc.ID, err)
	}
	if err := st.InitSchema(); err != nil {
		st.Close()
		return nil, fmt.Errorf("init cache for %s: %w", acc.ID, err)
	}

	client := jmap.NewClient(acc.SessionURL, jmap.BearerToken(acc.ResolveToken()),
		jmap.WithLogger(logger.With("account", acc.ID)),
		jmap.WithRateLimit(cfg.Sync.RateLimitQPS),
	)
	opts := &syncer.Options{
		PageSize:         cfg.Sync.PageSize,
		QueryConcurrency: cfg.Sync.QueryConcurrency,
		MaxRestarts:      cfg.Sync.MaxRestarts,
	}
	return New(acc, st, client, opts, logger), nil
}

// ID returns the account id.
func (a *Account) ID() string { return a.id }

// Engine returns the cache engine.
func (a *Account) Engine() *cache.Engine { return a.engine }

// Outbox returns the mutation queue.
func (a *Account) Outbox() *outbox.Queue { return a.outbox }

// Syncer returns the syncer.
func (a *Account) Syncer() *syncer.Syncer { return a.syncer }

// Queries returns the queries kept in sync: one per configured mailbox
// role found among mailboxes, then one per configured keyword.
func (a *Account) Queries(mailboxes []jmap.Mailbox) []jmap.EmailQuery {
	var out []jmap.EmailQuery
	for _, role := range a.cfg.QueryRoles() {
		role = strings.ToLower(role)
		found := false
		for _, m := range mailboxes {
			if m.Role == role {
				out = append(out, jmap.MailboxQuery(m.ID))
				found = true
				break
			}
		}
		if !found {
			a.logger.Debug("no mailbox with role", "role", role)
		}
	}
	for _, kw := range a.cfg.Keywords {
		out = append(out, jmap.KeywordQuery(kw))
	}
	return out
}

// Sync runs one sync of the account. Concurrent calls run one after the
// other.
func (a *Account) Sync(ctx context.Context) (*syncer.Summary, error) {
	a.syncMu.Lock()
	defer a.syncMu.Unlock()

	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	summary, err := a.syncer.Run(ctx, a.Queries)

	a.mu.Lock()
	a.lastErr = err
	if err == nil {
		a.last = summary
	}
	a.mu.Unlock()
	return summary, err
}

// LoadMore appends the next page of q. It waits for a running sync.
func (a *Account) LoadMore(ctx context.Context, q jmap.EmailQuery) (int, error) {
	a.syncMu.Lock()
	defer a.syncMu.Unlock()
	return a.syncer.LoadMore(ctx, q)
}

// LastSync returns the summary of the last successful sync and the error
// of the last attempt, if any.
func (a *Account) LastSync() (*syncer.Summary, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last, a.lastErr
}

// Close stops the outbox, rolling back unsent actions, and releases the
// client and the database.
func (a *Account) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	a.outbox.Stop()

	// Let an in-flight sync finish before closing the database under it.
	a.syncMu.Lock()
	defer a.syncMu.Unlock()

	var errs []error
	if err := a.client.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close client: %w", err))
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}
