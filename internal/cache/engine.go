// Package cache is the reconciliation engine of one account: it merges
// server diffs into the store, keeps the overwrite ledgers in step with
// them, and renders query views with local overwrites applied.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/isabella232/lttrs-android-sub000/internal/jmap"
	"github.com/isabella232/lttrs-android-sub000/internal/store"
)

// Engine serializes writers of one account's store. Readers run in their
// own transactions and only ever see committed data.
type Engine struct {
	store  *store.Store
	logger *slog.Logger
	mu     sync.Mutex
	notify *notifier
}

// Open creates an Engine over an opened store.
func Open(st *store.Store) *Engine {
	return &Engine{
		store:  st,
		logger: slog.Default(),
		notify: newNotifier(),
	}
}

// WithLogger sets the logger.
func (e *Engine) WithLogger(logger *slog.Logger) *Engine {
	e.logger = logger
	return e
}

// Store returns the underlying store.
func (e *Engine) Store() *store.Store {
	return e.store
}

// Observe subscribes to topic. The channel receives a value after every
// commit that touched the topic; several commits between reads coalesce.
// Call cancel to unsubscribe.
func (e *Engine) Observe(topic string) (ch <-chan struct{}, cancel func()) {
	return e.notify.subscribe(topic)
}

// update runs fn as the single writer. The topics fn collects are published
// only once the transaction has committed.
func (e *Engine) update(ctx context.Context, fn func(tx *store.Tx, topics *[]string) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var topics []string
	err := e.store.Update(ctx, func(tx *store.Tx) error {
		return fn(tx, &topics)
	})
	if err != nil {
		return err
	}
	e.notify.publish(topics...)
	return nil
}

func (e *Engine) view(ctx context.Context, fn func(tx *store.Tx) error) error {
	return e.store.View(ctx, fn)
}

// ObjectsState returns the mailbox, thread and email tokens.
func (e *Engine) ObjectsState(ctx context.Context) (store.ObjectsState, error) {
	return e.store.GetObjectsState(ctx)
}

// State returns the token of one entity type.
func (e *Engine) State(ctx context.Context, t store.EntityType) (string, bool, error) {
	return e.store.GetState(ctx, t)
}

// QueryState returns the sync state of a query, or nil.
func (e *Engine) QueryState(ctx context.Context, query string) (*store.QueryState, error) {
	return e.store.GetQueryState(ctx, query)
}

// MergeMailboxSnapshot replaces all mailboxes.
func (e *Engine) MergeMailboxSnapshot(ctx context.Context, list *jmap.List[jmap.Mailbox]) error {
	return e.update(ctx, func(tx *store.Tx, topics *[]string) error {
		applied, err := tx.ReplaceMailboxes(list.List, list.State)
		if err != nil {
			return err
		}
		if applied {
			*topics = append(*topics, TopicMailboxes)
		}
		return nil
	})
}

// MergeMailboxChanges applies a mailbox diff.
func (e *Engine) MergeMailboxChanges(ctx context.Context, ch *jmap.Changes[jmap.Mailbox]) error {
	return e.update(ctx, func(tx *store.Tx, topics *[]string) error {
		applied, err := tx.MergeMailboxChanges(ch)
		if err != nil {
			return err
		}
		if applied {
			*topics = append(*topics, TopicMailboxes)
		}
		return nil
	})
}

// MergeIdentitySnapshot replaces all identities.
func (e *Engine) MergeIdentitySnapshot(ctx context.Context, list *jmap.List[jmap.Identity]) error {
	return e.update(ctx, func(tx *store.Tx, topics *[]string) error {
		applied, err := tx.ReplaceIdentities(list.List, list.State)
		if err != nil {
			return err
		}
		if applied {
			*topics = append(*topics, TopicIdentities)
		}
		return nil
	})
}

// MergeIdentityChanges applies an identity diff.
func (e *Engine) MergeIdentityChanges(ctx context.Context, ch *jmap.Changes[jmap.Identity]) error {
	return e.update(ctx, func(tx *store.Tx, topics *[]string) error {
		applied, err := tx.MergeIdentityChanges(ch)
		if err != nil {
			return err
		}
		if applied {
			*topics = append(*topics, TopicIdentities)
		}
		return nil
	})
}

// MergeThreadAndEmailSnapshot stores threads and emails fetched with /get.
// Either list may be nil. An empty list still establishes its state when
// none is stored.
func (e *Engine) MergeThreadAndEmailSnapshot(ctx context.Context, threads *jmap.List[jmap.Thread], emails *jmap.List[jmap.Email]) error {
	return e.update(ctx, func(tx *store.Tx, topics *[]string) error {
		if err := putObjects(tx, threads, emails); err != nil {
			return err
		}
		return touchThreads(tx, topics)
	})
}

// MergeThreadAndEmailChanges applies thread and email diffs together.
// Either diff may be nil.
func (e *Engine) MergeThreadAndEmailChanges(ctx context.Context, threads *jmap.Changes[jmap.Thread], emails *jmap.Changes[jmap.Email]) error {
	return e.update(ctx, func(tx *store.Tx, topics *[]string) error {
		applied := false
		if threads != nil {
			ok, err := tx.MergeThreadChanges(threads)
			if err != nil {
				return err
			}
			applied = applied || ok
		}
		if emails != nil {
			ok, err := tx.MergeEmailChanges(emails)
			if err != nil {
				return err
			}
			applied = applied || ok
		}
		if !applied {
			return nil
		}
		return touchThreads(tx, topics)
	})
}

// Objects are the threads and emails referenced by a query page, together
// with the objects state the worker observed before fetching them.
type Objects struct {
	Expected store.ObjectsState
	Threads  *jmap.List[jmap.Thread]
	Emails   *jmap.List[jmap.Email]
}

// checkObjects fails with a conflict when the stored objects state moved
// since the worker read it.
func checkObjects(tx *store.Tx, objs Objects) error {
	current, err := tx.ObjectsState()
	if err != nil {
		return err
	}
	if current != objs.Expected {
		return fmt.Errorf("objects state moved from %+v to %+v: %w", objs.Expected, current, store.ErrCacheConflict)
	}
	return putObjects(tx, objs.Threads, objs.Emails)
}

func putObjects(tx *store.Tx, threads *jmap.List[jmap.Thread], emails *jmap.List[jmap.Email]) error {
	if threads != nil {
		if err := tx.PutThreads(threads.List, threads.State); err != nil {
			return err
		}
	}
	if emails != nil {
		if err := tx.PutEmails(emails.List, emails.State); err != nil {
			return err
		}
	}
	return nil
}

// touchThreads publishes the thread topic and every query view, since
// decorated rows of any query may have changed.
func touchThreads(tx *store.Tx, topics *[]string) error {
	*topics = append(*topics, TopicThreads)
	queries, err := tx.ListQueries()
	if err != nil {
		return err
	}
	for _, q := range queries {
		*topics = append(*topics, TopicQuery(q.QueryString))
	}
	return nil
}

// MergeQuerySnapshot replaces the cached result of query with the first
// page of a full fetch.
func (e *Engine) MergeQuerySnapshot(ctx context.Context, query string, res *jmap.QueryResult, objs Objects) error {
	return e.update(ctx, func(tx *store.Tx, topics *[]string) error {
		if err := checkObjects(tx, objs); err != nil {
			return err
		}
		if err := tx.SetQueryResult(query, res.Items, res.QueryState, res.CanCalculateChanges); err != nil {
			return err
		}
		*topics = append(*topics, TopicQuery(query))
		return nil
	})
}

// MergeQueryPage appends a page that was requested after afterID.
func (e *Engine) MergeQueryPage(ctx context.Context, query, afterID string, res *jmap.QueryResult, objs Objects) error {
	return e.update(ctx, func(tx *store.Tx, topics *[]string) error {
		if err := checkObjects(tx, objs); err != nil {
			return err
		}
		if err := tx.AppendPage(query, afterID, res.Position, res.Items, res.QueryState); err != nil {
			return err
		}
		if len(res.Items) > 0 {
			*topics = append(*topics, TopicQuery(query))
		}
		return nil
	})
}

// MergeQueryChanges applies a query diff.
func (e *Engine) MergeQueryChanges(ctx context.Context, query string, ch *jmap.QueryChanges, objs Objects) (store.DeltaResult, error) {
	var res store.DeltaResult
	err := e.update(ctx, func(tx *store.Tx, topics *[]string) error {
		if err := checkObjects(tx, objs); err != nil {
			return err
		}
		var err error
		res, err = tx.ApplyDelta(query, ch.Removed, ch.Added, ch.NewQueryState, ch.OldQueryState)
		if err != nil {
			return err
		}
		if res.Applied {
			*topics = append(*topics, TopicQuery(query))
		}
		return nil
	})
	return res, err
}

// Invalidate marks a query for a full refetch.
func (e *Engine) Invalidate(ctx context.Context, query string) error {
	return e.update(ctx, func(tx *store.Tx, topics *[]string) error {
		if err := tx.Invalidate(query); err != nil {
			return err
		}
		*topics = append(*topics, TopicQuery(query))
		return nil
	})
}

// ResetObjects forgets the thread and email states once the server can no
// longer diff them. Cached objects stay readable but every query is
// invalidated, so the next sync refetches its items and their objects.
func (e *Engine) ResetObjects(ctx context.Context) error {
	return e.update(ctx, func(tx *store.Tx, topics *[]string) error {
		for _, t := range []store.EntityType{store.EntityThread, store.EntityEmail} {
			if err := tx.DeleteState(t); err != nil {
				return err
			}
		}
		queries, err := tx.ListQueries()
		if err != nil {
			return err
		}
		for _, q := range queries {
			if err := tx.Invalidate(q.QueryString); err != nil {
				return err
			}
		}
		return touchThreads(tx, topics)
	})
}

// Verify checks the position invariant of every cached query. All
// violations are reported; each wraps store.ErrCorruptCache.
func (e *Engine) Verify(ctx context.Context) error {
	var errs []error
	err := e.view(ctx, func(tx *store.Tx) error {
		queries, err := tx.ListQueries()
		if err != nil {
			return err
		}
		for _, q := range queries {
			if err := tx.CheckContiguous(q.QueryString); err != nil {
				if store.KindOf(err) != store.KindCorrupt {
					return err
				}
				errs = append(errs, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(errs) > 0 {
		e.logger.Error("cache verification failed", "violations", len(errs))
	}
	return errors.Join(errs...)
}
