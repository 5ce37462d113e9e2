package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/isabella232/lttrs-android-sub000/internal/cache"
	"github.com/isabella232/lttrs-android-sub000/internal/jmap"
	"github.com/isabella232/lttrs-android-sub000/internal/store"
	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"
)

// plan is one query to refresh. since is empty for a full fetch.
type plan struct {
	query jmap.EmailQuery
	key   string
	since string
}

// fetched holds the server's answer for a plan, with the objects its items
// reference.
type fetched struct {
	plan
	result  *jmap.QueryResult
	changes *jmap.QueryChanges
	objects cache.Objects
}

// syncQueries refreshes queries. Fetches run concurrently; merges run one at
// a time in the order the queries were given. Queries that conflict are
// refetched after the objects caught up, at most MaxRestarts times.
func (s *Syncer) syncQueries(ctx context.Context, queries []jmap.EmailQuery, summary *Summary) error {
	forceFull := make(map[string]bool)
	pending := queries
	for attempt := 0; len(pending) > 0; attempt++ {
		if attempt > 0 {
			summary.Restarts++
			if err := s.syncObjects(ctx, summary); err != nil {
				return err
			}
		}

		expected, err := s.engine.ObjectsState(ctx)
		if err != nil {
			return err
		}
		plans, err := s.planQueries(ctx, pending, forceFull)
		if err != nil {
			return err
		}
		results, err := s.fetchQueries(ctx, plans, expected)
		if err != nil {
			return err
		}

		var retry []jmap.EmailQuery
		var lastErr error
		for _, f := range results {
			err := s.mergeQuery(ctx, f, summary)
			switch store.KindOf(err) {
			case store.KindNone:
				continue
			case store.KindConflict:
				s.logger.Info("query conflicted, refetching", "query", f.key, "error", err)
			case store.KindNotSynchronized:
				s.logger.Info("query not synchronized, refetching in full", "query", f.key)
				forceFull[f.key] = true
			case store.KindCorrupt:
				s.logger.Error("corrupt query cache", "query", f.key, "trace", eris.ToString(err, true))
				if ierr := s.engine.Invalidate(ctx, f.key); ierr != nil {
					s.logger.Warn("failed to invalidate corrupt query", "query", f.key, "error", ierr)
				}
				return fmt.Errorf("merge %s: %w", f.key, err)
			default:
				return fmt.Errorf("merge %s: %w", f.key, err)
			}
			retry = append(retry, f.query)
			lastErr = err
		}

		if len(retry) > 0 && attempt >= s.opts.MaxRestarts {
			return fmt.Errorf("%d queries still failing after %d restarts: %w", len(retry), attempt, lastErr)
		}
		pending = retry
	}
	return nil
}

func (s *Syncer) planQueries(ctx context.Context, queries []jmap.EmailQuery, forceFull map[string]bool) ([]plan, error) {
	plans := make([]plan, 0, len(queries))
	for _, q := range queries {
		p := plan{query: q, key: q.String()}
		if !forceFull[p.key] {
			qs, err := s.engine.QueryState(ctx, p.key)
			if err != nil {
				return nil, err
			}
			if qs != nil && qs.Valid && qs.State != "" && qs.CanCalculateChanges {
				p.since = qs.State
			}
		}
		plans = append(plans, p)
	}
	return plans, nil
}

func (s *Syncer) fetchQueries(ctx context.Context, plans []plan, expected store.ObjectsState) ([]*fetched, error) {
	out := make([]*fetched, len(plans))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.QueryConcurrency)
	for i, p := range plans {
		g.Go(func() error {
			f, err := s.fetchQuery(ctx, p, expected)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", p.key, err)
			}
			out[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Syncer) fetchQuery(ctx context.Context, p plan, expected store.ObjectsState) (*fetched, error) {
	f := &fetched{plan: p}
	if p.since != "" {
		ch, err := s.client.QueryEmailChanges(ctx, p.query, p.since)
		switch {
		case errors.Is(err, jmap.ErrCannotCalculateChanges):
			s.logger.Debug("query changes unavailable, fetching in full", "query", p.key)
		case err != nil:
			return nil, err
		default:
			items := make([]jmap.QueryItem, 0, len(ch.Added))
			for _, a := range ch.Added {
				items = append(items, a.Item)
			}
			f.changes = ch
			f.objects, err = s.fetchObjects(ctx, items, expected)
			return f, err
		}
	}

	res, err := s.client.QueryEmails(ctx, p.query, jmap.PageRequest{Limit: s.opts.PageSize})
	if err != nil {
		return nil, err
	}
	f.result = res
	f.objects, err = s.fetchObjects(ctx, res.Items, expected)
	return f, err
}

// fetchObjects gets the threads of items and every email of those threads.
func (s *Syncer) fetchObjects(ctx context.Context, items []jmap.QueryItem, expected store.ObjectsState) (cache.Objects, error) {
	objs := cache.Objects{Expected: expected}

	seen := make(map[string]bool, len(items))
	var threadIDs []string
	for _, it := range items {
		if it.ThreadID == "" || seen[it.ThreadID] {
			continue
		}
		seen[it.ThreadID] = true
		threadIDs = append(threadIDs, it.ThreadID)
	}
	if len(threadIDs) == 0 {
		return objs, nil
	}

	threads, err := s.client.GetThreads(ctx, threadIDs)
	if err != nil {
		return objs, fmt.Errorf("get threads: %w", err)
	}
	emailIDs := []string{}
	for _, t := range threads.List {
		emailIDs = append(emailIDs, t.EmailIDs...)
	}
	emails, err := s.client.GetEmails(ctx, emailIDs)
	if err != nil {
		return objs, fmt.Errorf("get emails: %w", err)
	}
	objs.Threads, objs.Emails = threads, emails
	return objs, nil
}

func (s *Syncer) mergeQuery(ctx context.Context, f *fetched, summary *Summary) error {
	if f.changes != nil {
		res, err := s.engine.MergeQueryChanges(ctx, f.key, f.changes, f.objects)
		if err != nil {
			return err
		}
		summary.QueriesIncremental++
		summary.ItemsAdded += res.Added
		summary.ItemsRemoved += res.Removed
		if res.Skipped > 0 {
			s.logger.Warn("query diff items could not be placed", "query", f.key, "skipped", res.Skipped)
		}
		return nil
	}

	if err := s.engine.MergeQuerySnapshot(ctx, f.key, f.result, f.objects); err != nil {
		return err
	}
	summary.QueriesFull++
	summary.ItemsAdded += len(f.result.Items)
	return nil
}

// LoadMore fetches the page after the last cached item of q and appends it.
// It returns the number of items appended. A query that was never synced
// fails with store.ErrNotSynchronized.
func (s *Syncer) LoadMore(ctx context.Context, q jmap.EmailQuery) (int, error) {
	key := q.String()
	qs, err := s.engine.QueryState(ctx, key)
	if err != nil {
		return 0, err
	}
	if qs == nil || !qs.Valid || qs.LastItem == nil {
		return 0, fmt.Errorf("load more of %s: %w", key, store.ErrNotSynchronized)
	}

	expected, err := s.engine.ObjectsState(ctx)
	if err != nil {
		return 0, err
	}
	anchor := qs.LastItem.EmailID
	res, err := s.client.QueryEmails(ctx, q, jmap.PageRequest{
		Anchor:       anchor,
		AnchorOffset: 1,
		Limit:        s.opts.PageSize,
	})
	if err != nil {
		return 0, fmt.Errorf("query page: %w", err)
	}
	objs, err := s.fetchObjects(ctx, res.Items, expected)
	if err != nil {
		return 0, err
	}
	if err := s.engine.MergeQueryPage(ctx, key, anchor, res, objs); err != nil {
		return 0, err
	}
	s.logger.Debug("loaded more", "query", key, "items", len(res.Items))
	return len(res.Items), nil
}
