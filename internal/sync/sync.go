// Package sync drives the cache engine from a JMAP server: it pulls object
// and query diffs, picks between full and incremental fetches, and reacts to
// the conflicts the engine reports.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/isabella232/lttrs-android-sub000/internal/cache"
	"github.com/isabella232/lttrs-android-sub000/internal/jmap"
	"github.com/isabella232/lttrs-android-sub000/internal/store"
)

// Options configures sync behavior.
type Options struct {
	// PageSize is the number of query items fetched per page (default: 30)
	PageSize int

	// QueryConcurrency bounds how many queries are fetched at once (default: 4)
	QueryConcurrency int

	// MaxRestarts bounds how often conflicting queries are refetched in one
	// run (default: 3)
	MaxRestarts int
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() *Options {
	return &Options{
		PageSize:         30,
		QueryConcurrency: 4,
		MaxRestarts:      3,
	}
}

// Summary reports what a sync run did.
type Summary struct {
	StartTime          time.Time     `json:"start_time"`
	EndTime            time.Time     `json:"end_time"`
	Duration           time.Duration `json:"duration_ns"`
	ObjectsReset       bool          `json:"objects_reset,omitempty"`
	QueriesFull        int           `json:"queries_full"`
	QueriesIncremental int           `json:"queries_incremental"`
	ItemsAdded         int           `json:"items_added"`
	ItemsRemoved       int           `json:"items_removed"`
	Restarts           int           `json:"restarts,omitempty"`
}

// QuerySet picks the queries to refresh once mailboxes are in sync.
type QuerySet func(mailboxes []jmap.Mailbox) []jmap.EmailQuery

// Queries returns a QuerySet of fixed queries.
func Queries(queries ...jmap.EmailQuery) QuerySet {
	return func([]jmap.Mailbox) []jmap.EmailQuery { return queries }
}

// Syncer syncs one account.
type Syncer struct {
	client jmap.API
	engine *cache.Engine
	logger *slog.Logger
	opts   *Options
}

// New creates a new Syncer.
func New(client jmap.API, engine *cache.Engine, opts *Options) *Syncer {
	o := DefaultOptions()
	if opts != nil {
		o.MaxRestarts = max(0, opts.MaxRestarts)
		if opts.PageSize > 0 {
			o.PageSize = opts.PageSize
		}
		if opts.QueryConcurrency > 0 {
			o.QueryConcurrency = opts.QueryConcurrency
		}
	}
	return &Syncer{
		client: client,
		engine: engine,
		logger: slog.Default(),
		opts:   o,
	}
}

// WithLogger sets the logger.
func (s *Syncer) WithLogger(logger *slog.Logger) *Syncer {
	s.logger = logger
	return s
}

// Run brings mailboxes, identities, threads and emails up to date and then
// refreshes the queries picked by queries.
func (s *Syncer) Run(ctx context.Context, queries QuerySet) (*Summary, error) {
	summary := &Summary{StartTime: time.Now()}

	if err := s.syncObjects(ctx, summary); err != nil {
		return nil, err
	}

	var list []jmap.EmailQuery
	if queries != nil {
		mailboxes, err := s.engine.Mailboxes(ctx)
		if err != nil {
			return nil, fmt.Errorf("read mailboxes: %w", err)
		}
		list = dedupe(queries(mailboxes))
	}
	if err := s.syncQueries(ctx, list, summary); err != nil {
		return nil, err
	}

	summary.EndTime = time.Now()
	summary.Duration = summary.EndTime.Sub(summary.StartTime)
	s.logger.Info("sync complete",
		"queries_full", summary.QueriesFull,
		"queries_incremental", summary.QueriesIncremental,
		"restarts", summary.Restarts,
		"duration", summary.Duration)
	return summary, nil
}

func dedupe(queries []jmap.EmailQuery) []jmap.EmailQuery {
	seen := make(map[string]bool, len(queries))
	out := make([]jmap.EmailQuery, 0, len(queries))
	for _, q := range queries {
		key := q.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, q)
	}
	return out
}

func (s *Syncer) syncObjects(ctx context.Context, summary *Summary) error {
	err := syncCollection(ctx, s, store.EntityMailbox,
		s.client.GetMailboxes, s.client.MailboxChanges,
		s.engine.MergeMailboxSnapshot, s.engine.MergeMailboxChanges)
	if err != nil {
		return fmt.Errorf("sync mailboxes: %w", err)
	}
	err = syncCollection(ctx, s, store.EntityIdentity,
		s.client.GetIdentities, s.client.IdentityChanges,
		s.engine.MergeIdentitySnapshot, s.engine.MergeIdentityChanges)
	if err != nil {
		return fmt.Errorf("sync identities: %w", err)
	}
	if err := s.syncThreadsAndEmails(ctx, summary); err != nil {
		return fmt.Errorf("sync threads and emails: %w", err)
	}
	return nil
}

// syncCollection catches a fully mirrored collection up through /changes,
// falling back to a full /get when there is no state or the diff can't be
// applied.
func syncCollection[T any](
	ctx context.Context,
	s *Syncer,
	entity store.EntityType,
	get func(context.Context) (*jmap.List[T], error),
	changes func(context.Context, string) (*jmap.Changes[T], error),
	mergeSnapshot func(context.Context, *jmap.List[T]) error,
	mergeChanges func(context.Context, *jmap.Changes[T]) error,
) error {
	since, ok, err := s.engine.State(ctx, entity)
	if err != nil {
		return err
	}
	if ok {
		done, err := applyChanges(ctx, s, entity, since, changes, mergeChanges)
		if err != nil || done {
			return err
		}
	}

	list, err := get(ctx)
	if err != nil {
		return err
	}
	return mergeSnapshot(ctx, list)
}

// applyChanges reports false when a full fetch is needed instead.
func applyChanges[T any](
	ctx context.Context,
	s *Syncer,
	entity store.EntityType,
	since string,
	changes func(context.Context, string) (*jmap.Changes[T], error),
	mergeChanges func(context.Context, *jmap.Changes[T]) error,
) (bool, error) {
	for {
		ch, err := changes(ctx, since)
		if errors.Is(err, jmap.ErrCannotCalculateChanges) {
			s.logger.Info("changes unavailable, refetching", "entity", entity, "since", since)
			return false, nil
		}
		if err != nil {
			return false, err
		}

		err = mergeChanges(ctx, ch)
		switch store.KindOf(err) {
		case store.KindNone:
		case store.KindConflict, store.KindNotSynchronized:
			s.logger.Warn("changes did not apply, refetching", "entity", entity, "error", err)
			return false, nil
		default:
			return false, err
		}

		if !ch.HasMoreChanges {
			return true, nil
		}
		since = ch.NewState
	}
}

// syncThreadsAndEmails catches the partially mirrored thread and email
// collections up. A collection without a state gets one from an empty /get.
func (s *Syncer) syncThreadsAndEmails(ctx context.Context, summary *Summary) error {
	objs, err := s.engine.ObjectsState(ctx)
	if err != nil {
		return err
	}
	if objs.ThreadState == "" || objs.EmailState == "" {
		if err := s.bootstrapObjects(ctx, objs); err != nil {
			return err
		}
	}

	threadSince, emailSince := objs.ThreadState, objs.EmailState
	for threadSince != "" || emailSince != "" {
		threads, emails, err := s.objectChanges(ctx, threadSince, emailSince)
		if errors.Is(err, jmap.ErrCannotCalculateChanges) {
			s.logger.Info("object changes unavailable, resetting", "thread_state", threadSince, "email_state", emailSince)
			return s.resetObjects(ctx, summary)
		}
		if err != nil {
			return err
		}

		err = s.engine.MergeThreadAndEmailChanges(ctx, threads, emails)
		switch store.KindOf(err) {
		case store.KindNone:
		case store.KindConflict, store.KindNotSynchronized:
			s.logger.Warn("object changes did not apply, resetting", "error", err)
			return s.resetObjects(ctx, summary)
		default:
			return err
		}
		threadSince, emailSince = nextSince(threads), nextSince(emails)
	}
	return nil
}

func nextSince[T any](ch *jmap.Changes[T]) string {
	if ch == nil || !ch.HasMoreChanges {
		return ""
	}
	return ch.NewState
}

func (s *Syncer) objectChanges(ctx context.Context, threadSince, emailSince string) (*jmap.Changes[jmap.Thread], *jmap.Changes[jmap.Email], error) {
	var threads *jmap.Changes[jmap.Thread]
	var emails *jmap.Changes[jmap.Email]
	var err error
	if threadSince != "" {
		if threads, err = s.client.ThreadChanges(ctx, threadSince); err != nil {
			return nil, nil, fmt.Errorf("thread changes: %w", err)
		}
	}
	if emailSince != "" {
		if emails, err = s.client.EmailChanges(ctx, emailSince); err != nil {
			return nil, nil, fmt.Errorf("email changes: %w", err)
		}
	}
	return threads, emails, nil
}

func (s *Syncer) bootstrapObjects(ctx context.Context, objs store.ObjectsState) error {
	var threads *jmap.List[jmap.Thread]
	var emails *jmap.List[jmap.Email]
	var err error
	// An empty id list returns only the state; nil would fetch every object.
	if objs.ThreadState == "" {
		if threads, err = s.client.GetThreads(ctx, []string{}); err != nil {
			return fmt.Errorf("thread state: %w", err)
		}
	}
	if objs.EmailState == "" {
		if emails, err = s.client.GetEmails(ctx, []string{}); err != nil {
			return fmt.Errorf("email state: %w", err)
		}
	}
	return s.engine.MergeThreadAndEmailSnapshot(ctx, threads, emails)
}

func (s *Syncer) resetObjects(ctx context.Context, summary *Summary) error {
	if err := s.engine.ResetObjects(ctx); err != nil {
		return err
	}
	summary.ObjectsReset = true
	return s.bootstrapObjects(ctx, store.ObjectsState{})
}
