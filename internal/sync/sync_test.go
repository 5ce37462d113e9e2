package sync

import (
	"context"
	"errors"
	"testing"

	"github.com/isabella232/lttrs-android-sub000/internal/cache"
	"github.com/isabella232/lttrs-android-sub000/internal/jmap"
	"github.com/isabella232/lttrs-android-sub000/internal/store"
	"github.com/isabella232/lttrs-android-sub000/internal/testutil"
	"github.com/isabella232/lttrs-android-sub000/internal/testutil/storetest"
)

var inbox = jmap.MailboxQuery("mb-inbox")

// inboxQueries picks the inbox by role, the way an account does.
func inboxQueries(mailboxes []jmap.Mailbox) []jmap.EmailQuery {
	for _, m := range mailboxes {
		if m.Role == jmap.RoleInbox {
			return []jmap.EmailQuery{jmap.MailboxQuery(m.ID)}
		}
	}
	return nil
}

type testEnv struct {
	t      *testing.T
	ctx    context.Context
	mock   *jmap.MockAPI
	engine *cache.Engine
	syncer *Syncer
}

// newTestEnv sets up a server whose inbox holds emails a, b and c, each in
// its own thread, with a page size of two.
func newTestEnv(t *testing.T, api ...jmap.API) *testEnv {
	t.Helper()

	mock := jmap.NewMockAPI()
	mock.Mailboxes = jmap.List[jmap.Mailbox]{State: "m1", List: []jmap.Mailbox{
		storetest.Mailbox("mb-inbox", "Inbox", jmap.RoleInbox),
		storetest.Mailbox("mb-arch", "Archive", jmap.RoleArchive),
	}}
	mock.Identities = jmap.List[jmap.Identity]{State: "i1", List: []jmap.Identity{
		{ID: "id1", Name: "Me", Email: "me@example.com"},
	}}
	mock.ThreadState, mock.EmailState = "th1", "em1"
	for _, id := range []string{"a", "b", "c"} {
		mock.AddEmail(storetest.Email(id, "t-"+id, []string{"mb-inbox"}))
	}
	mock.Results[inbox.String()] = &jmap.QueryResult{
		QueryState:          "q1",
		CanCalculateChanges: true,
		Items:               storetest.Items("a", "b", "c"),
	}

	var client jmap.API = mock
	if len(api) > 0 {
		client = api[0]
	}
	engine := testutil.NewTestEngine(t)
	return &testEnv{
		t:      t,
		ctx:    context.Background(),
		mock:   mock,
		engine: engine,
		syncer: New(client, engine, &Options{PageSize: 2, QueryConcurrency: 2, MaxRestarts: 2}),
	}
}

func (e *testEnv) run() *Summary {
	e.t.Helper()
	summary, err := e.syncer.Run(e.ctx, inboxQueries)
	testutil.MustNoErr(e.t, err, "Run")
	return summary
}

func (e *testEnv) threads() []string {
	e.t.Helper()
	rows, err := e.engine.QueryView(e.ctx, inbox.String())
	testutil.MustNoErr(e.t, err, "QueryView")
	var ids []string
	for _, r := range rows {
		ids = append(ids, r.ThreadID)
	}
	return ids
}

func (e *testEnv) queryState() *store.QueryState {
	e.t.Helper()
	qs, err := e.engine.QueryState(e.ctx, inbox.String())
	testutil.MustNoErr(e.t, err, "QueryState")
	if qs == nil {
		e.t.Fatal("inbox query is not cached")
	}
	return qs
}

// serverAddsD makes the server prepend email d to the inbox.
func (e *testEnv) serverAddsD() {
	d := storetest.Email("d", "t-d", []string{"mb-inbox"})
	e.mock.AddEmail(d)
	e.mock.ThreadState, e.mock.EmailState = "th2", "em2"
	e.mock.ThreadChangeSets["th1"] = &jmap.Changes[jmap.Thread]{
		OldState: "th1", NewState: "th2",
		Created: []jmap.Thread{{ID: "t-d", EmailIDs: []string{"d"}}},
	}
	e.mock.EmailChangeSets["em1"] = &jmap.Changes[jmap.Email]{
		OldState: "em1", NewState: "em2",
		Created: []jmap.Email{d},
	}
	e.mock.Results[inbox.String()] = &jmap.QueryResult{
		QueryState:          "q2",
		CanCalculateChanges: true,
		Items:               storetest.Items("d", "a", "b", "c"),
	}
	e.mock.ResultChanges[jmap.QueryChangesKey(inbox, "q1")] = &jmap.QueryChanges{
		OldQueryState: "q1",
		NewQueryState: "q2",
		Added:         []jmap.AddedItem{storetest.Added(0, "d")},
	}
}

func TestRun_FullSync(t *testing.T) {
	env := newTestEnv(t)
	summary := env.run()

	if summary.QueriesFull != 1 || summary.QueriesIncremental != 0 {
		t.Errorf("full=%d incremental=%d, want 1/0", summary.QueriesFull, summary.QueriesIncremental)
	}
	testutil.AssertStrings(t, env.threads(), "t-a", "t-b")

	snap, err := env.engine.ObjectsState(env.ctx)
	testutil.MustNoErr(t, err, "ObjectsState")
	if snap != (store.ObjectsState{MailboxState: "m1", ThreadState: "th1", EmailState: "em1"}) {
		t.Errorf("objects state = %+v", snap)
	}
	identities, err := env.engine.Identities(env.ctx)
	testutil.MustNoErr(t, err, "Identities")
	if len(identities) != 1 || identities[0].ID != "id1" {
		t.Errorf("identities = %+v", identities)
	}

	view, err := env.engine.Thread(env.ctx, "t-a")
	testutil.MustNoErr(t, err, "Thread")
	if view == nil || len(view.Emails) != 1 || !view.InInbox {
		t.Errorf("thread t-a = %+v, want one email in the inbox", view)
	}
}

func TestRun_BootstrapFetchesOnlyObjectStates(t *testing.T) {
	env := newTestEnv(t)
	env.run()

	// Email c sits past the first page, so nothing should have cached it.
	view, err := env.engine.Thread(env.ctx, "t-c")
	testutil.MustNoErr(t, err, "Thread")
	if view != nil {
		t.Errorf("thread t-c = %+v, want it left uncached", view)
	}

	// The same holds after the object states are reset.
	env.mock.ThreadState, env.mock.EmailState = "th9", "em9"
	summary := env.run()
	if !summary.ObjectsReset {
		t.Fatal("ObjectsReset = false")
	}
	view, err = env.engine.Thread(env.ctx, "t-c")
	testutil.MustNoErr(t, err, "Thread")
	if view != nil {
		t.Errorf("after reset thread t-c = %+v, want it left uncached", view)
	}
}

func TestRun_Incremental(t *testing.T) {
	env := newTestEnv(t)
	env.run()
	env.serverAddsD()

	summary := env.run()
	if summary.QueriesIncremental != 1 || summary.ItemsAdded != 1 {
		t.Errorf("incremental=%d added=%d, want 1/1", summary.QueriesIncremental, summary.ItemsAdded)
	}
	testutil.AssertStrings(t, env.threads(), "t-d", "t-a", "t-b")
	if qs := env.queryState(); qs.State != "q2" {
		t.Errorf("query state = %q, want q2", qs.State)
	}

	// Nothing changed since: a third run is a no-op diff.
	summary = env.run()
	if summary.QueriesIncremental != 1 || summary.ItemsAdded != 0 {
		t.Errorf("idle run: incremental=%d added=%d, want 1/0", summary.QueriesIncremental, summary.ItemsAdded)
	}
	testutil.AssertStrings(t, env.threads(), "t-d", "t-a", "t-b")
}

func TestLoadMore(t *testing.T) {
	env := newTestEnv(t)
	env.run()

	n, err := env.syncer.LoadMore(env.ctx, inbox)
	testutil.MustNoErr(t, err, "LoadMore")
	if n != 1 {
		t.Errorf("LoadMore appended %d items, want 1", n)
	}
	testutil.AssertStrings(t, env.threads(), "t-a", "t-b", "t-c")

	// The end of the list appends nothing.
	n, err = env.syncer.LoadMore(env.ctx, inbox)
	testutil.MustNoErr(t, err, "LoadMore at end")
	if n != 0 {
		t.Errorf("LoadMore at end appended %d items", n)
	}
}

func TestLoadMore_StaleQueryConflicts(t *testing.T) {
	env := newTestEnv(t)
	env.run()
	env.serverAddsD()

	_, err := env.syncer.LoadMore(env.ctx, inbox)
	if !errors.Is(err, store.ErrCacheConflict) {
		t.Fatalf("LoadMore = %v, want ErrCacheConflict", err)
	}
	testutil.AssertStrings(t, env.threads(), "t-a", "t-b")
}

func TestLoadMore_NotSynchronized(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.syncer.LoadMore(env.ctx, inbox)
	if !errors.Is(err, store.ErrNotSynchronized) {
		t.Fatalf("LoadMore = %v, want ErrNotSynchronized", err)
	}
}

func TestRun_QueryChangesUnavailableFetchesInFull(t *testing.T) {
	env := newTestEnv(t)
	env.run()

	env.mock.Results[inbox.String()] = &jmap.QueryResult{
		QueryState:          "q7",
		CanCalculateChanges: true,
		Items:               storetest.Items("c", "b"),
	}
	summary := env.run()

	if summary.QueriesFull != 1 {
		t.Errorf("QueriesFull = %d, want 1", summary.QueriesFull)
	}
	testutil.AssertStrings(t, env.threads(), "t-c", "t-b")
	if n := len(env.mock.QueryChangesCalls); n != 1 {
		t.Errorf("QueryChangesCalls = %d, want 1", n)
	}
}

func TestRun_ObjectChangesUnavailableResets(t *testing.T) {
	env := newTestEnv(t)
	env.run()

	// The server lost the history behind th1.
	env.mock.ThreadState, env.mock.EmailState = "th9", "em9"
	summary := env.run()

	if !summary.ObjectsReset {
		t.Error("ObjectsReset = false")
	}
	if summary.QueriesFull != 1 {
		t.Errorf("QueriesFull = %d, want a full refetch of the invalidated query", summary.QueriesFull)
	}
	testutil.AssertStrings(t, env.threads(), "t-a", "t-b")

	snap, err := env.engine.ObjectsState(env.ctx)
	testutil.MustNoErr(t, err, "ObjectsState")
	if snap.ThreadState != "th9" || snap.EmailState != "em9" {
		t.Errorf("objects state = %+v, want th9/em9", snap)
	}
}

func TestRun_MailboxChanges(t *testing.T) {
	env := newTestEnv(t)
	env.run()

	label := storetest.Mailbox("mb-rcpt", "Receipts", "")
	env.mock.Mailboxes.State = "m2"
	env.mock.Mailboxes.List = append(env.mock.Mailboxes.List, label)
	env.mock.MailboxChangeSets["m1"] = &jmap.Changes[jmap.Mailbox]{
		OldState: "m1", NewState: "m2", Created: []jmap.Mailbox{label},
	}
	env.run()

	mailboxes, err := env.engine.Mailboxes(env.ctx)
	testutil.MustNoErr(t, err, "Mailboxes")
	var names []string
	for _, m := range mailboxes {
		names = append(names, m.Name)
	}
	testutil.AssertStrings(t, names, "Archive", "Inbox", "Receipts")

	// Without a change set the collection is replaced wholesale.
	env.mock.Mailboxes = jmap.List[jmap.Mailbox]{State: "m3", List: []jmap.Mailbox{
		storetest.Mailbox("mb-inbox", "Inbox", jmap.RoleInbox),
	}}
	env.run()
	mailboxes, err = env.engine.Mailboxes(env.ctx)
	testutil.MustNoErr(t, err, "Mailboxes")
	if len(mailboxes) != 1 {
		t.Errorf("mailboxes after refetch = %+v, want only the inbox", mailboxes)
	}
}

// staleDiffs serves query diffs from a state the cache never had before
// handing over to the mock.
type staleDiffs struct {
	*jmap.MockAPI
	remaining int
}

func (s *staleDiffs) QueryEmailChanges(ctx context.Context, q jmap.EmailQuery, since string) (*jmap.QueryChanges, error) {
	if s.remaining > 0 {
		s.remaining--
		return &jmap.QueryChanges{OldQueryState: "q0", NewQueryState: "q9"}, nil
	}
	return s.MockAPI.QueryEmailChanges(ctx, q, since)
}

func TestRun_ConflictRestarts(t *testing.T) {
	api := &staleDiffs{remaining: 1}
	env := newTestEnv(t, api)
	api.MockAPI = env.mock
	env.run()
	env.serverAddsD()

	summary := env.run()
	if summary.Restarts != 1 {
		t.Errorf("Restarts = %d, want 1", summary.Restarts)
	}
	testutil.AssertStrings(t, env.threads(), "t-d", "t-a", "t-b")
}

func TestRun_ConflictGivesUp(t *testing.T) {
	api := &staleDiffs{remaining: 10}
	env := newTestEnv(t, api)
	api.MockAPI = env.mock
	env.run()

	_, err := env.syncer.Run(env.ctx, inboxQueries)
	if !errors.Is(err, store.ErrCacheConflict) {
		t.Fatalf("Run = %v, want ErrCacheConflict", err)
	}
	if api.remaining != 7 {
		t.Errorf("served %d stale diffs, want 3", 10-api.remaining)
	}
	// The cached result is untouched.
	testutil.AssertStrings(t, env.threads(), "t-a", "t-b")
}

func TestRun_CorruptQueryIsInvalidated(t *testing.T) {
	env := newTestEnv(t)
	env.run()

	_, err := env.engine.Store().DB().Exec(`UPDATE query_items SET position = position + 5`)
	testutil.MustNoErr(t, err, "shift positions")
	env.mock.Results[inbox.String()].QueryState = "q2"
	env.mock.ResultChanges[jmap.QueryChangesKey(inbox, "q1")] = &jmap.QueryChanges{
		OldQueryState: "q1",
		NewQueryState: "q2",
	}

	_, err = env.syncer.Run(env.ctx, inboxQueries)
	if !errors.Is(err, store.ErrCorruptCache) {
		t.Fatalf("Run = %v, want ErrCorruptCache", err)
	}
	if env.queryState().Valid {
		t.Error("corrupt query is still valid")
	}

	// The next run rebuilds it.
	env.run()
	testutil.AssertStrings(t, env.threads(), "t-a", "t-b")
}

func TestNew_Defaults(t *testing.T) {
	s := New(jmap.NewMockAPI(), nil, &Options{PageSize: -1, MaxRestarts: -2})
	want := Options{PageSize: 30, QueryConcurrency: 4, MaxRestarts: 0}
	if *s.opts != want {
		t.Errorf("opts = %+v, want %+v", *s.opts, want)
	}
	if *New(nil, nil, nil).opts != *DefaultOptions() {
		t.Error("nil options do not fall back to the defaults")
	}
}
