package outbox_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/isabella232/lttrs-android-sub000/internal/cache"
	"github.com/isabella232/lttrs-android-sub000/internal/jmap"
	"github.com/isabella232/lttrs-android-sub000/internal/outbox"
	"github.com/isabella232/lttrs-android-sub000/internal/store"
	"github.com/isabella232/lttrs-android-sub000/internal/testutil"
	"github.com/isabella232/lttrs-android-sub000/internal/testutil/storetest"
)

var inboxQuery = jmap.MailboxQuery("mb-inbox").String()

type env struct {
	t      *testing.T
	ctx    context.Context
	mock   *jmap.MockAPI
	engine *cache.Engine
}

// newEnv caches an inbox with threads t-a and t-b, mirrored by the mock
// server.
func newEnv(t *testing.T) *env {
	t.Helper()
	f := storetest.New(t)
	f.SeedMailboxes("m1",
		storetest.Mailbox("mb-inbox", "Inbox", jmap.RoleInbox),
		storetest.Mailbox("mb-arch", "Archive", jmap.RoleArchive),
	)

	mock := jmap.NewMockAPI()
	for _, id := range []string{"a", "b"} {
		e := storetest.Email(id, "t-"+id, []string{"mb-inbox"})
		f.SeedThread(e.ThreadID, e)
		mock.AddEmail(e)
	}
	f.SetQuery(inboxQuery, "q1", "a", "b")

	return &env{t: t, ctx: f.Ctx, mock: mock, engine: cache.Open(f.Store)}
}

func (e *env) queue(client jmap.EmailWriter, start bool) *outbox.Queue {
	e.t.Helper()
	q := outbox.New(e.engine, client)
	if start {
		q.Start()
	}
	e.t.Cleanup(q.Stop)
	return q
}

func (e *env) wait(q *outbox.Queue, id string) outbox.Task {
	e.t.Helper()
	ctx, cancel := context.WithTimeout(e.ctx, 5*time.Second)
	defer cancel()
	task, err := q.Wait(ctx, id)
	testutil.MustNoErr(e.t, err, "Wait")
	return task
}

func (e *env) threads() []string {
	e.t.Helper()
	rows, err := e.engine.QueryView(e.ctx, inboxQuery)
	testutil.MustNoErr(e.t, err, "QueryView")
	var ids []string
	for _, r := range rows {
		ids = append(ids, r.ThreadID)
	}
	return ids
}

func (e *env) mailboxOverwrites(threadID string) map[store.Selector]bool {
	e.t.Helper()
	var out map[store.Selector]bool
	err := e.engine.Store().View(e.ctx, func(tx *store.Tx) error {
		var err error
		out, err = tx.MailboxOverwrites(threadID)
		return err
	})
	testutil.MustNoErr(e.t, err, "MailboxOverwrites")
	return out
}

func TestSubmit_SendsAndConfirms(t *testing.T) {
	e := newEnv(t)
	q := e.queue(e.mock, true)

	id, err := q.Submit(e.ctx, cache.Archive("t-a"))
	testutil.MustNoErr(t, err, "Submit")
	testutil.AssertStrings(t, e.threads(), "t-b")

	task := e.wait(q, id)
	if task.Status != outbox.StatusDone {
		t.Fatalf("status = %s (%s), want done", task.Status, task.Error)
	}

	wantPatches := [][]jmap.EmailPatch{{
		{EmailID: "a", Mailboxes: map[string]bool{"mb-inbox": false, "mb-arch": true}},
	}}
	if diff := cmp.Diff(wantPatches, e.mock.SetCalls); diff != "" {
		t.Errorf("SetEmails calls (-want +got):\n%s", diff)
	}
	if got := e.mock.Emails["a"].MailboxIDs; !got["mb-arch"] || got["mb-inbox"] {
		t.Errorf("server mailboxes of a = %v", got)
	}
	if ow := e.mailboxOverwrites("t-a"); len(ow) != 0 {
		t.Errorf("mailbox overwrites after confirm = %v", ow)
	}
	// Hidden until the next query refresh.
	testutil.AssertStrings(t, e.threads(), "t-b")
}

func TestSubmit_FailureRollsBack(t *testing.T) {
	e := newEnv(t)
	e.mock.SetError = errors.New("server unavailable")
	q := e.queue(e.mock, true)

	id, err := q.Submit(e.ctx, cache.Archive("t-a"))
	testutil.MustNoErr(t, err, "Submit")

	task := e.wait(q, id)
	if task.Status != outbox.StatusFailed || task.Error == "" {
		t.Fatalf("task = %+v, want failed with an error", task)
	}
	testutil.AssertStrings(t, e.threads(), "t-a", "t-b")
	if ow := e.mailboxOverwrites("t-a"); len(ow) != 0 {
		t.Errorf("mailbox overwrites after rollback = %v", ow)
	}
}

func TestSubmit_RefreshRunsBeforeConfirm(t *testing.T) {
	e := newEnv(t)
	q := e.queue(e.mock, false)

	calls := 0
	archived := false
	q.WithRefresh(func(ctx context.Context) error {
		calls++
		var err error
		archived, err = e.engine.InMailbox(ctx, "t-a", store.RoleSelector(jmap.RoleArchive))
		return err
	})
	q.Start()

	id, err := q.Submit(e.ctx, cache.Archive("t-a"))
	testutil.MustNoErr(t, err, "Submit")
	if task := e.wait(q, id); task.Status != outbox.StatusDone {
		t.Fatalf("status = %s, want done", task.Status)
	}
	if calls != 1 {
		t.Errorf("refresh calls = %d, want 1", calls)
	}
	if !archived {
		t.Error("overwrite was gone before the refresh ran")
	}
}

func TestSubmit_RunsInOrder(t *testing.T) {
	e := newEnv(t)
	q := e.queue(e.mock, false)

	var ids []string
	for _, a := range []cache.Action{cache.Flag("t-a"), cache.MarkRead("t-b"), cache.MarkRead("t-a")} {
		id, err := q.Submit(e.ctx, a)
		testutil.MustNoErr(t, err, "Submit")
		ids = append(ids, id)
	}
	q.Start()
	for _, id := range ids {
		e.wait(q, id)
	}

	var got []string
	for _, call := range e.mock.SetCalls {
		for _, p := range call {
			for k, v := range p.Keywords {
				if v {
					got = append(got, p.EmailID+"+"+k)
				} else {
					got = append(got, p.EmailID+"-"+k)
				}
			}
		}
	}
	testutil.AssertStrings(t, got, "a+$flagged", "b+$seen", "a+$seen")

	var statuses []outbox.Status
	for _, task := range q.Tasks() {
		statuses = append(statuses, task.Status)
	}
	want := []outbox.Status{outbox.StatusDone, outbox.StatusDone, outbox.StatusDone}
	if diff := cmp.Diff(want, statuses); diff != "" {
		t.Errorf("statuses (-want +got):\n%s", diff)
	}
}

func TestCancel_Queued(t *testing.T) {
	e := newEnv(t)
	q := e.queue(e.mock, false)

	id, err := q.Submit(e.ctx, cache.Archive("t-a"))
	testutil.MustNoErr(t, err, "Submit")
	if !q.Busy() {
		t.Error("Busy() = false with a queued task")
	}
	testutil.MustNoErr(t, q.Cancel(e.ctx, id), "Cancel")

	if task := e.wait(q, id); task.Status != outbox.StatusCancelled {
		t.Errorf("status = %s, want cancelled", task.Status)
	}
	if q.Busy() {
		t.Error("Busy() = true after the only task was cancelled")
	}
	testutil.AssertStrings(t, e.threads(), "t-a", "t-b")

	q.Start()
	if len(e.mock.SetCalls) != 0 {
		t.Errorf("cancelled task was sent: %v", e.mock.SetCalls)
	}
	if err := q.Cancel(e.ctx, id); !errors.Is(err, outbox.ErrUnknownTask) {
		t.Errorf("second Cancel = %v, want ErrUnknownTask", err)
	}
}

func TestCancel_QueuedWithDoneContext(t *testing.T) {
	e := newEnv(t)
	q := e.queue(e.mock, false)

	id, err := q.Submit(e.ctx, cache.Archive("t-a"))
	testutil.MustNoErr(t, err, "Submit")

	ctx, cancel := context.WithCancel(e.ctx)
	cancel()
	testutil.MustNoErr(t, q.Cancel(ctx, id), "Cancel")

	if task := e.wait(q, id); task.Status != outbox.StatusCancelled {
		t.Errorf("status = %s (%s), want cancelled", task.Status, task.Error)
	}
	testutil.AssertStrings(t, e.threads(), "t-a", "t-b")
	if ow := e.mailboxOverwrites("t-a"); len(ow) != 0 {
		t.Errorf("mailbox overwrites after cancel = %v", ow)
	}
}

func TestCancel_KeepsEarlierActionOnSameThread(t *testing.T) {
	e := newEnv(t)
	q := e.queue(e.mock, false)

	archive, err := q.Submit(e.ctx, cache.Archive("t-a"))
	testutil.MustNoErr(t, err, "Submit")
	undo, err := q.Submit(e.ctx, cache.MoveToInbox("t-a"))
	testutil.MustNoErr(t, err, "Submit")

	testutil.MustNoErr(t, q.Cancel(e.ctx, undo), "Cancel")
	testutil.AssertStrings(t, e.threads(), "t-b")
	want := map[store.Selector]bool{
		store.RoleSelector(jmap.RoleInbox):   false,
		store.RoleSelector(jmap.RoleArchive): true,
	}
	if diff := cmp.Diff(want, e.mailboxOverwrites("t-a")); diff != "" {
		t.Errorf("mailbox overwrites of t-a (-want +got):\n%s", diff)
	}

	q.Start()
	if task := e.wait(q, archive); task.Status != outbox.StatusDone {
		t.Fatalf("status = %s (%s), want done", task.Status, task.Error)
	}
	if got := e.mock.Emails["a"].MailboxIDs; !got["mb-arch"] || got["mb-inbox"] {
		t.Errorf("server mailboxes of a = %v", got)
	}
}

// blockingWriter holds SetEmails until the context is cancelled.
type blockingWriter struct {
	started chan struct{}
}

func (w *blockingWriter) SetEmails(ctx context.Context, patches []jmap.EmailPatch) error {
	close(w.started)
	<-ctx.Done()
	return ctx.Err()
}

func TestCancel_Running(t *testing.T) {
	e := newEnv(t)
	w := &blockingWriter{started: make(chan struct{})}
	q := e.queue(w, true)

	id, err := q.Submit(e.ctx, cache.Archive("t-a"))
	testutil.MustNoErr(t, err, "Submit")
	select {
	case <-w.started:
	case <-time.After(5 * time.Second):
		t.Fatal("task never started")
	}

	testutil.MustNoErr(t, q.Cancel(e.ctx, id), "Cancel")
	if task := e.wait(q, id); task.Status != outbox.StatusCancelled {
		t.Errorf("status = %s, want cancelled", task.Status)
	}
	testutil.AssertStrings(t, e.threads(), "t-a", "t-b")
}

func TestStop_RollsBackQueued(t *testing.T) {
	e := newEnv(t)
	q := outbox.New(e.engine, e.mock)

	id, err := q.Submit(e.ctx, cache.MoveToTrash("t-b"))
	testutil.MustNoErr(t, err, "Submit")
	testutil.AssertStrings(t, e.threads(), "t-a")

	q.Stop()
	if task := e.wait(q, id); task.Status != outbox.StatusCancelled {
		t.Errorf("status = %s, want cancelled", task.Status)
	}
	testutil.AssertStrings(t, e.threads(), "t-a", "t-b")

	if _, err := q.Submit(e.ctx, cache.MarkRead("t-a")); !errors.Is(err, outbox.ErrStopped) {
		t.Errorf("Submit after Stop = %v, want ErrStopped", err)
	}
}

func TestSubmit_InvalidAction(t *testing.T) {
	e := newEnv(t)
	q := e.queue(e.mock, false)

	if _, err := q.Submit(e.ctx, cache.Action{ThreadIDs: []string{"t-a"}}); err == nil {
		t.Fatal("Submit of an empty action succeeded")
	}
	if tasks := q.Tasks(); len(tasks) != 0 {
		t.Errorf("tasks = %+v, want none", tasks)
	}
}

// gatedWriter holds SetEmails until release is closed, whatever the context.
type gatedWriter struct {
	started chan struct{}
	release chan struct{}
}

func (w *gatedWriter) SetEmails(ctx context.Context, patches []jmap.EmailPatch) error {
	close(w.started)
	<-w.release
	return nil
}

func TestCancel_WhileStopping(t *testing.T) {
	e := newEnv(t)
	w := &gatedWriter{started: make(chan struct{}), release: make(chan struct{})}
	q := e.queue(w, true)

	sent, err := q.Submit(e.ctx, cache.Archive("t-a"))
	testutil.MustNoErr(t, err, "Submit")
	select {
	case <-w.started:
	case <-time.After(5 * time.Second):
		t.Fatal("task never started")
	}
	queued, err := q.Submit(e.ctx, cache.Archive("t-b"))
	testutil.MustNoErr(t, err, "Submit")

	stopped := make(chan struct{})
	go func() {
		q.Stop()
		close(stopped)
	}()
	// Let Stop take the queued task before cancelling it.
	time.Sleep(50 * time.Millisecond)

	cancelled := make(chan error, 1)
	go func() { cancelled <- q.Cancel(e.ctx, queued) }()
	close(w.release)

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
	select {
	case err := <-cancelled:
		testutil.MustNoErr(t, err, "Cancel")
	case <-time.After(5 * time.Second):
		t.Fatal("Cancel did not return")
	}

	if task := e.wait(q, sent); task.Status != outbox.StatusDone {
		t.Errorf("sent task status = %s (%s), want done", task.Status, task.Error)
	}
	if task := e.wait(q, queued); task.Status != outbox.StatusCancelled {
		t.Errorf("queued task status = %s (%s), want cancelled", task.Status, task.Error)
	}
	if ow := e.mailboxOverwrites("t-b"); len(ow) != 0 {
		t.Errorf("mailbox overwrites of t-b = %v", ow)
	}
	// t-a stays hidden until the next query refresh.
	testutil.AssertStrings(t, e.threads(), "t-b")
}
