// Package storetest provides a Fixture and helpers for tests that
// exercise the Store layer through its public API.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/isabella232/lttrs-android-sub000/internal/jmap"
	"github.com/isabella232/lttrs-android-sub000/internal/store"
	"github.com/isabella232/lttrs-android-sub000/internal/testutil"
)

// Fixture holds common test state for store-level tests.
type Fixture struct {
	T     *testing.T
	Ctx   context.Context
	Store *store.Store
}

// New creates a Fixture with a fresh test database.
func New(t *testing.T) *Fixture {
	t.Helper()
	return &Fixture{T: t, Ctx: context.Background(), Store: testutil.NewTestStore(t)}
}

// Item builds the query item for email id. Its thread is "t-" + id.
func Item(id string) jmap.QueryItem {
	return jmap.QueryItem{EmailID: id, ThreadID: "t-" + id}
}

// Items builds one query item per email id.
func Items(ids ...string) []jmap.QueryItem {
	out := make([]jmap.QueryItem, 0, len(ids))
	for _, id := range ids {
		out = append(out, Item(id))
	}
	return out
}

// Added builds the query diff entry that inserts id at index.
func Added(index int, id string) jmap.AddedItem {
	return jmap.AddedItem{Index: index, Item: Item(id)}
}

// SetQuery stores a full result for query at state.
func (f *Fixture) SetQuery(query, state string, ids ...string) {
	f.T.Helper()
	err := f.Store.SetQueryResult(f.Ctx, query, Items(ids...), state, true)
	testutil.MustNoErr(f.T, err, "SetQueryResult "+query)
}

// EmailIDs returns the email ids of query in position order, failing the
// test if the positions are not exactly 0..n-1.
func (f *Fixture) EmailIDs(query string) []string {
	f.T.Helper()
	items, err := f.Store.QueryItems(f.Ctx, query)
	testutil.MustNoErr(f.T, err, "QueryItems "+query)
	ids := make([]string, 0, len(items))
	for i, it := range items {
		if it.Position != i {
			f.T.Fatalf("query %s: item %s at position %d, want %d", query, it.EmailID, it.Position, i)
		}
		ids = append(ids, it.EmailID)
	}
	return ids
}

// Mailbox builds a mailbox. An empty role makes it a label.
func Mailbox(id, name, role string) jmap.Mailbox {
	return jmap.Mailbox{ID: id, Name: name, Role: role}
}

// Email builds an email in threadID that belongs to mailboxIDs and carries
// keywords.
func Email(id, threadID string, mailboxIDs []string, keywords ...string) jmap.Email {
	e := jmap.Email{
		ID:         id,
		ThreadID:   threadID,
		MailboxIDs: set(mailboxIDs),
		Keywords:   set(keywords),
		Subject:    "subject " + id,
		ReceivedAt: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC),
	}
	return e
}

func set(ids []string) map[string]bool {
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}

// SeedMailboxes replaces the stored mailboxes.
func (f *Fixture) SeedMailboxes(state string, list ...jmap.Mailbox) {
	f.T.Helper()
	err := f.Store.Update(f.Ctx, func(tx *store.Tx) error {
		_, err := tx.ReplaceMailboxes(list, state)
		return err
	})
	testutil.MustNoErr(f.T, err, "ReplaceMailboxes")
}

// SeedThread stores a thread made of emails, at thread and email state
// "s0".
func (f *Fixture) SeedThread(threadID string, list ...jmap.Email) {
	f.T.Helper()
	ids := make([]string, 0, len(list))
	for _, e := range list {
		ids = append(ids, e.ID)
	}
	err := f.Store.Update(f.Ctx, func(tx *store.Tx) error {
		if err := tx.PutThreads([]jmap.Thread{{ID: threadID, EmailIDs: ids}}, "s0"); err != nil {
			return err
		}
		return tx.PutEmails(list, "s0")
	})
	testutil.MustNoErr(f.T, err, "SeedThread "+threadID)
}
