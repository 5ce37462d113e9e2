package store_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/isabella232/lttrs-android-sub000/internal/jmap"
	"github.com/isabella232/lttrs-android-sub000/internal/store"
	"github.com/isabella232/lttrs-android-sub000/internal/testutil"
	"github.com/isabella232/lttrs-android-sub000/internal/testutil/storetest"
)

func TestOpen_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "accounts", "a1", "cache.db")
	st, err := store.Open(dbPath)
	testutil.MustNoErr(t, err, "Open")
	defer st.Close()

	testutil.MustNoErr(t, st.InitSchema(), "InitSchema")
	// Schema creation is idempotent.
	testutil.MustNoErr(t, st.InitSchema(), "InitSchema again")

	if st.Path() != dbPath {
		t.Errorf("Path() = %q, want %q", st.Path(), dbPath)
	}
}

func TestUpdate_RollsBackOnError(t *testing.T) {
	f := storetest.New(t)
	f.SetQuery(inbox, "s1", "A")

	boom := errors.New("boom")
	err := f.Store.Update(f.Ctx, func(tx *store.Tx) error {
		if err := tx.SetQueryResult(inbox, storetest.Items("X", "Y"), "s2", true); err != nil {
			return err
		}
		if err := tx.SetKeywordOverwrite("t-X", "$seen", true); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Update = %v, want boom", err)
	}

	testutil.AssertStrings(t, f.EmailIDs(inbox), "A")
	stats, err := f.Store.GetStats()
	testutil.MustNoErr(t, err, "GetStats")
	if stats.OverwriteCount != 0 {
		t.Errorf("OverwriteCount = %d after rollback, want 0", stats.OverwriteCount)
	}
}

func TestGetStats(t *testing.T) {
	f := storetest.New(t)
	f.SetQuery(inbox, "s1", "A", "B")
	f.SetQuery("flagged", "f1", "A")
	f.SeedMailboxes("m1", jmap.Mailbox{ID: "mb-inbox", Name: "Inbox", Role: "inbox"})
	f.SeedThread("t-A", storetest.Email("A", "t-A", []string{"mb-inbox"}))
	testutil.MustNoErr(t, f.Store.SetKeywordOverwrite(f.Ctx, "t-A", "$seen", true), "set overwrite")

	stats, err := f.Store.GetStats()
	testutil.MustNoErr(t, err, "GetStats")

	checks := []struct {
		name string
		got  int64
		want int64
	}{
		{"queries", stats.QueryCount, 2},
		{"query items", stats.QueryItemCount, 3},
		{"mailboxes", stats.MailboxCount, 1},
		{"threads", stats.ThreadCount, 1},
		{"emails", stats.EmailCount, 1},
		{"overwrites", stats.OverwriteCount, 1},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %d, want %d", c.name, c.got, c.want)
		}
	}
}
