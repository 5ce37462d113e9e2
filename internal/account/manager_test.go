package account

import (
	"context"
	"errors"
	"testing"

	"github.com/isabella232/lttrs-android-sub000/internal/config"
	"github.com/isabella232/lttrs-android-sub000/internal/testutil"
)

func newTestManager(t *testing.T) (*Manager, map[string]int) {
	t.Helper()
	cfg := &config.Config{Accounts: []config.AccountConfig{
		{ID: "work", SessionURL: "https://jmap.example.com"},
		{ID: "home", SessionURL: "https://mail.example.org"},
	}}
	opened := make(map[string]int)
	m := NewManager(cfg, testLogger()).WithOpener(func(acc config.AccountConfig) (*Account, error) {
		opened[acc.ID]++
		return New(acc, testutil.NewTestStore(t), newMock(), nil, testLogger()), nil
	})
	t.Cleanup(func() { _ = m.Close() })
	return m, opened
}

func TestManager_IDs(t *testing.T) {
	m, _ := newTestManager(t)
	testutil.AssertStrings(t, m.IDs(), "work", "home")
}

func TestManager_GetOpensOnce(t *testing.T) {
	m, opened := newTestManager(t)

	first, err := m.Get("work")
	testutil.MustNoErr(t, err, "Get")
	second, err := m.Get("work")
	testutil.MustNoErr(t, err, "second Get")

	if first != second {
		t.Error("Get returned a different account for the same id")
	}
	if opened["work"] != 1 {
		t.Errorf("opened work %d times, want 1", opened["work"])
	}
	if opened["home"] != 0 {
		t.Errorf("opened home %d times, want 0", opened["home"])
	}
}

func TestManager_GetUnknown(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.Get("missing"); !errors.Is(err, ErrUnknownAccount) {
		t.Errorf("Get(missing) = %v, want ErrUnknownAccount", err)
	}
}

func TestManager_OpenError(t *testing.T) {
	cfg := &config.Config{Accounts: []config.AccountConfig{{ID: "work"}}}
	boom := errors.New("boom")
	m := NewManager(cfg, testLogger()).WithOpener(func(config.AccountConfig) (*Account, error) {
		return nil, boom
	})
	if _, err := m.Get("work"); !errors.Is(err, boom) {
		t.Errorf("Get() = %v, want %v", err, boom)
	}
}

func TestManager_Sync(t *testing.T) {
	m, _ := newTestManager(t)

	summary, err := m.Sync(context.Background(), "home")
	testutil.MustNoErr(t, err, "Sync")
	a, err := m.Get("home")
	testutil.MustNoErr(t, err, "Get")
	if last, _ := a.LastSync(); last == nil || last != summary {
		t.Errorf("LastSync() = %+v, want the returned summary %+v", last, summary)
	}
	if _, err := m.Sync(context.Background(), "missing"); !errors.Is(err, ErrUnknownAccount) {
		t.Errorf("Sync(missing) = %v, want ErrUnknownAccount", err)
	}
}

func TestManager_BusyDoesNotOpen(t *testing.T) {
	m, opened := newTestManager(t)

	if m.Busy("work") {
		t.Error("Busy(work) = true for an account that is not open")
	}
	if opened["work"] != 0 {
		t.Errorf("Busy opened work %d times", opened["work"])
	}
	_, err := m.Get("work")
	testutil.MustNoErr(t, err, "Get")
	if m.Busy("work") {
		t.Error("Busy(work) = true with an empty outbox")
	}
}

func TestManager_Close(t *testing.T) {
	m, _ := newTestManager(t)
	a, err := m.Get("work")
	testutil.MustNoErr(t, err, "Get")

	testutil.MustNoErr(t, m.Close(), "Close")
	if _, err := a.Sync(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("account Sync after manager Close = %v, want ErrClosed", err)
	}
	if _, err := m.Get("work"); !errors.Is(err, ErrClosed) {
		t.Errorf("Get after Close = %v, want ErrClosed", err)
	}
}
