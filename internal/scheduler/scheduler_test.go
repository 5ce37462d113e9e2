package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/isabella232/lttrs-android-sub000/internal/config"
	syncer "github.com/isabella232/lttrs-android-sub000/internal/sync"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeAccounts answers syncs with a fresh summary per call, or with err.
type fakeAccounts struct {
	mu    sync.Mutex
	calls map[string]int
	err   error
	busy  map[string]bool
}

func newFakeAccounts() *fakeAccounts {
	return &fakeAccounts{calls: make(map[string]int), busy: make(map[string]bool)}
}

func (f *fakeAccounts) Sync(ctx context.Context, id string) (*syncer.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[id]++
	if f.err != nil {
		return nil, f.err
	}
	return &syncer.Summary{QueriesIncremental: 1, ItemsAdded: f.calls[id]}, nil
}

func (f *fakeAccounts) Busy(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.busy[id]
}

func (f *fakeAccounts) setBusy(id string, busy bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.busy[id] = busy
}

func (f *fakeAccounts) callCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func newTestScheduler(t *testing.T, fn SyncFunc) *Scheduler {
	t.Helper()
	s := New(fn).WithLogger(testLogger())
	t.Cleanup(func() { <-s.Stop().Done() })
	return s
}

func status(t *testing.T, s *Scheduler, id string) AccountStatus {
	t.Helper()
	for _, st := range s.Status() {
		if st.Account == id {
			return st
		}
	}
	t.Fatalf("%s is not scheduled", id)
	return AccountStatus{}
}

// waitIdle waits until no sync of id is running.
func waitIdle(t *testing.T, s *Scheduler, id string) AccountStatus {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if st := status(t, s, id); !st.Running {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("sync of %s still running", id)
	return AccountStatus{}
}

func TestTriggerSync_RecordsSummary(t *testing.T) {
	accounts := newFakeAccounts()
	s := newTestScheduler(t, accounts.Sync)
	if err := s.AddAccount("work", "0 2 * * *"); err != nil {
		t.Fatalf("AddAccount: %v", err)
	}

	if err := s.TriggerSync("work"); err != nil {
		t.Fatalf("TriggerSync: %v", err)
	}
	st := waitIdle(t, s, "work")
	if st.LastRun.IsZero() || st.LastError != "" {
		t.Errorf("status = %+v, want a successful run", st)
	}
	if st.LastSummary == nil || st.LastSummary.ItemsAdded != 1 {
		t.Errorf("LastSummary = %+v, want the first run's summary", st.LastSummary)
	}
}

func TestTriggerSync_FailureKeepsLastSummary(t *testing.T) {
	accounts := newFakeAccounts()
	s := newTestScheduler(t, accounts.Sync)
	if err := s.AddAccount("work", "0 2 * * *"); err != nil {
		t.Fatalf("AddAccount: %v", err)
	}
	if err := s.TriggerSync("work"); err != nil {
		t.Fatalf("TriggerSync: %v", err)
	}
	first := waitIdle(t, s, "work")

	accounts.mu.Lock()
	accounts.err = errors.New("session expired")
	accounts.mu.Unlock()
	if err := s.TriggerSync("work"); err != nil {
		t.Fatalf("second TriggerSync: %v", err)
	}
	st := waitIdle(t, s, "work")
	if st.LastError != "session expired" {
		t.Errorf("LastError = %q, want session expired", st.LastError)
	}
	if st.LastSummary != first.LastSummary || !st.LastRun.Equal(first.LastRun) {
		t.Errorf("a failed run replaced the last successful outcome: %+v", st)
	}
}

func TestTriggerSync_Errors(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	s := newTestScheduler(t, func(ctx context.Context, id string) (*syncer.Summary, error) {
		started <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return &syncer.Summary{}, nil
	})
	if err := s.AddAccount("work", "0 2 * * *"); err != nil {
		t.Fatalf("AddAccount: %v", err)
	}

	if err := s.TriggerSync("home"); !errors.Is(err, ErrNotScheduled) {
		t.Errorf("TriggerSync(home) = %v, want ErrNotScheduled", err)
	}
	if err := s.TriggerSync("work"); err != nil {
		t.Fatalf("TriggerSync: %v", err)
	}
	<-started
	if err := s.TriggerSync("work"); !errors.Is(err, ErrSyncRunning) {
		t.Errorf("TriggerSync while running = %v, want ErrSyncRunning", err)
	}
	close(release)
	waitIdle(t, s, "work")

	s.Stop()
	if err := s.TriggerSync("work"); !errors.Is(err, ErrStopped) {
		t.Errorf("TriggerSync after Stop = %v, want ErrStopped", err)
	}
}

func TestTick_SkipsWhileActionsPending(t *testing.T) {
	accounts := newFakeAccounts()
	s := newTestScheduler(t, accounts.Sync)
	s.WithBusy(accounts.Busy)
	if err := s.AddAccount("work", "0 2 * * *"); err != nil {
		t.Fatalf("AddAccount: %v", err)
	}

	accounts.setBusy("work", true)
	s.tick("work")
	s.tick("work")
	if n := accounts.callCount("work"); n != 0 {
		t.Fatalf("synced %d times with actions pending", n)
	}
	if st := status(t, s, "work"); st.SkippedTicks != 2 {
		t.Errorf("SkippedTicks = %d, want 2", st.SkippedTicks)
	}

	// Manual triggers ignore the outbox.
	if err := s.TriggerSync("work"); err != nil {
		t.Fatalf("TriggerSync: %v", err)
	}
	waitIdle(t, s, "work")
	if n := accounts.callCount("work"); n != 1 {
		t.Fatalf("calls after trigger = %d, want 1", n)
	}

	accounts.setBusy("work", false)
	s.tick("work")
	st := status(t, s, "work")
	if accounts.callCount("work") != 2 || st.SkippedTicks != 0 {
		t.Errorf("after an idle tick: calls = %d, skipped = %d, want 2 and 0", accounts.callCount("work"), st.SkippedTicks)
	}
	if st.LastSummary == nil || st.LastSummary.ItemsAdded != 2 {
		t.Errorf("LastSummary = %+v, want the second run's", st.LastSummary)
	}
}

func TestTick_DoesNotOverlapRunningSync(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	s := newTestScheduler(t, func(ctx context.Context, id string) (*syncer.Summary, error) {
		calls.Add(1)
		<-release
		return nil, nil
	})
	if err := s.AddAccount("work", "0 2 * * *"); err != nil {
		t.Fatalf("AddAccount: %v", err)
	}
	if err := s.TriggerSync("work"); err != nil {
		t.Fatalf("TriggerSync: %v", err)
	}
	for !status(t, s, "work").Running {
		time.Sleep(time.Millisecond)
	}

	s.tick("work") // returns at once
	close(release)
	waitIdle(t, s, "work")
	if n := calls.Load(); n != 1 {
		t.Errorf("sync calls = %d, want 1", n)
	}
}

func TestStop_CancelsRunningSync(t *testing.T) {
	started := make(chan struct{})
	s := New(func(ctx context.Context, id string) (*syncer.Summary, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}).WithLogger(testLogger())
	if err := s.AddAccount("work", "0 2 * * *"); err != nil {
		t.Fatalf("AddAccount: %v", err)
	}
	s.Start()
	if !s.IsRunning() {
		t.Error("IsRunning() = false after Start")
	}
	if err := s.TriggerSync("work"); err != nil {
		t.Fatalf("TriggerSync: %v", err)
	}
	<-started

	select {
	case <-s.Stop().Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not wait for the sync to return")
	}
	if s.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
	if st := status(t, s, "work"); st.Running || st.LastError != context.Canceled.Error() {
		t.Errorf("status = %+v, want a cancelled run", st)
	}
}

func TestAddAccount_ReplaceKeepsOutcome(t *testing.T) {
	accounts := newFakeAccounts()
	s := newTestScheduler(t, accounts.Sync)
	if err := s.AddAccount("work", "0 2 * * *"); err != nil {
		t.Fatalf("AddAccount: %v", err)
	}
	if err := s.TriggerSync("work"); err != nil {
		t.Fatalf("TriggerSync: %v", err)
	}
	before := waitIdle(t, s, "work")

	if err := s.AddAccount("work", "*/15 * * * *"); err != nil {
		t.Fatalf("AddAccount replacement: %v", err)
	}
	if err := s.AddAccount("work", "every tuesday"); err == nil {
		t.Error("AddAccount with an invalid expression succeeded")
	}
	after := status(t, s, "work")
	if after.Schedule != "*/15 * * * *" {
		t.Errorf("Schedule = %q, want the valid replacement", after.Schedule)
	}
	if after.LastSummary != before.LastSummary {
		t.Error("replacing the schedule dropped the last summary")
	}
	if n := len(s.Status()); n != 1 {
		t.Errorf("%d statuses, want 1", n)
	}
}

func TestAddAccountsFromConfig(t *testing.T) {
	s := newTestScheduler(t, newFakeAccounts().Sync)
	cfg := &config.Config{Accounts: []config.AccountConfig{
		{ID: "work", Schedule: "*/5 * * * *", Enabled: true},
		{ID: "home", Schedule: "0 * * * *", Enabled: true},
		{ID: "old", Schedule: "0 3 * * *", Enabled: false},
		{ID: "manual", Enabled: true},
		{ID: "broken", Schedule: "61 * * * *", Enabled: true},
	}}

	n, errs := s.AddAccountsFromConfig(cfg)
	if n != 2 || len(errs) != 1 {
		t.Fatalf("scheduled %d with errors %v, want 2 and one error", n, errs)
	}
	var ids []string
	for _, st := range s.Status() {
		ids = append(ids, st.Account)
	}
	if len(ids) != 2 || ids[0] != "home" || ids[1] != "work" {
		t.Errorf("scheduled = %v, want [home work] in id order", ids)
	}
	for _, id := range []string{"old", "manual", "broken"} {
		if s.IsScheduled(id) {
			t.Errorf("%s should not be scheduled", id)
		}
	}
}

func TestRemoveAccount(t *testing.T) {
	s := newTestScheduler(t, newFakeAccounts().Sync)
	if err := s.AddAccount("work", "0 2 * * *"); err != nil {
		t.Fatalf("AddAccount: %v", err)
	}
	s.RemoveAccount("work")
	s.RemoveAccount("never-added")

	if s.IsScheduled("work") {
		t.Error("work still scheduled")
	}
	if err := s.TriggerSync("work"); !errors.Is(err, ErrNotScheduled) {
		t.Errorf("TriggerSync after removal = %v, want ErrNotScheduled", err)
	}
}

func TestStatus_NextRunOnceStarted(t *testing.T) {
	s := newTestScheduler(t, newFakeAccounts().Sync)
	if err := s.AddAccount("work", "*/5 * * * *"); err != nil {
		t.Fatalf("AddAccount: %v", err)
	}
	s.Start()

	st := status(t, s, "work")
	if st.NextRun.IsZero() || !st.NextRun.After(time.Now()) {
		t.Errorf("NextRun = %v, want a future time", st.NextRun)
	}
	if st.Running || st.LastSummary != nil {
		t.Errorf("status before any run = %+v", st)
	}
}

func TestValidateCronExpr(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"*/5 * * * *", false},
		{"0 8,18 * * 1-5", false},
		{"", true},
		{"* * * *", true},
		{"0 0 * * * *", true},
		{"61 * * * *", true},
	}
	for _, tt := range tests {
		if err := ValidateCronExpr(tt.expr); (err != nil) != tt.wantErr {
			t.Errorf("ValidateCronExpr(%q) = %v, wantErr %v", tt.expr, err, tt.wantErr)
		}
	}
}
