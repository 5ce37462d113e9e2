// Package scheduler syncs accounts on cron schedules. A tick is skipped
// while the account still has actions waiting in its outbox: every action
// the server accepts is followed by a sync of its own.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/isabella232/lttrs-android-sub000/internal/config"
	syncer "github.com/isabella232/lttrs-android-sub000/internal/sync"
	"github.com/robfig/cron/v3"
)

var (
	// ErrStopped is returned by TriggerSync after Stop.
	ErrStopped = errors.New("scheduler stopped")

	// ErrNotScheduled is returned for accounts without a schedule.
	ErrNotScheduled = errors.New("account not scheduled")

	// ErrSyncRunning is returned when the account is already syncing.
	ErrSyncRunning = errors.New("sync already running")
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// SyncFunc syncs one account and returns what the run did.
type SyncFunc func(ctx context.Context, accountID string) (*syncer.Summary, error)

// BusyFunc reports whether an account has unsent actions.
type BusyFunc func(accountID string) bool

// AccountStatus is the schedule and last outcome of one account.
type AccountStatus struct {
	Account      string          `json:"account"`
	Schedule     string          `json:"schedule"`
	Running      bool            `json:"running"`
	NextRun      time.Time       `json:"next_run"`
	LastRun      time.Time       `json:"last_run,omitempty"`
	LastError    string          `json:"last_error,omitempty"`
	LastSummary  *syncer.Summary `json:"last_summary,omitempty"`
	SkippedTicks int             `json:"skipped_ticks,omitempty"` // since the last completed sync
}

type job struct {
	entry    cron.EntryID
	schedule string
	running  bool
	lastRun  time.Time
	lastErr  error
	summary  *syncer.Summary
	skipped  int
}

// Scheduler runs account syncs on cron schedules, at most one per account
// at a time.
type Scheduler struct {
	cron   *cron.Cron
	sync   SyncFunc
	busy   BusyFunc
	logger *slog.Logger

	mu      sync.RWMutex
	jobs    map[string]*job
	started bool
	stopped bool

	ctx    context.Context // cancelled on Stop
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Scheduler that syncs through fn.
func New(fn SyncFunc) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(cron.WithParser(parser)),
		sync:   fn,
		logger: slog.Default(),
		jobs:   make(map[string]*job),
		ctx:    ctx,
		cancel: cancel,
	}
}

// WithLogger sets the logger.
func (s *Scheduler) WithLogger(logger *slog.Logger) *Scheduler {
	s.logger = logger
	return s
}

// WithBusy makes cron ticks skip accounts for which fn reports unsent
// actions. Manual triggers are not affected.
func (s *Scheduler) WithBusy(fn BusyFunc) *Scheduler {
	s.busy = fn
	return s
}

// AddAccount schedules id on cronExpr, replacing an earlier schedule. The
// outcome of earlier runs is kept.
func (s *Scheduler) AddAccount(id, cronExpr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.cron.AddFunc(cronExpr, func() { s.tick(id) })
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}
	j, ok := s.jobs[id]
	if ok {
		s.cron.Remove(j.entry)
	} else {
		j = &job{}
		s.jobs[id] = j
	}
	j.entry, j.schedule = entry, cronExpr

	s.logger.Info("scheduled sync", "account", id, "schedule", cronExpr, "next_run", s.cron.Entry(entry).Next)
	return nil
}

// AddAccountsFromConfig schedules every enabled account that has a
// schedule. It returns how many were scheduled and the per-account errors.
func (s *Scheduler) AddAccountsFromConfig(cfg *config.Config) (int, []error) {
	var errs []error
	n := 0
	for _, acc := range cfg.ScheduledAccounts() {
		if err := s.AddAccount(acc.ID, acc.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", acc.ID, err))
			continue
		}
		n++
	}
	return n, errs
}

// RemoveAccount drops the schedule of id. A sync already running finishes.
func (s *Scheduler) RemoveAccount(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		s.cron.Remove(j.entry)
		delete(s.jobs, id)
		s.logger.Info("removed schedule", "account", id)
	}
}

// Start begins firing schedules.
func (s *Scheduler) Start() {
	s.mu.Lock()
	s.started = true
	n := len(s.jobs)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started", "accounts", n)
}

// IsRunning reports whether the scheduler was started and not stopped.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started && !s.stopped
}

// Stop stops firing schedules and cancels running syncs. The returned
// context is done once every sync has returned.
func (s *Scheduler) Stop() context.Context {
	s.logger.Info("scheduler stopping")
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	cronCtx := s.cron.Stop()
	s.cancel()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-cronCtx.Done()
		s.wg.Wait()
		cancel()
	}()
	return ctx
}

// IsScheduled reports whether id has a schedule.
func (s *Scheduler) IsScheduled(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.jobs[id]
	return ok
}

// TriggerSync starts a sync of id in the background, outside its
// schedule.
func (s *Scheduler) TriggerSync(id string) error {
	j, err := s.begin(id)
	if err != nil {
		return fmt.Errorf("trigger %s: %w", id, err)
	}
	go s.run(id, j)
	return nil
}

// tick runs on the schedule of id.
func (s *Scheduler) tick(id string) {
	if s.busy != nil && s.busy(id) {
		s.mu.Lock()
		if j, ok := s.jobs[id]; ok {
			j.skipped++
		}
		s.mu.Unlock()
		s.logger.Info("skipping scheduled sync, actions pending", "account", id)
		return
	}
	j, err := s.begin(id)
	if err != nil {
		s.logger.Debug("scheduled sync not started", "account", id, "reason", err)
		return
	}
	s.run(id, j)
}

// begin marks id as running. The caller must call run.
func (s *Scheduler) begin(id string) (*job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, ErrStopped
	}
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotScheduled
	}
	if j.running {
		return nil, ErrSyncRunning
	}
	j.running = true
	s.wg.Add(1)
	return j, nil
}

func (s *Scheduler) run(id string, j *job) {
	defer s.wg.Done()

	s.logger.Info("starting scheduled sync", "account", id)
	start := time.Now()
	summary, err := s.sync(s.ctx, id)

	s.mu.Lock()
	j.running = false
	j.lastErr = err
	if err == nil {
		j.lastRun = time.Now()
		j.summary = summary
		j.skipped = 0
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("scheduled sync failed", "account", id, "duration", time.Since(start), "error", err)
		return
	}
	attrs := []any{"account", id, "duration", time.Since(start)}
	if summary != nil {
		attrs = append(attrs, "added", summary.ItemsAdded, "removed", summary.ItemsRemoved)
	}
	s.logger.Info("scheduled sync completed", attrs...)
}

// Status lists every scheduled account, ordered by id.
func (s *Scheduler) Status() []AccountStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]AccountStatus, 0, len(s.jobs))
	for id, j := range s.jobs {
		st := AccountStatus{
			Account:      id,
			Schedule:     j.schedule,
			Running:      j.running,
			NextRun:      s.cron.Entry(j.entry).Next,
			LastRun:      j.lastRun,
			LastSummary:  j.summary,
			SkippedTicks: j.skipped,
		}
		if j.lastErr != nil {
			st.LastError = j.lastErr.Error()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Account < out[b].Account })
	return out
}

// ValidateCronExpr checks a schedule without adding it.
func ValidateCronExpr(expr string) error {
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}
