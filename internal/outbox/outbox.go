// Package outbox executes user actions against the server in submission
// order. An action is applied to the local cache before it is queued, so
// the UI reflects it immediately; the worker then sends it and confirms or
// rolls back the overwrites it wrote.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/isabella232/lttrs-android-sub000/internal/cache"
	"github.com/isabella232/lttrs-android-sub000/internal/jmap"
)

var (
	// ErrStopped is returned by Submit once the queue was stopped.
	ErrStopped = errors.New("outbox stopped")

	// ErrUnknownTask is returned for ids that are not queued, running or in
	// the recent history.
	ErrUnknownTask = errors.New("unknown task")

	// ErrAlreadySent is returned by Cancel when the server accepted the
	// action before the cancellation took effect.
	ErrAlreadySent = errors.New("task already sent")
)

// historySize bounds how many finished tasks are kept for status lookups.
const historySize = 100

// Status is the lifecycle state of a task.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Final reports whether the task has finished.
func (s Status) Final() bool {
	return s == StatusDone || s == StatusFailed || s == StatusCancelled
}

// Task is a snapshot of a submitted action.
type Task struct {
	ID         string       `json:"id"`
	Action     cache.Action `json:"action"`
	Status     Status       `json:"status"`
	Error      string       `json:"error,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	FinishedAt time.Time    `json:"finished_at,omitempty"`
}

type task struct {
	Task
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

// RefreshFunc runs after the server accepted an action and before its
// overwrites are confirmed, typically a sync of the affected queries.
type RefreshFunc func(ctx context.Context) error

// Queue is the mutation outbox of one account.
type Queue struct {
	engine  *cache.Engine
	client  jmap.EmailWriter
	logger  *slog.Logger
	refresh RefreshFunc

	submitMu sync.Mutex // orders Apply, Confirm and Rollback with enqueueing

	mu      sync.Mutex
	pending []*task
	order   []*task // every tracked task, in submission order
	tasks   map[string]*task
	wake    chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped bool
}

// New creates a Queue. Call Start to begin sending.
func New(engine *cache.Engine, client jmap.EmailWriter) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		engine: engine,
		client: client,
		logger: slog.Default(),
		tasks:  make(map[string]*task),
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}
}

// WithLogger sets the logger.
func (q *Queue) WithLogger(logger *slog.Logger) *Queue {
	q.logger = logger
	return q
}

// WithRefresh sets the hook run between a successful send and Confirm.
func (q *Queue) WithRefresh(fn RefreshFunc) *Queue {
	q.refresh = fn
	return q
}

// Start launches the worker. It is a no-op after the first call or after
// Stop.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.stopped {
		return
	}
	q.started = true
	q.wg.Add(1)
	go q.loop()
}

// Stop cancels the running task, waits for the worker to exit and rolls
// back every task still queued.
func (q *Queue) Stop() {
	q.submitMu.Lock()
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		q.submitMu.Unlock()
		return
	}
	q.stopped = true
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()
	q.submitMu.Unlock()

	q.cancel()
	q.wg.Wait()

	for _, t := range pending {
		_ = q.abort(context.Background(), t, StatusCancelled, nil)
	}
}

// Submit applies a to the cache and queues it for sending. It returns the
// task id.
func (q *Queue) Submit(ctx context.Context, a cache.Action) (string, error) {
	q.submitMu.Lock()
	defer q.submitMu.Unlock()

	q.mu.Lock()
	stopped := q.stopped
	q.mu.Unlock()
	if stopped {
		return "", ErrStopped
	}

	if err := q.engine.Apply(ctx, a); err != nil {
		return "", fmt.Errorf("apply action: %w", err)
	}

	t := &task{
		Task: Task{
			ID:        uuid.NewString(),
			Action:    a,
			Status:    StatusQueued,
			CreatedAt: time.Now(),
		},
		done: make(chan struct{}),
	}
	q.mu.Lock()
	q.pending = append(q.pending, t)
	q.order = append(q.order, t)
	q.tasks[t.ID] = t
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	q.logger.Debug("action queued", "task", t.ID, "threads", len(a.ThreadIDs))
	return t.ID, nil
}

// Cancel removes a queued task, or interrupts the running one, and rolls
// back its overwrites. A running task that already reached the server
// completes anyway and Cancel returns ErrAlreadySent. The rollback of a
// queued task runs to completion even if ctx is already done.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	q.mu.Lock()
	t, ok := q.tasks[id]
	if !ok || t.Status.Final() {
		q.mu.Unlock()
		return fmt.Errorf("cancel %s: %w", id, ErrUnknownTask)
	}

	if t.Status == StatusRunning {
		t.cancel()
		q.mu.Unlock()
		got, err := q.Wait(ctx, id)
		if err != nil {
			return err
		}
		return cancelResult(got)
	}

	queued := false
	for i, p := range q.pending {
		if p == t {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			queued = true
			break
		}
	}
	q.mu.Unlock()

	if !queued {
		// Stop already took the task and rolls it back.
		got, err := q.Wait(ctx, id)
		if err != nil {
			return err
		}
		return cancelResult(got)
	}
	if err := q.abort(context.WithoutCancel(ctx), t, StatusCancelled, nil); err != nil {
		return fmt.Errorf("cancel %s: %w", id, err)
	}
	return nil
}

func cancelResult(t Task) error {
	switch t.Status {
	case StatusDone:
		return fmt.Errorf("cancel %s: %w", t.ID, ErrAlreadySent)
	case StatusFailed:
		return fmt.Errorf("cancel %s: %s", t.ID, t.Error)
	}
	return nil
}


// Wait blocks until the task finished and returns its final snapshot.
func (q *Queue) Wait(ctx context.Context, id string) (Task, error) {
	q.mu.Lock()
	t, ok := q.tasks[id]
	q.mu.Unlock()
	if !ok {
		return Task{}, fmt.Errorf("wait for %s: %w", id, ErrUnknownTask)
	}

	select {
	case <-t.done:
	case <-ctx.Done():
		return Task{}, ctx.Err()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return t.Task, nil
}

// Busy reports whether a task is queued or running.
func (q *Queue) Busy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.order {
		if !t.Status.Final() {
			return true
		}
	}
	return false
}

// Tasks lists queued, running and recently finished tasks in submission
// order.
func (q *Queue) Tasks() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, 0, len(q.order))
	for _, t := range q.order {
		out = append(out, t.Task)
	}
	return out
}

func (q *Queue) loop() {
	defer q.wg.Done()
	for {
		if q.ctx.Err() != nil {
			return
		}
		t := q.next()
		if t == nil {
			select {
			case <-q.ctx.Done():
				return
			case <-q.wake:
			}
			continue
		}
		q.run(t)
	}
}

func (q *Queue) next() *task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	t := q.pending[0]
	q.pending = q.pending[1:]
	t.Status = StatusRunning
	t.ctx, t.cancel = context.WithCancel(q.ctx)
	return t
}

func (q *Queue) run(t *task) {
	defer t.cancel()

	if err := q.send(t.ctx, t.Action); err != nil {
		status := StatusFailed
		if t.ctx.Err() != nil {
			status = StatusCancelled
		}
		q.logger.Warn("action failed, rolling back", "task", t.ID, "error", err)
		_ = q.abort(context.WithoutCancel(t.ctx), t, status, err)
		return
	}

	if q.refresh != nil {
		if err := q.refresh(t.ctx); err != nil {
			q.logger.Warn("refresh after action failed", "task", t.ID, "error", err)
		}
	}
	q.submitMu.Lock()
	defer q.submitMu.Unlock()
	// The server has the change; confirming must survive cancellation.
	if err := q.engine.Confirm(context.WithoutCancel(t.ctx), t.Action); err != nil {
		q.logger.Error("failed to confirm action", "task", t.ID, "error", err)
		q.finish(t, StatusFailed, err)
		return
	}
	q.finish(t, StatusDone, nil)
}

func (q *Queue) send(ctx context.Context, a cache.Action) error {
	patches, err := q.engine.Patches(ctx, a)
	if err != nil {
		return fmt.Errorf("build patches: %w", err)
	}
	if len(patches) == 0 {
		return nil
	}
	if err := q.client.SetEmails(ctx, patches); err != nil {
		return fmt.Errorf("set emails: %w", err)
	}
	return nil
}

// abort rolls back t and finishes it with status. The overwrites of the
// other unfinished tasks are kept. A failed rollback finishes t as failed
// and is returned.
func (q *Queue) abort(ctx context.Context, t *task, status Status, cause error) error {
	q.submitMu.Lock()
	defer q.submitMu.Unlock()

	q.mu.Lock()
	var live []cache.Action
	for _, o := range q.order {
		if o != t && !o.Status.Final() {
			live = append(live, o.Action)
		}
	}
	q.mu.Unlock()

	if err := q.engine.Rollback(ctx, t.Action, live...); err != nil {
		q.logger.Error("failed to roll back action", "task", t.ID, "error", err)
		err = fmt.Errorf("roll back: %w", err)
		q.finish(t, StatusFailed, errors.Join(cause, err))
		return err
	}
	q.finish(t, status, cause)
	return nil
}

// finish records the outcome once; later calls are ignored.
func (q *Queue) finish(t *task, status Status, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	t.Status = status
	if err != nil {
		t.Error = err.Error()
	}
	t.FinishedAt = time.Now()
	close(t.done)
	q.trim()
}

// trim drops the oldest finished tasks beyond historySize.
func (q *Queue) trim() {
	finished := 0
	for _, t := range q.order {
		if t.Status.Final() {
			finished++
		}
	}
	drop := finished - historySize
	if drop <= 0 {
		return
	}
	kept := q.order[:0]
	for _, t := range q.order {
		if drop > 0 && t.Status.Final() {
			delete(q.tasks, t.ID)
			drop--
			continue
		}
		kept = append(kept, t)
	}
	q.order = kept
}
