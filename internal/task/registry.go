package task

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/haojie06/sd-task-http/internal/logger"
	"github.com/haojie06/sd-task-http/internal/prompt"
)

const RestartFailureMessage = "interrupted by service restart"

// FlushInterval is how often RunJanitor retries terminal states the store refused.
const FlushInterval = 10 * time.Second

type entry struct {
	// mu serializes transitions of one task, readers only touch snapshot.
	mu       sync.Mutex
	snapshot atomic.Pointer[Task]
	// unsaved marks a terminal snapshot the store has not accepted yet.
	unsaved atomic.Bool
}

// Registry owns every task. A nil store keeps tasks in memory only.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	store  Store
	now    func() time.Time
	logger *logger.CustomLogger
}

type Option func(*Registry)

func WithStore(store Store) Option {
	return func(r *Registry) { r.store = store }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithLogger(l *logger.CustomLogger) Option {
	return func(r *Registry) { r.logger = l }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logger.NewCustomLogger().With("component", "task_registry")
	}
	return r
}

// Create stores a new pending task and returns its id.
func (r *Registry) Create(ctx context.Context, req prompt.Resolved) (string, error) {
	now := r.now().UTC()
	t := Task{
		ID:        uuid.New().String(),
		Status:    StatusPending,
		Request:   req,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if r.store != nil {
		if err := r.store.Save(ctx, t); err != nil {
			return "", fmt.Errorf("persist task %s: %w", t.ID, err)
		}
	}
	e := &entry{}
	e.snapshot.Store(&t)

	r.mu.Lock()
	r.entries[t.ID] = e
	r.mu.Unlock()
	return t.ID, nil
}

func (r *Registry) lookup(id string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// Get returns a copy of the latest committed state.
func (r *Registry) Get(id string) (Task, error) {
	e, ok := r.lookup(id)
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	return e.snapshot.Load().Clone(), nil
}

// Transition moves the task from one of from to to. The new state is persisted before
// readers can see it, except for terminal states: those are published even when the
// store fails and saved again by Flush. ErrConflict means the task was not in an
// expected state.
func (r *Registry) Transition(ctx context.Context, id string, from []Status, to Status, upd Update) (Task, error) {
	e, ok := r.lookup(id)
	if !ok {
		return Task{}, ErrTaskNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.snapshot.Load()
	if !containsStatus(from, cur.Status) || !canTransition(cur.Status, to) {
		return Task{}, fmt.Errorf("%w: task %s is %s, cannot move to %s", ErrConflict, id, cur.Status, to)
	}

	next := cur.Clone()
	next.Status = to
	if upd.ResultURLs != nil {
		next.ResultURLs = append([]string(nil), upd.ResultURLs...)
	}
	if upd.ErrorMessage != "" {
		next.ErrorMessage = upd.ErrorMessage
	}
	next.UpdatedAt = r.now().UTC()
	if next.UpdatedAt.Before(cur.UpdatedAt) {
		next.UpdatedAt = cur.UpdatedAt
	}
	if to.Terminal() {
		next.Request.InitImage = nil
	}

	if r.store != nil {
		if err := r.store.Save(ctx, next); err != nil {
			if !to.Terminal() {
				return Task{}, fmt.Errorf("persist task %s: %w", id, err)
			}
			r.logger.Warnf("task %s is %s but could not be persisted, will retry: %s", id, to, err)
			e.unsaved.Store(true)
		}
	}
	e.snapshot.Store(&next)
	return next.Clone(), nil
}

func containsStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Len is the number of tasks currently held.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Restore loads persisted tasks. Tasks a previous process left in processing can't
// resume, so they are failed. Pending ids come back oldest first for re-admission.
func (r *Registry) Restore(ctx context.Context) ([]string, error) {
	if r.store == nil {
		return nil, nil
	}
	tasks, err := r.store.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})

	var pending []string
	interrupted := 0
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range tasks {
		t := tasks[i]
		switch t.Status {
		case StatusProcessing:
			t.Status = StatusFailed
			t.ErrorMessage = RestartFailureMessage
			t.UpdatedAt = r.now().UTC()
			t.Request.InitImage = nil
			if err := r.store.Save(ctx, t); err != nil {
				return nil, fmt.Errorf("fail interrupted task %s: %w", t.ID, err)
			}
			interrupted++
		case StatusPending:
			pending = append(pending, t.ID)
		}
		e := &entry{}
		e.snapshot.Store(&t)
		r.entries[t.ID] = e
	}
	r.logger.Infof("restored %d tasks, %d pending, %d interrupted", len(tasks), len(pending), interrupted)
	return pending, nil
}

// Sweep evicts terminal tasks last updated more than retention ago. A zero retention
// keeps everything.
func (r *Registry) Sweep(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := r.now().UTC().Add(-retention)

	var candidates []string
	r.mu.RLock()
	for id, e := range r.entries {
		t := e.snapshot.Load()
		if t.Status.Terminal() && t.UpdatedAt.Before(cutoff) && !e.unsaved.Load() {
			candidates = append(candidates, id)
		}
	}
	r.mu.RUnlock()

	removed := 0
	for _, id := range candidates {
		if r.store != nil {
			if err := r.store.Delete(ctx, id); err != nil {
				return removed, fmt.Errorf("delete task %s: %w", id, err)
			}
		}
		r.mu.Lock()
		delete(r.entries, id)
		r.mu.Unlock()
		removed++
	}
	return removed, nil
}

// Flush saves terminal states the store refused earlier. It returns how many are
// still unsaved.
func (r *Registry) Flush(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	var entries []*entry
	r.mu.RLock()
	for _, e := range r.entries {
		if e.unsaved.Load() {
			entries = append(entries, e)
		}
	}
	r.mu.RUnlock()

	var errs []error
	left := 0
	for _, e := range entries {
		e.mu.Lock()
		if e.unsaved.Load() {
			t := e.snapshot.Load()
			if err := r.store.Save(ctx, *t); err != nil {
				errs = append(errs, fmt.Errorf("persist task %s: %w", t.ID, err))
				left++
			} else {
				e.unsaved.Store(false)
			}
		}
		e.mu.Unlock()
	}
	return left, errors.Join(errs...)
}

// Unsaved is the number of tasks whose latest state is not in the store yet.
func (r *Registry) Unsaved() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.entries {
		if e.unsaved.Load() {
			n++
		}
	}
	return n
}

// RunJanitor retries unsaved tasks every FlushInterval and, with a positive retention,
// sweeps expired tasks every interval until ctx is done.
func (r *Registry) RunJanitor(ctx context.Context, interval, retention time.Duration) {
	flush := time.NewTicker(FlushInterval)
	defer flush.Stop()
	var sweep <-chan time.Time
	if retention > 0 && interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		sweep = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-flush.C:
			if left, err := r.Flush(ctx); err != nil {
				r.logger.Warnf("%d tasks still unsaved: %s", left, err)
			}
		case <-sweep:
			n, err := r.Sweep(ctx, retention)
			if err != nil {
				r.logger.Warnf("task sweep failed after removing %d tasks: %s", n, err)
				continue
			}
			if n > 0 {
				r.logger.Infof("swept %d expired tasks", n)
			}
		}
	}
}
