package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haojie06/sd-task-http/internal/prompt"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type mockStore struct {
	SaveFunc    func(ctx context.Context, t Task) error
	LoadAllFunc func(ctx context.Context) ([]Task, error)
	DeleteFunc  func(ctx context.Context, id string) error
}

func (m *mockStore) Save(ctx context.Context, t Task) error {
	if m.SaveFunc != nil {
		return m.SaveFunc(ctx, t)
	}
	return nil
}

func (m *mockStore) LoadAll(ctx context.Context) ([]Task, error) {
	if m.LoadAllFunc != nil {
		return m.LoadAllFunc(ctx)
	}
	return nil, nil
}

func (m *mockStore) Delete(ctx context.Context, id string) error {
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, id)
	}
	return nil
}

func (m *mockStore) Close() error { return nil }

func resolved() prompt.Resolved {
	return prompt.Resolved{Prompt: "a cat", Mode: prompt.ModeText2Img, NumImages: 1, OutputFormat: "png"}
}

func TestCreateThenGetIsPending(t *testing.T) {
	r := NewRegistry()
	id, err := r.Create(context.Background(), resolved())
	require.NoError(t, err)

	got, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, got.CreatedAt, got.UpdatedAt)
	assert.Equal(t, "a cat", got.Request.Prompt)
	assert.Empty(t, got.ResultURLs)
}

func TestGetUnknown(t *testing.T) {
	_, err := NewRegistry().Get("missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestConcurrentCreateUniqueIDs(t *testing.T) {
	r := NewRegistry()
	const n = 200
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := r.Create(context.Background(), resolved())
			assert.NoError(t, err)
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]struct{})
	for id := range ids {
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, n)
	assert.Equal(t, n, r.Len())
}

func TestStateMachine(t *testing.T) {
	tests := []struct {
		name string
		path []Status
		ok   []bool
	}{
		{"happy completed", []Status{StatusProcessing, StatusCompleted}, []bool{true, true}},
		{"happy failed", []Status{StatusProcessing, StatusFailed}, []bool{true, true}},
		{"pending to completed", []Status{StatusCompleted}, []bool{false}},
		{"pending to failed", []Status{StatusFailed}, []bool{false}},
		{"terminal is final", []Status{StatusProcessing, StatusFailed, StatusCompleted}, []bool{true, true, false}},
		{"double claim", []Status{StatusProcessing, StatusProcessing}, []bool{true, false}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			id, err := r.Create(context.Background(), resolved())
			require.NoError(t, err)
			all := []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed}
			for i, to := range tt.path {
				_, err := r.Transition(context.Background(), id, all, to, Update{})
				if tt.ok[i] {
					require.NoError(t, err)
				} else {
					require.ErrorIs(t, err, ErrConflict)
				}
			}
		})
	}
}

func TestTransitionRequiresExpectedFromState(t *testing.T) {
	r := NewRegistry()
	id, _ := r.Create(context.Background(), resolved())

	_, err := r.Transition(context.Background(), id, []Status{StatusProcessing}, StatusCompleted, Update{})
	assert.ErrorIs(t, err, ErrConflict)

	got, _ := r.Get(id)
	assert.Equal(t, StatusPending, got.Status)
}

func TestOnlyOneClaimWins(t *testing.T) {
	r := NewRegistry()
	id, _ := r.Create(context.Background(), resolved())

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Transition(context.Background(), id, []Status{StatusPending}, StatusProcessing, Update{})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestTerminalStateIsStable(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := NewRegistry(WithClock(clock.Now))
	req := resolved()
	req.InitImage = []byte{1, 2, 3}
	id, _ := r.Create(context.Background(), req)

	clock.Advance(time.Second)
	_, err := r.Transition(context.Background(), id, []Status{StatusPending}, StatusProcessing, Update{})
	require.NoError(t, err)
	clock.Advance(time.Second)
	done, err := r.Transition(context.Background(), id, []Status{StatusProcessing}, StatusCompleted, Update{ResultURLs: []string{"u1"}})
	require.NoError(t, err)
	assert.Nil(t, done.Request.InitImage)
	assert.Equal(t, clock.Now(), done.UpdatedAt)

	first, _ := r.Get(id)
	first.ResultURLs[0] = "mutated"
	clock.Advance(time.Hour)
	second, _ := r.Get(id)
	assert.Equal(t, []string{"u1"}, second.ResultURLs)
	assert.Equal(t, done.UpdatedAt, second.UpdatedAt)
}

func TestFailedPersistDoesNotPublish(t *testing.T) {
	fail := false
	store := &mockStore{SaveFunc: func(context.Context, Task) error {
		if fail {
			return errors.New("disk full")
		}
		return nil
	}}
	r := NewRegistry(WithStore(store))
	id, err := r.Create(context.Background(), resolved())
	require.NoError(t, err)

	fail = true
	_, err = r.Transition(context.Background(), id, []Status{StatusPending}, StatusProcessing, Update{})
	require.Error(t, err)

	got, _ := r.Get(id)
	assert.Equal(t, StatusPending, got.Status)
}

func TestTerminalPersistFailureIsPublishedAndFlushed(t *testing.T) {
	var mu sync.Mutex
	failTerminal := false
	var saved []Status
	store := &mockStore{SaveFunc: func(_ context.Context, tk Task) error {
		mu.Lock()
		defer mu.Unlock()
		if failTerminal && tk.Status.Terminal() {
			return errors.New("database is locked")
		}
		saved = append(saved, tk.Status)
		return nil
	}}
	r := NewRegistry(WithStore(store))
	ctx := context.Background()
	id, err := r.Create(ctx, resolved())
	require.NoError(t, err)
	_, err = r.Transition(ctx, id, []Status{StatusPending}, StatusProcessing, Update{})
	require.NoError(t, err)

	mu.Lock()
	failTerminal = true
	mu.Unlock()
	failed, err := r.Transition(ctx, id, []Status{StatusProcessing}, StatusFailed, Update{ErrorMessage: "CUDA out of memory"})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, failed.Status)

	got, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "CUDA out of memory", got.ErrorMessage)
	assert.Equal(t, 1, r.Unsaved())

	left, err := r.Flush(ctx)
	assert.Error(t, err)
	assert.Equal(t, 1, left)

	mu.Lock()
	failTerminal = false
	mu.Unlock()
	left, err = r.Flush(ctx)
	require.NoError(t, err)
	assert.Zero(t, left)
	assert.Zero(t, r.Unsaved())
	mu.Lock()
	assert.Equal(t, []Status{StatusPending, StatusProcessing, StatusFailed}, saved)
	mu.Unlock()

	_, err = r.Transition(ctx, id, []Status{StatusProcessing}, StatusCompleted, Update{})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestSweepKeepsUnsavedTasks(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	failTerminal := false
	store := &mockStore{SaveFunc: func(_ context.Context, tk Task) error {
		if failTerminal && tk.Status.Terminal() {
			return errors.New("database is locked")
		}
		return nil
	}}
	r := NewRegistry(WithStore(store), WithClock(clock.Now))
	ctx := context.Background()
	id, _ := r.Create(ctx, resolved())
	_, _ = r.Transition(ctx, id, []Status{StatusPending}, StatusProcessing, Update{})
	failTerminal = true
	_, err := r.Transition(ctx, id, []Status{StatusProcessing}, StatusCompleted, Update{ResultURLs: []string{"u"}})
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	n, err := r.Sweep(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = r.Get(id)
	assert.NoError(t, err)
}

func TestCreateFailsWhenStoreFails(t *testing.T) {
	store := &mockStore{SaveFunc: func(context.Context, Task) error { return errors.New("boom") }}
	r := NewRegistry(WithStore(store))
	_, err := r.Create(context.Background(), resolved())
	require.Error(t, err)
	assert.Zero(t, r.Len())
}

func TestReadersNotBlockedByOtherTaskPersist(t *testing.T) {
	block := make(chan struct{})
	var blocking sync.Once
	entered := make(chan struct{})
	var slowID string
	store := &mockStore{SaveFunc: func(_ context.Context, tk Task) error {
		if tk.ID == slowID && tk.Status == StatusProcessing {
			blocking.Do(func() { close(entered) })
			<-block
		}
		return nil
	}}
	r := NewRegistry(WithStore(store))
	var err error
	slowID, err = r.Create(context.Background(), resolved())
	require.NoError(t, err)
	otherID, err := r.Create(context.Background(), resolved())
	require.NoError(t, err)

	go func() {
		_, _ = r.Transition(context.Background(), slowID, []Status{StatusPending}, StatusProcessing, Update{})
	}()
	<-entered

	got, err := r.Get(otherID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	slow, err := r.Get(slowID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, slow.Status, "uncommitted transition must not be visible")
	close(block)
}

func TestSweepRemovesExpiredTerminalTasks(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	var deleted []string
	store := &mockStore{DeleteFunc: func(_ context.Context, id string) error {
		deleted = append(deleted, id)
		return nil
	}}
	r := NewRegistry(WithClock(clock.Now), WithStore(store))
	ctx := context.Background()

	oldDone, _ := r.Create(ctx, resolved())
	_, _ = r.Transition(ctx, oldDone, []Status{StatusPending}, StatusProcessing, Update{})
	_, _ = r.Transition(ctx, oldDone, []Status{StatusProcessing}, StatusFailed, Update{ErrorMessage: "x"})
	oldPending, _ := r.Create(ctx, resolved())

	clock.Advance(2 * time.Hour)
	fresh, _ := r.Create(ctx, resolved())
	_, _ = r.Transition(ctx, fresh, []Status{StatusPending}, StatusProcessing, Update{})
	_, _ = r.Transition(ctx, fresh, []Status{StatusProcessing}, StatusCompleted, Update{ResultURLs: []string{"u"}})

	n, err := r.Sweep(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = r.Sweep(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{oldDone}, deleted)

	_, err = r.Get(oldDone)
	assert.ErrorIs(t, err, ErrTaskNotFound)
	_, err = r.Get(oldPending)
	assert.NoError(t, err)
	_, err = r.Get(fresh)
	assert.NoError(t, err)
}

func TestRestore(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var saved []Task
	store := &mockStore{
		LoadAllFunc: func(context.Context) ([]Task, error) {
			return []Task{
				{ID: "p2", Status: StatusPending, CreatedAt: base.Add(2 * time.Second)},
				{ID: "run", Status: StatusProcessing, CreatedAt: base},
				{ID: "p1", Status: StatusPending, CreatedAt: base.Add(time.Second)},
				{ID: "done", Status: StatusCompleted, CreatedAt: base, ResultURLs: []string{"u"}},
			}, nil
		},
		SaveFunc: func(_ context.Context, tk Task) error {
			saved = append(saved, tk)
			return nil
		},
	}
	r := NewRegistry(WithStore(store), WithClock(func() time.Time { return base.Add(time.Minute) }))

	pending, err := r.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2"}, pending)
	assert.Equal(t, 4, r.Len())

	run, err := r.Get("run")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Equal(t, RestartFailureMessage, run.ErrorMessage)
	require.Len(t, saved, 1)
	assert.Equal(t, "run", saved[0].ID)

	done, _ := r.Get("done")
	assert.Equal(t, StatusCompleted, done.Status)
}

func TestRunJanitorStopsOnCancel(t *testing.T) {
	r := NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		r.RunJanitor(ctx, time.Millisecond, time.Hour)
		close(finished)
	}()
	cancel()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
}
