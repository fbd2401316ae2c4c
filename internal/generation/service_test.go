package generation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haojie06/sd-task-http/internal/callback"
	"github.com/haojie06/sd-task-http/internal/inference"
	"github.com/haojie06/sd-task-http/internal/prompt"
	"github.com/haojie06/sd-task-http/internal/task"
)

type mockEngine struct {
	GenerateFunc func(ctx context.Context, req prompt.Resolved) ([]inference.Image, error)
}

func (m *mockEngine) Generate(ctx context.Context, req prompt.Resolved) ([]inference.Image, error) {
	return m.GenerateFunc(ctx, req)
}

func (m *mockEngine) Loaded() bool { return true }

type memoryUploader struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func (u *memoryUploader) Upload(_ context.Context, key string, data []byte, _ string) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.err != nil {
		return "", u.err
	}
	if u.objects == nil {
		u.objects = make(map[string][]byte)
	}
	u.objects[key] = data
	return "http://cdn.local/" + key, nil
}

type dispatched struct {
	url     string
	payload callback.Payload
}

type recordingDispatcher struct {
	mu    sync.Mutex
	calls []dispatched
}

func (d *recordingDispatcher) Dispatch(url string, p callback.Payload) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, dispatched{url: url, payload: p})
	return true
}

func (d *recordingDispatcher) all() []dispatched {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]dispatched(nil), d.calls...)
}

// statusLog records every persisted status per task.
type statusLog struct {
	mu      sync.Mutex
	history map[string][]task.Status
	loadAll []task.Task
	// SaveFunc, when set, can reject a save before it is recorded.
	SaveFunc func(t task.Task) error
}

func (s *statusLog) Save(_ context.Context, t task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SaveFunc != nil {
		if err := s.SaveFunc(t); err != nil {
			return err
		}
	}
	if s.history == nil {
		s.history = make(map[string][]task.Status)
	}
	s.history[t.ID] = append(s.history[t.ID], t.Status)
	return nil
}

func (s *statusLog) LoadAll(context.Context) ([]task.Task, error) { return s.loadAll, nil }
func (s *statusLog) Delete(context.Context, string) error          { return nil }
func (s *statusLog) Close() error                                   { return nil }

func (s *statusLog) of(id string) []task.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]task.Status(nil), s.history[id]...)
}

func pngImage(t *testing.T) inference.Image {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 2, 2))))
	return inference.Image{Data: buf.Bytes(), ContentType: "image/png"}
}

type harness struct {
	service    *Service
	registry   *task.Registry
	queue      *Queue
	pool       *Pool
	uploader   *memoryUploader
	dispatcher *recordingDispatcher
	store      *statusLog
}

func newHarness(t *testing.T, workers, maxDepth int, engine inference.Engine) *harness {
	t.Helper()
	normalizer, err := prompt.NewNormalizer(prompt.Config{DefaultScheduler: "DPMSolverMultistepScheduler"}, nil, nil)
	require.NoError(t, err)
	store := &statusLog{}
	registry := task.NewRegistry(task.WithStore(store))
	queue := NewQueue(maxDepth)
	uploader := &memoryUploader{}
	dispatcher := &recordingDispatcher{}
	publisher := NewPublisher(registry, uploader, dispatcher)
	pool := NewPool(workers, queue, registry, engine, publisher)
	t.Cleanup(func() { _ = pool.Stop(time.Second) })
	return &harness{
		service:    NewService(normalizer, registry, queue, engine),
		registry:   registry,
		queue:      queue,
		pool:       pool,
		uploader:   uploader,
		dispatcher: dispatcher,
		store:      store,
	}
}

func (h *harness) waitTerminal(t *testing.T, id string) TaskView {
	t.Helper()
	var view TaskView
	require.Eventually(t, func() bool {
		v, err := h.service.Status(id)
		if err != nil {
			return false
		}
		view = v
		return v.Status == string(task.StatusCompleted) || v.Status == string(task.StatusFailed)
	}, 2*time.Second, 5*time.Millisecond)
	return view
}

func intPtr(v int) *int { return &v }

func TestSubmitSingleImageScenario(t *testing.T) {
	img := pngImage(t)
	engine := &mockEngine{GenerateFunc: func(_ context.Context, req prompt.Resolved) ([]inference.Image, error) {
		return []inference.Image{img}, nil
	}}
	h := newHarness(t, 1, 0, engine)

	id, err := h.service.Submit(context.Background(), prompt.Request{Prompt: "a cat", NumImages: intPtr(1)})
	require.NoError(t, err)

	view, err := h.service.Status(id)
	require.NoError(t, err)
	assert.Equal(t, "pending", view.Status)
	assert.Nil(t, view.ResultURL)
	assert.Nil(t, view.ResultURLs)

	h.pool.Start(context.Background())
	view = h.waitTerminal(t, id)
	assert.Equal(t, "completed", view.Status)
	require.NotNil(t, view.ResultURL)
	assert.Contains(t, *view.ResultURL, "http://cdn.local/"+id+"/")
	assert.Nil(t, view.ResultURLs)
	assert.Empty(t, view.ErrorMessage)

	assert.Equal(t, []task.Status{task.StatusPending, task.StatusProcessing, task.StatusCompleted}, h.store.of(id))
	assert.Empty(t, h.dispatcher.all(), "no callback without a callback url")
}

func TestSubmitMultipleImagesKeepsOrder(t *testing.T) {
	img := pngImage(t)
	engine := &mockEngine{GenerateFunc: func(_ context.Context, req prompt.Resolved) ([]inference.Image, error) {
		out := make([]inference.Image, req.NumImages)
		for i := range out {
			out[i] = img
		}
		return out, nil
	}}
	h := newHarness(t, 1, 0, engine)
	h.pool.Start(context.Background())

	id, err := h.service.Submit(context.Background(), prompt.Request{Prompt: "dogs", NumImages: intPtr(3), OutputFormat: "jpg", CallbackURL: "http://hook.local/cb"})
	require.NoError(t, err)
	view := h.waitTerminal(t, id)

	assert.Equal(t, "completed", view.Status)
	assert.Nil(t, view.ResultURL)
	require.Len(t, view.ResultURLs, 3)
	for _, u := range view.ResultURLs {
		assert.Regexp(t, `\.jpg$`, u)
	}

	require.Eventually(t, func() bool { return len(h.dispatcher.all()) == 1 }, time.Second, 5*time.Millisecond)
	call := h.dispatcher.all()[0]
	assert.Equal(t, "http://hook.local/cb", call.url)
	assert.Equal(t, view.ResultURLs, call.payload.ImageURLs)
	assert.Empty(t, call.payload.ImageURL)
}

func TestFIFOWithSingleWorker(t *testing.T) {
	img := pngImage(t)
	var mu sync.Mutex
	var order []string
	engine := &mockEngine{GenerateFunc: func(_ context.Context, req prompt.Resolved) ([]inference.Image, error) {
		mu.Lock()
		order = append(order, req.Prompt)
		mu.Unlock()
		return []inference.Image{img}, nil
	}}
	h := newHarness(t, 1, 0, engine)

	var ids []string
	var want []string
	for i := 0; i < 8; i++ {
		p := fmt.Sprintf("prompt %d", i)
		id, err := h.service.Submit(context.Background(), prompt.Request{Prompt: p})
		require.NoError(t, err)
		ids = append(ids, id)
		want = append(want, p)
	}
	h.pool.Start(context.Background())
	for _, id := range ids {
		h.waitTerminal(t, id)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, order)
}

func TestAdmissionRejectsWhenFull(t *testing.T) {
	engine := &mockEngine{GenerateFunc: func(context.Context, prompt.Resolved) ([]inference.Image, error) {
		return nil, errors.New("unused")
	}}
	h := newHarness(t, 1, 2, engine)

	_, err := h.service.Submit(context.Background(), prompt.Request{Prompt: "one"})
	require.NoError(t, err)
	_, err = h.service.Submit(context.Background(), prompt.Request{Prompt: "two"})
	require.NoError(t, err)

	_, err = h.service.Submit(context.Background(), prompt.Request{Prompt: "three"})
	assert.ErrorIs(t, err, ErrTooManyTasks)
	assert.Equal(t, 2, h.registry.Len())
	assert.Equal(t, 2, h.queue.Depth())
}

func TestValidationErrorCreatesNoTask(t *testing.T) {
	h := newHarness(t, 1, 0, &mockEngine{})

	_, err := h.service.Submit(context.Background(), prompt.Request{Prompt: "x", Scheduler: "unknown"})
	var verr *prompt.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "unknown scheduler", verr.Message)
	assert.Zero(t, h.registry.Len())
	assert.Zero(t, h.queue.Depth())
}

func TestInferenceErrorFailsTaskAndNotifies(t *testing.T) {
	engine := &mockEngine{GenerateFunc: func(context.Context, prompt.Resolved) ([]inference.Image, error) {
		return nil, errors.New("CUDA out of memory")
	}}
	h := newHarness(t, 1, 0, engine)
	h.pool.Start(context.Background())

	id, err := h.service.Submit(context.Background(), prompt.Request{Prompt: "x", CallbackURL: "https://hook.local/cb"})
	require.NoError(t, err)
	view := h.waitTerminal(t, id)

	assert.Equal(t, "failed", view.Status)
	assert.Equal(t, "CUDA out of memory", view.ErrorMessage)
	assert.Nil(t, view.ResultURL)
	assert.Nil(t, view.ResultURLs)
	assert.Equal(t, []task.Status{task.StatusPending, task.StatusProcessing, task.StatusFailed}, h.store.of(id))

	require.Eventually(t, func() bool { return len(h.dispatcher.all()) == 1 }, time.Second, 5*time.Millisecond)
	payload := h.dispatcher.all()[0].payload
	assert.Equal(t, callback.Payload{TaskID: id, Status: "failed", ErrorMessage: "CUDA out of memory"}, payload)
}

func TestEnginePanicFailsTask(t *testing.T) {
	engine := &mockEngine{GenerateFunc: func(context.Context, prompt.Resolved) ([]inference.Image, error) {
		panic("driver crashed")
	}}
	h := newHarness(t, 1, 0, engine)
	h.pool.Start(context.Background())

	id, err := h.service.Submit(context.Background(), prompt.Request{Prompt: "x"})
	require.NoError(t, err)
	view := h.waitTerminal(t, id)
	assert.Equal(t, "failed", view.Status)
	assert.Contains(t, view.ErrorMessage, "driver crashed")

	// the worker survives and keeps serving
	id2, err := h.service.Submit(context.Background(), prompt.Request{Prompt: "y"})
	require.NoError(t, err)
	assert.Equal(t, "failed", h.waitTerminal(t, id2).Status)
}

func TestWrongImageCountFailsTask(t *testing.T) {
	img := pngImage(t)
	engine := &mockEngine{GenerateFunc: func(context.Context, prompt.Resolved) ([]inference.Image, error) {
		return []inference.Image{img}, nil
	}}
	h := newHarness(t, 1, 0, engine)
	h.pool.Start(context.Background())

	id, err := h.service.Submit(context.Background(), prompt.Request{Prompt: "x", NumImages: intPtr(2)})
	require.NoError(t, err)
	assert.Equal(t, "failed", h.waitTerminal(t, id).Status)
}

func TestUploadFailureFailsTask(t *testing.T) {
	img := pngImage(t)
	engine := &mockEngine{GenerateFunc: func(context.Context, prompt.Resolved) ([]inference.Image, error) {
		return []inference.Image{img}, nil
	}}
	h := newHarness(t, 1, 0, engine)
	h.uploader.err = errors.New("bucket unreachable")
	h.pool.Start(context.Background())

	id, err := h.service.Submit(context.Background(), prompt.Request{Prompt: "x"})
	require.NoError(t, err)
	view := h.waitTerminal(t, id)
	assert.Equal(t, "failed", view.Status)
	assert.Contains(t, view.ErrorMessage, "bucket unreachable")
}

func TestTerminalViewIsStable(t *testing.T) {
	img := pngImage(t)
	engine := &mockEngine{GenerateFunc: func(context.Context, prompt.Resolved) ([]inference.Image, error) {
		return []inference.Image{img}, nil
	}}
	h := newHarness(t, 2, 0, engine)
	h.pool.Start(context.Background())

	id, err := h.service.Submit(context.Background(), prompt.Request{Prompt: "x"})
	require.NoError(t, err)
	first := h.waitTerminal(t, id)
	for i := 0; i < 5; i++ {
		again, err := h.service.Status(id)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestStatusUnknownTask(t *testing.T) {
	h := newHarness(t, 1, 0, &mockEngine{})
	_, err := h.service.Status("nope")
	assert.ErrorIs(t, err, task.ErrTaskNotFound)
}

func TestResumeQueuesPendingTasks(t *testing.T) {
	img := pngImage(t)
	engine := &mockEngine{GenerateFunc: func(context.Context, prompt.Resolved) ([]inference.Image, error) {
		return []inference.Image{img}, nil
	}}
	h := newHarness(t, 1, 0, engine)
	now := time.Now().UTC()
	h.store.loadAll = []task.Task{
		{ID: "old-pending", Status: task.StatusPending, Request: prompt.Resolved{Prompt: "p", NumImages: 1, OutputFormat: "png"}, CreatedAt: now, UpdatedAt: now},
		{ID: "old-running", Status: task.StatusProcessing, Request: prompt.Resolved{Prompt: "r", NumImages: 1, OutputFormat: "png"}, CreatedAt: now, UpdatedAt: now},
	}

	require.NoError(t, h.service.Resume(context.Background()))
	assert.Equal(t, 1, h.queue.Depth())
	h.pool.Start(context.Background())

	assert.Equal(t, "completed", h.waitTerminal(t, "old-pending").Status)
	running, err := h.service.Status("old-running")
	require.NoError(t, err)
	assert.Equal(t, "failed", running.Status)
	assert.Equal(t, task.RestartFailureMessage, running.ErrorMessage)
}

func TestStopWaitsForRunningTask(t *testing.T) {
	img := pngImage(t)
	started := make(chan struct{})
	release := make(chan struct{})
	engine := &mockEngine{GenerateFunc: func(ctx context.Context, _ prompt.Resolved) ([]inference.Image, error) {
		close(started)
		<-release
		return []inference.Image{img}, ctx.Err()
	}}
	h := newHarness(t, 1, 0, engine)
	ctx, cancel := context.WithCancel(context.Background())
	h.pool.Start(ctx)

	id, err := h.service.Submit(context.Background(), prompt.Request{Prompt: "x"})
	require.NoError(t, err)
	<-started
	cancel()

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	require.NoError(t, h.pool.Stop(2*time.Second))
	view, err := h.service.Status(id)
	require.NoError(t, err)
	assert.Equal(t, "completed", view.Status, "in-flight work is not cancelled")
}

func TestPayloadFor(t *testing.T) {
	single := task.Task{ID: "a", Status: task.StatusCompleted, Request: prompt.Resolved{NumImages: 1}, ResultURLs: []string{"u"}}
	assert.Equal(t, callback.Payload{TaskID: "a", Status: "completed", ImageURL: "u"}, PayloadFor(single))

	multi := task.Task{ID: "b", Status: task.StatusCompleted, Request: prompt.Resolved{NumImages: 2}, ResultURLs: []string{"u1", "u2"}}
	assert.Equal(t, []string{"u1", "u2"}, PayloadFor(multi).ImageURLs)
	assert.Empty(t, PayloadFor(multi).ImageURL)
}

func TestTerminalStoreFaultStillEndsTask(t *testing.T) {
	engine := &mockEngine{GenerateFunc: func(context.Context, prompt.Resolved) ([]inference.Image, error) {
		return nil, errors.New("CUDA out of memory")
	}}
	h := newHarness(t, 1, 0, engine)
	var mu sync.Mutex
	storeDown := true
	h.store.SaveFunc = func(tk task.Task) error {
		mu.Lock()
		defer mu.Unlock()
		if storeDown && tk.Status.Terminal() {
			return errors.New("database is locked")
		}
		return nil
	}
	h.pool.Start(context.Background())

	id, err := h.service.Submit(context.Background(), prompt.Request{Prompt: "x", CallbackURL: "http://hook.local/cb"})
	require.NoError(t, err)
	view := h.waitTerminal(t, id)
	assert.Equal(t, "failed", view.Status)
	assert.Equal(t, "CUDA out of memory", view.ErrorMessage)
	require.Eventually(t, func() bool { return len(h.dispatcher.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "failed", h.dispatcher.all()[0].payload.Status)
	assert.Equal(t, 1, h.registry.Unsaved())

	mu.Lock()
	storeDown = false
	mu.Unlock()
	left, err := h.registry.Flush(context.Background())
	require.NoError(t, err)
	assert.Zero(t, left)
	assert.Equal(t, []task.Status{task.StatusPending, task.StatusProcessing, task.StatusFailed}, h.store.of(id))
}

func TestCompletionStoreFaultKeepsResults(t *testing.T) {
	img := pngImage(t)
	engine := &mockEngine{GenerateFunc: func(context.Context, prompt.Resolved) ([]inference.Image, error) {
		return []inference.Image{img}, nil
	}}
	h := newHarness(t, 1, 0, engine)
	h.store.SaveFunc = func(tk task.Task) error {
		if tk.Status == task.StatusCompleted {
			return errors.New("database is locked")
		}
		return nil
	}
	h.pool.Start(context.Background())

	id, err := h.service.Submit(context.Background(), prompt.Request{Prompt: "x"})
	require.NoError(t, err)
	view := h.waitTerminal(t, id)
	assert.Equal(t, "completed", view.Status)
	require.NotNil(t, view.ResultURL)
	assert.Equal(t, 1, h.registry.Unsaved())
}

func TestClaimStoreFaultIsRetried(t *testing.T) {
	img := pngImage(t)
	engine := &mockEngine{GenerateFunc: func(context.Context, prompt.Resolved) ([]inference.Image, error) {
		return []inference.Image{img}, nil
	}}
	h := newHarness(t, 1, 0, engine)
	// two attempts per pop, so the task is requeued once before the claim sticks
	h.pool.claimBackOff = func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 1)
	}
	var mu sync.Mutex
	rejected := 0
	h.store.SaveFunc = func(tk task.Task) error {
		mu.Lock()
		defer mu.Unlock()
		if tk.Status == task.StatusProcessing && rejected < 3 {
			rejected++
			return errors.New("database is locked")
		}
		return nil
	}

	id, err := h.service.Submit(context.Background(), prompt.Request{Prompt: "x"})
	require.NoError(t, err)
	h.pool.Start(context.Background())

	assert.Equal(t, "completed", h.waitTerminal(t, id).Status)
	mu.Lock()
	assert.Equal(t, 3, rejected)
	mu.Unlock()
	assert.Equal(t, []task.Status{task.StatusPending, task.StatusProcessing, task.StatusCompleted}, h.store.of(id))
}
