package generation

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/haojie06/sd-task-http/internal/inference"
	"github.com/haojie06/sd-task-http/internal/logger"
	"github.com/haojie06/sd-task-http/internal/metrics"
	"github.com/haojie06/sd-task-http/internal/task"
)

var ErrStopTimeout = errors.New("workers did not stop in time")

// Pool runs a fixed number of workers, each taking one task at a time from the queue.
type Pool struct {
	workers   int
	queue     *Queue
	registry  *task.Registry
	engine    inference.Engine
	publisher *Publisher

	// claimBackOff paces retries of a claim the store rejected.
	claimBackOff func() backoff.BackOff

	wg     sync.WaitGroup
	logger *logger.CustomLogger
}

func defaultClaimBackOff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 100 * time.Millisecond
	exp.MaxInterval = 2 * time.Second
	exp.MaxElapsedTime = 10 * time.Second
	return exp
}

func NewPool(workers int, queue *Queue, registry *task.Registry, engine inference.Engine, publisher *Publisher) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		workers:      workers,
		queue:        queue,
		registry:     registry,
		engine:       engine,
		publisher:    publisher,
		claimBackOff: defaultClaimBackOff,
		logger:       logger.NewCustomLogger().With("component", "worker_pool"),
	}
}

func (p *Pool) Start(ctx context.Context) {
	p.logger.Infof("starting %d workers", p.workers)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work(ctx, i)
	}
}

// Stop closes the queue and waits up to grace for running tasks. Tasks still queued
// stay pending.
func (p *Pool) Stop(grace time.Duration) error {
	p.queue.Close()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// worker loop
func (p *Pool) work(ctx context.Context, n int) {
	defer p.wg.Done()
	log := p.logger.With("worker", n)
	for {
		id, err := p.queue.Pop(ctx)
		if err != nil {
			log.Debugf("worker exiting: %s", err)
			return
		}
		p.process(ctx, log, id)
	}
}

func (p *Pool) process(ctx context.Context, log *logger.CustomLogger, id string) {
	t, ok := p.claim(ctx, log, id)
	if !ok {
		return
	}
	// running tasks are never cancelled
	ctx = context.WithoutCancel(ctx)
	log.Infof("processing %s task %s, images: %d", t.Request.Mode, id, t.Request.NumImages)

	defer func() {
		if r := recover(); r != nil {
			log.Errorf("task %s panicked while publishing: %v\n%s", id, r, debug.Stack())
			_ = p.publisher.PublishFailure(ctx, id, fmt.Sprintf("internal error: %v", r))
		}
	}()

	images, err := p.generate(ctx, t)
	if err != nil {
		_ = p.publisher.PublishFailure(ctx, id, err.Error())
		return
	}
	_ = p.publisher.PublishSuccess(ctx, id, images)
}

// claim moves the task to processing, retrying store errors. A task that still can't
// be claimed goes back to the end of the queue, or stays pending for the next start
// when ctx is done.
func (p *Pool) claim(ctx context.Context, log *logger.CustomLogger, id string) (task.Task, bool) {
	var t task.Task
	op := func() error {
		var err error
		t, err = p.registry.Transition(context.WithoutCancel(ctx), id, []task.Status{task.StatusPending}, task.StatusProcessing, task.Update{})
		if errors.Is(err, task.ErrConflict) || errors.Is(err, task.ErrTaskNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Warnf("could not claim task %s, retrying in %s: %s", id, wait, err)
	}
	err := backoff.RetryNotify(op, backoff.WithContext(p.claimBackOff(), ctx), notify)
	if err == nil {
		return t, true
	}

	switch {
	case errors.Is(err, task.ErrConflict):
		log.Errorf("skip task %s: %s", id, err)
	case errors.Is(err, task.ErrTaskNotFound):
		log.Errorf("skip unknown task %s", id)
	case ctx.Err() != nil:
		log.Warnf("task %s left pending at shutdown: %s", id, err)
	default:
		log.Errorf("could not claim task %s, requeued: %s", id, err)
		p.queue.Push(id)
	}
	return task.Task{}, false
}

// generate converts engine panics into errors.
func (p *Pool) generate(ctx context.Context, t task.Task) (images []inference.Image, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Errorf("inference for task %s panicked: %v\n%s", t.ID, r, debug.Stack())
			images, err = nil, fmt.Errorf("inference engine crashed: %v", r)
		}
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		metrics.InferenceDuration.WithLabelValues(string(t.Request.Mode), outcome).Observe(time.Since(start).Seconds())
	}()

	images, err = p.engine.Generate(ctx, t.Request)
	if err == nil && len(images) != t.Request.NumImages {
		err = fmt.Errorf("inference engine returned %d images, want %d", len(images), t.Request.NumImages)
	}
	return images, err
}
