package generation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/haojie06/sd-task-http/internal/callback"
	"github.com/haojie06/sd-task-http/internal/imageutil"
	"github.com/haojie06/sd-task-http/internal/inference"
	"github.com/haojie06/sd-task-http/internal/logger"
	"github.com/haojie06/sd-task-http/internal/metrics"
	"github.com/haojie06/sd-task-http/internal/storage"
	"github.com/haojie06/sd-task-http/internal/task"
)

const maxParallelUploads = 4

// CallbackDispatcher hands a payload off without waiting for delivery.
type CallbackDispatcher interface {
	Dispatch(url string, p callback.Payload) bool
}

// Publisher records inference outcomes and triggers callbacks once the state is committed.
type Publisher struct {
	registry   *task.Registry
	uploader   storage.Uploader
	dispatcher CallbackDispatcher
	logger     *logger.CustomLogger
}

// NewPublisher accepts a nil dispatcher when callbacks are not wanted.
func NewPublisher(registry *task.Registry, uploader storage.Uploader, dispatcher CallbackDispatcher) *Publisher {
	return &Publisher{
		registry:   registry,
		uploader:   uploader,
		dispatcher: dispatcher,
		logger:     logger.NewCustomLogger().With("component", "publisher"),
	}
}

// PublishSuccess uploads the images in order and completes the task. An upload error
// fails the task instead.
func (p *Publisher) PublishSuccess(ctx context.Context, taskID string, images []inference.Image) error {
	t, err := p.registry.Get(taskID)
	if err != nil {
		return err
	}
	urls, err := p.upload(ctx, t, images)
	if err != nil {
		return p.PublishFailure(ctx, taskID, fmt.Sprintf("failed to store results: %s", err))
	}
	done, err := p.registry.Transition(ctx, taskID, []task.Status{task.StatusProcessing}, task.StatusCompleted, task.Update{ResultURLs: urls})
	if err != nil {
		p.transitionFailed(taskID, task.StatusCompleted, err)
		if errors.Is(err, task.ErrConflict) {
			return err
		}
		return p.PublishFailure(ctx, taskID, fmt.Sprintf("failed to record results: %s", err))
	}
	p.logger.Infof("task %s completed with %d images", taskID, len(urls))
	p.finish(done)
	return nil
}

func (p *Publisher) PublishFailure(ctx context.Context, taskID string, detail string) error {
	failed, err := p.registry.Transition(ctx, taskID, []task.Status{task.StatusProcessing}, task.StatusFailed, task.Update{ErrorMessage: detail})
	if err != nil {
		p.transitionFailed(taskID, task.StatusFailed, err)
		return err
	}
	p.logger.Warnf("task %s failed: %s", taskID, detail)
	p.finish(failed)
	return nil
}

func (p *Publisher) transitionFailed(taskID string, to task.Status, err error) {
	if errors.Is(err, task.ErrConflict) {
		p.logger.Errorf("state invariant violated while moving task %s to %s: %s", taskID, to, err)
		return
	}
	p.logger.Errorf("could not move task %s to %s: %s", taskID, to, err)
}

func (p *Publisher) upload(ctx context.Context, t task.Task, images []inference.Image) ([]string, error) {
	if len(images) == 0 {
		return nil, errors.New("inference returned no images")
	}
	urls := make([]string, len(images))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelUploads)
	for i, img := range images {
		g.Go(func() error {
			encoded, err := imageutil.Convert(img.Data, t.Request.OutputFormat)
			if err != nil {
				return fmt.Errorf("image %d: %w", i, err)
			}
			start := time.Now()
			url, err := p.uploader.Upload(gctx, storage.ObjectKey(t.ID, encoded.Extension), encoded.Data, encoded.ContentType)
			metrics.UploadDuration.Observe(time.Since(start).Seconds())
			if err != nil {
				return fmt.Errorf("image %d: %w", i, err)
			}
			urls[i] = url
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return urls, nil
}

func (p *Publisher) finish(t task.Task) {
	metrics.TasksFinished.WithLabelValues(string(t.Status)).Inc()
	if t.Request.CallbackURL == "" || p.dispatcher == nil {
		return
	}
	p.dispatcher.Dispatch(t.Request.CallbackURL, PayloadFor(t))
}

// PayloadFor shapes the callback body like the task view: one URL for a single image,
// a list otherwise.
func PayloadFor(t task.Task) callback.Payload {
	payload := callback.Payload{TaskID: t.ID, Status: string(t.Status)}
	switch t.Status {
	case task.StatusCompleted:
		if t.Request.NumImages == 1 && len(t.ResultURLs) == 1 {
			payload.ImageURL = t.ResultURLs[0]
		} else {
			payload.ImageURLs = append([]string(nil), t.ResultURLs...)
		}
	case task.StatusFailed:
		payload.ErrorMessage = t.ErrorMessage
	}
	return payload
}
