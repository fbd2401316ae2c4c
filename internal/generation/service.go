package generation

import (
	"context"
	"fmt"
	"time"

	"github.com/haojie06/sd-task-http/internal/inference"
	"github.com/haojie06/sd-task-http/internal/logger"
	"github.com/haojie06/sd-task-http/internal/metrics"
	"github.com/haojie06/sd-task-http/internal/prompt"
	"github.com/haojie06/sd-task-http/internal/task"
)

// Service is the entry point used by the HTTP handlers.
type Service struct {
	normalizer *prompt.Normalizer
	registry   *task.Registry
	queue      *Queue
	engine     inference.Engine
	logger     *logger.CustomLogger
}

func NewService(normalizer *prompt.Normalizer, registry *task.Registry, queue *Queue, engine inference.Engine) *Service {
	return &Service{
		normalizer: normalizer,
		registry:   registry,
		queue:      queue,
		engine:     engine,
		logger:     logger.NewCustomLogger().With("component", "generation_service"),
	}
}

// Submit validates req, registers a pending task and queues it. It does not wait for
// inference. Validation and admission errors leave no task behind.
func (s *Service) Submit(ctx context.Context, req prompt.Request) (string, error) {
	resolved, err := s.normalizer.Normalize(ctx, req)
	if err != nil {
		metrics.TasksRejected.WithLabelValues("invalid").Inc()
		return "", err
	}
	if err := s.queue.Reserve(); err != nil {
		metrics.TasksRejected.WithLabelValues("queue_full").Inc()
		return "", err
	}
	id, err := s.registry.Create(ctx, resolved)
	if err != nil {
		s.queue.Release()
		return "", fmt.Errorf("create task: %w", err)
	}
	s.queue.Push(id)
	metrics.TasksSubmitted.WithLabelValues(string(resolved.Mode)).Inc()
	s.logger.Infof("task %s queued, mode: %s, images: %d, callback: %t", id, resolved.Mode, resolved.NumImages, resolved.CallbackURL != "")
	return id, nil
}

func (s *Service) Status(id string) (TaskView, error) {
	t, err := s.registry.Get(id)
	if err != nil {
		return TaskView{}, err
	}
	return NewTaskView(t), nil
}

// Resume restores persisted tasks and queues the ones still pending, oldest first.
func (s *Service) Resume(ctx context.Context) error {
	pending, err := s.registry.Restore(ctx)
	if err != nil {
		return err
	}
	for _, id := range pending {
		s.queue.Push(id)
	}
	return nil
}

func (s *Service) EngineLoaded() bool {
	return s.engine != nil && s.engine.Loaded()
}

// TaskView is the public shape of a task. ResultURL is set for single image tasks and
// ResultURLs for the rest, the other one is null.
type TaskView struct {
	TaskID         string    `json:"task_id"`
	Status         string    `json:"status"`
	ResultURL      *string   `json:"result_url"`
	ResultURLs     []string  `json:"result_urls"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	Prompt         string    `json:"prompt"`
	NegativePrompt string    `json:"negative_prompt,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func NewTaskView(t task.Task) TaskView {
	v := TaskView{
		TaskID:         t.ID,
		Status:         string(t.Status),
		Prompt:         t.Request.Prompt,
		NegativePrompt: t.Request.NegativePrompt,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
	switch t.Status {
	case task.StatusCompleted:
		if t.Request.NumImages == 1 && len(t.ResultURLs) == 1 {
			url := t.ResultURLs[0]
			v.ResultURL = &url
		} else {
			v.ResultURLs = append([]string(nil), t.ResultURLs...)
		}
	case task.StatusFailed:
		v.ErrorMessage = t.ErrorMessage
	}
	return v
}
