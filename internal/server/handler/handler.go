package handler

import (
	"context"

	"github.com/haojie06/sd-task-http/internal/generation"
	"github.com/haojie06/sd-task-http/internal/prompt"
)

// TaskService is the part of generation.Service the handlers use.
type TaskService interface {
	Submit(ctx context.Context, req prompt.Request) (string, error)
	Status(id string) (generation.TaskView, error)
	EngineLoaded() bool
}

// StorageChecker reports whether result storage is reachable.
type StorageChecker interface {
	Health(ctx context.Context) error
}

type Handler struct {
	service TaskService
	storage StorageChecker
}

// New accepts a nil storage, health then reports the engine only.
func New(service TaskService, storage StorageChecker) *Handler {
	return &Handler{service: service, storage: storage}
}
