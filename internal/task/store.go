package task

import "context"

// Store is the durable backing of a Registry.
type Store interface {
	// Save inserts or replaces the task.
	Save(ctx context.Context, t Task) error
	LoadAll(ctx context.Context) ([]Task, error)
	Delete(ctx context.Context, id string) error
	Close() error
}
