package generation

import "errors"

var (
	ErrTooManyTasks = errors.New("too many tasks")
	ErrQueueClosed  = errors.New("task queue is closed")
)
