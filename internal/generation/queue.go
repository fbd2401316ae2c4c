package generation

import (
	"context"
	"sync"

	"github.com/haojie06/sd-task-http/internal/metrics"
)

// Queue is the FIFO of admitted task ids. With maxDepth > 0, Reserve fails fast
// once waiting plus reserved slots reach it.
type Queue struct {
	mu       sync.Mutex
	items    []string
	reserved int
	maxDepth int
	closed   bool

	signal chan struct{}
	done   chan struct{}
}

func NewQueue(maxDepth int) *Queue {
	return &Queue{
		maxDepth: maxDepth,
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Reserve claims a slot before the task is created, so a full queue never leaves a
// task behind. Every successful Reserve is followed by Push or Release.
func (q *Queue) Reserve() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if q.maxDepth > 0 && len(q.items)+q.reserved >= q.maxDepth {
		return ErrTooManyTasks
	}
	q.reserved++
	return nil
}

func (q *Queue) Release() {
	q.mu.Lock()
	if q.reserved > 0 {
		q.reserved--
	}
	q.mu.Unlock()
}

// Push appends id and consumes a reservation if one is held. It never blocks.
func (q *Queue) Push(id string) {
	q.mu.Lock()
	if q.reserved > 0 {
		q.reserved--
	}
	q.items = append(q.items, id)
	depth := len(q.items)
	q.mu.Unlock()

	metrics.QueueDepth.Set(float64(depth))
	q.notify()
}

func (q *Queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Pop blocks until an id is available. After Close it returns ErrQueueClosed even if
// ids are left, those tasks stay pending.
func (q *Queue) Pop(ctx context.Context) (string, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return "", ErrQueueClosed
		}
		if len(q.items) > 0 {
			id := q.items[0]
			q.items[0] = ""
			q.items = q.items[1:]
			depth := len(q.items)
			q.mu.Unlock()

			metrics.QueueDepth.Set(float64(depth))
			if depth > 0 {
				q.notify()
			}
			return id, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-q.done:
		case <-q.signal:
		}
	}
}

func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}
