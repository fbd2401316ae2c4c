// Package shutdown supervises background work that must finish before the process exits.
package shutdown

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrTrackerClosed = errors.New("shutdown: tracker is closed")
	ErrWaitTimeout   = errors.New("shutdown: operations did not finish in time")
)

// OperationTracker counts in-flight background operations. Once closed it refuses new
// ones, and Wait lets the caller bound how long shutdown blocks on the rest.
type OperationTracker struct {
	mu     sync.Mutex
	wg     sync.WaitGroup
	active atomic.Int64
	closed bool
}

func NewOperationTracker() *OperationTracker {
	return &OperationTracker{}
}

// Start registers one operation. A true result must be paired with exactly one Done.
func (t *OperationTracker) Start() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.wg.Add(1)
	t.active.Add(1)
	return true
}

func (t *OperationTracker) Done() {
	t.active.Add(-1)
	t.wg.Done()
}

// Go runs fn on its own goroutine under the tracker.
func (t *OperationTracker) Go(fn func()) error {
	if !t.Start() {
		return ErrTrackerClosed
	}
	go func() {
		defer t.Done()
		fn()
	}()
	return nil
}

func (t *OperationTracker) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

// Wait blocks until every started operation is done or timeout elapses.
func (t *OperationTracker) Wait(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrWaitTimeout
	}
}

// Drain closes the tracker and waits for what is already running.
func (t *OperationTracker) Drain(timeout time.Duration) error {
	t.Close()
	return t.Wait(timeout)
}

func (t *OperationTracker) ActiveCount() int64 {
	return t.active.Load()
}

func (t *OperationTracker) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
