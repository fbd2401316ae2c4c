package callback

import (
	"context"
	"time"

	"github.com/haojie06/sd-task-http/internal/logger"
	"github.com/haojie06/sd-task-http/internal/shutdown"
)

type Sender interface {
	Deliver(ctx context.Context, url string, p Payload) ([]Attempt, error)
}

// Dispatcher runs deliveries in the background under an OperationTracker so shutdown
// can wait for them.
type Dispatcher struct {
	sender  Sender
	tracker *shutdown.OperationTracker
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *logger.CustomLogger
}

func NewDispatcher(sender Sender, tracker *shutdown.OperationTracker) *Dispatcher {
	if tracker == nil {
		tracker = shutdown.NewOperationTracker()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		sender:  sender,
		tracker: tracker,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.NewCustomLogger().With("component", "callback_dispatcher"),
	}
}

// Dispatch returns false when the dispatcher is draining and the callback was dropped.
func (d *Dispatcher) Dispatch(url string, p Payload) bool {
	err := d.tracker.Go(func() {
		if _, err := d.sender.Deliver(d.ctx, url, p); err != nil {
			d.logger.Errorf("giving up on callback: %s", err)
		}
	})
	if err != nil {
		d.logger.Warnf("callback for task %s dropped: %s", p.TaskID, err)
		return false
	}
	return true
}

// Drain stops accepting callbacks and waits up to grace for running ones. Deliveries
// still running after that are cancelled.
func (d *Dispatcher) Drain(grace time.Duration) error {
	err := d.tracker.Drain(grace)
	d.cancel()
	if err != nil {
		d.logger.Warnf("%d callbacks still running after %s, cancelled", d.tracker.ActiveCount(), grace)
	}
	return err
}

func (d *Dispatcher) Pending() int64 {
	return d.tracker.ActiveCount()
}
