package callback

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"

	"github.com/haojie06/sd-task-http/internal/logger"
	"github.com/haojie06/sd-task-http/internal/metrics"
)

var ErrDeliveryFailed = errors.New("callback delivery failed")

// Payload is the JSON body posted to a callback URL. Exactly one of ImageURL, ImageURLs
// and ErrorMessage is set.
type Payload struct {
	TaskID       string   `json:"task_id"`
	Status       string   `json:"status"`
	ImageURL     string   `json:"image_url,omitempty"`
	ImageURLs    []string `json:"image_urls,omitempty"`
	ErrorMessage string   `json:"error_message,omitempty"`
}

type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeTimeout  Outcome = "timeout"
	OutcomeRejected Outcome = "rejected"
)

// Attempt records one delivery try. Connection errors count as rejected.
type Attempt struct {
	URL        string
	Number     int
	Outcome    Outcome
	StatusCode int
	Err        error
	Duration   time.Duration
}

type Options struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Timeout         time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 3
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = 5 * time.Second
	}
	if o.MaxInterval < o.InitialInterval {
		o.MaxInterval = o.InitialInterval
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	return o
}

type Deliverer struct {
	client *resty.Client
	opts   Options
	logger *logger.CustomLogger
}

func NewDeliverer(opts Options) *Deliverer {
	client := resty.New().
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "sd-task-http/callback")
	return &Deliverer{
		client: client,
		opts:   opts.withDefaults(),
		logger: logger.NewCustomLogger().With("component", "callback"),
	}
}

func (d *Deliverer) newBackOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = d.opts.InitialInterval
	exp.MaxInterval = d.opts.MaxInterval
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(d.opts.MaxAttempts-1)), ctx)
}

// Deliver posts p to url until a 2xx answer or the attempt budget runs out. Waits
// between attempts double from InitialInterval up to MaxInterval.
func (d *Deliverer) Deliver(ctx context.Context, url string, p Payload) ([]Attempt, error) {
	var attempts []Attempt
	op := func() error {
		a := d.attempt(ctx, url, len(attempts)+1, p)
		attempts = append(attempts, a)
		metrics.CallbackAttempts.WithLabelValues(string(a.Outcome)).Inc()
		if a.Outcome == OutcomeSuccess {
			d.logger.Infof("callback for task %s delivered to %s, attempt %d, status %d", p.TaskID, url, a.Number, a.StatusCode)
			return nil
		}
		d.logger.Warnf("callback for task %s to %s attempt %d/%d %s: %s", p.TaskID, url, a.Number, d.opts.MaxAttempts, a.Outcome, a.Err)
		return a.Err
	}
	if err := backoff.Retry(op, d.newBackOff(ctx)); err != nil {
		return attempts, fmt.Errorf("%w: task %s after %d attempts: %w", ErrDeliveryFailed, p.TaskID, len(attempts), err)
	}
	return attempts, nil
}

func (d *Deliverer) attempt(ctx context.Context, url string, n int, p Payload) Attempt {
	a := Attempt{URL: url, Number: n}
	attemptCtx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := d.client.R().SetContext(attemptCtx).SetBody(p).Post(url)
	a.Duration = time.Since(start)
	if err != nil {
		a.Err = err
		a.Outcome = OutcomeRejected
		if isTimeout(err) {
			a.Outcome = OutcomeTimeout
		}
		return a
	}
	a.StatusCode = resp.StatusCode()
	if a.StatusCode >= 200 && a.StatusCode < 300 {
		a.Outcome = OutcomeSuccess
		return a
	}
	a.Outcome = OutcomeRejected
	a.Err = fmt.Errorf("unexpected status %d", a.StatusCode)
	return a
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
