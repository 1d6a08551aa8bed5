package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/snehjoshi/lateq/internal/metrics"
)

// DefaultPollInterval bounds how long the dispatcher sleeps between checks.
const DefaultPollInterval = 20 * time.Millisecond

// Outcome is the result of one delivery attempt.
type Outcome int

const (
	// Delivered means the downstream accepted the payload.
	Delivered Outcome = iota
	// Blocked means the downstream cannot accept right now; retry later.
	Blocked
	// Fatal means the downstream will never accept this payload.
	Fatal
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Blocked:
		return "blocked"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Sender hands a due payload to the downstream transport.
// Deliver must not block indefinitely; the error, when non-nil, explains a
// Blocked or Fatal outcome and is only logged.
type Sender interface {
	Deliver(ctx context.Context, payload []byte) (Outcome, error)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) Option {
	return func(dp *Dispatcher) {
		if d > 0 {
			dp.poll = d
		}
	}
}

// WithLogger sets the logger used for dropped deliveries.
func WithLogger(l *slog.Logger) Option {
	return func(dp *Dispatcher) { dp.log = l }
}

// WithMetrics records outcomes in reg under the given instance label.
func WithMetrics(reg *metrics.Registry, instance string) Option {
	return func(dp *Dispatcher) {
		dp.metrics = reg
		dp.instance = instance
	}
}

// WithBlockedHook calls fn after every Blocked outcome. fn runs on the
// dispatch goroutine and must return quickly.
func WithBlockedHook(fn func()) Option {
	return func(dp *Dispatcher) { dp.onBlocked = fn }
}

// Dispatcher drains a Queue through a Sender.
//
//	d := scheduler.NewDispatcher(q, sender, scheduler.WithPollInterval(20*time.Millisecond))
//	go d.Run(ctx)
type Dispatcher struct {
	q      *Queue
	sender Sender

	poll      time.Duration
	log       *slog.Logger
	metrics   *metrics.Registry
	instance  string
	onBlocked func()
}

// NewDispatcher creates a Dispatcher. Call Run to start draining.
func NewDispatcher(q *Queue, sender Sender, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		q:      q,
		sender: sender,
		poll:   DefaultPollInterval,
		log:    slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// PollInterval returns the maximum sleep between queue checks.
func (d *Dispatcher) PollInterval() time.Duration { return d.poll }

// Run dispatches due timeouts until ctx is cancelled. Timeouts still in the
// queue at that point are abandoned. Run always returns nil.
func (d *Dispatcher) Run(ctx context.Context) error {
	timer := time.NewTimer(d.poll)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			return nil
		}

		wait := d.poll
		if next, ok := d.q.PeekMin(); ok {
			until := time.Until(next.Deadline)
			if until <= 0 {
				if d.dispatchOne(ctx) {
					continue
				}
				// Blocked: back off a full poll interval. New inserts do not
				// cut this short, otherwise a busy ingress would spin us
				// against a stalled downstream.
				if !sleep(ctx, timer, d.poll, nil) {
					return nil
				}
				continue
			}
			wait = min(until, d.poll)
		}

		if !sleep(ctx, timer, wait, d.q.Wake()) {
			return nil
		}
	}
}

// dispatchOne pops the root and delivers it. It reports false only when the
// downstream was blocked and the timeout went back into the queue.
func (d *Dispatcher) dispatchOne(ctx context.Context) bool {
	t, ok := d.q.PopMin()
	if !ok {
		return true
	}

	outcome, err := d.sender.Deliver(ctx, t.Payload)
	switch outcome {
	case Delivered:
		d.count(func(r *metrics.Registry) { r.Delivered.Inc(d.instance) })
		return true

	case Blocked:
		d.q.reinsert(t)
		d.count(func(r *metrics.Registry) { r.Blocked.Inc(d.instance) })
		if d.onBlocked != nil {
			d.onBlocked()
		}
		return false

	default:
		d.count(func(r *metrics.Registry) { r.Dropped.Inc(d.instance) })
		d.log.Error("dropping timeout after fatal delivery error",
			"instance", d.instance,
			"bytes", len(t.Payload),
			"late_ms", time.Since(t.Deadline).Milliseconds(),
			"err", err,
		)
		return true
	}
}

func (d *Dispatcher) count(fn func(*metrics.Registry)) {
	if d.metrics != nil {
		fn(d.metrics)
	}
}

// sleep waits for dur, an optional wake signal, or ctx cancellation.
// It reports false only when ctx is done.
func sleep(ctx context.Context, t *time.Timer, dur time.Duration, wake <-chan struct{}) bool {
	t.Reset(dur)
	select {
	case <-ctx.Done():
		t.Stop()
		return false
	case <-wake:
		t.Stop()
		return true
	case <-t.C:
		return true
	}
}
