// Package ingress turns schedule request frames into pending timeouts.
//
// Pull-based transports (UDP) implement Source and are drained by
// Receiver.Run. Push-based transports (HTTP bodies, WebSocket messages) call
// Receiver.Admit directly. Both share one decode and validation path.
package ingress

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/snehjoshi/lateq/internal/frame"
	"github.com/snehjoshi/lateq/internal/metrics"
	"github.com/snehjoshi/lateq/internal/scheduler"
)

// ErrSourceClosed is returned by Source.Receive once the source is closed.
var ErrSourceClosed = errors.New("ingress: source closed")

// ErrOversizeFrame is returned by Source.Receive for a frame larger than the
// source accepts. The frame is dropped whole; the source stays usable.
var ErrOversizeFrame = errors.New("ingress: frame too large")

// Source yields one raw frame per call. Receive may block indefinitely while
// idle and must return promptly once ctx is done or the source is closed.
type Source interface {
	Receive(ctx context.Context) ([]byte, error)
}

// Receiver admits frames into a deadline queue.
type Receiver struct {
	q        *scheduler.Queue
	maxDelay time.Duration
	log      *slog.Logger
	metrics  *metrics.Registry
	instance string
}

// Option configures a Receiver.
type Option func(*Receiver)

// WithMaxDelay rejects delays longer than d. Zero disables the cap.
func WithMaxDelay(d time.Duration) Option {
	return func(r *Receiver) { r.maxDelay = d }
}

// WithLogger sets the logger used for rejected frames.
func WithLogger(l *slog.Logger) Option {
	return func(r *Receiver) { r.log = l }
}

// WithMetrics counts admissions under instance and rejections by reason.
func WithMetrics(reg *metrics.Registry, instance string) Option {
	return func(r *Receiver) {
		r.metrics = reg
		r.instance = instance
	}
}

// NewReceiver creates a Receiver feeding q.
func NewReceiver(q *scheduler.Queue, opts ...Option) *Receiver {
	r := &Receiver{q: q, log: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Admit decodes raw and inserts the resulting timeout. The deadline is taken
// from the monotonic clock at the moment of admission. Rejected frames are
// logged, counted and dropped; the returned error wraps frame.ErrShortFrame
// or frame.ErrInvalidDelay.
//
// The queued payload aliases raw; callers must not reuse it.
func (r *Receiver) Admit(raw []byte) error {
	now := time.Now()

	req, err := frame.Decode(raw)
	if err != nil {
		r.reject(metrics.ReasonShortFrame, len(raw), err)
		return err
	}
	delay, err := req.Duration(r.maxDelay)
	if err != nil {
		r.reject(metrics.ReasonInvalidDelay, len(raw), err)
		return err
	}

	r.q.Insert(scheduler.Timeout{
		Deadline: now.Add(delay),
		Payload:  req.Payload,
	})
	if r.metrics != nil {
		r.metrics.Scheduled.Inc(r.instance)
	}
	return nil
}

// Run receives frames from src until ctx is done or src is closed, admitting
// each one. Bad or oversize frames never stop the loop. Run returns nil on a
// clean stop and the receive error otherwise.
func (r *Receiver) Run(ctx context.Context, src Source) error {
	for {
		raw, err := src.Receive(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil, errors.Is(err, ErrSourceClosed):
				return nil
			case errors.Is(err, ErrOversizeFrame):
				r.reject(metrics.ReasonOversizeFrame, -1, err)
				continue
			}
			return err
		}
		_ = r.Admit(raw)
	}
}

func (r *Receiver) reject(reason string, size int, err error) {
	if r.metrics != nil {
		r.metrics.Rejected.Inc(reason)
	}
	r.log.Warn("dropping ingress frame",
		"instance", r.instance,
		"reason", reason,
		"bytes", size,
		"err", err,
	)
}
