// Package diag reports queue depths while the downstream is stalled.
//
// A snapshot is one log line on the diagnostic stream (stderr in the server).
// Backpressure snapshots are rate limited to one per window no matter how
// long the stall lasts; operator snapshots (SIGUSR1, POST /v1/diag) are not.
package diag

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// NotObservable is reported for a depth the process cannot see.
const NotObservable = -1

// Snapshot is a point-in-time view of the scheduler's backlog.
type Snapshot struct {
	Time         time.Time `json:"time"`
	Node         string    `json:"node"`
	Reason       string    `json:"reason"`
	Pending      int       `json:"pending"`
	IngressDepth int       `json:"ingress_depth"`
	EgressDepth  int       `json:"egress_depth"`
}

// Gauges supplies the depths included in a snapshot. A nil func reports
// NotObservable.
type Gauges struct {
	Pending func() int
	Ingress func() int
	Egress  func() int
}

// Reporter emits diagnostic snapshots. It is safe for concurrent use by
// several dispatch loops; the window is shared between them.
type Reporter struct {
	log    *slog.Logger
	node   string
	gauges Gauges

	sometimes rate.Sometimes
}

// New creates a Reporter writing to log with the given backpressure window.
func New(log *slog.Logger, node string, window time.Duration, gauges Gauges) *Reporter {
	return &Reporter{
		log:       log,
		node:      node,
		gauges:    gauges,
		sometimes: rate.Sometimes{Interval: window},
	}
}

// Blocked records a Blocked delivery outcome, emitting a snapshot if the
// window since the previous backpressure snapshot has elapsed.
func (r *Reporter) Blocked() {
	r.sometimes.Do(func() { r.emit("backpressure") })
}

// Emit writes an on-demand snapshot and returns it.
func (r *Reporter) Emit() Snapshot {
	return r.emit("operator")
}

// Snapshot returns the current snapshot without writing it.
func (r *Reporter) Snapshot() Snapshot {
	return Snapshot{
		Time:         time.Now(),
		Node:         r.node,
		Pending:      read(r.gauges.Pending),
		IngressDepth: read(r.gauges.Ingress),
		EgressDepth:  read(r.gauges.Egress),
	}
}

func (r *Reporter) emit(reason string) Snapshot {
	s := r.Snapshot()
	s.Reason = reason
	r.log.Warn("queue depths",
		"reason", s.Reason,
		"node", s.Node,
		"pending", s.Pending,
		"ingress_depth", s.IngressDepth,
		"egress_depth", s.EgressDepth,
	)
	return s
}

func read(fn func() int) int {
	if fn == nil {
		return NotObservable
	}
	return fn()
}
