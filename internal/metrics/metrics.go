// Package metrics counts what lateq does and exposes it in the Prometheus
// text format. The exposition is rendered by hand; the set of families is
// small and fixed.
//
// A Counter keeps one value per label tuple. Tuples with more than one label
// are joined with tabs, which cannot occur in instance names, reasons,
// methods or route patterns:
//
//	Scheduled, Delivered, Blocked, Dropped   instance
//	Rejected                                 reason
//	HTTPReqs                                 method, path, status
//	HTTPDurMs, HTTPDurCnt                    method, path
package metrics

import (
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

const sep = "\t"

// Counter is a set of monotonically increasing values keyed by label tuple.
// The zero value is empty and ready to use.
type Counter struct {
	m sync.Map // string -> *atomic.Int64
}

func (c *Counter) cell(key string) *atomic.Int64 {
	if v, ok := c.m.Load(key); ok {
		return v.(*atomic.Int64)
	}
	v, _ := c.m.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

func (c *Counter) Inc(key string) { c.cell(key).Add(1) }

func (c *Counter) Add(key string, n int64) { c.cell(key).Add(n) }

// Value is the count for key, 0 if key was never touched.
func (c *Counter) Value(key string) int64 {
	if v, ok := c.m.Load(key); ok {
		return v.(*atomic.Int64).Load()
	}
	return 0
}

// Total sums the counter across all keys.
func (c *Counter) Total() int64 {
	var n int64
	c.m.Range(func(_, v any) bool {
		n += v.(*atomic.Int64).Load()
		return true
	})
	return n
}

// Each visits every key in sorted order.
func (c *Counter) Each(fn func(key string, val int64)) {
	var keys []string
	c.m.Range(func(k, _ any) bool {
		keys = append(keys, k.(string))
		return true
	})
	slices.Sort(keys)
	for _, k := range keys {
		fn(k, c.Value(k))
	}
}

// Registry is every metric a lateq server exports. The zero value is ready.
type Registry struct {
	Scheduled Counter
	Delivered Counter
	Blocked   Counter
	Dropped   Counter

	Rejected Counter

	HTTPReqs   Counter
	HTTPDurMs  Counter
	HTTPDurCnt Counter

	mu      sync.RWMutex
	pending map[string]func() int
}

// TrackPending makes fn the pending-count source for instance, replacing any
// earlier one.
func (r *Registry) TrackPending(instance string, fn func() int) {
	r.mu.Lock()
	if r.pending == nil {
		r.pending = make(map[string]func() int)
	}
	r.pending[instance] = fn
	r.mu.Unlock()
}

// Pending adds up the tracked pending counts.
func (r *Registry) Pending() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, fn := range r.pending {
		total += fn()
	}
	return total
}

func (r *Registry) pendingGauge() *Counter {
	var g Counter
	r.mu.RLock()
	for inst, fn := range r.pending {
		g.Add(inst, int64(fn()))
	}
	r.mu.RUnlock()
	return &g
}

// HTTPKey is the HTTPReqs key for one request.
func HTTPKey(method, path, status string) string {
	return method + sep + path + sep + status
}

// HTTPDurKey is the HTTPDurMs and HTTPDurCnt key for one route.
func HTTPDurKey(method, path string) string {
	return method + sep + path
}

// Reasons recorded in Rejected.
const (
	ReasonShortFrame    = "short_frame"
	ReasonInvalidDelay  = "invalid_delay"
	ReasonOversizeFrame = "oversize_frame"
)

type family struct {
	name, help, kind string
	labels           []string
	c                *Counter
}

func (r *Registry) families() []family {
	byInstance := []string{"instance"}
	route := []string{"method", "path"}
	return []family{
		{"lateq_timeouts_scheduled_total", "Timeouts admitted into a deadline queue.", "counter", byInstance, &r.Scheduled},
		{"lateq_timeouts_delivered_total", "Timeouts handed to the egress.", "counter", byInstance, &r.Delivered},
		{"lateq_egress_blocked_total", "Delivery attempts refused because the egress was busy.", "counter", byInstance, &r.Blocked},
		{"lateq_timeouts_dropped_total", "Timeouts discarded after a fatal egress error.", "counter", byInstance, &r.Dropped},
		{"lateq_ingress_rejected_total", "Ingress frames refused before scheduling.", "counter", []string{"reason"}, &r.Rejected},
		{"lateq_timeouts_pending", "Timeouts waiting in a deadline queue.", "gauge", byInstance, r.pendingGauge()},
		{"lateq_http_requests_total", "HTTP requests by route and status.", "counter", []string{"method", "path", "status"}, &r.HTTPReqs},
		{"lateq_http_request_duration_milliseconds_sum", "Milliseconds spent serving HTTP requests.", "counter", route, &r.HTTPDurMs},
		{"lateq_http_request_duration_milliseconds_count", "HTTP requests with a recorded duration.", "counter", route, &r.HTTPDurCnt},
	}
}

// WriteText renders the registry in the Prometheus text format. Families
// without samples are left out.
func (r *Registry) WriteText(b *strings.Builder) {
	for _, f := range r.families() {
		wroteHeader := false
		f.c.Each(func(key string, val int64) {
			if !wroteHeader {
				b.WriteString("# HELP " + f.name + " " + f.help + "\n")
				b.WriteString("# TYPE " + f.name + " " + f.kind + "\n")
				wroteHeader = true
			}
			b.WriteString(f.name)
			b.WriteByte('{')
			for i, v := range strings.SplitN(key, sep, len(f.labels)) {
				if i > 0 {
					b.WriteByte(',')
				}
				b.WriteString(f.labels[i] + "=" + strconv.Quote(v))
			}
			b.WriteString("} " + strconv.FormatInt(val, 10) + "\n")
		})
	}
}

// Handler serves the registry for Prometheus scrapes.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		var b strings.Builder
		r.WriteText(&b)
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = w.Write([]byte(b.String()))
	})
}
