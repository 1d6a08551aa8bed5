package diag_test

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/snehjoshi/lateq/internal/diag"
)

// lineBuffer is a concurrency-safe io.Writer that counts log lines.
type lineBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lineBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lineBuffer) lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := strings.TrimSpace(b.buf.String())
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func newReporter(window time.Duration, g diag.Gauges) (*diag.Reporter, *lineBuffer) {
	out := &lineBuffer{}
	log := slog.New(slog.NewTextHandler(out, nil))
	return diag.New(log, "node-1", window, g), out
}

func TestReporter_BlockedRateLimited(t *testing.T) {
	r, out := newReporter(time.Second, diag.Gauges{Pending: func() int { return 7 }})

	stop := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(stop) {
		r.Blocked()
	}

	lines := out.lines()
	if len(lines) != 1 {
		t.Fatalf("want exactly 1 snapshot within the window, got %d:\n%s", len(lines), strings.Join(lines, "\n"))
	}
	for _, want := range []string{"reason=backpressure", "node=node-1", "pending=7", "ingress_depth=-1", "egress_depth=-1"} {
		if !strings.Contains(lines[0], want) {
			t.Errorf("snapshot %q missing %q", lines[0], want)
		}
	}
}

func TestReporter_AtMostOncePerWindow(t *testing.T) {
	const window = 50 * time.Millisecond
	r, out := newReporter(window, diag.Gauges{})

	began := time.Now()
	for time.Since(began) < 230*time.Millisecond {
		r.Blocked()
		time.Sleep(time.Millisecond)
	}
	elapsed := time.Since(began)

	n := len(out.lines())
	max := int(elapsed/window) + 1
	if n < 2 || n > max {
		t.Fatalf("want between 2 and %d snapshots over %v, got %d", max, elapsed, n)
	}
}

func TestReporter_EmitIsNotRateLimited(t *testing.T) {
	r, out := newReporter(time.Hour, diag.Gauges{
		Pending: func() int { return 3 },
		Egress:  func() int { return 11 },
	})

	r.Blocked()
	for i := 0; i < 3; i++ {
		s := r.Emit()
		if s.Reason != "operator" || s.Pending != 3 || s.EgressDepth != 11 || s.IngressDepth != diag.NotObservable {
			t.Fatalf("unexpected snapshot %+v", s)
		}
	}
	if n := len(out.lines()); n != 4 {
		t.Fatalf("want 1 backpressure + 3 operator snapshots, got %d", n)
	}
}

func TestReporter_SnapshotDoesNotWrite(t *testing.T) {
	r, out := newReporter(time.Second, diag.Gauges{Pending: func() int { return 1 }})
	s := r.Snapshot()
	if s.Pending != 1 || s.Node != "node-1" {
		t.Fatalf("unexpected snapshot %+v", s)
	}
	if len(out.lines()) != 0 {
		t.Fatal("Snapshot must not emit a line")
	}
}
