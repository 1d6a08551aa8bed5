package scheduler_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/snehjoshi/lateq/internal/metrics"
	"github.com/snehjoshi/lateq/internal/scheduler"
)

const poll = 20 * time.Millisecond

// slack absorbs goroutine scheduling noise on busy test machines on top of
// the poll interval.
const slack = 80 * time.Millisecond

// ─── helpers ─────────────────────────────────────────────────────────────────

type delivery struct {
	payload string
	at      time.Time
}

// recorder is a Sender that records deliveries. decide, when set, chooses the
// outcome for each attempt.
type recorder struct {
	mu       sync.Mutex
	got      []delivery
	attempts atomic.Int64
	decide   func(payload string) scheduler.Outcome
}

func (r *recorder) Deliver(_ context.Context, payload []byte) (scheduler.Outcome, error) {
	r.attempts.Add(1)
	outcome := scheduler.Delivered
	if r.decide != nil {
		outcome = r.decide(string(payload))
	}
	switch outcome {
	case scheduler.Delivered:
		r.mu.Lock()
		r.got = append(r.got, delivery{payload: string(payload), at: time.Now()})
		r.mu.Unlock()
		return outcome, nil
	case scheduler.Blocked:
		return outcome, errors.New("downstream full")
	default:
		return outcome, errors.New("downstream gone")
	}
}

func (r *recorder) deliveries() []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]delivery, len(r.got))
	copy(out, r.got)
	return out
}

// waitForCount polls until n deliveries have been recorded or timeout elapses.
func waitForCount(t *testing.T, r *recorder, n int, timeout time.Duration) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(r.deliveries()) >= n {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func start(t *testing.T, q *scheduler.Queue, s scheduler.Sender, opts ...scheduler.Option) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	d := scheduler.NewDispatcher(q, s, append([]scheduler.Option{scheduler.WithPollInterval(poll)}, opts...)...)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func schedule(q *scheduler.Queue, delay time.Duration, payload string) time.Time {
	dl := time.Now().Add(delay)
	q.Insert(scheduler.Timeout{Deadline: dl, Payload: []byte(payload)})
	return dl
}

// ─── Tests ───────────────────────────────────────────────────────────────────

// TestDispatcher_EarlierDeadlineFirst submits A at 50ms and B at 10ms; B must
// arrive first and both inside [deadline, deadline+poll+slack].
func TestDispatcher_EarlierDeadlineFirst(t *testing.T) {
	q := scheduler.NewQueue()
	r := &recorder{}
	start(t, q, r)

	dlA := schedule(q, 50*time.Millisecond, "A")
	dlB := schedule(q, 10*time.Millisecond, "B")

	if !waitForCount(t, r, 2, 2*time.Second) {
		t.Fatalf("expected 2 deliveries, got %d", len(r.deliveries()))
	}
	got := r.deliveries()
	if got[0].payload != "B" || got[1].payload != "A" {
		t.Fatalf("order: want [B A], got [%s %s]", got[0].payload, got[1].payload)
	}
	for _, c := range []struct {
		d  delivery
		dl time.Time
	}{{got[0], dlB}, {got[1], dlA}} {
		if c.d.at.Before(c.dl) {
			t.Errorf("%s delivered %v early", c.d.payload, c.dl.Sub(c.d.at))
		}
		if late := c.d.at.Sub(c.dl); late > poll+slack {
			t.Errorf("%s delivered %v late, bound is %v", c.d.payload, late, poll+slack)
		}
	}
}

// TestDispatcher_NeverEarly verifies no payload is delivered before its deadline.
func TestDispatcher_NeverEarly(t *testing.T) {
	q := scheduler.NewQueue()
	r := &recorder{}
	start(t, q, r)

	deadlines := map[string]time.Time{}
	for i := 0; i < 40; i++ {
		p := fmt.Sprintf("m%d", i)
		deadlines[p] = schedule(q, time.Duration(i%8)*15*time.Millisecond, p)
	}

	if !waitForCount(t, r, 40, 3*time.Second) {
		t.Fatalf("expected 40 deliveries, got %d", len(r.deliveries()))
	}
	for _, d := range r.deliveries() {
		if d.at.Before(deadlines[d.payload]) {
			t.Errorf("%s delivered %v before its deadline", d.payload, deadlines[d.payload].Sub(d.at))
		}
	}
}

// TestDispatcher_ZeroDelay verifies a zero delay is dispatched within one
// poll interval, including when the loop is idle on an empty queue.
func TestDispatcher_ZeroDelay(t *testing.T) {
	q := scheduler.NewQueue()
	r := &recorder{}
	start(t, q, r)

	time.Sleep(3 * poll) // let the loop settle into its idle wait
	dl := schedule(q, 0, "now")

	if !waitForCount(t, r, 1, time.Second) {
		t.Fatal("zero-delay timeout was not delivered")
	}
	if late := r.deliveries()[0].at.Sub(dl); late > poll+slack {
		t.Fatalf("zero-delay timeout delivered %v after submission", late)
	}
}

// TestDispatcher_EarlierInsertInterruptsSleep verifies a new root cuts a long
// wait short.
func TestDispatcher_EarlierInsertInterruptsSleep(t *testing.T) {
	q := scheduler.NewQueue()
	r := &recorder{}
	start(t, q, r)

	schedule(q, 10*time.Second, "late")
	time.Sleep(2 * poll)
	schedule(q, 30*time.Millisecond, "early")

	if !waitForCount(t, r, 1, 500*time.Millisecond) {
		t.Fatal("expected early timeout delivered within 500ms")
	}
	if got := r.deliveries()[0].payload; got != "early" {
		t.Fatalf("want early first, got %s", got)
	}
	if q.Len() != 1 {
		t.Fatalf("Len: want 1 (late still pending), got %d", q.Len())
	}
}

// TestDispatcher_BlockedThenRecovers blocks the downstream for 200ms; the
// timeout due at t=0 must be delivered on the first attempt after recovery.
func TestDispatcher_BlockedThenRecovers(t *testing.T) {
	q := scheduler.NewQueue()
	recoverAt := time.Now().Add(200 * time.Millisecond)
	r := &recorder{decide: func(string) scheduler.Outcome {
		if time.Now().Before(recoverAt) {
			return scheduler.Blocked
		}
		return scheduler.Delivered
	}}
	var blocked atomic.Int64
	start(t, q, r, scheduler.WithBlockedHook(func() { blocked.Add(1) }))

	schedule(q, 0, "held")

	if !waitForCount(t, r, 1, 2*time.Second) {
		t.Fatal("timeout never delivered after downstream recovered")
	}
	got := r.deliveries()[0]
	if got.at.Before(recoverAt) {
		t.Fatalf("delivered %v before recovery", recoverAt.Sub(got.at))
	}
	if late := got.at.Sub(recoverAt); late > poll+slack {
		t.Fatalf("delivered %v after recovery, want within one poll interval", late)
	}
	// One attempt per poll interval while blocked, not a tight spin.
	if n := r.attempts.Load(); n > int64(200*time.Millisecond/poll)+3 {
		t.Fatalf("too many attempts while blocked: %d", n)
	}
	if blocked.Load() == 0 {
		t.Fatal("blocked hook never called")
	}
	if q.Len() != 0 {
		t.Fatalf("queue should be empty, Len = %d", q.Len())
	}
}

// TestDispatcher_BlockedKeepsAccepting verifies that while the downstream is
// persistently blocked nothing is lost and inserts keep landing in the queue.
func TestDispatcher_BlockedKeepsAccepting(t *testing.T) {
	q := scheduler.NewQueue()
	var open atomic.Bool
	r := &recorder{decide: func(string) scheduler.Outcome {
		if open.Load() {
			return scheduler.Delivered
		}
		return scheduler.Blocked
	}}
	start(t, q, r)

	for i := 0; i < 100; i++ {
		schedule(q, 0, fmt.Sprintf("p%d", i))
	}
	time.Sleep(5 * poll)
	// The dispatcher may be holding one timeout mid-attempt.
	if n := q.Len(); n < 99 {
		t.Fatalf("Len while blocked: want at least 99, got %d", n)
	}

	open.Store(true)
	if !waitForCount(t, r, 100, 3*time.Second) {
		t.Fatalf("expected 100 deliveries after unblock, got %d", len(r.deliveries()))
	}
	seen := map[string]bool{}
	for _, d := range r.deliveries() {
		seen[d.payload] = true
	}
	if len(seen) != 100 {
		t.Fatalf("want 100 distinct payloads, got %d", len(seen))
	}
}

// TestDispatcher_FatalDropsAndContinues verifies a fatal outcome drops only
// the offending timeout.
func TestDispatcher_FatalDropsAndContinues(t *testing.T) {
	q := scheduler.NewQueue()
	r := &recorder{decide: func(p string) scheduler.Outcome {
		if p == "poison" {
			return scheduler.Fatal
		}
		return scheduler.Delivered
	}}
	var reg metrics.Registry
	start(t, q, r, scheduler.WithMetrics(&reg, "0"))

	schedule(q, 0, "poison")
	schedule(q, 10*time.Millisecond, "ok")

	if !waitForCount(t, r, 1, time.Second) {
		t.Fatal("healthy timeout not delivered after a fatal one")
	}
	if got := r.deliveries()[0].payload; got != "ok" {
		t.Fatalf("want ok, got %s", got)
	}
	if got := reg.Dropped.Value("0"); got != 1 {
		t.Fatalf("Dropped: want 1, got %d", got)
	}
	if got := reg.Delivered.Value("0"); got != 1 {
		t.Fatalf("Delivered: want 1, got %d", got)
	}
	if q.Len() != 0 {
		t.Fatalf("dropped timeout must not stay queued, Len = %d", q.Len())
	}
}

// TestDispatcher_StopAbandonsPending verifies Run returns on cancel and
// nothing is delivered afterwards.
func TestDispatcher_StopAbandonsPending(t *testing.T) {
	q := scheduler.NewQueue()
	r := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	d := scheduler.NewDispatcher(q, r, scheduler.WithPollInterval(poll))

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	schedule(q, 200*time.Millisecond, "never")
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}

	time.Sleep(300 * time.Millisecond)
	if n := len(r.deliveries()); n != 0 {
		t.Fatalf("expected 0 deliveries after stop, got %d", n)
	}
}

func TestOutcome_String(t *testing.T) {
	cases := []struct {
		o    scheduler.Outcome
		want string
	}{
		{scheduler.Delivered, "delivered"},
		{scheduler.Blocked, "blocked"},
		{scheduler.Fatal, "fatal"},
		{scheduler.Outcome(9), "unknown"},
	}
	for _, c := range cases {
		if got := c.o.String(); got != c.want {
			t.Errorf("Outcome(%d).String() = %q, want %q", int(c.o), got, c.want)
		}
	}
}
