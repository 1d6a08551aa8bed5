package egress_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/snehjoshi/lateq/internal/egress"
	"github.com/snehjoshi/lateq/internal/scheduler"
)

func openSpool(t *testing.T, max int, defaultKey string) *egress.Spool {
	t.Helper()
	s, err := egress.OpenSpool(filepath.Join(t.TempDir(), egress.SpoolFile), max, defaultKey)
	if err != nil {
		t.Fatalf("OpenSpool: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustDeliver(t *testing.T, s *egress.Spool, payload string) {
	t.Helper()
	outcome, err := s.Deliver(context.Background(), []byte(payload))
	if outcome != scheduler.Delivered {
		t.Fatalf("Deliver(%q): want delivered, got %s (%v)", payload, outcome, err)
	}
}

func TestSpool_FIFOPerKey(t *testing.T) {
	s := openSpool(t, 100, "")

	for i := 0; i < 5; i++ {
		mustDeliver(t, s, fmt.Sprintf("jobs\t%d", i))
	}
	mustDeliver(t, s, "other\tx")

	if s.Depth() != 6 {
		t.Fatalf("Depth: want 6, got %d", s.Depth())
	}
	for i := 0; i < 5; i++ {
		got, ok, err := s.Pop("jobs")
		if err != nil || !ok {
			t.Fatalf("Pop %d: ok=%v err=%v", i, ok, err)
		}
		if want := fmt.Sprint(i); string(got) != want {
			t.Fatalf("Pop %d: want %q, got %q", i, want, got)
		}
	}
	if _, ok, _ := s.Pop("jobs"); ok {
		t.Fatal("Pop on drained list returned an entry")
	}
	if s.Depth() != 1 {
		t.Fatalf("Depth after drain: want 1, got %d", s.Depth())
	}
}

func TestSpool_DefaultKey(t *testing.T) {
	s := openSpool(t, 10, "inbox")
	mustDeliver(t, s, "no tab here")

	got, ok, err := s.Pop("inbox")
	if err != nil || !ok {
		t.Fatalf("Pop: ok=%v err=%v", ok, err)
	}
	if string(got) != "no tab here" {
		t.Fatalf("want whole payload under default key, got %q", got)
	}
}

func TestSpool_UntabbedPayloadIsItsOwnKey(t *testing.T) {
	s := openSpool(t, 10, "")
	mustDeliver(t, s, "A")

	got, ok, err := s.Pop("A")
	if err != nil || !ok {
		t.Fatalf("Pop(A): ok=%v err=%v", ok, err)
	}
	if len(got) != 0 {
		t.Fatalf("want an empty value, got %q", got)
	}
}

func TestSpool_EmptyKeyIsFatal(t *testing.T) {
	s := openSpool(t, 10, "")
	outcome, err := s.Deliver(context.Background(), []byte("\tunroutable"))
	if outcome != scheduler.Fatal || !errors.Is(err, egress.ErrNoKey) {
		t.Fatalf("want fatal ErrNoKey, got %s %v", outcome, err)
	}
}

func TestSpool_FullIsBlocked(t *testing.T) {
	s := openSpool(t, 2, "q")
	mustDeliver(t, s, "a")
	mustDeliver(t, s, "b")

	outcome, err := s.Deliver(context.Background(), []byte("c"))
	if outcome != scheduler.Blocked || !errors.Is(err, egress.ErrSpoolFull) {
		t.Fatalf("want blocked ErrSpoolFull, got %s %v", outcome, err)
	}

	if _, ok, _ := s.Pop("q"); !ok {
		t.Fatal("Pop returned nothing from a full spool")
	}
	mustDeliver(t, s, "c")
}

func TestSpool_AwaitReadyWakesOnDeliver(t *testing.T) {
	s := openSpool(t, 10, "")

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = s.Deliver(context.Background(), []byte("tt\tlate"))
	}()

	start := time.Now()
	got, ok, err := s.AwaitReady(context.Background(), "tt", 2*time.Second)
	if err != nil || !ok {
		t.Fatalf("AwaitReady: ok=%v err=%v", ok, err)
	}
	if string(got) != "late" {
		t.Fatalf("want late, got %q", got)
	}
	if time.Since(start) > time.Second {
		t.Fatal("AwaitReady did not wake on deliver")
	}
}

func TestSpool_AwaitReadyTimeout(t *testing.T) {
	s := openSpool(t, 10, "")
	start := time.Now()
	_, ok, err := s.AwaitReady(context.Background(), "empty", 60*time.Millisecond)
	if err != nil || ok {
		t.Fatalf("want timeout (ok=false, err=nil), got ok=%v err=%v", ok, err)
	}
	if time.Since(start) < 60*time.Millisecond {
		t.Fatal("AwaitReady returned before its timeout")
	}
}

func TestSpool_ReopenCountsExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), egress.SpoolFile)
	s, err := egress.OpenSpool(path, 10, "")
	if err != nil {
		t.Fatalf("OpenSpool: %v", err)
	}
	mustDeliver(t, s, "a\t1")
	mustDeliver(t, s, "b\t2")
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := egress.OpenSpool(path, 10, "")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	if s2.Depth() != 2 {
		t.Fatalf("Depth after reopen: want 2, got %d", s2.Depth())
	}
}
