package frame_test

import (
	"bytes"
	"errors"
	"math"
	"math/big"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/snehjoshi/lateq/internal/frame"
)

func TestDecode_RoundTrip(t *testing.T) {
	cases := []struct {
		delay   float32
		payload []byte
	}{
		{0, nil},
		{0.05, []byte("A")},
		{1.5, []byte("tt\t{\"n\":1}")},
		{3600.25, bytes.Repeat([]byte{0x00, 0xff}, 512)},
	}
	for _, tc := range cases {
		raw := frame.Encode(tc.delay, tc.payload)
		req, err := frame.Decode(raw)
		if err != nil {
			t.Fatalf("Decode(%v): %v", tc.delay, err)
		}
		if req.Delay != tc.delay {
			t.Errorf("delay: want %v, got %v", tc.delay, req.Delay)
		}
		if !bytes.Equal(req.Payload, tc.payload) {
			t.Errorf("payload mismatch for delay %v", tc.delay)
		}
		if again := frame.Encode(req.Delay, req.Payload); !bytes.Equal(again, raw) {
			t.Errorf("re-encoded frame differs for delay %v", tc.delay)
		}
	}
}

func TestDecode_BigEndianLayout(t *testing.T) {
	// 1.0f == 0x3f800000
	raw := []byte{0x3f, 0x80, 0x00, 0x00, 'h', 'i'}
	req, err := frame.Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if req.Delay != 1.0 {
		t.Errorf("want delay 1.0, got %v", req.Delay)
	}
	if string(req.Payload) != "hi" {
		t.Errorf("want payload hi, got %q", req.Payload)
	}
}

func TestDecode_ShortFrame(t *testing.T) {
	for _, n := range []int{0, 1, 2, 3} {
		_, err := frame.Decode(make([]byte, n))
		if !errors.Is(err, frame.ErrShortFrame) {
			t.Errorf("len %d: want ErrShortFrame, got %v", n, err)
		}
	}
	if _, err := frame.Decode(make([]byte, 4)); err != nil {
		t.Errorf("4-byte frame with empty payload must decode, got %v", err)
	}
}

func TestRequest_Duration(t *testing.T) {
	ok := []struct {
		delay float32
		want  time.Duration
	}{
		{0, 0},
		{0.5, 500 * time.Millisecond},
		{2, 2 * time.Second},
	}
	for _, tc := range ok {
		got, err := frame.Request{Delay: tc.delay}.Duration(0)
		if err != nil {
			t.Fatalf("Duration(%v): %v", tc.delay, err)
		}
		if got != tc.want {
			t.Errorf("Duration(%v): want %v, got %v", tc.delay, tc.want, got)
		}
	}

	bad := []float32{
		-0.001,
		float32(math.NaN()),
		float32(math.Inf(1)),
		float32(math.Inf(-1)),
		math.MaxFloat32,
	}
	for _, d := range bad {
		if _, err := (frame.Request{Delay: d}).Duration(0); !errors.Is(err, frame.ErrInvalidDelay) {
			t.Errorf("Duration(%v): want ErrInvalidDelay, got %v", d, err)
		}
	}
}

func TestRequest_DurationRoundsUp(t *testing.T) {
	// 0.1 as a float32 is 0.100000001490116... seconds.
	got, err := frame.Request{Delay: 0.1}.Duration(0)
	if err != nil {
		t.Fatal(err)
	}
	if want := 100000002 * time.Nanosecond; got != want {
		t.Fatalf("Duration(0.1) = %d ns, want %d ns", got, want)
	}

	rng := rand.New(rand.NewPCG(1, 2))
	billion := new(big.Float).SetInt64(int64(time.Second))
	for range 5000 {
		delay := rng.Float32() * 86400
		got, err := frame.Request{Delay: delay}.Duration(0)
		if err != nil {
			t.Fatalf("Duration(%v): %v", delay, err)
		}
		exact := new(big.Float).SetPrec(128).SetFloat64(float64(delay))
		exact.Mul(exact, billion)
		if new(big.Float).SetInt64(int64(got)).Cmp(exact) < 0 {
			t.Fatalf("Duration(%v) = %d ns, below the exact %s ns", delay, got, exact.Text('f', 3))
		}
		if new(big.Float).SetInt64(int64(got-1)).Cmp(exact) >= 0 {
			t.Fatalf("Duration(%v) = %d ns, more than 1ns above %s ns", delay, got, exact.Text('f', 3))
		}
	}
}

func TestRequest_DurationMax(t *testing.T) {
	req := frame.Request{Delay: 120}
	if _, err := req.Duration(time.Minute); !errors.Is(err, frame.ErrInvalidDelay) {
		t.Fatalf("want ErrInvalidDelay above max, got %v", err)
	}
	if _, err := req.Duration(time.Hour); err != nil {
		t.Fatalf("want no error below max, got %v", err)
	}
}

func TestAppendEncode_ReusesBuffer(t *testing.T) {
	buf := make([]byte, 0, 64)
	first := frame.AppendEncode(buf, 1, []byte("abc"))
	second := frame.AppendEncode(first[:0], 2, []byte("de"))

	req, err := frame.Decode(second)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if req.Delay != 2 || string(req.Payload) != "de" {
		t.Fatalf("got %+v", req)
	}
	if &first[0] != &second[0] {
		t.Error("expected the backing array to be reused")
	}
}
