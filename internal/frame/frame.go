// Package frame encodes and decodes the schedule request wire frame.
//
// A frame is exactly one transport message (one datagram, one HTTP body, one
// WebSocket binary message):
//
//	[delay   : 4 bytes, big-endian IEEE-754 float32, seconds]
//	[payload : remaining bytes, opaque]
//
// There is no length field; the frame boundary comes from the transport.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// HeaderSize is the size of the delay prefix in bytes.
const HeaderSize = 4

var (
	// ErrShortFrame is returned when a frame cannot hold the delay prefix.
	ErrShortFrame = errors.New("frame: shorter than 4-byte delay header")

	// ErrInvalidDelay is returned for negative, NaN, infinite or
	// out-of-range delays.
	ErrInvalidDelay = errors.New("frame: invalid delay")
)

// Request is a decoded schedule request.
type Request struct {
	Delay   float32 // seconds
	Payload []byte
}

// Decode splits raw into its delay and payload. The payload aliases raw.
func Decode(raw []byte) (Request, error) {
	if len(raw) < HeaderSize {
		return Request{}, fmt.Errorf("%w: got %d bytes", ErrShortFrame, len(raw))
	}
	bits := binary.BigEndian.Uint32(raw[:HeaderSize])
	return Request{
		Delay:   math.Float32frombits(bits),
		Payload: raw[HeaderSize:],
	}, nil
}

// Encode builds a frame from delay (seconds) and payload.
func Encode(delay float32, payload []byte) []byte {
	return AppendEncode(make([]byte, 0, HeaderSize+len(payload)), delay, payload)
}

// AppendEncode appends the frame for delay and payload to dst.
func AppendEncode(dst []byte, delay float32, payload []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, math.Float32bits(delay))
	return append(dst, payload...)
}

// Duration validates the delay and converts it to a time.Duration.
// max caps the accepted delay; zero means no cap beyond what a Duration holds.
func (r Request) Duration(max time.Duration) (time.Duration, error) {
	d := float64(r.Delay)
	switch {
	case math.IsNaN(d), math.IsInf(d, 0):
		return 0, fmt.Errorf("%w: %v", ErrInvalidDelay, r.Delay)
	case d < 0:
		return 0, fmt.Errorf("%w: negative delay %v", ErrInvalidDelay, r.Delay)
	case d*float64(time.Second) >= math.MaxInt64:
		return 0, fmt.Errorf("%w: %v seconds overflows", ErrInvalidDelay, r.Delay)
	}
	// Round up so the deadline is never before admission plus the delay.
	// FMA recovers what the product lost to float64 rounding.
	ns := d * float64(time.Second)
	up := math.Ceil(ns)
	if up == ns && math.FMA(d, float64(time.Second), -ns) > 0 {
		up++
	}
	dur := time.Duration(up)
	if max > 0 && dur > max {
		return 0, fmt.Errorf("%w: %v exceeds max %v", ErrInvalidDelay, dur, max)
	}
	return dur, nil
}
