package ingress

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
)

// UDP is a Source reading one frame per datagram from a bound socket.
//
// Several Receivers may share one UDP source; each datagram is handed to
// exactly one of them, so their queues never overlap.
type UDP struct {
	conn    *net.UDPConn
	bufSize int

	closeOnce sync.Once
	bufs      sync.Pool
}

// ListenUDP binds addr. bufSize is the largest datagram accepted; longer
// ones are reported as ErrOversizeFrame rather than cut short.
func ListenUDP(addr string, bufSize int) (*UDP, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("ingress: resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("ingress: listen udp %s: %w", addr, err)
	}
	u := &UDP{conn: conn, bufSize: bufSize}
	u.bufs.New = func() any {
		// One spare byte tells a datagram of exactly bufSize from a
		// longer one the kernel truncated.
		b := make([]byte, u.bufSize+1)
		return &b
	}
	return u, nil
}

// Addr returns the bound local address.
func (u *UDP) Addr() net.Addr { return u.conn.LocalAddr() }

// Receive blocks until a datagram arrives. The returned slice is freshly
// allocated and owned by the caller.
func (u *UDP) Receive(ctx context.Context) ([]byte, error) {
	// Unblock the read when ctx ends. Closing is the only portable way to
	// interrupt a blocking UDP read, and it stops every sharing Receiver,
	// which is what cancellation means here.
	stop := context.AfterFunc(ctx, func() { _ = u.Close() })
	defer stop()

	bp := u.bufs.Get().(*[]byte)
	defer u.bufs.Put(bp)

	n, _, err := u.conn.ReadFromUDP(*bp)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrSourceClosed
		}
		return nil, fmt.Errorf("ingress: read udp: %w", err)
	}
	if n > u.bufSize {
		return nil, fmt.Errorf("%w: datagram exceeds %d bytes", ErrOversizeFrame, u.bufSize)
	}
	return append([]byte(nil), (*bp)[:n]...), nil
}

// Close closes the socket. It is safe to call more than once.
func (u *UDP) Close() error {
	var err error
	u.closeOnce.Do(func() { err = u.conn.Close() })
	return err
}
