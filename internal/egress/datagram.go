package egress

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/snehjoshi/lateq/internal/config"
	"github.com/snehjoshi/lateq/internal/scheduler"
)

// Datagram sends each payload, unmodified, as one UDP datagram to a fixed peer.
type Datagram struct {
	conn    net.Conn
	timeout time.Duration
}

// DialDatagram connects a UDP socket to addr.
func DialDatagram(addr string, timeout time.Duration) (*Datagram, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("egress: dial udp %s: %w", addr, err)
	}
	return &Datagram{conn: conn, timeout: timeout}, nil
}

func newDatagramFromConfig(_ context.Context, cfg config.EgressConfig, _ Env) (Sender, error) {
	return DialDatagram(cfg.Address, cfg.SendTimeout.Std())
}

// Deliver implements scheduler.Sender.
func (d *Datagram) Deliver(_ context.Context, payload []byte) (scheduler.Outcome, error) {
	if err := d.conn.SetWriteDeadline(time.Now().Add(d.timeout)); err != nil {
		return classifyNet(err), err
	}
	_, err := d.conn.Write(payload)
	return classifyNet(err), err
}

// Close closes the socket.
func (d *Datagram) Close() error { return d.conn.Close() }

// classifyNet maps a socket write error to a delivery outcome.
func classifyNet(err error) scheduler.Outcome {
	switch {
	case err == nil:
		return scheduler.Delivered
	case errors.Is(err, os.ErrDeadlineExceeded),
		errors.Is(err, syscall.ECONNREFUSED), // peer not listening yet
		errors.Is(err, syscall.ENOBUFS),
		errors.Is(err, syscall.EAGAIN):
		return scheduler.Blocked
	default:
		// EMSGSIZE, a closed socket and anything unrecognised will not
		// improve by retrying the same payload.
		return scheduler.Fatal
	}
}
