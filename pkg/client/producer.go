package client

import (
	"net"
	"sync"

	"github.com/snehjoshi/lateq/internal/frame"
)

// Producer sends schedule frames to a lateq UDP ingress. It is safe for
// concurrent use.
type Producer struct {
	mu   sync.Mutex
	conn net.Conn
	buf  []byte
}

// NewProducer dials the ingress at addr ("host:port"). Dialing UDP sends
// nothing, so an absent server is not detected here.
func NewProducer(addr string) (*Producer, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, err
	}
	return &Producer{conn: conn}, nil
}

// Schedule asks the server to deliver payload after delay seconds. It never
// blocks on the server and never reports failure: a refused or lost
// datagram is silently dropped.
func (p *Producer) Schedule(delay float32, payload []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buf = frame.AppendEncode(p.buf[:0], delay, payload)
	_, _ = p.conn.Write(p.buf)
}

// ScheduleKeyed schedules value for the ready list named key.
func (p *Producer) ScheduleKeyed(delay float32, key string, value []byte) {
	payload := make([]byte, 0, len(key)+1+len(value))
	payload = append(payload, key...)
	payload = append(payload, '\t')
	payload = append(payload, value...)
	p.Schedule(delay, payload)
}

// Close releases the socket.
func (p *Producer) Close() error { return p.conn.Close() }
