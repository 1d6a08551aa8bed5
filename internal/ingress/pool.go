package ingress

import "sync/atomic"

// Admitter accepts one raw frame.
type Admitter interface {
	Admit(raw []byte) error
}

// Pool spreads pushed frames across several Receivers round-robin, the way a
// shared UDP socket spreads datagrams across the instances reading it.
type Pool struct {
	receivers []*Receiver
	next      atomic.Uint64
}

// NewPool creates a Pool over rs. It panics if rs is empty.
func NewPool(rs ...*Receiver) *Pool {
	if len(rs) == 0 {
		panic("ingress: NewPool needs at least one receiver")
	}
	return &Pool{receivers: rs}
}

// Admit hands raw to the next receiver.
func (p *Pool) Admit(raw []byte) error {
	i := p.next.Add(1) - 1
	return p.receivers[i%uint64(len(p.receivers))].Admit(raw)
}
