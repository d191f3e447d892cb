package transport

import (
	"context"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/yuuki/paserver/internal/mad"
)

// Pipe is an in-memory pair of connected transports. Packets sent on one side
// are received on the other, stamped with the receive time from the pipe's
// clock. Data is copied so neither side can observe the other's buffers.
type Pipe struct {
	clock     clock.PassiveClock
	closeOnce sync.Once
	closed    chan struct{}
	left      *PipeEnd
	right     *PipeEnd
}

// PipeEnd is one side of a Pipe.
type PipeEnd struct {
	name string
	pipe *Pipe
	in   chan *mad.Packet
	peer *PipeEnd
}

// NewPipe returns a connected pair with the given queue depth.
func NewPipe(clk clock.PassiveClock, depth int) *Pipe {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if depth <= 0 {
		depth = defaultEndpointDepth
	}
	p := &Pipe{clock: clk, closed: make(chan struct{})}
	p.left = &PipeEnd{name: "pipe-left", pipe: p, in: make(chan *mad.Packet, depth)}
	p.right = &PipeEnd{name: "pipe-right", pipe: p, in: make(chan *mad.Packet, depth)}
	p.left.peer = p.right
	p.right.peer = p.left
	return p
}

// Left returns the first end.
func (p *Pipe) Left() *PipeEnd { return p.left }

// Right returns the second end.
func (p *Pipe) Right() *PipeEnd { return p.right }

// Close unblocks every pending Recv.
func (p *Pipe) Close() {
	p.closeOnce.Do(func() { close(p.closed) })
}

// Send delivers a copy of pkt to the peer end.
func (e *PipeEnd) Send(pkt *mad.Packet) error {
	select {
	case <-e.pipe.closed:
		return ErrClosed
	default:
	}
	cp := *pkt
	if pkt.Data != nil {
		cp.Data = append([]byte(nil), pkt.Data...)
	}
	cp.ReceivedAt = e.pipe.clock.Now()
	select {
	case e.peer.in <- &cp:
		return nil
	case <-e.pipe.closed:
		return ErrClosed
	}
}

// Recv returns the next packet sent by the peer end.
func (e *PipeEnd) Recv(ctx context.Context, wait time.Duration) (*mad.Packet, error) {
	return recvFrom(ctx, e.in, e.pipe.closed, wait)
}

// Name identifies the end in logs.
func (e *PipeEnd) Name() string { return e.name }
