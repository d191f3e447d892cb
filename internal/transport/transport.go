// Package transport moves MADs between the PA server and its clients. The
// fabric's management queue pair is emulated over UDP: each datagram carries a
// route preamble followed by the MAD.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/yuuki/paserver/internal/mad"
)

var (
	// ErrTimeout is returned by Recv when no packet arrived within the wait.
	ErrTimeout = errors.New("transport: receive timed out")
	// ErrClosed is returned once the transport has been closed.
	ErrClosed = errors.New("transport: closed")
	// ErrNoRoute is returned when a destination LID has no known address.
	ErrNoRoute = errors.New("transport: no route to destination LID")
)

// Transport is a bidirectional MAD endpoint. Send must be safe to call while
// another goroutine is blocked in Recv.
type Transport interface {
	Send(pkt *mad.Packet) error
	// Recv waits at most wait for the next packet. A non-positive wait polls.
	Recv(ctx context.Context, wait time.Duration) (*mad.Packet, error)
	Name() string
}

// Filter selects which inbound packets an endpoint receives.
type Filter func(pkt *mad.Packet) bool

// RMPPControl matches RMPP traffic for transfers in flight: ACK, STOP,
// ABORT and any RMPP packet that is not a single-segment request.
func RMPPControl(pkt *mad.Packet) bool { return pkt.IsRMPPControl() }

// Requests matches everything that is not RMPP control traffic.
func Requests(pkt *mad.Packet) bool { return !pkt.IsRMPPControl() }

// recvFrom waits on ch the way every endpoint in this package does.
func recvFrom(ctx context.Context, ch <-chan *mad.Packet, closed <-chan struct{}, wait time.Duration) (*mad.Packet, error) {
	select {
	case pkt := <-ch:
		return pkt, nil
	default:
	}
	if wait <= 0 {
		return nil, ErrTimeout
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case pkt := <-ch:
		return pkt, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// All matches every packet.
func All(*mad.Packet) bool { return true }
