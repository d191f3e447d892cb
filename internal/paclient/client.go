// Package paclient queries a PA server. For table replies it acts as the RMPP
// receiver: it acknowledges each window, reassembles the segments and checks
// the advertised payload length.
package paclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yuuki/paserver/internal/mad"
	"github.com/yuuki/paserver/internal/transport"
)

var (
	// ErrTimeout is returned when the server stopped answering.
	ErrTimeout = errors.New("paclient: request timed out")
	// ErrAborted is returned when the server stopped or aborted the transfer.
	ErrAborted = errors.New("paclient: transfer terminated by server")
	// ErrProtocol is returned when the reply violates RMPP. The client
	// aborts the transfer before returning it.
	ErrProtocol = errors.New("paclient: RMPP protocol violation")
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("paclient: client closed")
)

const (
	pollInterval = 100 * time.Millisecond
	queueDepth   = 64
)

// Config controls addressing and retransmission.
type Config struct {
	LocalLID  uint16
	ServerLID uint16
	PKey      uint16
	// Window is how many segments are granted per ACK. It must not be
	// smaller than the server's initial window minus one.
	Window     uint32
	Timeout    time.Duration
	MaxRetries int
}

// DefaultConfig returns the client defaults.
func DefaultConfig() Config {
	return Config{
		LocalLID:   2,
		ServerLID:  1,
		PKey:       0xFFFF,
		Window:     4,
		Timeout:    5 * time.Second,
		MaxRetries: 3,
	}
}

// StatusError is returned by Result.Err for non-OK replies.
type StatusError struct {
	Status mad.Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("PA request failed: %s", e.Status)
}

// Result is a complete reply.
type Result struct {
	Status mad.Status
	Method mad.Method
	// RecordSize is the table record size in bytes, zero for single replies.
	RecordSize int
	Data       []byte
	// Segments is the number of RMPP segments received, zero for single
	// replies.
	Segments int
}

// Err returns a *StatusError unless the reply status is OK.
func (r *Result) Err() error {
	if r.Status != mad.StatusOK {
		return &StatusError{Status: r.Status}
	}
	return nil
}

// Client sends PA requests over a transport. Concurrent queries are
// demultiplexed by transaction ID.
type Client struct {
	tr  transport.Transport
	cfg Config

	nextTID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan *mad.Packet

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New starts a client receiving on tr.
func New(tr transport.Transport, cfg Config) *Client {
	if cfg.Window == 0 {
		cfg.Window = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		tr:      tr,
		cfg:     cfg,
		pending: make(map[uint64]chan *mad.Packet),
		ctx:     ctx,
		cancel:  cancel,
	}
	c.nextTID.Store(uint64(time.Now().UnixNano()) << 16)

	c.wg.Add(1)
	go c.recvLoop()
	return c
}

// Close stops the receive loop. Pending queries fail with ErrClosed.
func (c *Client) Close() {
	c.cancel()
	c.wg.Wait()
}

func (c *Client) recvLoop() {
	defer c.wg.Done()
	for {
		pkt, err := c.tr.Recv(c.ctx, pollInterval)
		if err != nil {
			if errors.Is(err, transport.ErrTimeout) {
				continue
			}
			if c.ctx.Err() == nil && !errors.Is(err, transport.ErrClosed) {
				log.Error().Err(err).Msg("PA client receive failed")
			}
			return
		}

		tid := pkt.Common.TransactionID
		c.mu.Lock()
		ch := c.pending[tid]
		c.mu.Unlock()
		if ch == nil {
			log.Debug().Uint64("tid", tid).Msg("Dropping reply for unknown transaction")
			continue
		}
		select {
		case ch <- pkt:
		default:
			log.Warn().Uint64("tid", tid).Msg("Reply queue full, dropping packet")
		}
	}
}

// Query sends one request and waits for its complete reply. A non-OK reply
// status is not an error; check Result.Err.
func (c *Client) Query(ctx context.Context, method mad.Method, attributeID uint16, data []byte) (*Result, error) {
	tid := c.nextTID.Add(1)
	ch := make(chan *mad.Packet, queueDepth)
	c.mu.Lock()
	c.pending[tid] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, tid)
		c.mu.Unlock()
	}()

	req := c.request(method, attributeID, tid, data)
	if err := c.tr.Send(req); err != nil {
		return nil, fmt.Errorf("failed to send %s request: %w", method, err)
	}

	var first *mad.Packet
	for retries := 0; first == nil; retries++ {
		pkt, err := c.wait(ctx, ch)
		switch {
		case err == nil:
			first = pkt
		case errors.Is(err, ErrTimeout) && retries < c.cfg.MaxRetries:
			log.Debug().Uint64("tid", tid).Int("retry", retries+1).Msg("Resending PA request")
			if err := c.tr.Send(req); err != nil {
				return nil, fmt.Errorf("failed to resend %s request: %w", method, err)
			}
		default:
			return nil, err
		}
	}

	if !first.RMPP.Active() {
		return &Result{
			Status: first.Common.Status,
			Method: first.Common.Method,
			Data:   first.Data,
		}, nil
	}
	rx := &receiver{client: c, req: req, ackAt: 1}
	return rx.run(ctx, first, ch)
}

func (c *Client) request(method mad.Method, attributeID uint16, tid uint64, data []byte) *mad.Packet {
	return &mad.Packet{
		Envelope: mad.Envelope{
			Route: mad.Route{SLID: c.cfg.LocalLID, DLID: c.cfg.ServerLID, PKey: c.cfg.PKey},
			Common: mad.CommonHeader{
				BaseVersion:   mad.BaseVersion,
				MgmtClass:     mad.ClassPA,
				ClassVersion:  mad.PAClassVersion,
				Method:        method,
				TransactionID: tid,
				AttributeID:   attributeID,
			},
		},
		Data: data,
	}
}

// wait returns the next packet of a transaction or ErrTimeout after one
// timeout period.
func (c *Client) wait(ctx context.Context, ch <-chan *mad.Packet) (*mad.Packet, error) {
	timer := time.NewTimer(c.cfg.Timeout)
	defer timer.Stop()

	select {
	case pkt := <-ch:
		return pkt, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, ErrClosed
	}
}
