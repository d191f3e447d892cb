package pa

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"go.uber.org/ratelimit"

	"github.com/yuuki/paserver/internal/mad"
	"github.com/yuuki/paserver/internal/transport"
)

// Request is the view of an admitted request handed to attribute handlers.
type Request struct {
	Envelope mad.Envelope
	Data     []byte
	// Scratch holds the multi-record request data for GETMULTI.
	Scratch []byte
}

// Handler builds response payloads. Supports is consulted before admission;
// unsupported method/attribute pairs are answered with request-invalid.
type Handler interface {
	Supports(method mad.Method, attributeID uint16) bool
	Handle(ctx context.Context, req *Request) Response
}

// Server runs the reader and writer loops over a ProtocolState.
type Server struct {
	state   *ProtocolState
	reader  transport.Transport
	writer  transport.Transport
	handler Handler
	limiter ratelimit.Limiter

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewServer wires a state to its reader (new requests) and writer (RMPP
// control traffic) transports.
func NewServer(state *ProtocolState, reader, writer transport.Transport, handler Handler) *Server {
	limiter := ratelimit.NewUnlimited()
	if rate := state.cfg.RequestRateLimit; rate > 0 {
		limiter = ratelimit.New(rate)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		state:   state,
		reader:  reader,
		writer:  writer,
		handler: handler,
		limiter: limiter,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the reader and writer goroutines.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("PA server already running")
	}
	if s.ctx.Err() != nil {
		return fmt.Errorf("PA server already stopped")
	}
	s.running = true

	s.wg.Add(2)
	go s.readerLoop()
	go s.writerLoop()

	log.Info().
		Str("reader", s.reader.Name()).
		Str("writer", s.writer.Name()).
		Msg("PA server started")
	return nil
}

// Stop cancels both loops and waits for them to exit.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.state.LogStats()
	log.Info().Msg("PA server stopped")
}

func (s *Server) readerLoop() {
	defer s.wg.Done()
	for {
		pkt, err := s.reader.Recv(s.ctx, s.state.cfg.ReceiveWait)
		if err != nil {
			if errors.Is(err, transport.ErrTimeout) {
				if s.ctx.Err() != nil {
					return
				}
				continue
			}
			if s.ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return
			}
			log.Error().Err(err).Msg("Reader receive failed")
			continue
		}
		s.serveRequest(pkt)
	}
}

// serveRequest validates, admits and answers one request.
func (s *Server) serveRequest(pkt *mad.Packet) {
	hdr := pkt.Common
	if hdr.Method.IsResponse() {
		log.Debug().Str("method", hdr.Method.String()).Msg("Ignoring response MAD on request path")
		return
	}
	if hdr.BaseVersion != mad.BaseVersion {
		log.Debug().Uint8("base_version", hdr.BaseVersion).Msg("Dropping MAD with unknown base version")
		return
	}
	if hdr.MgmtClass != mad.ClassPA || hdr.ClassVersion != mad.PAClassVersion {
		s.replyStatus(pkt, mad.StatusBadClass)
		return
	}
	if pkt.RMPP.Active() && (pkt.RMPP.Type != mad.RMPPTypeData || !pkt.RMPP.First() || !pkt.RMPP.Last()) {
		// Multi-segment requests are not reassembled.
		s.replyStatus(pkt, mad.StatusRequestInval)
		return
	}
	if !s.handler.Supports(hdr.Method, hdr.AttributeID) {
		s.replyStatus(pkt, mad.StatusRequestInval)
		return
	}

	s.limiter.Take()

	ref, admission := s.state.Admit(pkt)
	switch admission {
	case AdmitStale, AdmitDuplicate:
		return
	case AdmitNotAvailable:
		s.replyStatus(pkt, mad.StatusBusy)
		return
	}
	defer func() {
		if err := s.state.Release(&ref); err != nil {
			log.Error().Err(err).Msg("Failed to release request context")
		}
	}()

	req := &Request{
		Envelope: pkt.Envelope,
		Data:     pkt.Data,
		Scratch:  s.state.RequestScratch(ref),
	}
	resp := s.handler.Handle(s.ctx, req)
	s.state.Reply(ref, resp, s.reader)
}

func (s *Server) replyStatus(pkt *mad.Packet, status mad.Status) {
	if err := s.state.ReplyStatus(pkt, status, s.reader); err != nil {
		log.Error().Err(err).Uint16("lid", pkt.Route.SLID).Msg("Failed to send status reply")
	}
}

// handleControl feeds pkt to its transfer. DATA that matches no transfer is
// a multi-segment request and goes through the request checks instead.
func (s *Server) handleControl(pkt *mad.Packet) {
	if _, ok := s.state.HandleControl(pkt, s.writer); ok {
		return
	}
	if pkt.RMPP.Type == mad.RMPPTypeData {
		s.serveRequest(pkt)
	}
}

func (s *Server) writerLoop() {
	defer s.wg.Done()
	lastAge := s.state.clock.Now()
	for {
		pkt, err := s.writer.Recv(s.ctx, s.state.cfg.ReceiveWait)
		switch {
		case err == nil:
			s.handleControl(pkt)
		case errors.Is(err, transport.ErrTimeout):
		case s.ctx.Err() != nil, errors.Is(err, transport.ErrClosed):
			return
		default:
			log.Error().Err(err).Msg("Writer receive failed")
		}
		if s.ctx.Err() != nil {
			return
		}

		if s.state.clock.Since(lastAge) >= s.state.cfg.AgingInterval {
			s.state.Age(s.writer)
			lastAge = s.state.clock.Now()
		}
	}
}
