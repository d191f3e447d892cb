package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	pool "github.com/libp2p/go-buffer-pool"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/ipv4"
	"k8s.io/utils/clock"

	"github.com/yuuki/paserver/internal/mad"
)

const (
	datagramSize         = mad.RouteSize + mad.MADSize
	defaultEndpointDepth = 256
)

// UDPMux owns one UDP socket and fans inbound MADs out to filtered endpoints.
// It learns the address of each peer LID from the packets it receives.
type UDPMux struct {
	conn  *net.UDPConn
	pc    *ipv4.PacketConn
	clock clock.PassiveClock

	mu        sync.RWMutex
	peers     map[uint16]*net.UDPAddr
	endpoints []*Endpoint

	closeOnce sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup

	received atomic.Uint64
	dropped  atomic.Uint64
	sent     atomic.Uint64
}

// ListenUDP opens the socket at addr. Call Start after attaching endpoints.
func ListenUDP(addr string, clk clock.PassiveClock) (*UDPMux, error) {
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetControlMessage(ipv4.FlagInterface, true); err != nil {
		// Not every platform supports control messages; receiving still works.
		log.Debug().Err(err).Msg("Interface control messages unavailable")
	}

	if clk == nil {
		clk = clock.RealClock{}
	}
	return &UDPMux{
		conn:   conn,
		pc:     pc,
		clock:  clk,
		peers:  make(map[uint16]*net.UDPAddr),
		stopCh: make(chan struct{}),
	}, nil
}

// LocalAddr returns the bound socket address.
func (m *UDPMux) LocalAddr() *net.UDPAddr {
	return m.conn.LocalAddr().(*net.UDPAddr)
}

// AddPeer registers a static LID to address mapping.
func (m *UDPMux) AddPeer(lid uint16, addr *net.UDPAddr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers[lid] = addr
}

// Endpoint attaches a new filtered endpoint. Inbound packets go to the first
// endpoint whose filter matches, in attachment order.
func (m *UDPMux) Endpoint(name string, filter Filter, depth int) *Endpoint {
	if depth <= 0 {
		depth = defaultEndpointDepth
	}
	ep := &Endpoint{
		name:   name,
		mux:    m,
		filter: filter,
		ch:     make(chan *mad.Packet, depth),
	}
	m.mu.Lock()
	m.endpoints = append(m.endpoints, ep)
	m.mu.Unlock()
	return ep
}

// Start launches the receive loop.
func (m *UDPMux) Start() {
	m.wg.Add(1)
	go m.readLoop()
	log.Info().Str("addr", m.LocalAddr().String()).Msg("MAD transport listening")
}

// Close stops the receive loop and closes the socket.
func (m *UDPMux) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.stopCh)
		err = m.pc.Close()
		m.wg.Wait()
		log.Info().
			Uint64("received", m.received.Load()).
			Uint64("sent", m.sent.Load()).
			Uint64("dropped", m.dropped.Load()).
			Msg("MAD transport closed")
	})
	return err
}

func (m *UDPMux) readLoop() {
	defer m.wg.Done()

	buf := pool.Get(datagramSize)
	defer pool.Put(buf)

	for {
		n, cm, src, err := m.pc.ReadFrom(buf)
		if err != nil {
			select {
			case <-m.stopCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Error().Err(err).Msg("Failed to read datagram")
			continue
		}

		pkt, err := mad.Unmarshal(buf[:n])
		if err != nil {
			m.dropped.Add(1)
			log.Debug().Err(err).Str("src", src.String()).Msg("Dropping malformed datagram")
			continue
		}
		pkt.ReceivedAt = m.clock.Now()
		m.received.Add(1)

		if udpSrc, ok := src.(*net.UDPAddr); ok {
			m.learnPeer(pkt.Route.SLID, udpSrc)
		}
		if cm != nil {
			log.Trace().Int("ifindex", cm.IfIndex).Uint16("slid", pkt.Route.SLID).Msg("Datagram received")
		}

		m.dispatch(pkt)
	}
}

func (m *UDPMux) learnPeer(lid uint16, addr *net.UDPAddr) {
	m.mu.RLock()
	known, ok := m.peers[lid]
	m.mu.RUnlock()
	if ok && known.String() == addr.String() {
		return
	}
	m.mu.Lock()
	m.peers[lid] = addr
	m.mu.Unlock()
}

func (m *UDPMux) dispatch(pkt *mad.Packet) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ep := range m.endpoints {
		if ep.filter != nil && !ep.filter(pkt) {
			continue
		}
		select {
		case ep.ch <- pkt:
		default:
			m.dropped.Add(1)
			log.Warn().Str("endpoint", ep.name).Msg("Endpoint queue full, dropping packet")
		}
		return
	}
	m.dropped.Add(1)
}

func (m *UDPMux) send(pkt *mad.Packet) error {
	select {
	case <-m.stopCh:
		return ErrClosed
	default:
	}

	m.mu.RLock()
	addr, ok := m.peers[pkt.Route.DLID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrNoRoute, pkt.Route.DLID)
	}

	b, err := pkt.Marshal()
	if err != nil {
		return err
	}
	if _, err := m.pc.WriteTo(b, nil, addr); err != nil {
		return fmt.Errorf("failed to send to %s: %w", addr, err)
	}
	m.sent.Add(1)
	return nil
}

// Endpoint is one filtered view of a UDPMux.
type Endpoint struct {
	name   string
	mux    *UDPMux
	filter Filter
	ch     chan *mad.Packet
}

// Send transmits pkt to the address learned for its destination LID.
func (e *Endpoint) Send(pkt *mad.Packet) error {
	return e.mux.send(pkt)
}

// Recv returns the next packet routed to this endpoint.
func (e *Endpoint) Recv(ctx context.Context, wait time.Duration) (*mad.Packet, error) {
	return recvFrom(ctx, e.ch, e.mux.stopCh, wait)
}

// Name identifies the endpoint in logs.
func (e *Endpoint) Name() string { return e.name }
