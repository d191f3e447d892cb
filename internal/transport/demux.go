package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yuuki/paserver/internal/mad"
)

const demuxPollInterval = 50 * time.Millisecond

// Demux splits one Transport into filtered endpoints, the way UDPMux does for
// its socket. Sends on any endpoint go straight to the underlying transport.
type Demux struct {
	src       Transport
	endpoints []*demuxEndpoint

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type demuxEndpoint struct {
	name   string
	demux  *Demux
	filter Filter
	ch     chan *mad.Packet
}

// NewDemux wraps src. Attach endpoints before calling Start.
func NewDemux(src Transport) *Demux {
	return &Demux{src: src, stopCh: make(chan struct{})}
}

// Endpoint attaches a filtered endpoint.
func (d *Demux) Endpoint(name string, filter Filter, depth int) Transport {
	if depth <= 0 {
		depth = defaultEndpointDepth
	}
	ep := &demuxEndpoint{name: name, demux: d, filter: filter, ch: make(chan *mad.Packet, depth)}
	d.endpoints = append(d.endpoints, ep)
	return ep
}

// Start pumps packets from the source until Stop or ctx cancellation.
func (d *Demux) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case <-d.stopCh:
				return
			case <-ctx.Done():
				return
			default:
			}
			pkt, err := d.src.Recv(ctx, demuxPollInterval)
			if err != nil {
				if errors.Is(err, ErrTimeout) {
					continue
				}
				if !errors.Is(err, ErrClosed) && !errors.Is(err, context.Canceled) {
					log.Error().Err(err).Str("source", d.src.Name()).Msg("Demux receive failed")
				}
				return
			}
			d.route(pkt)
		}
	}()
}

// Stop halts the pump and waits for it to exit.
func (d *Demux) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
}

func (d *Demux) route(pkt *mad.Packet) {
	for _, ep := range d.endpoints {
		if ep.filter != nil && !ep.filter(pkt) {
			continue
		}
		select {
		case ep.ch <- pkt:
		default:
			log.Warn().Str("endpoint", ep.name).Msg("Endpoint queue full, dropping packet")
		}
		return
	}
}

func (e *demuxEndpoint) Send(pkt *mad.Packet) error { return e.demux.src.Send(pkt) }

func (e *demuxEndpoint) Recv(ctx context.Context, wait time.Duration) (*mad.Packet, error) {
	return recvFrom(ctx, e.ch, e.demux.stopCh, wait)
}

func (e *demuxEndpoint) Name() string { return e.name }
