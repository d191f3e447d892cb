package paclient

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/yuuki/paserver/internal/mad"
)

// receiver is the RMPP receive side of one transfer.
type receiver struct {
	client *Client
	req    *mad.Packet

	data          []byte
	expected      uint32
	ackAt         uint32
	payloadLength uint32
	retries       int
}

func (r *receiver) run(ctx context.Context, first *mad.Packet, ch <-chan *mad.Packet) (*Result, error) {
	res := &Result{
		Status:     first.Common.Status,
		Method:     first.Common.Method,
		RecordSize: int(first.SA.AttributeOffset) * 8,
	}
	r.expected = 1

	pkt := first
	for {
		if pkt != nil {
			done, err := r.handle(pkt)
			if err != nil {
				return nil, err
			}
			if done {
				res.Data = r.data
				res.Segments = int(r.expected - 1)
				return res, nil
			}
		}

		next, err := r.client.wait(ctx, ch)
		switch {
		case err == nil:
			pkt = next
		case errors.Is(err, ErrTimeout):
			r.retries++
			if r.retries > r.client.cfg.MaxRetries {
				r.terminate(mad.RMPPTypeAbort, mad.RMPPStatusTooManyRetries)
				return nil, ErrTimeout
			}
			// Re-acknowledge so the sender resends from the gap.
			if r.expected > 1 {
				r.ack(r.expected-1, r.ackAt)
			}
			pkt = nil
		default:
			r.terminate(mad.RMPPTypeStop, mad.RMPPStatusResourcesExhausted)
			return nil, err
		}
	}
}

// handle consumes one packet and reports whether the transfer is complete.
func (r *receiver) handle(pkt *mad.Packet) (bool, error) {
	hdr := pkt.RMPP
	switch hdr.Type {
	case mad.RMPPTypeData:
	case mad.RMPPTypeStop, mad.RMPPTypeAbort:
		return false, fmt.Errorf("%w: %s with status %d", ErrAborted, hdr.Type, hdr.Status)
	default:
		return false, r.violation(mad.RMPPStatusBadType, "unexpected RMPP type %s", hdr.Type)
	}

	seg := hdr.SegmentNumber
	switch {
	case seg < r.expected:
		// A resent window overlapping what we already have.
		if r.expected > 1 {
			r.ack(r.expected-1, r.ackAt)
		}
		return false, nil
	case seg > r.expected:
		log.Debug().Uint32("segment", seg).Uint32("expected", r.expected).Msg("RMPP segment gap")
		return false, nil
	}

	if hdr.First() != (seg == 1) {
		return false, r.violation(mad.RMPPStatusInconsistentFirst, "segment %d first flag %t", seg, hdr.First())
	}
	if seg == 1 {
		r.payloadLength = hdr.PayloadLength
	}
	if !hdr.Last() && len(pkt.Data) != mad.DataSize {
		return false, r.violation(mad.RMPPStatusInconsistentLength, "segment %d carries %d bytes", seg, len(pkt.Data))
	}

	r.data = append(r.data, pkt.Data...)
	r.expected++
	r.retries = 0

	if hdr.Last() {
		if err := r.validate(seg, hdr, len(pkt.Data)); err != nil {
			return false, err
		}
		r.ack(seg, seg)
		return true, nil
	}
	if seg >= r.ackAt {
		r.ackAt = seg + r.client.cfg.Window
		r.ack(seg, r.ackAt)
	}
	return false, nil
}

// validate checks the lengths advertised by the first and last segments.
func (r *receiver) validate(segments uint32, last mad.RMPPHeader, lastLen int) error {
	want := uint32(len(r.data)) + segments*mad.SAHeaderSize
	if r.payloadLength != want {
		return r.violation(mad.RMPPStatusInconsistentLength,
			"first segment advertised %d, received %d", r.payloadLength, want)
	}
	if segments > 1 && last.PayloadLength != uint32(lastLen)+mad.SAHeaderSize {
		return r.violation(mad.RMPPStatusInconsistentLength,
			"last segment advertised %d, carries %d", last.PayloadLength, lastLen)
	}
	return nil
}

func (r *receiver) violation(status mad.RMPPStatus, format string, args ...any) error {
	r.terminate(mad.RMPPTypeAbort, status)
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}

func (r *receiver) control(typ mad.RMPPType) *mad.Packet {
	pkt := &mad.Packet{Envelope: r.req.Envelope}
	pkt.RMPP = mad.RMPPHeader{
		Version: mad.RMPPVersion,
		Type:    typ,
		Flags:   mad.RMPPFlagActive,
	}
	return pkt
}

func (r *receiver) ack(seg, newWindowLast uint32) {
	pkt := r.control(mad.RMPPTypeAck)
	pkt.RMPP.RespTime = mad.RMPPNoRespTime
	pkt.RMPP.SegmentNumber = seg
	pkt.RMPP.PayloadLength = newWindowLast
	if err := r.client.tr.Send(pkt); err != nil {
		log.Warn().Err(err).Uint32("segment", seg).Msg("Failed to send RMPP ACK")
	}
}

func (r *receiver) terminate(typ mad.RMPPType, status mad.RMPPStatus) {
	pkt := r.control(typ)
	pkt.RMPP.Status = status
	log.Debug().
		Uint64("tid", r.req.Common.TransactionID).
		Str("type", typ.String()).
		Uint8("status", uint8(status)).
		Msg("Terminating RMPP transfer")
	if err := r.client.tr.Send(pkt); err != nil {
		log.Warn().Err(err).Msg("Failed to send RMPP termination")
	}
}
