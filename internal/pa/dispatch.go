package pa

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/yuuki/paserver/internal/mad"
	"github.com/yuuki/paserver/internal/transport"
)

// Response is what an attribute handler produces for one request.
type Response struct {
	// Payload is the complete response data. Ownership passes to the
	// context; Release is called with it when the context retires.
	Payload []byte
	Release func([]byte)
	Status  mad.Status
	// RecordSize is the size in bytes of one record in a table reply.
	RecordSize int
}

func (r Response) discard() {
	if r.Payload != nil && r.Release != nil {
		r.Release(r.Payload)
	}
}

// Reply sends resp for the request held by ref. Table methods always go
// through the RMPP engine; everything else is one reply packet that never
// touches the hash table. ref stays owned by the caller.
func (s *ProtocolState) Reply(ref Ref, resp Response, via transport.Transport) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !ref.valid() {
		resp.discard()
		log.Warn().Msg("Reply on stale context reference dropped")
		return OutcomeReleased
	}
	c := ref.c
	c.payload = resp.Payload
	c.release = resp.Release
	c.replyStatus = resp.Status
	if resp.RecordSize > 0 {
		c.attributeOffset = uint16(resp.RecordSize / 8)
	}
	if c.replyStatus == mad.StatusOK && len(c.payload) == 0 {
		c.replyStatus = mad.StatusNoResources
	}

	if c.method.IsTable() {
		if len(c.payload) > s.cfg.MaxRMPPDataLength {
			log.Warn().
				Uint16("lid", c.key.lid).
				Uint64("tid", c.key.tid).
				Int("length", len(c.payload)).
				Msg("Response exceeds RMPP limit, replying with no resources")
			s.dropPayloadLocked(c)
			c.replyStatus = mad.StatusNoResources
		}
		return s.driveLocked(c, via, nil, false)
	}

	if len(c.payload) > mad.DataSize {
		log.Warn().
			Uint16("lid", c.key.lid).
			Uint64("tid", c.key.tid).
			Int("length", len(c.payload)).
			Msg("Response exceeds single MAD, replying with too many records")
		s.dropPayloadLocked(c)
		c.replyStatus = mad.StatusTooManyRecs
	}

	pkt := &mad.Packet{Envelope: c.request.ReplyEnvelope(), Data: c.payload}
	pkt.Common.Status = c.replyStatus
	pkt.SA.AttributeOffset = c.attributeOffset
	if err := via.Send(pkt); err != nil {
		s.stats.sendFailures++
		s.recorder.RecordSendFailure()
		log.Error().Err(err).Uint16("lid", c.key.lid).Uint64("tid", c.key.tid).Msg("Failed to send reply")
		return OutcomeReleased
	}
	s.stats.singleReplies++
	return OutcomeComplete
}

func (s *ProtocolState) dropPayloadLocked(c *Context) {
	if c.payload != nil && c.release != nil {
		c.release(c.payload)
	}
	c.payload = nil
	c.release = nil
}

// ReplyStatus answers req with an empty single-packet reply carrying status,
// without allocating a context. It serves busy and invalid-request replies.
func (s *ProtocolState) ReplyStatus(req *mad.Packet, status mad.Status, via transport.Transport) error {
	pkt := &mad.Packet{Envelope: req.Envelope.ReplyEnvelope()}
	pkt.Common.Status = status
	err := via.Send(pkt)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.stats.sendFailures++
		s.recorder.RecordSendFailure()
		return fmt.Errorf("failed to send %s reply: %w", status, err)
	}
	if status == mad.StatusBusy {
		s.stats.busyReplies++
	} else {
		s.stats.statusReplies++
	}
	return nil
}

// HandleControl feeds an inbound ACK, STOP or ABORT to the transfer it
// belongs to. It reports false if no transfer matched.
func (s *ProtocolState) HandleControl(pkt *mad.Packet, via transport.Transport) (Outcome, bool) {
	lid, tid := pkt.Key()

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.findLocked(contextKey{lid: lid, tid: tid})
	if c == nil {
		s.stats.orphanControl++
		if s.cfg.DebugRMPP {
			log.Debug().
				Uint16("lid", lid).
				Uint64("tid", tid).
				Str("type", pkt.RMPP.Type.String()).
				Msg("No transfer for RMPP control packet")
		}
		return OutcomeReleased, false
	}
	outcome := s.driveLocked(c, via, pkt, false)
	s.releaseLocked(c)
	return outcome, true
}

// Age runs one sweep over every hashed context, timing out those that have
// not been touched within their response timeout. It returns how many
// contexts timed out.
func (s *ProtocolState) Age(via transport.Transport) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	expired := 0
	for _, c := range s.table.snapshot() {
		if !c.hashed || now.Sub(c.timestamp) <= c.responseTimeout {
			continue
		}
		expired++
		s.table.moveToHead(c)
		c.timestamp = now
		s.reserveLocked(c)
		if s.driveLocked(c, via, nil, true) == OutcomeAbortDeferred {
			s.unhashLocked(c)
		}
		s.releaseLocked(c)
	}
	if expired > 0 {
		log.Debug().Int("expired", expired).Int("hashed", s.table.len()).Msg("Aging sweep")
	}
	return expired
}
