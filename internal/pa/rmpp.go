package pa

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"

	"github.com/yuuki/paserver/internal/mad"
	"github.com/yuuki/paserver/internal/transport"
)

// Outcome tells the caller of the engine what happened to a transfer.
type Outcome uint8

const (
	// OutcomeContinue: the transfer is still in flight.
	OutcomeContinue Outcome = iota
	// OutcomeComplete: the last segment was acknowledged, or a
	// single-packet reply was sent.
	OutcomeComplete
	// OutcomeReleased: the transfer ended without completing, because the
	// peer stopped it or a send failed.
	OutcomeReleased
	// OutcomeAborted: a local abort was sent and the context unhashed.
	OutcomeAborted
	// OutcomeAbortDeferred: an abort was sent; the caller must unhash.
	OutcomeAbortDeferred
)

func (o Outcome) String() string {
	switch o {
	case OutcomeContinue:
		return "continue"
	case OutcomeComplete:
		return "complete"
	case OutcomeReleased:
		return "released"
	case OutcomeAborted:
		return "aborted"
	case OutcomeAbortDeferred:
		return "abort_deferred"
	}
	return fmt.Sprintf("outcome(%d)", uint8(o))
}

// segmentsFor returns the number of segments needed for n payload bytes. An
// empty payload still takes one segment.
func segmentsFor(n int) uint32 {
	if n == 0 {
		return 1
	}
	return uint32((n + mad.DataSize - 1) / mad.DataSize)
}

// driveLocked runs one engine step for c: start it, feed it an inbound
// control packet, or time it out, then act on the resulting state.
func (s *ProtocolState) driveLocked(c *Context, via transport.Transport, inbound *mad.Packet, timedOut bool) Outcome {
	c.sendHandle = via
	switch {
	case c.state == StateIdle && !c.hashed:
		s.startLocked(c)
	case inbound != nil:
		if !s.processInboundLocked(c, inbound) {
			return OutcomeContinue
		}
	case timedOut:
		s.processTimeoutLocked(c)
	}
	return s.settleLocked(c)
}

func (s *ProtocolState) settleLocked(c *Context) Outcome {
	switch c.state {
	case StateComplete:
		s.stats.completed++
		s.recordTransferLocked(c, OutcomeComplete)
		s.unhashLocked(c)
		return OutcomeComplete

	case StateStopped:
		s.stats.peerStopped++
		s.recordTransferLocked(c, OutcomeReleased)
		s.unhashLocked(c)
		return OutcomeReleased

	case StateAborting:
		s.sendAbortLocked(c)
		s.stats.aborts[c.abortReason]++
		if c.abortReason == AbortTooManyRetries {
			s.recordTransferLocked(c, OutcomeAbortDeferred)
			return OutcomeAbortDeferred
		}
		s.recordTransferLocked(c, OutcomeAborted)
		s.unhashLocked(c)
		return OutcomeAborted
	}

	if !s.sendWindowLocked(c) {
		s.recordTransferLocked(c, OutcomeReleased)
		s.unhashLocked(c)
		return OutcomeReleased
	}
	return OutcomeContinue
}

func (s *ProtocolState) recordTransferLocked(c *Context, outcome Outcome) {
	s.recorder.RecordTransfer(outcome, c.abortReason, s.clock.Since(c.startedAt))
}

// startLocked sizes the transfer, opens the first window and links c into
// the hash table.
func (s *ProtocolState) startLocked(c *Context) {
	now := s.clock.Now()
	c.startedAt = now
	c.timestamp = now
	s.stats.started++

	if len(c.payload) > s.cfg.MaxRMPPDataLength {
		log.Info().
			Uint16("lid", c.key.lid).
			Uint64("tid", c.key.tid).
			Int("length", len(c.payload)).
			Msg("RMPP payload too large, aborting")
		c.abort(AbortTooLarge)
		return
	}

	c.segmentTotal = segmentsFor(len(c.payload))
	c.windowFirst = 1
	c.nextSegment = 1
	c.windowLast = min(s.cfg.InitialWindow, c.segmentTotal)
	c.expectedSegment = 0
	c.lastAcked = 0
	c.retryCount = 0
	c.responseTimeout = ResponseTimeout(s.cfg.PacketLifetime, s.cfg.RespTimeValue)
	if s.cfg.ChecksumEnabled {
		c.checksum = xxhash.Sum64(c.payload)
	}
	c.state = StateSending
	s.insertLocked(c)

	s.transferLog(c).Int("length", len(c.payload)).Msg("RMPP transfer started")
}

// processInboundLocked applies an ACK, STOP or ABORT to c. It reports false
// when the packet was discarded without effect.
func (s *ProtocolState) processInboundLocked(c *Context, pkt *mad.Packet) bool {
	if c.state != StateSending {
		return false
	}
	hdr := pkt.RMPP

	if hdr.Version != mad.RMPPVersion {
		c.abort(AbortUnsupportedVersion)
		return true
	}
	if !hdr.Active() {
		c.abort(AbortInactive)
		return true
	}

	switch hdr.Type {
	case mad.RMPPTypeAck:
		return s.processAckLocked(c, hdr)
	case mad.RMPPTypeStop, mad.RMPPTypeAbort:
		log.Info().
			Uint16("lid", c.key.lid).
			Uint64("tid", c.key.tid).
			Str("type", hdr.Type.String()).
			Uint8("status", uint8(hdr.Status)).
			Msg("Peer terminated RMPP transfer")
		c.state = StateStopped
		return true
	default:
		c.abort(AbortBadType)
		return true
	}
}

func (s *ProtocolState) processAckLocked(c *Context, hdr mad.RMPPHeader) bool {
	seg := hdr.SegmentNumber
	nwl := hdr.NewWindowLast()

	if seg < c.windowFirst {
		s.transferLog(c).Uint32("ack", seg).Msg("Ignoring stale ACK")
		return false
	}
	if seg > c.windowLast {
		log.Info().Uint16("lid", c.key.lid).Uint64("tid", c.key.tid).
			Uint32("ack", seg).Uint32("wl", c.windowLast).
			Msg("ACK beyond window, aborting")
		c.abort(AbortSegmentTooBig)
		return true
	}
	if nwl < c.windowLast {
		log.Info().Uint16("lid", c.key.lid).Uint64("tid", c.key.tid).
			Uint32("nwl", nwl).Uint32("wl", c.windowLast).
			Msg("ACK shrinks window, aborting")
		c.abort(AbortNewWindowTooSmall)
		return true
	}

	if seg >= c.lastAcked {
		c.lastAcked = seg
		c.retryCount = 0

		if seg == c.segmentTotal {
			s.completeLocked(c)
			return true
		}

		c.windowFirst = c.lastAcked + 1
		c.windowLast = min(nwl, c.segmentTotal)
		if c.nextSegment < c.windowFirst {
			c.nextSegment = c.windowFirst
		}
		if hdr.RespTime != mad.RMPPNoRespTime {
			c.responseTimeout = ResponseTimeout(s.cfg.PacketLifetime, hdr.RespTime)
		}
	}
	s.transferLog(c).Uint32("ack", seg).Uint32("nwl", nwl).Msg("ACK processed")
	return true
}

func (s *ProtocolState) completeLocked(c *Context) {
	if s.cfg.ChecksumEnabled {
		if sum := xxhash.Sum64(c.payload); sum != c.checksum {
			s.stats.checksumErrors++
			s.recorder.RecordChecksumMismatch()
			log.Warn().
				Uint16("lid", c.key.lid).
				Uint64("tid", c.key.tid).
				Uint64("expected", c.checksum).
				Uint64("actual", sum).
				Msg("RMPP payload checksum mismatch")
		}
	}
	c.state = StateComplete
	s.transferLog(c).Msg("RMPP transfer complete")
}

// processTimeoutLocked either rewinds the window for a full resend or, past
// the retry ceiling, queues a too-many-retries abort.
func (s *ProtocolState) processTimeoutLocked(c *Context) {
	if c.state != StateSending {
		return
	}
	c.retryCount++
	if c.retryCount > s.cfg.MaxRetries {
		log.Info().
			Uint16("lid", c.key.lid).
			Uint64("tid", c.key.tid).
			Int("retries", c.retryCount-1).
			Msg("RMPP retry limit reached, aborting")
		c.abort(AbortTooManyRetries)
		return
	}
	c.nextSegment = c.windowFirst
	s.stats.resends++
	s.transferLog(c).Int("retry", c.retryCount).Msg("RMPP timeout, resending window")
}

// sendWindowLocked transmits every unsent segment of the current window. It
// reports false if a send failed.
func (s *ProtocolState) sendWindowLocked(c *Context) bool {
	for c.nextSegment <= c.windowLast && c.state == StateSending {
		pkt := s.segmentPacket(c, c.nextSegment)
		if err := c.sendHandle.Send(pkt); err != nil {
			s.stats.sendFailures++
			s.recorder.RecordSendFailure()
			log.Error().Err(err).
				Uint16("lid", c.key.lid).
				Uint64("tid", c.key.tid).
				Uint32("segment", c.nextSegment).
				Msg("Failed to send RMPP segment")
			return false
		}
		s.transferLog(c).Uint32("segment", c.nextSegment).Int("bytes", len(pkt.Data)).Msg("RMPP segment sent")
		c.nextSegment++
	}
	c.expectedSegment = c.windowLast
	c.timestamp = s.clock.Now()
	return true
}

// segmentPacket builds DATA segment seg of c's payload.
func (s *ProtocolState) segmentPacket(c *Context, seg uint32) *mad.Packet {
	env := c.request.ReplyEnvelope()
	env.Common.Status = c.replyStatus
	env.SA.AttributeOffset = c.attributeOffset
	env.RMPP = mad.RMPPHeader{
		Version:       mad.RMPPVersion,
		Type:          mad.RMPPTypeData,
		RespTime:      s.cfg.RespTimeValue,
		Flags:         mad.RMPPFlagActive,
		SegmentNumber: seg,
	}

	total := len(c.payload)
	if seg == 1 {
		env.RMPP.Flags |= mad.RMPPFlagFirst
		env.RMPP.PayloadLength = uint32(total) + c.segmentTotal*mad.SAHeaderSize
	}
	if seg == c.segmentTotal {
		env.RMPP.Flags |= mad.RMPPFlagLast
		if seg != 1 {
			rem := total % mad.DataSize
			if rem == 0 {
				rem = mad.DataSize
			}
			env.RMPP.PayloadLength = uint32(rem) + mad.SAHeaderSize
		}
	}

	start := int(seg-1) * mad.DataSize
	end := min(start+mad.DataSize, total)
	return &mad.Packet{Envelope: env, Data: c.payload[start:end]}
}

// sendAbortLocked transmits a single ABORT for c's queued reason.
func (s *ProtocolState) sendAbortLocked(c *Context) {
	env := c.request.ReplyEnvelope()
	env.Common.Status = c.replyStatus
	env.RMPP = mad.RMPPHeader{
		Version: mad.RMPPVersion,
		Type:    mad.RMPPTypeAbort,
		Flags:   mad.RMPPFlagActive,
		Status:  c.abortReason.Status(),
	}
	log.Info().
		Uint16("lid", c.key.lid).
		Uint64("tid", c.key.tid).
		Str("reason", c.abortReason.String()).
		Msg("Aborting RMPP transfer")
	if err := c.sendHandle.Send(&mad.Packet{Envelope: env}); err != nil {
		s.stats.sendFailures++
		s.recorder.RecordSendFailure()
		log.Error().Err(err).Uint16("lid", c.key.lid).Uint64("tid", c.key.tid).Msg("Failed to send RMPP abort")
	}
}
