package pa

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/yuuki/paserver/internal/mad"
)

// beyondTimeout is longer than the default response timeout.
const beyondTimeout = 4 * time.Second

func TestResponseTimeout(t *testing.T) {
	tests := []struct {
		lifetime, resp uint8
		want           time.Duration
	}{
		{0, 0, 12 * time.Microsecond},
		{1, 2, 32 * time.Microsecond},
		{18, 18, 3145728 * time.Microsecond},
		{18, 20, 4 * (2*262144 + 1048576) * time.Microsecond},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ResponseTimeout(tt.lifetime, tt.resp))
	}
}

func TestSegmentsFor(t *testing.T) {
	assert.Equal(t, uint32(1), segmentsFor(0))
	assert.Equal(t, uint32(1), segmentsFor(1))
	assert.Equal(t, uint32(1), segmentsFor(mad.DataSize))
	assert.Equal(t, uint32(2), segmentsFor(mad.DataSize+1))
	assert.Equal(t, uint32(3), segmentsFor(3*mad.DataSize))
}

func TestTransferCompletesOnFinalAck(t *testing.T) {
	s, _ := newTestState(t, func(c *Config) { c.InitialWindow = 3 })
	tr := &captureTransport{}
	rc := &releaseCounter{}

	startTransfer(t, s, tr, 10, 1, testPayload(2*mad.DataSize+10), rc)
	assert.Equal(t, []uint32{1, 2, 3}, segmentNumbers(tr.drain()))

	st := s.Stats()
	assert.Equal(t, 1, st.Hashed)
	assert.Equal(t, 1, st.Allocated)

	outcome, found := s.HandleControl(ackPacket(10, 1, 3, 3), tr)
	require.True(t, found)
	assert.Equal(t, OutcomeComplete, outcome)

	st = s.Stats()
	assert.Equal(t, 0, st.Hashed)
	assert.Equal(t, 0, st.Allocated)
	assert.Equal(t, st.PoolSize, st.Free)
	assert.Equal(t, uint64(1), st.Completed)
	assert.Equal(t, 1, rc.calls)
	assert.Empty(t, tr.drain())
}

func TestTimeoutRetryCeiling(t *testing.T) {
	s, clk := newTestState(t, func(c *Config) { c.MaxRetries = 3 })
	tr := &captureTransport{}

	ref := startTransfer(t, s, tr, 10, 1, testPayload(3*mad.DataSize), nil)
	assert.Equal(t, []uint32{1}, segmentNumbers(tr.drain()))

	for retry := 1; retry <= 3; retry++ {
		clk.Step(beyondTimeout)
		assert.Equal(t, 1, s.Age(tr))
		sent := tr.drain()
		assert.Equal(t, []uint32{1}, segmentNumbers(sent), "retry %d resends the window", retry)
		assert.Equal(t, retry, ref.c.retryCount)
		assert.LessOrEqual(t, ref.c.retryCount, s.cfg.MaxRetries)
	}

	clk.Step(beyondTimeout)
	assert.Equal(t, 1, s.Age(tr))
	sent := tr.drain()
	require.Len(t, sent, 1)
	assert.Equal(t, mad.RMPPTypeAbort, sent[0].RMPP.Type)
	assert.Equal(t, mad.RMPPStatusTooManyRetries, sent[0].RMPP.Status)

	st := s.Stats()
	assert.Equal(t, 0, st.Allocated)
	assert.Equal(t, 0, st.Hashed)
	assert.Equal(t, uint64(1), st.Aborts[AbortTooManyRetries])
	assert.Equal(t, uint64(3), st.Resends)
	assert.False(t, ref.valid())
}

func TestAgingSkipsFreshTransfers(t *testing.T) {
	s, clk := newTestState(t, nil)
	tr := &captureTransport{}
	startTransfer(t, s, tr, 10, 1, testPayload(3*mad.DataSize), nil)
	tr.drain()

	clk.Step(time.Second)
	assert.Equal(t, 0, s.Age(tr))
	assert.Empty(t, tr.drain())
}

func TestStaleAckIsIgnored(t *testing.T) {
	s, _ := newTestState(t, func(c *Config) { c.InitialWindow = 2 })
	tr := &captureTransport{}
	ref := startTransfer(t, s, tr, 10, 1, testPayload(3*mad.DataSize), nil)
	tr.drain()
	c := ref.c

	// Below the initial window.
	before := *c
	_, found := s.HandleControl(ackPacket(10, 1, 0, 5), tr)
	require.True(t, found)
	assert.Equal(t, before.windowFirst, c.windowFirst)
	assert.Equal(t, before.windowLast, c.windowLast)
	assert.Equal(t, before.nextSegment, c.nextSegment)
	assert.Equal(t, before.lastAcked, c.lastAcked)
	assert.Empty(t, tr.drain())

	// Advance, then repeat an already acknowledged segment.
	_, found = s.HandleControl(ackPacket(10, 1, 1, 3), tr)
	require.True(t, found)
	assert.Equal(t, []uint32{3}, segmentNumbers(tr.drain()))
	before = *c

	outcome, _ := s.HandleControl(ackPacket(10, 1, 1, 3), tr)
	assert.Equal(t, OutcomeContinue, outcome)
	assert.Equal(t, before.windowFirst, c.windowFirst)
	assert.Equal(t, before.windowLast, c.windowLast)
	assert.Equal(t, before.nextSegment, c.nextSegment)
	assert.Equal(t, before.retryCount, c.retryCount)
	assert.Empty(t, tr.drain())
}

func TestShrinkingWindowAborts(t *testing.T) {
	s, _ := newTestState(t, func(c *Config) { c.InitialWindow = 2 })
	tr := &captureTransport{}
	startTransfer(t, s, tr, 10, 1, testPayload(3*mad.DataSize), nil)
	tr.drain()

	outcome, found := s.HandleControl(ackPacket(10, 1, 1, 1), tr)
	require.True(t, found)
	assert.Equal(t, OutcomeAborted, outcome)

	sent := tr.drain()
	require.Len(t, sent, 1)
	assert.Equal(t, mad.RMPPTypeAbort, sent[0].RMPP.Type)
	assert.Equal(t, mad.RMPPStatusNewWindowTooSmall, sent[0].RMPP.Status)
	assert.Empty(t, dataPackets(sent))

	st := s.Stats()
	assert.Equal(t, 0, st.Allocated)
	assert.Equal(t, uint64(1), st.Aborts[AbortNewWindowTooSmall])

	// The transfer is gone; later ACKs find nothing and send nothing.
	_, found = s.HandleControl(ackPacket(10, 1, 2, 3), tr)
	assert.False(t, found)
	assert.Empty(t, tr.drain())
}

func TestChecksumMismatchIsNonFatal(t *testing.T) {
	s, _ := newTestState(t, func(c *Config) {
		c.ChecksumEnabled = true
		c.InitialWindow = 2
	})
	tr := &captureTransport{}
	rc := &releaseCounter{}
	ref := startTransfer(t, s, tr, 10, 1, testPayload(mad.DataSize+100), rc)
	tr.drain()

	ref.c.payload[5] ^= 0xff

	outcome, _ := s.HandleControl(ackPacket(10, 1, 2, 2), tr)
	assert.Equal(t, OutcomeComplete, outcome)

	st := s.Stats()
	assert.Equal(t, uint64(1), st.ChecksumMismatches)
	assert.Equal(t, uint64(1), st.Completed)
	assert.Equal(t, 0, st.Allocated)
	assert.Equal(t, 1, rc.calls)
}

func TestChecksumMatches(t *testing.T) {
	s, _ := newTestState(t, func(c *Config) { c.ChecksumEnabled = true })
	tr := &captureTransport{}
	startTransfer(t, s, tr, 10, 1, testPayload(100), nil)

	outcome, _ := s.HandleControl(ackPacket(10, 1, 1, 1), tr)
	assert.Equal(t, OutcomeComplete, outcome)
	assert.Zero(t, s.Stats().ChecksumMismatches)
}

func TestSegmentsReassemble(t *testing.T) {
	lengths := []int{0, 1, mad.DataSize - 1, mad.DataSize, mad.DataSize + 1, 2 * mad.DataSize, 5*mad.DataSize + 17}
	for _, n := range lengths {
		s, _ := newTestState(t, func(c *Config) { c.InitialWindow = 2 })
		tr := &captureTransport{}
		payload := testPayload(n)
		startTransfer(t, s, tr, 20, uint64(n), payload, nil)

		segs := make(map[uint32]*mad.Packet)
		var total uint32
		for round := 0; ; round++ {
			require.Less(t, round, 100, "length %d made no progress", n)
			var high uint32
			for _, p := range dataPackets(tr.drain()) {
				seg := p.RMPP.SegmentNumber
				segs[seg] = p
				high = max(high, seg)
				if p.RMPP.Last() {
					total = seg
				}
			}
			require.NotZero(t, high, "length %d sent nothing", n)
			outcome, found := s.HandleControl(ackPacket(20, uint64(n), high, high+2), tr)
			require.True(t, found)
			if outcome == OutcomeComplete {
				break
			}
			require.Equal(t, OutcomeContinue, outcome)
		}

		require.Equal(t, segmentsFor(n), total, "length %d", n)
		got := []byte{}
		for seg := uint32(1); seg <= total; seg++ {
			p, ok := segs[seg]
			require.True(t, ok, "length %d missing segment %d", n, seg)
			got = append(got, p.Data...)
		}
		assert.Equal(t, payload, got, "length %d", n)

		first := segs[1]
		assert.True(t, first.RMPP.First())
		assert.Equal(t, uint32(n)+total*mad.SAHeaderSize, first.RMPP.PayloadLength)
		last := segs[total]
		assert.True(t, last.RMPP.Last())
		if total > 1 {
			assert.False(t, first.RMPP.Last())
			rem := n % mad.DataSize
			if rem == 0 {
				rem = mad.DataSize
			}
			assert.Equal(t, uint32(rem)+mad.SAHeaderSize, last.RMPP.PayloadLength)
			assert.Len(t, last.Data, rem)
		}
		assert.Equal(t, 0, s.Stats().Allocated)
	}
}

func TestEmptyTableReply(t *testing.T) {
	s, _ := newTestState(t, nil)
	tr := &captureTransport{}
	startTransfer(t, s, tr, 10, 1, nil, nil)

	sent := tr.drain()
	require.Len(t, sent, 1)
	p := sent[0]
	assert.Equal(t, mad.RMPPFlagActive|mad.RMPPFlagFirst|mad.RMPPFlagLast, p.RMPP.Flags)
	assert.Empty(t, p.Data)
	assert.Equal(t, uint32(mad.SAHeaderSize), p.RMPP.PayloadLength)
	assert.Equal(t, mad.StatusNoResources, p.Common.Status)
	assert.Equal(t, mad.MethodGetTableResp, p.Common.Method)
	assert.Equal(t, uint16(10), p.Route.DLID)
}

func TestPeerStopReleases(t *testing.T) {
	for _, typ := range []mad.RMPPType{mad.RMPPTypeStop, mad.RMPPTypeAbort} {
		s, _ := newTestState(t, nil)
		tr := &captureTransport{}
		rc := &releaseCounter{}
		startTransfer(t, s, tr, 10, 1, testPayload(3*mad.DataSize), rc)
		tr.drain()

		outcome, found := s.HandleControl(controlPacket(10, 1, typ), tr)
		require.True(t, found)
		assert.Equal(t, OutcomeReleased, outcome, typ.String())
		assert.Empty(t, tr.drain(), "no reply to peer %s", typ)
		assert.Equal(t, 0, s.Stats().Allocated)
		assert.Equal(t, uint64(1), s.Stats().PeerStopped)
		assert.Equal(t, 1, rc.calls)
	}
}

func TestProtocolViolationsAbort(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *mad.Packet)
		want   mad.RMPPStatus
		reason AbortReason
	}{
		{"bad version", func(p *mad.Packet) { p.RMPP.Version = 2 }, mad.RMPPStatusUnsupportedVersion, AbortUnsupportedVersion},
		{"inactive", func(p *mad.Packet) { p.RMPP.Flags = 0 }, mad.RMPPStatusUnspecified, AbortInactive},
		{"data type", func(p *mad.Packet) { p.RMPP.Type = mad.RMPPTypeData }, mad.RMPPStatusBadType, AbortBadType},
		{"unknown type", func(p *mad.Packet) { p.RMPP.Type = 9 }, mad.RMPPStatusBadType, AbortBadType},
		{"segment too big", func(p *mad.Packet) { p.RMPP.SegmentNumber = 2 }, mad.RMPPStatusSegmentTooBig, AbortSegmentTooBig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestState(t, nil)
			tr := &captureTransport{}
			startTransfer(t, s, tr, 10, 1, testPayload(3*mad.DataSize), nil)
			tr.drain()

			pkt := ackPacket(10, 1, 1, 2)
			tt.mutate(pkt)
			outcome, found := s.HandleControl(pkt, tr)
			require.True(t, found)
			assert.Equal(t, OutcomeAborted, outcome)

			sent := tr.drain()
			require.Len(t, sent, 1)
			assert.Equal(t, mad.RMPPTypeAbort, sent[0].RMPP.Type)
			assert.Equal(t, tt.want, sent[0].RMPP.Status)
			assert.True(t, sent[0].RMPP.Active())
			assert.Zero(t, sent[0].RMPP.SegmentNumber)
			assert.Zero(t, sent[0].RMPP.PayloadLength)

			st := s.Stats()
			assert.Equal(t, uint64(1), st.Aborts[tt.reason])
			assert.Equal(t, 0, st.Allocated)
		})
	}
}

func TestAckUpdatesResponseTimeout(t *testing.T) {
	s, _ := newTestState(t, nil)
	tr := &captureTransport{}
	ref := startTransfer(t, s, tr, 10, 1, testPayload(3*mad.DataSize), nil)

	ack := ackPacket(10, 1, 1, 2)
	ack.RMPP.RespTime = 10
	s.HandleControl(ack, tr)
	assert.Equal(t, ResponseTimeout(s.cfg.PacketLifetime, 10), ref.c.responseTimeout)

	ack = ackPacket(10, 1, 2, 3)
	s.HandleControl(ack, tr)
	assert.Equal(t, ResponseTimeout(s.cfg.PacketLifetime, 10), ref.c.responseTimeout, "sentinel keeps the timeout")
}

func TestWindowInvariant(t *testing.T) {
	s, clk := newTestState(t, func(c *Config) { c.InitialWindow = 3 })
	tr := &captureTransport{}
	ref := startTransfer(t, s, tr, 10, 1, testPayload(10*mad.DataSize), nil)
	c := ref.c

	check := func() {
		t.Helper()
		assert.LessOrEqual(t, c.windowFirst, c.nextSegment)
		assert.LessOrEqual(t, c.nextSegment, c.windowLast+1)
		assert.LessOrEqual(t, c.windowLast, c.segmentTotal)
	}
	check()
	s.HandleControl(ackPacket(10, 1, 2, 6), tr)
	check()
	clk.Step(beyondTimeout)
	s.Age(tr)
	check()
	s.HandleControl(ackPacket(10, 1, 6, 40), tr)
	check()
	assert.Equal(t, uint32(10), c.windowLast)
}

func TestSendFailureReleasesTransfer(t *testing.T) {
	s, _ := newTestState(t, nil)
	tr := &MockTransport{}
	tr.On("Send", mock.Anything).Return(errors.New("link down"))

	ref, adm := s.Admit(newRequest(10, 1, mad.MethodGetTable))
	require.Equal(t, AdmitAllocated, adm)
	assert.Equal(t, OutcomeReleased, s.Reply(ref, Response{Payload: testPayload(10)}, tr))
	require.NoError(t, s.Release(&ref))

	st := s.Stats()
	assert.Equal(t, 0, st.Hashed)
	assert.Equal(t, 0, st.Allocated)
	assert.Equal(t, uint64(1), st.SendFailures)
	tr.AssertNumberOfCalls(t, "Send", 1)
}

func TestOversizedTableReplyDegrades(t *testing.T) {
	s, _ := newTestState(t, func(c *Config) { c.MaxRMPPDataLength = 4 * mad.DataSize })
	tr := &captureTransport{}
	rc := &releaseCounter{}
	startTransfer(t, s, tr, 10, 1, testPayload(4*mad.DataSize+1), rc)

	assert.Equal(t, 1, rc.calls, "payload released as soon as it is dropped")
	sent := tr.drain()
	require.Len(t, sent, 1)
	assert.Equal(t, mad.StatusNoResources, sent[0].Common.Status)
	assert.Empty(t, sent[0].Data)
	assert.True(t, sent[0].RMPP.Last())
}
