package pa

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/yuuki/paserver/internal/mad"
	"github.com/yuuki/paserver/internal/transport"
)

const serverLID = 1

// captureTransport records every packet sent through it.
type captureTransport struct {
	mu   sync.Mutex
	sent []*mad.Packet
}

func (c *captureTransport) Send(pkt *mad.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *pkt
	cp.Data = append([]byte(nil), pkt.Data...)
	c.sent = append(c.sent, &cp)
	return nil
}

func (c *captureTransport) Recv(ctx context.Context, wait time.Duration) (*mad.Packet, error) {
	return nil, transport.ErrTimeout
}

func (c *captureTransport) Name() string { return "capture" }

// drain returns and forgets everything sent so far.
func (c *captureTransport) drain() []*mad.Packet {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.sent
	c.sent = nil
	return out
}

// MockTransport is a testify mock of transport.Transport.
type MockTransport struct {
	mock.Mock
}

func (m *MockTransport) Send(pkt *mad.Packet) error {
	args := m.Called(pkt)
	return args.Error(0)
}

func (m *MockTransport) Recv(ctx context.Context, wait time.Duration) (*mad.Packet, error) {
	args := m.Called(ctx, wait)
	pkt, _ := args.Get(0).(*mad.Packet)
	return pkt, args.Error(1)
}

func (m *MockTransport) Name() string { return "mock" }

var testEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestState(t *testing.T, mutate func(*Config)) (*ProtocolState, *testclock.FakeClock) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.PoolSize = 8
	if mutate != nil {
		mutate(&cfg)
	}
	clk := testclock.NewFakeClock(testEpoch)
	s, err := NewProtocolState(cfg, clk, nil)
	require.NoError(t, err)
	return s, clk
}

func newRequest(lid uint16, tid uint64, method mad.Method) *mad.Packet {
	return &mad.Packet{
		Envelope: mad.Envelope{
			Route: mad.Route{SLID: lid, DLID: serverLID},
			Common: mad.CommonHeader{
				BaseVersion:   mad.BaseVersion,
				MgmtClass:     mad.ClassPA,
				ClassVersion:  mad.PAClassVersion,
				Method:        method,
				TransactionID: tid,
				AttributeID:   0x00A0,
			},
		},
	}
}

func ackPacket(lid uint16, tid uint64, seg, nwl uint32) *mad.Packet {
	p := newRequest(lid, tid, mad.MethodGetTable)
	p.RMPP = mad.RMPPHeader{
		Version:       mad.RMPPVersion,
		Type:          mad.RMPPTypeAck,
		RespTime:      mad.RMPPNoRespTime,
		Flags:         mad.RMPPFlagActive,
		SegmentNumber: seg,
		PayloadLength: nwl,
	}
	return p
}

func controlPacket(lid uint16, tid uint64, typ mad.RMPPType) *mad.Packet {
	p := newRequest(lid, tid, mad.MethodGetTable)
	p.RMPP = mad.RMPPHeader{Version: mad.RMPPVersion, Type: typ, Flags: mad.RMPPFlagActive}
	return p
}

func testPayload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i/251)
	}
	return b
}

// releaseCounter counts payload releases.
type releaseCounter struct {
	calls int
}

func (r *releaseCounter) release([]byte) { r.calls++ }

// startTransfer admits a table request, replies with payload and drops the
// reader's reference, leaving the transfer owned by the hash table.
func startTransfer(t *testing.T, s *ProtocolState, tr transport.Transport, lid uint16, tid uint64, payload []byte, rc *releaseCounter) Ref {
	t.Helper()
	ref, adm := s.Admit(newRequest(lid, tid, mad.MethodGetTable))
	require.Equal(t, AdmitAllocated, adm)
	resp := Response{Payload: payload}
	if rc != nil {
		resp.Release = rc.release
	}
	require.Equal(t, OutcomeContinue, s.Reply(ref, resp, tr))
	held := ref
	require.NoError(t, s.Release(&held))
	return ref
}

func dataPackets(pkts []*mad.Packet) []*mad.Packet {
	var out []*mad.Packet
	for _, p := range pkts {
		if p.RMPP.Type == mad.RMPPTypeData {
			out = append(out, p)
		}
	}
	return out
}

func segmentNumbers(pkts []*mad.Packet) []uint32 {
	var out []uint32
	for _, p := range dataPackets(pkts) {
		out = append(out, p.RMPP.SegmentNumber)
	}
	return out
}
