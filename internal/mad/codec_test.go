package mad

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderSizes(t *testing.T) {
	assert.Equal(t, 56, HeaderSize)
	assert.Equal(t, 1992, DataSize)
}

func TestMarshalLayout(t *testing.T) {
	p := &Packet{
		Envelope: Envelope{
			Route: Route{SLID: 0x0102, DLID: 0x0304, SL: 5, PKey: 0xffff, QP: 1},
			Common: CommonHeader{
				BaseVersion:   BaseVersion,
				MgmtClass:     ClassPA,
				ClassVersion:  PAClassVersion,
				Method:        MethodGetTableResp,
				Status:        StatusNoResources,
				TransactionID: 0x1122334455667788,
				AttributeID:   0x00A0,
			},
			RMPP: RMPPHeader{
				Version:       RMPPVersion,
				Type:          RMPPTypeData,
				RespTime:      18,
				Flags:         RMPPFlagActive | RMPPFlagFirst,
				SegmentNumber: 1,
				PayloadLength: 4000,
			},
			SA: SAHeader{AttributeOffset: 8},
		},
		Data: []byte{0xde, 0xad},
	}

	b, err := p.Marshal()
	require.NoError(t, err)
	require.Len(t, b, RouteSize+HeaderSize+2)

	// DLID leads the route preamble.
	assert.Equal(t, []byte{0x03, 0x04, 0x01, 0x02}, b[0:4])
	mad := b[RouteSize:]
	assert.Equal(t, BaseVersion, mad[0])
	assert.Equal(t, uint8(MethodGetTableResp), mad[3])
	assert.Equal(t, []byte{0x01, 0x00}, mad[4:6])
	// RRespTime 18 in the upper five bits, active|first in the lower three.
	assert.Equal(t, uint8(18<<3|0x03), mad[CommonHeaderSize+2])
	assert.Equal(t, []byte{0xde, 0xad}, b[len(b)-2:])
}

func TestUnmarshal(t *testing.T) {
	orig := &Packet{
		Envelope: Envelope{
			Route:  Route{SLID: 7, DLID: 1},
			Common: CommonHeader{Method: MethodGetTable, TransactionID: 42, AttributeModifier: 0x80000001},
			RMPP:   RMPPHeader{Version: 1, Type: RMPPTypeAck, RespTime: RMPPNoRespTime, Flags: RMPPFlagActive, SegmentNumber: 3, PayloadLength: 10},
			SA:     SAHeader{SMKey: 9, ComponentMask: 0xff},
		},
	}
	b, err := orig.Marshal()
	require.NoError(t, err)

	got, err := Unmarshal(b)
	require.NoError(t, err)
	assert.Equal(t, orig.Envelope, got.Envelope)
	assert.Empty(t, got.Data)
	assert.True(t, got.IsRMPPControl())
	assert.Equal(t, uint32(10), got.RMPP.NewWindowLast())

	lid, tid := got.Key()
	assert.Equal(t, uint16(7), lid)
	assert.Equal(t, uint64(42), tid)
}

func TestIsRMPPControl(t *testing.T) {
	tests := []struct {
		name string
		hdr  RMPPHeader
		want bool
	}{
		{"plain request", RMPPHeader{}, false},
		{"version only", RMPPHeader{Version: RMPPVersion}, false},
		{"single segment request", RMPPHeader{Version: RMPPVersion, Type: RMPPTypeData, Flags: RMPPFlagActive | RMPPFlagFirst | RMPPFlagLast}, false},
		{"ack", RMPPHeader{Version: RMPPVersion, Type: RMPPTypeAck, Flags: RMPPFlagActive}, true},
		{"inactive ack", RMPPHeader{Version: RMPPVersion, Type: RMPPTypeAck}, true},
		{"stop", RMPPHeader{Version: RMPPVersion, Type: RMPPTypeStop, Flags: RMPPFlagActive}, true},
		{"abort", RMPPHeader{Version: RMPPVersion, Type: RMPPTypeAbort, Flags: RMPPFlagActive}, true},
		{"middle data segment", RMPPHeader{Version: RMPPVersion, Type: RMPPTypeData, Flags: RMPPFlagActive}, true},
		{"first data segment", RMPPHeader{Version: RMPPVersion, Type: RMPPTypeData, Flags: RMPPFlagActive | RMPPFlagFirst}, true},
		{"inactive data", RMPPHeader{Version: RMPPVersion, Type: RMPPTypeData, Flags: RMPPFlagFirst | RMPPFlagLast}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Packet{Envelope: Envelope{RMPP: tt.hdr}}
			assert.Equal(t, tt.want, p.IsRMPPControl())
		})
	}
}

func TestUnmarshalErrors(t *testing.T) {
	_, err := Unmarshal(make([]byte, RouteSize+HeaderSize-1))
	assert.ErrorIs(t, err, ErrShortPacket)

	_, err = Unmarshal(make([]byte, RouteSize+MADSize+1))
	assert.ErrorIs(t, err, ErrOversizedData)

	p := &Packet{Data: make([]byte, DataSize+1)}
	_, err = p.Marshal()
	assert.ErrorIs(t, err, ErrOversizedData)
}

func TestMethodResponse(t *testing.T) {
	tests := []struct {
		in   Method
		want Method
	}{
		{MethodGet, MethodGetResp},
		{MethodGetTable, MethodGetTableResp},
		{MethodGetMulti, MethodGetMultiResp},
		{MethodSet, MethodSet | MethodResponseBit},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.in.Response(), tt.in.String())
	}
	assert.True(t, MethodGetMulti.IsTable())
	assert.False(t, MethodGet.IsTable())
}

func TestReplyEnvelope(t *testing.T) {
	req := Envelope{
		Route:  Route{SLID: 10, DLID: 1, QP: 1},
		Common: CommonHeader{Method: MethodGet, TransactionID: 5},
		RMPP:   RMPPHeader{Version: 1, Type: RMPPTypeData, Flags: RMPPFlagActive},
	}
	reply := req.ReplyEnvelope()
	assert.Equal(t, uint16(1), reply.Route.SLID)
	assert.Equal(t, uint16(10), reply.Route.DLID)
	assert.Equal(t, MethodGetResp, reply.Common.Method)
	assert.Equal(t, uint64(5), reply.Common.TransactionID)
	assert.False(t, reply.RMPP.Active())
}
