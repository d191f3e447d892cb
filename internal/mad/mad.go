// Package mad defines the management datagram layout used by the PA server:
// the common MAD header, the RMPP header and the SA/PA class header, plus the
// route preamble that carries fabric addressing across the datagram transport.
package mad

import (
	"fmt"
	"time"
)

// Sizes of the STL-style MAD and its headers, in bytes.
const (
	MADSize          = 2048
	CommonHeaderSize = 24
	RMPPHeaderSize   = 12
	SAHeaderSize     = 20
	HeaderSize       = CommonHeaderSize + RMPPHeaderSize + SAHeaderSize
	// DataSize is the payload carried by one MAD (and by one RMPP segment).
	DataSize = MADSize - HeaderSize
	// RouteSize is the addressing preamble preceding every MAD on the wire.
	RouteSize = 12
)

// Class identification for Performance Administration traffic.
const (
	BaseVersion    uint8 = 0x80
	ClassPA        uint8 = 0x20
	PAClassVersion uint8 = 2
)

// Method is the MAD method byte.
type Method uint8

const (
	MethodGet          Method = 0x01
	MethodSet          Method = 0x02
	MethodGetTable     Method = 0x12
	MethodGetMulti     Method = 0x14
	MethodGetResp      Method = 0x81
	MethodGetTableResp Method = 0x92
	MethodGetMultiResp Method = 0x94

	MethodResponseBit Method = 0x80
)

// Response returns the response counterpart of a request method.
func (m Method) Response() Method {
	switch m {
	case MethodGet:
		return MethodGetResp
	case MethodGetTable:
		return MethodGetTableResp
	default:
		return m | MethodResponseBit
	}
}

// IsResponse reports whether the response bit is set.
func (m Method) IsResponse() bool {
	return m&MethodResponseBit != 0
}

// IsTable reports whether the method belongs to the multi-record family that
// is always answered through RMPP.
func (m Method) IsTable() bool {
	switch m {
	case MethodGetTable, MethodGetTableResp, MethodGetMulti, MethodGetMultiResp:
		return true
	}
	return false
}

func (m Method) String() string {
	switch m {
	case MethodGet:
		return "GET"
	case MethodSet:
		return "SET"
	case MethodGetTable:
		return "GETTABLE"
	case MethodGetMulti:
		return "GETMULTI"
	case MethodGetResp:
		return "GET_RESP"
	case MethodGetTableResp:
		return "GETTABLE_RESP"
	case MethodGetMultiResp:
		return "GETMULTI_RESP"
	}
	return fmt.Sprintf("METHOD(0x%02x)", uint8(m))
}

// Status is the 16-bit MAD status field. The low byte carries generic MAD
// status, the high byte carries class-specific status.
type Status uint16

const (
	StatusOK            Status = 0x0000
	StatusBusy          Status = 0x0001
	StatusBadClass      Status = 0x0004
	StatusBadMethod     Status = 0x0008
	StatusBadAttribute  Status = 0x000C
	StatusBadField      Status = 0x001C
	StatusNoResources   Status = 0x0100
	StatusRequestInval  Status = 0x0200
	StatusNoRecords     Status = 0x0300
	StatusTooManyRecs   Status = 0x0400
	StatusPAUnavailable Status = 0x0A00
	StatusPANoGroup     Status = 0x0B00
	StatusPANoPort      Status = 0x0C00
	StatusPANoImage     Status = 0x0D00
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusBusy:
		return "BUSY"
	case StatusBadClass:
		return "BAD_CLASS"
	case StatusBadMethod:
		return "BAD_METHOD"
	case StatusBadAttribute:
		return "BAD_ATTRIBUTE"
	case StatusBadField:
		return "BAD_FIELD"
	case StatusNoResources:
		return "NO_RESOURCES"
	case StatusRequestInval:
		return "REQ_INVALID"
	case StatusNoRecords:
		return "NO_RECORDS"
	case StatusTooManyRecs:
		return "TOO_MANY_RECORDS"
	case StatusPAUnavailable:
		return "PA_UNAVAILABLE"
	case StatusPANoGroup:
		return "PA_NO_GROUP"
	case StatusPANoPort:
		return "PA_NO_PORT"
	case StatusPANoImage:
		return "PA_NO_IMAGE"
	}
	return fmt.Sprintf("STATUS(0x%04x)", uint16(s))
}

// RMPP protocol constants.
const (
	RMPPVersion uint8 = 1
	// RMPPNoRespTime is the RRespTime value meaning "no time provided".
	RMPPNoRespTime uint8 = 0x1F
)

// RMPPType identifies the RMPP packet kind.
type RMPPType uint8

const (
	RMPPTypeNone  RMPPType = 0
	RMPPTypeData  RMPPType = 1
	RMPPTypeAck   RMPPType = 2
	RMPPTypeStop  RMPPType = 3
	RMPPTypeAbort RMPPType = 4
)

func (t RMPPType) String() string {
	switch t {
	case RMPPTypeNone:
		return "NONE"
	case RMPPTypeData:
		return "DATA"
	case RMPPTypeAck:
		return "ACK"
	case RMPPTypeStop:
		return "STOP"
	case RMPPTypeAbort:
		return "ABORT"
	}
	return fmt.Sprintf("TYPE(%d)", uint8(t))
}

// RMPPFlags are the three transfer flag bits.
type RMPPFlags uint8

const (
	RMPPFlagActive RMPPFlags = 0x01
	RMPPFlagFirst  RMPPFlags = 0x02
	RMPPFlagLast   RMPPFlags = 0x04
)

// RMPPStatus is the status byte of ABORT and STOP packets.
type RMPPStatus uint8

const (
	RMPPStatusNormal             RMPPStatus = 0
	RMPPStatusResourcesExhausted RMPPStatus = 1
	RMPPStatusInconsistentLength RMPPStatus = 119
	RMPPStatusInconsistentFirst  RMPPStatus = 120
	RMPPStatusBadType            RMPPStatus = 121
	RMPPStatusNewWindowTooSmall  RMPPStatus = 122
	RMPPStatusSegmentTooBig      RMPPStatus = 123
	RMPPStatusUnsupportedVersion RMPPStatus = 125
	RMPPStatusTooManyRetries     RMPPStatus = 126
	RMPPStatusUnspecified        RMPPStatus = 127
)

// CommonHeader is the 24-byte header shared by every MAD.
type CommonHeader struct {
	BaseVersion       uint8
	MgmtClass         uint8
	ClassVersion      uint8
	Method            Method
	Status            Status
	ClassSpecific     uint16
	TransactionID     uint64
	AttributeID       uint16
	AttributeModifier uint32
}

// RMPPHeader is the 12-byte RMPP header. PayloadLength doubles as
// NewWindowLast on ACK packets.
type RMPPHeader struct {
	Version       uint8
	Type          RMPPType
	RespTime      uint8
	Flags         RMPPFlags
	Status        RMPPStatus
	SegmentNumber uint32
	PayloadLength uint32
}

// Active reports whether the RMPP active flag is set.
func (h RMPPHeader) Active() bool { return h.Flags&RMPPFlagActive != 0 }

// First reports whether this is the first segment of a transfer.
func (h RMPPHeader) First() bool { return h.Flags&RMPPFlagFirst != 0 }

// Last reports whether this is the final segment of a transfer.
func (h RMPPHeader) Last() bool { return h.Flags&RMPPFlagLast != 0 }

// NewWindowLast is the window edge advertised by an ACK.
func (h RMPPHeader) NewWindowLast() uint32 { return h.PayloadLength }

// SAHeader is the 20-byte subnet/performance administration class header.
type SAHeader struct {
	SMKey uint64
	// AttributeOffset is the record size in 8-byte words for table replies.
	AttributeOffset uint16
	ComponentMask   uint64
}

// Route carries fabric addressing for a MAD.
type Route struct {
	SLID uint16
	DLID uint16
	SL   uint8
	PKey uint16
	QP   uint32
}

// Reverse swaps source and destination.
func (r Route) Reverse() Route {
	r.SLID, r.DLID = r.DLID, r.SLID
	return r
}

// Envelope is everything about a MAD except its data: addressing plus headers.
type Envelope struct {
	Route  Route
	Common CommonHeader
	RMPP   RMPPHeader
	SA     SAHeader
}

// ReplyEnvelope derives the response envelope for a request: addressing is
// swapped and the method is rewritten to its response form. The RMPP header
// is cleared.
func (e Envelope) ReplyEnvelope() Envelope {
	reply := e
	reply.Route = e.Route.Reverse()
	reply.Common.Method = e.Common.Method.Response()
	reply.RMPP = RMPPHeader{Version: RMPPVersion}
	return reply
}

// Packet is a decoded MAD together with its data and the time it was received.
type Packet struct {
	Envelope
	Data       []byte
	ReceivedAt time.Time
}

// Key returns the admission key of the packet.
func (p *Packet) Key() (uint16, uint64) {
	return p.Route.SLID, p.Common.TransactionID
}

// IsRMPPControl reports whether the packet belongs to an in-flight transfer
// rather than being a new request: any RMPP-typed packet other than a single
// active FIRST|LAST DATA segment. Malformed control packets are included so
// the transfer they target can abort.
func (p *Packet) IsRMPPControl() bool {
	hdr := p.RMPP
	if hdr.Type == RMPPTypeNone {
		return false
	}
	return !(hdr.Active() && hdr.Type == RMPPTypeData && hdr.First() && hdr.Last())
}
