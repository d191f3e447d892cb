package mad

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrShortPacket is returned when a datagram cannot hold the route
	// preamble and MAD headers.
	ErrShortPacket = errors.New("mad: packet too short")
	// ErrOversizedData is returned when data does not fit a single MAD.
	ErrOversizedData = errors.New("mad: data exceeds MAD data size")
)

// Marshal encodes the packet as route preamble, headers and data.
func (p *Packet) Marshal() ([]byte, error) {
	if len(p.Data) > DataSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrOversizedData, len(p.Data), DataSize)
	}
	b := make([]byte, RouteSize+HeaderSize+len(p.Data))
	putRoute(b[0:RouteSize], p.Route)
	off := RouteSize
	putCommon(b[off:off+CommonHeaderSize], p.Common)
	off += CommonHeaderSize
	putRMPP(b[off:off+RMPPHeaderSize], p.RMPP)
	off += RMPPHeaderSize
	putSA(b[off:off+SAHeaderSize], p.SA)
	off += SAHeaderSize
	copy(b[off:], p.Data)
	return b, nil
}

// Unmarshal decodes a datagram produced by Marshal. The returned packet owns
// a copy of the data bytes.
func Unmarshal(b []byte) (*Packet, error) {
	if len(b) < RouteSize+HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(b))
	}
	if len(b) > RouteSize+MADSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrOversizedData, len(b)-RouteSize)
	}
	p := &Packet{}
	p.Route = getRoute(b[0:RouteSize])
	off := RouteSize
	p.Common = getCommon(b[off : off+CommonHeaderSize])
	off += CommonHeaderSize
	p.RMPP = getRMPP(b[off : off+RMPPHeaderSize])
	off += RMPPHeaderSize
	p.SA = getSA(b[off : off+SAHeaderSize])
	off += SAHeaderSize
	if n := len(b) - off; n > 0 {
		p.Data = make([]byte, n)
		copy(p.Data, b[off:])
	}
	return p, nil
}

func putRoute(b []byte, r Route) {
	binary.BigEndian.PutUint16(b[0:], r.DLID)
	binary.BigEndian.PutUint16(b[2:], r.SLID)
	b[4] = r.SL
	b[5] = 0
	binary.BigEndian.PutUint16(b[6:], r.PKey)
	binary.BigEndian.PutUint32(b[8:], r.QP)
}

func getRoute(b []byte) Route {
	return Route{
		DLID: binary.BigEndian.Uint16(b[0:]),
		SLID: binary.BigEndian.Uint16(b[2:]),
		SL:   b[4],
		PKey: binary.BigEndian.Uint16(b[6:]),
		QP:   binary.BigEndian.Uint32(b[8:]),
	}
}

func putCommon(b []byte, h CommonHeader) {
	b[0] = h.BaseVersion
	b[1] = h.MgmtClass
	b[2] = h.ClassVersion
	b[3] = uint8(h.Method)
	binary.BigEndian.PutUint16(b[4:], uint16(h.Status))
	binary.BigEndian.PutUint16(b[6:], h.ClassSpecific)
	binary.BigEndian.PutUint64(b[8:], h.TransactionID)
	binary.BigEndian.PutUint16(b[16:], h.AttributeID)
	// b[18:20] reserved
	binary.BigEndian.PutUint32(b[20:], h.AttributeModifier)
}

func getCommon(b []byte) CommonHeader {
	return CommonHeader{
		BaseVersion:       b[0],
		MgmtClass:         b[1],
		ClassVersion:      b[2],
		Method:            Method(b[3]),
		Status:            Status(binary.BigEndian.Uint16(b[4:])),
		ClassSpecific:     binary.BigEndian.Uint16(b[6:]),
		TransactionID:     binary.BigEndian.Uint64(b[8:]),
		AttributeID:       binary.BigEndian.Uint16(b[16:]),
		AttributeModifier: binary.BigEndian.Uint32(b[20:]),
	}
}

// The third RMPP byte packs RRespTime in the upper five bits and the flags in
// the lower three.
func putRMPP(b []byte, h RMPPHeader) {
	b[0] = h.Version
	b[1] = uint8(h.Type)
	b[2] = (h.RespTime&0x1F)<<3 | uint8(h.Flags&0x07)
	b[3] = uint8(h.Status)
	binary.BigEndian.PutUint32(b[4:], h.SegmentNumber)
	binary.BigEndian.PutUint32(b[8:], h.PayloadLength)
}

func getRMPP(b []byte) RMPPHeader {
	return RMPPHeader{
		Version:       b[0],
		Type:          RMPPType(b[1]),
		RespTime:      b[2] >> 3,
		Flags:         RMPPFlags(b[2] & 0x07),
		Status:        RMPPStatus(b[3]),
		SegmentNumber: binary.BigEndian.Uint32(b[4:]),
		PayloadLength: binary.BigEndian.Uint32(b[8:]),
	}
}

func putSA(b []byte, h SAHeader) {
	binary.BigEndian.PutUint64(b[0:], h.SMKey)
	binary.BigEndian.PutUint16(b[8:], h.AttributeOffset)
	// b[10:12] reserved
	binary.BigEndian.PutUint64(b[12:], h.ComponentMask)
}

func getSA(b []byte) SAHeader {
	return SAHeader{
		SMKey:           binary.BigEndian.Uint64(b[0:]),
		AttributeOffset: binary.BigEndian.Uint16(b[8:]),
		ComponentMask:   binary.BigEndian.Uint64(b[12:]),
	}
}
