package handlers

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/yuuki/paserver/internal/store"
)

// Attribute IDs served by the PA class.
const (
	AttrClassPortInfo uint16 = 0x0001
	AttrGroupList     uint16 = 0x00A0
	AttrGroupInfo     uint16 = 0x00A1
	AttrPortCounters  uint16 = 0x00A3
	AttrPMConfig      uint16 = 0x00A6
	AttrImageInfo     uint16 = 0x00AB
)

// Record sizes in bytes.
const (
	GroupNameSize         = 64
	ClassPortInfoSize     = 16
	GroupInfoRecordSize   = GroupNameSize + 32
	PortCountersSize      = 8 + 12*8
	PMConfigSize          = 16
	ImageInfoSize         = 40
	imageRequestSize      = 8
	portRequestSize       = 16
	groupInfoRequestSize  = GroupNameSize + imageRequestSize
	paCapabilityGetMulti  = 0x0001
	paCapabilityImageInfo = 0x0002
)

var be = binary.BigEndian

// ClassPortInfo describes the PA agent's class capabilities.
type ClassPortInfo struct {
	BaseVersion    uint8
	ClassVersion   uint8
	CapabilityMask uint16
	RespTimeValue  uint8
}

// PMConfig reports the performance manager settings.
type PMConfig struct {
	SweepInterval time.Duration
	MaxClients    uint32
	PoolSize      uint32
	MaxRetries    uint32
}

func putGroupName(b []byte, name string) error {
	if len(name) >= GroupNameSize {
		return fmt.Errorf("group name %q longer than %d bytes", name, GroupNameSize-1)
	}
	clear(b[:GroupNameSize])
	copy(b, name)
	return nil
}

func groupName(b []byte) string {
	b = b[:GroupNameSize]
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func encodeClassPortInfo(b []byte, c ClassPortInfo) {
	b[0] = c.BaseVersion
	b[1] = c.ClassVersion
	be.PutUint16(b[2:], c.CapabilityMask)
	b[4] = c.RespTimeValue & 0x1F
}

// DecodeClassPortInfo parses a ClassPortInfo reply payload.
func DecodeClassPortInfo(b []byte) (ClassPortInfo, error) {
	if len(b) < ClassPortInfoSize {
		return ClassPortInfo{}, fmt.Errorf("class port info: short payload (%d bytes)", len(b))
	}
	return ClassPortInfo{
		BaseVersion:    b[0],
		ClassVersion:   b[1],
		CapabilityMask: be.Uint16(b[2:]),
		RespTimeValue:  b[4] & 0x1F,
	}, nil
}

// DecodeGroupList parses a GroupList table reply.
func DecodeGroupList(b []byte) ([]string, error) {
	if len(b)%GroupNameSize != 0 {
		return nil, fmt.Errorf("group list: payload %d is not a multiple of %d", len(b), GroupNameSize)
	}
	names := make([]string, 0, len(b)/GroupNameSize)
	for off := 0; off < len(b); off += GroupNameSize {
		names = append(names, groupName(b[off:]))
	}
	return names, nil
}

// EncodeGroupNames builds the request data of a multi-record GroupInfo query.
func EncodeGroupNames(names []string) ([]byte, error) {
	b := make([]byte, len(names)*GroupNameSize)
	for i, name := range names {
		if err := putGroupName(b[i*GroupNameSize:], name); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func encodeGroupInfo(b []byte, g *store.GroupInfo) error {
	if err := putGroupName(b, g.Name); err != nil {
		return err
	}
	r := b[GroupNameSize:GroupInfoRecordSize]
	clear(r)
	be.PutUint32(r[0:], g.NumInternalPorts)
	be.PutUint32(r[4:], g.NumExternalPorts)
	be.PutUint64(r[8:], g.TotalXmitMB)
	be.PutUint64(r[16:], g.TotalRcvMB)
	be.PutUint16(r[24:], g.MaxUtilPct10)
	return nil
}

// DecodeGroupInfo parses a GroupInfo table reply.
func DecodeGroupInfo(b []byte) ([]store.GroupInfo, error) {
	if len(b)%GroupInfoRecordSize != 0 {
		return nil, fmt.Errorf("group info: payload %d is not a multiple of %d", len(b), GroupInfoRecordSize)
	}
	var out []store.GroupInfo
	for off := 0; off < len(b); off += GroupInfoRecordSize {
		r := b[off+GroupNameSize:]
		out = append(out, store.GroupInfo{
			Name:             groupName(b[off:]),
			NumInternalPorts: be.Uint32(r[0:]),
			NumExternalPorts: be.Uint32(r[4:]),
			TotalXmitMB:      be.Uint64(r[8:]),
			TotalRcvMB:       be.Uint64(r[16:]),
			MaxUtilPct10:     be.Uint16(r[24:]),
		})
	}
	return out, nil
}

// EncodeGroupInfoRequest builds the request data of a single GroupInfo query.
func EncodeGroupInfoRequest(name string, imageNum uint64) ([]byte, error) {
	b := make([]byte, groupInfoRequestSize)
	if err := putGroupName(b, name); err != nil {
		return nil, err
	}
	be.PutUint64(b[GroupNameSize:], imageNum)
	return b, nil
}

// EncodeImageRequest builds the request data selecting one image.
func EncodeImageRequest(imageNum uint64) []byte {
	b := make([]byte, imageRequestSize)
	be.PutUint64(b, imageNum)
	return b
}

// EncodePortCountersRequest builds the request data of a PortCounters query.
func EncodePortCountersRequest(lid uint32, port uint8, imageNum uint64) []byte {
	b := make([]byte, portRequestSize)
	be.PutUint32(b[0:], lid)
	b[4] = port
	be.PutUint64(b[8:], imageNum)
	return b
}

func encodePortCounters(b []byte, p *store.PortCounters) {
	clear(b[:PortCountersSize])
	be.PutUint32(b[0:], p.LID)
	b[4] = p.Port
	for i, v := range []uint64{
		p.XmitData, p.RcvData, p.XmitPkts, p.RcvPkts,
		p.MulticastXmitPkts, p.MulticastRcvPkts,
		p.SymbolErrors, p.LinkErrorRecovery, p.LinkDowned,
		p.RcvErrors, p.XmitDiscards, p.XmitWait,
	} {
		be.PutUint64(b[8+i*8:], v)
	}
}

// DecodePortCounters parses a PortCounters reply payload.
func DecodePortCounters(b []byte) (store.PortCounters, error) {
	if len(b) < PortCountersSize {
		return store.PortCounters{}, fmt.Errorf("port counters: short payload (%d bytes)", len(b))
	}
	v := func(i int) uint64 { return be.Uint64(b[8+i*8:]) }
	return store.PortCounters{
		LID:               be.Uint32(b[0:]),
		Port:              b[4],
		XmitData:          v(0),
		RcvData:           v(1),
		XmitPkts:          v(2),
		RcvPkts:           v(3),
		MulticastXmitPkts: v(4),
		MulticastRcvPkts:  v(5),
		SymbolErrors:      v(6),
		LinkErrorRecovery: v(7),
		LinkDowned:        v(8),
		RcvErrors:         v(9),
		XmitDiscards:      v(10),
		XmitWait:          v(11),
	}, nil
}

func encodePMConfig(b []byte, c PMConfig) {
	be.PutUint32(b[0:], uint32(c.SweepInterval/time.Second))
	be.PutUint32(b[4:], c.MaxClients)
	be.PutUint32(b[8:], c.PoolSize)
	be.PutUint32(b[12:], c.MaxRetries)
}

// DecodePMConfig parses a PMConfig reply payload.
func DecodePMConfig(b []byte) (PMConfig, error) {
	if len(b) < PMConfigSize {
		return PMConfig{}, fmt.Errorf("pm config: short payload (%d bytes)", len(b))
	}
	return PMConfig{
		SweepInterval: time.Duration(be.Uint32(b[0:])) * time.Second,
		MaxClients:    be.Uint32(b[4:]),
		PoolSize:      be.Uint32(b[8:]),
		MaxRetries:    be.Uint32(b[12:]),
	}, nil
}

func encodeImageInfo(b []byte, info *store.ImageInfo) {
	be.PutUint64(b[0:], info.ImageNum)
	be.PutUint64(b[8:], uint64(info.SweepStart.Unix()))
	be.PutUint32(b[16:], uint32(info.SweepDuration.Microseconds()))
	be.PutUint32(b[20:], info.NumHFIPorts)
	be.PutUint32(b[24:], info.NumSwitchNodes)
	be.PutUint32(b[28:], info.NumSwitchPorts)
	be.PutUint32(b[32:], info.NumLinks)
	be.PutUint32(b[36:], info.NumSMs)
}

// DecodeImageInfo parses an ImageInfo reply payload.
func DecodeImageInfo(b []byte) (store.ImageInfo, error) {
	if len(b) < ImageInfoSize {
		return store.ImageInfo{}, fmt.Errorf("image info: short payload (%d bytes)", len(b))
	}
	return store.ImageInfo{
		ImageNum:       be.Uint64(b[0:]),
		SweepStart:     time.Unix(int64(be.Uint64(b[8:])), 0).UTC(),
		SweepDuration:  time.Duration(be.Uint32(b[16:])) * time.Microsecond,
		NumHFIPorts:    be.Uint32(b[20:]),
		NumSwitchNodes: be.Uint32(b[24:]),
		NumSwitchPorts: be.Uint32(b[28:]),
		NumLinks:       be.Uint32(b[32:]),
		NumSMs:         be.Uint32(b[36:]),
	}, nil
}
