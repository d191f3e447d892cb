// Package store provides the sweep data the PA handlers answer from: image
// metadata, port groups and per-port counters.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when the requested image, group or port is
	// absent. The more specific errors below all wrap it.
	ErrNotFound = errors.New("store: not found")
	ErrNoImage  = fmt.Errorf("image %w", ErrNotFound)
	ErrNoGroup  = fmt.Errorf("group %w", ErrNotFound)
	ErrNoPort   = fmt.Errorf("port %w", ErrNotFound)
)

// LatestImage selects the most recent sweep image.
const LatestImage uint64 = 0

// ImageInfo describes one sweep image.
type ImageInfo struct {
	ImageNum       uint64
	SweepStart     time.Time
	SweepDuration  time.Duration
	NumHFIPorts    uint32
	NumSwitchNodes uint32
	NumSwitchPorts uint32
	NumLinks       uint32
	NumSMs         uint32
}

// GroupInfo is the per-group summary for one image.
type GroupInfo struct {
	Name             string
	NumInternalPorts uint32
	NumExternalPorts uint32
	TotalXmitMB      uint64
	TotalRcvMB       uint64
	MaxUtilPct10     uint16
}

// PortCounters are the counters of one port in one image.
type PortCounters struct {
	LID               uint32
	Port              uint8
	XmitData          uint64
	RcvData           uint64
	XmitPkts          uint64
	RcvPkts           uint64
	MulticastXmitPkts uint64
	MulticastRcvPkts  uint64
	SymbolErrors      uint64
	LinkErrorRecovery uint64
	LinkDowned        uint64
	RcvErrors         uint64
	XmitDiscards      uint64
	XmitWait          uint64
}

// Image bundles everything recorded by one sweep.
type Image struct {
	Info   ImageInfo
	Groups []GroupInfo
	Ports  []PortCounters
}

// Store is read by the PA handlers. imageNum LatestImage means the newest.
type Store interface {
	ImageInfo(ctx context.Context, imageNum uint64) (*ImageInfo, error)
	GroupNames(ctx context.Context, imageNum uint64) ([]string, error)
	GroupInfo(ctx context.Context, imageNum uint64, name string) (*GroupInfo, error)
	PortCounters(ctx context.Context, imageNum uint64, lid uint32, port uint8) (*PortCounters, error)
	Close() error
}

// SampleImage builds a small deterministic fabric image, used to serve data
// before any sweep results are loaded.
func SampleImage(num uint64, start time.Time, hosts int) Image {
	img := Image{
		Info: ImageInfo{
			ImageNum:       num,
			SweepStart:     start.UTC().Truncate(time.Second),
			SweepDuration:  1500 * time.Millisecond,
			NumHFIPorts:    uint32(hosts),
			NumSwitchNodes: uint32(max(hosts/16, 1)),
			NumSwitchPorts: uint32(max(hosts/16, 1) * 48),
			NumLinks:       uint32(hosts + max(hosts/16, 1)),
			NumSMs:         1,
		},
	}
	img.Groups = []GroupInfo{
		{Name: "All", NumInternalPorts: uint32(hosts), TotalXmitMB: uint64(hosts) * 1024, TotalRcvMB: uint64(hosts) * 1000, MaxUtilPct10: 412},
		{Name: "HFIs", NumInternalPorts: uint32(hosts), TotalXmitMB: uint64(hosts) * 512, TotalRcvMB: uint64(hosts) * 500, MaxUtilPct10: 387},
		{Name: "SWs", NumInternalPorts: uint32(max(hosts/16, 1) * 48), NumExternalPorts: uint32(hosts), TotalXmitMB: uint64(hosts) * 512, TotalRcvMB: uint64(hosts) * 500, MaxUtilPct10: 412},
	}
	for i := 0; i < hosts; i++ {
		lid := uint32(i + 2)
		img.Ports = append(img.Ports, PortCounters{
			LID:               lid,
			Port:              1,
			XmitData:          uint64(lid) * 1_000_003,
			RcvData:           uint64(lid) * 999_983,
			XmitPkts:          uint64(lid) * 10_007,
			RcvPkts:           uint64(lid) * 9_973,
			MulticastXmitPkts: uint64(lid),
			MulticastRcvPkts:  uint64(lid) * 2,
			LinkErrorRecovery: uint64(i % 3),
			XmitWait:          uint64(lid) * 17,
		})
	}
	return img
}
