package handlers

import (
	"context"
	"fmt"

	pool "github.com/libp2p/go-buffer-pool"
	"github.com/rs/zerolog/log"

	"github.com/yuuki/paserver/internal/mad"
	"github.com/yuuki/paserver/internal/pa"
	"github.com/yuuki/paserver/internal/store"
)

type attributes struct {
	store    store.Store
	settings Settings
}

// imageFrom reads the optional image selector; absent means the latest image.
func imageFrom(data []byte, off int) uint64 {
	if len(data) < off+imageRequestSize {
		return store.LatestImage
	}
	return be.Uint64(data[off:])
}

func badField(req *pa.Request, reason string) pa.Response {
	log.Debug().
		Uint16("attr", req.Envelope.Common.AttributeID).
		Int("len", len(req.Data)).
		Msg(reason)
	return pa.Response{Status: mad.StatusBadField}
}

func (a *attributes) classPortInfo(ctx context.Context, req *pa.Request) pa.Response {
	b := alloc(ClassPortInfoSize)
	encodeClassPortInfo(b, ClassPortInfo{
		BaseVersion:    mad.BaseVersion,
		ClassVersion:   mad.PAClassVersion,
		CapabilityMask: paCapabilityGetMulti | paCapabilityImageInfo,
		RespTimeValue:  a.settings.RespTimeValue,
	})
	return pooled(b)
}

func (a *attributes) pmConfig(ctx context.Context, req *pa.Request) pa.Response {
	b := alloc(PMConfigSize)
	encodePMConfig(b, a.settings.PMConfig)
	return pooled(b)
}

func (a *attributes) imageInfo(ctx context.Context, req *pa.Request) pa.Response {
	info, err := a.store.ImageInfo(ctx, imageFrom(req.Data, 0))
	if err != nil {
		return failed(req, err)
	}
	b := alloc(ImageInfoSize)
	encodeImageInfo(b, info)
	return pooled(b)
}

func (a *attributes) portCounters(ctx context.Context, req *pa.Request) pa.Response {
	if len(req.Data) < portRequestSize {
		return badField(req, "Port counters request too short")
	}
	lid := be.Uint32(req.Data[0:])
	port := req.Data[4]
	counters, err := a.store.PortCounters(ctx, be.Uint64(req.Data[8:]), lid, port)
	if err != nil {
		return failed(req, err)
	}
	b := alloc(PortCountersSize)
	encodePortCounters(b, counters)
	return pooled(b)
}

func (a *attributes) groupList(ctx context.Context, req *pa.Request) pa.Response {
	names, err := a.store.GroupNames(ctx, imageFrom(req.Data, 0))
	if err != nil {
		return failed(req, err)
	}
	if len(names) == 0 {
		return pa.Response{Status: mad.StatusNoRecords}
	}

	b := alloc(len(names) * GroupNameSize)
	for i, name := range names {
		if err := putGroupName(b[i*GroupNameSize:], name); err != nil {
			pool.Put(b)
			return failed(req, err)
		}
	}
	return pooledTable(b, GroupNameSize)
}

func (a *attributes) groupInfo(ctx context.Context, req *pa.Request) pa.Response {
	if len(req.Data) < GroupNameSize {
		return badField(req, "Group info request too short")
	}
	return a.groupRecords(ctx, req, []string{groupName(req.Data)}, imageFrom(req.Data, GroupNameSize))
}

// groupInfoMulti answers a multi-record request whose names were copied into
// the request scratch at admission.
func (a *attributes) groupInfoMulti(ctx context.Context, req *pa.Request) pa.Response {
	if len(req.Scratch) == 0 || len(req.Scratch)%GroupNameSize != 0 {
		return badField(req, "Multi-record group request malformed")
	}
	names := make([]string, 0, len(req.Scratch)/GroupNameSize)
	for off := 0; off < len(req.Scratch); off += GroupNameSize {
		names = append(names, groupName(req.Scratch[off:]))
	}
	return a.groupRecords(ctx, req, names, store.LatestImage)
}

func (a *attributes) groupRecords(ctx context.Context, req *pa.Request, names []string, imageNum uint64) pa.Response {
	b := alloc(len(names) * GroupInfoRecordSize)
	for i, name := range names {
		g, err := a.store.GroupInfo(ctx, imageNum, name)
		if err == nil {
			err = encodeGroupInfo(b[i*GroupInfoRecordSize:], g)
		}
		if err != nil {
			pool.Put(b)
			return failed(req, fmt.Errorf("group %d of %d: %w", i+1, len(names), err))
		}
	}
	return pooledTable(b, GroupInfoRecordSize)
}
