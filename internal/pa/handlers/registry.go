// Package handlers builds Performance Administration attribute replies from
// sweep data held in a store.
package handlers

import (
	"context"
	"errors"

	pool "github.com/libp2p/go-buffer-pool"
	"github.com/rs/zerolog/log"

	"github.com/yuuki/paserver/internal/mad"
	"github.com/yuuki/paserver/internal/pa"
	"github.com/yuuki/paserver/internal/store"
)

// HandlerFunc answers one (method, attribute) pair.
type HandlerFunc func(ctx context.Context, req *pa.Request) pa.Response

type route struct {
	method mad.Method
	attr   uint16
}

// Registry dispatches requests by method and attribute. It implements
// pa.Handler.
type Registry struct {
	routes map[route]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{routes: make(map[route]HandlerFunc)}
}

// Register binds fn to method and attr, replacing any earlier binding.
func (r *Registry) Register(method mad.Method, attr uint16, fn HandlerFunc) {
	r.routes[route{method, attr}] = fn
}

func (r *Registry) Supports(method mad.Method, attr uint16) bool {
	_, ok := r.routes[route{method, attr}]
	return ok
}

func (r *Registry) Handle(ctx context.Context, req *pa.Request) pa.Response {
	fn, ok := r.routes[route{req.Envelope.Common.Method, req.Envelope.Common.AttributeID}]
	if !ok {
		return pa.Response{Status: mad.StatusRequestInval}
	}
	return fn(ctx, req)
}

// Settings are the agent properties reported by ClassPortInfo and PMConfig.
type Settings struct {
	RespTimeValue uint8
	PMConfig      PMConfig
}

// NewPARegistry returns a Registry serving every PA attribute from st.
func NewPARegistry(st store.Store, settings Settings) *Registry {
	a := &attributes{store: st, settings: settings}
	r := NewRegistry()
	r.Register(mad.MethodGet, AttrClassPortInfo, a.classPortInfo)
	r.Register(mad.MethodGetTable, AttrGroupList, a.groupList)
	r.Register(mad.MethodGetTable, AttrGroupInfo, a.groupInfo)
	r.Register(mad.MethodGetMulti, AttrGroupInfo, a.groupInfoMulti)
	r.Register(mad.MethodGet, AttrPortCounters, a.portCounters)
	r.Register(mad.MethodGet, AttrPMConfig, a.pmConfig)
	r.Register(mad.MethodGet, AttrImageInfo, a.imageInfo)
	return r
}

// alloc returns a zeroed pooled buffer of n bytes.
func alloc(n int) []byte {
	b := pool.Get(n)
	clear(b)
	return b
}

func pooled(b []byte) pa.Response {
	return pa.Response{Payload: b, Release: pool.Put}
}

func pooledTable(b []byte, recordSize int) pa.Response {
	return pa.Response{Payload: b, Release: pool.Put, RecordSize: recordSize}
}

// statusFor maps a store error to the PA status returned to the client.
func statusFor(err error) mad.Status {
	switch {
	case errors.Is(err, store.ErrNoImage):
		return mad.StatusPANoImage
	case errors.Is(err, store.ErrNoGroup):
		return mad.StatusPANoGroup
	case errors.Is(err, store.ErrNoPort):
		return mad.StatusPANoPort
	}
	return mad.StatusPAUnavailable
}

func failed(req *pa.Request, err error) pa.Response {
	status := statusFor(err)
	log.Debug().Err(err).
		Uint16("attr", req.Envelope.Common.AttributeID).
		Stringer("status", status).
		Msg("PA query failed")
	return pa.Response{Status: status}
}
