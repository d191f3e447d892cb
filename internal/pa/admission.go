package pa

import (
	pool "github.com/libp2p/go-buffer-pool"
	"github.com/rs/zerolog/log"

	"github.com/yuuki/paserver/internal/mad"
)

// Admission classifies a new request.
type Admission uint8

const (
	AdmitAllocated Admission = iota
	AdmitDuplicate
	AdmitNotAvailable
	AdmitStale
)

func (a Admission) String() string {
	switch a {
	case AdmitAllocated:
		return "allocated"
	case AdmitDuplicate:
		return "duplicate"
	case AdmitNotAvailable:
		return "not_available"
	case AdmitStale:
		return "stale"
	}
	return "unknown"
}

const (
	clockReadAttempts = 3
	// Queue residency beyond this multiple of the maximum age is treated as
	// a clock fault, like a negative delta.
	implausibleAgeFactor = 10
)

// Admit resolves a new request into a freshly allocated context, or reports
// why none was allocated. Only AdmitAllocated returns a usable Ref; the
// caller owns that reference and must Release it.
func (s *ProtocolState) Admit(pkt *mad.Packet) (Ref, Admission) {
	stale := s.isStale(pkt)
	lid, tid := pkt.Key()
	key := contextKey{lid: lid, tid: tid}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.requests++

	if stale {
		s.stats.staleDrops++
		s.recorder.RecordAdmission(AdmitStale)
		return Ref{}, AdmitStale
	}

	if s.table.lookup(key) != nil {
		s.stats.duplicates++
		s.recorder.RecordAdmission(AdmitDuplicate)
		if s.cfg.DebugRMPP {
			log.Debug().Uint16("lid", lid).Uint64("tid", tid).Msg("Dropping duplicate request")
		}
		return Ref{}, AdmitDuplicate
	}

	c := s.pool.acquire()
	if c == nil {
		s.stats.exhausted++
		s.recorder.RecordAdmission(AdmitNotAvailable)
		log.Warn().
			Uint16("lid", lid).
			Uint64("tid", tid).
			Int("pool_size", s.pool.capacity()).
			Msg("Transfer context pool exhausted")
		return Ref{}, AdmitNotAvailable
	}

	c.refCount = 1
	c.key = key
	c.method = pkt.Common.Method
	c.timestamp = s.clock.Now()
	c.request = pkt.Envelope
	if pkt.Common.Method == mad.MethodGetMulti && len(pkt.Data) > 0 {
		c.scratch = pool.Get(len(pkt.Data))
		copy(c.scratch, pkt.Data)
	}

	s.recorder.RecordAdmission(AdmitAllocated)
	return Ref{c: c, generation: c.generation}, AdmitAllocated
}

// isStale reports whether the request sat in the receive queue longer than
// the response timeout. The clock is read a bounded number of times; when
// every reading is implausible the request is treated as fresh.
func (s *ProtocolState) isStale(pkt *mad.Packet) bool {
	if pkt.ReceivedAt.IsZero() {
		return false
	}
	for i := 0; i < clockReadAttempts; i++ {
		age := s.clock.Since(pkt.ReceivedAt)
		if age < 0 || age > implausibleAgeFactor*s.maxRequestAge {
			continue
		}
		if age > s.maxRequestAge {
			log.Debug().
				Uint16("lid", pkt.Route.SLID).
				Uint64("tid", pkt.Common.TransactionID).
				Dur("age", age).
				Msg("Dropping stale request")
			return true
		}
		return false
	}
	log.Debug().Time("received_at", pkt.ReceivedAt).Msg("Implausible request age, processing anyway")
	return false
}

// RequestScratch returns the multi-record request data saved at admission.
func (s *ProtocolState) RequestScratch(ref Ref) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !ref.valid() {
		return nil
	}
	return ref.c.scratch
}
