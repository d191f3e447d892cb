// Package pa implements the Performance Administration protocol core: the
// transfer context pool and hash table, request admission, the reply
// dispatcher, the RMPP sender engine and the aging sweep, plus the reader and
// writer loops that drive them.
//
// Everything in a ProtocolState is guarded by one lock. Contexts are shared
// between the reader and writer paths through reference counts; a context is
// retired only when its count drops to zero.
package pa

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"k8s.io/utils/clock"
)

var (
	// ErrContextNotAvailable reports an exhausted context pool.
	ErrContextNotAvailable = errors.New("pa: no transfer context available")
	// ErrStaleReference reports a Ref whose context was already retired.
	ErrStaleReference = errors.New("pa: stale context reference")
)

type counters struct {
	requests       uint64
	duplicates     uint64
	staleDrops     uint64
	exhausted      uint64
	busyReplies    uint64
	statusReplies  uint64
	singleReplies  uint64
	started        uint64
	completed      uint64
	peerStopped    uint64
	aborts         map[AbortReason]uint64
	resends        uint64
	checksumErrors uint64
	sendFailures   uint64
	orphanControl  uint64
}

// ProtocolState is one independent PA protocol instance.
type ProtocolState struct {
	mu sync.Mutex

	cfg      Config
	clock    clock.PassiveClock
	recorder Recorder

	pool  *contextPool
	table *hashTable

	maxRequestAge time.Duration
	stats         counters
}

// NewProtocolState builds a state with a preallocated context arena.
func NewProtocolState(cfg Config, clk clock.PassiveClock, rec Recorder) (*ProtocolState, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid PA configuration: %w", err)
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if rec == nil {
		rec = NoopRecorder{}
	}

	s := &ProtocolState{
		cfg:           cfg,
		clock:         clk,
		recorder:      rec,
		pool:          newContextPool(cfg.EffectivePoolSize()),
		table:         newHashTable(cfg.HashBuckets),
		maxRequestAge: ResponseTimeout(cfg.PacketLifetime, cfg.RespTimeValue),
		stats:         counters{aborts: make(map[AbortReason]uint64)},
	}

	log.Info().
		Int("pool_size", s.pool.capacity()).
		Int("hash_buckets", cfg.HashBuckets).
		Int("max_retries", cfg.MaxRetries).
		Bool("checksum", cfg.ChecksumEnabled).
		Dur("response_timeout", s.maxRequestAge).
		Msg("PA protocol state initialized")
	return s, nil
}

// Config returns the configuration the state was built with.
func (s *ProtocolState) Config() Config { return s.cfg }

// Release drops the reference held by ref and clears it, so releasing the
// same Ref twice reports ErrStaleReference.
func (s *ProtocolState) Release(ref *Ref) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ref == nil || !ref.valid() {
		log.Warn().Msg("Release of stale context reference ignored")
		return ErrStaleReference
	}
	s.releaseLocked(ref.c)
	*ref = Ref{}
	return nil
}

func (s *ProtocolState) reserveLocked(c *Context) {
	c.refCount++
}

// releaseLocked decrements the reference count and retires c at zero.
func (s *ProtocolState) releaseLocked(c *Context) {
	if c.refCount <= 0 {
		log.Error().Int("index", c.index).Msg("Context released with zero reference count")
		return
	}
	c.refCount--
	if c.refCount > 0 {
		return
	}
	if c.hashed {
		s.table.remove(c)
	}
	s.pool.release(c)
}

// insertLocked links c into the hash table; the table holds one reference.
func (s *ProtocolState) insertLocked(c *Context) {
	s.table.insert(c)
	s.reserveLocked(c)
}

// unhashLocked unlinks c and drops the table's reference.
func (s *ProtocolState) unhashLocked(c *Context) {
	if !s.table.remove(c) {
		return
	}
	s.releaseLocked(c)
}

// findLocked looks up key, takes a reference and moves the context to the
// head of its chain with a fresh timestamp.
func (s *ProtocolState) findLocked(key contextKey) *Context {
	c := s.table.lookup(key)
	if c == nil {
		return nil
	}
	s.reserveLocked(c)
	s.table.moveToHead(c)
	c.timestamp = s.clock.Now()
	return c
}

// transferLog returns the per-segment log event, promoted to debug level
// when verbose RMPP logging is on.
func (s *ProtocolState) transferLog(c *Context) *zerolog.Event {
	ev := log.Trace()
	if s.cfg.DebugRMPP {
		ev = log.Debug()
	}
	return ev.Uint16("lid", c.key.lid).
		Uint64("tid", c.key.tid).
		Uint32("wf", c.windowFirst).
		Uint32("wl", c.windowLast).
		Uint32("ns", c.nextSegment).
		Uint32("total", c.segmentTotal)
}

// Stats is a point-in-time copy of the state's counters.
type Stats struct {
	PoolSize  int
	Allocated int
	Free      int
	Hashed    int

	Allocs uint64
	Frees  uint64

	Requests           uint64
	Duplicates         uint64
	StaleDrops         uint64
	Exhausted          uint64
	BusyReplies        uint64
	StatusReplies      uint64
	SingleReplies      uint64
	TransfersStarted   uint64
	Completed          uint64
	PeerStopped        uint64
	Aborts             map[AbortReason]uint64
	Resends            uint64
	ChecksumMismatches uint64
	SendFailures       uint64
	OrphanControl      uint64
}

// Stats returns a snapshot of pool occupancy and counters.
func (s *ProtocolState) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	aborts := make(map[AbortReason]uint64, len(s.stats.aborts))
	for k, v := range s.stats.aborts {
		aborts[k] = v
	}
	return Stats{
		PoolSize:           s.pool.capacity(),
		Allocated:          s.pool.inUse(),
		Free:               s.pool.available(),
		Hashed:             s.table.len(),
		Allocs:             s.pool.allocs,
		Frees:              s.pool.frees,
		Requests:           s.stats.requests,
		Duplicates:         s.stats.duplicates,
		StaleDrops:         s.stats.staleDrops,
		Exhausted:          s.stats.exhausted,
		BusyReplies:        s.stats.busyReplies,
		StatusReplies:      s.stats.statusReplies,
		SingleReplies:      s.stats.singleReplies,
		TransfersStarted:   s.stats.started,
		Completed:          s.stats.completed,
		PeerStopped:        s.stats.peerStopped,
		Aborts:             aborts,
		Resends:            s.stats.resends,
		ChecksumMismatches: s.stats.checksumErrors,
		SendFailures:       s.stats.sendFailures,
		OrphanControl:      s.stats.orphanControl,
	}
}

// LogStats writes the current counters at info level.
func (s *ProtocolState) LogStats() {
	st := s.Stats()
	ev := log.Info().
		Int("allocated", st.Allocated).
		Int("free", st.Free).
		Int("hashed", st.Hashed).
		Uint64("requests", st.Requests).
		Uint64("duplicates", st.Duplicates).
		Uint64("stale", st.StaleDrops).
		Uint64("exhausted", st.Exhausted).
		Uint64("completed", st.Completed).
		Uint64("checksum_mismatches", st.ChecksumMismatches).
		Uint64("send_failures", st.SendFailures)
	for reason, n := range st.Aborts {
		ev = ev.Uint64("abort_"+reason.String(), n)
	}
	ev.Msg("PA statistics")
}
