package pa

import (
	"fmt"
	"time"

	"github.com/yuuki/paserver/internal/mad"
	"github.com/yuuki/paserver/internal/transport"
)

// TransferState is the explicit state of a context's RMPP transfer.
type TransferState uint8

const (
	// StateIdle: admitted, no transfer started yet.
	StateIdle TransferState = iota
	// StateSending: hashed, window in flight, waiting for ACKs.
	StateSending
	// StateComplete: final segment acknowledged.
	StateComplete
	// StateStopped: the peer sent STOP or ABORT.
	StateStopped
	// StateAborting: a local abort is queued.
	StateAborting
)

func (s TransferState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateComplete:
		return "complete"
	case StateStopped:
		return "stopped"
	case StateAborting:
		return "aborting"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// AbortReason records why a transfer was aborted locally.
type AbortReason uint8

const (
	AbortNone AbortReason = iota
	AbortBadType
	AbortUnsupportedVersion
	AbortInactive
	AbortSegmentTooBig
	AbortNewWindowTooSmall
	AbortTooManyRetries
	AbortTooLarge
)

// Status maps the reason to the RMPP status carried by the ABORT packet.
func (r AbortReason) Status() mad.RMPPStatus {
	switch r {
	case AbortBadType:
		return mad.RMPPStatusBadType
	case AbortUnsupportedVersion:
		return mad.RMPPStatusUnsupportedVersion
	case AbortSegmentTooBig:
		return mad.RMPPStatusSegmentTooBig
	case AbortNewWindowTooSmall:
		return mad.RMPPStatusNewWindowTooSmall
	case AbortTooManyRetries:
		return mad.RMPPStatusTooManyRetries
	}
	return mad.RMPPStatusUnspecified
}

func (r AbortReason) String() string {
	switch r {
	case AbortNone:
		return "none"
	case AbortBadType:
		return "bad_type"
	case AbortUnsupportedVersion:
		return "unsupported_version"
	case AbortInactive:
		return "inactive"
	case AbortSegmentTooBig:
		return "segment_too_big"
	case AbortNewWindowTooSmall:
		return "new_window_last_too_small"
	case AbortTooManyRetries:
		return "too_many_retries"
	case AbortTooLarge:
		return "too_large"
	}
	return fmt.Sprintf("abort(%d)", uint8(r))
}

type contextKey struct {
	lid uint16
	tid uint64
}

// Context tracks one request from admission until its reply is done. All
// fields are guarded by the owning ProtocolState's lock.
type Context struct {
	index      int
	generation uint64
	refCount   int
	hashed     bool

	key       contextKey
	method    mad.Method
	timestamp time.Time
	startedAt time.Time

	responseTimeout time.Duration

	payload []byte
	release func([]byte)
	scratch []byte

	state       TransferState
	abortReason AbortReason

	windowFirst     uint32
	windowLast      uint32
	nextSegment     uint32
	expectedSegment uint32
	lastAcked       uint32
	segmentTotal    uint32
	retryCount      int

	request         mad.Envelope
	replyStatus     mad.Status
	attributeOffset uint16
	checksum        uint64
	sendHandle      transport.Transport
}

func (c *Context) abort(reason AbortReason) {
	c.state = StateAborting
	c.abortReason = reason
}

// reset clears the context for reuse and invalidates outstanding Refs.
func (c *Context) reset() {
	*c = Context{index: c.index, generation: c.generation + 1}
}

// Ref is a handle on a pool context. It goes stale once the context is
// retired, even if the slot is reused.
type Ref struct {
	c          *Context
	generation uint64
}

// IsZero reports whether r refers to nothing.
func (r Ref) IsZero() bool { return r.c == nil }

func (r Ref) valid() bool {
	return r.c != nil && r.c.generation == r.generation && r.c.refCount > 0
}
