package pa

import "time"

// Recorder receives operational events for export. Implementations must not
// block: they are called with the pool lock held.
type Recorder interface {
	RecordAdmission(result Admission)
	RecordTransfer(outcome Outcome, reason AbortReason, duration time.Duration)
	RecordChecksumMismatch()
	RecordSendFailure()
}

// NoopRecorder discards every event.
type NoopRecorder struct{}

func (NoopRecorder) RecordAdmission(Admission)                          {}
func (NoopRecorder) RecordTransfer(Outcome, AbortReason, time.Duration) {}
func (NoopRecorder) RecordChecksumMismatch()                            {}
func (NoopRecorder) RecordSendFailure()                                 {}
