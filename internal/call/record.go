package call

import "time"

// Direction of a call relative to this device.
type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
)

// Outcome is how a call attempt ended.
type Outcome string

const (
	OutcomeAnswered   Outcome = "answered"   // media session was established
	OutcomeRejected   Outcome = "rejected"   // remote rejected our call
	OutcomeDeclined   Outcome = "declined"   // we rejected an incoming call
	OutcomeMissed     Outcome = "missed"     // incoming call ended before we answered
	OutcomeUnanswered Outcome = "unanswered" // our call timed out or was cancelled
	OutcomeBusy       Outcome = "busy"       // incoming request dropped while busy
	OutcomeFailed     Outcome = "failed"
)

// Record summarises one call attempt once it is over.
type Record struct {
	CallID     string
	Remote     string
	Direction  Direction
	Outcome    Outcome
	Reason     string
	StartedAt  time.Time
	AnsweredAt time.Time // zero unless answered
	EndedAt    time.Time
}

// Duration is the connected time, zero for calls that never connected.
func (r Record) Duration() time.Duration {
	if r.AnsweredAt.IsZero() || r.EndedAt.Before(r.AnsweredAt) {
		return 0
	}
	return r.EndedAt.Sub(r.AnsweredAt)
}

// Recorder persists finished calls. Record runs on the manager goroutine.
type Recorder interface {
	Record(Record) error
}
