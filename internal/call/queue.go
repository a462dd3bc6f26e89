package call

import (
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

// DefaultCandidateQueueSize bounds the number of remote candidates held
// while no remote description is applied.
const DefaultCandidateQueueSize = 256

// candidateQueue holds remote ICE candidates that arrived before the remote
// description. Only the manager goroutine touches it.
type candidateQueue struct {
	items []webrtc.ICECandidateInit
	max   int
	log   logging.LeveledLogger
}

func newCandidateQueue(max int, log logging.LeveledLogger) *candidateQueue {
	if max <= 0 {
		max = DefaultCandidateQueueSize
	}
	return &candidateQueue{max: max, log: log}
}

// enqueue appends c, dropping the oldest entry when full.
func (q *candidateQueue) enqueue(c webrtc.ICECandidateInit) {
	if len(q.items) >= q.max {
		q.log.Warnf("candidate queue full (%d), dropping oldest %q", q.max, q.items[0].Candidate)
		q.items = q.items[1:]
	}
	q.items = append(q.items, c)
}

// flush applies every queued candidate in arrival order and empties the
// queue. A failing candidate is logged and does not stop the rest.
func (q *candidateQueue) flush(apply func(webrtc.ICECandidateInit) error) (applied, failed int) {
	items := q.items
	q.items = nil
	for _, c := range items {
		if err := apply(c); err != nil {
			q.log.Warnf("queued candidate %q rejected: %v", c.Candidate, err)
			failed++
			continue
		}
		applied++
	}
	return applied, failed
}

func (q *candidateQueue) reset() { q.items = nil }

func (q *candidateQueue) len() int { return len(q.items) }
