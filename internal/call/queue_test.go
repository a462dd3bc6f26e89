package call

import (
	"errors"
	"reflect"
	"testing"

	"github.com/pion/webrtc/v4"
)

func candidates(q *candidateQueue) []string {
	var out []string
	q.flush(func(c webrtc.ICECandidateInit) error {
		out = append(out, c.Candidate)
		return nil
	})
	return out
}

func TestCandidateQueue(t *testing.T) {
	log := quietLoggers().NewLogger("test")

	t.Run("flush keeps arrival order", func(t *testing.T) {
		q := newCandidateQueue(8, log)
		for _, c := range []string{"a", "b", "c"} {
			q.enqueue(webrtc.ICECandidateInit{Candidate: c})
		}
		if got, want := candidates(q), []string{"a", "b", "c"}; !reflect.DeepEqual(got, want) {
			t.Fatalf("flushed %v, want %v", got, want)
		}
		if q.len() != 0 {
			t.Fatalf("len after flush = %d", q.len())
		}
	})

	t.Run("overflow drops oldest", func(t *testing.T) {
		q := newCandidateQueue(2, log)
		for _, c := range []string{"a", "b", "c"} {
			q.enqueue(webrtc.ICECandidateInit{Candidate: c})
		}
		if got, want := candidates(q), []string{"b", "c"}; !reflect.DeepEqual(got, want) {
			t.Fatalf("flushed %v, want %v", got, want)
		}
	})

	t.Run("failures do not stop the flush", func(t *testing.T) {
		q := newCandidateQueue(8, log)
		for _, c := range []string{"a", "bad", "c"} {
			q.enqueue(webrtc.ICECandidateInit{Candidate: c})
		}
		var applied []string
		ok, failed := q.flush(func(c webrtc.ICECandidateInit) error {
			if c.Candidate == "bad" {
				return errors.New("rejected")
			}
			applied = append(applied, c.Candidate)
			return nil
		})
		if ok != 2 || failed != 1 {
			t.Fatalf("applied=%d failed=%d", ok, failed)
		}
		if want := []string{"a", "c"}; !reflect.DeepEqual(applied, want) {
			t.Fatalf("applied %v, want %v", applied, want)
		}
	})

	t.Run("reset discards", func(t *testing.T) {
		q := newCandidateQueue(0, log)
		if q.max != DefaultCandidateQueueSize {
			t.Fatalf("default max = %d", q.max)
		}
		q.enqueue(webrtc.ICECandidateInit{Candidate: "a"})
		q.reset()
		if got := candidates(q); len(got) != 0 {
			t.Fatalf("flushed %v after reset", got)
		}
	})
}
