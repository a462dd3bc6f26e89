package calllog

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/petervdpas/goopcall/internal/call"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history", DefaultFile))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndRecent(t *testing.T) {
	s := openStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	records := []call.Record{
		{CallID: "c1", Remote: "bob", Direction: call.Outgoing, Outcome: call.OutcomeUnanswered,
			StartedAt: base, EndedAt: base.Add(30 * time.Second)},
		{CallID: "c2", Remote: "carol", Direction: call.Incoming, Outcome: call.OutcomeAnswered,
			StartedAt: base.Add(time.Minute), AnsweredAt: base.Add(time.Minute + 5*time.Second),
			EndedAt: base.Add(3 * time.Minute), Reason: "remote hung up"},
		{CallID: "c3", Remote: "bob", Direction: call.Incoming, Outcome: call.OutcomeBusy,
			StartedAt: base.Add(4 * time.Minute), EndedAt: base.Add(4 * time.Minute)},
	}
	for _, r := range records {
		if err := s.Record(r); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	got, err := s.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d", len(got))
	}
	if got[0].CallID != "c3" || got[2].CallID != "c1" {
		t.Fatalf("order = %s,%s,%s", got[0].CallID, got[1].CallID, got[2].CallID)
	}

	answered := got[1]
	if answered.Outcome != call.OutcomeAnswered || answered.Direction != call.Incoming {
		t.Fatalf("entry = %+v", answered)
	}
	if answered.AnsweredAt == nil || answered.DurationMS != (115*time.Second).Milliseconds() {
		t.Fatalf("answered = %v duration = %d", answered.AnsweredAt, answered.DurationMS)
	}
	if answered.Reason != "remote hung up" {
		t.Fatalf("reason = %q", answered.Reason)
	}
	if got[2].AnsweredAt != nil || got[2].DurationMS != 0 {
		t.Fatalf("unanswered call has duration: %+v", got[2])
	}
	if got[0].ID == "" || got[0].ID == got[1].ID {
		t.Fatalf("ids = %q %q", got[0].ID, got[1].ID)
	}
}

func TestRecentLimitAndParty(t *testing.T) {
	s := openStore(t)
	now := time.Now()
	for i, remote := range []string{"bob", "carol", "bob", "bob"} {
		at := now.Add(time.Duration(i) * time.Second)
		if err := s.Record(call.Record{CallID: remote, Remote: remote, Direction: call.Outgoing,
			Outcome: call.OutcomeRejected, StartedAt: at, EndedAt: at}); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.Recent(2)
	if err != nil || len(got) != 2 {
		t.Fatalf("Recent(2) = %d, %v", len(got), err)
	}
	bob, err := s.WithParty("bob", 0)
	if err != nil || len(bob) != 3 {
		t.Fatalf("WithParty = %d, %v", len(bob), err)
	}
	none, err := s.WithParty("dave", 5)
	if err != nil || none == nil || len(none) != 0 {
		t.Fatalf("WithParty(dave) = %v, %v", none, err)
	}
}

func TestReopenKeepsHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFile)
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	if err := s.Record(call.Record{CallID: "x", Remote: "bob", Direction: call.Incoming,
		Outcome: call.OutcomeMissed, StartedAt: now, EndedAt: now}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	got, err := s.Recent(0)
	if err != nil || len(got) != 1 || got[0].Outcome != call.OutcomeMissed {
		t.Fatalf("after reopen: %+v, %v", got, err)
	}
}
