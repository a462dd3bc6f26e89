package call

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestEnvelopeValidate(t *testing.T) {
	sdp := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	cases := []struct {
		name string
		env  Envelope
		ok   bool
	}{
		{"call-request", Envelope{Type: KindCallRequest, From: "a", To: "b"}, true},
		{"null payload control", Envelope{Type: KindCallEnded, From: "a", To: "b", Payload: json.RawMessage("null")}, true},
		{"offer", Envelope{Type: KindOffer, From: "a", To: "b", Payload: sdp}, true},
		{"offer without payload", Envelope{Type: KindOffer, From: "a", To: "b"}, false},
		{"candidate null payload", Envelope{Type: KindICECandidate, From: "a", To: "b", Payload: json.RawMessage("null")}, false},
		{"control with payload", Envelope{Type: KindCallAccepted, From: "a", To: "b", Payload: sdp}, false},
		{"unknown type", Envelope{Type: "hello", From: "a", To: "b"}, false},
		{"missing from", Envelope{Type: KindCallRequest, To: "b"}, false},
		{"missing to", Envelope{Type: KindCallRequest, From: "a"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.env.Validate()
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestEnvelopeWireShape(t *testing.T) {
	env, err := newEnvelope(KindAnswer, "bob", "alice", webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	got := string(b)
	for _, want := range []string{`"type":"answer"`, `"from":"bob"`, `"to":"alice"`, `"payload":{"type":"answer","sdp":"v=0"}`} {
		if !strings.Contains(got, want) {
			t.Errorf("%s missing %s", got, want)
		}
	}

	ctl, err := newEnvelope(KindCallRequest, "bob", "alice", nil)
	if err != nil {
		t.Fatal(err)
	}
	b, _ = json.Marshal(ctl)
	if strings.Contains(string(b), "payload") {
		t.Errorf("control envelope carries payload: %s", b)
	}

	var back Envelope
	if err := json.Unmarshal([]byte(`{"type":"ice-candidate","from":"a","to":"b","payload":{"candidate":"candidate:1","sdpMid":"0","sdpMLineIndex":0}}`), &back); err != nil {
		t.Fatal(err)
	}
	if err := back.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestPhaseJSON(t *testing.T) {
	b, err := json.Marshal(snapshotOf(nil))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), `"phase":"idle"`) {
		t.Fatalf("snapshot json = %s", b)
	}
}
