package call

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Signaler is the only surface the call package needs from the signaling
// transport. The websocket client in internal/signaling satisfies it; the
// composition root in internal/app is the only place that imports both.
type Signaler interface {
	Connected() bool
	Send(env Envelope) error
	// Subscribe returns a channel of inbound envelopes. cancel closes it.
	Subscribe() (ch <-chan Envelope, cancel func())
	// OnStateChange registers fn for transport up/down transitions.
	OnStateChange(fn func(connected bool)) (cancel func())
}

// Kind is the envelope type tag.
type Kind string

const (
	KindCallRequest  Kind = "call-request"
	KindCallAccepted Kind = "call-accepted"
	KindCallRejected Kind = "call-rejected"
	KindCallEnded    Kind = "call-ended"
	KindOffer        Kind = "offer"
	KindAnswer       Kind = "answer"
	KindICECandidate Kind = "ice-candidate"
)

// carriesPayload reports whether envelopes of this kind must have a payload.
func (k Kind) carriesPayload() bool {
	switch k {
	case KindOffer, KindAnswer, KindICECandidate:
		return true
	}
	return false
}

func (k Kind) known() bool {
	switch k {
	case KindCallRequest, KindCallAccepted, KindCallRejected, KindCallEnded,
		KindOffer, KindAnswer, KindICECandidate:
		return true
	}
	return false
}

// Envelope is one signaling message between two parties. Payload is a
// session description for offer/answer, a candidate init for ice-candidate,
// and absent for the control kinds.
type Envelope struct {
	Type    Kind            `json:"type"`
	From    string          `json:"from"`
	To      string          `json:"to"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (e Envelope) hasPayload() bool {
	return len(e.Payload) > 0 && string(e.Payload) != "null"
}

// Validate checks the structural rules every envelope must obey.
func (e Envelope) Validate() error {
	if !e.Type.known() {
		return fmt.Errorf("unknown envelope type %q", e.Type)
	}
	if e.From == "" || e.To == "" {
		return errors.New("envelope missing from/to")
	}
	if e.Type.carriesPayload() && !e.hasPayload() {
		return fmt.Errorf("%s envelope without payload", e.Type)
	}
	if !e.Type.carriesPayload() && e.hasPayload() {
		return fmt.Errorf("%s envelope must not carry a payload", e.Type)
	}
	return nil
}

// newEnvelope builds an envelope, marshalling payload when non-nil.
func newEnvelope(kind Kind, from, to string, payload any) (Envelope, error) {
	env := Envelope{Type: kind, From: from, To: to}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", kind, err)
		}
		env.Payload = b
	}
	return env, nil
}
