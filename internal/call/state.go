package call

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// Phase is the coarse lifecycle phase of the device's single call.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseCalling
	PhaseReceiving
	PhaseInCall
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseCalling:
		return "calling"
	case PhaseReceiving:
		return "receiving"
	case PhaseInCall:
		return "in-call"
	}
	return "unknown"
}

// MarshalText renders the phase as its name in JSON.
func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// TrackInfo describes one media track for observers.
type TrackInfo struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	Enabled bool   `json:"enabled"`
	Ended   bool   `json:"ended,omitempty"`
	Packets uint64 `json:"packets,omitempty"`
	Lost    uint64 `json:"lost,omitempty"`
}

// Snapshot is the immutable externally visible view of the call state.
// At most one of IsInCall, IsCalling and IsReceivingCall is true, and
// RemotePartyID is non-empty exactly when one of them is.
type Snapshot struct {
	Phase           Phase  `json:"phase"`
	IsInCall        bool   `json:"is_in_call"`
	IsCalling       bool   `json:"is_calling"`
	IsReceivingCall bool   `json:"is_receiving_call"`
	RemotePartyID   string `json:"remote_party_id,omitempty"`
	CallID          string `json:"call_id,omitempty"`

	// Accepted is set while Receiving once the local user has accepted and
	// the device is waiting for the caller's offer.
	Accepted bool `json:"accepted,omitempty"`

	AudioEnabled bool   `json:"audio_enabled"`
	VideoEnabled bool   `json:"video_enabled"`
	Connection   string `json:"connection,omitempty"`
	ICERestarts  int    `json:"ice_restarts,omitempty"`

	LocalTracks  []TrackInfo `json:"local_tracks,omitempty"`
	RemoteTracks []TrackInfo `json:"remote_tracks,omitempty"`

	// Handles to the live media. Read-only for observers.
	Local  *LocalMedia   `json:"-"`
	Remote []RemoteTrack `json:"-"`
}

func idleSnapshot() Snapshot {
	return Snapshot{Phase: PhaseIdle}
}

// snapshotOf derives the booleans from the phase so they can never disagree.
func snapshotOf(c *callState) Snapshot {
	if c == nil {
		return idleSnapshot()
	}
	s := Snapshot{
		Phase:           c.phase,
		IsInCall:        c.phase == PhaseInCall,
		IsCalling:       c.phase == PhaseCalling,
		IsReceivingCall: c.phase == PhaseReceiving,
		RemotePartyID:   c.remote,
		CallID:          c.id,
		Accepted:        c.accepted,
		AudioEnabled:    c.eng.enabled(webrtc.RTPCodecTypeAudio),
		VideoEnabled:    c.eng.enabled(webrtc.RTPCodecTypeVideo),
		Local:           c.media,
	}
	if st, ok := c.eng.connection(); ok {
		s.Connection = st.String()
	}
	s.ICERestarts = c.eng.restarts
	s.LocalTracks = c.eng.localInfo()
	s.Remote = append([]RemoteTrack(nil), c.eng.remote...)
	for _, rt := range s.Remote {
		s.RemoteTracks = append(s.RemoteTracks, TrackInfo{
			ID:      rt.ID(),
			Kind:    rt.Kind().String(),
			Enabled: true,
			Packets: rt.Packets(),
			Lost:    rt.Lost(),
		})
	}
	return s
}

// subscribers is the observer registry. Callbacks run on the manager
// goroutine in registration order and must not block.
type subscribers struct {
	mu   sync.Mutex
	next int
	subs []subscriber
}

type subscriber struct {
	id int
	fn func(Snapshot)
}

func (s *subscribers) add(fn func(Snapshot)) func() {
	s.mu.Lock()
	id := s.next
	s.next++
	s.subs = append(s.subs, subscriber{id: id, fn: fn})
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

func (s *subscribers) notify(snap Snapshot) {
	s.mu.Lock()
	subs := append([]subscriber(nil), s.subs...)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.fn(snap)
	}
}
