package call

import "github.com/pion/webrtc/v4"

// Peer is the negotiation context of one call: one peer connection plus the
// observers installed on it. The pion adapter in peer_pion.go is the
// production implementation.
type Peer interface {
	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	HasRemoteDescription() bool
	AddICECandidate(webrtc.ICECandidateInit) error
	SignalingState() webrtc.SignalingState
	ICEConnectionState() webrtc.ICEConnectionState

	AddTrack(LocalTrack) (TrackSender, error)
	// RequestKeyFrame asks the remote sender for a fresh key frame on every
	// inbound video track.
	RequestKeyFrame() error

	OnICECandidate(func(webrtc.ICECandidateInit))
	OnTrack(func(RemoteTrack))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	OnICEConnectionStateChange(func(webrtc.ICEConnectionState))

	Close() error
}

// PeerFactory creates a Peer configured with the given ICE servers.
type PeerFactory func(servers []webrtc.ICEServer) (Peer, error)

// TrackSender is the outbound half of an attached local track.
type TrackSender interface {
	ReplaceTrack(webrtc.TrackLocal) error
}

// RemoteTrack is an inbound media track.
type RemoteTrack interface {
	ID() string
	Kind() webrtc.RTPCodecType
	// Packets is the number of RTP packets received so far.
	Packets() uint64
	// Lost is the number of packets inferred missing from sequence gaps.
	Lost() uint64
}
