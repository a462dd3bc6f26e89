package call

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// PionOptions configures the pion-backed PeerFactory.
type PionOptions struct {
	LoggerFactory logging.LoggerFactory
	// RegisterCodecs populates the media engine. Nil registers pion's defaults.
	RegisterCodecs func(*webrtc.MediaEngine) error

	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
}

// NewPionFactory builds one webrtc.API and returns a factory creating peer
// connections from it.
func NewPionFactory(opt PionOptions) (PeerFactory, error) {
	if opt.LoggerFactory == nil {
		opt.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	// Generous ICE timeouts so a brief relay/NAT hiccup does not terminate
	// the call before recovery gets a chance.
	if opt.DisconnectedTimeout <= 0 {
		opt.DisconnectedTimeout = 30 * time.Second
	}
	if opt.FailedTimeout <= 0 {
		opt.FailedTimeout = 120 * time.Second
	}
	if opt.KeepAliveInterval <= 0 {
		opt.KeepAliveInterval = 2 * time.Second
	}

	mediaEngine := &webrtc.MediaEngine{}
	register := opt.RegisterCodecs
	if register == nil {
		register = (*webrtc.MediaEngine).RegisterDefaultCodecs
	}
	if err := register(mediaEngine); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{LoggerFactory: opt.LoggerFactory}
	se.SetICETimeouts(opt.DisconnectedTimeout, opt.FailedTimeout, opt.KeepAliveInterval)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)
	log := opt.LoggerFactory.NewLogger("peer")

	return func(servers []webrtc.ICEServer) (Peer, error) {
		pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
		if err != nil {
			return nil, err
		}
		return newPionPeer(pc, log), nil
	}, nil
}

type pionPeer struct {
	pc  *webrtc.PeerConnection
	log logging.LeveledLogger

	mu      sync.Mutex
	remote  []*remoteTrack
	onTrack func(RemoteTrack)
}

func newPionPeer(pc *webrtc.PeerConnection, log logging.LeveledLogger) *pionPeer {
	p := &pionPeer{pc: pc, log: log}
	pc.OnTrack(p.handleTrack)
	return p
}

func (p *pionPeer) handleTrack(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	rt := &remoteTrack{track: tr}
	p.mu.Lock()
	p.remote = append(p.remote, rt)
	fn := p.onTrack
	p.mu.Unlock()

	p.log.Infof("remote %s track %s (%s)", tr.Kind(), tr.ID(), tr.Codec().MimeType)
	go rt.drain()
	if fn != nil {
		fn(rt)
	}
}

func (p *pionPeer) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	p.ensureTransceivers()
	return p.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
}

func (p *pionPeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

// ensureTransceivers adds recvonly transceivers for any kind without one so
// the offer always carries audio and video m-lines with ICE credentials.
func (p *pionPeer) ensureTransceivers() {
	have := map[webrtc.RTPCodecType]bool{}
	for _, t := range p.pc.GetTransceivers() {
		have[t.Kind()] = true
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if have[kind] {
			continue
		}
		if _, err := p.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			p.log.Warnf("AddTransceiver(%s) error: %v", kind, err)
		}
	}
}

func (p *pionPeer) SetLocalDescription(sd webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(sd)
}

func (p *pionPeer) SetRemoteDescription(sd webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(sd)
}

func (p *pionPeer) HasRemoteDescription() bool { return p.pc.RemoteDescription() != nil }

func (p *pionPeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *pionPeer) SignalingState() webrtc.SignalingState { return p.pc.SignalingState() }

func (p *pionPeer) ICEConnectionState() webrtc.ICEConnectionState {
	return p.pc.ICEConnectionState()
}

func (p *pionPeer) AddTrack(t LocalTrack) (TrackSender, error) {
	sender, err := p.pc.AddTrack(t)
	if err != nil {
		return nil, err
	}
	// Inbound RTCP must be read for the interceptors (NACK, reports) to run.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return sender, nil
}

func (p *pionPeer) RequestKeyFrame() error {
	p.mu.Lock()
	tracks := append([]*remoteTrack(nil), p.remote...)
	p.mu.Unlock()

	var pkts []rtcp.Packet
	for _, t := range tracks {
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			pkts = append(pkts, &rtcp.PictureLossIndication{MediaSSRC: uint32(t.track.SSRC())})
		}
	}
	if len(pkts) == 0 {
		return nil
	}
	return p.pc.WriteRTCP(pkts)
}

func (p *pionPeer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering complete
		}
		fn(c.ToJSON())
	})
}

func (p *pionPeer) OnTrack(fn func(RemoteTrack)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *pionPeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *pionPeer) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	p.pc.OnICEConnectionStateChange(fn)
}

func (p *pionPeer) Close() error { return p.pc.Close() }

// remoteTrack drains an inbound track and keeps packet counters.
type remoteTrack struct {
	track   *webrtc.TrackRemote
	packets atomic.Uint64

	mu      sync.Mutex
	seen    bool
	lastSeq uint16
	lost    uint64
}

func (r *remoteTrack) ID() string                { return r.track.ID() }
func (r *remoteTrack) Kind() webrtc.RTPCodecType { return r.track.Kind() }
func (r *remoteTrack) Packets() uint64           { return r.packets.Load() }

func (r *remoteTrack) Lost() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lost
}

func (r *remoteTrack) drain() {
	for {
		pkt, _, err := r.track.ReadRTP()
		if err != nil {
			return
		}
		r.observe(pkt.Header)
	}
}

// observe counts sequence gaps as lost packets. Reordered packets (a
// backwards step) are ignored.
func (r *remoteTrack) observe(h rtp.Header) {
	r.packets.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen {
		gap := h.SequenceNumber - r.lastSeq
		if gap == 0 || gap >= 0x8000 {
			return
		}
		r.lost += uint64(gap - 1)
	}
	r.seen = true
	r.lastSeq = h.SequenceNumber
}
