package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

var errFakeNotConnected = errors.New("fake: not connected")

// ── Signaler ────────────────────────────────────────────────────────────────

type fakeSignaler struct {
	mu        sync.Mutex
	connected bool
	sent      []Envelope
	subs      map[int]chan Envelope
	states    map[int]func(bool)
	next      int
	remote    *fakeSignaler
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{
		connected: true,
		subs:      make(map[int]chan Envelope),
		states:    make(map[int]func(bool)),
	}
}

// link makes envelopes sent on a arrive at b and vice versa.
func link(a, b *fakeSignaler) {
	a.remote = b
	b.remote = a
}

func (s *fakeSignaler) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSignaler) Send(env Envelope) error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return errFakeNotConnected
	}
	s.sent = append(s.sent, env)
	remote := s.remote
	s.mu.Unlock()
	if remote != nil {
		remote.deliver(env)
	}
	return nil
}

func (s *fakeSignaler) Subscribe() (<-chan Envelope, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	ch := make(chan Envelope, 256)
	s.subs[id] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

func (s *fakeSignaler) OnStateChange(fn func(bool)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	s.states[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.states, id)
		s.mu.Unlock()
	}
}

func (s *fakeSignaler) deliver(env Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		ch <- env
	}
}

// setConnected flips the transport state and notifies observers.
func (s *fakeSignaler) setConnected(up bool) {
	s.mu.Lock()
	s.connected = up
	fns := make([]func(bool), 0, len(s.states))
	for _, fn := range s.states {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(up)
	}
}

// setConnectedQuietly flips the transport state without notifying.
func (s *fakeSignaler) setConnectedQuietly(up bool) {
	s.mu.Lock()
	s.connected = up
	s.mu.Unlock()
}

func (s *fakeSignaler) sentKinds() []Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Kind, 0, len(s.sent))
	for _, e := range s.sent {
		out = append(out, e.Type)
	}
	return out
}

func (s *fakeSignaler) sentOf(kind Kind) []Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Envelope
	for _, e := range s.sent {
		if e.Type == kind {
			out = append(out, e)
		}
	}
	return out
}

func (s *fakeSignaler) sentTo(party string) []Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Envelope
	for _, e := range s.sent {
		if e.To == party {
			out = append(out, e)
		}
	}
	return out
}

// ── Media ───────────────────────────────────────────────────────────────────

type fakeTrack struct {
	*webrtc.TrackLocalStaticSample

	mu      sync.Mutex
	onEnded func(error)
	closed  bool
}

func newFakeTrack(kind webrtc.RTPCodecType, id string) *fakeTrack {
	mime := webrtc.MimeTypeOpus
	if kind == webrtc.RTPCodecTypeVideo {
		mime = webrtc.MimeTypeVP8
	}
	tr, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, id, "fake-stream")
	if err != nil {
		panic(err)
	}
	return &fakeTrack{TrackLocalStaticSample: tr}
}

func (f *fakeTrack) OnEnded(fn func(error)) {
	f.mu.Lock()
	f.onEnded = fn
	f.mu.Unlock()
}

func (f *fakeTrack) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTrack) end(err error) {
	f.mu.Lock()
	fn := f.onEnded
	f.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (f *fakeTrack) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeMedia struct {
	mu     sync.Mutex
	err    error
	gate   chan struct{}
	calls  int
	issued [][]*fakeTrack
}

func (f *fakeMedia) Acquire(ctx context.Context, _ Constraints) (*LocalMedia, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	gate, err := f.gate, f.err
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	audio := newFakeTrack(webrtc.RTPCodecTypeAudio, fmt.Sprintf("audio-%d", n))
	video := newFakeTrack(webrtc.RTPCodecTypeVideo, fmt.Sprintf("video-%d", n))
	f.mu.Lock()
	f.issued = append(f.issued, []*fakeTrack{audio, video})
	f.mu.Unlock()
	return NewLocalMedia(audio, video), nil
}

func (f *fakeMedia) acquisitions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeMedia) tracks(i int) []*fakeTrack {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.issued) {
		return nil
	}
	return f.issued[i]
}

// ── Peer ────────────────────────────────────────────────────────────────────

type fakeSender struct {
	mu    sync.Mutex
	track webrtc.TrackLocal
}

func (s *fakeSender) ReplaceTrack(t webrtc.TrackLocal) error {
	s.mu.Lock()
	s.track = t
	s.mu.Unlock()
	return nil
}

func (s *fakeSender) current() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

type fakeRemoteTrack struct {
	id   string
	kind webrtc.RTPCodecType
}

func (r fakeRemoteTrack) ID() string                { return r.id }
func (r fakeRemoteTrack) Kind() webrtc.RTPCodecType { return r.kind }
func (r fakeRemoteTrack) Packets() uint64           { return 42 }
func (r fakeRemoteTrack) Lost() uint64              { return 0 }

type fakePeer struct {
	mu         sync.Mutex
	signaling  webrtc.SignalingState
	ice        webrtc.ICEConnectionState
	remoteDesc *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	rejected   string
	offers     []bool
	failOffers bool
	senders    map[string]*fakeSender
	keyFrames  int
	rollbacks  int
	closed     bool

	onCandidate func(webrtc.ICECandidateInit)
	onTrack     func(RemoteTrack)
	onConn      func(webrtc.PeerConnectionState)
	onICE       func(webrtc.ICEConnectionState)
}

func newFakePeer() *fakePeer {
	return &fakePeer{
		signaling: webrtc.SignalingStateStable,
		ice:       webrtc.ICEConnectionStateNew,
		senders:   make(map[string]*fakeSender),
	}
}

func (p *fakePeer) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offers = append(p.offers, iceRestart)
	if p.failOffers {
		return webrtc.SessionDescription{}, errors.New("fake: offer failed")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("v=0 fake-offer-%d", len(p.offers))}, nil
}

func (p *fakePeer) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.signaling != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, errors.New("fake: no remote offer")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 fake-answer"}, nil
}

func (p *fakePeer) SetLocalDescription(sd webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch sd.Type {
	case webrtc.SDPTypeOffer:
		p.signaling = webrtc.SignalingStateHaveLocalOffer
	case webrtc.SDPTypeAnswer:
		p.signaling = webrtc.SignalingStateStable
	case webrtc.SDPTypeRollback:
		p.signaling = webrtc.SignalingStateStable
		p.rollbacks++
	}
	return nil
}

func (p *fakePeer) rollbackCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rollbacks
}

func (p *fakePeer) SetRemoteDescription(sd webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch sd.Type {
	case webrtc.SDPTypeOffer:
		p.signaling = webrtc.SignalingStateHaveRemoteOffer
	case webrtc.SDPTypeAnswer:
		p.signaling = webrtc.SignalingStateStable
	}
	p.remoteDesc = &sd
	return nil
}

func (p *fakePeer) HasRemoteDescription() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteDesc != nil
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c.Candidate == p.rejected {
		return errors.New("fake: bad candidate")
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePeer) SignalingState() webrtc.SignalingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signaling
}

func (p *fakePeer) ICEConnectionState() webrtc.ICEConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ice
}

func (p *fakePeer) AddTrack(t LocalTrack) (TrackSender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := &fakeSender{track: t}
	p.senders[t.ID()] = s
	return s, nil
}

func (p *fakePeer) RequestKeyFrame() error {
	p.mu.Lock()
	p.keyFrames++
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onCandidate = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnTrack(fn func(RemoteTrack)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onConn = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	p.mu.Lock()
	p.onICE = fn
	p.mu.Unlock()
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) setICE(st webrtc.ICEConnectionState) {
	p.mu.Lock()
	p.ice = st
	fn := p.onICE
	p.mu.Unlock()
	fn(st)
}

func (p *fakePeer) setConn(st webrtc.PeerConnectionState) {
	p.mu.Lock()
	fn := p.onConn
	p.mu.Unlock()
	fn(st)
}

func (p *fakePeer) emitCandidate(c webrtc.ICECandidateInit) {
	p.mu.Lock()
	fn := p.onCandidate
	p.mu.Unlock()
	fn(c)
}

func (p *fakePeer) emitTrack(t RemoteTrack) {
	p.mu.Lock()
	fn := p.onTrack
	p.mu.Unlock()
	fn(t)
}

func (p *fakePeer) offerFlags() []bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]bool(nil), p.offers...)
}

func (p *fakePeer) appliedCandidates() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.candidates))
	for _, c := range p.candidates {
		out = append(out, c.Candidate)
	}
	return out
}

func (p *fakePeer) sender(id string) *fakeSender {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.senders[id]
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) keyFrameRequests() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.keyFrames
}

type fakePeers struct {
	mu    sync.Mutex
	peers []*fakePeer
	setup func(*fakePeer)
}

func (f *fakePeers) New(_ []webrtc.ICEServer) (Peer, error) {
	p := newFakePeer()
	f.mu.Lock()
	setup := f.setup
	f.peers = append(f.peers, p)
	f.mu.Unlock()
	if setup != nil {
		setup(p)
	}
	return p, nil
}

func (f *fakePeers) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers)
}

func (f *fakePeers) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

// ── Recorder ────────────────────────────────────────────────────────────────

type fakeRecorder struct {
	mu      sync.Mutex
	records []Record
}

func (r *fakeRecorder) Record(rec Record) error {
	r.mu.Lock()
	r.records = append(r.records, rec)
	r.mu.Unlock()
	return nil
}

func (r *fakeRecorder) outcomes() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Outcome, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.Outcome)
	}
	return out
}

// ── Harness ─────────────────────────────────────────────────────────────────

type harness struct {
	m     *Manager
	sig   *fakeSignaler
	media *fakeMedia
	peers *fakePeers
	rec   *fakeRecorder
	clock *clock.Mock
}

func quietLoggers() logging.LoggerFactory {
	return &logging.DefaultLoggerFactory{Writer: io.Discard, DefaultLogLevel: logging.LogLevelDisabled}
}

func newHarness(t *testing.T, partyID string, clk *clock.Mock) *harness {
	t.Helper()
	if clk == nil {
		clk = clock.NewMock()
	}
	h := &harness{
		sig:   newFakeSignaler(),
		media: &fakeMedia{},
		peers: &fakePeers{},
		rec:   &fakeRecorder{},
		clock: clk,
	}
	m, err := New(Options{
		PartyID:       partyID,
		Signaler:      h.sig,
		Media:         h.media,
		NewPeer:       h.peers.New,
		Recorder:      h.rec,
		Clock:         clk,
		LoggerFactory: quietLoggers(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.m = m
	t.Cleanup(func() { _ = m.Close() })
	return h
}

// newPair returns two linked devices sharing one mock clock.
func newPair(t *testing.T) (alice, bob *harness) {
	t.Helper()
	clk := clock.NewMock()
	alice = newHarness(t, "alice", clk)
	bob = newHarness(t, "bob", clk)
	link(alice.sig, bob.sig)
	return alice, bob
}

// from delivers an envelope to h as if sent by party.
func (h *harness) from(party string, kind Kind, payload any) {
	env := Envelope{Type: kind, From: party, To: h.m.PartyID()}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			panic(err)
		}
		env.Payload = b
	}
	h.sig.deliver(env)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitPhase(t *testing.T, h *harness, want Phase) {
	t.Helper()
	waitFor(t, h.m.PartyID()+" to reach "+want.String(), func() bool {
		return h.m.Snapshot().Phase == want
	})
}

func waitSent(t *testing.T, h *harness, kind Kind, n int) {
	t.Helper()
	waitFor(t, fmt.Sprintf("%s to send %d %s", h.m.PartyID(), n, kind), func() bool {
		return len(h.sig.sentOf(kind)) >= n
	})
}

func offerPayload(sdp string) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
}

func answerPayload(sdp string) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
}

func candidate(s string) webrtc.ICECandidateInit {
	mid := "0"
	idx := uint16(0)
	return webrtc.ICECandidateInit{Candidate: s, SDPMid: &mid, SDPMLineIndex: &idx}
}

// callerInCall drives h (as caller) to InCall with remote "bob" and returns
// its peer.
func callerInCall(t *testing.T, h *harness) *fakePeer {
	t.Helper()
	h.m.PlaceCall("bob")
	waitSent(t, h, KindCallRequest, 1)
	h.from("bob", KindCallAccepted, nil)
	waitSent(t, h, KindOffer, 1)
	waitPhase(t, h, PhaseInCall)
	return h.peers.last()
}

// calleeInCall drives h (as callee) to InCall with remote "alice".
func calleeInCall(t *testing.T, h *harness) *fakePeer {
	t.Helper()
	h.from("alice", KindCallRequest, nil)
	waitPhase(t, h, PhaseReceiving)
	h.m.AcceptCall()
	waitSent(t, h, KindCallAccepted, 1)
	h.from("alice", KindOffer, offerPayload("v=0 alice-offer"))
	waitSent(t, h, KindAnswer, 1)
	waitPhase(t, h, PhaseInCall)
	return h.peers.last()
}
