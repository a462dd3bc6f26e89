package call

import (
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

var (
	errWrongSignalingState = errors.New("call: wrong signaling state")
	errNoPeer              = errors.New("call: no negotiation context")
	errNoLocalMedia        = errors.New("call: local media not acquired")
)

// Negotiation events, posted by peer observers and engine timers. Each is
// tagged with the call it belongs to so the manager can drop stale ones.
type (
	candidateEvent struct {
		callID string
		c      webrtc.ICECandidateInit
	}
	trackEvent struct {
		callID string
		track  RemoteTrack
	}
	connStateEvent struct {
		callID string
		state  webrtc.PeerConnectionState
	}
	iceStateEvent struct {
		callID string
		state  webrtc.ICEConnectionState
	}
	iceGraceEvent     struct{ callID string }
	restartRetryEvent struct{ callID string }
	trackEndedEvent   struct {
		callID  string
		trackID string
		err     error
	}
)

func (e candidateEvent) forCall() string    { return e.callID }
func (e trackEvent) forCall() string        { return e.callID }
func (e connStateEvent) forCall() string    { return e.callID }
func (e iceStateEvent) forCall() string     { return e.callID }
func (e iceGraceEvent) forCall() string     { return e.callID }
func (e restartRetryEvent) forCall() string { return e.callID }
func (e trackEndedEvent) forCall() string   { return e.callID }

// engineHooks connect an engine back to its manager. All but post are
// invoked on the manager goroutine.
type engineHooks struct {
	post      func(event)
	sendOffer func(webrtc.SessionDescription)
	terminate func(reason string)
	changed   func()
}

type engineConfig struct {
	newPeer      PeerFactory
	servers      []webrtc.ICEServer
	clock        clock.Clock
	log          logging.LeveledLogger
	maxRestarts  int
	restartDelay time.Duration
	queueSize    int
	// polite yields to a remote offer that collides with our own. The
	// callee is polite, the caller is not.
	polite bool
}

// engine is the negotiation engine of one call. It is owned by the manager
// goroutine; nothing here is safe for concurrent use.
type engine struct {
	callID string
	cfg    engineConfig
	hooks  engineHooks
	log    logging.LeveledLogger

	peer    Peer
	media   *LocalMedia
	senders map[string]TrackSender
	ended   map[string]bool
	remote  []RemoteTrack
	queue   *candidateQueue

	iceState   webrtc.ICEConnectionState
	restarts   int
	recovering bool
	graceTimer *clock.Timer
	retryTimer *clock.Timer

	audioOff bool
	videoOff bool
	closed   bool
}

func newEngine(callID string, cfg engineConfig, hooks engineHooks) *engine {
	return &engine{
		callID:  callID,
		cfg:     cfg,
		hooks:   hooks,
		log:     cfg.log,
		senders: make(map[string]TrackSender),
		ended:   make(map[string]bool),
		queue:   newCandidateQueue(cfg.queueSize, cfg.log),
	}
}

// attachMedia hands the call's local media to the engine and starts
// watching its tracks.
func (e *engine) attachMedia(m *LocalMedia) {
	e.media = m
	id, post := e.callID, e.hooks.post
	for _, t := range m.Tracks() {
		trackID := t.ID()
		t.OnEnded(func(err error) {
			post(trackEndedEvent{callID: id, trackID: trackID, err: err})
		})
	}
	if e.peer != nil {
		e.addTracks()
	}
}

// ensurePeer lazily creates the negotiation context, covering both the
// caller's first offer and a remote offer that arrives first.
func (e *engine) ensurePeer() error {
	if e.peer != nil {
		return nil
	}
	if e.closed {
		return errNoPeer
	}
	p, err := e.cfg.newPeer(e.cfg.servers)
	if err != nil {
		return fmt.Errorf("create peer: %w", err)
	}
	id, post := e.callID, e.hooks.post
	p.OnICECandidate(func(c webrtc.ICECandidateInit) { post(candidateEvent{callID: id, c: c}) })
	p.OnTrack(func(t RemoteTrack) { post(trackEvent{callID: id, track: t}) })
	p.OnConnectionStateChange(func(s webrtc.PeerConnectionState) { post(connStateEvent{callID: id, state: s}) })
	p.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) { post(iceStateEvent{callID: id, state: s}) })
	e.peer = p
	e.addTracks()
	return nil
}

func (e *engine) addTracks() {
	for _, t := range e.media.Tracks() {
		if _, ok := e.senders[t.ID()]; ok {
			continue
		}
		s, err := e.peer.AddTrack(t)
		if err != nil {
			e.log.Warnf("AddTrack(%s) error: %v", t.ID(), err)
			continue
		}
		e.senders[t.ID()] = s
		if !e.enabled(t.Kind()) {
			if err := s.ReplaceTrack(nil); err != nil {
				e.log.Warnf("mute %s: %v", t.ID(), err)
			}
		}
	}
}

// createOffer builds and applies the initial local offer.
func (e *engine) createOffer() (webrtc.SessionDescription, error) {
	if e.media == nil {
		return webrtc.SessionDescription{}, errNoLocalMedia
	}
	if err := e.ensurePeer(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	offer, err := e.peer.CreateOffer(false)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := e.peer.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	return offer, nil
}

// createAnswer applies a remote offer, flushes queued candidates and
// returns the applied local answer.
func (e *engine) createAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := e.ensurePeer(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	switch st := e.peer.SignalingState(); st {
	case webrtc.SignalingStateStable:
	case webrtc.SignalingStateHaveLocalOffer:
		if !e.cfg.polite {
			return webrtc.SessionDescription{}, fmt.Errorf("%w: offer collides with ours", errWrongSignalingState)
		}
		e.log.Info("offer collision: rolling back our offer")
		if err := e.peer.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			return webrtc.SessionDescription{}, fmt.Errorf("rollback: %w", err)
		}
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("%w: offer in %s", errWrongSignalingState, st)
	}
	if err := e.peer.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set remote offer: %w", err)
	}
	e.flushCandidates()

	answer, err := e.peer.CreateAnswer()
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := e.peer.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	return answer, nil
}

// applyAnswer applies the remote answer to our outstanding offer.
func (e *engine) applyAnswer(answer webrtc.SessionDescription) error {
	if e.peer == nil {
		return errNoPeer
	}
	if st := e.peer.SignalingState(); st != webrtc.SignalingStateHaveLocalOffer {
		return fmt.Errorf("%w: answer in %s", errWrongSignalingState, st)
	}
	if err := e.peer.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	e.flushCandidates()
	return nil
}

// addRemoteCandidate applies c, or queues it until a remote description
// exists.
func (e *engine) addRemoteCandidate(c webrtc.ICECandidateInit) {
	if e.peer == nil || !e.peer.HasRemoteDescription() {
		e.queue.enqueue(c)
		return
	}
	if err := e.peer.AddICECandidate(c); err != nil {
		e.log.Warnf("remote candidate %q rejected: %v", c.Candidate, err)
	}
}

func (e *engine) flushCandidates() {
	if e.queue.len() == 0 {
		return
	}
	applied, failed := e.queue.flush(e.peer.AddICECandidate)
	e.log.Debugf("flushed queued candidates: %d applied, %d failed", applied, failed)
}

func (e *engine) addRemote(t RemoteTrack) {
	e.remote = append(e.remote, t)
	e.changed()
}

// handleConnectionState terminates on any terminal overall state.
func (e *engine) handleConnectionState(st webrtc.PeerConnectionState) {
	e.log.Infof("connection state: %s", st)
	switch st {
	case webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateClosed:
		e.hooks.terminate("connection " + st.String())
	}
}

// handleICEState runs the recovery policy: failed restarts immediately,
// disconnected waits out the grace delay, connected clears the counter.
func (e *engine) handleICEState(st webrtc.ICEConnectionState) {
	e.log.Infof("ICE connection state: %s", st)
	e.iceState = st
	switch st {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		e.stopGrace()
		if e.recovering {
			e.recovering = false
			e.log.Infof("ICE recovered after %d restart(s)", e.restarts)
			if err := e.peer.RequestKeyFrame(); err != nil {
				e.log.Warnf("key frame request: %v", err)
			}
		}
		e.restarts = 0
	case webrtc.ICEConnectionStateDisconnected:
		if e.graceTimer == nil {
			id, post := e.callID, e.hooks.post
			e.graceTimer = e.cfg.clock.AfterFunc(e.cfg.restartDelay, func() {
				post(iceGraceEvent{callID: id})
			})
		}
	case webrtc.ICEConnectionStateFailed:
		e.stopGrace()
		e.restart()
	}
	e.changed()
}

// handleGraceExpired restarts if the path is still disconnected.
func (e *engine) handleGraceExpired() {
	e.graceTimer = nil
	if e.closed || e.peer == nil {
		return
	}
	if e.peer.ICEConnectionState() == webrtc.ICEConnectionStateDisconnected {
		e.restart()
	}
}

func (e *engine) handleRestartRetry() {
	e.retryTimer = nil
	e.restart()
}

func (e *engine) restart() {
	if e.closed || e.peer == nil {
		return
	}
	if e.restarts >= e.cfg.maxRestarts {
		e.log.Warnf("ICE restart limit (%d) reached", e.cfg.maxRestarts)
		e.hooks.terminate("ice restart limit reached")
		return
	}
	e.restarts++
	e.recovering = true
	e.log.Infof("ICE restart attempt %d/%d", e.restarts, e.cfg.maxRestarts)

	offer, err := e.peer.CreateOffer(true)
	if err == nil {
		err = e.peer.SetLocalDescription(offer)
	}
	if err != nil {
		e.log.Warnf("ICE restart offer failed: %v", err)
		if e.restarts >= e.cfg.maxRestarts {
			e.hooks.terminate("ice restart failed")
			return
		}
		id, post := e.callID, e.hooks.post
		e.stopRetry()
		e.retryTimer = e.cfg.clock.AfterFunc(e.cfg.restartDelay, func() {
			post(restartRetryEvent{callID: id})
		})
		return
	}
	e.hooks.sendOffer(offer)
}

// handleTrackEnded terminates once every local track has ended.
func (e *engine) handleTrackEnded(trackID string, err error) {
	if e.ended[trackID] {
		return
	}
	e.ended[trackID] = true
	if err != nil {
		e.log.Warnf("local track %s ended: %v", trackID, err)
	} else {
		e.log.Infof("local track %s ended", trackID)
	}
	tracks := e.media.Tracks()
	for _, t := range tracks {
		if !e.ended[t.ID()] {
			e.changed()
			return
		}
	}
	if len(tracks) > 0 {
		e.hooks.terminate("local media ended")
	}
}

// setEnabled mutes or unmutes every local track of kind by swapping the
// sender's track. The capture device stays open.
func (e *engine) setEnabled(kind webrtc.RTPCodecType, on bool) {
	switch kind {
	case webrtc.RTPCodecTypeAudio:
		e.audioOff = !on
	case webrtc.RTPCodecTypeVideo:
		e.videoOff = !on
	}
	for _, t := range e.media.Tracks() {
		if t.Kind() != kind {
			continue
		}
		s, ok := e.senders[t.ID()]
		if !ok {
			continue
		}
		var next webrtc.TrackLocal
		if on {
			next = t
		}
		if err := s.ReplaceTrack(next); err != nil {
			e.log.Warnf("set %s enabled=%v: %v", t.ID(), on, err)
		}
	}
	e.changed()
}

func (e *engine) enabled(kind webrtc.RTPCodecType) bool {
	switch kind {
	case webrtc.RTPCodecTypeAudio:
		return !e.audioOff
	case webrtc.RTPCodecTypeVideo:
		return !e.videoOff
	}
	return false
}

func (e *engine) connection() (webrtc.ICEConnectionState, bool) {
	if e.peer == nil {
		return webrtc.ICEConnectionStateUnknown, false
	}
	return e.iceState, e.iceState != webrtc.ICEConnectionStateUnknown
}

func (e *engine) localInfo() []TrackInfo {
	var out []TrackInfo
	for _, t := range e.media.Tracks() {
		out = append(out, TrackInfo{
			ID:      t.ID(),
			Kind:    t.Kind().String(),
			Enabled: e.enabled(t.Kind()),
			Ended:   e.ended[t.ID()],
		})
	}
	return out
}

func (e *engine) changed() {
	if !e.closed && e.hooks.changed != nil {
		e.hooks.changed()
	}
}

func (e *engine) stopGrace() {
	if e.graceTimer != nil {
		e.graceTimer.Stop()
		e.graceTimer = nil
	}
}

func (e *engine) stopRetry() {
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
}

// close tears down the negotiation context and discards queued candidates.
func (e *engine) close() {
	if e.closed {
		return
	}
	e.closed = true
	e.stopGrace()
	e.stopRetry()
	e.queue.reset()
	e.restarts = 0
	if e.peer != nil {
		if err := e.peer.Close(); err != nil {
			e.log.Warnf("close peer: %v", err)
		}
	}
}
