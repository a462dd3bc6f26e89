// Package call runs the call lifecycle of one device: a single-call state
// machine driven by local intents and signaling envelopes, with the WebRTC
// negotiation beneath it. Coupling to the rest of goopcall is via the
// Signaler, MediaSource, PeerFactory and Recorder interfaces only.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

const (
	DefaultCallTimeout     = 30 * time.Second
	DefaultICERestartDelay = 2 * time.Second
	DefaultMaxICERestarts  = 3
)

// Options configures a Manager. Signaler, Media, NewPeer and PartyID are
// required.
type Options struct {
	PartyID  string
	Signaler Signaler
	Media    MediaSource
	NewPeer  PeerFactory
	Recorder Recorder

	ICEServers  []webrtc.ICEServer
	// Constraints for every acquisition. Nil requests audio and video.
	Constraints *Constraints

	CallTimeout        time.Duration
	ICERestartDelay    time.Duration
	MaxICERestarts     int
	CandidateQueueSize int

	Clock         clock.Clock
	LoggerFactory logging.LoggerFactory
}

// Manager owns the device's single call. All call state lives on one
// goroutine; the exported methods only post work to it.
type Manager struct {
	opt   Options
	sig   Signaler
	log   logging.LeveledLogger
	clock clock.Clock

	box       *mailbox
	ctx       context.Context
	cancel    context.CancelFunc
	stopped   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	subs   subscribers
	snapMu sync.RWMutex
	snap   Snapshot

	unsubSig   func()
	unsubState func()
	// Barriers that must queue behind envelopes already received.
	fwdSync chan chan struct{}

	// Owned by the loop goroutine.
	cur        *callState
	iceServers []webrtc.ICEServer
}

// callState is the data of a non-Idle phase. Idle is cur == nil.
type callState struct {
	id        string
	phase     Phase
	remote    string
	direction Direction
	accepted  bool
	acquiring bool
	media     *LocalMedia
	eng       *engine
	timer     *clock.Timer

	startedAt  time.Time
	answeredAt time.Time
}

// Loop events that are not negotiation events.
type (
	placeIntent  struct{ remote string }
	acceptIntent struct{}
	rejectIntent struct{}
	endIntent    struct{}
	toggleIntent struct {
		kind webrtc.RTPCodecType
		on   bool
	}
	inboundEvent   struct{ env Envelope }
	transportEvent struct{ connected bool }
	serversEvent   struct{ servers []webrtc.ICEServer }
	mediaResult    struct {
		callID string
		media  *LocalMedia
		err    error
	}
	timeoutEvent  struct{ callID string }
	barrierEvent  struct{ done chan struct{} }
	shutdownEvent struct{}
)

func (e mediaResult) forCall() string  { return e.callID }
func (e timeoutEvent) forCall() string { return e.callID }

// callEvent is implemented by events that belong to one call.
type callEvent interface{ forCall() string }

// New validates opt, subscribes to the signaler and starts the manager loop.
func New(opt Options) (*Manager, error) {
	switch {
	case opt.PartyID == "":
		return nil, errors.New("call: PartyID is required")
	case opt.Signaler == nil:
		return nil, errors.New("call: Signaler is required")
	case opt.Media == nil:
		return nil, errors.New("call: Media is required")
	case opt.NewPeer == nil:
		return nil, errors.New("call: NewPeer is required")
	}
	if opt.CallTimeout <= 0 {
		opt.CallTimeout = DefaultCallTimeout
	}
	if opt.ICERestartDelay <= 0 {
		opt.ICERestartDelay = DefaultICERestartDelay
	}
	if opt.MaxICERestarts <= 0 {
		opt.MaxICERestarts = DefaultMaxICERestarts
	}
	if opt.CandidateQueueSize <= 0 {
		opt.CandidateQueueSize = DefaultCandidateQueueSize
	}
	if opt.Constraints == nil {
		opt.Constraints = &Constraints{Audio: true, Video: true}
	}
	if opt.Clock == nil {
		opt.Clock = clock.New()
	}
	if opt.LoggerFactory == nil {
		opt.LoggerFactory = logging.NewDefaultLoggerFactory()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		opt:        opt,
		sig:        opt.Signaler,
		log:        opt.LoggerFactory.NewLogger("call"),
		clock:      opt.Clock,
		box:        newMailbox(),
		ctx:        ctx,
		cancel:     cancel,
		stopped:    make(chan struct{}),
		snap:       idleSnapshot(),
		iceServers: opt.ICEServers,
		fwdSync:    make(chan chan struct{}),
	}

	ch, cancelSub := m.sig.Subscribe()
	m.unsubSig = cancelSub
	m.unsubState = m.sig.OnStateChange(func(up bool) {
		m.box.post(transportEvent{connected: up})
	})
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.forward(ch)
	}()

	go m.run()
	return m, nil
}

// PartyID returns the local party identifier.
func (m *Manager) PartyID() string { return m.opt.PartyID }

func (m *Manager) PlaceCall(remote string) { m.box.post(placeIntent{remote: remote}) }
func (m *Manager) AcceptCall()             { m.box.post(acceptIntent{}) }
func (m *Manager) RejectCall()             { m.box.post(rejectIntent{}) }
func (m *Manager) EndCall()                { m.box.post(endIntent{}) }
func (m *Manager) SetAudioEnabled(on bool) { m.box.post(toggleIntent{kind: webrtc.RTPCodecTypeAudio, on: on}) }
func (m *Manager) SetVideoEnabled(on bool) { m.box.post(toggleIntent{kind: webrtc.RTPCodecTypeVideo, on: on}) }

// SetICEServers replaces the ICE servers used by calls started afterwards.
func (m *Manager) SetICEServers(servers []webrtc.ICEServer) {
	m.box.post(serversEvent{servers: append([]webrtc.ICEServer(nil), servers...)})
}

// Snapshot returns the most recently published state.
func (m *Manager) Snapshot() Snapshot {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snap
}

// Subscribe registers fn for every published snapshot. fn runs on the
// manager goroutine and must not block or call Close.
func (m *Manager) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	return m.subs.add(fn)
}

// Close ends any active call with a best-effort call-ended, stops the loop
// and releases media still being acquired. It must not be called from a
// Subscribe callback.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.box.post(shutdownEvent{})
		<-m.stopped
		m.unsubState()
		m.unsubSig()
		m.cancel()
		m.wg.Wait()
		m.release(m.box.drain())
	})
	return nil
}

// forward moves inbound envelopes onto the mailbox in arrival order.
func (m *Manager) forward(ch <-chan Envelope) {
	for {
		select {
		case env, ok := <-ch:
			if !ok {
				return
			}
			m.box.post(inboundEvent{env: env})
		case done := <-m.fwdSync:
			// Envelopes delivered before the barrier go first.
			for drained := false; !drained; {
				select {
				case env, ok := <-ch:
					if !ok {
						m.box.post(barrierEvent{done: done})
						return
					}
					m.box.post(inboundEvent{env: env})
				default:
					drained = true
				}
			}
			m.box.post(barrierEvent{done: done})
		}
	}
}

// sync blocks until every event posted before it, including envelopes the
// signaler has already delivered, has been handled.
func (m *Manager) sync() {
	done := make(chan struct{})
	select {
	case m.fwdSync <- done:
	case <-m.stopped:
		return
	}
	select {
	case <-done:
	case <-m.stopped:
	}
}

func (m *Manager) run() {
	defer close(m.stopped)
	for range m.box.notify {
		batch := m.box.drain()
		for i, ev := range batch {
			if _, ok := ev.(shutdownEvent); ok {
				m.shutdown()
				m.release(batch[i+1:])
				return
			}
			m.handle(ev)
		}
	}
}

func (m *Manager) handle(ev event) {
	if ce, ok := ev.(callEvent); ok {
		if m.cur == nil || m.cur.id != ce.forCall() {
			m.release([]event{ev})
			return
		}
	}

	switch ev := ev.(type) {
	case placeIntent:
		m.placeCall(ev.remote)
	case acceptIntent:
		m.acceptCall()
	case rejectIntent:
		m.rejectCall()
	case endIntent:
		m.endCall()
	case toggleIntent:
		if m.cur != nil {
			m.cur.eng.setEnabled(ev.kind, ev.on)
		}
	case inboundEvent:
		m.handleEnvelope(ev.env)
	case transportEvent:
		m.handleTransport(ev.connected)
	case serversEvent:
		m.iceServers = ev.servers
	case mediaResult:
		m.handleMedia(ev)
	case timeoutEvent:
		m.handleTimeout()
	case barrierEvent:
		close(ev.done)

	case candidateEvent:
		_ = m.send(KindICECandidate, m.cur.remote, ev.c)
	case trackEvent:
		m.cur.eng.addRemote(ev.track)
	case connStateEvent:
		m.cur.eng.handleConnectionState(ev.state)
	case iceStateEvent:
		m.cur.eng.handleICEState(ev.state)
	case iceGraceEvent:
		m.cur.eng.handleGraceExpired()
	case restartRetryEvent:
		m.cur.eng.handleRestartRetry()
	case trackEndedEvent:
		m.cur.eng.handleTrackEnded(ev.trackID, ev.err)
	}
}

// release frees resources carried by events that will never be handled.
func (m *Manager) release(evs []event) {
	for _, ev := range evs {
		if r, ok := ev.(mediaResult); ok && r.media != nil {
			m.log.Debugf("releasing stale media for call %s", r.callID)
			r.media.Close()
		}
		if b, ok := ev.(barrierEvent); ok {
			close(b.done)
		}
	}
}

func (m *Manager) shutdown() {
	if c := m.cur; c != nil {
		_ = m.send(KindCallEnded, c.remote, nil)
		m.reset(c.localEndOutcome(), "shutdown")
	}
}

func (m *Manager) newCall(remote string, dir Direction, phase Phase) *callState {
	c := &callState{
		id:        uuid.NewString(),
		phase:     phase,
		remote:    remote,
		direction: dir,
		startedAt: m.clock.Now(),
	}
	c.eng = newEngine(c.id, engineConfig{
		newPeer:      m.opt.NewPeer,
		servers:      m.iceServers,
		clock:        m.clock,
		log:          m.log,
		maxRestarts:  m.opt.MaxICERestarts,
		restartDelay: m.opt.ICERestartDelay,
		queueSize:    m.opt.CandidateQueueSize,
		polite:       dir == Incoming,
	}, engineHooks{
		post:      m.box.post,
		sendOffer: func(sd webrtc.SessionDescription) { _ = m.send(KindOffer, c.remote, sd) },
		terminate: func(reason string) { m.fail(c, reason) },
		changed:   m.publish,
	})
	return c
}

// acquire starts media acquisition off the loop. The result comes back as
// a mediaResult tagged with the call ID.
func (m *Manager) acquire(c *callState) {
	c.acquiring = true
	id := c.id
	want := *m.opt.Constraints
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		media, err := m.opt.Media.Acquire(m.ctx, want)
		m.box.post(mediaResult{callID: id, media: media, err: err})
	}()
}

// ── Intents ─────────────────────────────────────────────────────────────────

func (m *Manager) placeCall(remote string) {
	switch {
	case remote == "":
		m.log.Warn("place call: empty remote party")
		return
	case remote == m.opt.PartyID:
		m.log.Warn("place call: cannot call self")
		return
	case m.cur != nil:
		m.log.Warnf("place call to %s ignored: already %s with %s", remote, m.cur.phase, m.cur.remote)
		return
	case !m.sig.Connected():
		m.log.Warnf("place call to %s aborted: signaling not connected", remote)
		m.publish()
		return
	}
	m.cur = m.newCall(remote, Outgoing, PhaseCalling)
	m.log.Infof("calling %s (call %s)", remote, m.cur.id)
	m.publish()
	m.acquire(m.cur)
}

func (m *Manager) acceptCall() {
	c := m.cur
	if c == nil || c.phase != PhaseReceiving {
		m.log.Warn("accept ignored: no incoming call")
		return
	}
	if !m.sig.Connected() {
		m.log.Warn("accept aborted: signaling not connected")
		m.reset(OutcomeFailed, "signaling not connected")
		return
	}
	if c.accepted {
		m.log.Debug("accept ignored: already accepting")
		return
	}
	c.accepted = true
	m.log.Infof("accepting call from %s", c.remote)
	m.publish()
	m.acquire(c)
}

func (m *Manager) rejectCall() {
	c := m.cur
	if c == nil || c.phase != PhaseReceiving {
		m.log.Debug("reject ignored: no incoming call")
		return
	}
	if c.media != nil {
		// call-accepted is already out and the caller considers itself in
		// the call; only call-ended tears that down.
		m.log.Infof("rejecting call from %s after accepting it", c.remote)
		_ = m.send(KindCallEnded, c.remote, nil)
		m.reset(OutcomeDeclined, "rejected after accept")
		return
	}
	m.log.Infof("rejecting call from %s", c.remote)
	_ = m.send(KindCallRejected, c.remote, nil)
	m.reset(OutcomeDeclined, "")
}

func (m *Manager) endCall() {
	c := m.cur
	if c == nil {
		m.log.Debug("end call ignored: idle")
		return
	}
	_ = m.send(KindCallEnded, c.remote, nil)
	m.reset(c.localEndOutcome(), "local hangup")
}

// ── Inbound ─────────────────────────────────────────────────────────────────

func (m *Manager) handleEnvelope(env Envelope) {
	if err := env.Validate(); err != nil {
		m.log.Warnf("dropping envelope from %q: %v", env.From, err)
		return
	}
	if env.To != m.opt.PartyID {
		m.log.Debugf("dropping %s addressed to %s", env.Type, env.To)
		return
	}
	if env.Type == KindCallRequest {
		m.onCallRequest(env)
		return
	}

	c := m.cur
	if c == nil {
		m.log.Debugf("dropping %s from %s: no active call", env.Type, env.From)
		return
	}
	if env.From != c.remote {
		m.log.Warnf("dropping %s from %s: current call is with %s", env.Type, env.From, c.remote)
		return
	}

	switch env.Type {
	case KindCallAccepted:
		m.onCallAccepted(c)
	case KindCallRejected:
		m.onCallRejected(c)
	case KindCallEnded:
		m.onCallEnded(c)
	case KindOffer:
		m.onOffer(c, env.Payload)
	case KindAnswer:
		m.onAnswer(c, env.Payload)
	case KindICECandidate:
		var ci webrtc.ICECandidateInit
		if err := json.Unmarshal(env.Payload, &ci); err != nil {
			m.log.Warnf("dropping malformed candidate from %s: %v", env.From, err)
			return
		}
		c.eng.addRemoteCandidate(ci)
	}
}

func (m *Manager) onCallRequest(env Envelope) {
	if c := m.cur; c != nil {
		// No call waiting: the request is dropped without a reply.
		m.log.Infof("call-request from %s dropped: busy (%s with %s)", env.From, c.phase, c.remote)
		now := m.clock.Now()
		m.record(Record{
			CallID:    uuid.NewString(),
			Remote:    env.From,
			Direction: Incoming,
			Outcome:   OutcomeBusy,
			StartedAt: now,
			EndedAt:   now,
		})
		return
	}
	m.cur = m.newCall(env.From, Incoming, PhaseReceiving)
	m.log.Infof("incoming call from %s (call %s)", env.From, m.cur.id)
	m.publish()
}

func (m *Manager) onCallAccepted(c *callState) {
	if c.phase != PhaseCalling || c.media == nil {
		m.log.Warnf("dropping call-accepted from %s while %s", c.remote, c.phase)
		return
	}
	m.stopTimer(c)
	offer, err := c.eng.createOffer()
	if err != nil {
		m.log.Errorf("offer to %s failed: %v", c.remote, err)
		_ = m.send(KindCallEnded, c.remote, nil)
		m.reset(OutcomeFailed, err.Error())
		return
	}
	c.phase = PhaseInCall
	c.answeredAt = m.clock.Now()
	if err := m.send(KindOffer, c.remote, offer); err != nil {
		m.reset(OutcomeFailed, err.Error())
		return
	}
	m.log.Infof("in call with %s", c.remote)
	m.publish()
}

func (m *Manager) onCallRejected(c *callState) {
	switch c.phase {
	case PhaseCalling:
		m.log.Infof("%s rejected the call", c.remote)
		m.reset(OutcomeRejected, "")
	case PhaseInCall:
		// The remote accepted and then rejected before our offer landed.
		m.log.Infof("%s rejected the call after accepting it", c.remote)
		m.reset(OutcomeRejected, "rejected after accept")
	default:
		m.log.Warnf("dropping call-rejected from %s while %s", c.remote, c.phase)
	}
}

func (m *Manager) onCallEnded(c *callState) {
	m.log.Infof("%s ended the call", c.remote)
	out := OutcomeUnanswered
	switch {
	case !c.answeredAt.IsZero():
		out = OutcomeAnswered
	case c.direction == Incoming:
		out = OutcomeMissed
	}
	m.reset(out, "remote hangup")
}

func (m *Manager) onOffer(c *callState, payload json.RawMessage) {
	sd, err := decodeDescription(payload, webrtc.SDPTypeOffer)
	if err != nil {
		m.log.Warnf("dropping offer from %s: %v", c.remote, err)
		return
	}
	switch {
	case c.phase == PhaseInCall:
	case c.phase == PhaseReceiving && c.media != nil:
	default:
		m.log.Warnf("dropping offer from %s while %s", c.remote, c.phase)
		return
	}

	answer, err := c.eng.createAnswer(sd)
	if err != nil {
		if errors.Is(err, errWrongSignalingState) {
			m.log.Warnf("dropping offer from %s: %v", c.remote, err)
			return
		}
		m.log.Errorf("answer to %s failed: %v", c.remote, err)
		if c.phase == PhaseReceiving {
			_ = m.send(KindCallEnded, c.remote, nil)
			m.reset(OutcomeFailed, err.Error())
		}
		return
	}
	if err := m.send(KindAnswer, c.remote, answer); err != nil {
		m.reset(OutcomeFailed, err.Error())
		return
	}
	if c.phase == PhaseReceiving {
		c.phase = PhaseInCall
		c.answeredAt = m.clock.Now()
		m.log.Infof("in call with %s", c.remote)
	}
	m.publish()
}

func (m *Manager) onAnswer(c *callState, payload json.RawMessage) {
	if c.phase != PhaseInCall {
		m.log.Warnf("dropping answer from %s while %s", c.remote, c.phase)
		return
	}
	sd, err := decodeDescription(payload, webrtc.SDPTypeAnswer)
	if err != nil {
		m.log.Warnf("dropping answer from %s: %v", c.remote, err)
		return
	}
	if err := c.eng.applyAnswer(sd); err != nil {
		if errors.Is(err, errWrongSignalingState) {
			m.log.Warnf("dropping answer from %s: %v", c.remote, err)
			return
		}
		m.log.Errorf("apply answer from %s: %v", c.remote, err)
	}
}

// ── Internal events ─────────────────────────────────────────────────────────

func (m *Manager) handleMedia(r mediaResult) {
	c := m.cur
	c.acquiring = false
	if r.err != nil {
		m.log.Errorf("media acquisition for call %s failed: %v", c.id, r.err)
		m.reset(OutcomeFailed, "media: "+r.err.Error())
		return
	}
	c.media = r.media
	c.eng.attachMedia(r.media)

	switch c.phase {
	case PhaseCalling:
		if !m.sig.Connected() {
			m.log.Warnf("call to %s aborted: signaling not connected", c.remote)
			m.reset(OutcomeFailed, "signaling not connected")
			return
		}
		id := c.id
		c.timer = m.clock.AfterFunc(m.opt.CallTimeout, func() {
			m.box.post(timeoutEvent{callID: id})
		})
		if err := m.send(KindCallRequest, c.remote, nil); err != nil {
			m.reset(OutcomeFailed, err.Error())
			return
		}
	case PhaseReceiving:
		if err := m.send(KindCallAccepted, c.remote, nil); err != nil {
			m.reset(OutcomeFailed, err.Error())
			return
		}
	}
	m.publish()
}

func (m *Manager) handleTimeout() {
	c := m.cur
	if c.phase != PhaseCalling {
		return
	}
	c.timer = nil
	m.log.Infof("call to %s unanswered after %s", c.remote, m.opt.CallTimeout)
	_ = m.send(KindCallEnded, c.remote, nil)
	m.reset(OutcomeUnanswered, "timeout")
}

func (m *Manager) handleTransport(connected bool) {
	if connected {
		m.log.Info("signaling connected")
		return
	}
	m.log.Warn("signaling disconnected")
	if c := m.cur; c != nil {
		out := OutcomeFailed
		if !c.answeredAt.IsZero() {
			out = OutcomeAnswered
		}
		m.reset(out, "signaling disconnected")
	}
}

// fail ends c after an unrecoverable negotiation failure.
func (m *Manager) fail(c *callState, reason string) {
	if m.cur != c {
		return
	}
	m.log.Warnf("call with %s terminated: %s", c.remote, reason)
	_ = m.send(KindCallEnded, c.remote, nil)
	out := OutcomeFailed
	if !c.answeredAt.IsZero() {
		out = OutcomeAnswered
	}
	m.reset(out, reason)
}

// ── Teardown and publication ────────────────────────────────────────────────

// reset is the single teardown path back to Idle.
func (m *Manager) reset(out Outcome, reason string) {
	c := m.cur
	if c == nil {
		return
	}
	m.cur = nil
	m.stopTimer(c)
	c.eng.close()
	c.media.Close()

	m.record(Record{
		CallID:     c.id,
		Remote:     c.remote,
		Direction:  c.direction,
		Outcome:    out,
		Reason:     reason,
		StartedAt:  c.startedAt,
		AnsweredAt: c.answeredAt,
		EndedAt:    m.clock.Now(),
	})
	m.log.Infof("call %s with %s over: %s", c.id, c.remote, out)
	m.publish()
}

func (m *Manager) stopTimer(c *callState) {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (m *Manager) publish() {
	s := snapshotOf(m.cur)
	m.snapMu.Lock()
	m.snap = s
	m.snapMu.Unlock()
	m.subs.notify(s)
}

func (m *Manager) record(r Record) {
	if m.opt.Recorder == nil {
		return
	}
	if err := m.opt.Recorder.Record(r); err != nil {
		m.log.Warnf("record call %s: %v", r.CallID, err)
	}
}

func (m *Manager) send(kind Kind, to string, payload any) error {
	env, err := newEnvelope(kind, m.opt.PartyID, to, payload)
	if err != nil {
		m.log.Errorf("%v", err)
		return err
	}
	if err := m.sig.Send(env); err != nil {
		m.log.Warnf("send %s to %s: %v", kind, to, err)
		return err
	}
	m.log.Debugf("sent %s to %s", kind, to)
	return nil
}

// localEndOutcome is the outcome of a call the local user hangs up.
func (c *callState) localEndOutcome() Outcome {
	switch {
	case !c.answeredAt.IsZero():
		return OutcomeAnswered
	case c.direction == Incoming:
		return OutcomeDeclined
	}
	return OutcomeUnanswered
}

func decodeDescription(raw json.RawMessage, want webrtc.SDPType) (webrtc.SessionDescription, error) {
	var sd webrtc.SessionDescription
	if err := json.Unmarshal(raw, &sd); err != nil {
		return sd, fmt.Errorf("decode %s: %w", want, err)
	}
	if sd.Type != want {
		return sd, fmt.Errorf("expected %s description, got %s", want, sd.Type)
	}
	if sd.SDP == "" {
		return sd, fmt.Errorf("empty %s description", want)
	}
	return sd, nil
}
