package call

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/carevue/teleconsult/internal/media"
	"github.com/carevue/teleconsult/internal/rtc"
	"github.com/carevue/teleconsult/internal/signaling"
)

// endCallFlushDelay lets the call_end notice flush before the socket closes.
const endCallFlushDelay = 100 * time.Millisecond

// Signaler is the slice of the signaling channel the session drives.
type Signaler interface {
	Connect(ctx context.Context, token string) error
	JoinRoom(appointmentID string)
	SendOffer(offer webrtc.SessionDescription)
	SendAnswer(answer webrtc.SessionDescription)
	SendICECandidate(candidate webrtc.ICECandidateInit)
	EndCall()
	Disconnect()
	Events() <-chan signaling.Event
}

// MediaGateway is the slice of the media gateway the session drives.
type MediaGateway interface {
	Acquire(ctx context.Context) (*media.Stream, error)
	SetAudioEnabled(on bool) bool
	SetVideoEnabled(on bool) bool
	Release()
}

// Peer is the slice of the peer connection manager the session drives.
type Peer interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	ApplyRemoteAnswer(answer webrtc.SessionDescription) error
	AddRemoteCandidate(candidate webrtc.ICECandidateInit) error
	Events() <-chan rtc.Event
	Teardown()
}

// Deps constructs the per-session collaborators. A retry builds a whole new
// set; no instance is ever reused across sessions.
type Deps struct {
	NewSignaler func() Signaler
	NewGateway  func() MediaGateway
	NewPeer     func(stream *media.Stream) (Peer, error)
}

// Params identifies one call attempt.
type Params struct {
	AppointmentID string
	Token         string
}

// Update is a snapshot published on every observable change, for UI
// rendering.
type Update struct {
	State        State
	LocalRole    string
	RemoteRole   string
	AudioEnabled bool
	VideoEnabled bool
	Reason       error
}

// Session is the state machine for one call attempt between the two
// participants of an appointment. All protocol events are handled on a
// single goroutine; teardown runs exactly once no matter which path
// triggers it.
type Session struct {
	id     string
	params Params
	deps   Deps
	log    zerolog.Logger

	updates chan Update
	stop    chan struct{}
	endOnce sync.Once
	cancel  context.CancelFunc

	mu           sync.Mutex
	state        State
	localRole    string
	remoteRole   string
	audioEnabled bool
	videoEnabled bool
	reason       error
	gateway      MediaGateway
	sig          Signaler
	peer         Peer
	remoteTracks []*webrtc.TrackRemote
}

// New creates a session in Idle. Start launches it.
func New(params Params, deps Deps, log zerolog.Logger) *Session {
	id := uuid.NewString()[:8]
	return &Session{
		id:      id,
		params:  params,
		deps:    deps,
		log:     log.With().Str("component", "call").Str("session", id).Logger(),
		updates: make(chan Update, 16),
		stop:    make(chan struct{}),
		state:   StateIdle,
	}
}

// ID returns the session's correlation id.
func (s *Session) ID() string { return s.id }

// Start launches the session sequence. Cancelling ctx is equivalent to
// leaving the call.
func (s *Session) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
}

func (s *Session) run(ctx context.Context) {
	s.setState(StateAcquiringMedia)

	gw := s.deps.NewGateway()
	s.mu.Lock()
	s.gateway = gw
	s.mu.Unlock()

	stream, err := gw.Acquire(ctx)
	if err != nil {
		s.fail(NewError("acquire media", err))
		return
	}
	if s.tornDown() {
		// Teardown won the race; the resolved stream is discarded.
		gw.Release()
		return
	}
	s.mu.Lock()
	s.audioEnabled = true
	s.videoEnabled = true
	s.mu.Unlock()
	s.publish()

	peer, err := s.deps.NewPeer(stream)
	if err != nil {
		s.fail(NewError("initialize peer connection", err))
		return
	}
	s.mu.Lock()
	s.peer = peer
	s.mu.Unlock()
	if s.tornDown() {
		peer.Teardown()
		return
	}

	sig := s.deps.NewSignaler()
	s.mu.Lock()
	s.sig = sig
	s.mu.Unlock()

	s.setState(StateAwaitingSignalingConnect)
	if err := sig.Connect(ctx, s.params.Token); err != nil {
		s.fail(WrapError("connect signaling", ErrSignalingConnect, err.Error()))
		return
	}
	if s.tornDown() {
		sig.Disconnect()
		return
	}

	s.loop(ctx, sig, peer)
}

// loop serializes all protocol events onto this goroutine.
func (s *Session) loop(ctx context.Context, sig Signaler, peer Peer) {
	sigEvents := sig.Events()
	peerEvents := peer.Events()

	for {
		select {
		case <-s.stop:
			return

		case <-ctx.Done():
			s.end(true)
			return

		case ev, ok := <-sigEvents:
			if !ok {
				sigEvents = nil
				s.onSignalingLost()
				continue
			}
			s.handleSignal(sig, peer, ev)

		case ev, ok := <-peerEvents:
			if !ok {
				peerEvents = nil
				continue
			}
			s.handlePeerEvent(sig, ev)
		}

		if sigEvents == nil && peerEvents == nil {
			return
		}
	}
}

func (s *Session) handleSignal(sig Signaler, peer Peer, ev signaling.Event) {
	if s.tornDown() {
		return
	}

	switch ev := ev.(type) {
	case signaling.Connected:
		if s.State() != StateAwaitingSignalingConnect {
			s.logProtocol("connected", ev)
			return
		}
		s.mu.Lock()
		s.localRole = ev.Role
		s.mu.Unlock()
		s.log.Info().Str("role", ev.Role).Msg("signaling authenticated")
		s.setState(StateJoiningRoom)
		sig.JoinRoom(s.params.AppointmentID)

	case signaling.RoomJoined:
		if s.State() != StateJoiningRoom {
			s.logProtocol("room_joined", ev)
			return
		}
		s.mu.Lock()
		if ev.Role != "" {
			s.localRole = ev.Role
		}
		if ev.PeerConnected {
			s.remoteRole = oppositeRole(s.localRole)
		}
		s.mu.Unlock()
		s.log.Info().Str("room", ev.Room).Bool("peer_connected", ev.PeerConnected).
			Bool("should_create_offer", ev.ShouldCreateOffer).Msg("room joined")

		if ev.ShouldCreateOffer {
			s.setState(StateNegotiating)
			offer, err := peer.CreateOffer()
			if err != nil {
				s.fail(NewError("create offer", err))
				return
			}
			if s.tornDown() {
				return
			}
			sig.SendOffer(offer)
		} else {
			s.setState(StateAwaitingPeer)
		}

	case signaling.PeerJoined:
		s.mu.Lock()
		s.remoteRole = ev.Role
		s.mu.Unlock()
		s.log.Info().Str("role", ev.Role).Msg("peer joined, awaiting their offer")
		s.publish()

	case signaling.OfferReceived:
		if st := s.State(); st != StateAwaitingPeer {
			// Renegotiation is out of scope; a second offer is a
			// protocol error, not a restart.
			s.logProtocol("offer", ev)
			return
		}
		answer, err := peer.CreateAnswer(ev.Offer)
		if err != nil {
			s.fail(NewError("create answer", err))
			return
		}
		if s.tornDown() {
			return
		}
		s.setState(StateNegotiating)
		sig.SendAnswer(answer)

	case signaling.AnswerReceived:
		if s.State() != StateNegotiating {
			s.logProtocol("answer", ev)
			return
		}
		if err := peer.ApplyRemoteAnswer(ev.Answer); err != nil {
			s.fail(NewError("apply answer", err))
			return
		}
		if s.tornDown() {
			return
		}
		s.setState(StateConnected)

	case signaling.CandidateReceived:
		if st := s.State(); st < StateJoiningRoom || st.Terminal() {
			s.logProtocol("ice_candidate", ev)
			return
		}
		if err := peer.AddRemoteCandidate(ev.Candidate); err != nil {
			s.log.Error().Err(err).Msg("apply remote ICE candidate")
		}

	case signaling.CallEnded:
		s.log.Info().Str("ended_by", ev.EndedBy).Msg("call ended by peer")
		s.end(false)

	case signaling.PeerDisconnected:
		s.log.Info().Str("role", ev.Role).Msg("peer disconnected")
		s.end(false)

	case signaling.ServerError:
		if s.State() == StateConnected {
			// Media already flows peer to peer; log and keep the call.
			s.log.Warn().Str("message", ev.Message).Msg("signaling server error mid-call")
			return
		}
		s.fail(WrapError("signaling", ErrProtocol, ev.Message))
	}
}

func (s *Session) handlePeerEvent(sig Signaler, ev rtc.Event) {
	if s.tornDown() {
		return
	}

	switch ev := ev.(type) {
	case rtc.LocalCandidate:
		sig.SendICECandidate(ev.Candidate)

	case rtc.RemoteTrack:
		s.mu.Lock()
		s.remoteTracks = append(s.remoteTracks, ev.Track)
		s.mu.Unlock()
		// Remote media flowing means the call is up, independent of
		// transport-level state-change timing.
		if st := s.State(); st == StateNegotiating || st == StateAwaitingPeer {
			s.setState(StateConnected)
		} else {
			s.publish()
		}

	case rtc.StateChange:
		switch ev.State {
		case rtc.StateConnected:
			if st := s.State(); st == StateNegotiating || st == StateAwaitingPeer {
				s.setState(StateConnected)
			}
		case rtc.StateDisconnected:
			s.log.Warn().Msg("transport disconnected, waiting for recovery")
		case rtc.StateFailed:
			s.fail(NewError("transport", ErrTransportFailed))
		}
	}
}

// onSignalingLost handles the permanent loss of the signaling channel. Once
// media flows the call survives it; before that the session cannot complete.
func (s *Session) onSignalingLost() {
	if s.tornDown() {
		return
	}
	if s.State() == StateConnected {
		s.log.Warn().Msg("signaling channel lost mid-call; call continues")
		return
	}
	s.fail(NewError("signaling", ErrSignalingConnect))
}

func (s *Session) logProtocol(event string, ev signaling.Event) {
	s.log.Error().Str("event", event).Str("state", s.State().String()).
		Msgf("unexpected signaling event: %+v", ev)
}

// Hangup ends the call locally. Safe to call from any goroutine, any state,
// any number of times.
func (s *Session) Hangup() {
	s.end(true)
}

// end is the single teardown path for normal termination. The latch
// guarantees it runs at most once per session, regardless of trigger or
// re-entrancy.
func (s *Session) end(local bool) {
	s.endOnce.Do(func() {
		close(s.stop)
		s.setState(StateEnding)
		s.cleanup(local)
		s.setState(StateEnded)
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// fail is the single teardown path for unrecoverable errors. The session
// lands in Failed with a retry affordance; resources are still released.
func (s *Session) fail(err error) {
	s.endOnce.Do(func() {
		close(s.stop)
		s.mu.Lock()
		s.reason = err
		s.mu.Unlock()
		s.log.Error().Err(err).Msg("call failed")
		s.cleanup(false)
		s.setState(StateFailed)
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// cleanup releases everything the session owns: notify the peer when the
// hangup is ours, then the media transport, the capture device, and the
// signaling channel.
func (s *Session) cleanup(notifyPeer bool) {
	s.mu.Lock()
	sig, peer, gw := s.sig, s.peer, s.gateway
	s.mu.Unlock()

	if notifyPeer && sig != nil {
		sig.EndCall()
		time.Sleep(endCallFlushDelay)
	}
	if peer != nil {
		peer.Teardown()
	}
	if gw != nil {
		gw.Release()
	}
	if sig != nil {
		sig.Disconnect()
	}
}

// tornDown reports whether teardown has started; every handler checks it
// before acting so late async results are discarded.
func (s *Session) tornDown() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

// ToggleAudio flips the microphone. Permitted in any state once local media
// exists; never triggers renegotiation.
func (s *Session) ToggleAudio() bool {
	s.mu.Lock()
	gw := s.gateway
	want := !s.audioEnabled
	s.mu.Unlock()
	if gw == nil {
		return false
	}
	got := gw.SetAudioEnabled(want)
	s.mu.Lock()
	s.audioEnabled = got
	s.mu.Unlock()
	s.publish()
	return got
}

// ToggleVideo flips the camera. Permitted in any state once local media
// exists; never triggers renegotiation.
func (s *Session) ToggleVideo() bool {
	s.mu.Lock()
	gw := s.gateway
	want := !s.videoEnabled
	s.mu.Unlock()
	if gw == nil {
		return false
	}
	got := gw.SetVideoEnabled(want)
	s.mu.Lock()
	s.videoEnabled = got
	s.mu.Unlock()
	s.publish()
	return got
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reason returns the fatal error when the session is Failed.
func (s *Session) Reason() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// LocalRole returns the role assigned by the server, empty until assigned.
func (s *Session) LocalRole() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localRole
}

// RemoteRole returns the peer's role, empty until known.
func (s *Session) RemoteRole() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteRole
}

// RemoteTracks returns the tracks received from the peer so far.
func (s *Session) RemoteTracks() []*webrtc.TrackRemote {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*webrtc.TrackRemote, len(s.remoteTracks))
	copy(out, s.remoteTracks)
	return out
}

// Updates returns the snapshot stream for UI rendering. Slow consumers miss
// intermediate snapshots, never the latest state.
func (s *Session) Updates() <-chan Update {
	return s.updates
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state == st || (s.state.Terminal() && st != s.state) {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = st
	s.mu.Unlock()
	s.log.Info().Str("from", prev.String()).Str("to", st.String()).Msg("state transition")
	s.publish()
}

func (s *Session) publish() {
	s.mu.Lock()
	u := Update{
		State:        s.state,
		LocalRole:    s.localRole,
		RemoteRole:   s.remoteRole,
		AudioEnabled: s.audioEnabled,
		VideoEnabled: s.videoEnabled,
		Reason:       s.reason,
	}
	s.mu.Unlock()

	for {
		select {
		case s.updates <- u:
			return
		default:
			// Drop the oldest snapshot to make room for the newest.
			select {
			case <-s.updates:
			default:
			}
		}
	}
}

func oppositeRole(role string) string {
	switch role {
	case signaling.RoleDoctor:
		return signaling.RolePatient
	case signaling.RolePatient:
		return signaling.RoleDoctor
	default:
		return ""
	}
}
