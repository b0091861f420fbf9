package rtc

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/carevue/teleconsult/internal/config"
)

// ErrNegotiation marks an offer/answer call made in an invalid order.
var ErrNegotiation = errors.New("invalid negotiation state")

// ConnState is the reduced connection state reported to the session.
type ConnState int

const (
	StateNew ConnState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event is emitted on the peer's event stream.
type Event interface {
	rtcEvent()
}

// LocalCandidate reports a locally discovered ICE candidate to relay.
type LocalCandidate struct {
	Candidate webrtc.ICECandidateInit
}

// StateChange reports a transport connection-state transition.
type StateChange struct {
	State ConnState
}

// RemoteTrack reports an incoming track from the peer.
type RemoteTrack struct {
	Track *webrtc.TrackRemote
}

func (LocalCandidate) rtcEvent() {}
func (StateChange) rtcEvent()    {}
func (RemoteTrack) rtcEvent()    {}

// MediaSource supplies the local tracks and their codec registration.
type MediaSource interface {
	Tracks() []webrtc.TrackLocal
	RegisterCodecs(*webrtc.MediaEngine) error
}

// Peer drives exactly one media transport for one call session. Remote ICE
// candidates that arrive before a remote description are queued and flushed
// in arrival order once the description is applied.
type Peer struct {
	pc  *webrtc.PeerConnection
	log zerolog.Logger

	events chan Event
	done   chan struct{}

	mu            sync.Mutex
	offerCreated  bool
	remoteDescSet bool
	pending       []webrtc.ICECandidateInit
	remoteTracks  []*webrtc.TrackRemote

	closeOnce sync.Once
}

// NewPeer constructs the transport, attaches all local tracks and registers
// every handler before returning, so no early callback can be missed.
func NewPeer(cfg *config.Config, media MediaSource, log zerolog.Logger) (*Peer, error) {
	iceServers := []webrtc.ICEServer{{URLs: cfg.GetSTUNServers()}}
	if turn := cfg.GetTURNServers(); turn != nil {
		user, pass := cfg.GetTURNCredentials()
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       turn,
			Username:   user,
			Credential: pass,
		})
	}

	policy := webrtc.ICETransportPolicyAll
	if cfg.ForceRelay && cfg.GetTURNServers() != nil {
		policy = webrtc.ICETransportPolicyRelay
	}

	engine := &webrtc.MediaEngine{}
	if err := media.RegisterCodecs(engine); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(engine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	// Generous ICE timeouts so a brief relay hiccup does not immediately
	// terminate the call.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(engine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:         iceServers,
		ICETransportPolicy: policy,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	p := &Peer{
		pc:     pc,
		log:    log.With().Str("component", "rtc").Logger(),
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}

	tracks := media.Tracks()
	for _, t := range tracks {
		if _, err := pc.AddTrack(t); err != nil {
			pc.Close()
			return nil, fmt.Errorf("add local track: %w", err)
		}
	}
	if len(tracks) == 0 {
		// Receive-only: valid m-lines are still needed for negotiation.
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
			if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				pc.Close()
				return nil, fmt.Errorf("add transceiver: %w", err)
			}
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		p.emit(LocalCandidate{Candidate: c.ToJSON()})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.mu.Lock()
		p.remoteTracks = append(p.remoteTracks, track)
		p.mu.Unlock()
		p.log.Info().Str("kind", track.Kind().String()).Msg("remote track received")
		p.emit(RemoteTrack{Track: track})
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.log.Debug().Str("state", s.String()).Msg("transport state changed")
		p.emit(StateChange{State: mapState(s)})
	})

	return p, nil
}

func mapState(s webrtc.PeerConnectionState) ConnState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		return StateFailed
	default:
		return StateNew
	}
}

func (p *Peer) emit(ev Event) {
	select {
	case <-p.done:
		return
	default:
	}
	select {
	case p.events <- ev:
	default:
		p.log.Warn().Msg("peer event buffer full, dropping")
	}
}

// Events returns the peer's event stream.
func (p *Peer) Events() <-chan Event {
	return p.events
}

// CreateOffer generates the local offer and applies it as the local
// description. Valid only once, before any remote description exists.
func (p *Peer) CreateOffer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	if p.offerCreated {
		p.mu.Unlock()
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w: offer already created", ErrNegotiation)
	}
	if p.remoteDescSet {
		p.mu.Unlock()
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w: remote description already applied", ErrNegotiation)
	}
	p.offerCreated = true
	p.mu.Unlock()

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return *p.pc.LocalDescription(), nil
}

// CreateAnswer applies the remote offer, then generates and applies the
// local answer. Fails when this side has already created an offer (glare —
// unreachable under the second-joiner-offers tie-break).
func (p *Peer) CreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	if p.offerCreated {
		p.mu.Unlock()
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w: local offer already created", ErrNegotiation)
	}
	if p.remoteDescSet {
		p.mu.Unlock()
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w: remote description already applied", ErrNegotiation)
	}
	p.mu.Unlock()

	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set remote description: %w", err)
	}
	p.flushPending()

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return *p.pc.LocalDescription(), nil
}

// ApplyRemoteAnswer applies the peer's answer. Valid only after CreateOffer
// on this side and before any other remote description.
func (p *Peer) ApplyRemoteAnswer(answer webrtc.SessionDescription) error {
	p.mu.Lock()
	if !p.offerCreated {
		p.mu.Unlock()
		return fmt.Errorf("apply answer: %w: no local offer outstanding", ErrNegotiation)
	}
	if p.remoteDescSet {
		p.mu.Unlock()
		return fmt.Errorf("apply answer: %w: remote description already applied", ErrNegotiation)
	}
	p.mu.Unlock()

	if err := p.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	p.flushPending()
	return nil
}

// AddRemoteCandidate applies a relayed candidate, or queues it when no
// remote description exists yet. Candidates may legitimately arrive on the
// signaling channel before the description that makes them applicable.
func (p *Peer) AddRemoteCandidate(candidate webrtc.ICECandidateInit) error {
	p.mu.Lock()
	if !p.remoteDescSet {
		p.pending = append(p.pending, candidate)
		n := len(p.pending)
		p.mu.Unlock()
		p.log.Debug().Int("queued", n).Msg("queued ICE candidate before remote description")
		return nil
	}
	p.mu.Unlock()

	if err := p.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("add ICE candidate: %w", err)
	}
	return nil
}

// flushPending marks the remote description applied and applies every queued
// candidate in original arrival order.
func (p *Peer) flushPending() {
	p.mu.Lock()
	p.remoteDescSet = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, c := range pending {
		if err := p.pc.AddICECandidate(c); err != nil {
			p.log.Error().Err(err).Msg("apply queued ICE candidate")
		}
	}
	if len(pending) > 0 {
		p.log.Debug().Int("flushed", len(pending)).Msg("flushed queued ICE candidates")
	}
}

// RemoteTracks returns the tracks received so far.
func (p *Peer) RemoteTracks() []*webrtc.TrackRemote {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*webrtc.TrackRemote, len(p.remoteTracks))
	copy(out, p.remoteTracks)
	return out
}

// Teardown closes the transport. Idempotent, callable from any state.
func (p *Peer) Teardown() {
	p.closeOnce.Do(func() {
		close(p.done)
		if err := p.pc.Close(); err != nil {
			p.log.Error().Err(err).Msg("close peer connection")
		}
	})
}
