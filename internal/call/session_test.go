package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/carevue/teleconsult/internal/media"
	"github.com/carevue/teleconsult/internal/rtc"
	"github.com/carevue/teleconsult/internal/signaling"
)

type fakeSignaler struct {
	mu           sync.Mutex
	events       chan signaling.Event
	connectErr   error
	connectCalls int
	joins        []string
	offers       []webrtc.SessionDescription
	answers      []webrtc.SessionDescription
	candidates   []webrtc.ICECandidateInit
	endCalls     int
	disconnects  int
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{events: make(chan signaling.Event, 32)}
}

func (f *fakeSignaler) Connect(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalls++
	return f.connectErr
}

func (f *fakeSignaler) JoinRoom(appointmentID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins = append(f.joins, appointmentID)
}

func (f *fakeSignaler) SendOffer(offer webrtc.SessionDescription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers = append(f.offers, offer)
}

func (f *fakeSignaler) SendAnswer(answer webrtc.SessionDescription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, answer)
}

func (f *fakeSignaler) SendICECandidate(candidate webrtc.ICECandidateInit) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, candidate)
}

func (f *fakeSignaler) EndCall() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endCalls++
}

func (f *fakeSignaler) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
}

func (f *fakeSignaler) Events() <-chan signaling.Event { return f.events }

func (f *fakeSignaler) push(ev signaling.Event) { f.events <- ev }

func (f *fakeSignaler) counts() (joins, offers, answers, endCalls, disconnects int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.joins), len(f.offers), len(f.answers), f.endCalls, f.disconnects
}

type fakePeer struct {
	mu          sync.Mutex
	events      chan rtc.Event
	offerErr    error
	answerErr   error
	offerCalls  int
	answerCalls int
	applyCalls  int
	teardowns   int
	candidates  []webrtc.ICECandidateInit
}

func newFakePeer() *fakePeer {
	return &fakePeer{events: make(chan rtc.Event, 32)}
}

func (f *fakePeer) CreateOffer() (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offerCalls++
	if f.offerErr != nil {
		return webrtc.SessionDescription{}, f.offerErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (f *fakePeer) CreateAnswer(_ webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answerCalls++
	if f.answerErr != nil {
		return webrtc.SessionDescription{}, f.answerErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (f *fakePeer) ApplyRemoteAnswer(_ webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applyCalls++
	return nil
}

func (f *fakePeer) AddRemoteCandidate(candidate webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, candidate)
	return nil
}

func (f *fakePeer) Events() <-chan rtc.Event { return f.events }

func (f *fakePeer) Teardown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.teardowns++
}

func (f *fakePeer) push(ev rtc.Event) { f.events <- ev }

func (f *fakePeer) negotiationCounts() (offers, answers, applies int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offerCalls, f.answerCalls, f.applyCalls
}

type fakeGateway struct {
	mu         sync.Mutex
	acquireErr error
	acquired   bool
	releases   int
	audioOn    bool
	videoOn    bool
}

func (f *fakeGateway) Acquire(_ context.Context) (*media.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acquireErr != nil {
		return nil, f.acquireErr
	}
	f.acquired = true
	f.audioOn = true
	f.videoOn = true
	return &media.Stream{}, nil
}

func (f *fakeGateway) SetAudioEnabled(on bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.acquired {
		return false
	}
	f.audioOn = on
	return f.audioOn
}

func (f *fakeGateway) SetVideoEnabled(on bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.acquired {
		return false
	}
	f.videoOn = on
	return f.videoOn
}

func (f *fakeGateway) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases++
}

func (f *fakeGateway) releaseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.releases
}

type harness struct {
	sig           *fakeSignaler
	peer          *fakePeer
	gw            *fakeGateway
	sess          *Session
	signalerCalls int
	mu            sync.Mutex
}

func newHarness() *harness {
	h := &harness{
		sig:  newFakeSignaler(),
		peer: newFakePeer(),
		gw:   &fakeGateway{},
	}
	deps := Deps{
		NewSignaler: func() Signaler {
			h.mu.Lock()
			h.signalerCalls++
			h.mu.Unlock()
			return h.sig
		},
		NewGateway: func() MediaGateway { return h.gw },
		NewPeer:    func(*media.Stream) (Peer, error) { return h.peer, nil },
	}
	h.sess = New(Params{AppointmentID: "apt-1", Token: "tok"}, deps, zerolog.Nop())
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	h.sess.Start(context.Background())
	t.Cleanup(h.sess.Hangup)
}

// connect drives the session through signaling auth and room join.
func (h *harness) connect(t *testing.T, role string, peerConnected, shouldCreateOffer bool) {
	t.Helper()
	waitFor(t, func() bool { return h.sess.State() == StateAwaitingSignalingConnect })
	h.sig.push(signaling.Connected{Role: role})
	waitFor(t, func() bool {
		joins, _, _, _, _ := h.sig.counts()
		return joins == 1
	})
	h.sig.push(signaling.RoomJoined{
		Room:              "apt-1",
		Role:              role,
		PeerConnected:     peerConnected,
		ShouldCreateOffer: shouldCreateOffer,
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestSecondJoinerCreatesOffer(t *testing.T) {
	h := newHarness()
	h.start(t)
	h.connect(t, signaling.RolePatient, true, true)

	waitFor(t, func() bool { return h.sess.State() == StateNegotiating })
	waitFor(t, func() bool {
		_, offers, _, _, _ := h.sig.counts()
		return offers == 1
	})

	offers, answers, _ := h.peer.negotiationCounts()
	if offers != 1 || answers != 0 {
		t.Fatalf("offerer side: got %d offers, %d answers, want 1, 0", offers, answers)
	}
	if h.sess.RemoteRole() != signaling.RoleDoctor {
		t.Fatalf("remote role = %q, want %q", h.sess.RemoteRole(), signaling.RoleDoctor)
	}
}

func TestFirstJoinerAnswersIncomingOffer(t *testing.T) {
	h := newHarness()
	h.start(t)
	h.connect(t, signaling.RoleDoctor, false, false)

	waitFor(t, func() bool { return h.sess.State() == StateAwaitingPeer })
	if _, offers, _, _, _ := h.sig.counts(); offers != 0 {
		t.Fatalf("first joiner sent %d offers, want 0", offers)
	}

	h.sig.push(signaling.PeerJoined{Role: signaling.RolePatient})
	h.sig.push(signaling.OfferReceived{Offer: webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}})

	waitFor(t, func() bool { return h.sess.State() == StateNegotiating })
	waitFor(t, func() bool {
		_, _, answers, _, _ := h.sig.counts()
		return answers == 1
	})

	offers, answers, _ := h.peer.negotiationCounts()
	if offers != 0 || answers != 1 {
		t.Fatalf("answerer side: got %d offers, %d answers, want 0, 1", offers, answers)
	}

	// First remote media marks the session connected.
	h.peer.push(rtc.RemoteTrack{})
	waitFor(t, func() bool { return h.sess.State() == StateConnected })
}

func TestPairingScenarioBothSides(t *testing.T) {
	first := newHarness()
	second := newHarness()
	first.start(t)
	second.start(t)

	first.connect(t, signaling.RoleDoctor, false, false)
	waitFor(t, func() bool { return first.sess.State() == StateAwaitingPeer })

	second.connect(t, signaling.RolePatient, true, true)
	waitFor(t, func() bool {
		_, offers, _, _, _ := second.sig.counts()
		return offers == 1
	})

	// Relay second's offer to first; first answers.
	first.sig.push(signaling.PeerJoined{Role: signaling.RolePatient})
	second.sig.mu.Lock()
	offer := second.sig.offers[0]
	second.sig.mu.Unlock()
	first.sig.push(signaling.OfferReceived{Offer: offer})
	waitFor(t, func() bool {
		_, _, answers, _, _ := first.sig.counts()
		return answers == 1
	})

	// Relay first's answer back to second.
	first.sig.mu.Lock()
	answer := first.sig.answers[0]
	first.sig.mu.Unlock()
	second.sig.push(signaling.AnswerReceived{Answer: answer})
	waitFor(t, func() bool { return second.sess.State() == StateConnected })

	first.peer.push(rtc.RemoteTrack{})
	waitFor(t, func() bool { return first.sess.State() == StateConnected })

	// Exactly one side offered, the other answered.
	fo, fa, _ := first.peer.negotiationCounts()
	so, sa, _ := second.peer.negotiationCounts()
	if fo != 0 || fa != 1 || so != 1 || sa != 0 {
		t.Fatalf("tie-break violated: first %d/%d, second %d/%d", fo, fa, so, sa)
	}
}

func TestCandidateBeforeAnswerIsNotDropped(t *testing.T) {
	h := newHarness()
	h.start(t)
	h.connect(t, signaling.RolePatient, true, true)
	waitFor(t, func() bool { return h.sess.State() == StateNegotiating })

	early := webrtc.ICECandidateInit{Candidate: "candidate:early"}
	h.sig.push(signaling.CandidateReceived{Candidate: early})
	waitFor(t, func() bool {
		h.peer.mu.Lock()
		defer h.peer.mu.Unlock()
		return len(h.peer.candidates) == 1
	})

	h.sig.push(signaling.AnswerReceived{Answer: webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}})
	waitFor(t, func() bool { return h.sess.State() == StateConnected })

	_, _, applies := h.peer.negotiationCounts()
	if applies != 1 {
		t.Fatalf("apply answer calls = %d, want 1", applies)
	}
	h.peer.mu.Lock()
	defer h.peer.mu.Unlock()
	if len(h.peer.candidates) != 1 || h.peer.candidates[0].Candidate != "candidate:early" {
		t.Fatalf("early candidate lost: %+v", h.peer.candidates)
	}
}

func TestTeardownRunsExactlyOnce(t *testing.T) {
	h := newHarness()
	h.start(t)
	h.connect(t, signaling.RolePatient, true, true)
	waitFor(t, func() bool { return h.sess.State() == StateNegotiating })

	h.sess.Hangup()
	h.sess.Hangup()
	h.sig.push(signaling.PeerDisconnected{Role: signaling.RoleDoctor})
	waitFor(t, func() bool { return h.sess.State() == StateEnded })

	_, _, _, endCalls, disconnects := h.sig.counts()
	h.peer.mu.Lock()
	teardowns := h.peer.teardowns
	h.peer.mu.Unlock()
	if endCalls != 1 {
		t.Fatalf("end_call sent %d times, want 1", endCalls)
	}
	if disconnects != 1 {
		t.Fatalf("signaling disconnected %d times, want 1", disconnects)
	}
	if teardowns != 1 {
		t.Fatalf("peer torn down %d times, want 1", teardowns)
	}
	if got := h.gw.releaseCount(); got != 1 {
		t.Fatalf("media released %d times, want 1", got)
	}
}

func TestPeerHangupDoesNotEchoEndCall(t *testing.T) {
	h := newHarness()
	h.start(t)
	h.connect(t, signaling.RoleDoctor, false, false)
	waitFor(t, func() bool { return h.sess.State() == StateAwaitingPeer })

	h.sig.push(signaling.CallEnded{EndedBy: signaling.RolePatient})
	waitFor(t, func() bool { return h.sess.State() == StateEnded })

	_, _, _, endCalls, disconnects := h.sig.counts()
	if endCalls != 0 {
		t.Fatalf("received hangup must not send call_end, sent %d", endCalls)
	}
	if disconnects != 1 {
		t.Fatalf("signaling disconnected %d times, want 1", disconnects)
	}
	if got := h.gw.releaseCount(); got != 1 {
		t.Fatalf("media released %d times, want 1", got)
	}
}

func TestPermissionDeniedNeverOpensSignaling(t *testing.T) {
	h := newHarness()
	h.gw.acquireErr = media.ErrPermissionDenied
	h.start(t)

	waitFor(t, func() bool { return h.sess.State() == StateFailed })
	if !errors.Is(h.sess.Reason(), media.ErrPermissionDenied) {
		t.Fatalf("reason = %v, want permission denied", h.sess.Reason())
	}
	h.mu.Lock()
	calls := h.signalerCalls
	h.mu.Unlock()
	if calls != 0 {
		t.Fatalf("signaler constructed %d times, want 0", calls)
	}
	if h.gw.releaseCount() == 0 {
		t.Fatal("media gateway not released on failure")
	}
}

func TestTransportFailureAfterConnectedTearsDownOnce(t *testing.T) {
	h := newHarness()
	h.start(t)
	h.connect(t, signaling.RolePatient, true, true)
	waitFor(t, func() bool { return h.sess.State() == StateNegotiating })
	h.peer.push(rtc.StateChange{State: rtc.StateConnected})
	waitFor(t, func() bool { return h.sess.State() == StateConnected })

	h.peer.push(rtc.StateChange{State: rtc.StateFailed})
	waitFor(t, func() bool { return h.sess.State() == StateFailed })

	if !errors.Is(h.sess.Reason(), ErrTransportFailed) {
		t.Fatalf("reason = %v, want transport failed", h.sess.Reason())
	}
	_, _, _, _, disconnects := h.sig.counts()
	if disconnects != 1 {
		t.Fatalf("signaling disconnected %d times, want 1", disconnects)
	}
	if got := h.gw.releaseCount(); got != 1 {
		t.Fatalf("media released %d times, want 1", got)
	}
}

func TestTogglesNeverRenegotiate(t *testing.T) {
	h := newHarness()

	// Before any media exists a toggle is a no-op reporting false.
	if h.sess.ToggleAudio() {
		t.Fatal("toggle before acquisition must report false")
	}

	h.start(t)
	h.connect(t, signaling.RolePatient, true, true)
	waitFor(t, func() bool { return h.sess.State() == StateNegotiating })

	_, offersBefore, answersBefore, _, _ := h.sig.counts()
	if got := h.sess.ToggleAudio(); got {
		t.Fatal("first audio toggle should disable, got enabled")
	}
	if got := h.sess.ToggleAudio(); !got {
		t.Fatal("second audio toggle should re-enable")
	}
	if got := h.sess.ToggleVideo(); got {
		t.Fatal("first video toggle should disable, got enabled")
	}

	_, offersAfter, answersAfter, _, _ := h.sig.counts()
	if offersAfter != offersBefore || answersAfter != answersBefore {
		t.Fatal("toggling triggered a new offer/answer exchange")
	}
}

func TestDuplicateOfferWhileConnectedIsIgnored(t *testing.T) {
	h := newHarness()
	h.start(t)
	h.connect(t, signaling.RoleDoctor, false, false)
	waitFor(t, func() bool { return h.sess.State() == StateAwaitingPeer })
	h.sig.push(signaling.OfferReceived{Offer: webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}})
	waitFor(t, func() bool { return h.sess.State() == StateNegotiating })
	h.peer.push(rtc.RemoteTrack{})
	waitFor(t, func() bool { return h.sess.State() == StateConnected })

	h.sig.push(signaling.OfferReceived{Offer: webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=1"}})
	h.sig.push(signaling.CandidateReceived{Candidate: webrtc.ICECandidateInit{Candidate: "candidate:x"}})
	waitFor(t, func() bool {
		h.peer.mu.Lock()
		defer h.peer.mu.Unlock()
		return len(h.peer.candidates) == 1
	})

	if st := h.sess.State(); st != StateConnected {
		t.Fatalf("state = %v, want connected", st)
	}
	_, answers, _ := h.peer.negotiationCounts()
	if answers != 1 {
		t.Fatalf("renegotiated on duplicate offer: %d answers", answers)
	}
}

func TestServerErrorBeforeConnectedFailsSession(t *testing.T) {
	h := newHarness()
	h.start(t)
	waitFor(t, func() bool { return h.sess.State() == StateAwaitingSignalingConnect })
	h.sig.push(signaling.Connected{Role: signaling.RoleDoctor})
	waitFor(t, func() bool { return h.sess.State() == StateJoiningRoom })

	h.sig.push(signaling.ServerError{Message: "Room is full"})
	waitFor(t, func() bool { return h.sess.State() == StateFailed })
	if !errors.Is(h.sess.Reason(), ErrProtocol) {
		t.Fatalf("reason = %v, want protocol error", h.sess.Reason())
	}
}

func TestLocalCandidatesAreRelayed(t *testing.T) {
	h := newHarness()
	h.start(t)
	h.connect(t, signaling.RolePatient, true, true)
	waitFor(t, func() bool { return h.sess.State() == StateNegotiating })

	h.peer.push(rtc.LocalCandidate{Candidate: webrtc.ICECandidateInit{Candidate: "candidate:local"}})
	waitFor(t, func() bool {
		h.sig.mu.Lock()
		defer h.sig.mu.Unlock()
		return len(h.sig.candidates) == 1
	})
}

func TestSignalingConnectErrorFailsSession(t *testing.T) {
	h := newHarness()
	h.sig.connectErr = errors.New("dial tcp: connection refused")
	h.start(t)

	waitFor(t, func() bool { return h.sess.State() == StateFailed })
	if !errors.Is(h.sess.Reason(), ErrSignalingConnect) {
		t.Fatalf("reason = %v, want signaling connect error", h.sess.Reason())
	}
	if h.gw.releaseCount() != 1 {
		t.Fatal("media must be released when signaling connect fails")
	}
}
