package signaling

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// Channel is the call-protocol view of the signaling connection: one typed
// inbound event stream plus the outbound senders. A Channel belongs to
// exactly one call session and owns that session's room state.
type Channel struct {
	client *Client
	log    zerolog.Logger

	events chan Event
	stop   chan struct{}

	mu     sync.Mutex
	room   string
	joined bool
}

// NewChannel creates a channel for one call session.
func NewChannel(serverURL string, log zerolog.Logger) *Channel {
	l := log.With().Str("component", "signaling").Logger()
	return &Channel{
		client: NewClient(serverURL, l),
		log:    l,
		events: make(chan Event, 32),
		stop:   make(chan struct{}),
	}
}

// Connect opens the transport and starts routing inbound messages. The
// event stream is live before this returns, so no early event can arrive
// without a consumer path.
func (ch *Channel) Connect(ctx context.Context, token string) error {
	if err := ch.client.Connect(ctx, token); err != nil {
		return err
	}
	go ch.route()
	return nil
}

// route translates raw envelopes into typed events until the transport is
// closed or permanently lost, then closes the event stream.
func (ch *Channel) route() {
	defer close(ch.events)

	for env := range ch.client.Incoming() {
		ev := ch.decode(env)
		if ev == nil {
			continue
		}
		select {
		case ch.events <- ev:
		case <-ch.stop:
			return
		}
	}
}

func (ch *Channel) decode(env *Envelope) Event {
	switch env.Event {
	case EventConnected:
		var p ConnectedPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return ch.malformed(env.Event, err)
		}
		return Connected{Role: p.Role}

	case EventRoomJoined:
		var p RoomJoinedPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return ch.malformed(env.Event, err)
		}
		ch.mu.Lock()
		ch.room = p.Room
		ch.mu.Unlock()
		return RoomJoined{
			Room:              p.Room,
			Role:              p.Role,
			PeerConnected:     p.PeerConnected,
			ShouldCreateOffer: p.ShouldCreateOffer,
		}

	case EventPeerJoined:
		var p PeerPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return ch.malformed(env.Event, err)
		}
		return PeerJoined{Role: p.Role}

	case EventPeerDisconnected:
		var p PeerPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return ch.malformed(env.Event, err)
		}
		return PeerDisconnected{Role: p.Role}

	case EventOffer:
		var p OfferPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return ch.malformed(env.Event, err)
		}
		return OfferReceived{Offer: p.Offer}

	case EventAnswer:
		var p AnswerPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return ch.malformed(env.Event, err)
		}
		return AnswerReceived{Answer: p.Answer}

	case EventICECandidate:
		var p CandidatePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return ch.malformed(env.Event, err)
		}
		return CandidateReceived{Candidate: p.Candidate}

	case EventCallEnded:
		var p CallEndedPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return ch.malformed(env.Event, err)
		}
		ch.clearRoom()
		return CallEnded{EndedBy: p.EndedBy}

	case EventError:
		var p ErrorPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return ch.malformed(env.Event, err)
		}
		return ServerError{Message: p.Message}

	default:
		ch.log.Debug().Str("event", env.Event).Msg("ignoring unknown signaling event")
		return nil
	}
}

func (ch *Channel) malformed(event string, err error) Event {
	ch.log.Error().Err(err).Str("event", event).Msg("malformed signaling payload")
	return ServerError{Message: "malformed " + event + " payload"}
}

// Events returns the typed inbound event stream. It is closed when the
// transport is deliberately disconnected or permanently lost.
func (ch *Channel) Events() <-chan Event {
	return ch.events
}

// JoinRoom requests pairing for the appointment. Valid only once per
// session and only while connected; violations are logged and dropped.
func (ch *Channel) JoinRoom(appointmentID string) {
	ch.mu.Lock()
	if ch.joined {
		ch.mu.Unlock()
		ch.log.Error().Msg("join_room already sent for this session")
		return
	}
	ch.joined = true
	ch.mu.Unlock()

	ch.send(EventJoinRoom, JoinRoomPayload{AppointmentID: appointmentID})
}

// SendOffer relays the local SDP offer to the peer.
func (ch *Channel) SendOffer(offer webrtc.SessionDescription) {
	ch.send(EventOffer, OfferPayload{Offer: offer})
}

// SendAnswer relays the local SDP answer to the peer.
func (ch *Channel) SendAnswer(answer webrtc.SessionDescription) {
	ch.send(EventAnswer, AnswerPayload{Answer: answer})
}

// SendICECandidate relays a locally discovered candidate to the peer.
func (ch *Channel) SendICECandidate(candidate webrtc.ICECandidateInit) {
	ch.send(EventICECandidate, CandidatePayload{Candidate: candidate})
}

// EndCall notifies the server of an explicit local hangup and clears the
// room.
func (ch *Channel) EndCall() {
	ch.send(EventCallEnd, nil)
	ch.clearRoom()
}

// send emits an outbound event. Failures while disconnected are logged and
// swallowed; they must never propagate into the caller.
func (ch *Channel) send(event string, payload any) {
	env, err := newEnvelope(event, payload)
	if err != nil {
		ch.log.Error().Err(err).Str("event", event).Msg("encode signaling message")
		return
	}
	if err := ch.client.Send(env); err != nil {
		ch.log.Error().Err(err).Str("event", event).Msg("dropping signaling message")
	}
}

// IsConnected reports transport liveness.
func (ch *Channel) IsConnected() bool {
	return ch.client.IsConnected()
}

// Room returns the joined room, empty until room_joined and after
// disconnect or call end.
func (ch *Channel) Room() string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.room
}

// Disconnect closes the transport and clears room state. Idempotent.
func (ch *Channel) Disconnect() {
	ch.client.Close()
	ch.mu.Lock()
	select {
	case <-ch.stop:
	default:
		close(ch.stop)
	}
	ch.mu.Unlock()
	ch.clearRoom()
}

func (ch *Channel) clearRoom() {
	ch.mu.Lock()
	ch.room = ""
	ch.mu.Unlock()
}
