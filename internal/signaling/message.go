package signaling

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"
)

// Envelope frames every message on the signaling socket.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Event name constants.
const (
	EventJoinRoom     = "join_room"
	EventOffer        = "offer"
	EventAnswer       = "answer"
	EventICECandidate = "ice_candidate"
	EventCallEnd      = "call_end"

	EventConnected        = "connected"
	EventRoomJoined       = "room_joined"
	EventPeerJoined       = "peer_joined"
	EventPeerDisconnected = "peer_disconnected"
	EventCallEnded        = "call_ended"
	EventError            = "error"
)

// Participant roles assigned by the server.
const (
	RoleDoctor  = "doctor"
	RolePatient = "patient"
)

// ConnectedPayload acknowledges authentication and assigns the role.
type ConnectedPayload struct {
	Status string `json:"status,omitempty"`
	Role   string `json:"role"`
}

// JoinRoomPayload requests pairing for an appointment.
type JoinRoomPayload struct {
	AppointmentID string `json:"appointmentId"`
}

// RoomJoinedPayload is the pairing result. ShouldCreateOffer carries the
// tie-break: the side joining second creates the offer.
type RoomJoinedPayload struct {
	Room              string `json:"room"`
	Role              string `json:"role"`
	PeerConnected     bool   `json:"peerConnected"`
	ShouldCreateOffer bool   `json:"shouldCreateOffer"`
}

// PeerPayload identifies the other participant on join/leave notices.
type PeerPayload struct {
	Role string `json:"role"`
}

// OfferPayload relays an SDP offer.
type OfferPayload struct {
	Offer webrtc.SessionDescription `json:"offer"`
}

// AnswerPayload relays an SDP answer.
type AnswerPayload struct {
	Answer webrtc.SessionDescription `json:"answer"`
}

// CandidatePayload relays a discovered ICE candidate.
type CandidatePayload struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// CallEndedPayload is the relayed hangup notice.
type CallEndedPayload struct {
	EndedBy string `json:"endedBy"`
}

// ErrorPayload carries a protocol-level failure from the server.
type ErrorPayload struct {
	Message string `json:"message"`
}

func newEnvelope(event string, payload any) (*Envelope, error) {
	env := &Envelope{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Data = data
	}
	return env, nil
}
