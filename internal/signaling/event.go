package signaling

import "github.com/pion/webrtc/v4"

// Event is an inbound signaling event, delivered on a single typed stream so
// the session's handling is established before any event can arrive.
type Event interface {
	event()
}

// Connected reports that authentication was accepted and a role assigned.
type Connected struct {
	Role string
}

// RoomJoined is the pairing result for the requested appointment room.
type RoomJoined struct {
	Room              string
	Role              string
	PeerConnected     bool
	ShouldCreateOffer bool
}

// PeerJoined reports the second participant arriving.
type PeerJoined struct {
	Role string
}

// PeerDisconnected reports the other participant dropping.
type PeerDisconnected struct {
	Role string
}

// OfferReceived relays the peer's SDP offer.
type OfferReceived struct {
	Offer webrtc.SessionDescription
}

// AnswerReceived relays the peer's SDP answer.
type AnswerReceived struct {
	Answer webrtc.SessionDescription
}

// CandidateReceived relays an ICE candidate from the peer.
type CandidateReceived struct {
	Candidate webrtc.ICECandidateInit
}

// CallEnded is the relayed hangup notice.
type CallEnded struct {
	EndedBy string
}

// ServerError is a protocol-level failure reported by the server.
type ServerError struct {
	Message string
}

func (Connected) event()         {}
func (RoomJoined) event()        {}
func (PeerJoined) event()        {}
func (PeerDisconnected) event()  {}
func (OfferReceived) event()     {}
func (AnswerReceived) event()    {}
func (CandidateReceived) event() {}
func (CallEnded) event()         {}
func (ServerError) event()       {}
