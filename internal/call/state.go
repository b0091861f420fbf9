package call

// State is the call session's lifecycle position.
type State int

const (
	StateIdle State = iota
	StateAcquiringMedia
	StateAwaitingSignalingConnect
	StateJoiningRoom
	StateAwaitingPeer
	StateNegotiating
	StateConnected
	StateEnding
	StateEnded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiringMedia:
		return "acquiring_media"
	case StateAwaitingSignalingConnect:
		return "awaiting_signaling_connect"
	case StateJoiningRoom:
		return "joining_room"
	case StateAwaitingPeer:
		return "awaiting_peer"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateEnding:
		return "ending"
	case StateEnded:
		return "ended"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions can occur.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateFailed
}
