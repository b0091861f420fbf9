package call

import (
	"errors"
	"fmt"

	"github.com/carevue/teleconsult/internal/media"
	"github.com/carevue/teleconsult/internal/rtc"
)

var (
	ErrSignalingConnect = errors.New("signaling connection failed")
	ErrProtocol         = errors.New("signaling protocol error")
	ErrTransportFailed  = errors.New("media transport failed")
)

// CallError wraps a failure with the operation that produced it.
type CallError struct {
	Op      string
	Err     error
	Details string
}

func (e *CallError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %v (%s)", e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

func NewError(op string, err error) *CallError {
	return &CallError{Op: op, Err: err}
}

func WrapError(op string, err error, details string) *CallError {
	return &CallError{Op: op, Err: err, Details: details}
}

// UserMessage maps a session failure to the actionable message shown on the
// error screen, distinguishing permission, hardware absence and generic
// failures.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, media.ErrPermissionDenied):
		return "Camera/microphone permission denied. Please allow access and try again."
	case errors.Is(err, media.ErrDeviceNotFound):
		return "No camera or microphone found."
	case errors.Is(err, ErrSignalingConnect):
		return "Could not reach the call server. Check your connection and try again."
	case errors.Is(err, rtc.ErrNegotiation):
		return "Failed to establish the connection. Please try again."
	case errors.Is(err, ErrTransportFailed):
		return "The connection to the other participant was lost."
	default:
		return "Call failed: " + err.Error()
	}
}
