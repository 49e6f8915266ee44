package conn

import "errors"

// State describes the lifecycle of the logical connection. Exactly one
// state is active at a time and transitions are driven only by the Conn.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateErrored:
		return "error"
	default:
		return "unknown"
	}
}

// Error values for the request and transport failure taxonomy. A
// disconnect while a request is pending is a distinct reason from a
// per-request timeout so callers can tell them apart with errors.Is.
var (
	ErrNotConnected       = errors.New("not connected")
	ErrAlreadyConnected   = errors.New("already connected")
	ErrRequestTimeout     = errors.New("request timed out")
	ErrDisconnected       = errors.New("connection closed while request pending")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)
