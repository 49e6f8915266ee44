package session

import "errors"

// State describes the session lifecycle. A session is usable only in
// StateReady; re-entering StateInitializing (on image switch)
// invalidates readiness even if the transport stays connected.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateError
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Backend service names as reported by the session handshake.
const (
	ServicePromptedSegmentation   = "prompted_segmentation"
	ServiceCompletionSegmentation = "completion_segmentation"
	ServiceSemanticSegmentation   = "semantic_segmentation"
)

var (
	ErrNotReady           = errors.New("session is not ready")
	ErrHandshakeTimeout   = errors.New("session handshake timed out")
	ErrNoServices         = errors.New("no backend services are running")
	ErrServiceUnavailable = errors.New("service not available")
)

// ServiceAvailability is the partition of backend services into running
// and failed, established once per session handshake. A session with at
// least one running service is usable; callers check IsRunning before
// invoking operations gated on a specific capability.
type ServiceAvailability struct {
	Running []string
	Failed  []string
}

// IsRunning reports whether the named service came up for this session.
func (a ServiceAvailability) IsRunning(name string) bool {
	for _, s := range a.Running {
		if s == name {
			return true
		}
	}
	return false
}
