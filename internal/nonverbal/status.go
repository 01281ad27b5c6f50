package nonverbal

import "fmt"

// Status is the lifecycle state of a [Session].
type Status int

const (
	// StatusIdle is the initial state before the socket opens.
	StatusIdle Status = iota

	// StatusAnalyzing means the socket is open and frames are being sent,
	// but the backend has not reported yet.
	StatusAnalyzing

	// StatusActive means the backend is returning scores.
	StatusActive

	// StatusWaiting means the backend has not accumulated enough frames to
	// score. Frames keep flowing.
	StatusWaiting

	// StatusCancelled means the backend ended the session for a policy
	// reason, such as more than one face in view.
	StatusCancelled

	// StatusStopped means the socket closed cleanly or Stop was called.
	StatusStopped

	// StatusError means the socket failed to open or dropped.
	StatusError
)

// String returns the lower-case status name.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusAnalyzing:
		return "analyzing"
	case StatusActive:
		return "active"
	case StatusWaiting:
		return "waiting"
	case StatusCancelled:
		return "cancelled"
	case StatusStopped:
		return "stopped"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// IsTerminal reports whether the session has ended. A terminal session can
// be started again.
func (s Status) IsTerminal() bool {
	return s == StatusCancelled || s == StatusStopped || s == StatusError
}

// IsAnalyzing reports whether the socket is open and frames are flowing.
func (s Status) IsAnalyzing() bool {
	return s == StatusAnalyzing || s == StatusActive || s == StatusWaiting
}
