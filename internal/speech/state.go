package speech

import "fmt"

// State is the connection state of an audio capture [Session].
//
// Transitions:
//
//	Idle ─Start─▶ Connecting ─dial ok─▶ Open ─server close─▶ Closed
//	  │               │                   └──socket error───▶ Errored
//	  │               └──dial or device failure─────────────▶ Errored
//	  └──Stop───────────────────────────────────────────────▶ Closed
//
// Closed and Errored are terminal; a new question needs a new Session.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
	StateErrored
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// IsTerminal reports whether s is Closed or Errored.
func (s State) IsTerminal() bool {
	return s == StateClosed || s == StateErrored
}
