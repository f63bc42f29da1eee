// Package sessions owns the session state machine. It combines user
// engagement from the activity monitor with the refresh manager, runs the
// heartbeat, queues writes made while offline and terminates sessions in a
// save-then-clear order.
package sessions

// State is the session's coarse state. Only the orchestrator writes it.
type State string

const (
	StateActive          State = "ACTIVE"
	StateIdle            State = "IDLE"
	StateWarning         State = "WARNING"         // refresh token close to expiry
	StateExpiring        State = "EXPIRING"        // terminal failure, grace period running
	StateOffline         State = "OFFLINE"         // connectivity lost
	StateUnauthenticated State = "UNAUTHENTICATED" // no usable credential
)

// String returns the state name.
func (s State) String() string {
	return string(s)
}

// Authenticated reports whether the state belongs to a live session.
func (s State) Authenticated() bool {
	switch s {
	case StateActive, StateIdle, StateWarning, StateOffline:
		return true
	}
	return false
}

func in(s State, set []State) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}
