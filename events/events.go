package events

import "time"

// Event is a notification emitted by the session core. UI and routing code
// subscribe to these; the core never calls into them.
type Event interface {
	EventName() string
}

// CredentialRefreshed is published after a successful refresh.
type CredentialRefreshed struct {
	AccessToken string
}

// AuthenticationFailed is published when a refresh fails.
type AuthenticationFailed struct {
	Err error
}

// SessionStateChanged is published on every session state transition.
type SessionStateChanged struct {
	From string
	To   string
}

// UserIdle is published when the user crosses the idle threshold.
type UserIdle struct{}

// UserActive is published when an idle user becomes active again.
type UserActive struct{}

// InactivityWarning is emitted once when the user has been idle past the
// warning threshold.
type InactivityWarning struct {
	IdleFor time.Duration
}

// RefreshTokenExpiring is emitted once when the refresh token enters the
// warning horizon; re-authentication should be prompted.
type RefreshTokenExpiring struct {
	ExpiresAt time.Time
}

// AuthenticationRequired is published when the user must sign in again.
type AuthenticationRequired struct {
	Reason         string
	ReturnLocation string
}

// Reasons carried by AuthenticationRequired.
const (
	ReasonSessionExpired     = "session_expired"
	ReasonLoggedOut          = "logged_out"
	ReasonLoggedOutElsewhere = "logged_out_elsewhere"
	ReasonStorageUnavailable = "storage_unavailable"
)

func (CredentialRefreshed) EventName() string    { return "credentialRefreshed" }
func (AuthenticationFailed) EventName() string   { return "authenticationFailed" }
func (SessionStateChanged) EventName() string    { return "sessionStateChanged" }
func (UserIdle) EventName() string               { return "userIdle" }
func (UserActive) EventName() string             { return "userActive" }
func (InactivityWarning) EventName() string      { return "inactivityWarning" }
func (RefreshTokenExpiring) EventName() string   { return "refreshTokenExpiring" }
func (AuthenticationRequired) EventName() string { return "authenticationRequired" }
