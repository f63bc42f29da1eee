package config

import "time"

// SessionConfig holds every timing threshold used by the session services.
type SessionConfig interface {
	GetExpiryBuffer() time.Duration
	GetRetryBaseDelay() time.Duration
	GetMaxRetryAttempts() int
	GetActivityThrottle() time.Duration
	GetIdlePollInterval() time.Duration
	GetIdleThreshold() time.Duration
	GetInactivityWarningThreshold() time.Duration
	GetRefreshTokenWarningHorizon() time.Duration
	GetHeartbeatInterval() time.Duration
	GetGraceDelay() time.Duration
	GetClearPrecedence() time.Duration
}

type Session struct{}

var _ SessionConfig = Session{}

// GetExpiryBuffer is both the "expired within buffer" margin and the lead
// time of proactive refreshes.
func (Session) GetExpiryBuffer() time.Duration {
	return GetEnvDuration("SESSION_EXPIRY_BUFFER", 30*time.Second)
}

func (Session) GetRetryBaseDelay() time.Duration {
	return GetEnvDuration("SESSION_RETRY_BASE_DELAY", time.Second)
}

func (Session) GetMaxRetryAttempts() int {
	return GetEnvInt("SESSION_MAX_RETRY_ATTEMPTS", 3)
}

func (Session) GetActivityThrottle() time.Duration {
	return GetEnvDuration("SESSION_ACTIVITY_THROTTLE", time.Second)
}

func (Session) GetIdlePollInterval() time.Duration {
	return GetEnvDuration("SESSION_IDLE_POLL_INTERVAL", 30*time.Second)
}

func (Session) GetIdleThreshold() time.Duration {
	return GetEnvDuration("SESSION_IDLE_THRESHOLD", 5*time.Minute)
}

func (Session) GetInactivityWarningThreshold() time.Duration {
	return GetEnvDuration("SESSION_INACTIVITY_WARNING_THRESHOLD", 25*time.Minute)
}

func (Session) GetRefreshTokenWarningHorizon() time.Duration {
	return GetEnvDuration("SESSION_REFRESH_WARNING_HORIZON", 24*time.Hour)
}

func (Session) GetHeartbeatInterval() time.Duration {
	return GetEnvDuration("SESSION_HEARTBEAT_INTERVAL", 5*time.Minute)
}

func (Session) GetGraceDelay() time.Duration {
	return GetEnvDuration("SESSION_GRACE_DELAY", 5*time.Second)
}

// GetClearPrecedence is the window in which a cross-tab "cleared" beats a
// later "updated".
func (Session) GetClearPrecedence() time.Duration {
	return GetEnvDuration("SESSION_CLEAR_PRECEDENCE", 2*time.Second)
}
