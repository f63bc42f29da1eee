package config

import (
	"strings"
	"time"
)

type OAuthConfig interface {
	GetIssuerURL() string
	GetClientID() string
	GetClientSecret() string
	GetScopes() []string
	GetValidationURL() string
	GetRequestTimeout() time.Duration
}

type OAuth struct{}

var _ OAuthConfig = OAuth{}

func (OAuth) GetIssuerURL() string {
	return GetEnv("OIDC_ISSUER_URL", "http://localhost:8080")
}

func (OAuth) GetClientID() string {
	return GetEnv("OIDC_CLIENT_ID", "")
}

func (OAuth) GetClientSecret() string {
	return GetEnv("OIDC_CLIENT_SECRET", "")
}

func (OAuth) GetScopes() []string {
	return strings.Fields(GetEnv("OIDC_SCOPES", "openid profile offline_access"))
}

// GetValidationURL is any cheap authenticated GET; empty disables the
// heartbeat ping.
func (OAuth) GetValidationURL() string {
	return GetEnv("SESSION_VALIDATION_URL", "")
}

func (OAuth) GetRequestTimeout() time.Duration {
	return GetEnvDuration("OIDC_REQUEST_TIMEOUT", 10*time.Second)
}
