package credentials

import (
	"time"

	"github.com/jrsteele09/go-session-keeper/token"
)

// Pair is the current access/refresh credential pair. It is replaced
// wholesale on login and rotation and destroyed on logout.
type Pair struct {
	AccessToken      string
	RefreshToken     string    // empty when the server issued none
	RefreshExpiresAt time.Time // zero when unknown (opaque refresh token without refresh_expires_in)
	PersistedAt      time.Time
}

// HasRefreshToken reports whether the pair carries a refresh token at all.
func (p *Pair) HasRefreshToken() bool {
	return p != nil && p.RefreshToken != ""
}

// RefreshExpiry returns the refresh token's expiry: its own exp claim when it
// is a JWT, otherwise the recorded RefreshExpiresAt.
func (p *Pair) RefreshExpiry() (time.Time, bool) {
	if !p.HasRefreshToken() {
		return time.Time{}, false
	}
	if exp, ok := token.ExpiresAt(p.RefreshToken); ok {
		return exp, true
	}
	if !p.RefreshExpiresAt.IsZero() {
		return p.RefreshExpiresAt, true
	}
	return time.Time{}, false
}

// RefreshUsable reports whether the refresh token can still be presented.
// Opaque tokens with no known expiry are assumed usable; the server decides.
func (p *Pair) RefreshUsable(now time.Time) bool {
	if !p.HasRefreshToken() {
		return false
	}
	exp, known := p.RefreshExpiry()
	if !known {
		return true
	}
	return exp.After(now)
}

// Validate checks that a refresh token outlives the access token it backs.
func (p *Pair) Validate() bool {
	if p == nil || p.AccessToken == "" {
		return false
	}
	refreshExp, ok := p.RefreshExpiry()
	if !ok {
		return true
	}
	accessExp, ok := token.ExpiresAt(p.AccessToken)
	if !ok {
		return true
	}
	return !refreshExp.Before(accessExp)
}
