package token

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jrsteele09/go-session-keeper/internal/errors"
	"github.com/jrsteele09/go-session-keeper/internal/utils"
)

// Claims are the parts of a bearer token the client uses for scheduling and
// display. They are read without verifying the signature, so they must never
// be used for authorization decisions; the server re-checks every request.
type Claims struct {
	SubjectID string
	Role      string
	Roles     []string
	ExpiresAt time.Time
}

var parser = jwt.NewParser()

// Decode extracts claims from a JWT without verification. It returns nil for
// anything that is not a JWT carrying an exp claim.
func Decode(rawToken string) *Claims {
	claims, err := Parse(rawToken)
	if err != nil {
		return nil
	}
	return claims
}

// Parse is Decode with the reason a token was rejected. Every failure wraps
// errors.ErrMalformedToken.
func Parse(rawToken string) (*Claims, error) {
	if strings.TrimSpace(rawToken) == "" {
		return nil, fmt.Errorf("%w: empty", errors.ErrMalformedToken)
	}

	unverified, _, err := parser.ParseUnverified(rawToken, jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errors.ErrMalformedToken, err)
	}
	claims, ok := unverified.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims type", errors.ErrMalformedToken)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errors.ErrMalformedToken, err)
	}
	if exp == nil {
		return nil, fmt.Errorf("%w: no exp claim", errors.ErrMalformedToken)
	}
	sub, _ := claims.GetSubject()

	decoded := &Claims{
		SubjectID: sub,
		ExpiresAt: exp.Time,
	}
	decoded.Roles = utils.ClaimStrings(claims["roles"])
	if role, ok := claims["role"].(string); ok {
		decoded.Role = role
	} else if len(decoded.Roles) > 0 {
		decoded.Role = decoded.Roles[0]
	}
	return decoded, nil
}

// IsExpired reports whether the token expires at or before now+buffer.
// Malformed tokens count as expired.
func IsExpired(rawToken string, buffer time.Duration, now time.Time) bool {
	claims := Decode(rawToken)
	if claims == nil {
		return true
	}
	return !claims.ExpiresAt.After(now.Add(buffer))
}

// ExpiresAt returns the token's expiry instant if it can be decoded.
func ExpiresAt(rawToken string) (time.Time, bool) {
	claims := Decode(rawToken)
	if claims == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt, true
}
