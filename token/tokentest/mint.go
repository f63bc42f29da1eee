// Package tokentest mints unverified-but-well-formed JWTs for tests.
package tokentest

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testKey = []byte("tokentest-signing-key")

// Mint returns an HS256 JWT for subject that expires at exp.
func Mint(subject string, exp time.Time, extra ...jwt.MapClaims) string {
	claims := jwt.MapClaims{
		"sub": subject,
		"exp": exp.Unix(),
		"iat": exp.Add(-time.Hour).Unix(),
	}
	for _, e := range extra {
		for k, v := range e {
			claims[k] = v
		}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testKey)
	if err != nil {
		panic(err)
	}
	return signed
}
