package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Common error types for the session services
var (
	// Credential errors
	ErrNoCredential          = errors.New("no credential")
	ErrMalformedToken        = errors.New("malformed token")
	ErrInvalidCredentialPair = errors.New("refresh token expires before access token")

	// Storage errors
	ErrStorageUnavailable = errors.New("storage unavailable")

	// Refresh errors
	ErrRefreshTransient = errors.New("transient refresh failure")
	ErrRefreshTerminal  = errors.New("terminal refresh failure")
	ErrRetriesExhausted = errors.New("refresh retries exhausted")

	// Session errors
	ErrLoggedOut    = errors.New("logged out")
	ErrOffline      = errors.New("offline")
	ErrUnauthorized = errors.New("unauthorized")

	// General errors
	ErrClosed = errors.New("closed")
)

// Wrapf wraps an error with context using fmt.Errorf
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// IsTerminal reports whether err ends the session: the refresh token was
// rejected, retries ran out, or the credential store cannot be used.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrRefreshTerminal) ||
		errors.Is(err, ErrRetriesExhausted) ||
		errors.Is(err, ErrStorageUnavailable) ||
		errors.Is(err, ErrNoCredential)
}

// IsConnectivity reports whether err was caused by the network rather than
// by the server's answer.
func IsConnectivity(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrOffline) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
