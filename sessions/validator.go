package sessions

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jrsteele09/go-session-keeper/internal/errors"
	"golang.org/x/oauth2"
)

// Validator pings a cheap authenticated endpoint. It returns
// errors.ErrUnauthorized when the server no longer accepts the access token
// and an errors.ErrOffline wrapped error when the server cannot be reached.
type Validator interface {
	Validate(ctx context.Context) error
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context) error

// Validate calls f.
func (f ValidatorFunc) Validate(ctx context.Context) error {
	return f(ctx)
}

// HTTPValidator issues a GET to a validation URL with the current bearer
// token.
type HTTPValidator struct {
	url    string
	source oauth2.TokenSource
	client *http.Client
}

// HTTPValidatorOption configures an HTTPValidator.
type HTTPValidatorOption func(*HTTPValidator)

// WithValidatorHTTPClient sets the client used for the ping.
func WithValidatorHTTPClient(c *http.Client) HTTPValidatorOption {
	return func(v *HTTPValidator) {
		v.client = c
	}
}

// NewHTTPValidator pings url with a bearer token taken from source.
func NewHTTPValidator(url string, source oauth2.TokenSource, options ...HTTPValidatorOption) *HTTPValidator {
	v := &HTTPValidator{
		url:    url,
		source: source,
		client: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range options {
		opt(v)
	}
	return v
}

// Validate sends the ping. A 401 reports ErrUnauthorized and any other 4xx or 5xx status is an error.
func (v *HTTPValidator) Validate(ctx context.Context) error {
	tok, err := v.source.Token()
	if err != nil {
		return errors.Wrapf(err, "[HTTPValidator.Validate] token")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.url, nil)
	if err != nil {
		return errors.Wrapf(err, "[HTTPValidator.Validate]")
	}
	tok.SetAuthHeader(req)

	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", errors.ErrOffline, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return errors.ErrUnauthorized
	case resp.StatusCode >= 400:
		return fmt.Errorf("[HTTPValidator.Validate] unexpected status %d", resp.StatusCode)
	}
	return nil
}
