package refresh

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/jrsteele09/go-session-keeper/internal/errors"
	"golang.org/x/oauth2"
)

// Result is what the refresh endpoint returned. RefreshToken is the token to
// use next time: the rotated one, or the presented one if the server did not
// rotate.
type Result struct {
	AccessToken      string
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// Client performs one refresh-token grant. Errors must be classified as
// errors.ErrRefreshTerminal or errors.ErrRefreshTransient.
type Client interface {
	Refresh(ctx context.Context, refreshToken string) (*Result, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, refreshToken string) (*Result, error)

// Refresh calls f.
func (f ClientFunc) Refresh(ctx context.Context, refreshToken string) (*Result, error) {
	return f(ctx, refreshToken)
}

var _ Client = (*OAuth2Client)(nil)

// OAuth2Client refreshes against a standard OAuth2 token endpoint.
type OAuth2Client struct {
	config     *oauth2.Config
	httpClient *http.Client
	nowFunc    func() time.Time
}

// OAuth2ClientOption configures an OAuth2Client.
type OAuth2ClientOption func(*OAuth2Client)

// WithHTTPClient sets the HTTP client used for discovery and the token endpoint.
func WithHTTPClient(c *http.Client) OAuth2ClientOption {
	return func(o *OAuth2Client) {
		o.httpClient = c
	}
}

// WithNowFunc sets the time source for refresh token expiry.
func WithNowFunc(now func() time.Time) OAuth2ClientOption {
	return func(o *OAuth2Client) {
		o.nowFunc = now
	}
}

// NewOAuth2Client creates a client for the token endpoint in cfg.
func NewOAuth2Client(cfg *oauth2.Config, options ...OAuth2ClientOption) *OAuth2Client {
	c := &OAuth2Client{config: cfg, nowFunc: time.Now}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// NewOIDCClient discovers the issuer's token endpoint and returns a client
// for it.
func NewOIDCClient(ctx context.Context, issuerURL, clientID, clientSecret string, scopes []string, options ...OAuth2ClientOption) (*OAuth2Client, error) {
	c := NewOAuth2Client(nil, options...)
	if c.httpClient != nil {
		ctx = oidc.ClientContext(ctx, c.httpClient)
	}
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("[NewOIDCClient] discovery for %s: %w", issuerURL, err)
	}
	c.config = &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     provider.Endpoint(),
		Scopes:       scopes,
	}
	return c, nil
}

func (c *OAuth2Client) Refresh(ctx context.Context, refreshToken string) (*Result, error) {
	if c.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	}

	tok, err := c.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, Classify(err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("%w: token response without access_token", errors.ErrRefreshTransient)
	}

	result := &Result{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if result.RefreshToken == "" {
		result.RefreshToken = refreshToken
	}
	if secs, ok := numericExtra(tok.Extra("refresh_expires_in")); ok && secs > 0 {
		result.RefreshExpiresAt = c.nowFunc().Add(time.Duration(secs) * time.Second)
	}
	return result, nil
}

// terminalErrorCodes are OAuth2 error codes meaning the refresh token itself
// is no longer acceptable.
var terminalErrorCodes = map[string]struct{}{
	"invalid_grant":       {},
	"invalid_token":       {},
	"unauthorized_client": {},
}

// Classify maps a refresh endpoint failure onto the transient/terminal
// taxonomy. Only an explicit rejection of the refresh token is terminal.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if _, ok := terminalErrorCodes[retrieveErr.ErrorCode]; ok {
			return fmt.Errorf("%w: %s", errors.ErrRefreshTerminal, retrieveErr.ErrorCode)
		}
		if retrieveErr.Response != nil {
			switch retrieveErr.Response.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden:
				return fmt.Errorf("%w: status %d", errors.ErrRefreshTerminal, retrieveErr.Response.StatusCode)
			}
			return fmt.Errorf("%w: status %d", errors.ErrRefreshTransient, retrieveErr.Response.StatusCode)
		}
	}
	if errors.Is(err, errors.ErrRefreshTerminal) || errors.Is(err, errors.ErrRefreshTransient) {
		return err
	}
	return fmt.Errorf("%w: %w", errors.ErrRefreshTransient, err)
}

func numericExtra(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case string:
		parsed, err := strconv.ParseInt(n, 10, 64)
		return parsed, err == nil
	}
	return 0, false
}
