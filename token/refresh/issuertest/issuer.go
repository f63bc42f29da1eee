// Package issuertest runs a minimal OIDC issuer over httptest: discovery, a
// refresh_token grant with rotation, and a bearer protected /userinfo used
// as the session validation endpoint.
package issuertest

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	RouteDiscovery = "/.well-known/openid-configuration"
	RouteToken     = "/oauth2/token"
	RouteUserInfo  = "/userinfo"
)

// RefreshToken is a refresh token known to the issuer.
type RefreshToken struct {
	Token    string
	UserID   string
	ClientID string
	Iat      time.Time
}

// Issuer is an httptest OAuth2 server issuing opaque refresh tokens and JWT access tokens.
type Issuer struct {
	server     *httptest.Server
	secret     []byte
	nowFunc    func() time.Time
	accessTTL  time.Duration
	refreshTTL time.Duration
	rotate     bool

	lock   sync.RWMutex
	tokens map[string]*RefreshToken

	unavailable atomic.Bool
	tokenCalls  atomic.Int32
}

// Option configures an Issuer.
type Option func(*Issuer)

func WithNowFunc(now func() time.Time) Option {
	return func(i *Issuer) {
		i.nowFunc = now
	}
}

func WithTokenExpiry(access, refresh time.Duration) Option {
	return func(i *Issuer) {
		i.accessTTL = access
		i.refreshTTL = refresh
	}
}

// WithoutRotation makes the refresh grant return no new refresh token.
func WithoutRotation() Option {
	return func(i *Issuer) {
		i.rotate = false
	}
}

// New starts the issuer. Close it when done.
func New(options ...Option) *Issuer {
	i := &Issuer{
		secret:     []byte(uuid.NewString()),
		nowFunc:    time.Now,
		accessTTL:  time.Hour,
		refreshTTL: 30 * 24 * time.Hour,
		rotate:     true,
		tokens:     make(map[string]*RefreshToken),
	}
	for _, opt := range options {
		opt(i)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(RouteDiscovery, i.discovery)
	mux.HandleFunc(RouteToken, i.token)
	mux.HandleFunc(RouteUserInfo, i.requireAuth(i.userInfo))
	i.server = httptest.NewServer(mux)
	return i
}

// URL returns the issuer base URL.
func (i *Issuer) URL() string {
	return i.server.URL
}

func (i *Issuer) Client() *http.Client {
	return i.server.Client()
}

// Close shuts the server down.
func (i *Issuer) Close() {
	i.server.Close()
}

// Login issues a fresh access/refresh pair for userID, as the authorization
// code exchange would.
func (i *Issuer) Login(userID, clientID string) (access, refresh string, err error) {
	access, err = i.createAccessToken(userID, clientID)
	if err != nil {
		return "", "", err
	}
	return access, i.createRefreshToken(userID, clientID), nil
}

// Revoke invalidates a refresh token; presenting it yields invalid_grant.
func (i *Issuer) Revoke(refreshToken string) {
	i.lock.Lock()
	defer i.lock.Unlock()
	delete(i.tokens, refreshToken)
}

// SetUnavailable makes the token endpoint answer 503.
func (i *Issuer) SetUnavailable(unavailable bool) {
	i.unavailable.Store(unavailable)
}

// TokenCalls counts requests to the token endpoint.
func (i *Issuer) TokenCalls() int {
	return int(i.tokenCalls.Load())
}

func (i *Issuer) createAccessToken(userID, clientID string) (string, error) {
	now := i.nowFunc()
	claims := jwt.MapClaims{
		"iss":  i.server.URL,
		"sub":  userID,
		"aud":  clientID,
		"iat":  now.Unix(),
		"exp":  now.Add(i.accessTTL).Unix(),
		"jti":  uuid.NewString(),
		"role": "buyer",
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

func (i *Issuer) createRefreshToken(userID, clientID string) string {
	rt := &RefreshToken{
		Token:    uuid.NewString(),
		UserID:   userID,
		ClientID: clientID,
		Iat:      i.nowFunc(),
	}
	i.lock.Lock()
	defer i.lock.Unlock()
	i.tokens[rt.Token] = rt
	return rt.Token
}

func (i *Issuer) verify(raw string) (*jwt.Token, error) {
	return jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		return i.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(i.nowFunc))
}
