package refresh

import (
	"context"

	"github.com/jrsteele09/go-session-keeper/token"
	"golang.org/x/oauth2"
)

// TokenSource exposes the manager as an oauth2.TokenSource. It consults the
// manager on every call, so wrap it in an oauth2.Transport directly rather
// than oauth2.ReuseTokenSource.
func (m *Manager) TokenSource() oauth2.TokenSource {
	return managerTokenSource{m: m}
}

type managerTokenSource struct {
	m *Manager
}

func (s managerTokenSource) Token() (*oauth2.Token, error) {
	access, err := s.m.AccessToken(context.Background())
	if err != nil {
		return nil, err
	}
	exp, _ := token.ExpiresAt(access)
	return &oauth2.Token{AccessToken: access, TokenType: "Bearer", Expiry: exp}, nil
}
