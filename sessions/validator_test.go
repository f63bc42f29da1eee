package sessions_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jrsteele09/go-session-keeper/internal/errors"
	"github.com/jrsteele09/go-session-keeper/sessions"
	"github.com/jrsteele09/go-session-keeper/token/refresh/issuertest"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestHTTPValidator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("Authorization") {
		case "Bearer good":
			w.WriteHeader(http.StatusNoContent)
		case "Bearer broken":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))
	defer srv.Close()

	validate := func(access string) error {
		source := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: access})
		return sessions.NewHTTPValidator(srv.URL+"/me", source, sessions.WithValidatorHTTPClient(srv.Client())).Validate(context.Background())
	}

	require.NoError(t, validate("good"))
	require.ErrorIs(t, validate("revoked"), errors.ErrUnauthorized)

	err := validate("broken")
	require.Error(t, err)
	require.False(t, errors.IsConnectivity(err))

	t.Run("unreachable server is a connectivity failure", func(t *testing.T) {
		down := httptest.NewServer(http.NotFoundHandler())
		url := down.URL
		down.Close()
		err := sessions.NewHTTPValidator(url, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "good"})).Validate(context.Background())
		require.True(t, errors.IsConnectivity(err))
	})
}

func TestHTTPValidator_AgainstIssuerUserInfo(t *testing.T) {
	iss := issuertest.New()
	defer iss.Close()
	access, _, err := iss.Login("user-1", "storefront")
	require.NoError(t, err)

	validate := func(access string) error {
		source := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: access})
		return sessions.NewHTTPValidator(iss.URL()+issuertest.RouteUserInfo, source, sessions.WithValidatorHTTPClient(iss.Client())).Validate(context.Background())
	}

	require.NoError(t, validate(access))
	require.ErrorIs(t, validate(access+"x"), errors.ErrUnauthorized)
}
