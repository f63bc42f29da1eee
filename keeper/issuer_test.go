package keeper_test

import (
	"context"
	"testing"

	"github.com/jrsteele09/go-session-keeper/credentials"
	"github.com/jrsteele09/go-session-keeper/internal/errors"
	"github.com/jrsteele09/go-session-keeper/sessions"
	"github.com/jrsteele09/go-session-keeper/token/refresh"
	"github.com/jrsteele09/go-session-keeper/token/refresh/issuertest"
	"github.com/stretchr/testify/require"
)

func TestKeeper_AgainstIssuer(t *testing.T) {
	b := newBrowser()
	iss := issuertest.New(issuertest.WithNowFunc(b.clock.Now))
	defer iss.Close()

	client, err := refresh.NewOIDCClient(context.Background(), iss.URL(), "storefront", "", []string{"openid", "offline_access"},
		refresh.WithHTTPClient(iss.Client()),
		refresh.WithNowFunc(b.clock.Now),
	)
	require.NoError(t, err)

	tab1 := b.openTabWith(t, &tab{}, client)
	tab2 := b.openTabWith(t, &tab{}, client)

	access, refreshToken, err := iss.Login("user-1", "storefront")
	require.NoError(t, err)
	_, err = tab1.keeper.Login(context.Background(), credentials.Pair{AccessToken: access, RefreshToken: refreshToken})
	require.NoError(t, err)
	require.Equal(t, sessions.StateActive, tab2.keeper.Orchestrator().State())

	t.Run("rotation reaches the other tab", func(t *testing.T) {
		rotated, err := tab1.keeper.Manager().Refresh(context.Background())
		require.NoError(t, err)
		require.NotEqual(t, access, rotated)

		pair := tab2.keeper.Manager().Pair()
		require.NotNil(t, pair)
		require.Equal(t, rotated, pair.AccessToken)
		require.NotEqual(t, refreshToken, pair.RefreshToken)
		require.False(t, pair.RefreshExpiresAt.IsZero())
	})

	t.Run("revocation expires the session", func(t *testing.T) {
		iss.Revoke(tab1.keeper.Manager().Pair().RefreshToken)

		_, err := tab1.keeper.Manager().Refresh(context.Background())
		require.ErrorIs(t, err, errors.ErrRefreshTerminal)
		require.Equal(t, sessions.StateExpiring, tab1.keeper.Orchestrator().State())
	})
}
