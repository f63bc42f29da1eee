package keeper_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jrsteele09/go-session-keeper/clock/fakeclock"
	"github.com/jrsteele09/go-session-keeper/credentials"
	"github.com/jrsteele09/go-session-keeper/events"
	"github.com/jrsteele09/go-session-keeper/internal/config"
	"github.com/jrsteele09/go-session-keeper/internal/errors"
	"github.com/jrsteele09/go-session-keeper/keeper"
	"github.com/jrsteele09/go-session-keeper/sessions"
	"github.com/jrsteele09/go-session-keeper/storage/memory"
	"github.com/jrsteele09/go-session-keeper/token/refresh"
	"github.com/jrsteele09/go-session-keeper/token/tokentest"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type tab struct {
	keeper *keeper.Keeper
	calls  atomic.Int32

	mu       sync.Mutex
	required []events.AuthenticationRequired
}

func (tb *tab) authRequired() []events.AuthenticationRequired {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return append([]events.AuthenticationRequired(nil), tb.required...)
}

type browser struct {
	clock  *fakeclock.FakeClock
	origin *memory.Origin
}

func newBrowser() *browser {
	return &browser{clock: fakeclock.NewFakeClock(start), origin: memory.NewOrigin()}
}

func (b *browser) openTab(t *testing.T, respond func(call int32) (*refresh.Result, error)) *tab {
	t.Helper()
	tb := &tab{}
	client := refresh.ClientFunc(func(context.Context, string) (*refresh.Result, error) {
		return respond(tb.calls.Add(1))
	})
	return b.openTabWith(t, tb, client)
}

func (b *browser) openTabWith(t *testing.T, tb *tab, client refresh.Client) *tab {
	t.Helper()
	tb.keeper = keeper.New(config.New(), b.origin.NewTab(), client,
		keeper.WithClock(b.clock),
		keeper.WithReturnLocation(func() string { return "/checkout" }),
	)
	events.SubscribeTo(tb.keeper.Bus(), func(e events.AuthenticationRequired) {
		tb.mu.Lock()
		tb.required = append(tb.required, e)
		tb.mu.Unlock()
	})
	tb.keeper.Start(context.Background())
	t.Cleanup(tb.keeper.Close)
	return tb
}

func rotating(call int32) (*refresh.Result, error) {
	return &refresh.Result{
		AccessToken:  tokentest.Mint("user-1", start.Add(2*time.Hour), map[string]any{"call": call}),
		RefreshToken: fmt.Sprintf("refresh-%d", call),
	}, nil
}

func rejecting(int32) (*refresh.Result, error) {
	return nil, fmt.Errorf("%w: invalid_grant", errors.ErrRefreshTerminal)
}

func unexpected(int32) (*refresh.Result, error) {
	return nil, fmt.Errorf("%w: refresh not expected", errors.ErrRefreshTransient)
}

func initialPair() credentials.Pair {
	return credentials.Pair{AccessToken: tokentest.Mint("user-1", start.Add(time.Hour)), RefreshToken: "refresh-0"}
}

func TestKeeper_LoginInOneTabStartsTheOther(t *testing.T) {
	b := newBrowser()
	tab1 := b.openTab(t, unexpected)
	tab2 := b.openTab(t, unexpected)
	require.Equal(t, sessions.StateUnauthenticated, tab2.keeper.Orchestrator().State())

	_, err := tab1.keeper.Login(context.Background(), initialPair())
	require.NoError(t, err)

	require.Equal(t, sessions.StateActive, tab1.keeper.Orchestrator().State())
	require.Equal(t, sessions.StateActive, tab2.keeper.Orchestrator().State())
	require.True(t, tab2.keeper.IsAuthenticated())
}

func TestKeeper_RotationIsAdoptedWithoutRefreshing(t *testing.T) {
	b := newBrowser()
	tab1 := b.openTab(t, rotating)
	tab2 := b.openTab(t, unexpected)
	_, err := tab1.keeper.Login(context.Background(), initialPair())
	require.NoError(t, err)

	access, err := tab1.keeper.Manager().Refresh(context.Background())
	require.NoError(t, err)

	pair := tab2.keeper.Manager().Pair()
	require.NotNil(t, pair)
	require.Equal(t, access, pair.AccessToken)
	require.Equal(t, "refresh-1", pair.RefreshToken)
	require.Equal(t, int32(1), tab1.calls.Load())
	require.Equal(t, int32(0), tab2.calls.Load())

	got, err := tab2.keeper.AccessToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, access, got)
}

func TestKeeper_LogoutPropagates(t *testing.T) {
	b := newBrowser()
	tab1 := b.openTab(t, unexpected)
	tab2 := b.openTab(t, unexpected)
	_, err := tab1.keeper.Login(context.Background(), initialPair())
	require.NoError(t, err)

	require.NoError(t, tab1.keeper.Logout(context.Background()))
	require.NoError(t, tab1.keeper.Logout(context.Background()))

	require.Equal(t, sessions.StateUnauthenticated, tab2.keeper.Orchestrator().State())
	require.Len(t, tab1.authRequired(), 1)
	require.Equal(t, events.ReasonLoggedOut, tab1.authRequired()[0].Reason)
	require.Len(t, tab2.authRequired(), 1)
	require.Equal(t, events.ReasonLoggedOutElsewhere, tab2.authRequired()[0].Reason)
	require.Equal(t, "/checkout", tab2.authRequired()[0].ReturnLocation)
	require.Equal(t, int32(0), tab2.calls.Load())

	_, err = tab2.keeper.AccessToken(context.Background())
	require.ErrorIs(t, err, errors.ErrNoCredential)
}

func TestKeeper_ClearTakesPrecedenceOverRacingUpdate(t *testing.T) {
	b := newBrowser()
	tab1 := b.openTab(t, unexpected)
	tab2 := b.openTab(t, unexpected)
	_, err := tab1.keeper.Login(context.Background(), initialPair())
	require.NoError(t, err)
	require.NoError(t, tab1.keeper.Logout(context.Background()))

	// A stale write from a third tab lands right after the logout.
	stale := b.origin.NewTab()
	require.NoError(t, stale.Set(context.Background(), credentials.KeyAccessToken, tokentest.Mint("user-1", start.Add(time.Hour))))
	require.Equal(t, sessions.StateUnauthenticated, tab2.keeper.Orchestrator().State())
	require.Nil(t, tab2.keeper.Manager().Pair())

	b.clock.Advance(3 * time.Second)
	_, err = tab1.keeper.Login(context.Background(), credentials.Pair{
		AccessToken:  tokentest.Mint("user-1", start.Add(2*time.Hour)),
		RefreshToken: "refresh-new",
	})
	require.NoError(t, err)
	require.Equal(t, sessions.StateActive, tab2.keeper.Orchestrator().State())
}

func TestKeeper_ExpiredSessionRestoresWorkOnNextLogin(t *testing.T) {
	b := newBrowser()
	tab1 := b.openTab(t, rejecting)
	tab2 := b.openTab(t, unexpected)
	_, err := tab1.keeper.Login(context.Background(), initialPair())
	require.NoError(t, err)

	tab1.keeper.Orchestrator().RegisterSaveWork("cart", func(context.Context) ([]byte, error) {
		return []byte(`["sku-1","sku-2"]`), nil
	})

	_, err = tab1.keeper.Manager().Refresh(context.Background())
	require.ErrorIs(t, err, errors.ErrRefreshTerminal)
	require.Equal(t, sessions.StateExpiring, tab1.keeper.Orchestrator().State())
	require.Equal(t, sessions.StateActive, tab2.keeper.Orchestrator().State())

	b.clock.Advance(5 * time.Second)
	require.Equal(t, sessions.StateUnauthenticated, tab1.keeper.Orchestrator().State())
	require.Equal(t, events.ReasonSessionExpired, tab1.authRequired()[0].Reason)
	require.Equal(t, sessions.StateUnauthenticated, tab2.keeper.Orchestrator().State())

	saved, err := tab1.keeper.Login(context.Background(), initialPair())
	require.NoError(t, err)
	require.Equal(t, map[string][]byte{"cart": []byte(`["sku-1","sku-2"]`)}, saved)
	_, present := b.origin.Snapshot()[credentials.KeySaveWork]
	require.False(t, present)
}

func TestKeeper_RefreshElsewhereRescuesExpiringTab(t *testing.T) {
	b := newBrowser()
	tab1 := b.openTab(t, rejecting)
	tab2 := b.openTab(t, rotating)
	_, err := tab1.keeper.Login(context.Background(), initialPair())
	require.NoError(t, err)

	_, err = tab1.keeper.Manager().Refresh(context.Background())
	require.ErrorIs(t, err, errors.ErrRefreshTerminal)
	require.Equal(t, sessions.StateExpiring, tab1.keeper.Orchestrator().State())

	_, err = tab2.keeper.Manager().Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, sessions.StateActive, tab1.keeper.Orchestrator().State())

	b.clock.Advance(5 * time.Second)
	require.Equal(t, sessions.StateActive, tab1.keeper.Orchestrator().State())
	require.Empty(t, tab1.authRequired())
	require.NotNil(t, tab1.keeper.Store().Get(context.Background()))
}

func TestKeeper_TabsSharingADeadlineRefreshOnce(t *testing.T) {
	b := newBrowser()
	tabs := []*tab{b.openTab(t, rotating), b.openTab(t, rotating), b.openTab(t, rotating)}
	_, err := tabs[0].keeper.Login(context.Background(), credentials.Pair{
		AccessToken:  tokentest.Mint("user-1", start.Add(10*time.Minute)),
		RefreshToken: "refresh-0",
	})
	require.NoError(t, err)
	for _, tb := range tabs {
		require.Equal(t, "refresh-0", tb.keeper.Manager().Pair().RefreshToken)
	}

	total := func() int32 {
		var n int32
		for _, tb := range tabs {
			n += tb.calls.Load()
		}
		return n
	}

	// Every tab armed its proactive refresh for expiry minus the buffer.
	b.clock.Advance(9*time.Minute + 30*time.Second)
	require.Eventually(t, func() bool {
		if total() != 1 {
			return false
		}
		for _, tb := range tabs {
			if pair := tb.keeper.Manager().Pair(); pair == nil || pair.RefreshToken != "refresh-1" {
				return false
			}
		}
		return true
	}, time.Second, time.Millisecond)
	require.Never(t, func() bool { return total() > 1 }, 50*time.Millisecond, 5*time.Millisecond)

	access := tabs[0].keeper.Manager().Pair().AccessToken
	for _, tb := range tabs[1:] {
		require.Equal(t, access, tb.keeper.Manager().Pair().AccessToken)
	}
}

func TestKeeper_IdleTabAdoptsRotation(t *testing.T) {
	b := newBrowser()
	tab1 := b.openTab(t, rotating)
	tab2 := b.openTab(t, unexpected)
	_, err := tab1.keeper.Login(context.Background(), initialPair())
	require.NoError(t, err)

	b.clock.Advance(6 * time.Minute)
	require.Eventually(t, func() bool {
		return tab2.keeper.Orchestrator().State() == sessions.StateIdle
	}, time.Second, time.Millisecond)

	access, err := tab1.keeper.Manager().Refresh(context.Background())
	require.NoError(t, err)

	pair := tab2.keeper.Manager().Pair()
	require.NotNil(t, pair)
	require.Equal(t, access, pair.AccessToken)
	require.Equal(t, "refresh-1", pair.RefreshToken)
	require.Equal(t, int32(0), tab2.calls.Load())
	require.Equal(t, sessions.StateIdle, tab2.keeper.Orchestrator().State())
}
