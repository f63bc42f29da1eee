package refresh_test

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
	"github.com/jrsteele09/go-session-keeper/internal/errors"
	"github.com/jrsteele09/go-session-keeper/storage/memory"
	"github.com/jrsteele09/go-session-keeper/token/refresh"
	"github.com/jrsteele09/go-session-keeper/token/tokentest"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	clock   *fakeclock.FakeClock
	origin  *memory.Origin
	store   *credentials.Store
	bus     *events.Bus
	manager *refresh.Manager
	calls   atomic.Int32
}

func newFixture(t *testing.T, respond func(ctx context.Context, call int32, refreshToken string) (*refresh.Result, error)) *fixture {
	t.Helper()
	f := &fixture{
		clock:  fakeclock.NewFakeClock(start),
		origin: memory.NewOrigin(),
		bus:    events.NewBus(),
	}
	f.store = credentials.NewStore(f.origin.NewTab(), credentials.WithClock(f.clock))
	client := refresh.ClientFunc(func(ctx context.Context, refreshToken string) (*refresh.Result, error) {
		return respond(ctx, f.calls.Add(1), refreshToken)
	})
	f.manager = refresh.NewManager(f.store, client,
		refresh.WithClock(f.clock),
		refresh.WithBus(f.bus),
		refresh.WithExpiryBuffer(30*time.Second),
		refresh.WithRetryPolicy(time.Second, 3),
	)
	t.Cleanup(f.manager.Close)
	return f
}

func freshResult(call int32) *refresh.Result {
	return &refresh.Result{
		AccessToken:  tokentest.Mint("user-1", start.Add(time.Hour), map[string]any{"n": call}),
		RefreshToken: fmt.Sprintf("refresh-%d", call),
	}
}

func TestManager_ConcurrentRefreshesShareOneCall(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, func(ctx context.Context, call int32, _ string) (*refresh.Result, error) {
		<-release
		return freshResult(call), nil
	})
	require.NoError(t, f.manager.Login(context.Background(), credentials.Pair{
		AccessToken:  tokentest.Mint("user-1", start.Add(time.Hour)),
		RefreshToken: "refresh-0",
	}))

	const callers = 8
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = f.manager.Refresh(context.Background())
		}(i)
	}
	require.Eventually(t, func() bool { return f.manager.Waiting() == callers }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), f.calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, tokens[0], tokens[i])
	}
	require.Equal(t, "refresh-1", f.store.Get(context.Background()).RefreshToken)
	require.Equal(t, refresh.StateIdle, f.manager.State())
}

func TestManager_ScheduleProactiveRefresh(t *testing.T) {
	t.Run("lead is expiry minus buffer", func(t *testing.T) {
		f := newFixture(t, func(_ context.Context, call int32, _ string) (*refresh.Result, error) {
			return freshResult(call), nil
		})
		require.NoError(t, f.manager.Login(context.Background(), credentials.Pair{
			AccessToken:  tokentest.Mint("user-1", start.Add(2*time.Hour)),
			RefreshToken: "refresh-0",
		}))
		require.Equal(t, 2*time.Hour-30*time.Second, f.manager.ScheduleProactiveRefresh())
		require.Equal(t, 1, f.clock.Pending())

		f.clock.Advance(2*time.Hour - 30*time.Second)
		require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, time.Millisecond)
	})

	t.Run("token inside the buffer refreshes immediately", func(t *testing.T) {
		f := newFixture(t, func(_ context.Context, call int32, _ string) (*refresh.Result, error) {
			return freshResult(call), nil
		})
		require.NoError(t, f.store.Set(context.Background(), credentials.Pair{
			AccessToken:  tokentest.Mint("user-1", start.Add(10*time.Second)),
			RefreshToken: "refresh-0",
		}))
		require.True(t, f.manager.Start(context.Background()))

		require.Eventually(t, func() bool {
			p := f.manager.Pair()
			return p != nil && p.RefreshToken == "refresh-1"
		}, time.Second, time.Millisecond)
		require.Equal(t, int32(1), f.calls.Load())
	})

	t.Run("gate defers until EnsureFresh", func(t *testing.T) {
		f := newFixture(t, func(_ context.Context, call int32, _ string) (*refresh.Result, error) {
			return freshResult(call), nil
		})
		var open atomic.Bool
		f.manager.SetRefreshGate(open.Load)
		require.NoError(t, f.manager.Login(context.Background(), credentials.Pair{
			AccessToken:  tokentest.Mint("user-1", start.Add(time.Minute)),
			RefreshToken: "refresh-0",
		}))

		f.clock.Advance(30 * time.Second)
		require.Never(t, func() bool { return f.calls.Load() > 0 }, 50*time.Millisecond, 5*time.Millisecond)

		open.Store(true)
		require.NoError(t, f.manager.EnsureFresh(context.Background()))
		require.Equal(t, int32(1), f.calls.Load())
	})
}

func TestManager_TransientFailuresExhaustRetries(t *testing.T) {
	f := newFixture(t, func(context.Context, int32, string) (*refresh.Result, error) {
		return nil, fmt.Errorf("%w: status 503", errors.ErrRefreshTransient)
	})
	var terminal atomic.Int32
	f.manager.SetTerminalHandler(func(error) { terminal.Add(1) })
	var failed atomic.Int32
	events.SubscribeTo(f.bus, func(events.AuthenticationFailed) { failed.Add(1) })

	require.NoError(t, f.manager.Login(context.Background(), credentials.Pair{
		AccessToken:  tokentest.Mint("user-1", start.Add(time.Hour)),
		RefreshToken: "refresh-0",
	}))

	errCh := make(chan error, 1)
	go func() {
		_, err := f.manager.Refresh(context.Background())
		errCh <- err
	}()

	// One pending timer is the proactive refresh; the second is the backoff.
	f.clock.BlockUntil(2)
	require.Equal(t, refresh.StateRetryScheduled, f.manager.State())
	f.clock.Advance(time.Second)
	f.clock.BlockUntil(2)
	f.clock.Advance(2 * time.Second)

	err := <-errCh
	require.ErrorIs(t, err, errors.ErrRetriesExhausted)
	require.Equal(t, int32(3), f.calls.Load())
	require.Equal(t, int32(1), terminal.Load())
	require.Equal(t, int32(1), failed.Load())
	require.Equal(t, refresh.StateFailedTerminal, f.manager.State())
	require.Nil(t, f.manager.Pair())
	require.Equal(t, 0, f.clock.Pending())

	_, err = f.manager.Refresh(context.Background())
	require.ErrorIs(t, err, errors.ErrNoCredential)
	require.Equal(t, int32(1), terminal.Load())
}

func TestManager_TerminalFailure(t *testing.T) {
	t.Run("clears storage without a handler", func(t *testing.T) {
		f := newFixture(t, func(context.Context, int32, string) (*refresh.Result, error) {
			return nil, fmt.Errorf("%w: invalid_grant", errors.ErrRefreshTerminal)
		})
		require.NoError(t, f.manager.Login(context.Background(), credentials.Pair{
			AccessToken:  tokentest.Mint("user-1", start.Add(time.Hour)),
			RefreshToken: "refresh-0",
		}))

		_, err := f.manager.Refresh(context.Background())
		require.ErrorIs(t, err, errors.ErrRefreshTerminal)
		require.Equal(t, int32(1), f.calls.Load())
		require.Nil(t, f.store.Get(context.Background()))
	})

	t.Run("adopts a rotation made by another tab", func(t *testing.T) {
		f := newFixture(t, func(context.Context, int32, string) (*refresh.Result, error) {
			return nil, fmt.Errorf("%w: invalid_grant", errors.ErrRefreshTerminal)
		})
		var terminal atomic.Int32
		f.manager.SetTerminalHandler(func(error) { terminal.Add(1) })
		require.NoError(t, f.manager.Login(context.Background(), credentials.Pair{
			AccessToken:  tokentest.Mint("user-1", start.Add(time.Hour)),
			RefreshToken: "refresh-0",
		}))

		otherTab := credentials.NewStore(f.origin.NewTab(), credentials.WithClock(f.clock))
		rotated := tokentest.Mint("user-1", start.Add(2*time.Hour))
		require.NoError(t, otherTab.Set(context.Background(), credentials.Pair{AccessToken: rotated, RefreshToken: "refresh-elsewhere"}))

		access, err := f.manager.Refresh(context.Background())
		require.NoError(t, err)
		require.Equal(t, rotated, access)
		require.Equal(t, int32(0), terminal.Load())
		require.Equal(t, int32(0), f.calls.Load(), "the stored pair is adopted before calling the endpoint")
		require.Equal(t, "refresh-elsewhere", f.manager.Pair().RefreshToken)
	})
}

func TestManager_RefreshLease(t *testing.T) {
	login := func(t *testing.T, f *fixture) *credentials.Store {
		t.Helper()
		require.NoError(t, f.manager.Login(context.Background(), credentials.Pair{
			AccessToken:  tokentest.Mint("user-1", start.Add(time.Hour)),
			RefreshToken: "refresh-0",
		}))
		otherTab := credentials.NewStore(f.origin.NewTab(), credentials.WithClock(f.clock))
		_, acquired, err := otherTab.AcquireRefreshLease(context.Background(), "other-tab", time.Minute)
		require.NoError(t, err)
		require.True(t, acquired)
		return otherTab
	}

	t.Run("waits for the lease holder's pair", func(t *testing.T) {
		f := newFixture(t, func(_ context.Context, call int32, _ string) (*refresh.Result, error) {
			return freshResult(call), nil
		})
		otherTab := login(t, f)

		type outcome struct {
			access string
			err    error
		}
		done := make(chan outcome, 1)
		go func() {
			access, err := f.manager.Refresh(context.Background())
			done <- outcome{access, err}
		}()

		// Proactive refresh timer plus the wait for the lease.
		f.clock.BlockUntil(2)
		rotated := tokentest.Mint("user-1", start.Add(2*time.Hour))
		require.NoError(t, otherTab.Set(context.Background(), credentials.Pair{AccessToken: rotated, RefreshToken: "refresh-elsewhere"}))
		require.NoError(t, otherTab.ReleaseRefreshLease(context.Background(), "other-tab"))
		require.True(t, f.manager.Reload(context.Background()))

		got := <-done
		require.NoError(t, got.err)
		require.Equal(t, rotated, got.access)
		require.Equal(t, int32(0), f.calls.Load())
	})

	t.Run("takes over when the holder never finishes", func(t *testing.T) {
		f := newFixture(t, func(_ context.Context, call int32, _ string) (*refresh.Result, error) {
			return freshResult(call), nil
		})
		login(t, f)

		done := make(chan error, 1)
		go func() {
			_, err := f.manager.Refresh(context.Background())
			done <- err
		}()

		f.clock.BlockUntil(2)
		require.Equal(t, int32(0), f.calls.Load())
		f.clock.Advance(time.Minute)

		require.NoError(t, <-done)
		require.Equal(t, int32(1), f.calls.Load())
		require.Equal(t, "refresh-1", f.manager.Pair().RefreshToken)
	})
}

func TestManager_LogoutRejectsWaiters(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, _ int32, _ string) (*refresh.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	var terminal atomic.Int32
	f.manager.SetTerminalHandler(func(error) { terminal.Add(1) })
	require.NoError(t, f.manager.Login(context.Background(), credentials.Pair{
		AccessToken:  tokentest.Mint("user-1", start.Add(time.Hour)),
		RefreshToken: "refresh-0",
	}))

	errCh := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := f.manager.Refresh(context.Background())
			errCh <- err
		}()
	}
	require.Eventually(t, func() bool { return f.manager.Waiting() == 2 }, time.Second, time.Millisecond)

	held, err := f.manager.Logout(context.Background())
	require.NoError(t, err)
	require.True(t, held)
	require.ErrorIs(t, <-errCh, errors.ErrLoggedOut)
	require.ErrorIs(t, <-errCh, errors.ErrLoggedOut)

	require.Nil(t, f.store.Get(context.Background()))
	require.Empty(t, f.origin.Snapshot()[credentials.KeyAccessToken])
	require.Equal(t, 0, f.clock.Pending())
	require.Equal(t, int32(0), terminal.Load())

	held, err = f.manager.Logout(context.Background())
	require.NoError(t, err)
	require.False(t, held)
}

func TestManager_IsAuthenticated(t *testing.T) {
	tests := []struct {
		name string
		pair *credentials.Pair
		want bool
	}{
		{
			name: "no credentials",
			want: false,
		},
		{
			name: "valid access token",
			pair: &credentials.Pair{AccessToken: tokentest.Mint("u", start.Add(time.Hour)), RefreshToken: "r"},
			want: true,
		},
		{
			name: "valid access token without refresh token",
			pair: &credentials.Pair{AccessToken: tokentest.Mint("u", start.Add(time.Hour))},
			want: true,
		},
		{
			name: "expired access token with usable refresh token",
			pair: &credentials.Pair{AccessToken: tokentest.Mint("u", start.Add(-time.Minute)), RefreshToken: "opaque"},
			want: true,
		},
		{
			name: "expired access token without refresh token",
			pair: &credentials.Pair{AccessToken: tokentest.Mint("u", start.Add(-time.Minute))},
			want: false,
		},
		{
			name: "expired access and refresh tokens",
			pair: &credentials.Pair{
				AccessToken:  tokentest.Mint("u", start.Add(-time.Minute)),
				RefreshToken: tokentest.Mint("u", start.Add(-time.Second)),
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(ctx context.Context, _ int32, _ string) (*refresh.Result, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			})
			if tt.pair != nil {
				require.NoError(t, f.manager.Login(context.Background(), *tt.pair))
			}
			require.Equal(t, tt.want, f.manager.IsAuthenticated())
		})
	}
}

func TestManager_AccessToken(t *testing.T) {
	f := newFixture(t, func(_ context.Context, call int32, _ string) (*refresh.Result, error) {
		return freshResult(call), nil
	})
	_, err := f.manager.AccessToken(context.Background())
	require.ErrorIs(t, err, errors.ErrNoCredential)

	access := tokentest.Mint("user-1", start.Add(time.Hour))
	require.NoError(t, f.manager.Login(context.Background(), credentials.Pair{AccessToken: access, RefreshToken: "refresh-0"}))
	got, err := f.manager.AccessToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, access, got)
	require.Equal(t, int32(0), f.calls.Load())

	tok, err := f.manager.TokenSource().Token()
	require.NoError(t, err)
	require.Equal(t, access, tok.AccessToken)
	require.True(t, tok.Expiry.Equal(start.Add(time.Hour)))
}
