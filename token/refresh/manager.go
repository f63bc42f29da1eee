package refresh

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-session-keeper/clock"
	"github.com/jrsteele09/go-session-keeper/credentials"
	"github.com/jrsteele09/go-session-keeper/events"
	"github.com/jrsteele09/go-session-keeper/internal/errors"
	"github.com/jrsteele09/go-session-keeper/metrics"
	"github.com/jrsteele09/go-session-keeper/token"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// State is the refresh protocol's internal state.
type State int

const (
	StateIdle State = iota
	StateRefreshing
	StateRetryScheduled
	StateFailedTerminal
)

// String returns the state name used in logs.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE_NO_REFRESH"
	case StateRefreshing:
		return "REFRESHING"
	case StateRetryScheduled:
		return "RETRY_SCHEDULED"
	case StateFailedTerminal:
		return "FAILED_TERMINAL"
	}
	return "UNKNOWN"
}

// TerminalHandler takes over once a refresh fails terminally. Without one the
// manager clears the stored credentials itself.
type TerminalHandler func(err error)

// Manager keeps the access token valid. At most one refresh call is in
// flight at any time; concurrent callers share its outcome.
type Manager struct {
	id     string
	store  *credentials.Store
	client Client
	clock  clock.Clock
	bus    *events.Bus
	logger zerolog.Logger

	buffer         time.Duration
	retryBase      time.Duration
	maxRetries     int
	requestTimeout time.Duration

	group singleflight.Group

	// persistMu orders credential writes against logout so a refresh that
	// settles late can never write credentials back after a clear.
	persistMu sync.Mutex

	mu         sync.Mutex
	pair       *credentials.Pair
	state      State
	attempts   int
	waiting    int
	timer      clock.Timer
	deferred   bool
	gen        uint64
	genCtx     context.Context
	genCancel  context.CancelFunc
	gate       func() bool
	onTerminal TerminalHandler
	closed     bool
	// reloaded is closed and replaced whenever Reload adopts a new pair.
	reloaded chan struct{}
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock sets the clock used for expiry checks and timers.
func WithClock(c clock.Clock) ManagerOption {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithBus sets the bus refresh outcomes are published on.
func WithBus(bus *events.Bus) ManagerOption {
	return func(m *Manager) {
		m.bus = bus
	}
}

// WithLogger sets the logger. Defaults to the global zerolog logger.
func WithLogger(logger zerolog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithExpiryBuffer sets how long before expiry a token counts as expired;
// proactive refreshes fire this long before expiry.
func WithExpiryBuffer(buffer time.Duration) ManagerOption {
	return func(m *Manager) {
		m.buffer = buffer
	}
}

// WithRetryPolicy sets the backoff base and the number of consecutive
// transient failures that end the session.
func WithRetryPolicy(base time.Duration, maxAttempts int) ManagerOption {
	return func(m *Manager) {
		m.retryBase = base
		m.maxRetries = maxAttempts
	}
}

// WithRequestTimeout bounds each call to the refresh endpoint.
func WithRequestTimeout(timeout time.Duration) ManagerOption {
	return func(m *Manager) {
		m.requestTimeout = timeout
	}
}

// NewManager creates a new refresh manager over store and client.
func NewManager(store *credentials.Store, client Client, options ...ManagerOption) *Manager {
	m := &Manager{
		id:       uuid.NewString(),
		store:    store,
		client:   client,
		logger:   log.Logger,
		reloaded: make(chan struct{}),
	}
	for _, opt := range options {
		opt(m)
	}

	if m.clock == nil {
		m.clock = clock.New()
	}
	if m.bus == nil {
		m.bus = events.NewBus()
	}
	if m.buffer == 0 {
		m.buffer = 30 * time.Second
	}
	if m.retryBase == 0 {
		m.retryBase = time.Second
	}
	if m.maxRetries <= 0 {
		m.maxRetries = 3
	}
	if m.requestTimeout == 0 {
		m.requestTimeout = 10 * time.Second
	}
	m.logger = m.logger.With().Str("component", "refresh").Logger()
	m.genCtx, m.genCancel = context.WithCancel(context.Background())
	return m
}

// SetTerminalHandler installs the handler run after a terminal failure.
func (m *Manager) SetTerminalHandler(h TerminalHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTerminal = h
}

// SetRefreshGate installs a predicate consulted before each proactive
// refresh. A refresh skipped by the gate is picked up by EnsureFresh.
func (m *Manager) SetRefreshGate(gate func() bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gate = gate
}

// Start loads the persisted pair and arms the proactive refresh.
func (m *Manager) Start(ctx context.Context) bool {
	return m.Reload(ctx)
}

// Login persists a freshly issued pair and schedules its refresh.
func (m *Manager) Login(ctx context.Context, pair credentials.Pair) error {
	pair.PersistedAt = m.clock.Now()

	m.persistMu.Lock()
	err := m.store.Set(ctx, pair)
	m.persistMu.Unlock()
	if err != nil {
		return errors.Wrapf(err, "[Manager.Login]")
	}

	m.mu.Lock()
	m.pair = &pair
	m.state = StateIdle
	m.attempts = 0
	m.deferred = false
	m.mu.Unlock()

	if _, err := token.Parse(pair.AccessToken); err != nil {
		m.logger.Warn().Err(err).Msg("Issued access token is not a JWT, it will be refreshed on first use")
	}
	m.ScheduleProactiveRefresh()
	return nil
}

// Reload replaces the in-memory pair with whatever is persisted. It is how a
// tab adopts a refresh performed by another tab.
func (m *Manager) Reload(ctx context.Context) bool {
	latest := m.store.Get(ctx)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	if latest != nil && (m.pair == nil || m.pair.AccessToken != latest.AccessToken) {
		close(m.reloaded)
		m.reloaded = make(chan struct{})
	}
	m.pair = latest
	if latest != nil {
		m.attempts = 0
		if m.state == StateFailedTerminal {
			m.state = StateIdle
		}
	}
	m.mu.Unlock()

	if latest == nil {
		m.stopTimer()
		return false
	}
	m.ScheduleProactiveRefresh()
	return true
}

// Pair returns a copy of the in-memory pair, or nil.
func (m *Manager) Pair() *credentials.Pair {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pair == nil {
		return nil
	}
	p := *m.pair
	return &p
}

// State returns the refresh protocol state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Waiting reports how many callers are currently waiting on a refresh.
func (m *Manager) Waiting() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waiting
}

// RefreshExpiry returns when the refresh token stops being usable, if known.
func (m *Manager) RefreshExpiry() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pair.RefreshExpiry()
}

// IsAuthenticated is optimistic: an expired access token backed by a usable
// refresh token still counts, and a background refresh is started.
func (m *Manager) IsAuthenticated() bool {
	m.mu.Lock()
	pair, state := m.pair, m.state
	m.mu.Unlock()

	if pair == nil {
		return false
	}
	now := m.clock.Now()
	if !token.IsExpired(pair.AccessToken, m.buffer, now) {
		return true
	}
	if state != StateFailedTerminal && pair.RefreshUsable(now) {
		go m.refreshInBackground("opportunistic")
		return true
	}
	return false
}

// AccessToken returns a usable access token, refreshing first if needed.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	pair := m.Pair()
	if pair == nil {
		return "", errors.ErrNoCredential
	}
	now := m.clock.Now()
	if !token.IsExpired(pair.AccessToken, m.buffer, now) {
		return pair.AccessToken, nil
	}
	if !pair.RefreshUsable(now) {
		return "", errors.ErrNoCredential
	}
	return m.Refresh(ctx)
}

// Refresh obtains a new access token. If a refresh is already running the
// caller waits for that one instead of starting another. Logout rejects
// every waiter with errors.ErrLoggedOut.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	return m.refresh(ctx, "")
}

// refresh joins or starts the flight. stale is the access token the caller
// wants replaced; empty means the one currently held.
func (m *Manager) refresh(ctx context.Context, stale string) (string, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", errors.ErrClosed
	}
	if stale == "" && m.pair != nil {
		stale = m.pair.AccessToken
	}
	gen, genCtx := m.gen, m.genCtx
	ch := m.group.DoChan(strconv.FormatUint(gen, 10), func() (any, error) {
		return m.runRefresh(genCtx, gen, stale)
	})
	m.waiting++
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.waiting--
		m.mu.Unlock()
	}()

	select {
	case res := <-ch:
		if res.Shared {
			metrics.RecordCoalescedWaiter()
		}
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-genCtx.Done():
		return "", errors.ErrLoggedOut
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// EnsureFresh refreshes now if the access token is inside the buffer and
// otherwise makes sure a proactive refresh is armed.
func (m *Manager) EnsureFresh(ctx context.Context) error {
	m.mu.Lock()
	pair := m.pair
	armed := m.timer != nil
	m.deferred = false
	m.mu.Unlock()

	if pair == nil {
		return errors.ErrNoCredential
	}
	if token.IsExpired(pair.AccessToken, m.buffer, m.clock.Now()) {
		_, err := m.Refresh(ctx)
		return err
	}
	if !armed {
		m.ScheduleProactiveRefresh()
	}
	return nil
}

// ScheduleProactiveRefresh arms a one-shot refresh at expiry minus the
// buffer. A non-positive lead time refreshes immediately. The lead time is
// returned.
func (m *Manager) ScheduleProactiveRefresh() time.Duration {
	m.mu.Lock()
	m.stopTimerLocked()
	if m.closed || m.pair == nil {
		m.mu.Unlock()
		return 0
	}
	var lead time.Duration
	if exp, ok := token.ExpiresAt(m.pair.AccessToken); ok {
		lead = exp.Sub(m.clock.Now()) - m.buffer
	}
	gen := m.gen
	if lead > 0 {
		m.armLocked(gen, lead)
		m.mu.Unlock()
		m.logger.Debug().Dur("lead", lead).Msg("Proactive refresh scheduled")
		return lead
	}
	m.mu.Unlock()

	go m.refreshInBackground("immediate")
	return lead
}

// Logout cancels the refresh timer, rejects pending waiters, then clears the
// stored pair, in that order. It reports whether a credential was held.
func (m *Manager) Logout(ctx context.Context) (bool, error) {
	m.mu.Lock()
	m.stopTimerLocked()
	m.genCancel()
	m.gen++
	m.genCtx, m.genCancel = context.WithCancel(context.Background())
	held := m.pair != nil
	m.pair = nil
	m.state = StateIdle
	m.attempts = 0
	m.deferred = false
	m.mu.Unlock()

	m.persistMu.Lock()
	err := m.store.Clear(ctx)
	m.persistMu.Unlock()
	if err != nil {
		m.logger.Err(err).Msg("Clearing credentials on logout failed")
	}
	return held, err
}

// Close stops all timers and rejects waiters without touching storage.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.stopTimerLocked()
	m.genCancel()
	m.gen++
}

// runRefresh drives one flight. Only the tab holding the refresh lease calls
// the endpoint; the others wait for its pair to be reloaded.
func (m *Manager) runRefresh(ctx context.Context, gen uint64, stale string) (string, error) {
	metrics.RefreshStarted()
	defer metrics.RefreshFinished()

	leased := false
	defer func() {
		if !leased {
			return
		}
		if err := m.store.ReleaseRefreshLease(context.Background(), m.id); err != nil {
			m.logger.Debug().Err(err).Msg("Releasing refresh lease failed")
		}
	}()

	for {
		m.mu.Lock()
		if m.gen != gen {
			m.mu.Unlock()
			return "", errors.ErrLoggedOut
		}
		pair, prevState, reloaded := m.pair, m.state, m.reloaded
		m.state = StateRefreshing
		m.mu.Unlock()

		if pair == nil {
			m.setState(gen, prevState)
			return "", errors.ErrNoCredential
		}
		if pair.AccessToken != stale && !token.IsExpired(pair.AccessToken, m.buffer, m.clock.Now()) {
			m.setState(gen, StateIdle)
			return pair.AccessToken, nil
		}
		if !pair.RefreshUsable(m.clock.Now()) {
			if prevState == StateFailedTerminal {
				return "", fmt.Errorf("%w: %w", errors.ErrRefreshTerminal, errors.ErrNoCredential)
			}
			return "", m.failTerminal(gen, fmt.Errorf("%w: refresh token missing or expired", errors.ErrRefreshTerminal))
		}
		if access, ok := m.adoptNewer(ctx, gen, pair); ok {
			return access, nil
		}

		lease, acquired, err := m.store.AcquireRefreshLease(ctx, m.id, 2*m.requestTimeout)
		switch {
		case err != nil:
			m.logger.Debug().Err(err).Msg("Refresh lease unavailable, refreshing without it")
		case !acquired:
			m.logger.Debug().Time("until", lease.Until).Msg("Another tab is refreshing, waiting for its result")
			if err := m.awaitOtherTab(ctx, reloaded, lease.Until); err != nil {
				return "", errors.ErrLoggedOut
			}
			continue
		default:
			leased = true
			// The previous holder may have persisted just before the claim.
			if access, ok := m.adoptNewer(ctx, gen, pair); ok {
				return access, nil
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, m.requestTimeout)
		result, err := m.client.Refresh(callCtx, pair.RefreshToken)
		cancel()
		if !m.isCurrent(gen) {
			return "", errors.ErrLoggedOut
		}

		if err == nil {
			metrics.RecordRefreshAttempt("success")
			return m.apply(ctx, gen, pair, result)
		}

		err = Classify(err)
		if errors.Is(err, errors.ErrRefreshTerminal) {
			metrics.RecordRefreshAttempt("terminal")
			if access, ok := m.adoptNewer(ctx, gen, pair); ok {
				return access, nil
			}
			return "", m.failTerminal(gen, err)
		}

		metrics.RecordRefreshAttempt("transient")
		m.mu.Lock()
		m.attempts++
		attempts := m.attempts
		m.mu.Unlock()
		if attempts >= m.maxRetries {
			return "", m.failTerminal(gen, fmt.Errorf("%w after %d attempts: %w", errors.ErrRetriesExhausted, attempts, err))
		}

		delay := m.retryBase * time.Duration(1<<(attempts-1))
		m.logger.Warn().Err(err).Int("attempt", attempts).Dur("delay", delay).Msg("Refresh failed, retrying")
		if !m.setState(gen, StateRetryScheduled) {
			return "", errors.ErrLoggedOut
		}
		if err := clock.Sleep(ctx, m.clock, delay); err != nil {
			return "", errors.ErrLoggedOut
		}
	}
}

func (m *Manager) apply(ctx context.Context, gen uint64, used *credentials.Pair, result *Result) (string, error) {
	next := credentials.Pair{
		AccessToken:      result.AccessToken,
		RefreshToken:     result.RefreshToken,
		RefreshExpiresAt: result.RefreshExpiresAt,
		PersistedAt:      m.clock.Now(),
	}
	if next.RefreshToken == "" {
		next.RefreshToken = used.RefreshToken
	}
	if next.RefreshExpiresAt.IsZero() && next.RefreshToken == used.RefreshToken {
		next.RefreshExpiresAt = used.RefreshExpiresAt
	}

	m.persistMu.Lock()
	if !m.isCurrent(gen) {
		m.persistMu.Unlock()
		return "", errors.ErrLoggedOut
	}
	err := m.store.Set(ctx, next)
	m.persistMu.Unlock()
	if err != nil {
		return "", m.failTerminal(gen, errors.Wrapf(err, "[Manager.apply] persisting refreshed pair"))
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return "", errors.ErrLoggedOut
	}
	m.pair = &next
	m.state = StateIdle
	m.attempts = 0
	m.scheduleAfterRefreshLocked(gen)
	m.mu.Unlock()

	claims, err := token.Parse(next.AccessToken)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Refreshed access token is not a JWT, it will be refreshed on next use")
	} else {
		m.logger.Info().Str("sub", claims.SubjectID).Time("expires_at", claims.ExpiresAt).
			Bool("rotated", next.RefreshToken != used.RefreshToken).Msg("Access token refreshed")
	}
	m.bus.Publish(events.CredentialRefreshed{AccessToken: next.AccessToken})
	return next.AccessToken, nil
}

// adoptNewer takes a pair another tab persisted after used was read, as
// long as its access token is still outside the buffer.
func (m *Manager) adoptNewer(ctx context.Context, gen uint64, used *credentials.Pair) (string, bool) {
	latest := m.store.Get(ctx)
	if latest == nil || (latest.AccessToken == used.AccessToken && latest.RefreshToken == used.RefreshToken) {
		return "", false
	}
	if token.IsExpired(latest.AccessToken, m.buffer, m.clock.Now()) {
		return "", false
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return "", false
	}
	m.pair = latest
	m.state = StateIdle
	m.attempts = 0
	m.scheduleAfterRefreshLocked(gen)
	m.mu.Unlock()

	m.logger.Info().Msg("Adopted credentials rotated by another tab")
	m.bus.Publish(events.CredentialRefreshed{AccessToken: latest.AccessToken})
	return latest.AccessToken, true
}

func (m *Manager) failTerminal(gen uint64, cause error) error {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return errors.ErrLoggedOut
	}
	m.state = StateFailedTerminal
	m.attempts = 0
	m.pair = nil
	m.stopTimerLocked()
	handler := m.onTerminal
	m.mu.Unlock()

	m.logger.Err(cause).Msg("Refresh failed terminally")
	m.bus.Publish(events.AuthenticationFailed{Err: cause})

	if handler != nil {
		handler(cause)
		return cause
	}
	m.persistMu.Lock()
	if m.isCurrent(gen) {
		if err := m.store.Clear(context.Background()); err != nil {
			m.logger.Err(err).Msg("Clearing credentials after terminal failure failed")
		}
	}
	m.persistMu.Unlock()
	return cause
}

// awaitOtherTab returns once this tab reloads another tab's pair or the
// other tab's lease runs out.
func (m *Manager) awaitOtherTab(ctx context.Context, reloaded <-chan struct{}, until time.Time) error {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-reloaded:
			cancel()
		case <-waitCtx.Done():
		}
	}()
	_ = clock.Sleep(waitCtx, m.clock, until.Sub(m.clock.Now()))
	return ctx.Err()
}

func (m *Manager) refreshInBackground(reason string) {
	pair := m.Pair()
	if pair == nil {
		return
	}
	if !token.IsExpired(pair.AccessToken, m.buffer, m.clock.Now()) {
		m.logger.Debug().Str("reason", reason).Msg("Access token already replaced, skipping refresh")
		return
	}
	if _, err := m.refresh(context.Background(), pair.AccessToken); err != nil && !errors.Is(err, errors.ErrLoggedOut) && !errors.Is(err, errors.ErrClosed) {
		m.logger.Debug().Err(err).Str("reason", reason).Msg("Background refresh did not succeed")
	}
}

func (m *Manager) onTimer(gen uint64) {
	m.mu.Lock()
	if m.gen != gen || m.closed {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	gate := m.gate
	m.mu.Unlock()

	if gate != nil && !gate() {
		m.mu.Lock()
		m.deferred = true
		m.mu.Unlock()
		m.logger.Debug().Msg("Proactive refresh deferred by gate")
		return
	}
	go m.refreshInBackground("proactive")
}

// scheduleAfterRefreshLocked arms the next refresh. A fresh token that is
// already inside the buffer waits at least one backoff interval rather than
// refreshing in a tight loop.
func (m *Manager) scheduleAfterRefreshLocked(gen uint64) {
	m.stopTimerLocked()
	lead := m.retryBase
	if exp, ok := token.ExpiresAt(m.pair.AccessToken); ok {
		if l := exp.Sub(m.clock.Now()) - m.buffer; l > lead {
			lead = l
		}
	}
	m.armLocked(gen, lead)
}

func (m *Manager) armLocked(gen uint64, lead time.Duration) {
	m.timer = m.clock.AfterFunc(lead, func() { m.onTimer(gen) })
}

func (m *Manager) stopTimer() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopTimerLocked()
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) isCurrent(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen == gen && !m.closed
}

func (m *Manager) setState(gen uint64, s State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return false
	}
	m.state = s
	return true
}
