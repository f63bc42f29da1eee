package sessions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jrsteele09/go-session-keeper/activity"
	"github.com/jrsteele09/go-session-keeper/clock"
	"github.com/jrsteele09/go-session-keeper/credentials"
	"github.com/jrsteele09/go-session-keeper/events"
	"github.com/jrsteele09/go-session-keeper/internal/errors"
	"github.com/jrsteele09/go-session-keeper/metrics"
	"github.com/jrsteele09/go-session-keeper/token/refresh"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Orchestrator is the single owner of the session state.
type Orchestrator struct {
	manager *refresh.Manager
	monitor *activity.Monitor
	store   *credentials.Store
	bus     *events.Bus
	clock   clock.Clock
	logger  zerolog.Logger

	validator      Validator
	returnLocation func() string

	heartbeatInterval time.Duration
	graceDelay        time.Duration
	warningHorizon    time.Duration

	queue    *OfflineQueue
	saveWork *saveWorkRegistry

	mu            sync.Mutex
	state         State
	beforeOffline State
	running       bool
	heartbeat     clock.Timer
	grace         clock.Timer
	warned        bool
	draining      bool
	epoch         uint64 // bumped whenever a session begins or ends
	unsubscribe   func()
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithClock sets the clock used for the heartbeat and grace timers.
func WithClock(c clock.Clock) OrchestratorOption {
	return func(o *Orchestrator) {
		o.clock = c
	}
}

// WithLogger sets the logger. Defaults to the global zerolog logger.
func WithLogger(logger zerolog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithBus must be given the same bus as the refresh manager.
func WithBus(bus *events.Bus) OrchestratorOption {
	return func(o *Orchestrator) {
		o.bus = bus
	}
}

// WithValidator enables the heartbeat validation ping.
func WithValidator(v Validator) OrchestratorOption {
	return func(o *Orchestrator) {
		o.validator = v
	}
}

// WithReturnLocation supplies where the user should land after signing in
// again. It is read when authentication becomes required.
func WithReturnLocation(fn func() string) OrchestratorOption {
	return func(o *Orchestrator) {
		o.returnLocation = fn
	}
}

// WithHeartbeatInterval sets the time between heartbeats.
func WithHeartbeatInterval(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		o.heartbeatInterval = d
	}
}

// WithGraceDelay sets how long EXPIRING lasts before credentials are cleared.
func WithGraceDelay(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		o.graceDelay = d
	}
}

// WithRefreshWarningHorizon sets how close to its expiry the refresh token
// must be before the session enters WARNING.
func WithRefreshWarningHorizon(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		o.warningHorizon = d
	}
}

// NewOrchestrator wires itself into the manager and monitor: it becomes the
// manager's terminal handler and refresh gate and the monitor's change
// handler.
func NewOrchestrator(manager *refresh.Manager, monitor *activity.Monitor, store *credentials.Store, options ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		manager:           manager,
		monitor:           monitor,
		store:             store,
		logger:            log.Logger,
		returnLocation:    func() string { return "" },
		heartbeatInterval: 5 * time.Minute,
		graceDelay:        5 * time.Second,
		warningHorizon:    24 * time.Hour,
		queue:             NewOfflineQueue(),
		saveWork:          newSaveWorkRegistry(),
		state:             StateUnauthenticated,
	}
	for _, opt := range options {
		opt(o)
	}
	if o.clock == nil {
		o.clock = clock.New()
	}
	if o.bus == nil {
		o.bus = events.NewBus()
	}
	o.logger = o.logger.With().Str("component", "sessions").Logger()

	manager.SetTerminalHandler(o.onTerminal)
	manager.SetRefreshGate(func() bool { return !monitor.ShouldWarn() })
	monitor.OnChange(o.onEngagement)
	o.unsubscribe = events.SubscribeTo(o.bus, o.onRefreshed)
	return o
}

// State returns the current session state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Queue returns the queue of operations waiting for connectivity.
func (o *Orchestrator) Queue() *OfflineQueue {
	return o.queue
}

// RegisterSaveWork adds a provider to the save-work hook. The returned
// function unregisters it.
func (o *Orchestrator) RegisterSaveWork(name string, provider SaveWorkProvider) func() {
	return o.saveWork.register(name, provider)
}

// Start resumes a persisted session if there is one. The manager must have
// been started first. It reports whether a session is running.
func (o *Orchestrator) Start() bool {
	if !o.manager.IsAuthenticated() {
		return false
	}
	return o.Activate()
}

// Activate begins a session: engagement is reset, the heartbeat armed and
// the state set to ACTIVE. It refuses, and reports false, when the manager
// holds no pair or has already given up on it.
func (o *Orchestrator) Activate() bool {
	if o.manager.Pair() == nil || o.manager.State() == refresh.StateFailedTerminal {
		o.logger.Warn().Str("refresh_state", o.manager.State().String()).Msg("No usable credential, session not activated")
		return false
	}

	o.mu.Lock()
	if !o.running {
		o.epoch++
		if dropped := o.queue.Clear(); dropped > 0 {
			o.logger.Info().Int("dropped", dropped).Msg("Discarded operations queued before this session")
		}
	}
	o.stopTimerLocked(&o.grace)
	o.warned = false
	o.running = true
	o.armHeartbeatLocked()
	o.mu.Unlock()

	o.monitor.Reset()
	o.monitor.Start()
	o.transition(StateActive)

	// A logout or terminal failure may have landed between the check above
	// and the transition.
	if o.manager.Pair() == nil {
		o.onTerminal(errors.ErrNoCredential)
		return false
	}
	return true
}

// Close stops every timer without ending the session.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.running = false
	o.stopTimerLocked(&o.heartbeat)
	o.stopTimerLocked(&o.grace)
	unsubscribe := o.unsubscribe
	o.unsubscribe = nil
	o.mu.Unlock()

	o.monitor.Stop()
	if unsubscribe != nil {
		unsubscribe()
	}
}

// Logout ends the session locally. Calling it again is a no-op.
func (o *Orchestrator) Logout(ctx context.Context) error {
	return o.end(ctx, events.ReasonLoggedOut)
}

// HandleExternalLogout applies a logout performed by another tab. Nothing is
// saved and no refresh is attempted.
func (o *Orchestrator) HandleExternalLogout(ctx context.Context) {
	if err := o.end(ctx, events.ReasonLoggedOutElsewhere); err != nil {
		o.logger.Err(err).Msg("Applying external logout failed")
	}
}

// HandleExternalRefresh is called after the manager reloaded credentials
// written by another tab.
func (o *Orchestrator) HandleExternalRefresh() {
	switch o.State() {
	case StateUnauthenticated:
		if o.manager.IsAuthenticated() {
			o.logger.Info().Msg("Session started in another tab")
			o.Activate()
		}
	case StateExpiring:
		if o.manager.Pair() == nil {
			return
		}
		o.mu.Lock()
		o.stopTimerLocked(&o.grace)
		if o.running {
			o.armHeartbeatLocked()
		}
		o.mu.Unlock()
		o.logger.Info().Msg("Session rescued by a refresh in another tab")
		o.transition(StateActive, StateExpiring)
	default:
		o.checkRefreshHorizon()
	}
}

// SetOnline is the environment's connectivity signal. Going offline records
// the current state; coming back restores it and replays queued writes.
func (o *Orchestrator) SetOnline(ctx context.Context, online bool) {
	if !online {
		o.transition(StateOffline, StateActive, StateIdle, StateWarning)
		return
	}

	o.mu.Lock()
	if o.state != StateOffline {
		o.mu.Unlock()
		return
	}
	restore := o.beforeOffline
	o.mu.Unlock()

	// Engagement may have changed while offline.
	switch {
	case restore == StateActive && o.monitor.IsIdle():
		restore = StateIdle
	case restore == StateIdle && !o.monitor.IsIdle():
		restore = StateActive
	}
	if _, ok := o.transition(restore, StateOffline); ok {
		o.drain(ctx)
	}
}

// Do runs a write operation on behalf of the session. While offline the
// operation is queued; a connectivity failure queues it and takes the
// session offline. A rejected access token is refreshed once and the
// operation retried.
func (o *Orchestrator) Do(ctx context.Context, name string, op Operation) error {
	o.mu.Lock()
	state := o.state
	if !state.Authenticated() {
		o.mu.Unlock()
		return fmt.Errorf("%w: session is %s", errors.ErrNoCredential, state)
	}
	// Enqueued under mu so a drain cannot finish between the check and the
	// enqueue.
	if state == StateOffline || o.draining {
		o.queue.Enqueue(name, op, o.clock.Now())
		o.mu.Unlock()
		return fmt.Errorf("%w: %s queued for replay", errors.ErrOffline, name)
	}
	epoch := o.epoch
	o.mu.Unlock()

	err := o.run(ctx, op)
	switch {
	case err == nil:
		o.monitor.RecordActivity(activity.KindAPICall)
		return nil
	case errors.IsConnectivity(err):
		if !o.enqueueFor(epoch, name, op) {
			return fmt.Errorf("%w: %s not queued: %w", errors.ErrLoggedOut, name, err)
		}
		o.SetOnline(ctx, false)
		return fmt.Errorf("%w: %s queued for replay: %w", errors.ErrOffline, name, err)
	}
	return err
}

// enqueueFor queues op only if the session that ran it is still live.
func (o *Orchestrator) enqueueFor(epoch uint64, name string, op Operation) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.epoch != epoch || !o.state.Authenticated() {
		return false
	}
	o.queue.Enqueue(name, op, o.clock.Now())
	return true
}

func (o *Orchestrator) run(ctx context.Context, op Operation) error {
	err := op(ctx)
	if !errors.Is(err, errors.ErrUnauthorized) {
		return err
	}
	if _, refreshErr := o.manager.Refresh(ctx); refreshErr != nil {
		return fmt.Errorf("%w: refresh failed: %w", err, refreshErr)
	}
	return op(ctx)
}

// drain replays queued operations one at a time in enqueue order. It only
// replays for the session that was live when it started.
func (o *Orchestrator) drain(ctx context.Context) {
	o.mu.Lock()
	if o.draining || !o.running {
		o.mu.Unlock()
		return
	}
	o.draining = true
	epoch := o.epoch
	o.mu.Unlock()

	for {
		entries, ok := o.nextBatch(epoch)
		if !ok {
			return
		}
		for i, e := range entries {
			if !o.replayable(epoch) {
				o.stopDraining(epoch, entries[i:])
				return
			}

			err := o.run(ctx, e.Operation)
			switch {
			case err == nil:
				metrics.RecordOfflineReplay("success")
				o.monitor.RecordActivity(activity.KindAPICall)
			case errors.IsConnectivity(err):
				metrics.RecordOfflineReplay("requeued")
				o.logger.Warn().Err(err).Str("operation", e.Name).Int("remaining", len(entries)-i).Msg("Connectivity lost during replay")
				o.stopDraining(epoch, entries[i:])
				o.SetOnline(ctx, false)
				return
			default:
				metrics.RecordOfflineReplay("dropped")
				o.logger.Err(err).Str("operation", e.Name).Msg("Queued operation failed, dropping")
			}
		}
	}
}

// nextBatch takes everything queued. An empty queue ends the drain in the
// same critical section Do checks draining in.
func (o *Orchestrator) nextBatch(epoch uint64) ([]Entry, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.epoch != epoch {
		return nil, false
	}
	entries := o.queue.TakeAll()
	if len(entries) == 0 {
		o.draining = false
		return nil, false
	}
	return entries, true
}

func (o *Orchestrator) replayable(epoch uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.epoch == epoch && o.state.Authenticated() && o.state != StateOffline
}

// stopDraining puts rest back at the head of the queue. If the session
// ended meanwhile rest is dropped instead: it belongs to the previous user.
func (o *Orchestrator) stopDraining(epoch uint64, rest []Entry) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.epoch != epoch {
		for range rest {
			metrics.RecordOfflineReplay("dropped")
		}
		if len(rest) > 0 {
			o.logger.Info().Int("dropped", len(rest)).Msg("Session ended during replay, discarding remaining operations")
		}
		return
	}
	o.draining = false
	o.queue.PushFront(rest)
}

// transition is the only writer of the session state. With allowed states
// given, it only moves from one of them. It notifies on real changes only.
func (o *Orchestrator) transition(to State, allowed ...State) (State, bool) {
	o.mu.Lock()
	from := o.state
	if from == to || (len(allowed) > 0 && !in(from, allowed)) {
		o.mu.Unlock()
		return from, false
	}
	o.state = to
	if to == StateOffline {
		o.beforeOffline = from
	}
	o.mu.Unlock()

	metrics.RecordStateTransition(from.String(), to.String())
	o.logger.Info().Str("from", from.String()).Str("to", to.String()).Msg("Session state changed")
	o.bus.Publish(events.SessionStateChanged{From: from.String(), To: to.String()})
	return from, true
}

func (o *Orchestrator) onEngagement(from, to activity.Level, idleFor time.Duration) {
	switch to {
	case activity.LevelIdle:
		o.transition(StateIdle, StateActive)
		o.bus.Publish(events.UserIdle{})
	case activity.LevelWarning:
		if from == activity.LevelActive {
			o.transition(StateIdle, StateActive)
			o.bus.Publish(events.UserIdle{})
		}
		o.bus.Publish(events.InactivityWarning{IdleFor: idleFor})
	case activity.LevelActive:
		o.transition(StateActive, StateIdle)
		o.bus.Publish(events.UserActive{})
		if o.State().Authenticated() {
			go o.ensureFresh()
		}
	}
}

func (o *Orchestrator) ensureFresh() {
	if err := o.manager.EnsureFresh(context.Background()); err != nil {
		o.logger.Debug().Err(err).Msg("Refresh on resumed activity did not succeed")
	}
}

// onTerminal runs when the manager gives up on the refresh token. Work is
// saved before anything is cleared; the clear happens after the grace delay.
func (o *Orchestrator) onTerminal(cause error) {
	from, ok := o.transition(StateExpiring, StateActive, StateIdle, StateWarning, StateOffline)
	if !ok {
		// No session was activated yet, so there is nothing to save; the
		// rejected pair must not outlive the failure.
		if from == StateUnauthenticated {
			o.logger.Warn().Err(cause).Msg("Credential failed before the session started, clearing")
			if err := o.end(context.Background(), events.ReasonSessionExpired); err != nil {
				o.logger.Err(err).Msg("Clearing failed credential failed")
			}
		}
		return
	}
	o.logger.Warn().Err(cause).Dur("grace", o.graceDelay).Msg("Session expiring")

	ctx := context.Background()
	if blob := o.saveWork.snapshot(ctx, o.logger); blob != nil {
		if err := o.store.SaveSnapshot(ctx, blob); err != nil {
			o.logger.Err(err).Msg("Persisting save-work snapshot failed")
		}
	}

	o.mu.Lock()
	o.stopTimerLocked(&o.heartbeat)
	o.stopTimerLocked(&o.grace)
	o.grace = o.clock.AfterFunc(o.graceDelay, o.onGraceElapsed)
	o.mu.Unlock()
}

func (o *Orchestrator) onGraceElapsed() {
	o.mu.Lock()
	if o.state != StateExpiring {
		o.mu.Unlock()
		return
	}
	o.grace = nil
	o.mu.Unlock()

	if err := o.end(context.Background(), events.ReasonSessionExpired); err != nil {
		o.logger.Err(err).Msg("Clearing expired session failed")
	}
}

// end tears the session down: timers first, then the manager (which rejects
// waiters and clears credentials), then the notification.
func (o *Orchestrator) end(ctx context.Context, reason string) error {
	o.mu.Lock()
	o.epoch++
	o.running = false
	o.draining = false
	o.stopTimerLocked(&o.heartbeat)
	o.stopTimerLocked(&o.grace)
	o.warned = false
	dropped := o.queue.Clear()
	o.mu.Unlock()
	o.monitor.Stop()
	if dropped > 0 {
		o.logger.Info().Int("dropped", dropped).Msg("Discarded queued operations")
	}

	_, err := o.manager.Logout(ctx)
	if err != nil {
		reason = events.ReasonStorageUnavailable
	}

	if _, ok := o.transition(StateUnauthenticated); ok {
		o.bus.Publish(events.AuthenticationRequired{Reason: reason, ReturnLocation: o.returnLocation()})
	}
	return err
}

func (o *Orchestrator) armHeartbeatLocked() {
	o.stopTimerLocked(&o.heartbeat)
	o.heartbeat = o.clock.AfterFunc(o.heartbeatInterval, o.onHeartbeat)
}

func (o *Orchestrator) onHeartbeat() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.armHeartbeatLocked()
	o.mu.Unlock()

	go o.beat(context.Background())
}

// beat re-evaluates the refresh schedule, pings the validation endpoint and
// checks the refresh token's horizon. Nothing here ends a session directly.
func (o *Orchestrator) beat(ctx context.Context) {
	state := o.State()
	if !state.Authenticated() {
		return
	}
	if state != StateOffline {
		if err := o.manager.EnsureFresh(ctx); err != nil {
			o.logger.Debug().Err(err).Msg("Heartbeat refresh did not succeed")
		}
	}
	o.ping(ctx)
	o.checkRefreshHorizon()
}

func (o *Orchestrator) ping(ctx context.Context) {
	if o.validator == nil {
		return
	}
	err := o.validator.Validate(ctx)
	switch {
	case err == nil:
		o.SetOnline(ctx, true)
	case errors.Is(err, errors.ErrUnauthorized):
		o.logger.Info().Msg("Validation rejected access token, refreshing")
		if _, err := o.manager.Refresh(ctx); err != nil {
			o.logger.Debug().Err(err).Msg("Refresh after validation failure did not succeed")
		}
	case errors.IsConnectivity(err):
		o.SetOnline(ctx, false)
	case errors.IsTerminal(err):
		o.onTerminal(err)
	default:
		o.logger.Warn().Err(err).Msg("Session validation failed")
	}
}

func (o *Orchestrator) checkRefreshHorizon() {
	exp, ok := o.manager.RefreshExpiry()
	if !ok || exp.Sub(o.clock.Now()) > o.warningHorizon {
		return
	}
	o.mu.Lock()
	already := o.warned
	o.warned = true
	o.mu.Unlock()

	o.transition(StateWarning, StateActive, StateIdle)
	if !already {
		o.bus.Publish(events.RefreshTokenExpiring{ExpiresAt: exp})
	}
}

// onRefreshed leaves WARNING once a rotation pushed the refresh token's
// expiry back out of the horizon.
func (o *Orchestrator) onRefreshed(events.CredentialRefreshed) {
	exp, ok := o.manager.RefreshExpiry()
	if ok && exp.Sub(o.clock.Now()) <= o.warningHorizon {
		return
	}
	o.mu.Lock()
	o.warned = false
	o.mu.Unlock()

	to := StateActive
	if o.monitor.IsIdle() {
		to = StateIdle
	}
	o.transition(to, StateWarning)
}

func (o *Orchestrator) stopTimerLocked(t *clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
