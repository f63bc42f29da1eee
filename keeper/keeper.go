// Package keeper is the composition root. It builds one tab's worth of
// session services, wires them together, and tears them down as a unit.
package keeper

import (
	"context"
	"fmt"

	"github.com/jrsteele09/go-session-keeper/activity"
	"github.com/jrsteele09/go-session-keeper/clock"
	"github.com/jrsteele09/go-session-keeper/credentials"
	"github.com/jrsteele09/go-session-keeper/crosstab"
	"github.com/jrsteele09/go-session-keeper/events"
	"github.com/jrsteele09/go-session-keeper/internal/config"
	"github.com/jrsteele09/go-session-keeper/internal/errors"
	"github.com/jrsteele09/go-session-keeper/sessions"
	"github.com/jrsteele09/go-session-keeper/storage"
	"github.com/jrsteele09/go-session-keeper/token/refresh"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Keeper holds the wired session services of one tab.
type Keeper struct {
	logger  zerolog.Logger
	bus     *events.Bus
	store   *credentials.Store
	manager *refresh.Manager
	monitor *activity.Monitor
	orch    *sessions.Orchestrator
	sync    *crosstab.Synchronizer
}

type options struct {
	clock          clock.Clock
	logger         zerolog.Logger
	validator      sessions.Validator
	returnLocation func() string
}

// Option configures a Keeper.
type Option func(*options)

// WithClock sets the clock shared by every service.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithLogger sets the logger every service derives its own from.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithValidator overrides the HTTP validator built from the configured
// validation URL.
func WithValidator(v sessions.Validator) Option {
	return func(o *options) {
		o.validator = v
	}
}

// WithReturnLocation sets how the location to return to after sign-in is captured.
func WithReturnLocation(fn func() string) Option {
	return func(o *options) {
		o.returnLocation = fn
	}
}

// New builds the services for one tab over kv. Nothing runs until Start.
func New(cfg config.Config, kv storage.KeyValue, client refresh.Client, opts ...Option) *Keeper {
	o := options{
		clock:  clock.New(),
		logger: log.Logger,
	}
	for _, opt := range opts {
		opt(&o)
	}

	k := &Keeper{
		logger: o.logger.With().Str("component", "keeper").Logger(),
		bus:    events.NewBus(),
	}
	k.store = credentials.NewStore(kv,
		credentials.WithClock(o.clock),
		credentials.WithLogger(o.logger),
	)
	k.manager = refresh.NewManager(k.store, client,
		refresh.WithClock(o.clock),
		refresh.WithBus(k.bus),
		refresh.WithLogger(o.logger),
		refresh.WithExpiryBuffer(cfg.GetExpiryBuffer()),
		refresh.WithRetryPolicy(cfg.GetRetryBaseDelay(), cfg.GetMaxRetryAttempts()),
		refresh.WithRequestTimeout(cfg.GetRequestTimeout()),
	)
	k.monitor = activity.NewMonitor(
		activity.WithClock(o.clock),
		activity.WithLogger(o.logger),
		activity.WithIdleThreshold(cfg.GetIdleThreshold()),
		activity.WithWarningThreshold(cfg.GetInactivityWarningThreshold()),
		activity.WithThrottleInterval(cfg.GetActivityThrottle()),
		activity.WithPollInterval(cfg.GetIdlePollInterval()),
	)

	validator := o.validator
	if validator == nil && cfg.GetValidationURL() != "" {
		validator = sessions.NewHTTPValidator(cfg.GetValidationURL(), k.manager.TokenSource())
	}
	orchOptions := []sessions.OrchestratorOption{
		sessions.WithClock(o.clock),
		sessions.WithBus(k.bus),
		sessions.WithLogger(o.logger),
		sessions.WithHeartbeatInterval(cfg.GetHeartbeatInterval()),
		sessions.WithGraceDelay(cfg.GetGraceDelay()),
		sessions.WithRefreshWarningHorizon(cfg.GetRefreshTokenWarningHorizon()),
	}
	if validator != nil {
		orchOptions = append(orchOptions, sessions.WithValidator(validator))
	}
	if o.returnLocation != nil {
		orchOptions = append(orchOptions, sessions.WithReturnLocation(o.returnLocation))
	}
	k.orch = sessions.NewOrchestrator(k.manager, k.monitor, k.store, orchOptions...)

	k.sync = crosstab.NewSynchronizer(kv, k.manager, k.orch,
		crosstab.WithClock(o.clock),
		crosstab.WithLogger(o.logger),
		crosstab.WithClearPrecedence(cfg.GetClearPrecedence()),
	)
	return k
}

// Start resumes any persisted session and begins listening to other tabs.
// It reports whether a session was resumed.
func (k *Keeper) Start(ctx context.Context) bool {
	resumed := k.manager.Start(ctx)
	k.sync.Start()
	k.orch.Start()
	k.logger.Info().Bool("resumed", resumed).Str("state", k.orch.State().String()).Msg("Session keeper started")
	return resumed
}

// Login installs a freshly issued pair and starts the session. Work saved
// when the previous session expired is returned by provider name and
// removed from storage. If the pair fails before the session starts, Login
// returns errors.ErrNoCredential and the pair is cleared.
func (k *Keeper) Login(ctx context.Context, pair credentials.Pair) (map[string][]byte, error) {
	if err := k.manager.Login(ctx, pair); err != nil {
		return nil, err
	}
	if !k.orch.Activate() {
		return nil, fmt.Errorf("%w: session could not be activated", errors.ErrNoCredential)
	}

	blob, err := k.store.TakeSnapshot(ctx)
	if err != nil {
		k.logger.Err(err).Msg("Reading save-work snapshot failed")
		return nil, nil
	}
	saved, err := sessions.DecodeSnapshot(blob)
	if err != nil {
		k.logger.Err(err).Msg("Discarding unreadable save-work snapshot")
		return nil, nil
	}
	return saved, nil
}

// Logout ends the session in this tab and, through storage, in the others.
func (k *Keeper) Logout(ctx context.Context) error {
	return k.orch.Logout(ctx)
}

// Close stops every timer and listener. Stored credentials are kept.
func (k *Keeper) Close() {
	k.sync.Stop()
	k.orch.Close()
	k.manager.Close()
}

// IsAuthenticated reports whether a usable credential is held.
func (k *Keeper) IsAuthenticated() bool {
	return k.manager.IsAuthenticated()
}

// AccessToken returns a valid access token, refreshing it if needed.
func (k *Keeper) AccessToken(ctx context.Context) (string, error) {
	if !k.orch.State().Authenticated() {
		return "", errors.ErrNoCredential
	}
	return k.manager.AccessToken(ctx)
}

// RecordActivity feeds a user interaction to the activity monitor.
func (k *Keeper) RecordActivity(kind activity.Kind) {
	k.monitor.RecordActivity(kind)
}

// Do runs op through the orchestrator. See sessions.Orchestrator.Do.
func (k *Keeper) Do(ctx context.Context, name string, op sessions.Operation) error {
	return k.orch.Do(ctx, name, op)
}

// Accessors for the wired services.
func (k *Keeper) Bus() *events.Bus                     { return k.bus }
func (k *Keeper) Store() *credentials.Store            { return k.store }
func (k *Keeper) Manager() *refresh.Manager            { return k.manager }
func (k *Keeper) Monitor() *activity.Monitor           { return k.monitor }
func (k *Keeper) Orchestrator() *sessions.Orchestrator { return k.orch }
func (k *Keeper) Synchronizer() *crosstab.Synchronizer { return k.sync }
