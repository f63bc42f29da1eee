// Package crosstab keeps tabs of one origin consistent by reacting to
// credential changes other tabs make to shared storage.
package crosstab

import (
	"context"
	"sync"
	"time"

	"github.com/jrsteele09/go-session-keeper/clock"
	"github.com/jrsteele09/go-session-keeper/credentials"
	"github.com/jrsteele09/go-session-keeper/metrics"
	"github.com/jrsteele09/go-session-keeper/sessions"
	"github.com/jrsteele09/go-session-keeper/storage"
	"github.com/jrsteele09/go-session-keeper/token/refresh"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Synchronizer applies other tabs' decisions locally. A clear is obeyed
// without refreshing; an update is adopted without refreshing. Both are safe
// to apply more than once.
type Synchronizer struct {
	kv      storage.KeyValue
	manager *refresh.Manager
	orch    *sessions.Orchestrator
	clock   clock.Clock
	logger  zerolog.Logger

	clearPrecedence time.Duration

	mu          sync.Mutex
	lastClearAt time.Time
	unsubscribe func()
}

// SynchronizerOption configures a Synchronizer.
type SynchronizerOption func(*Synchronizer)

// WithClock sets the clock used for the clear precedence window.
func WithClock(c clock.Clock) SynchronizerOption {
	return func(s *Synchronizer) {
		s.clock = c
	}
}

// WithLogger sets the logger. Defaults to the global zerolog logger.
func WithLogger(logger zerolog.Logger) SynchronizerOption {
	return func(s *Synchronizer) {
		s.logger = logger
	}
}

// WithClearPrecedence sets the window after an external clear during which
// external updates are ignored.
func WithClearPrecedence(d time.Duration) SynchronizerOption {
	return func(s *Synchronizer) {
		s.clearPrecedence = d
	}
}

// NewSynchronizer creates a synchronizer; call Start to begin listening.
func NewSynchronizer(kv storage.KeyValue, manager *refresh.Manager, orch *sessions.Orchestrator, options ...SynchronizerOption) *Synchronizer {
	s := &Synchronizer{
		kv:              kv,
		manager:         manager,
		orch:            orch,
		logger:          log.Logger,
		clearPrecedence: 2 * time.Second,
	}
	for _, opt := range options {
		opt(s)
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	s.logger = s.logger.With().Str("component", "crosstab").Logger()
	return s
}

// Start subscribes to changes made by other tabs.
func (s *Synchronizer) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unsubscribe != nil {
		return
	}
	s.unsubscribe = s.kv.OnExternalChange(s.handle)
}

// Stop unsubscribes.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

func (s *Synchronizer) handle(change storage.Change) {
	if change.Key != credentials.KeyAccessToken {
		return
	}
	ctx := context.Background()
	now := s.clock.Now()

	if change.Removed || change.NewValue == "" {
		s.mu.Lock()
		s.lastClearAt = now
		s.mu.Unlock()

		s.logger.Info().Str("source", change.Source).Msg("Credentials cleared by another tab")
		metrics.RecordCrossTabEvent("cleared", "logout")
		s.orch.HandleExternalLogout(ctx)
		return
	}

	s.mu.Lock()
	lastClear := s.lastClearAt
	s.mu.Unlock()
	if !lastClear.IsZero() && now.Sub(lastClear) < s.clearPrecedence {
		s.logger.Debug().Str("source", change.Source).Msg("Ignoring update racing a clear")
		metrics.RecordCrossTabEvent("updated", "ignored")
		return
	}

	if !s.manager.Reload(ctx) {
		metrics.RecordCrossTabEvent("updated", "ignored")
		return
	}
	s.logger.Debug().Str("source", change.Source).Msg("Adopted credentials from another tab")
	metrics.RecordCrossTabEvent("updated", "reloaded")
	s.orch.HandleExternalRefresh()
}
