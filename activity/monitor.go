// Package activity turns raw interaction signals into a coarse engagement
// level: active, idle, or idle long enough to warn.
package activity

import (
	"sync"
	"time"

	"github.com/jrsteele09/go-session-keeper/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Kind identifies the source of an activity signal.
type Kind string

const (
	KindPointerMove Kind = "pointer_move"
	KindKeyPress    Kind = "key_press"
	KindClick       Kind = "click"
	KindScroll      Kind = "scroll"
	KindTouch       Kind = "touch"
	KindFocus       Kind = "focus"
	KindVisibility  Kind = "visibility"
	KindAPICall     Kind = "api_call"
)

// throttled kinds fire far more often than they carry information.
func (k Kind) throttled() bool {
	return k == KindPointerMove || k == KindScroll
}

// Level is the engagement level derived from time since the last activity.
type Level int

const (
	LevelActive Level = iota
	LevelIdle
	LevelWarning
)

// String returns the level name used in logs.
func (l Level) String() string {
	switch l {
	case LevelActive:
		return "active"
	case LevelIdle:
		return "idle"
	case LevelWarning:
		return "warning"
	}
	return "unknown"
}

// Record is the monitor's view of the user's last interaction.
type Record struct {
	LastActivityAt time.Time
	LastKind       Kind
	CurrentlyIdle  bool
}

// ChangeFunc is called on level transitions only, never on every poll.
type ChangeFunc func(from, to Level, idleFor time.Duration)

// Monitor turns activity signals into engagement levels and reports level changes.
type Monitor struct {
	clock  clock.Clock
	logger zerolog.Logger

	idleThreshold    time.Duration
	warningThreshold time.Duration
	throttle         time.Duration
	pollInterval     time.Duration

	mu         sync.Mutex
	last       time.Time
	lastKind   Kind
	lastByKind map[Kind]time.Time
	level      Level
	onChange   ChangeFunc
	timer      clock.Timer
	running    bool
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithClock sets the clock used for timestamps and the poll.
func WithClock(c clock.Clock) MonitorOption {
	return func(m *Monitor) {
		m.clock = c
	}
}

// WithLogger sets the logger. Defaults to the global zerolog logger.
func WithLogger(logger zerolog.Logger) MonitorOption {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// WithIdleThreshold sets the inactivity after which the user is idle.
func WithIdleThreshold(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		m.idleThreshold = d
	}
}

// WithWarningThreshold sets the inactivity after which the user is warned.
func WithWarningThreshold(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		m.warningThreshold = d
	}
}

// WithThrottleInterval bounds how often pointer motion and scroll count.
func WithThrottleInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		m.throttle = d
	}
}

// WithPollInterval sets how often the thresholds are evaluated.
func WithPollInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		m.pollInterval = d
	}
}

// NewMonitor creates a stopped monitor; call Start to begin polling.
func NewMonitor(options ...MonitorOption) *Monitor {
	m := &Monitor{
		logger:           log.Logger,
		idleThreshold:    5 * time.Minute,
		warningThreshold: 25 * time.Minute,
		throttle:         time.Second,
		pollInterval:     30 * time.Second,
		lastByKind:       make(map[Kind]time.Time),
	}
	for _, opt := range options {
		opt(m)
	}
	if m.clock == nil {
		m.clock = clock.New()
	}
	m.logger = m.logger.With().Str("component", "activity").Logger()
	m.last = m.clock.Now()
	return m
}

// OnChange installs the transition handler. It runs outside the monitor's
// lock and may call back into the monitor.
func (m *Monitor) OnChange(fn ChangeFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// Start arms the idle poll. Calling it on a running monitor is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.armLocked()
}

// Stop cancels the poll. The activity record is kept.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// Reset starts a fresh timeline without notifying.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = m.clock.Now()
	m.lastKind = ""
	m.level = LevelActive
	m.lastByKind = make(map[Kind]time.Time)
}

// RecordActivity marks the user as engaged now. It reports false when the
// event was coalesced by the throttle.
func (m *Monitor) RecordActivity(kind Kind) bool {
	now := m.clock.Now()

	m.mu.Lock()
	if kind.throttled() {
		if prev, ok := m.lastByKind[kind]; ok && now.Sub(prev) < m.throttle {
			m.mu.Unlock()
			return false
		}
	}
	m.lastByKind[kind] = now
	m.last = now
	m.lastKind = kind
	from := m.level
	m.level = LevelActive
	fn := m.onChange
	m.mu.Unlock()

	if from != LevelActive {
		m.logger.Debug().Str("from", from.String()).Str("kind", string(kind)).Msg("User active again")
		if fn != nil {
			fn(from, LevelActive, 0)
		}
	}
	return true
}

// IsIdle reports whether the idle threshold has passed.
func (m *Monitor) IsIdle() bool {
	return m.idleFor() >= m.idleThreshold
}

// ShouldWarn reports whether the warning threshold has passed.
func (m *Monitor) ShouldWarn() bool {
	return m.idleFor() >= m.warningThreshold
}

// Level returns the current engagement level.
func (m *Monitor) Level() Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// Record returns a copy of the activity record.
func (m *Monitor) Record() Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Record{
		LastActivityAt: m.last,
		LastKind:       m.lastKind,
		CurrentlyIdle:  m.level != LevelActive,
	}
}

func (m *Monitor) idleFor() time.Duration {
	m.mu.Lock()
	last := m.last
	m.mu.Unlock()
	return m.clock.Now().Sub(last)
}

func (m *Monitor) armLocked() {
	m.timer = m.clock.AfterFunc(m.pollInterval, m.poll)
}

func (m *Monitor) poll() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	idleFor := m.clock.Now().Sub(m.last)
	to := LevelActive
	switch {
	case idleFor >= m.warningThreshold:
		to = LevelWarning
	case idleFor >= m.idleThreshold:
		to = LevelIdle
	}
	from := m.level
	m.level = to
	fn := m.onChange
	m.armLocked()
	m.mu.Unlock()

	if from == to {
		return
	}
	m.logger.Debug().Str("from", from.String()).Str("to", to.String()).Dur("idle_for", idleFor).Msg("Engagement changed")
	if fn != nil {
		fn(from, to, idleFor)
	}
}
