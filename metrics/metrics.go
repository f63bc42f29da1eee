package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Registry holds the session core's Prometheus collectors.
	Registry = prometheus.NewRegistry()

	refreshAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "session_keeper",
			Subsystem: "refresh",
			Name:      "attempts_total",
			Help:      "Refresh endpoint calls by outcome (success, transient, terminal).",
		},
		[]string{"outcome"},
	)

	refreshInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "session_keeper",
			Subsystem: "refresh",
			Name:      "in_flight",
			Help:      "Refresh flights currently running. Never exceeds one per tab.",
		},
	)

	refreshWaiters = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "session_keeper",
			Subsystem: "refresh",
			Name:      "coalesced_waiters_total",
			Help:      "Refresh callers whose result was shared with other callers of the same flight.",
		},
	)

	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "session_keeper",
			Subsystem: "session",
			Name:      "state_transitions_total",
			Help:      "Session state transitions.",
		},
		[]string{"from", "to"},
	)

	offlineQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "session_keeper",
			Subsystem: "offline_queue",
			Name:      "depth",
			Help:      "Operations waiting for connectivity.",
		},
	)

	offlineReplays = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "session_keeper",
			Subsystem: "offline_queue",
			Name:      "replays_total",
			Help:      "Replayed offline operations by outcome.",
		},
		[]string{"outcome"},
	)

	crossTabEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "session_keeper",
			Subsystem: "crosstab",
			Name:      "events_total",
			Help:      "Credential changes observed from other tabs by kind and action.",
		},
		[]string{"kind", "action"},
	)
)

func init() {
	Registry.MustRegister(
		refreshAttempts,
		refreshInFlight,
		refreshWaiters,
		stateTransitions,
		offlineQueueDepth,
		offlineReplays,
		crossTabEvents,
	)
}

// RecordRefreshAttempt counts a token endpoint call by outcome.
func RecordRefreshAttempt(outcome string) {
	refreshAttempts.WithLabelValues(outcome).Inc()
}

// RefreshStarted marks a refresh flight as in progress.
func RefreshStarted() {
	refreshInFlight.Inc()
}

// RefreshFinished marks a refresh flight as done.
func RefreshFinished() {
	refreshInFlight.Dec()
}

// RecordCoalescedWaiter counts a caller that joined an in-flight refresh.
func RecordCoalescedWaiter() {
	refreshWaiters.Inc()
}

// RecordStateTransition counts a session state transition.
func RecordStateTransition(from, to string) {
	stateTransitions.WithLabelValues(from, to).Inc()
}

// SetOfflineQueueDepth reports the number of queued operations.
func SetOfflineQueueDepth(depth int) {
	offlineQueueDepth.Set(float64(depth))
}

// RecordOfflineReplay counts a replayed operation by outcome.
func RecordOfflineReplay(outcome string) {
	offlineReplays.WithLabelValues(outcome).Inc()
}

// RecordCrossTabEvent counts a change received from another tab.
func RecordCrossTabEvent(kind, action string) {
	crossTabEvents.WithLabelValues(kind, action).Inc()
}
