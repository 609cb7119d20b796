package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels successful calls.
	OutcomeSuccess = "success"
	// OutcomeError labels failed calls (dependency or validation issues).
	OutcomeError = "error"
	// OutcomeDegraded labels a failed refresh that fell back to the previous session.
	OutcomeDegraded = "degraded"
)

const namespace = "opscore"

var (
	dispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Dispatches handled, partitioned by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	dispatchDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_seconds",
			Help:      "Dispatch latency in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"operation"},
	)

	dispatchRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_retries_total",
			Help:      "Retries spent on transient failures, per operation.",
		},
		[]string{"operation"},
	)

	ticksSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_ticks_skipped_total",
			Help:      "Scheduled ticks dropped because the operation was busy or the queue was full.",
		},
		[]string{"operation", "reason"},
	)

	sessionRefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_refreshes_total",
			Help:      "Identity provider refreshes, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	approvalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approvals_total",
			Help:      "Approval lifecycle events by state.",
		},
		[]string{"state"},
	)

	alertTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_transitions_total",
			Help:      "Alert severity transitions by metric and target severity.",
		},
		[]string{"metric", "severity"},
	)

	verdictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_verdicts_total",
			Help:      "Drift validation verdicts by status.",
		},
		[]string{"status"},
	)

	eventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Events published on the in-process bus.",
		},
		[]string{"type"},
	)

	eventDeliveryFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_delivery_failures_total",
			Help:      "Events a subscriber could not handle after retries.",
		},
		[]string{"type", "subscriber"},
	)
)

// Register attaches opscore collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		dispatchesTotal,
		dispatchDurationSeconds,
		dispatchRetriesTotal,
		ticksSkippedTotal,
		sessionRefreshesTotal,
		approvalsTotal,
		alertTransitionsTotal,
		verdictsTotal,
		eventsPublishedTotal,
		eventDeliveryFailuresTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveDispatch records one dispatch outcome, its duration and retries.
func ObserveDispatch(operation, outcome string, duration time.Duration, retries int) {
	dispatchesTotal.WithLabelValues(operation, outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	dispatchDurationSeconds.WithLabelValues(operation).Observe(duration.Seconds())
	if retries > 0 {
		dispatchRetriesTotal.WithLabelValues(operation).Add(float64(retries))
	}
}

// ObserveSkippedTick counts a tick that was not dispatched.
func ObserveSkippedTick(operation, reason string) {
	ticksSkippedTotal.WithLabelValues(operation, reason).Inc()
}

// ObserveSessionRefresh counts an identity provider round.
func ObserveSessionRefresh(outcome string) {
	sessionRefreshesTotal.WithLabelValues(outcome).Inc()
}

// ObserveApproval counts approval requests, decisions and consumption.
func ObserveApproval(state string) {
	approvalsTotal.WithLabelValues(state).Inc()
}

// ObserveAlertTransition counts a severity change.
func ObserveAlertTransition(metric, severity string) {
	alertTransitionsTotal.WithLabelValues(metric, severity).Inc()
}

// ObserveVerdict counts a validation verdict.
func ObserveVerdict(status string) {
	verdictsTotal.WithLabelValues(status).Inc()
}

// ObserveEvent counts a published event.
func ObserveEvent(eventType string) {
	eventsPublishedTotal.WithLabelValues(eventType).Inc()
}

// ObserveDeliveryFailure counts an event dropped by a subscriber.
func ObserveDeliveryFailure(eventType, subscriber string) {
	eventDeliveryFailuresTotal.WithLabelValues(eventType, strings.ToLower(subscriber)).Inc()
}
