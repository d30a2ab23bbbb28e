package observer

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/apperrors"
)

const namespace = "wa_connection_manager"

var (
	metricsEnabled = true // Flag to control metric collection

	// Database metrics
	DatabaseOperationDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_operation_duration_seconds",
			Help:      "Histogram of database operation durations.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		},
		[]string{"operation", "entity", "account_id", "status"},
	)

	// Provider metrics
	ProviderCallDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_call_duration_seconds",
			Help:      "Histogram of gateway call durations, labeled by operation and outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
		},
		[]string{"operation", "outcome"},
	)

	// Webhook metrics
	WebhooksReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_received_total",
			Help:      "Total number of provider webhooks received, labeled by event and outcome.",
		},
		[]string{"event", "outcome"},
	)

	// Status transitions applied to the store
	StatusTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_transitions_total",
			Help:      "Total number of canonical status transitions persisted.",
		},
		[]string{"from", "to", "source"},
	)

	// Pairing supervisor
	ActivePairingSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pairing_sessions_active",
			Help:      "Number of pairing loops currently running.",
		},
	)
	PairingSessionsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairing_sessions_finished_total",
			Help:      "Total number of pairing loops that exited, labeled by final phase.",
		},
		[]string{"phase"},
	)
	PairingTicksSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairing_ticks_skipped_total",
			Help:      "Ticks skipped because the previous provider call was still in flight.",
		},
		[]string{"timer"},
	)

	// Session registry
	RegistrySize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_registry_size",
			Help:      "Number of push-channel connections bound to a session.",
		},
	)
	PushEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_events_total",
			Help:      "Status events emitted to the push channel, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	// NATS status feed
	StatusEventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_events_published_total",
			Help:      "Status transition events published to JetStream, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	// HTTP API
	HTTPRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of REST request durations, labeled by route template and status code.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route", "code"},
	)

	// Sweeper
	SweeperInstancesReconciledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeper_instances_reconciled_total",
			Help:      "Stale connecting instances visited by the sweeper, labeled by result.",
		},
		[]string{"result"},
	)
)

// InitMetrics toggles metric collection. Metrics are registered by promauto at init.
func InitMetrics(enabled bool) {
	metricsEnabled = enabled
}

// ObserveDbOperationDuration records the duration for a database operation.
func ObserveDbOperationDuration(operation, entity, accountID string, duration time.Duration, err error) {
	if !metricsEnabled {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	DatabaseOperationDurationSeconds.WithLabelValues(operation, entity, sanitizeTenant(accountID), status).Observe(duration.Seconds())
}

// ObserveProviderCall records a gateway call.
func ObserveProviderCall(operation string, duration time.Duration, err error) {
	if !metricsEnabled {
		return
	}
	ProviderCallDurationSeconds.WithLabelValues(operation, ErrorOutcome(err)).Observe(duration.Seconds())
}

// IncWebhookReceived counts a processed webhook.
func IncWebhookReceived(event, outcome string) {
	if !metricsEnabled {
		return
	}
	if event == "" {
		event = "unknown"
	}
	WebhooksReceivedTotal.WithLabelValues(event, outcome).Inc()
}

// IncStatusTransition counts a persisted status change.
func IncStatusTransition(from, to, source string) {
	if !metricsEnabled {
		return
	}
	if from == "" {
		from = "none"
	}
	StatusTransitionsTotal.WithLabelValues(from, to, source).Inc()
}

// SetActivePairingSessions sets the running pairing loop gauge.
func SetActivePairingSessions(n int) {
	if !metricsEnabled {
		return
	}
	ActivePairingSessions.Set(float64(n))
}

// IncPairingSessionFinished counts a pairing loop exit.
func IncPairingSessionFinished(phase string) {
	if !metricsEnabled {
		return
	}
	PairingSessionsFinishedTotal.WithLabelValues(phase).Inc()
}

// IncPairingTickSkipped counts a tick dropped while a call was in flight.
func IncPairingTickSkipped(timer string) {
	if !metricsEnabled {
		return
	}
	PairingTicksSkippedTotal.WithLabelValues(timer).Inc()
}

// SetRegistrySize sets the session registry gauge.
func SetRegistrySize(n int) {
	if !metricsEnabled {
		return
	}
	RegistrySize.Set(float64(n))
}

// IncPushEvent counts an emit attempt (delivered, no_listener, send_failed).
func IncPushEvent(outcome string) {
	if !metricsEnabled {
		return
	}
	PushEventsTotal.WithLabelValues(outcome).Inc()
}

// IncStatusEventsPublished counts a JetStream publish attempt.
func IncStatusEventsPublished(err error) {
	if !metricsEnabled {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	StatusEventsPublishedTotal.WithLabelValues(outcome).Inc()
}

// IncSweeperReconciled counts a sweeper visit.
func IncSweeperReconciled(result string) {
	if !metricsEnabled {
		return
	}
	SweeperInstancesReconciledTotal.WithLabelValues(result).Inc()
}

// ObserveHTTPRequest records a finished REST request. route is the template, not the raw path.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if !metricsEnabled {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	HTTPRequestDurationSeconds.WithLabelValues(method, route, strconv.Itoa(code)).Observe(duration.Seconds())
}

// sanitizeTenant ensures the tenant label is valid or returns a default value.
func sanitizeTenant(tenant string) string {
	if tenant == "" {
		return "unknown"
	}
	return tenant
}

// ErrorOutcome maps an error to a low-cardinality label.
func ErrorOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, apperrors.ErrProviderUnavailable):
		return "unavailable"
	case errors.Is(err, apperrors.ErrProviderRejected):
		return "rejected"
	case errors.Is(err, apperrors.ErrPairingUnavailable):
		return "pairing_unavailable"
	case errors.Is(err, apperrors.ErrTimeout):
		return "timeout"
	case errors.Is(err, apperrors.ErrNotFound):
		return "not_found"
	case errors.Is(err, apperrors.ErrDatabase):
		return "database"
	default:
		return "error"
	}
}
