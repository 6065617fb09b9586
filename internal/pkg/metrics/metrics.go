package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ftrack"

var (
	// DeviceSessions is the number of authenticated device sessions currently registered.
	DeviceSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_sessions",
			Help:      "Number of authenticated device sessions.",
		},
	)

	// ObserverSessions is the number of connected observers.
	ObserverSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "observer_sessions",
			Help:      "Number of connected observer sessions.",
		},
	)

	AuthAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_attempts_total",
			Help:      "Device authentication attempts.",
		},
		[]string{"result"}, // success/rejected/error/timeout
	)

	CredentialOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_operations_total",
			Help:      "Credential issue, revoke and reap operations.",
		},
		[]string{"operation", "result"},
	)

	CredentialsReaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credentials_reaped_total",
			Help:      "Dead credentials deleted by the reaper.",
		},
	)

	// Rotations tracks the rotation handshake with devices.
	Rotations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rotations_total",
			Help:      "Credential rotations pushed to devices, by outcome.",
		},
		[]string{"result"}, // sent/accepted/declined/timeout/failed
	)

	Samples = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_total",
			Help:      "Location samples received from devices.",
		},
		[]string{"result"}, // accepted/invalid/failed
	)

	Events = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Anomaly events emitted by the detection engine.",
		},
		[]string{"kind"},
	)

	EvaluateLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluate_duration_seconds",
			Help:      "Time spent evaluating one sample, storage included.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// Published counts registry deliveries to observers.
	Published = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "published_messages_total",
			Help:      "Messages delivered to observer outboxes.",
		},
		[]string{"type"},
	)

	ObserverEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observer_evictions_total",
			Help:      "Observers disconnected because their outbox was full.",
		},
	)

	DeviceReplacements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_replacements_total",
			Help:      "Device sessions evicted or rejected because the device id was already connected.",
		},
		[]string{"policy"},
	)

	NotifierPublishes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifier_publishes_total",
			Help:      "Bus notifications handed to the MQTT broker, by outcome.",
		},
		[]string{"result"}, // ok/failed
	)

	NotifierDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifier_dropped_total",
			Help:      "Bus notifications dropped because the publish queue was full.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		DeviceSessions,
		ObserverSessions,
		AuthAttempts,
		CredentialOperations,
		CredentialsReaped,
		Rotations,
		Samples,
		Events,
		EvaluateLatency,
		Published,
		ObserverEvictions,
		DeviceReplacements,
		NotifierPublishes,
		NotifierDropped,
	)
}
