// Package metrics exposes prometheus collectors for the kiosk.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FlowTransitions counts state changes of the greeting flow.
	FlowTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "greeter_flow_transitions_total",
			Help: "Total number of flow state transitions",
		},
		[]string{"from", "to", "reason"},
	)

	// FlowState is 1 for the current flow state and 0 for the others.
	FlowState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "greeter_flow_state",
			Help: "Current flow state (1 = active)",
		},
		[]string{"state"},
	)

	// PaymentsDropped counts payment events ignored by the thanks cooldown.
	PaymentsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "greeter_payments_dropped_total",
			Help: "Payment events dropped because the thanks cooldown was active",
		},
	)

	// PresenceScore is the latest smoothed presence score.
	PresenceScore = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "greeter_presence_score",
			Help: "Latest presence confidence score (0-1)",
		},
	)

	// DetectionFailures counts frames skipped because detection failed.
	DetectionFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "greeter_detection_failures_total",
			Help: "Frames skipped because capture or detection failed",
		},
	)

	// SpeechRequests counts utterances by engine and outcome.
	SpeechRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "greeter_speech_phrases_total",
			Help: "Phrases handled by the speech dispatcher",
		},
		[]string{"engine", "outcome"},
	)

	// SpeechCache counts synthesis cache lookups.
	SpeechCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "greeter_speech_cache_total",
			Help: "Speech cache lookups by result (hit, miss, shared)",
		},
		[]string{"result"},
	)

	// SynthesisLatency observes remote synthesis round trips.
	SynthesisLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "greeter_synthesis_latency_seconds",
			Help:    "Remote synthesis latency (query + audio) in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 8),
		},
	)

	// SerialLines counts lines received from the payment terminal.
	SerialLines = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "greeter_serial_lines_total",
			Help: "Lines received on the serial channel",
		},
		[]string{"kind"},
	)
)
