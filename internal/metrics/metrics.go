package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"semaphore/pkg/monitoring"
)

// Metrics holds the hub's Prometheus instruments.
type Metrics struct {
	ActiveConnections *prometheus.GaugeVec
	ActiveChannels    *prometheus.GaugeVec

	MessagesReceived *prometheus.CounterVec // by frame kind
	MessagesSent     *prometheus.CounterVec
	BroadcastsTotal  *prometheus.CounterVec // by source: local, relay, api, ingest
	ClientErrors     *prometheus.CounterVec // by error kind

	RelayPublishFailures *prometheus.CounterVec
	DroppedFrames        *prometheus.CounterVec // by reason: backpressure, backpressure_limit, queue_full
	AckRetries           *prometheus.CounterVec
	WebhooksEmitted      *prometheus.CounterVec
}

// New registers the hub metrics on the service collector.
func New(collector *monitoring.MetricsCollector) *Metrics {
	return &Metrics{
		ActiveConnections: collector.NewGauge(
			"active_connections",
			"Number of open WebSocket connections",
			[]string{},
		),
		ActiveChannels: collector.NewGauge(
			"active_channels",
			"Number of channels with at least one subscriber",
			[]string{},
		),
		MessagesReceived: collector.NewCounter(
			"messages_received_total",
			"Inbound frames by kind",
			[]string{"kind"},
		),
		MessagesSent: collector.NewCounter(
			"messages_sent_total",
			"Outbound frames delivered to clients",
			[]string{},
		),
		BroadcastsTotal: collector.NewCounter(
			"broadcasts_total",
			"Broadcast operations by source",
			[]string{"source"},
		),
		ClientErrors: collector.NewCounter(
			"client_errors_total",
			"Errors surfaced to clients by kind",
			[]string{"kind"},
		),
		RelayPublishFailures: collector.NewCounter(
			"relay_publish_failures_total",
			"Relay publishes that failed or were rejected by the breaker",
			[]string{},
		),
		DroppedFrames: collector.NewCounter(
			"dropped_frames_total",
			"Outbound frames dropped before delivery",
			[]string{"reason"},
		),
		AckRetries: collector.NewCounter(
			"ack_retries_total",
			"Messages re-sent while awaiting acknowledgment",
			[]string{},
		),
		WebhooksEmitted: collector.NewCounter(
			"webhooks_emitted_total",
			"Webhook events handed to the emitter",
			[]string{},
		),
	}
}
