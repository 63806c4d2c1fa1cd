package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Rule reconciliation metrics
	RuleMutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamrelay_rules_mutations_total",
			Help: "Total number of rule mutations issued to the firehose",
		},
		[]string{"op", "status"},
	)

	// Ingest metrics
	IngestFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamrelay_ingest_frames_total",
			Help: "Total number of frames read from the firehose",
		},
		[]string{"status"},
	)

	IngestBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "streamrelay_ingest_bytes_total",
			Help: "Total bytes of well-formed event payloads",
		},
	)

	IngestReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "streamrelay_ingest_reconnects_total",
			Help: "Total number of firehose reconnect attempts after a failure",
		},
	)

	IngestConnectionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "streamrelay_ingest_connection_state",
			Help: "Ingestor state (0=disconnected, 1=connecting, 2=streaming, 3=error)",
		},
	)

	// Relay metrics
	RelayOutstanding = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "streamrelay_relay_outstanding_tickets",
			Help: "Current number of unresolved publish tickets",
		},
	)

	RelaySubmittedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "streamrelay_relay_submitted_total",
			Help: "Total number of events accepted by the relay",
		},
	)

	RelayResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamrelay_relay_results_total",
			Help: "Total number of resolved tickets by outcome",
		},
		[]string{"outcome"},
	)

	RelayAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamrelay_relay_publish_attempts_total",
			Help: "Total number of publish attempts by result class",
		},
		[]string{"result"},
	)

	RelayPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "streamrelay_relay_publish_duration_seconds",
			Help:    "Time from submission to ticket resolution in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	DeadLetterWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamrelay_dlq_writes_total",
			Help: "Total number of dead-letter sink writes",
		},
		[]string{"status"},
	)

	// Consumer metrics
	ConsumerOutstandingMessages = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "streamrelay_consumer_outstanding_messages",
			Help: "Current number of delivered but unresolved messages",
		},
	)

	ConsumerOutstandingBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "streamrelay_consumer_outstanding_bytes",
			Help: "Current payload bytes of delivered but unresolved messages",
		},
	)

	ConsumerDeliveriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "streamrelay_consumer_deliveries_total",
			Help: "Total number of messages handed to the callback",
		},
	)

	ConsumerResolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamrelay_consumer_resolutions_total",
			Help: "Total number of message resolutions by decision",
		},
		[]string{"decision"},
	)

	ConsumerDuplicatesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "streamrelay_consumer_duplicates_total",
			Help: "Total number of redeliveries skipped by the dedup store",
		},
	)

	// Supervisor metrics
	SupervisorState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "streamrelay_supervisor_state",
			Help: "Pipeline state (0=stopped, 1=starting, 2=running, 3=draining)",
		},
	)

	SupervisorRestartsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "streamrelay_supervisor_restarts_total",
			Help: "Total number of pipeline restarts after a fatal error",
		},
	)
)
