package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Producer metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campaign_indexer_events_published_total",
			Help: "Total number of event messages published to the broker",
		},
		[]string{"event_type"},
	)

	CursorHeight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "campaign_indexer_cursor_height",
			Help: "Last confirmed block height of the sync cursor",
		},
	)

	ChainLag = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "campaign_indexer_chain_lag_blocks",
			Help: "Blocks between the finalized head and the sync cursor",
		},
	)

	BatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "campaign_indexer_batch_duration_seconds",
			Help:    "Time taken to poll, publish and confirm one block batch",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReorgsDetected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "campaign_indexer_reorgs_detected_total",
			Help: "Total number of chain reorganizations detected",
		},
	)

	DecodeFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "campaign_indexer_decode_failures_total",
			Help: "Total number of logs that failed decoding and were skipped",
		},
	)

	// Consumer metrics
	MessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campaign_indexer_messages_processed_total",
			Help: "Total number of messages processed by outcome",
		},
		[]string{"queue", "outcome"},
	)

	MessageHandleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "campaign_indexer_message_handle_duration_seconds",
			Help:    "Time taken to handle one message",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	DeadLettered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "campaign_indexer_dead_lettered_total",
			Help: "Total number of messages routed to the dead-letter queue",
		},
	)

	CampaignsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "campaign_indexer_campaigns_expired_total",
			Help: "Total number of campaigns transitioned to FAILED by the reconciler",
		},
	)

	// System metrics
	ComponentHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "campaign_indexer_component_health",
			Help: "Component health status (1=healthy, 0=unhealthy)",
		},
		[]string{"component"},
	)
)

// Message handling outcomes for MessagesProcessed.
const (
	OutcomeOK        = "ok"
	OutcomeDuplicate = "duplicate"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
)
