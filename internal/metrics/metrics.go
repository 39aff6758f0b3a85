package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry Metrics
var (
	// ConnectedClients tracks total live WebSocket connections across all sessions
	ConnectedClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tripcast_connected_clients",
			Help: "Total number of live WebSocket connections across all sessions",
		},
	)

	// ActiveSessions tracks number of sessions with at least one connection
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tripcast_active_sessions",
			Help: "Number of trip sessions with at least one live connection",
		},
	)
)

// Delivery Metrics
var (
	// MessagesSentTotal tracks successful deliveries by message class
	MessagesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tripcast_messages_sent_total",
			Help: "Successful message deliveries by message class",
		},
		[]string{"class"},
	)

	// MessagesFailedTotal tracks failed deliveries by message class
	MessagesFailedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tripcast_messages_failed_total",
			Help: "Failed message deliveries by message class",
		},
		[]string{"class"},
	)

	// MessageSendDuration tracks socket write latency in seconds
	MessageSendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tripcast_message_send_duration_seconds",
			Help:    "WebSocket message write duration in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	// ThrottledTotal tracks messages diverted to the queue by throttling
	ThrottledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tripcast_throttled_messages_total",
			Help: "Messages diverted to the per-user queue by class throttling",
		},
		[]string{"class"},
	)

	// BatchesTotal tracks batch envelopes emitted by class
	BatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tripcast_batches_total",
			Help: "Batch envelopes emitted by message class",
		},
		[]string{"class"},
	)

	// BatchOverflowTotal tracks messages queued past the batch cap
	BatchOverflowTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tripcast_batch_overflow_total",
			Help: "Messages queued individually because a batch was full",
		},
	)
)

// Queue Metrics
var (
	// QueueDepth tracks total queued messages across all users
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tripcast_queue_depth",
			Help: "Total queued messages across all user backlogs",
		},
	)

	// QueueDroppedTotal tracks messages dropped by overflow or retry cap
	QueueDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tripcast_queue_dropped_total",
			Help: "Queued messages dropped, by reason (overflow/retry_cap)",
		},
		[]string{"reason"},
	)

	// QueueFlushedTotal tracks backlog messages successfully redelivered
	QueueFlushedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tripcast_queue_flushed_total",
			Help: "Backlog messages successfully redelivered to a live connection",
		},
	)
)

// Connection Quality Metrics
var (
	// EvictionsTotal tracks forced disconnects by reason
	EvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tripcast_evictions_total",
			Help: "Forced connection removals by reason (transport_failure/slow_client/critical_quality)",
		},
		[]string{"reason"},
	)

	// QualityScore tracks the distribution of per-connection quality scores
	QualityScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tripcast_connection_quality_score",
			Help:    "Per-connection quality score observed on delivery attempts",
			Buckets: []float64{.1, .2, .3, .4, .5, .6, .7, .8, .9, 1},
		},
	)

	// StaleRecordsCleaned tracks quality records removed by the staleness sweep
	StaleRecordsCleaned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tripcast_stale_quality_records_cleaned_total",
			Help: "Quality records removed by the staleness sweep",
		},
	)
)

// Broadcaster Metrics
var (
	// BroadcasterCommandChannelDepth tracks current command channel depth
	BroadcasterCommandChannelDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tripcast_broadcaster_command_channel_depth",
			Help: "Current broadcaster command channel depth",
		},
	)

	// BroadcasterPanicsTotal tracks broadcaster panic recoveries
	BroadcasterPanicsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tripcast_broadcaster_panics_total",
			Help: "Total broadcaster panic recoveries",
		},
	)

	// BroadcasterStopTimeoutsTotal tracks broadcaster stops that exceeded timeout
	BroadcasterStopTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tripcast_broadcaster_stop_timeouts_total",
			Help: "Broadcaster stops that exceeded the shutdown timeout",
		},
	)

	// UnknownInboundTotal tracks inbound frames with an unrecognized type tag
	UnknownInboundTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tripcast_unknown_inbound_total",
			Help: "Inbound frames ignored due to an unrecognized type tag",
		},
	)
)
