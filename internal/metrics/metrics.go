package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gateway metrics for production monitoring
var (
	// Session metrics
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "repotalk_gateway_sessions_active",
			Help: "Current number of registered client sessions",
		},
	)

	SessionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "repotalk_gateway_sessions_total",
			Help: "Total number of client sessions served",
		},
	)

	// Frame metrics
	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repotalk_gateway_frames_total",
			Help: "Total number of WebSocket frames",
		},
		[]string{"direction"}, // direction: inbound/outbound
	)

	FramesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repotalk_gateway_frames_rejected_total",
			Help: "Total number of inbound frames dropped without dispatch",
		},
		[]string{"reason"}, // reason: malformed/unknown_type
	)

	// Command metrics
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repotalk_gateway_commands_total",
			Help: "Total number of dispatched client commands",
		},
		[]string{"type"},
	)

	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "repotalk_gateway_command_duration_seconds",
			Help:    "Command handling duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"type"},
	)

	// Repository metrics
	RepositoryActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repotalk_gateway_repository_actions_total",
			Help: "Total number of repository mutations",
		},
		[]string{"action", "status"}, // action: add/update/delete/select
	)

	// Tree fetch metrics
	TreeFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repotalk_gateway_tree_fetches_total",
			Help: "Total number of file tree fetches",
		},
		[]string{"status"},
	)

	TreeFetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "repotalk_gateway_tree_fetch_duration_seconds",
			Help:    "File tree fetch duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		},
	)

	// Agent metrics
	AgentRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repotalk_gateway_agent_requests_total",
			Help: "Total number of agent completion requests",
		},
		[]string{"status"},
	)

	AgentRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "repotalk_gateway_agent_request_duration_seconds",
			Help:    "Agent completion request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1min
		},
	)

	// Chat metrics
	ChatMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repotalk_gateway_chat_messages_total",
			Help: "Total number of stored chat messages",
		},
		[]string{"sender"}, // sender: user/agent/system
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repotalk_gateway_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "repotalk_gateway_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "path"},
	)
)
