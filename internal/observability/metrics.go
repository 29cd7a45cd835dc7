package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tasknotif_api_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
	Enqueues = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tasknotif_enqueue_total", Help: "SQS enqueue results"},
		[]string{"kind", "result"},
	)
	GatewaySend = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "shihuatong_send_total", Help: "Gateway send outcomes"},
		[]string{"result", "http_status"},
	)
	GatewayLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "shihuatong_send_latency_seconds", Help: "Gateway send latency"},
	)
	ChannelFiltered = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tasknotif_channel_filtered_total", Help: "Channels dropped by user settings"},
		[]string{"channel", "reason"},
	)
	NotificationLogs = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tasknotif_notification_logs_total", Help: "Per-channel notification outcomes"},
		[]string{"channel", "status"},
	)
	RetrySweep = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tasknotif_retry_sweep_total", Help: "Scheduled retry outcomes"},
		[]string{"result"},
	)
	CleanupDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "tasknotif_cleanup_deleted_total", Help: "Messages removed by retention cleanup"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(APIRequests, Enqueues, GatewaySend, GatewayLatency, ChannelFiltered,
		NotificationLogs, RetrySweep, CleanupDeleted)
}
