package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	WSConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ws_connections",
			Help: "Currently open WebSocket connections.",
		},
		[]string{"service"},
	)

	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ws_events_total",
			Help: "Total number of inbound WebSocket events.",
		},
		[]string{"service", "event"},
	)

	MessagesStoredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_stored_total",
			Help: "Total number of stored messages.",
		},
		[]string{"service", "result"},
	)

	CallsInitiatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calls_initiated_total",
			Help: "Call initiation attempts by outcome.",
		},
		[]string{"service", "result"},
	)

	CallsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "calls_active",
			Help: "Live entries in the call table.",
		},
		[]string{"service"},
	)

	CallDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "call_duration_seconds",
			Help:    "Answered-call durations.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"service", "call_type"},
	)

	PushesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushes_sent_total",
			Help: "Push notification dispatch attempts by outcome.",
		},
		[]string{"service", "result"},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"service", "method", "path", "status"},
	)

	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)
)

func MustRegister(serviceName string) {
	WSConnections = WSConnections.MustCurryWith(prometheus.Labels{"service": serviceName})
	EventsTotal = EventsTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	MessagesStoredTotal = MessagesStoredTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	CallsInitiatedTotal = CallsInitiatedTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	CallsActive = CallsActive.MustCurryWith(prometheus.Labels{"service": serviceName})
	CallDurationSeconds = CallDurationSeconds.MustCurryWith(prometheus.Labels{"service": serviceName}).(*prometheus.HistogramVec)
	PushesSentTotal = PushesSentTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	HTTPRequestsTotal = HTTPRequestsTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	HTTPRequestDurationSeconds = HTTPRequestDurationSeconds.MustCurryWith(prometheus.Labels{"service": serviceName}).(*prometheus.HistogramVec)

	prometheus.MustRegister(
		WSConnections,
		EventsTotal,
		MessagesStoredTotal,
		CallsInitiatedTotal,
		CallsActive,
		CallDurationSeconds,
		PushesSentTotal,
		HTTPRequestsTotal,
		HTTPRequestDurationSeconds,
	)
}
