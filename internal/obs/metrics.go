package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ForwardsTotal          = promauto.NewCounterVec(prometheus.CounterOpts{Name: "apixify_forwards_total", Help: "Forwarded requests by response status class"}, []string{"class"})
	ForwardDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "apixify_forward_duration_seconds", Help: "Upstream forward latency", Buckets: prometheus.ExponentialBuckets(0.005, 2, 14)})
	InFlightForwards       = promauto.NewGauge(prometheus.GaugeOpts{Name: "apixify_inflight_forwards", Help: "Forwards currently waiting on the upstream"})
	RejectedTotal          = promauto.NewCounter(prometheus.CounterOpts{Name: "apixify_rejected_total", Help: "Requests answered 503 by admission control"})
	DroppedResponsesTotal  = promauto.NewCounter(prometheus.CounterOpts{Name: "apixify_dropped_responses_total", Help: "Responses not sent because their control connection was gone"})
	ReconnectsTotal        = promauto.NewCounter(prometheus.CounterOpts{Name: "apixify_reconnects_total", Help: "Scheduled control connection reconnects"})
	ConnectionState        = promauto.NewGauge(prometheus.GaugeOpts{Name: "apixify_connection_state", Help: "Control connection state (0 connecting, 1 open, 2 closed)"})
	ErrorsTotal            = promauto.NewCounterVec(prometheus.CounterOpts{Name: "apixify_errors_total", Help: "Errors by type"}, []string{"type"})
)

// StatusClass maps an HTTP status to its "2xx" style label.
func StatusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "1xx"
	}
}
