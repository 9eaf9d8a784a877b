package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Outbound accounting API calls (by endpoint and method).
	IntuitRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intuit_api_requests_total",
			Help: "Total number of accounting API requests made (by endpoint, method and status).",
		},
		[]string{"endpoint", "method", "status"},
	)

	IntuitRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "intuit_api_request_duration_seconds",
			Help:    "Duration of accounting API requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms → ~16s
		},
		[]string{"endpoint", "method"},
	)

	// Token exchanges and refreshes by outcome ("success", "failed", "skipped").
	TokenRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intuit_token_refresh_total",
			Help: "Token refresh attempts by trigger and result.",
		},
		[]string{"trigger", "result"},
	)

	TokenExpiresAt = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "intuit_access_token_expiry_timestamp_seconds",
			Help: "Unix time at which the current access token expires.",
		},
	)

	GoogleRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "google_people_requests_total",
			Help: "People API calls by operation and result.",
		},
		[]string{"operation", "result"},
	)

	MessagingEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_events_total",
			Help: "Events received from the messaging bridge.",
		},
		[]string{"event"},
	)

	RelayDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_deliveries_total",
			Help: "Inbound message deliveries by sink and result.",
		},
		[]string{"sink", "result"},
	)

	NATSPublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nats_publish_errors_total",
			Help: "Number of NATS publish failures",
		},
		[]string{"subject"},
	)

	HTTPErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_http_errors_total",
			Help: "Error responses returned by the route layer, by error code.",
		},
		[]string{"code"},
	)
)

// ObserveDuration records the time taken for a function and updates the given histogram.
func ObserveDuration(v any, start time.Time, labels ...string) {
	duration := time.Since(start).Seconds()

	switch metric := v.(type) {
	case *prometheus.HistogramVec:
		metric.WithLabelValues(labels...).Observe(duration)
	case *prometheus.SummaryVec:
		metric.WithLabelValues(labels...).Observe(duration)
	default:
		// silently ignore counters; they're not meant for duration tracking
	}
}

func IncIntuitRequest(endpoint, method, status string) {
	IntuitRequestsTotal.WithLabelValues(endpoint, method, status).Inc()
}

func IncTokenRefresh(trigger, result string) {
	TokenRefreshTotal.WithLabelValues(trigger, result).Inc()
}

func SetTokenExpiry(t time.Time) {
	if t.IsZero() {
		TokenExpiresAt.Set(0)
		return
	}
	TokenExpiresAt.Set(float64(t.Unix()))
}

func IncGoogleRequest(operation, result string) {
	GoogleRequestsTotal.WithLabelValues(operation, result).Inc()
}

func IncMessagingEvent(event string) {
	MessagingEventsTotal.WithLabelValues(event).Inc()
}

func IncRelayDelivery(sink, result string) {
	RelayDeliveriesTotal.WithLabelValues(sink, result).Inc()
}

func IncHTTPError(code string) {
	HTTPErrorsTotal.WithLabelValues(code).Inc()
}
