// Package telemetry defines the Prometheus collectors exposed by the service.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Poller metrics
	PollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ghevents_polls_total",
			Help: "Total upstream polls by endpoint key and outcome",
		},
		[]string{"key", "outcome"},
	)

	EventsFetchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ghevents_events_fetched_total",
			Help: "Total events decoded from upstream responses",
		},
	)

	EventsFilteredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ghevents_events_filtered_total",
			Help: "Total events dropped by the type/target filter",
		},
	)

	EventsInsertedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ghevents_events_inserted_total",
			Help: "Total new events written to the store",
		},
	)

	RateLimitRemaining = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ghevents_rate_limit_remaining",
			Help: "Remaining upstream request budget as of the last poll",
		},
	)

	// API metrics
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ghevents_http_requests_total",
			Help: "Total HTTP requests by path and status",
		},
		[]string{"path", "status"},
	)
)

// Register registers all collectors with the default registry. Call once
// during startup.
func Register() {
	prometheus.MustRegister(
		PollsTotal,
		EventsFetchedTotal,
		EventsFilteredTotal,
		EventsInsertedTotal,
		RateLimitRemaining,
		HTTPRequestsTotal,
	)
}

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
