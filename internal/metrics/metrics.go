// Package metrics holds the Prometheus collectors for the tracking pipeline.
// Collectors are registered once on the default registry at init.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "engagement"

var (
	// TrackingRequests counts tracking hits by kind (open, click, unsubscribe)
	// and outcome (recorded, unknown_id, error, timeout, panic).
	TrackingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tracking_requests_total",
			Help:      "Tracking requests by kind and processing outcome",
		},
		[]string{"kind", "outcome"},
	)

	EventsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tracking_events_recorded_total",
			Help:      "Engagement events appended by type",
		},
		[]string{"type"},
	)

	ForwardDetections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forward_detections_total",
			Help:      "Forward detection verdicts",
		},
		[]string{"result"},
	)

	AnalyticsRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analytics_refresh_total",
			Help:      "Campaign analytics refreshes by outcome",
		},
		[]string{"outcome"},
	)

	AnalyticsRefreshDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analytics_refresh_duration_seconds",
			Help:      "Time spent recomputing one campaign",
			Buckets:   prometheus.DefBuckets,
		},
	)

	UnsubscribeRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unsubscribe_requests_total",
			Help:      "Unsubscribe page requests by outcome",
		},
		[]string{"outcome"},
	)
)

// Handler serves the default registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
