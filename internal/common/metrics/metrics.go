// Package metrics holds the service's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deposit_http_requests_total",
		Help: "Total HTTP requests by method, route and status",
	}, []string{"method", "route", "status"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "deposit_http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	SessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deposit_session_transitions_total",
		Help: "Session state transitions by target state",
	}, []string{"to"})

	StaleRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deposit_session_stale_retries_total",
		Help: "Optimistic concurrency conflicts that were retried",
	})

	WatcherPolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deposit_watcher_polls_total",
		Help: "Settlement rail polls by result",
	}, []string{"result"})

	ActiveWatchers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "deposit_watcher_active",
		Help: "Sessions currently being watched",
	})

	RateFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deposit_rate_fetch_total",
		Help: "Rate lookups by result (cache_hit, source, error, stale)",
	}, []string{"result"})

	OutboxPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deposit_outbox_published_total",
		Help: "Outbox relay publishes by result",
	}, []string{"result"})
)
