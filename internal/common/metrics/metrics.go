// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DealsAccepted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deal_engine_deals_accepted_total",
			Help: "Total number of offers accepted into settlements",
		},
	)

	DealsFinalized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deal_engine_deals_finalized_total",
			Help: "Total number of settlements finalized, by outcome",
		},
		[]string{"outcome"}, // sold, dead_deal, cancelled_by_customer
	)

	AcceptConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deal_engine_accept_conflicts_total",
			Help: "Total number of acceptance races lost to a concurrent caller",
		},
	)

	OffersSubmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deal_engine_offers_submitted_total",
			Help: "Total number of dealer offers submitted",
		},
	)

	SweepRuns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deal_engine_sweep_runs_total",
			Help: "Total number of expiry sweep invocations",
		},
	)

	SweepFinalized = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deal_engine_sweep_finalized_total",
			Help: "Total number of settlements finalized by the expiry sweep",
		},
	)

	NotificationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deal_engine_notification_failures_total",
			Help: "Total number of swallowed notification collaborator failures",
		},
		[]string{"channel"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "deal_engine_http_request_duration_seconds",
			Help: "Duration of HTTP request handling in seconds",
		},
		[]string{"route", "method"},
	)
)
