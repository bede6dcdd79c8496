package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	CreditsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lgw_credits_total",
			Help: "Credits moved through the ledger by entry type",
		},
		[]string{"type"}, // consume|grant_extra|adjust|...
	)

	ResetsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lgw_monthly_resets_total",
			Help: "Monthly credit pools refilled by the scheduler",
		},
	)

	ActivationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lgw_activations_total",
			Help: "Activation attempts by outcome",
		},
		[]string{"outcome"}, // activated|refreshed|limit_reached|deactivated
	)

	RateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lgw_rate_limited_total",
			Help: "Requests rejected by a rate limiter",
		},
		[]string{"scope", "endpoint"},
	)

	GatewayRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lgw_gateway_requests_total",
			Help: "Gateway calls by result",
		},
		[]string{"result"}, // cache_hit|billed|upstream_error|insufficient
	)

	OutboxPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lgw_outbox_published_total",
			Help: "Outbox events relayed to Kafka by topic",
		},
		[]string{"topic"},
	)

	ProviderBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lgw_provider_breaker_state",
			Help: "Transcript provider breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"provider"},
	)
)

var registerOnce sync.Once

// MustRegister registers every collector once; later calls are no-ops so
// both the server and the workers can call it.
func MustRegister(r prometheus.Registerer) {
	registerOnce.Do(func() {
		r.MustRegister(
			CreditsTotal,
			ResetsTotal,
			ActivationsTotal,
			RateLimitedTotal,
			GatewayRequestsTotal,
			OutboxPublishedTotal,
			ProviderBreakerState,
		)
	})
}
