// Package metrics exposes the gateway's Prometheus counters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eaglechat_requests_total",
		Help: "HTTP requests by path and status code.",
	}, []string{"path", "status"})

	RateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eaglechat_rate_limited_total",
		Help: "Requests rejected by the per-source rate limiter.",
	})

	SignatureFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eaglechat_signature_failures_total",
		Help: "HMAC verification failures by reason.",
	}, []string{"reason"})

	CallbackAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eaglechat_callback_attempts_total",
		Help: "Registration callback attempts by outcome.",
	}, []string{"outcome"})

	ProviderProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eaglechat_provider_probes_total",
		Help: "Provider key probes by provider and outcome.",
	}, []string{"provider", "outcome"})
)

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
