// Package metrics defines Prometheus collectors of the session core.
//
// Collectors live in their own registry, served by Handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Result label values
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

var (
	// LoginsTotal counts login attempts by result.
	LoginsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campusportal_logins_total",
			Help: "Total number of login attempts by result.",
		},
		[]string{"result"},
	)

	// RefreshesTotal counts token refresh calls that reached the endpoint, by result.
	RefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campusportal_token_refreshes_total",
			Help: "Total number of token refreshes by result.",
		},
		[]string{"result"},
	)

	// LogoutsTotal counts logouts by reason (user, expired).
	LogoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campusportal_logouts_total",
			Help: "Total number of logouts by reason.",
		},
		[]string{"reason"},
	)

	// GuardDecisionsTotal counts route guard outcomes.
	GuardDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campusportal_guard_decisions_total",
			Help: "Total number of route guard decisions by outcome.",
		},
		[]string{"outcome"},
	)

	// UnauthorizedResponsesTotal counts 401/403 responses seen by the request gateway.
	UnauthorizedResponsesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campusportal_gateway_unauthorized_responses_total",
			Help: "Total number of authorization failures returned by the backend.",
		},
		[]string{"status"},
	)

	Registry = prometheus.NewRegistry()
)

func init() {
	Registry.MustRegister(
		LoginsTotal,
		RefreshesTotal,
		LogoutsTotal,
		GuardDecisionsTotal,
		UnauthorizedResponsesTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves the registry in Prometheus exposition format
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

func Result(err error) string {
	if err != nil {
		return ResultFailure
	}
	return ResultSuccess
}
