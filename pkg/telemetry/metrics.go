// Package telemetry exposes the Prometheus metrics the runtime reports.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	AgentsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "wingman",
		Name:      "agents_active",
		Help:      "Number of live agent handles.",
	})
	AgentEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wingman",
		Name:      "agent_evictions_total",
		Help:      "Agent handles evicted, by reason.",
	}, []string{"reason"})
	TokensRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "wingman",
		Name:      "tokens_recorded_total",
		Help:      "Total tokens recorded across all conversations.",
	})
	ChecksBlocked = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "wingman",
		Name:      "limit_checks_blocked_total",
		Help:      "Limit checks that denied a request.",
	})
	WarningsEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "wingman",
		Name:      "usage_warnings_total",
		Help:      "Usage warnings emitted when a conversation crosses its threshold.",
	})
	RetryAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "wingman",
		Name:      "retry_attempts_total",
		Help:      "Provider call attempts that failed and were retried.",
	})
)

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
