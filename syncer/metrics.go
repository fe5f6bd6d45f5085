package syncer

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// counterVec registers the collector, reusing one a previous Service in the
// same process (tests build several) already registered.
func counterVec(opts prometheus.CounterOpts, labels ...string) *prometheus.CounterVec {
	vec := prometheus.NewCounterVec(opts, labels)
	if err := prometheus.Register(vec); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector.(*prometheus.CounterVec)
		}
		panic(err)
	}
	return vec
}

var (
	webhooksReceived = counterVec(prometheus.CounterOpts{
		Namespace: "vigor",
		Subsystem: "webhooks",
		Name:      "received_total",
		Help:      "Verified webhook deliveries per provider",
	}, "provider")

	webhooksRejected = counterVec(prometheus.CounterOpts{
		Namespace: "vigor",
		Subsystem: "webhooks",
		Name:      "rejected_total",
		Help:      "Deliveries that failed signature verification",
	}, "provider")

	webhooksDuplicate = counterVec(prometheus.CounterOpts{
		Namespace: "vigor",
		Subsystem: "webhooks",
		Name:      "duplicate_total",
		Help:      "Replayed deliveries dropped by the event key",
	}, "provider")

	webhooksDropped = counterVec(prometheus.CounterOpts{
		Namespace: "vigor",
		Subsystem: "webhooks",
		Name:      "dropped_total",
		Help:      "Deliveries dropped before processing",
	}, "provider", "reason")

	documentsStored = counterVec(prometheus.CounterOpts{
		Namespace: "vigor",
		Subsystem: "sync",
		Name:      "documents_total",
		Help:      "Documents upserted per provider",
	}, "provider")

	metricsInserted = counterVec(prometheus.CounterOpts{
		Namespace: "vigor",
		Subsystem: "sync",
		Name:      "metrics_total",
		Help:      "Newly inserted metrics per provider",
	}, "provider")

	tokenRefreshes = counterVec(prometheus.CounterOpts{
		Namespace: "vigor",
		Subsystem: "oauth",
		Name:      "refreshes_total",
		Help:      "Token refreshes per provider and outcome",
	}, "provider", "outcome")

	rateLimitWaits = counterVec(prometheus.CounterOpts{
		Namespace: "vigor",
		Subsystem: "client",
		Name:      "rate_waits_total",
		Help:      "Requests that blocked on the provider rate window",
	}, "provider")

	syncRuns = counterVec(prometheus.CounterOpts{
		Namespace: "vigor",
		Subsystem: "sync",
		Name:      "runs_total",
		Help:      "Backfill runs per provider and outcome",
	}, "provider", "outcome")
)
