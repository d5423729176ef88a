package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	TriggerRuns               = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_runs_total", Help: "Dispatch batch runs triggered"})
	DispatchPosted            = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_posted_total", Help: "Schedules delivered successfully"})
	DispatchRetries           = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_retries_total", Help: "Failed deliveries with a retry scheduled"})
	DispatchPermanentFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_permanent_failures_total", Help: "Schedules that exhausted their retry budget"})
	DispatchReclaimed         = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_reclaimed_total", Help: "Stale processing claims returned to pending"})
	RateLimitRejects          = prometheus.NewCounter(prometheus.CounterOpts{Name: "schedule_rate_limit_rejects_total", Help: "Schedule creations rejected by rate limiter"})
	OverdueGauge              = prometheus.NewGauge(prometheus.GaugeOpts{Name: "schedules_overdue", Help: "Pending schedules past their scheduled instant"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			TriggerRuns,
			DispatchPosted,
			DispatchRetries,
			DispatchPermanentFailures,
			DispatchReclaimed,
			RateLimitRejects,
			OverdueGauge,
		)
	})
	return promhttp.Handler()
}
