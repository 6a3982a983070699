package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	ChatRequests        prometheus.Counter
	ChatFailures        prometheus.Counter
	ChatRateLimited     prometheus.Counter
	DiscoveryRuns       prometheus.Counter
	DiscoveryFallbacks  prometheus.Counter
	RefreshJobsEnqueued prometheus.Counter
	RefreshJobsDone     prometheus.Counter
	RefreshJobsFailed   prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			ChatRequests: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "omnichat",
				Name:      "chat_requests_total",
				Help:      "Total chat sends dispatched to a provider",
			}),
			ChatFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "omnichat",
				Name:      "chat_failures_total",
				Help:      "Total chat sends that ended in an error",
			}),
			ChatRateLimited: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "omnichat",
				Name:      "chat_rate_limited_total",
				Help:      "Total chat sends rejected by a provider rate limit",
			}),
			DiscoveryRuns: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "omnichat",
				Name:      "discovery_runs_total",
				Help:      "Total model discovery calls issued",
			}),
			DiscoveryFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "omnichat",
				Name:      "discovery_fallbacks_total",
				Help:      "Total discovery failures recovered with static default models",
			}),
			RefreshJobsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "omnichat",
				Name:      "refresh_enqueued_total",
				Help:      "Total model refresh jobs enqueued to redis stream",
			}),
			RefreshJobsDone: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "omnichat",
				Name:      "refresh_processed_total",
				Help:      "Total model refresh jobs successfully processed",
			}),
			RefreshJobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "omnichat",
				Name:      "refresh_failed_total",
				Help:      "Total model refresh jobs failed during processing",
			}),
		}
		prometheus.MustRegister(
			global.ChatRequests, global.ChatFailures, global.ChatRateLimited,
			global.DiscoveryRuns, global.DiscoveryFallbacks,
			global.RefreshJobsEnqueued, global.RefreshJobsDone, global.RefreshJobsFailed,
		)
	})
	return global
}
