package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "aichat"

type Metrics struct {
	EnqueuedJobs  prometheus.Counter
	ProcessedJobs prometheus.Counter
	FailedJobs    prometheus.Counter
	UpdatesTotal  prometheus.Counter

	ProviderCalls      *prometheus.CounterVec
	ProviderLatency    *prometheus.HistogramVec
	TokensTotal        *prometheus.CounterVec
	RealityTransitions *prometheus.CounterVec
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			EnqueuedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_enqueued_total",
				Help:      "Total jobs enqueued to redis stream",
			}),
			ProcessedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_processed_total",
				Help:      "Total jobs successfully processed",
			}),
			FailedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_failed_total",
				Help:      "Total jobs failed during processing",
			}),
			UpdatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "telegram_updates_total",
				Help:      "Total telegram updates received",
			}),
			ProviderCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_calls_total",
				Help:      "Provider calls by provider, operation and outcome",
			}, []string{"provider", "operation", "outcome"}),
			ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_call_seconds",
				Help:      "Provider call latency",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
			}, []string{"provider"}),
			TokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tokens_total",
				Help:      "Tokens reported by providers",
			}, []string{"provider", "kind"}),
			RealityTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reality_transitions_total",
				Help:      "Reality state changes by target status",
			}, []string{"to"}),
		}
		prometheus.MustRegister(
			global.EnqueuedJobs, global.ProcessedJobs, global.FailedJobs, global.UpdatesTotal,
			global.ProviderCalls, global.ProviderLatency, global.TokensTotal, global.RealityTransitions,
		)
	})
	return global
}
