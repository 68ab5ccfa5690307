package bus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks bus-wide Prometheus collectors, grounded on the teacher's
// internal/realtime.RealtimeMetrics shape and generalized from "dashboard
// connections" to "bus subscriptions".
type Metrics struct {
	PublishedTotal      prometheus.Counter
	Delivered            *prometheus.GaugeVec
	DroppedTotal         *prometheus.CounterVec
	InterceptorPanics    prometheus.Counter
	SubscriptionsActive  prometheus.Gauge
	SubscriptionsDegraded prometheus.Gauge
	PublishLatencySeconds prometheus.Histogram
}

// NewMetrics registers bus collectors against reg. Each Bus instance
// should be given its own registry (or none, via NewMetrics(nil)) so
// tests can construct multiple buses without double-registration panics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PublishedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sentrycore",
			Subsystem: "bus",
			Name:      "published_total",
			Help:      "Total number of envelopes published to the bus.",
		}),
		Delivered: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sentrycore",
			Subsystem: "bus",
			Name:      "delivered",
			Help:      "Cumulative number of envelopes delivered to each subscription, sampled periodically.",
		}, []string{"topic", "subscription"}),
		DroppedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentrycore",
			Subsystem: "bus",
			Name:      "dropped_total",
			Help:      "Total number of envelopes dropped by a subscription's overflow policy.",
		}, []string{"topic", "policy"}),
		InterceptorPanics: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sentrycore",
			Subsystem: "bus",
			Name:      "interceptor_panics_total",
			Help:      "Total number of interceptor invocations that panicked and were treated as pass-through.",
		}),
		SubscriptionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "sentrycore",
			Subsystem: "bus",
			Name:      "subscriptions_active",
			Help:      "Current number of live subscriptions.",
		}),
		SubscriptionsDegraded: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "sentrycore",
			Subsystem: "bus",
			Name:      "subscriptions_degraded",
			Help:      "Current number of subscriptions flagged degraded after 3 consecutive handler failures or timeouts.",
		}),
		PublishLatencySeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sentrycore",
			Subsystem: "bus",
			Name:      "publish_latency_seconds",
			Help:      "Time spent inside Publish, including interceptor chain and enqueue.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
	}
}
