package httpx

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/localvercel/internal/service/webhook"
)

var histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

type routerMetrics struct {
	requests        *prometheus.CounterVec
	latency         *prometheus.HistogramVec
	rateLimited     *prometheus.CounterVec
	webhookOutcomes *prometheus.CounterVec
}

func newRouterMetrics(reg prometheus.Registerer) *routerMetrics {
	opts := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{Namespace: "peep", Subsystem: "orchestrator", Name: name, Help: help}
	}
	return &routerMetrics{
		requests: register(reg, prometheus.NewCounterVec(
			opts("http_requests_total", "Count of processed HTTP requests"),
			[]string{"method", "route", "status"})),
		latency: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "peep",
			Subsystem: "orchestrator",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"})),
		rateLimited: register(reg, prometheus.NewCounterVec(
			opts("rate_limited_requests_total", "Requests rejected by a rate limit, by route class and budget subject"),
			[]string{"class", "subject"})),
		webhookOutcomes: register(reg, prometheus.NewCounterVec(
			opts("webhook_outcomes_total", "Per-application webhook results"),
			[]string{"event", "status"})),
	}
}

// register adds c to reg, reusing the collector already registered under the
// same name when a second router is built against the same registry.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

func (r *Router) recordRequestMetrics(method, route string, status int, duration time.Duration) {
	if r.metrics == nil {
		return
	}
	labels := prometheus.Labels{"method": method, "route": route, "status": strconv.Itoa(status)}
	r.metrics.requests.With(labels).Inc()
	r.metrics.latency.With(labels).Observe(duration.Seconds())
}

func (r *Router) recordRateLimitHit(class, subject string) {
	if r.metrics == nil {
		return
	}
	r.metrics.rateLimited.WithLabelValues(class, subject).Inc()
}

func (r *Router) recordWebhookOutcomes(event string, outcomes []webhook.Outcome) {
	if r.metrics == nil {
		return
	}
	for _, o := range outcomes {
		r.metrics.webhookOutcomes.WithLabelValues(event, o.Status).Inc()
	}
}
