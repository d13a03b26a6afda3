// Package metrics owns the orchestrator's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var durationBuckets = []float64{5, 15, 30, 60, 120, 300, 600, 1200, 3600}

// Recorder records domain metrics. A nil Recorder is a no-op.
type Recorder struct {
	admissions   *prometheus.CounterVec
	deployments  *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	statusWrites *prometheus.CounterVec
	proxy        *prometheus.CounterVec
}

// NewRecorder builds collectors and registers them, reusing already registered ones.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &Recorder{
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peep",
			Subsystem: "orchestrator",
			Name:      "admissions_total",
			Help:      "Deployment admission decisions by outcome",
		}, []string{"outcome"}),
		deployments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peep",
			Subsystem: "orchestrator",
			Name:      "deployments_total",
			Help:      "Deployments reaching a terminal status",
		}, []string{"kind", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "peep",
			Subsystem: "orchestrator",
			Name:      "deployment_duration_seconds",
			Help:      "Wall clock duration of deployments",
			Buckets:   durationBuckets,
		}, []string{"kind"}),
		statusWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peep",
			Subsystem: "orchestrator",
			Name:      "status_writes_total",
			Help:      "Resource status changes written by the aggregator",
		}, []string{"status"}),
		proxy: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peep",
			Subsystem: "orchestrator",
			Name:      "proxy_transitions_total",
			Help:      "Proxy status transitions",
		}, []string{"status"}),
	}
	r.admissions = registerCounter(reg, r.admissions)
	r.deployments = registerCounter(reg, r.deployments)
	r.statusWrites = registerCounter(reg, r.statusWrites)
	r.proxy = registerCounter(reg, r.proxy)
	if err := reg.Register(r.duration); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				r.duration = existing
			}
		}
	}
	return r
}

func registerCounter(reg prometheus.Registerer, c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return c
}

// Admission counts an admission outcome.
func (r *Recorder) Admission(outcome string) {
	if r == nil {
		return
	}
	r.admissions.WithLabelValues(outcome).Inc()
}

// DeploymentFinished counts a terminal deployment and observes its duration.
func (r *Recorder) DeploymentFinished(kind, status string, took time.Duration) {
	if r == nil {
		return
	}
	r.deployments.WithLabelValues(kind, status).Inc()
	if took > 0 {
		r.duration.WithLabelValues(kind).Observe(took.Seconds())
	}
}

// StatusWritten counts a resource status write.
func (r *Recorder) StatusWritten(status string) {
	if r == nil {
		return
	}
	r.statusWrites.WithLabelValues(status).Inc()
}

// ProxyTransition counts a proxy status write.
func (r *Recorder) ProxyTransition(status string) {
	if r == nil {
		return
	}
	r.proxy.WithLabelValues(status).Inc()
}
