package service

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics tracks job throughput. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry
	jobs     *prometheus.CounterVec
	stages   *prometheus.HistogramVec
	inFlight prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ltx2",
			Name:      "jobs_total",
			Help:      "Jobs processed, by outcome.",
		}, []string{"outcome"}),
		stages: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ltx2",
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each pipeline stage.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"stage"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ltx2",
			Name:      "jobs_in_flight",
			Help:      "Jobs currently being processed.",
		}),
	}
	m.registry.MustRegister(m.jobs, m.stages, m.inFlight)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) JobStarted() {
	if m != nil {
		m.inFlight.Inc()
	}
}

func (m *Metrics) JobFinished(outcome string) {
	if m != nil {
		m.inFlight.Dec()
		m.jobs.WithLabelValues(outcome).Inc()
	}
}

// ObserveStage records the time since start for stage.
func (m *Metrics) ObserveStage(stage string, start time.Time) {
	if m != nil {
		m.stages.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	}
}
