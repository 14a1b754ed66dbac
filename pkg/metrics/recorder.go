// Package metrics records agent session metrics with Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"autocoder/pkg/features"
)

// Namespace prefixes every metric name.
const Namespace = "autocoder"

// Recorder receives orchestration metrics.
type Recorder interface {
	// ObserveSession records one finished agent session.
	ObserveSession(kind, outcome string, duration time.Duration)
	// ObservePromptTokens records the estimated size of a rendered prompt.
	ObservePromptTokens(kind string, tokens int)
	// SetFeatures publishes the latest registry summary.
	SetFeatures(summary features.Summary)
	// IncPauses counts runs paused by an interrupt.
	IncPauses()
}

// NopRecorder discards everything.
type NopRecorder struct{}

func (NopRecorder) ObserveSession(string, string, time.Duration) {}
func (NopRecorder) ObservePromptTokens(string, int)              {}
func (NopRecorder) SetFeatures(features.Summary)                 {}
func (NopRecorder) IncPauses()                                   {}

// PrometheusRecorder implements Recorder on its own registry, so several
// recorders can coexist (tests) and nothing leaks into the global default.
type PrometheusRecorder struct {
	registry        *prometheus.Registry
	sessionsTotal   *prometheus.CounterVec
	sessionDuration *prometheus.HistogramVec
	promptTokens    *prometheus.HistogramVec
	features        *prometheus.GaugeVec
	pausesTotal     prometheus.Counter
}

// NewPrometheusRecorder creates a recorder with a fresh registry. Go runtime
// and process collectors are registered alongside the session metrics.
func NewPrometheusRecorder() *PrometheusRecorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &PrometheusRecorder{
		registry: registry,
		sessionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "sessions_total",
				Help:      "Total number of agent sessions by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		sessionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "session_duration_seconds",
				Help:      "Duration of agent sessions in seconds",
				// Sessions run from seconds to well over an hour.
				Buckets: []float64{10, 30, 60, 120, 300, 600, 900, 1800, 3600, 7200},
			},
			[]string{"kind"},
		),
		promptTokens: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "prompt_tokens",
				Help:      "Estimated token count of rendered prompts",
				Buckets:   prometheus.ExponentialBuckets(256, 2, 10),
			},
			[]string{"kind"},
		),
		features: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "features",
				Help:      "Feature counts from the latest registry read",
			},
			[]string{"state"},
		),
		pausesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "pauses_total",
				Help:      "Total number of runs paused by an interrupt",
			},
		),
	}
}

// Registry returns the registry the recorder writes to.
func (p *PrometheusRecorder) Registry() *prometheus.Registry {
	return p.registry
}

// ObserveSession records one finished agent session.
func (p *PrometheusRecorder) ObserveSession(kind, outcome string, duration time.Duration) {
	p.sessionsTotal.WithLabelValues(kind, outcome).Inc()
	p.sessionDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// ObservePromptTokens records the estimated size of a rendered prompt.
func (p *PrometheusRecorder) ObservePromptTokens(kind string, tokens int) {
	p.promptTokens.WithLabelValues(kind).Observe(float64(tokens))
}

// SetFeatures publishes the latest registry summary.
func (p *PrometheusRecorder) SetFeatures(summary features.Summary) {
	p.features.WithLabelValues("total").Set(float64(summary.Total))
	p.features.WithLabelValues("completed").Set(float64(summary.Completed))
	p.features.WithLabelValues("pending").Set(float64(summary.Pending))
}

// IncPauses counts runs paused by an interrupt.
func (p *PrometheusRecorder) IncPauses() {
	p.pausesTotal.Inc()
}
