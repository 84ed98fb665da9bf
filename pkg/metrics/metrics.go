// Package metrics exposes prometheus instrumentation for runs, ticks and
// publishing. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sitewright"

// Metrics holds the registered collectors.
type Metrics struct {
	registry *prometheus.Registry

	runsCreated     prometheus.Counter
	runOutcomes     *prometheus.CounterVec
	ticks           *prometheus.CounterVec
	tickProcessed   prometheus.Counter
	sweptRuns       prometheus.Counter
	publishes       prometheus.Counter
	generationTimes *prometheus.HistogramVec
}

// New creates a Metrics instance on its own registry, including the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		runsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_created_total",
			Help:      "Runs created.",
		}),
		runOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_outcomes_total",
			Help:      "Runs reaching a terminal status, by status.",
		}, []string{"status"}),
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Tick invocations, by whether the batch lease was acquired.",
		}, []string{"result"}),
		tickProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tick_runs_processed_total",
			Help:      "Runs processed by ticks.",
		}),
		sweptRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_runs_failed_total",
			Help:      "Running runs failed by the stale sweep.",
		}),
		publishes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publishes_total",
			Help:      "Artifacts published.",
		}),
		generationTimes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_duration_seconds",
			Help:      "Generation call latency, by outcome.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.runsCreated,
		m.runOutcomes,
		m.ticks,
		m.tickProcessed,
		m.sweptRuns,
		m.publishes,
		m.generationTimes,
	)

	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RunCreated() {
	if m == nil {
		return
	}

	m.runsCreated.Inc()
}

func (m *Metrics) RunFinished(status string) {
	if m == nil {
		return
	}

	m.runOutcomes.WithLabelValues(status).Inc()
}

// Tick records one tick invocation and how many runs it processed.
func (m *Metrics) Tick(acquired bool, processed int) {
	if m == nil {
		return
	}

	if !acquired {
		m.ticks.WithLabelValues("skipped").Inc()

		return
	}

	m.ticks.WithLabelValues("acquired").Inc()
	m.tickProcessed.Add(float64(processed))
}

func (m *Metrics) StaleRunFailed() {
	if m == nil {
		return
	}

	m.sweptRuns.Inc()
}

func (m *Metrics) Published() {
	if m == nil {
		return
	}

	m.publishes.Inc()
}

// ObserveGeneration records one generation call.
func (m *Metrics) ObserveGeneration(d time.Duration, ok bool) {
	if m == nil {
		return
	}

	outcome := "success"
	if !ok {
		outcome = "failure"
	}

	m.generationTimes.WithLabelValues(outcome).Observe(d.Seconds())
}
