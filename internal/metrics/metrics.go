// Package metrics collects Prometheus metrics for conformance runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dicomconform"

// Recorder owns a private registry so runs never leak into the default one.
type Recorder struct {
	registry *prometheus.Registry

	loads       *prometheus.CounterVec
	loadSeconds *prometheus.HistogramVec
	comparisons *prometheus.CounterVec
	scenarios   *prometheus.CounterVec
	scenarioDur *prometheus.HistogramVec
	fetches     *prometheus.CounterVec
	indexed     prometheus.Counter
}

// New registers all collectors on a fresh registry.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loads_total",
			Help:      "Volume loads by reader approach and outcome.",
		}, []string{"approach", "outcome"}),
		loadSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "load_duration_seconds",
			Help:      "Time spent loading a series with one reader approach.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"approach"}),
		comparisons: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "comparisons_total",
			Help:      "Pairwise volume comparisons by result.",
		}, []string{"result"}),
		scenarios: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scenarios_total",
			Help:      "Scenario runs by scenario and result.",
		}, []string{"scenario", "result"}),
		scenarioDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scenario_duration_seconds",
			Help:      "Wall time of one scenario on one dataset.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"scenario"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetches_total",
			Help:      "Dataset provisioning attempts by result.",
		}, []string{"result"}),
		indexed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "indexed_instances_total",
			Help:      "DICOM instances written to index databases.",
		}),
	}
	r.registry.MustRegister(r.loads, r.loadSeconds, r.comparisons, r.scenarios, r.scenarioDur, r.fetches, r.indexed)
	return r
}

// Registry exposes the registry, for tests and exposition.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

func result(ok bool) string {
	if ok {
		return "pass"
	}
	return "fail"
}

// ObserveLoad records one load attempt.
func (r *Recorder) ObserveLoad(approach, outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.loads.WithLabelValues(approach, outcome).Inc()
	r.loadSeconds.WithLabelValues(approach).Observe(d.Seconds())
}

// ObserveComparison records one pairwise comparison.
func (r *Recorder) ObserveComparison(equal bool) {
	if r == nil {
		return
	}
	r.comparisons.WithLabelValues(result(equal)).Inc()
}

// ObserveScenario records one scenario run.
func (r *Recorder) ObserveScenario(scenario string, passed bool, d time.Duration) {
	if r == nil {
		return
	}
	r.scenarios.WithLabelValues(scenario, result(passed)).Inc()
	r.scenarioDur.WithLabelValues(scenario).Observe(d.Seconds())
}

// ObserveFetch records one provisioning attempt.
func (r *Recorder) ObserveFetch(ok bool) {
	if r == nil {
		return
	}
	r.fetches.WithLabelValues(result(ok)).Inc()
}

// AddIndexed counts instances written to an index database.
func (r *Recorder) AddIndexed(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.indexed.Add(float64(n))
}

// WriteTextfile writes the metrics in the text exposition format, for the
// node exporter textfile collector.
func (r *Recorder) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, r.registry)
}
