package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "tinyinfer"

// Metrics exposes the core's counters to Prometheus. It owns a private
// registry so multiple engines in one process do not collide. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	generations        *prometheus.CounterVec
	generationDuration prometheus.Histogram
	tokensGenerated    prometheus.Counter
	modelLoads         *prometheus.CounterVec
	modelLoadDuration  prometheus.Histogram
	processedLocally   prometheus.Counter
	sentToCloud        prometheus.Counter
	privacyAnomalies   prometheus.Counter
	benchmarkRuns      *prometheus.CounterVec
	lifecycleState     *prometheus.GaugeVec
}

// NewMetrics registers every collector on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		generations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "inference",
			Name:      "generations_total",
			Help:      "Generations by outcome (completed, cancelled, failed)",
		}, []string{"outcome"}),
		generationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "inference",
			Name:      "generation_duration_seconds",
			Help:      "Wall time of a generation from start to final event",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		tokensGenerated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "inference",
			Name:      "tokens_generated_total",
			Help:      "Tokens produced across all generations",
		}),
		modelLoads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "lifecycle",
			Name:      "model_loads_total",
			Help:      "Successful model loads by model identifier",
		}, []string{"model"}),
		modelLoadDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "lifecycle",
			Name:      "model_load_duration_seconds",
			Help:      "Time to bring a model to Ready",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30, 60},
		}),
		processedLocally: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "privacy",
			Name:      "messages_processed_locally_total",
			Help:      "Messages processed entirely on device",
		}),
		sentToCloud: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "privacy",
			Name:      "messages_sent_to_cloud_total",
			Help:      "Messages transmitted off device",
		}),
		privacyAnomalies: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "privacy",
			Name:      "anomalies_total",
			Help:      "Detected off-device transmissions",
		}),
		benchmarkRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "benchmark",
			Name:      "runs_total",
			Help:      "Benchmark runs by status (success, error)",
		}, []string{"status"}),
		lifecycleState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "lifecycle",
			Name:      "state",
			Help:      "1 for the current lifecycle state, 0 otherwise",
		}, []string{"state"}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveGeneration records a finished generation.
func (m *Metrics) ObserveGeneration(outcome string, took time.Duration, tokens int) {
	if m == nil {
		return
	}
	m.generations.WithLabelValues(outcome).Inc()
	m.generationDuration.Observe(took.Seconds())
	m.tokensGenerated.Add(float64(tokens))
}

func (m *Metrics) observeModelLoaded(model string, took time.Duration) {
	if m == nil {
		return
	}
	m.modelLoads.WithLabelValues(model).Inc()
	m.modelLoadDuration.Observe(took.Seconds())
}

func (m *Metrics) incProcessedLocally() {
	if m == nil {
		return
	}
	m.processedLocally.Inc()
}

func (m *Metrics) incTransmission() {
	if m == nil {
		return
	}
	m.sentToCloud.Inc()
	m.privacyAnomalies.Inc()
}

func (m *Metrics) incBenchmark(status string) {
	if m == nil {
		return
	}
	m.benchmarkRuns.WithLabelValues(status).Inc()
}

// SetLifecycleState marks current as the active state among all.
func (m *Metrics) SetLifecycleState(current string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		m.lifecycleState.WithLabelValues(s).Set(v)
	}
}
