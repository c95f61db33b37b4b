package telemetry

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/a-marczewski/tinyinfer/internal/catalog"
	"github.com/a-marczewski/tinyinfer/internal/errdefs"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DefaultRetention is the number of live samples kept in memory.
const DefaultRetention = 1000

// view is the immutable state readers observe.
type view struct {
	privacy PrivacyCounters
	summary PerformanceSummary
}

// Aggregator is the process-wide telemetry sink. Reads are lock-free
// snapshots; writes are serialized.
type Aggregator struct {
	logger  *zap.Logger
	metrics *Metrics
	writer  *SampleWriter
	tracer  trace.Tracer

	current atomic.Pointer[view]

	mu        sync.Mutex
	samples   []PerformanceSample
	retention int

	benchmarking  atomic.Bool
	workload      BenchmarkWorkload
	lastBenchmark atomic.Pointer[BenchmarkRun]
	now           func() time.Time
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithMetrics mirrors every update into Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(a *Aggregator) { a.metrics = m }
}

// WithWriter persists every update through w.
func WithWriter(w *SampleWriter) Option {
	return func(a *Aggregator) { a.writer = w }
}

// WithRetention bounds the in-memory sample window.
func WithRetention(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.retention = n
		}
	}
}

// WithWorkload sets the benchmark workload.
func WithWorkload(w BenchmarkWorkload) Option {
	return func(a *Aggregator) { a.workload = w }
}

// NewAggregator creates an aggregator with zeroed counters.
func NewAggregator(logger *zap.Logger, opts ...Option) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Aggregator{
		logger:    logger,
		retention: DefaultRetention,
		tracer:    otel.Tracer("github.com/a-marczewski/tinyinfer/internal/telemetry"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.workload == nil {
		a.workload = NewSyntheticWorkload(SyntheticConfig{})
	}
	a.current.Store(&view{})
	return a
}

// SetWorkload replaces the benchmark workload.
func (a *Aggregator) SetWorkload(w BenchmarkWorkload) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if w != nil {
		a.workload = w
	}
}

// updateLocked applies fn to a copy of the current view and publishes it. Callers hold a.mu.
func (a *Aggregator) updateLocked(fn func(v *view)) {
	next := *a.current.Load()
	fn(&next)
	a.current.Store(&next)
}

// RecordLocalProcessing counts one message handled on device.
func (a *Aggregator) RecordLocalProcessing() {
	a.mu.Lock()
	a.updateLocked(func(v *view) { v.privacy.ProcessedLocally++ })
	a.mu.Unlock()

	a.metrics.incProcessedLocally()
	a.writer.WritePrivacyEvent("local", 0, a.now())
}

// RecordTransmission counts data leaving the device. This is never expected;
// the event is logged at error level and ErrPrivacyAnomaly is returned.
func (a *Aggregator) RecordTransmission(bytes int64) error {
	a.mu.Lock()
	var total int64
	a.updateLocked(func(v *view) {
		v.privacy.SentToCloud++
		total = v.privacy.SentToCloud
	})
	a.mu.Unlock()

	a.metrics.incTransmission()
	a.writer.WritePrivacyEvent("transmission", bytes, a.now())
	a.logger.Error("Privacy anomaly: data transmitted off device",
		zap.Int64("bytes", bytes),
		zap.Int64("sent_to_cloud", total),
	)
	return fmt.Errorf("%w: %d bytes", errdefs.ErrPrivacyAnomaly, bytes)
}

// RecordSample folds a live sample into the summary.
func (a *Aggregator) RecordSample(sample PerformanceSample) {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = a.now()
	}
	if sample.Source == "" {
		sample.Source = SourceLive
	}

	a.mu.Lock()
	a.samples = append(a.samples, sample)
	if over := len(a.samples) - a.retention; over > 0 {
		a.samples = append(a.samples[:0:0], a.samples[over:]...)
	}
	a.updateLocked(func(v *view) { v.summary = v.summary.add(sample) })
	a.mu.Unlock()

	a.writer.WriteSample(sample, "")
}

// RecordModelLoaded notes a successful load.
func (a *Aggregator) RecordModelLoaded(model catalog.Descriptor, took time.Duration) {
	a.metrics.observeModelLoaded(model.Identifier, took)
	a.logger.Info("Model loaded",
		zap.String("model_id", model.Identifier),
		zap.Duration("took", took),
	)
}

// PrivacyCounters returns the current counters.
func (a *Aggregator) PrivacyCounters() PrivacyCounters {
	return a.current.Load().privacy
}

// PerformanceSummary returns the running summary of live samples.
func (a *Aggregator) PerformanceSummary() PerformanceSummary {
	return a.current.Load().summary
}

// Anomalous reports whether any transmission has been recorded.
func (a *Aggregator) Anomalous() bool {
	return a.current.Load().privacy.SentToCloud > 0
}

// Samples returns the retained live samples, oldest first.
func (a *Aggregator) Samples() []PerformanceSample {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]PerformanceSample, len(a.samples))
	copy(out, a.samples)
	return out
}

// LastBenchmark returns the most recent completed benchmark run.
func (a *Aggregator) LastBenchmark() (BenchmarkRun, bool) {
	run := a.lastBenchmark.Load()
	if run == nil {
		return BenchmarkRun{}, false
	}
	return *run, true
}

// Reset zeroes counters and discards samples. Prometheus counters are
// monotonic and are left alone.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.samples = nil
	a.current.Store(&view{})
	a.lastBenchmark.Store(nil)
	a.logger.Info("Telemetry reset")
}
