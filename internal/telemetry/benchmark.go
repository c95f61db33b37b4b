package telemetry

import (
	"context"
	"fmt"
	"math"
	goruntime "runtime"
	"strings"
	"time"

	"github.com/a-marczewski/tinyinfer/internal/errdefs"
	"github.com/a-marczewski/tinyinfer/internal/tokens"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Phase names one benchmark micro-test.
type Phase string

const (
	PhaseResponseTime Phase = "response_time"
	PhaseThroughput   Phase = "throughput"
	PhaseMemory       Phase = "memory"
	PhaseCompute      Phase = "compute"
)

// Phases returns the benchmark battery in execution order.
func Phases() []Phase {
	return []Phase{PhaseResponseTime, PhaseThroughput, PhaseMemory, PhaseCompute}
}

// BenchmarkWorkload performs the work for each phase. Run returns one sample;
// an error marks the phase failed unless the context was cancelled.
type BenchmarkWorkload interface {
	Name() string
	Run(ctx context.Context, phase Phase) (PerformanceSample, error)
}

// RunBenchmark executes every phase sequentially and returns the fold of the
// run's samples. Only one run may be in flight; a concurrent call gets
// ErrBusy. Benchmark samples are persisted and kept as the last run but are
// not mixed into the live summary.
func (a *Aggregator) RunBenchmark(ctx context.Context) (PerformanceSummary, error) {
	if !a.benchmarking.CompareAndSwap(false, true) {
		return PerformanceSummary{}, fmt.Errorf("benchmark: %w", errdefs.ErrBusy)
	}
	defer a.benchmarking.Store(false)

	a.mu.Lock()
	workload := a.workload
	a.mu.Unlock()

	ctx, span := a.tracer.Start(ctx, "telemetry.RunBenchmark",
		trace.WithAttributes(attribute.String("benchmark.workload", workload.Name())),
	)
	defer span.End()

	run := BenchmarkRun{
		ID:        uuid.NewString(),
		Model:     workload.Name(),
		StartedAt: a.now(),
	}
	a.logger.Info("Benchmark started", zap.String("run_id", run.ID), zap.String("workload", run.Model))

	for _, phase := range Phases() {
		sample, err := a.runPhase(ctx, workload, phase)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			a.metrics.incBenchmark("error")
			a.logger.Warn("Benchmark aborted", zap.String("run_id", run.ID), zap.Error(err))
			return PerformanceSummary{}, err
		}
		run.Samples = append(run.Samples, sample)
	}

	run.Summary = Summarize(run.Samples)
	run.FinishedAt = a.now()
	a.lastBenchmark.Store(&run)
	a.writer.WriteBenchmarkRun(run)
	a.metrics.incBenchmark("success")

	a.logger.Info("Benchmark complete",
		zap.String("run_id", run.ID),
		zap.Float64("avg_response_time_ms", run.Summary.AverageResponseTimeMs),
		zap.Float64("avg_tokens_per_second", run.Summary.AverageTokensPerSecond),
		zap.Float64("success_rate", run.Summary.SuccessRate),
	)
	span.SetStatus(codes.Ok, "")
	return run.Summary, nil
}

// Benchmarking reports whether a run is in flight.
func (a *Aggregator) Benchmarking() bool {
	return a.benchmarking.Load()
}

// runPhase returns an error only when ctx is done.
func (a *Aggregator) runPhase(ctx context.Context, workload BenchmarkWorkload, phase Phase) (PerformanceSample, error) {
	if err := ctx.Err(); err != nil {
		return PerformanceSample{}, err
	}

	ctx, span := a.tracer.Start(ctx, "benchmark."+string(phase))
	defer span.End()

	start := time.Now()
	sample, err := workload.Run(ctx, phase)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return PerformanceSample{}, ctxErr
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		a.logger.Warn("Benchmark phase failed", zap.String("phase", string(phase)), zap.Error(err))
		sample = PerformanceSample{
			ResponseTimeMs: float64(time.Since(start).Microseconds()) / 1000,
			Success:        false,
		}
	}

	sample.Phase = phase
	sample.Source = SourceBenchmark
	if sample.Timestamp.IsZero() {
		sample.Timestamp = a.now()
	}
	span.SetAttributes(
		attribute.Float64("sample.response_time_ms", sample.ResponseTimeMs),
		attribute.Float64("sample.tokens_per_second", sample.TokensPerSecond),
		attribute.Bool("sample.success", sample.Success),
	)
	return sample, nil
}

// SyntheticConfig sizes the synthetic workload.
type SyntheticConfig struct {
	Prompt            string
	ThroughputTokens  int
	MemoryMegabytes   int
	ComputeIterations int
}

// SyntheticWorkload exercises the device without a model. The memory and
// compute phases report their rate in work units per second (megabytes
// touched, thousands of iterations) in the TokensPerSecond field.
type SyntheticWorkload struct {
	cfg SyntheticConfig
}

// NewSyntheticWorkload fills unset sizes with defaults.
func NewSyntheticWorkload(cfg SyntheticConfig) *SyntheticWorkload {
	if strings.TrimSpace(cfg.Prompt) == "" {
		cfg.Prompt = "Summarize the benefits of running language models on device."
	}
	if cfg.ThroughputTokens <= 0 {
		cfg.ThroughputTokens = 64
	}
	if cfg.MemoryMegabytes <= 0 {
		cfg.MemoryMegabytes = 32
	}
	if cfg.ComputeIterations <= 0 {
		cfg.ComputeIterations = 200000
	}
	return &SyntheticWorkload{cfg: cfg}
}

func (w *SyntheticWorkload) Name() string {
	return "synthetic"
}

func (w *SyntheticWorkload) Run(ctx context.Context, phase Phase) (PerformanceSample, error) {
	switch phase {
	case PhaseResponseTime:
		return w.responseTime(ctx)
	case PhaseThroughput:
		return w.throughput(ctx)
	case PhaseMemory:
		return w.memory(ctx)
	case PhaseCompute:
		return w.compute(ctx)
	default:
		return PerformanceSample{}, fmt.Errorf("unknown benchmark phase %q", phase)
	}
}

func (w *SyntheticWorkload) responseTime(ctx context.Context) (PerformanceSample, error) {
	start := time.Now()
	count := tokens.CountTokens(w.cfg.Prompt)
	if err := ctx.Err(); err != nil {
		return PerformanceSample{}, err
	}
	return rateSample(start, float64(count)), nil
}

func (w *SyntheticWorkload) throughput(ctx context.Context) (PerformanceSample, error) {
	words := strings.Fields(w.cfg.Prompt)
	var b strings.Builder

	start := time.Now()
	for i := 0; i < w.cfg.ThroughputTokens; i++ {
		if i%64 == 0 {
			if err := ctx.Err(); err != nil {
				return PerformanceSample{}, err
			}
		}
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(words[i%len(words)])
	}
	produced := tokens.CountTokens(b.String())
	return rateSample(start, float64(produced)), nil
}

func (w *SyntheticWorkload) memory(ctx context.Context) (PerformanceSample, error) {
	var before, after goruntime.MemStats
	goruntime.ReadMemStats(&before)

	start := time.Now()
	size := w.cfg.MemoryMegabytes * 1024 * 1024
	buf := make([]byte, size)
	for i := 0; i < size; i += 4096 {
		if i%(1024*1024) == 0 {
			if err := ctx.Err(); err != nil {
				return PerformanceSample{}, err
			}
		}
		buf[i] = byte(i)
	}
	sample := rateSample(start, float64(w.cfg.MemoryMegabytes))

	goruntime.ReadMemStats(&after)
	grown := float64(after.TotalAlloc-before.TotalAlloc) / (1024 * 1024)
	sample.MemoryUsageMB = math.Max(grown, float64(len(buf))/(1024*1024))
	return sample, nil
}

func (w *SyntheticWorkload) compute(ctx context.Context) (PerformanceSample, error) {
	start := time.Now()
	acc := 0.0
	for i := 1; i <= w.cfg.ComputeIterations; i++ {
		if i%10000 == 0 {
			if err := ctx.Err(); err != nil {
				return PerformanceSample{}, err
			}
		}
		acc += math.Sqrt(float64(i)) * math.Sin(float64(i))
	}
	if math.IsNaN(acc) {
		return PerformanceSample{}, fmt.Errorf("compute phase produced NaN")
	}
	return rateSample(start, float64(w.cfg.ComputeIterations)/1000), nil
}

// rateSample builds a successful sample for units of work done since start.
func rateSample(start time.Time, units float64) PerformanceSample {
	elapsed := max(time.Since(start), time.Microsecond)
	return PerformanceSample{
		ResponseTimeMs:  float64(elapsed.Microseconds()) / 1000,
		TokensPerSecond: units / elapsed.Seconds(),
		Success:         true,
		Timestamp:       time.Now(),
	}
}

var _ BenchmarkWorkload = (*SyntheticWorkload)(nil)
