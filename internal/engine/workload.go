package engine

import (
	"context"
	"errors"
	"time"

	"github.com/a-marczewski/tinyinfer/internal/inference"
	"github.com/a-marczewski/tinyinfer/internal/lifecycle"
	"github.com/a-marczewski/tinyinfer/internal/telemetry"
)

// modelWorkload times the response and throughput phases against the loaded
// model. Memory and compute phases, and every phase while no model is Ready,
// run the synthetic workload.
type modelWorkload struct {
	lifecycle *lifecycle.Manager
	generator *inference.Generator
	synthetic *telemetry.SyntheticWorkload
	prompt    string
}

func newModelWorkload(lc *lifecycle.Manager, gen *inference.Generator, synthetic *telemetry.SyntheticWorkload, prompt string) *modelWorkload {
	return &modelWorkload{lifecycle: lc, generator: gen, synthetic: synthetic, prompt: prompt}
}

func (w *modelWorkload) Name() string {
	if s := w.lifecycle.Current(); s.Kind == lifecycle.Ready {
		return s.Model.Identifier
	}
	return w.synthetic.Name()
}

func (w *modelWorkload) Run(ctx context.Context, phase telemetry.Phase) (telemetry.PerformanceSample, error) {
	if w.lifecycle.Current().Kind != lifecycle.Ready {
		return w.synthetic.Run(ctx, phase)
	}
	switch phase {
	case telemetry.PhaseResponseTime:
		return w.firstToken(ctx)
	case telemetry.PhaseThroughput:
		return w.fullGeneration(ctx)
	default:
		return w.synthetic.Run(ctx, phase)
	}
}

// firstToken measures the latency to the first event and then cancels.
func (w *modelWorkload) firstToken(ctx context.Context) (telemetry.PerformanceSample, error) {
	start := time.Now()
	stream, err := w.generator.Generate(ctx, w.prompt)
	if err != nil {
		return telemetry.PerformanceSample{}, err
	}
	ev, ok := <-stream.Events()
	took := time.Since(start)
	stream.Cancel()

	outcome, err := stream.Wait()
	if err != nil {
		return telemetry.PerformanceSample{}, err
	}
	if !ok && outcome == inference.Cancelled {
		return telemetry.PerformanceSample{}, interrupted(ctx)
	}
	return sampleFor(took, ev.TokensGenerated), nil
}

func (w *modelWorkload) fullGeneration(ctx context.Context) (telemetry.PerformanceSample, error) {
	start := time.Now()
	stream, err := w.generator.Generate(ctx, w.prompt)
	if err != nil {
		return telemetry.PerformanceSample{}, err
	}
	last, outcome, err := stream.Collect()
	if err != nil {
		return telemetry.PerformanceSample{}, err
	}
	if outcome != inference.Completed {
		return telemetry.PerformanceSample{}, interrupted(ctx)
	}
	return sampleFor(time.Since(start), last.TokensGenerated), nil
}

// interrupted reports why a benchmark generation stopped early.
func interrupted(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.New("benchmark generation was cancelled")
}

func sampleFor(took time.Duration, tokens int) telemetry.PerformanceSample {
	took = max(took, time.Microsecond)
	return telemetry.PerformanceSample{
		ResponseTimeMs:  float64(took.Microseconds()) / 1000,
		TokensPerSecond: float64(tokens) / took.Seconds(),
		Success:         true,
		Timestamp:       time.Now(),
	}
}

var _ telemetry.BenchmarkWorkload = (*modelWorkload)(nil)
