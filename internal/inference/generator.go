// Package inference turns a prompt into a cancellable stream of incremental
// events against the model held by the lifecycle.
package inference

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/a-marczewski/tinyinfer/internal/errdefs"
	"github.com/a-marczewski/tinyinfer/internal/lifecycle"
	"github.com/a-marczewski/tinyinfer/internal/runtime"
	"github.com/a-marczewski/tinyinfer/internal/telemetry"
	"github.com/a-marczewski/tinyinfer/internal/tokens"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Recorder receives per-generation telemetry.
type Recorder interface {
	RecordLocalProcessing()
	RecordSample(sample telemetry.PerformanceSample)
}

// Observer receives generation metrics for every outcome.
type Observer interface {
	ObserveGeneration(outcome string, took time.Duration, tokens int)
}

// Generator runs prompts on the lifecycle's model. At most one generation is
// in flight; others are rejected with ErrBusy.
type Generator struct {
	lifecycle *lifecycle.Manager
	recorder  Recorder
	observer  Observer
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewGenerator creates a generator. recorder and observer may be nil.
func NewGenerator(lc *lifecycle.Manager, recorder Recorder, observer Observer, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{
		lifecycle: lc,
		recorder:  recorder,
		observer:  observer,
		logger:    logger,
		tracer:    otel.Tracer("github.com/a-marczewski/tinyinfer/internal/inference"),
	}
}

// Generate starts a generation. It fails with ErrNotReady when no model is
// Ready and ErrBusy while another generation holds the model; no events are
// produced in either case. The stream stops when ctx is done, Cancel is
// called, the model is unloaded, or the context budget is exhausted.
func (g *Generator) Generate(ctx context.Context, prompt string) (*Stream, error) {
	lease, err := g.lifecycle.Acquire()
	if err != nil {
		return nil, err
	}

	budget := g.lifecycle.TargetContextTokens()
	maxNew := tokens.Remaining(prompt, budget)

	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(lease.Context(), cancel)

	ctx, span := g.tracer.Start(ctx, "inference.Generate",
		trace.WithAttributes(
			attribute.String("model.identifier", lease.Model().Identifier),
			attribute.Int("generation.max_new_tokens", maxNew),
		),
	)

	s := newStream(cancel)
	p := &producer{
		gen:    g,
		lease:  lease,
		stream: s,
		state:  &runtime.PromptState{Prompt: prompt, MaxNewTokens: maxNew},
		span:   span,
		start:  time.Now(),
	}
	go func() {
		defer stop()
		defer cancel()
		p.run(ctx)
	}()

	return s, nil
}

type producer struct {
	gen    *Generator
	lease  *lifecycle.Lease
	stream *Stream
	state  *runtime.PromptState
	span   trace.Span
	start  time.Time
	text   string
}

func (p *producer) run(ctx context.Context) {
	outcome, err := p.produce(ctx)
	p.finish(outcome, err)
}

// produce holds one token of lookahead so the final event carries the last
// token and IsComplete together.
func (p *producer) produce(ctx context.Context) (Outcome, error) {
	session := p.lease.Session()
	maxNew := p.state.MaxNewTokens

	if maxNew <= 0 {
		return p.complete(ctx, "")
	}

	next, err := session.Step(ctx, p.state)
	if err != nil {
		return p.stepFailed(ctx, err)
	}
	if next.EOS {
		return p.complete(ctx, "")
	}

	for {
		p.state.Tokens = append(p.state.Tokens, next.Text)
		if len(p.state.Tokens) >= maxNew {
			return p.complete(ctx, next.Text)
		}

		following, err := session.Step(ctx, p.state)
		if err != nil {
			return p.stepFailed(ctx, err)
		}
		if following.EOS {
			return p.complete(ctx, next.Text)
		}

		if !p.emit(ctx, next.Text, false) {
			return Cancelled, nil
		}
		next = following
	}
}

// complete emits the final event. A cancellation racing the send wins.
func (p *producer) complete(ctx context.Context, delta string) (Outcome, error) {
	if !p.emit(ctx, delta, true) {
		return Cancelled, nil
	}
	return Completed, nil
}

// stepFailed treats a revoked lease as cancellation. The lease context is
// checked directly since the AfterFunc propagating it to ctx may not have run.
func (p *producer) stepFailed(ctx context.Context, err error) (Outcome, error) {
	if ctx.Err() != nil || p.lease.Context().Err() != nil || errors.Is(err, context.Canceled) {
		return Cancelled, nil
	}
	return Failed, fmt.Errorf("%w: %w", errdefs.ErrGenerationFailed, err)
}

func (p *producer) emit(ctx context.Context, delta string, complete bool) bool {
	if ctx.Err() != nil {
		return false
	}
	p.text += delta
	ev := Event{
		Text:            p.text,
		Delta:           delta,
		TokensGenerated: len(p.state.Tokens),
		ElapsedSeconds:  time.Since(p.start).Seconds(),
		IsComplete:      complete,
	}
	select {
	case p.stream.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// finish releases the model and records telemetry before the event channel
// closes, so a consumer that sees the close observes the final state.
func (p *producer) finish(outcome Outcome, err error) {
	g := p.gen
	took := time.Since(p.start)

	sample := telemetry.PerformanceSample{
		ResponseTimeMs:  float64(took.Microseconds()) / 1000,
		TokensPerSecond: tokensPerSecond(len(p.state.Tokens), took),
		Timestamp:       time.Now(),
		Source:          telemetry.SourceLive,
	}

	switch outcome {
	case Completed:
		p.lease.Release()
		sample.Success = true
		if g.recorder != nil {
			g.recorder.RecordLocalProcessing()
			g.recorder.RecordSample(sample)
		}
		p.span.SetStatus(codes.Ok, "")
		g.logger.Debug("Generation completed",
			zap.Int("tokens", len(p.state.Tokens)),
			zap.Duration("took", took),
		)
	case Cancelled:
		p.lease.Release()
		g.logger.Debug("Generation cancelled", zap.Int("tokens", len(p.state.Tokens)))
	case Failed:
		p.lease.Fail(err)
		if g.recorder != nil {
			g.recorder.RecordSample(sample)
		}
		p.span.RecordError(err)
		p.span.SetStatus(codes.Error, err.Error())
		g.logger.Error("Generation failed", zap.Error(err))
	}

	if g.observer != nil {
		g.observer.ObserveGeneration(outcome.String(), took, len(p.state.Tokens))
	}
	p.span.SetAttributes(
		attribute.String("generation.outcome", outcome.String()),
		attribute.Int("generation.tokens", len(p.state.Tokens)),
	)
	p.span.End()

	p.stream.outcome, p.stream.err = outcome, err
	close(p.stream.events)
	close(p.stream.done)
}

func tokensPerSecond(n int, took time.Duration) float64 {
	if n == 0 || took <= 0 {
		return 0
	}
	return float64(n) / took.Seconds()
}
