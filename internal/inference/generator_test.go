package inference

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/a-marczewski/tinyinfer/internal/catalog"
	"github.com/a-marczewski/tinyinfer/internal/errdefs"
	"github.com/a-marczewski/tinyinfer/internal/lifecycle"
	"github.com/a-marczewski/tinyinfer/internal/runtime"
	"github.com/a-marczewski/tinyinfer/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var baseline = catalog.Descriptor{
	Identifier:             "tiny-1b-int4",
	Quantization:           catalog.Int4,
	MaxContextTokens:       4096,
	MinPlatformMajor:       16,
	RequiredMemoryMB:       1000,
	PreferredContextTokens: 2048,
}

type observation struct {
	outcome string
	tokens  int
}

type fakeObserver struct {
	mu  sync.Mutex
	obs []observation
}

func (f *fakeObserver) ObserveGeneration(outcome string, took time.Duration, tokens int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.obs = append(f.obs, observation{outcome, tokens})
}

func setup(t *testing.T, sim *runtime.Simulated, model catalog.Descriptor) (*Generator, *lifecycle.Manager, *telemetry.Aggregator, *fakeObserver) {
	t.Helper()
	agg := telemetry.NewAggregator(zap.NewNop())
	lc := lifecycle.NewManager(sim, agg, zap.NewNop())
	require.NoError(t, lc.Load(context.Background(), model, ""))
	obs := &fakeObserver{}
	return NewGenerator(lc, agg, obs, zap.NewNop()), lc, agg, obs
}

func TestGenerateStreamsIncrementalEvents(t *testing.T) {
	sim := &runtime.Simulated{Reply: func(string) string { return "one two three four" }}
	gen, lc, agg, obs := setup(t, sim, baseline)

	stream, err := gen.Generate(context.Background(), "count")
	require.NoError(t, err)

	var events []Event
	for ev := range stream.Events() {
		events = append(events, ev)
	}
	outcome, err := stream.Wait()
	require.NoError(t, err)
	assert.Equal(t, Completed, outcome)

	require.Len(t, events, 4)
	for i, ev := range events {
		assert.Equal(t, i+1, ev.TokensGenerated)
		assert.Equal(t, i == len(events)-1, ev.IsComplete)
		if i > 0 {
			assert.True(t, strings.HasPrefix(ev.Text, events[i-1].Text))
			assert.Equal(t, events[i-1].Text+ev.Delta, ev.Text)
			assert.GreaterOrEqual(t, ev.ElapsedSeconds, events[i-1].ElapsedSeconds)
		}
	}
	assert.Equal(t, "one two three four", events[3].Text)

	assert.Equal(t, lifecycle.Ready, lc.Current().Kind)
	assert.Equal(t, int64(1), agg.PrivacyCounters().ProcessedLocally)
	summary := agg.PerformanceSummary()
	assert.Equal(t, 1, summary.TotalSamples)
	assert.InDelta(t, 1, summary.SuccessRate, 1e-9)
	assert.Equal(t, []observation{{"completed", 4}}, obs.obs)
}

func TestGenerateEmptyReply(t *testing.T) {
	sim := &runtime.Simulated{Reply: func(string) string { return "" }}
	gen, lc, agg, _ := setup(t, sim, baseline)

	stream, err := gen.Generate(context.Background(), "anything")
	require.NoError(t, err)

	last, outcome, err := stream.Collect()
	require.NoError(t, err)
	assert.Equal(t, Completed, outcome)
	assert.True(t, last.IsComplete)
	assert.Equal(t, 0, last.TokensGenerated)
	assert.Empty(t, last.Text)
	assert.Equal(t, lifecycle.Ready, lc.Current().Kind)
	assert.Equal(t, int64(1), agg.PrivacyCounters().ProcessedLocally)
}

func TestGenerateRejectsWhenNotReady(t *testing.T) {
	agg := telemetry.NewAggregator(zap.NewNop())
	lc := lifecycle.NewManager(&runtime.Simulated{}, agg, zap.NewNop())
	gen := NewGenerator(lc, agg, nil, nil)

	_, err := gen.Generate(context.Background(), "hi")
	assert.ErrorIs(t, err, errdefs.ErrNotReady)
	assert.Equal(t, lifecycle.NotLoaded, lc.Current().Kind)
}

func TestGenerateRejectsConcurrentGeneration(t *testing.T) {
	sim := &runtime.Simulated{StepDelay: 20 * time.Millisecond}
	gen, lc, _, _ := setup(t, sim, baseline)

	first, err := gen.Generate(context.Background(), "a long enough prompt to take a while")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Processing, lc.Current().Kind)

	_, err = gen.Generate(context.Background(), "second")
	assert.ErrorIs(t, err, errdefs.ErrBusy)

	first.Cancel()
	outcome, err := first.Wait()
	require.NoError(t, err)
	assert.Equal(t, Cancelled, outcome)
	assert.Equal(t, lifecycle.Ready, lc.Current().Kind)
}

func TestCancelMidStream(t *testing.T) {
	sim := &runtime.Simulated{
		StepDelay: 5 * time.Millisecond,
		Reply:     func(string) string { return strings.Repeat("word ", 200) },
	}
	gen, lc, agg, obs := setup(t, sim, baseline)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, err := gen.Generate(ctx, "go")
	require.NoError(t, err)

	received := 0
	for ev := range stream.Events() {
		received++
		assert.False(t, ev.IsComplete)
		if received == 3 {
			cancel()
			break
		}
	}

	outcome, err := stream.Wait()
	require.NoError(t, err, "cancellation is not an error")
	assert.Equal(t, Cancelled, outcome)

	_, open := <-stream.Events()
	assert.False(t, open, "no events after cancellation")

	assert.Equal(t, lifecycle.Ready, lc.Current().Kind)
	assert.Equal(t, int64(0), agg.PrivacyCounters().ProcessedLocally)
	assert.Equal(t, 0, agg.PerformanceSummary().TotalSamples)
	require.Len(t, obs.obs, 1)
	assert.Equal(t, "cancelled", obs.obs[0].outcome)

	// The model is usable again
	next, err := gen.Generate(context.Background(), "again")
	require.NoError(t, err)
	_, outcome, err = next.Collect()
	require.NoError(t, err)
	assert.Equal(t, Completed, outcome)
}

func TestRuntimeFaultMovesLifecycleToError(t *testing.T) {
	sim := &runtime.Simulated{Fault: func(step int) error {
		if step == 2 {
			return errors.New("accelerator lost")
		}
		return nil
	}}
	gen, lc, agg, _ := setup(t, sim, baseline)

	stream, err := gen.Generate(context.Background(), "one two three four five")
	require.NoError(t, err)

	last, outcome, err := stream.Collect()
	assert.Equal(t, Failed, outcome)
	assert.ErrorIs(t, err, errdefs.ErrGenerationFailed)
	assert.Contains(t, err.Error(), "accelerator lost")
	assert.False(t, last.IsComplete)

	cur := lc.Current()
	assert.Equal(t, lifecycle.Error, cur.Kind)
	assert.Contains(t, cur.Message, "accelerator lost")

	assert.Equal(t, int64(0), agg.PrivacyCounters().ProcessedLocally)
	summary := agg.PerformanceSummary()
	assert.Equal(t, 1, summary.TotalSamples)
	assert.InDelta(t, 0, summary.SuccessRate, 1e-9)

	_, err = gen.Generate(context.Background(), "retry")
	assert.ErrorIs(t, err, errdefs.ErrNotReady)
}

func TestUnloadCancelsGeneration(t *testing.T) {
	sim := &runtime.Simulated{
		StepDelay: 5 * time.Millisecond,
		Reply:     func(string) string { return strings.Repeat("token ", 500) },
	}
	gen, lc, _, _ := setup(t, sim, baseline)

	stream, err := gen.Generate(context.Background(), "go")
	require.NoError(t, err)
	<-stream.Events()

	require.NoError(t, lc.Unload())

	outcome, err := stream.Wait()
	require.NoError(t, err)
	assert.Equal(t, Cancelled, outcome)
	assert.Equal(t, lifecycle.NotLoaded, lc.Current().Kind)
}

// unloadingRuntime yields one token, then unloads the model from inside Step
// and reports the closed session without looking at ctx.
type unloadingRuntime struct {
	lc *lifecycle.Manager
}

func (r *unloadingRuntime) Load(ctx context.Context, model catalog.Descriptor, source string, progress runtime.ProgressFunc) (runtime.Session, error) {
	return &unloadingSession{rt: r}, nil
}

type unloadingSession struct {
	rt *unloadingRuntime
}

func (s *unloadingSession) Step(ctx context.Context, state *runtime.PromptState) (runtime.Token, error) {
	if state.Generated() == 0 {
		return runtime.Token{Text: "first"}, nil
	}
	if err := s.rt.lc.Unload(); err != nil {
		return runtime.Token{}, err
	}
	return runtime.Token{}, errors.New("session is closed")
}

func (s *unloadingSession) Close() error {
	return nil
}

func TestSessionClosedByUnloadIsCancellation(t *testing.T) {
	rt := &unloadingRuntime{}
	agg := telemetry.NewAggregator(zap.NewNop())
	lc := lifecycle.NewManager(rt, agg, zap.NewNop())
	rt.lc = lc
	require.NoError(t, lc.Load(context.Background(), baseline, ""))
	gen := NewGenerator(lc, agg, nil, zap.NewNop())

	for i := 0; i < 20; i++ {
		if lc.Current().Kind == lifecycle.NotLoaded {
			require.NoError(t, lc.Load(context.Background(), baseline, ""))
		}

		stream, err := gen.Generate(context.Background(), "go")
		require.NoError(t, err)

		outcome, err := stream.Wait()
		require.NoError(t, err)
		assert.Equal(t, Cancelled, outcome)
		assert.Equal(t, lifecycle.NotLoaded, lc.Current().Kind)
	}

	assert.Equal(t, 0, agg.PerformanceSummary().TotalSamples)
}

func TestGenerationStopsAtContextBudget(t *testing.T) {
	small := baseline
	small.Identifier = "tiny-budget"
	small.PreferredContextTokens = 8
	sim := &runtime.Simulated{Reply: func(string) string { return strings.Repeat("w ", 100) }}
	gen, _, _, _ := setup(t, sim, small)

	// "two words" counts as 2 prompt tokens, leaving 6 for generation
	stream, err := gen.Generate(context.Background(), "two words")
	require.NoError(t, err)

	last, outcome, err := stream.Collect()
	require.NoError(t, err)
	assert.Equal(t, Completed, outcome)
	assert.True(t, last.IsComplete)
	assert.Equal(t, 6, last.TokensGenerated)
}

func TestPromptExceedingBudgetCompletesEmpty(t *testing.T) {
	small := baseline
	small.PreferredContextTokens = 2
	gen, _, _, _ := setup(t, &runtime.Simulated{}, small)

	stream, err := gen.Generate(context.Background(), "this prompt is far too long")
	require.NoError(t, err)

	last, outcome, err := stream.Collect()
	require.NoError(t, err)
	assert.Equal(t, Completed, outcome)
	assert.True(t, last.IsComplete)
	assert.Equal(t, 0, last.TokensGenerated)
}

func TestCancelAfterFinishIsSafe(t *testing.T) {
	gen, _, _, _ := setup(t, &runtime.Simulated{}, baseline)
	stream, err := gen.Generate(context.Background(), "hi")
	require.NoError(t, err)

	outcome, err := stream.Wait()
	require.NoError(t, err)
	assert.Equal(t, Completed, outcome)

	stream.Cancel()
	stream.Cancel()
	<-stream.Done()
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "completed", Completed.String())
	assert.Equal(t, "cancelled", Cancelled.String())
	assert.Equal(t, "failed", Failed.String())
}
