package runtime

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/a-marczewski/tinyinfer/internal/catalog"
)

const defaultLoadSteps = 10

// Simulated is an offline Runtime producing deterministic replies. It backs
// the CLI when no local model server is configured and drives tests.
type Simulated struct {
	// StepDelay is slept before every token.
	StepDelay time.Duration

	// LoadSteps is the number of progress ticks reported during Load.
	LoadSteps int

	// LoadDelay is slept between progress ticks.
	LoadDelay time.Duration

	// LoadErr, when set, fails every Load after the first progress tick.
	LoadErr error

	// Fault, when set, is consulted before each token; a non-nil return fails
	// that step.
	Fault func(step int) error

	// Reply builds the full response for a prompt. Nil uses DefaultReply.
	Reply func(prompt string) string

	loads atomic.Int32
}

// DefaultReply is the canned response of the simulated runtime.
func DefaultReply(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return ""
	}
	return "Processed on device: " + prompt
}

// Loads returns how many Load calls completed successfully.
func (s *Simulated) Loads() int {
	return int(s.loads.Load())
}

func (s *Simulated) Load(ctx context.Context, model catalog.Descriptor, source string, progress ProgressFunc) (Session, error) {
	if progress == nil {
		progress = func(float64) {}
	}
	steps := s.LoadSteps
	if steps <= 0 {
		steps = defaultLoadSteps
	}

	for i := 1; i <= steps; i++ {
		if err := sleepCtx(ctx, s.LoadDelay); err != nil {
			return nil, err
		}
		if s.LoadErr != nil {
			return nil, fmt.Errorf("load %s: %w", model.Identifier, s.LoadErr)
		}
		progress(float64(i) / float64(steps))
	}

	s.loads.Add(1)
	return &simulatedSession{runtime: s, model: model}, nil
}

type simulatedSession struct {
	runtime *Simulated
	model   catalog.Descriptor
	closed  atomic.Bool
}

func (s *simulatedSession) Step(ctx context.Context, state *PromptState) (Token, error) {
	if s.closed.Load() {
		return Token{}, fmt.Errorf("session for %s is closed", s.model.Identifier)
	}
	if err := sleepCtx(ctx, s.runtime.StepDelay); err != nil {
		return Token{}, err
	}

	step := state.Generated()
	if s.runtime.Fault != nil {
		if err := s.runtime.Fault(step); err != nil {
			return Token{}, err
		}
	}

	reply := s.runtime.Reply
	if reply == nil {
		reply = DefaultReply
	}
	words := strings.Fields(reply(state.Prompt))
	if step >= len(words) {
		return Token{EOS: true}, nil
	}
	if step > 0 {
		return Token{Text: " " + words[step]}, nil
	}
	return Token{Text: words[step]}, nil
}

func (s *simulatedSession) Close() error {
	s.closed.Store(true)
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ Runtime = (*Simulated)(nil)
