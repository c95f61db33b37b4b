// Package runtime defines the execution capability the lifecycle drives: a
// Runtime loads a model into a Session and a Session produces one token per
// Step. Two implementations live here: a deterministic Simulated runtime and
// an HTTP runtime speaking the OpenAI-compatible streaming protocol to a
// local server.
package runtime

import (
	"context"

	"github.com/a-marczewski/tinyinfer/internal/catalog"
)

// ProgressFunc receives load progress in [0, 1]. Implementations may call it
// any number of times, in any order; the lifecycle clamps and orders values.
type ProgressFunc func(fraction float64)

// Token is one step of output. EOS marks the end of generation and carries
// no text.
type Token struct {
	Text string
	EOS  bool
}

// PromptState is the per-generation context a Session advances.
type PromptState struct {
	Prompt       string
	Tokens       []string
	MaxNewTokens int
}

// Generated returns the number of tokens produced so far.
func (p *PromptState) Generated() int {
	return len(p.Tokens)
}

// Session is a loaded model. Sessions are used by one generation at a time.
type Session interface {
	Step(ctx context.Context, state *PromptState) (Token, error)
	Close() error
}

// Runtime loads models. Load blocks until the model is usable or fails.
type Runtime interface {
	Load(ctx context.Context, model catalog.Descriptor, source string, progress ProgressFunc) (Session, error)
}
