package runtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/a-marczewski/tinyinfer/internal/catalog"
	"go.uber.org/zap"
)

// HTTP is a Runtime backed by a model server on the local host that speaks
// the OpenAI-compatible chat protocol (llama.cpp server, Ollama, LM Studio).
type HTTP struct {
	client *Client
	logger *zap.Logger
}

// NewHTTP creates an HTTP runtime for endpoint.
func NewHTTP(endpoint, apiKey string, logger *zap.Logger) *HTTP {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTP{client: NewClient(endpoint, apiKey), logger: logger}
}

// Load warms the model with a one-token completion so the server has it
// resident before the first generation. The source, when set, names the
// server-side model; otherwise the catalog identifier is used.
func (h *HTTP) Load(ctx context.Context, model catalog.Descriptor, source string, progress ProgressFunc) (Session, error) {
	if progress == nil {
		progress = func(float64) {}
	}
	name := source
	if name == "" {
		name = model.Identifier
	}

	progress(0)
	h.logger.Debug("Warming model on local server", zap.String("model", name))

	_, err := h.client.Chat(ctx, ChatRequest{
		Model:     name,
		Messages:  []Message{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("warm %s: %w", name, err)
	}
	progress(1)

	return &httpSession{client: h.client, model: name, logger: h.logger}, nil
}

type httpSession struct {
	client *Client
	model  string
	logger *zap.Logger

	mu      sync.Mutex
	current *PromptState
	chunks  <-chan StreamChunk
	cancel  context.CancelFunc
	closed  bool
}

// Step opens a stream on the first call for a PromptState and then returns
// one content delta per call. Deltas without text are skipped.
func (s *httpSession) Step(ctx context.Context, state *PromptState) (Token, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Token{}, fmt.Errorf("session for %s is closed", s.model)
	}
	if s.current != state {
		s.stopLocked()
		streamCtx, cancel := context.WithCancel(ctx)
		chunks, err := s.client.StreamChat(streamCtx, ChatRequest{
			Model:     s.model,
			Messages:  []Message{{Role: "user", Content: state.Prompt}},
			MaxTokens: state.MaxNewTokens,
		})
		if err != nil {
			cancel()
			s.mu.Unlock()
			return Token{}, err
		}
		s.current, s.chunks, s.cancel = state, chunks, cancel
	}
	chunks := s.chunks
	s.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return Token{}, ctx.Err()
		case chunk, ok := <-chunks:
			if !ok || chunk.Done {
				s.finish(state)
				return Token{EOS: true}, nil
			}
			if chunk.Error != nil {
				s.finish(state)
				return Token{}, chunk.Error
			}
			if text := deltaText(chunk.Response); text != "" {
				return Token{Text: text}, nil
			}
		}
	}
}

func deltaText(resp *ChatResponse) string {
	if resp == nil || len(resp.Choices) == 0 {
		return ""
	}
	if delta := resp.Choices[0].Delta; delta != nil {
		return delta.Content
	}
	if msg := resp.Choices[0].Message; msg != nil {
		return msg.Content
	}
	return ""
}

func (s *httpSession) finish(state *PromptState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == state {
		s.stopLocked()
	}
}

func (s *httpSession) stopLocked() {
	if s.cancel != nil {
		s.cancel()
	}
	s.current, s.chunks, s.cancel = nil, nil, nil
}

func (s *httpSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	s.closed = true
	return nil
}

var _ Runtime = (*HTTP)(nil)
