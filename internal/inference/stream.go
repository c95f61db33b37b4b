package inference

import (
	"context"
)

// Event is one incremental generation update. Text is the full output so
// far and always extends the previous event's Text by Delta.
type Event struct {
	Text            string  `json:"text"`
	Delta           string  `json:"delta"`
	TokensGenerated int     `json:"tokens_generated"`
	ElapsedSeconds  float64 `json:"elapsed_seconds"`
	IsComplete      bool    `json:"is_complete"`
}

// Outcome is how a stream ended.
type Outcome int

const (
	Completed Outcome = iota
	Cancelled
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Stream is a single-use sequence of events for one prompt.
type Stream struct {
	events chan Event
	cancel context.CancelFunc
	done   chan struct{}

	outcome Outcome
	err     error
}

func newStream(cancel context.CancelFunc) *Stream {
	return &Stream{
		events: make(chan Event),
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Events yields updates in order. The channel closes after the final event,
// or without one when the stream is cancelled or fails.
func (s *Stream) Events() <-chan Event {
	return s.events
}

// Cancel stops generation at the next suspension point. It is safe to call
// more than once and after the stream has finished.
func (s *Stream) Cancel() {
	s.cancel()
}

// Done is closed once the producer has exited and the model is released.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Wait discards unread events, blocks until the producer exits and reports
// the outcome. Only Failed carries an error.
func (s *Stream) Wait() (Outcome, error) {
	for range s.events {
	}
	<-s.done
	return s.outcome, s.err
}

// Collect reads every event and returns the last one with the outcome.
func (s *Stream) Collect() (Event, Outcome, error) {
	var last Event
	for ev := range s.events {
		last = ev
	}
	<-s.done
	return last, s.outcome, s.err
}
