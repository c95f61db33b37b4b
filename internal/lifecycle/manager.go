// Package lifecycle owns the single loaded model and its state machine:
//
//	NotLoaded -> Loading -> Ready <-> Processing
//	Loading -> Error, Processing -> Error, any -> Error on execution fault
//	Ready | Processing | Error -> NotLoaded on unload
//	Error -> Loading on retry
//
// Reads of the current state never block. Transitions are serialized.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/a-marczewski/tinyinfer/internal/catalog"
	"github.com/a-marczewski/tinyinfer/internal/errdefs"
	"github.com/a-marczewski/tinyinfer/internal/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const subscriberBuffer = 64

// LoadRecorder is notified once per successful load, before Ready is published.
type LoadRecorder interface {
	RecordModelLoaded(model catalog.Descriptor, took time.Duration)
}

// Manager drives a runtime through the lifecycle.
type Manager struct {
	runtime  runtime.Runtime
	recorder LoadRecorder
	logger   *zap.Logger
	tracer   trace.Tracer

	state atomic.Pointer[State]

	mu      sync.Mutex
	session runtime.Session
	lease   *Lease
	loadSeq uint64
	subs    map[uint64]chan State
	nextSub uint64
}

// NewManager creates a manager in NotLoaded. recorder may be nil.
func NewManager(rt runtime.Runtime, recorder LoadRecorder, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		runtime:  rt,
		recorder: recorder,
		logger:   logger,
		tracer:   otel.Tracer("github.com/a-marczewski/tinyinfer/internal/lifecycle"),
		subs:     make(map[uint64]chan State),
	}
	m.state.Store(&State{Kind: NotLoaded})
	return m
}

// Current returns the latest published state without blocking.
func (m *Manager) Current() State {
	return *m.state.Load()
}

// TargetContextTokens returns the context budget of the loaded model, or 0.
func (m *Manager) TargetContextTokens() int {
	s := m.Current()
	if !s.HasModel() {
		return 0
	}
	return min(s.Model.PreferredContextTokens, s.Model.MaxContextTokens)
}

// publishLocked stores next and fans it out. Callers hold m.mu.
func (m *Manager) publishLocked(next State) {
	prev := m.state.Swap(&next)

	if next.Kind == Loading && prev.Kind == Loading {
		m.logger.Debug("Model load progress",
			zap.String("model_id", next.Model.Identifier),
			zap.Float64("progress", next.Progress),
		)
	} else {
		m.logger.Info("Lifecycle transition",
			zap.String("from", prev.Kind.String()),
			zap.String("to", next.Kind.String()),
			zap.String("model_id", next.Model.Identifier),
			zap.String("message", next.Message),
		)
	}

	for _, ch := range m.subs {
		deliver(ch, next)
	}
}

// deliver never blocks. When the buffer is full the oldest queued state is
// discarded so the newest always lands.
func deliver(ch chan State, s State) {
	for {
		select {
		case ch <- s:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Subscribe returns a channel that first yields the current state and then
// every later transition. Slow subscribers may miss intermediate states but
// always observe the latest one. The returned func ends the subscription and
// closes the channel.
func (m *Manager) Subscribe() (<-chan State, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSub
	m.nextSub++
	ch := make(chan State, subscriberBuffer)
	ch <- m.Current()
	m.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs, id)
			close(ch)
		})
	}
}

// Load brings model into memory. It is accepted only from NotLoaded or Error;
// otherwise ErrBusy. Cancelling ctx does not abort an in-flight load.
func (m *Manager) Load(ctx context.Context, model catalog.Descriptor, source string) error {
	m.mu.Lock()
	switch m.Current().Kind {
	case NotLoaded, Error:
	default:
		m.mu.Unlock()
		return fmt.Errorf("load %s: %w", model.Identifier, errdefs.ErrBusy)
	}
	if m.session != nil {
		_ = m.session.Close()
		m.session = nil
	}
	m.loadSeq++
	seq := m.loadSeq
	m.publishLocked(State{Kind: Loading, Progress: 0, Model: model})
	m.mu.Unlock()

	ctx, span := m.tracer.Start(context.WithoutCancel(ctx), "lifecycle.Load",
		trace.WithAttributes(
			attribute.String("model.identifier", model.Identifier),
			attribute.String("model.quantization", string(model.Quantization)),
		),
	)
	defer span.End()

	start := time.Now()
	session, err := m.runtime.Load(ctx, model, source, func(p float64) {
		m.progress(seq, p)
	})
	took := time.Since(start)

	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.Current()
	if err == nil && (seq != m.loadSeq || cur.Kind != Loading) {
		_ = session.Close()
		err = errors.New("load superseded by an execution fault")
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if seq == m.loadSeq && cur.Kind == Loading {
			m.publishLocked(State{Kind: Error, Model: model, Message: err.Error()})
		}
		m.logger.Error("Model load failed", zap.String("model_id", model.Identifier), zap.Error(err))
		return fmt.Errorf("%w: %s: %w", errdefs.ErrLoadFailed, model.Identifier, err)
	}

	if cur.Progress < 1 {
		m.publishLocked(State{Kind: Loading, Progress: 1, Model: model})
	}
	m.session = session
	if m.recorder != nil {
		m.recorder.RecordModelLoaded(model, took)
	}
	m.publishLocked(State{Kind: Ready, Model: model})
	span.SetStatus(codes.Ok, "")
	return nil
}

// progress publishes a clamped, non-decreasing Loading state for load seq.
func (m *Manager) progress(seq uint64, p float64) {
	if p != p { // NaN
		return
	}
	p = max(0, min(1, p))

	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.Current()
	if seq != m.loadSeq || cur.Kind != Loading || p <= cur.Progress {
		return
	}
	m.publishLocked(State{Kind: Loading, Progress: p, Model: cur.Model})
}

// Unload releases the model. NotLoaded is a no-op; Loading returns ErrBusy.
// An in-flight generation is cancelled.
func (m *Manager) Unload() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.Current().Kind {
	case NotLoaded:
		return nil
	case Loading:
		return fmt.Errorf("unload: %w", errdefs.ErrBusy)
	}

	m.revokeLeaseLocked()
	if m.session != nil {
		if err := m.session.Close(); err != nil {
			m.logger.Warn("Failed to close model session", zap.Error(err))
		}
		m.session = nil
	}
	m.publishLocked(State{Kind: NotLoaded})
	return nil
}

// Fail moves any state to Error.
func (m *Manager) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failLocked(err)
}

func (m *Manager) failLocked(err error) {
	msg := "execution fault"
	if err != nil {
		msg = err.Error()
	}
	m.revokeLeaseLocked()
	m.publishLocked(State{Kind: Error, Model: m.Current().Model, Message: msg})
}

func (m *Manager) revokeLeaseLocked() {
	if m.lease != nil {
		m.lease.cancel()
		m.lease = nil
	}
}

// Acquire moves Ready to Processing and lends the session to the caller.
// It fails with ErrBusy while Processing and ErrNotReady otherwise.
func (m *Manager) Acquire() (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.Current()
	switch cur.Kind {
	case Ready:
	case Processing:
		return nil, errdefs.ErrBusy
	default:
		return nil, fmt.Errorf("%w: state is %s", errdefs.ErrNotReady, cur.Kind)
	}

	ctx, cancel := context.WithCancel(context.Background())
	lease := &Lease{
		manager: m,
		session: m.session,
		model:   cur.Model,
		ctx:     ctx,
		cancel:  cancel,
	}
	m.lease = lease
	m.publishLocked(State{Kind: Processing, Model: cur.Model})
	return lease, nil
}

// Close unloads the model if possible.
func (m *Manager) Close() error {
	return m.Unload()
}

// Lease is exclusive use of the loaded session for one generation.
type Lease struct {
	manager *Manager
	session runtime.Session
	model   catalog.Descriptor
	ctx     context.Context
	cancel  context.CancelFunc
}

// Session returns the leased session.
func (l *Lease) Session() runtime.Session {
	return l.session
}

// Model returns the leased model.
func (l *Lease) Model() catalog.Descriptor {
	return l.model
}

// Context is cancelled when the lease is revoked by Unload or Fail.
func (l *Lease) Context() context.Context {
	return l.ctx
}

// Release returns the model to Ready. It is a no-op once the lease has ended.
func (l *Lease) Release() {
	m := l.manager
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lease != l {
		return
	}
	m.lease = nil
	l.cancel()
	m.publishLocked(State{Kind: Ready, Model: l.model})
}

// Fail moves the model to Error. It is a no-op once the lease has ended.
func (l *Lease) Fail(err error) {
	m := l.manager
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lease != l {
		return
	}
	m.failLocked(err)
}
