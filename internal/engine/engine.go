// Package engine wires capability probing, selection, the model lifecycle,
// streaming generation, the semantic index and telemetry into one facade.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/a-marczewski/tinyinfer/internal/capability"
	"github.com/a-marczewski/tinyinfer/internal/catalog"
	"github.com/a-marczewski/tinyinfer/internal/config"
	"github.com/a-marczewski/tinyinfer/internal/inference"
	"github.com/a-marczewski/tinyinfer/internal/lifecycle"
	"github.com/a-marczewski/tinyinfer/internal/runtime"
	"github.com/a-marczewski/tinyinfer/internal/selection"
	"github.com/a-marczewski/tinyinfer/internal/semantic"
	"github.com/a-marczewski/tinyinfer/internal/telemetry"
	"go.uber.org/zap"
)

// Options overrides the collaborators New would otherwise build from config.
type Options struct {
	Runtime  runtime.Runtime
	Detector capability.Detector
	Embedder semantic.Embedder
	Catalog  *catalog.Catalog
	Metrics  *telemetry.Metrics
	Writer   *telemetry.SampleWriter

	// DB backs the embedding cache when the embedder is built from config.
	DB *sql.DB
}

// Engine is the on-device inference core.
type Engine struct {
	cfg    *config.Config
	logger *zap.Logger

	prober    *capability.Prober
	selector  *selection.Selector
	lifecycle *lifecycle.Manager
	generator *inference.Generator
	index     *semantic.Index
	telemetry *telemetry.Aggregator
	metrics   *telemetry.Metrics

	unsubscribe func()
	watchDone   chan struct{}
	closeOnce   sync.Once
}

// New builds an engine. The returned engine owns a background goroutine that
// mirrors lifecycle states into metrics; call Close to stop it.
func New(cfg *config.Config, logger *zap.Logger, opts Options) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg == nil {
		return nil, fmt.Errorf("engine: config is required")
	}

	rt := opts.Runtime
	if rt == nil {
		var err error
		if rt, err = NewRuntime(cfg, logger); err != nil {
			return nil, err
		}
	}
	detector := opts.Detector
	if detector == nil {
		detector = capability.NewSystemDetector()
	}
	embedder := opts.Embedder
	if embedder == nil {
		var err error
		if embedder, err = semantic.NewEmbedder(cfg, opts.DB, logger); err != nil {
			return nil, err
		}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewMetrics()
	}

	agg := telemetry.NewAggregator(logger,
		telemetry.WithMetrics(metrics),
		telemetry.WithWriter(opts.Writer),
		telemetry.WithRetention(cfg.SampleRetention),
	)
	lc := lifecycle.NewManager(rt, agg, logger)

	e := &Engine{
		cfg:       cfg,
		logger:    logger,
		prober:    capability.NewProber(detector, cfg.UsableMemoryFraction, logger),
		selector:  selection.NewSelector(opts.Catalog),
		lifecycle: lc,
		generator: inference.NewGenerator(lc, agg, metrics, logger),
		index:     semantic.NewIndex(embedder, logger),
		telemetry: agg,
		metrics:   metrics,
		watchDone: make(chan struct{}),
	}

	// Benchmark generations bypass the recorder so they never count as
	// user messages.
	agg.SetWorkload(newModelWorkload(
		lc,
		inference.NewGenerator(lc, nil, metrics, logger),
		telemetry.NewSyntheticWorkload(telemetry.SyntheticConfig{
			Prompt:            cfg.BenchmarkPrompt,
			ThroughputTokens:  cfg.ThroughputTokens,
			MemoryMegabytes:   cfg.MemoryMegabytes,
			ComputeIterations: cfg.ComputeIterations,
		}),
		cfg.BenchmarkPrompt,
	))

	states, unsubscribe := lc.Subscribe()
	e.unsubscribe = unsubscribe
	go e.watchLifecycle(states)

	return e, nil
}

// NewRuntime builds the configured execution runtime.
func NewRuntime(cfg *config.Config, logger *zap.Logger) (runtime.Runtime, error) {
	switch strings.ToLower(cfg.RuntimeBackend) {
	case "simulated", "":
		return &runtime.Simulated{StepDelay: time.Duration(cfg.StepDelayMs) * time.Millisecond}, nil
	case "http":
		return runtime.NewHTTP(cfg.RuntimeBaseURL, cfg.RuntimeAPIKey, logger), nil
	default:
		return nil, fmt.Errorf("unknown runtime backend: %s", cfg.RuntimeBackend)
	}
}

func (e *Engine) watchLifecycle(states <-chan lifecycle.State) {
	defer close(e.watchDone)

	kinds := lifecycle.Kinds()
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = k.String()
	}
	for s := range states {
		e.metrics.SetLifecycleState(s.Kind.String(), names)
	}
}

// ProbeCapabilities reads the device characteristics.
func (e *Engine) ProbeCapabilities(ctx context.Context) (capability.Snapshot, error) {
	return e.prober.Probe(ctx)
}

// Select picks a model for snapshot, honouring a configured model override.
func (e *Engine) Select(snapshot capability.Snapshot) selection.Result {
	result := e.selector.SelectWithOverride(snapshot, e.cfg.ModelOverride)
	if e.cfg.ModelOverride != "" && !result.Override {
		e.logger.Warn("Configured model override not in catalog",
			zap.String("model_id", e.cfg.ModelOverride),
			zap.String("selected", result.Model.Identifier),
		)
	}
	return result
}

// Catalog returns the models the engine selects from.
func (e *Engine) Catalog() *catalog.Catalog {
	return e.selector.Catalog()
}

// Load brings model into memory from the configured model directory.
func (e *Engine) Load(ctx context.Context, model catalog.Descriptor) error {
	return e.lifecycle.Load(ctx, model, e.modelSource(model))
}

func (e *Engine) modelSource(model catalog.Descriptor) string {
	if e.cfg.ModelSourceDir == "" {
		return ""
	}
	return filepath.Join(e.cfg.ModelSourceDir, model.Identifier)
}

// Bootstrap probes the device, selects a model and loads it.
func (e *Engine) Bootstrap(ctx context.Context) (selection.Result, error) {
	snapshot, err := e.ProbeCapabilities(ctx)
	if err != nil {
		return selection.Result{}, err
	}
	result := e.Select(snapshot)
	e.logger.Info("Model selected",
		zap.String("model_id", result.Model.Identifier),
		zap.Int("target_context_tokens", result.TargetContextTokens),
		zap.Bool("fallback", result.Fallback),
		zap.Bool("override", result.Override),
	)
	if err := e.Load(ctx, result.Model); err != nil {
		return result, err
	}
	return result, nil
}

// State returns the current lifecycle state.
func (e *Engine) State() lifecycle.State {
	return e.lifecycle.Current()
}

// Subscribe streams lifecycle states; see lifecycle.Manager.Subscribe.
func (e *Engine) Subscribe() (<-chan lifecycle.State, func()) {
	return e.lifecycle.Subscribe()
}

// Generate streams a response to prompt.
func (e *Engine) Generate(ctx context.Context, prompt string) (*inference.Stream, error) {
	return e.generator.Generate(ctx, prompt)
}

// Unload releases the model, cancelling any generation in flight.
func (e *Engine) Unload() error {
	return e.lifecycle.Unload()
}

// AddDocument embeds and indexes text.
func (e *Engine) AddDocument(ctx context.Context, text string) (semantic.Document, error) {
	return e.index.AddDocument(ctx, text)
}

// TopK returns the k documents most similar to query.
func (e *Engine) TopK(ctx context.Context, query string, k int) ([]semantic.Document, error) {
	return e.index.TopK(ctx, query, k)
}

// Search is TopK with scores.
func (e *Engine) Search(ctx context.Context, query string, k int) ([]semantic.Result, error) {
	return e.index.Search(ctx, query, k)
}

// Documents returns the indexed documents in insertion order.
func (e *Engine) Documents() []semantic.Document {
	return e.index.Documents()
}

func (e *Engine) RecordLocalProcessing() {
	e.telemetry.RecordLocalProcessing()
}

// RecordTransmission reports data leaving the device. It always returns
// ErrPrivacyAnomaly.
func (e *Engine) RecordTransmission(bytes int64) error {
	return e.telemetry.RecordTransmission(bytes)
}

// RunBenchmark runs the benchmark battery against the loaded model, or
// against synthetic work when no model is Ready.
func (e *Engine) RunBenchmark(ctx context.Context) (telemetry.PerformanceSummary, error) {
	return e.telemetry.RunBenchmark(ctx)
}

func (e *Engine) CurrentPrivacyCounters() telemetry.PrivacyCounters {
	return e.telemetry.PrivacyCounters()
}

func (e *Engine) CurrentPerformanceSummary() telemetry.PerformanceSummary {
	return e.telemetry.PerformanceSummary()
}

// Telemetry exposes the aggregator for history and benchmark reads.
func (e *Engine) Telemetry() *telemetry.Aggregator {
	return e.telemetry
}

// Metrics returns the engine's Prometheus collectors.
func (e *Engine) Metrics() *telemetry.Metrics {
	return e.metrics
}

// Close unloads the model and stops the metrics watcher.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		err = e.lifecycle.Close()
		e.unsubscribe()
		<-e.watchDone
	})
	return err
}
