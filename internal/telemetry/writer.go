package telemetry

import (
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	writerBufferSize = 100
)

// BenchmarkRun is a persisted benchmark result.
type BenchmarkRun struct {
	ID         string              `json:"id"`
	Model      string              `json:"model"`
	Summary    PerformanceSummary  `json:"summary"`
	Samples    []PerformanceSample `json:"samples,omitempty"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at"`
}

type privacyEvent struct {
	kind       string
	bytes      int64
	recordedAt time.Time
}

// record is one queued write. Exactly one field is set.
type record struct {
	sample  *PerformanceSample
	runID   string
	privacy *privacyEvent
	run     *BenchmarkRun
}

// SampleWriter persists telemetry to SQLite in the background. Writes never
// block callers: when the buffer is full the record is dropped. A nil
// *SampleWriter is valid and persists nothing.
type SampleWriter struct {
	db        *sql.DB
	logger    *zap.Logger
	records   chan record
	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
	dropped   atomic.Int64
}

// NewSampleWriter creates a new async writer.
// Pass nil for db to disable persistence.
func NewSampleWriter(db *sql.DB, logger *zap.Logger) *SampleWriter {
	if db == nil {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	w := &SampleWriter{
		db:      db,
		logger:  logger,
		records: make(chan record, writerBufferSize),
		done:    make(chan struct{}),
	}

	w.wg.Add(1)
	go w.writeLoop()

	return w
}

// WriteSample queues a performance sample.
func (w *SampleWriter) WriteSample(sample PerformanceSample, runID string) {
	w.enqueue(record{sample: &sample, runID: runID})
}

// WritePrivacyEvent queues a privacy event of kind "local" or "transmission".
func (w *SampleWriter) WritePrivacyEvent(kind string, bytes int64, at time.Time) {
	w.enqueue(record{privacy: &privacyEvent{kind: kind, bytes: bytes, recordedAt: at}})
}

// WriteBenchmarkRun queues a finished benchmark run and its samples.
func (w *SampleWriter) WriteBenchmarkRun(run BenchmarkRun) {
	w.enqueue(record{run: &run})
}

// Dropped reports how many records were discarded because the buffer was full.
func (w *SampleWriter) Dropped() int64 {
	if w == nil {
		return 0
	}
	return w.dropped.Load()
}

func (w *SampleWriter) enqueue(r record) {
	if w == nil || w.closed.Load() {
		return
	}

	select {
	case w.records <- r:
	default:
		w.dropped.Add(1)
		w.logger.Debug("Telemetry buffer full, dropping record")
	}
}

// Close gracefully shuts down the writer, flushing pending writes.
func (w *SampleWriter) Close() {
	if w == nil {
		return
	}

	w.closeOnce.Do(func() {
		w.closed.Store(true)
		close(w.done)
	})
	w.wg.Wait()
}

// writeLoop runs in a background goroutine, writing records to the database.
func (w *SampleWriter) writeLoop() {
	defer w.wg.Done()

	for {
		select {
		case r := <-w.records:
			w.write(r)
		case <-w.done:
			// Drain any remaining records
			for {
				select {
				case r := <-w.records:
					w.write(r)
				default:
					return
				}
			}
		}
	}
}

func (w *SampleWriter) write(r record) {
	var err error
	switch {
	case r.sample != nil:
		err = insertSample(w.db, *r.sample, r.runID)
	case r.privacy != nil:
		_, err = w.db.Exec(
			`INSERT INTO privacy_events (kind, bytes, recorded_at) VALUES (?, ?, ?)`,
			r.privacy.kind, r.privacy.bytes, r.privacy.recordedAt.UTC(),
		)
	case r.run != nil:
		err = w.writeRun(*r.run)
	}
	if err != nil {
		w.logger.Error("Failed to persist telemetry", zap.Error(err))
	}
}

func (w *SampleWriter) writeRun(run BenchmarkRun) error {
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO benchmark_runs (
			id, model_identifier, average_response_time_ms, average_tokens_per_second,
			total_samples, success_rate, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		run.Model,
		run.Summary.AverageResponseTimeMs,
		run.Summary.AverageTokensPerSecond,
		run.Summary.TotalSamples,
		run.Summary.SuccessRate,
		run.StartedAt.UTC(),
		run.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert benchmark run: %w", err)
	}

	for _, s := range run.Samples {
		if err := insertSample(tx, s, run.ID); err != nil {
			return err
		}
	}

	return tx.Commit()
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func insertSample(db execer, s PerformanceSample, runID string) error {
	source := s.Source
	if source == "" {
		source = SourceLive
	}
	var run any
	if runID != "" {
		run = runID
	}
	_, err := db.Exec(`
		INSERT INTO performance_samples (
			response_time_ms, tokens_per_second, memory_usage_mb, success, source, run_id, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`, s.ResponseTimeMs, s.TokensPerSecond, s.MemoryUsageMB, s.Success, source, run, s.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("insert sample: %w", err)
	}
	return nil
}

// History reads persisted telemetry.
type History struct {
	db *sql.DB
}

// NewHistory returns a reader over db.
func NewHistory(db *sql.DB) *History {
	return &History{db: db}
}

// BenchmarkRuns returns up to limit runs, newest first.
func (h *History) BenchmarkRuns(limit int) ([]BenchmarkRun, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := h.db.Query(`
		SELECT id, COALESCE(model_identifier, ''), average_response_time_ms, average_tokens_per_second,
			total_samples, success_rate, started_at, finished_at
		FROM benchmark_runs
		ORDER BY finished_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []BenchmarkRun
	for rows.Next() {
		var run BenchmarkRun
		if err := rows.Scan(
			&run.ID, &run.Model,
			&run.Summary.AverageResponseTimeMs, &run.Summary.AverageTokensPerSecond,
			&run.Summary.TotalSamples, &run.Summary.SuccessRate,
			&run.StartedAt, &run.FinishedAt,
		); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// RecentSamples returns up to limit samples from source, newest first. An
// empty source matches every sample.
func (h *History) RecentSamples(source string, limit int) ([]PerformanceSample, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := h.db.Query(`
		SELECT response_time_ms, tokens_per_second, memory_usage_mb, success, source, recorded_at
		FROM performance_samples
		WHERE ? = '' OR source = ?
		ORDER BY recorded_at DESC, id DESC
		LIMIT ?
	`, source, source, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []PerformanceSample
	for rows.Next() {
		var s PerformanceSample
		if err := rows.Scan(&s.ResponseTimeMs, &s.TokensPerSecond, &s.MemoryUsageMB, &s.Success, &s.Source, &s.Timestamp); err != nil {
			return nil, err
		}
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

// PrivacyTotals sums persisted privacy events by kind.
func (h *History) PrivacyTotals() (PrivacyCounters, error) {
	var c PrivacyCounters
	err := h.db.QueryRow(`
		SELECT
			COALESCE(SUM(CASE WHEN kind = 'local' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN kind = 'transmission' THEN 1 ELSE 0 END), 0)
		FROM privacy_events
	`).Scan(&c.ProcessedLocally, &c.SentToCloud)
	return c, err
}
