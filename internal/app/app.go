package app

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/a-marczewski/tinyinfer/internal/config"
	"github.com/a-marczewski/tinyinfer/internal/engine"
	"github.com/a-marczewski/tinyinfer/internal/logging"
	"github.com/a-marczewski/tinyinfer/internal/storage"
	"github.com/a-marczewski/tinyinfer/internal/telemetry"
	"go.uber.org/zap"
)

// Options tunes NewApp.
type Options struct {
	// Quiet drops the stderr log sink.
	Quiet bool

	// Engine overrides engine collaborators, mainly for tests.
	Engine engine.Options
}

// NewApp loads configuration from the current project and wires the engine.
func NewApp(opts Options) (*App, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return NewAppWithConfig(cfg, opts)
}

// NewAppWithConfig wires the application around an already loaded config.
func NewAppWithConfig(cfg *config.Config, opts Options) (*App, error) {
	if err := config.EnsureDataDirs(cfg.DataDir); err != nil {
		return nil, err
	}

	logFile := cfg.LogFile
	if logFile != "" && !filepath.IsAbs(logFile) {
		logFile = filepath.Join(cfg.DataDir, logFile)
	}

	logger, err := logging.NewLoggerWithStderr(cfg.LogLevel, logFile, !opts.Quiet)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	db, err := storage.NewDB(cfg)
	if err != nil {
		logger.Error("Failed to initialize database", zap.Error(err))
		logging.SyncQuietly(logger)
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	var writer *telemetry.SampleWriter
	if cfg.TelemetryPersist {
		writer = telemetry.NewSampleWriter(db.GetConnection(), logger)
	}
	metrics := telemetry.NewMetrics()

	engineOpts := opts.Engine
	engineOpts.Writer = writer
	engineOpts.Metrics = metrics
	if engineOpts.DB == nil {
		engineOpts.DB = db.GetConnection()
	}

	eng, err := engine.New(cfg, logger, engineOpts)
	if err != nil {
		writer.Close()
		_ = db.Close()
		logging.SyncQuietly(logger)
		return nil, fmt.Errorf("failed to initialize engine: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ctx = config.WithConfig(logging.ContextWithLogger(ctx, logger), cfg)

	return &App{
		Core: CoreModule{
			Config: cfg,
			Logger: logger,
			DB:     db,
		},
		Project: ProjectModule{
			Path:    cfg.ProjectRoot,
			DataDir: cfg.DataDir,
		},
		Telemetry: TelemetryModule{
			Writer:  writer,
			History: telemetry.NewHistory(db.GetConnection()),
			Metrics: metrics,
		},
		Engine: eng,
		Ctx:    ctx,
		Cancel: cancel,
	}, nil
}

// Close unloads the model, flushes pending telemetry and releases the
// database and logger.
func (a *App) Close() {
	if a.Cancel != nil {
		a.Cancel()
	}

	if a.Engine != nil {
		if err := a.Engine.Close(); err != nil {
			a.Core.Logger.Warn("Failed to unload model", zap.Error(err))
		}
	}

	a.Telemetry.Writer.Close()

	if a.Core.DB != nil {
		if err := a.Core.DB.Close(); err != nil {
			a.Core.Logger.Error("Failed to close database connection", zap.Error(err))
		} else {
			a.Core.Logger.Debug("Database connection closed.")
		}
	}
	logging.SyncQuietly(a.Core.Logger)
}

// ContextWithLogger returns a new context with the application's logger.
func (a *App) ContextWithLogger(ctx context.Context) context.Context {
	return logging.ContextWithLogger(ctx, a.Core.Logger)
}

// LoggerFromContext retrieves the logger from the given context, or returns the default app logger.
func (a *App) LoggerFromContext(ctx context.Context) *zap.Logger {
	if logger, ok := logging.LoggerFromContext(ctx); ok {
		return logger
	}
	return a.Core.Logger
}
