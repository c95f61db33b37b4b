package app

import (
	"context"

	"github.com/a-marczewski/tinyinfer/internal/config"
	"github.com/a-marczewski/tinyinfer/internal/engine"
	"github.com/a-marczewski/tinyinfer/internal/storage"
	"github.com/a-marczewski/tinyinfer/internal/telemetry"
	"go.uber.org/zap"
)

// CoreModule holds the core application components
type CoreModule struct {
	Config *config.Config
	Logger *zap.Logger
	DB     *storage.DB
}

// ProjectModule holds project-specific information
type ProjectModule struct {
	Path    string
	DataDir string
}

// TelemetryModule holds the persistence side of telemetry.
type TelemetryModule struct {
	Writer  *telemetry.SampleWriter
	History *telemetry.History
	Metrics *telemetry.Metrics
}

// App holds the core components of the application.
type App struct {
	Core      CoreModule
	Project   ProjectModule
	Telemetry TelemetryModule
	Engine    *engine.Engine
	Ctx       context.Context
	Cancel    context.CancelFunc
}
