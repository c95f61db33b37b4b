package app

import (
	"context"
	"testing"

	"github.com/a-marczewski/tinyinfer/internal/capability"
	"github.com/a-marczewski/tinyinfer/internal/config"
	"github.com/a-marczewski/tinyinfer/internal/engine"
	"github.com/a-marczewski/tinyinfer/internal/logging"
	"github.com/a-marczewski/tinyinfer/internal/runtime"
	"github.com/a-marczewski/tinyinfer/internal/storage"
	"github.com/a-marczewski/tinyinfer/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default(dir, dir)
	cfg.LogLevel = "off"
	return cfg
}

func testOptions() Options {
	return Options{
		Quiet: true,
		Engine: engine.Options{
			Runtime:  &runtime.Simulated{},
			Detector: &capability.MockDetector{},
		},
	}
}

func TestAppPersistsTelemetryOnClose(t *testing.T) {
	cfg := testConfig(t)
	a, err := NewAppWithConfig(cfg, testOptions())
	require.NoError(t, err)

	_, err = a.Engine.Bootstrap(a.Ctx)
	require.NoError(t, err)
	stream, err := a.Engine.Generate(a.Ctx, "persist me")
	require.NoError(t, err)
	_, _, err = stream.Collect()
	require.NoError(t, err)

	a.Close()

	db, err := storage.Open(cfg.DBPath)
	require.NoError(t, err)
	defer db.Close()

	history := telemetry.NewHistory(db.GetConnection())
	totals, err := history.PrivacyTotals()
	require.NoError(t, err)
	assert.Equal(t, int64(1), totals.ProcessedLocally)

	samples, err := history.RecentSamples(telemetry.SourceLive, 10)
	require.NoError(t, err)
	assert.Len(t, samples, 1)
}

func TestAppWithoutPersistence(t *testing.T) {
	cfg := testConfig(t)
	cfg.TelemetryPersist = false

	a, err := NewAppWithConfig(cfg, testOptions())
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.Telemetry.Writer)
	assert.NotNil(t, a.Telemetry.History)
	assert.Same(t, a.Telemetry.Metrics, a.Engine.Metrics())
}

func TestAppContextCarriesLoggerAndConfig(t *testing.T) {
	cfg := testConfig(t)
	a, err := NewAppWithConfig(cfg, testOptions())
	require.NoError(t, err)
	defer a.Close()

	assert.Same(t, cfg, config.FromContext(a.Ctx))
	logger, ok := logging.LoggerFromContext(a.Ctx)
	require.True(t, ok)
	assert.Same(t, a.Core.Logger, logger)
	assert.Same(t, a.Core.Logger, a.LoggerFromContext(context.Background()))
}

func TestAppRejectsUnknownRuntime(t *testing.T) {
	cfg := testConfig(t)
	cfg.RuntimeBackend = "quantum"

	_, err := NewAppWithConfig(cfg, Options{Quiet: true})
	assert.Error(t, err)
}
