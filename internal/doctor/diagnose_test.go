package doctor

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/a-marczewski/tinyinfer/internal/capability"
	"github.com/a-marczewski/tinyinfer/internal/config"
	"github.com/a-marczewski/tinyinfer/internal/engine"
	"github.com/a-marczewski/tinyinfer/internal/runtime"
	"github.com/a-marczewski/tinyinfer/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, detector capability.Detector) (*config.Config, *storage.DB, *engine.Engine) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default(dir, dir)
	require.NoError(t, config.EnsureDataDirs(dir))

	db, err := storage.NewDB(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	eng, err := engine.New(cfg, nil, engine.Options{Runtime: &runtime.Simulated{}, Detector: detector})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return cfg, db, eng
}

func findCheck(t *testing.T, d *Diagnostics, name string) CheckResult {
	t.Helper()
	for _, c := range d.Checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("check %q not found", name)
	return CheckResult{}
}

func TestRunAllHealthy(t *testing.T) {
	cfg, db, eng := setup(t, &capability.MockDetector{})

	diag := NewRunner(cfg, db, eng).RunAll(context.Background())
	assert.Equal(t, "healthy", diag.Status)
	assert.Empty(t, diag.Issues)

	for _, name := range []string{
		"data_directory_permissions", "configuration_validation", "database_connectivity",
		"database_schema", "database_integrity", "catalog_invariants", "capability_probe",
		"model_selection", "privacy",
	} {
		assert.Equal(t, StatusPass, findCheck(t, diag, name).Status, name)
	}

	var buf bytes.Buffer
	diag.PrintReport(&buf)
	assert.Contains(t, buf.String(), "Status: healthy")
	assert.Contains(t, buf.String(), "System is operating normally")
}

func TestRunAllFlagsPrivacyAnomaly(t *testing.T) {
	tiny := &capability.MockDetector{
		PhysicalMemoryMBFunc:     func(context.Context) (int, error) { return 1024, nil },
		PlatformMajorVersionFunc: func(context.Context) (int, error) { return 1, nil },
	}
	cfg, db, eng := setup(t, tiny)
	_ = eng.RecordTransmission(10)

	diag := NewRunner(cfg, db, eng).RunAll(context.Background())
	assert.Equal(t, "issues_found", diag.Status)
	assert.Equal(t, StatusFail, findCheck(t, diag, "privacy").Status)
	assert.Equal(t, StatusPass, findCheck(t, diag, "model_selection").Status)

	var buf bytes.Buffer
	diag.PrintReport(&buf)
	assert.Contains(t, buf.String(), "Issues Found")
}

func TestRunAllMissingDataDir(t *testing.T) {
	cfg := config.Default(t.TempDir(), filepath.Join(t.TempDir(), "missing"))

	diag := NewRunner(cfg, nil, nil).RunAll(context.Background())
	assert.Equal(t, "issues_found", diag.Status)
	assert.Equal(t, StatusFail, findCheck(t, diag, "data_directory_exists").Status)
	assert.Equal(t, StatusFail, findCheck(t, diag, "database_connectivity").Status)
	assert.Equal(t, StatusFail, findCheck(t, diag, "engine").Status)
}

func TestRunAllWarnsOnMissingSubdir(t *testing.T) {
	cfg, db, eng := setup(t, &capability.MockDetector{})
	require.NoError(t, os.RemoveAll(filepath.Join(cfg.DataDir, "models")))

	diag := NewRunner(cfg, db, eng).RunAll(context.Background())
	assert.Equal(t, StatusWarn, findCheck(t, diag, "models_exists").Status)
	assert.Equal(t, "healthy", diag.Status)
}

func TestRunAllInvalidConfig(t *testing.T) {
	cfg, db, eng := setup(t, &capability.MockDetector{})
	cfg.RuntimeBackend = "bogus"

	diag := NewRunner(cfg, db, eng).RunAll(context.Background())
	assert.Equal(t, StatusFail, findCheck(t, diag, "configuration_validation").Status)
}
