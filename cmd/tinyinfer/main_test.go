package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/a-marczewski/tinyinfer/internal/capability"
	"github.com/a-marczewski/tinyinfer/internal/catalog"
	"github.com/a-marczewski/tinyinfer/internal/selection"
	"github.com/a-marczewski/tinyinfer/internal/telemetry"
	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	color.NoColor = true
}

func TestReadLinesSkipsBlank(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docs.txt")
	require.NoError(t, os.WriteFile(path, []byte("first doc\n\n  second doc  \n"), 0644))

	lines, err := readLines(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"first doc", "second doc"}, lines)

	_, err = readLines(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}

func TestPrintSnapshot(t *testing.T) {
	var buf bytes.Buffer
	printSnapshot(&buf, capability.Snapshot{
		HasAccelerator:       true,
		CoreCount:            8,
		UsableMemoryMB:       5734,
		PlatformMajorVersion: 17,
		Platform:             "darwin",
		PhysicalMemoryMB:     16384,
	})

	out := buf.String()
	assert.Contains(t, out, "darwin 17")
	assert.Contains(t, out, "5734 MB")
	assert.Contains(t, out, "available")
}

func TestPrintSelectionFlagsFallback(t *testing.T) {
	model := catalog.Default().Lowest()

	var buf bytes.Buffer
	printSelection(&buf, selection.Result{Model: model, TargetContextTokens: model.PreferredContextTokens, Fallback: true})
	assert.Contains(t, buf.String(), model.Identifier)
	assert.Contains(t, buf.String(), "lowest-requirement")

	buf.Reset()
	printSelection(&buf, selection.Result{Model: model, TargetContextTokens: model.PreferredContextTokens})
	assert.NotContains(t, buf.String(), "lowest-requirement")
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	printSummary(&buf, "Benchmark", telemetry.PerformanceSummary{
		AverageResponseTimeMs:  12.5,
		AverageTokensPerSecond: 40,
		TotalSamples:           4,
		SuccessRate:            0.75,
	})

	out := buf.String()
	assert.Contains(t, out, "12.50 ms")
	assert.Contains(t, out, "75.0%")
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"version", "probe", "select", "generate", "search", "benchmark", "stats", "doctor", "serve"} {
		assert.True(t, names[want], want)
	}
}

func TestNeedsApp(t *testing.T) {
	assert.False(t, needsApp(versionCmd))
	assert.True(t, needsApp(probeCmd))
	assert.True(t, needsApp(serveCmd))
}
