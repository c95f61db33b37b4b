// Package doctor runs health checks over the data directory, the store, the
// configuration and the inference core.
package doctor

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/a-marczewski/tinyinfer/internal/catalog"
	"github.com/a-marczewski/tinyinfer/internal/config"
	"github.com/a-marczewski/tinyinfer/internal/engine"
	"github.com/a-marczewski/tinyinfer/internal/storage"
)

// Check statuses.
const (
	StatusPass = "pass"
	StatusWarn = "warn"
	StatusFail = "fail"
)

// Diagnostics holds diagnostic information
type Diagnostics struct {
	Checks []CheckResult `json:"checks"`
	Issues []string      `json:"issues"`
	Status string        `json:"status"`
}

// CheckResult represents the result of a single check
type CheckResult struct {
	Name     string `json:"name"`
	Status   string `json:"status"` // "pass", "fail", "warn"
	Message  string `json:"message"`
	Severity string `json:"severity"` // "info", "warning", "error"
}

func pass(name, format string, args ...any) CheckResult {
	return CheckResult{Name: name, Status: StatusPass, Message: fmt.Sprintf(format, args...), Severity: "info"}
}

func warn(name, format string, args ...any) CheckResult {
	return CheckResult{Name: name, Status: StatusWarn, Message: fmt.Sprintf(format, args...), Severity: "warning"}
}

func fail(name, format string, args ...any) CheckResult {
	return CheckResult{Name: name, Status: StatusFail, Message: fmt.Sprintf(format, args...), Severity: "error"}
}

// Runner runs diagnostic checks
type Runner struct {
	config *config.Config
	db     *storage.DB
	engine *engine.Engine
}

// NewRunner creates a runner. db and eng may be nil; their checks are then
// reported as failures.
func NewRunner(cfg *config.Config, db *storage.DB, eng *engine.Engine) *Runner {
	return &Runner{
		config: cfg,
		db:     db,
		engine: eng,
	}
}

// RunAll runs all diagnostic checks
func (d *Runner) RunAll(ctx context.Context) *Diagnostics {
	var results []CheckResult

	results = append(results, d.checkFileSystemPermissions()...)
	results = append(results, d.checkConfiguration()...)
	results = append(results, d.checkDatabase()...)
	results = append(results, d.checkCore(ctx)...)

	var issues []string
	for _, result := range results {
		if result.Status == StatusFail {
			issues = append(issues, result.Message)
		}
	}

	status := "healthy"
	if len(issues) > 0 {
		status = "issues_found"
	}

	return &Diagnostics{
		Checks: results,
		Issues: issues,
		Status: status,
	}
}

// checkFileSystemPermissions checks the data directory and its subdirectories.
func (d *Runner) checkFileSystemPermissions() []CheckResult {
	dataDir := d.config.DataDir

	if _, err := os.Stat(dataDir); os.IsNotExist(err) {
		return []CheckResult{fail("data_directory_exists", "%s directory does not exist: %s", config.DataDirName, dataDir)}
	} else if err != nil {
		return []CheckResult{fail("data_directory_access", "Cannot access %s directory: %v", config.DataDirName, err)}
	}

	var results []CheckResult
	if err := testDirectoryPermissions(dataDir); err != nil {
		results = append(results, fail("data_directory_permissions", "Insufficient permissions for %s: %v", dataDir, err))
	} else {
		results = append(results, pass("data_directory_permissions", "Sufficient permissions for %s", dataDir))
	}

	for _, name := range []string{"logs", "models", "store"} {
		subdir := filepath.Join(dataDir, name)
		if _, err := os.Stat(subdir); os.IsNotExist(err) {
			results = append(results, warn(name+"_exists", "Subdirectory does not exist: %s", subdir))
		} else if err != nil {
			results = append(results, fail(name+"_access", "Cannot access subdirectory: %v", err))
		} else {
			results = append(results, pass(name+"_access", "Accessible subdirectory: %s", subdir))
		}
	}

	return results
}

// testDirectoryPermissions tests if we can read and write to a directory
func testDirectoryPermissions(dir string) error {
	testFile := filepath.Join(dir, ".permission_test")
	if err := os.WriteFile(testFile, []byte("test"), 0644); err != nil {
		return err
	}
	return os.Remove(testFile)
}

func (d *Runner) checkConfiguration() []CheckResult {
	if err := d.config.Validate(); err != nil {
		return []CheckResult{fail("configuration_validation", "Configuration validation failed: %v", err)}
	}
	return []CheckResult{pass("configuration_validation", "Configuration is valid (runtime=%s, embeddings=%s)",
		d.config.RuntimeBackend, d.config.EmbeddingBackend)}
}

func (d *Runner) checkDatabase() []CheckResult {
	if d.db == nil {
		return []CheckResult{fail("database_connectivity", "Database is not open")}
	}

	var results []CheckResult
	conn := d.db.GetConnection()

	if err := conn.Ping(); err != nil {
		return append(results, fail("database_connectivity", "Cannot connect to database: %v", err))
	}
	results = append(results, pass("database_connectivity", "Database connection successful"))

	if _, err := os.Stat(d.db.Path()); err != nil && d.db.Path() != ":memory:" {
		results = append(results, fail("database_file_access", "Cannot access database file: %v", err))
	} else {
		results = append(results, pass("database_file_access", "Database file is accessible"))
	}

	version, err := d.db.UserVersion()
	switch {
	case err != nil:
		results = append(results, fail("database_schema", "Cannot read schema version: %v", err))
	case version != storage.SchemaVersion:
		results = append(results, fail("database_schema", "Schema version %d, expected %d", version, storage.SchemaVersion))
	default:
		results = append(results, pass("database_schema", "Schema version %d", version))
	}

	var integrity string
	if err := conn.QueryRow("PRAGMA integrity_check").Scan(&integrity); err != nil {
		results = append(results, fail("database_integrity", "Database integrity check failed: %v", err))
	} else if integrity != "ok" {
		results = append(results, fail("database_integrity", "Database integrity check reported: %s", integrity))
	} else {
		results = append(results, pass("database_integrity", "Database integrity check passed"))
	}

	return results
}

// checkCore exercises the catalog, probe and selector and reports privacy
// anomalies.
func (d *Runner) checkCore(ctx context.Context) []CheckResult {
	if d.engine == nil {
		return []CheckResult{fail("engine", "Inference engine is not initialized")}
	}

	var results []CheckResult

	cat := d.engine.Catalog()
	if _, err := catalog.New(cat.All()...); err != nil {
		results = append(results, fail("catalog_invariants", "Catalog is invalid: %v", err))
	} else {
		results = append(results, pass("catalog_invariants", "Catalog holds %d valid models", cat.Len()))
	}

	snapshot, err := d.engine.ProbeCapabilities(ctx)
	if err != nil {
		return append(results, fail("capability_probe", "Capability probe failed: %v", err))
	}
	results = append(results, pass("capability_probe",
		"%s platform %d, %d cores, %d MB usable, accelerator=%t",
		snapshot.Platform, snapshot.PlatformMajorVersion, snapshot.CoreCount, snapshot.UsableMemoryMB, snapshot.HasAccelerator))

	selected := d.engine.Select(snapshot)
	if selected.Fallback {
		results = append(results, warn("model_selection",
			"No model fits this device; falling back to %s", selected.Model.Identifier))
	} else {
		results = append(results, pass("model_selection",
			"Selected %s with a %d token context", selected.Model.Identifier, selected.TargetContextTokens))
	}

	if d.engine.Telemetry().Anomalous() {
		counters := d.engine.CurrentPrivacyCounters()
		results = append(results, fail("privacy", "%d messages were sent off device", counters.SentToCloud))
	} else {
		results = append(results, pass("privacy", "No data has left the device"))
	}

	return results
}

// PrintReport writes a formatted diagnostic report to w.
func (d *Diagnostics) PrintReport(w io.Writer) {
	fmt.Fprintf(w, "=== tinyinfer Diagnostic Report ===\n")
	fmt.Fprintf(w, "Status: %s\n\n", d.Status)

	if len(d.Issues) > 0 {
		fmt.Fprintf(w, "Issues Found:\n")
		for i, issue := range d.Issues {
			fmt.Fprintf(w, "  %d. %s\n", i+1, issue)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Detailed Checks:\n")
	for _, check := range d.Checks {
		statusSymbol := "✓"
		if check.Status == StatusFail {
			statusSymbol = "✗"
		} else if check.Status == StatusWarn {
			statusSymbol = "!"
		}

		fmt.Fprintf(w, "  %s %s: %s\n", statusSymbol, check.Name, check.Message)
	}

	fmt.Fprintln(w, "\nRecommendations:")
	if len(d.Issues) == 0 {
		fmt.Fprintln(w, "  ✓ System is operating normally")
	} else {
		fmt.Fprintf(w, "  • Check the %s directory permissions\n", config.DataDirName)
		fmt.Fprintln(w, "  • Verify database file is not corrupted")
		fmt.Fprintln(w, "  • Review configuration settings")
	}
}
