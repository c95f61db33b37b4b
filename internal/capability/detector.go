package capability

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
)

// Detector abstracts the host queries a probe needs.
type Detector interface {
	// PhysicalMemoryMB returns total physical (or unified) memory in megabytes.
	PhysicalMemoryMB(ctx context.Context) (int, error)

	// HasAccelerator reports whether a dedicated ML accelerator or GPU is present.
	HasAccelerator(ctx context.Context) (bool, error)

	// CoreCount returns the number of logical CPU cores.
	CoreCount(ctx context.Context) (int, error)

	// PlatformMajorVersion returns the OS major release used for catalog gating.
	PlatformMajorVersion(ctx context.Context) (int, error)

	// Platform returns the operating system name.
	Platform() string
}

// CommandRunner executes a host command and returns its stdout.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// SystemDetector reads hardware facts from the running host.
//
// On darwin memory comes from sysctl hw.memsize and Apple silicon counts as
// an accelerator. On linux memory comes from /proc/meminfo and an NVIDIA GPU
// reported by nvidia-smi counts as an accelerator.
type SystemDetector struct {
	run       CommandRunner
	goos      string
	goarch    string
	meminfo   string
	osrelease string
}

// NewSystemDetector returns a detector for the current host.
func NewSystemDetector() *SystemDetector {
	return &SystemDetector{
		run:       execRunner,
		goos:      runtime.GOOS,
		goarch:    runtime.GOARCH,
		meminfo:   "/proc/meminfo",
		osrelease: "/proc/sys/kernel/osrelease",
	}
}

func (d *SystemDetector) PhysicalMemoryMB(ctx context.Context) (int, error) {
	switch d.goos {
	case "darwin":
		output, err := d.run(ctx, "sysctl", "-n", "hw.memsize")
		if err != nil {
			return 0, fmt.Errorf("sysctl hw.memsize: %w", err)
		}
		bytesTotal, err := strconv.ParseInt(strings.TrimSpace(string(output)), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse hw.memsize: %w", err)
		}
		return int(bytesTotal / 1024 / 1024), nil
	case "linux":
		return readMemTotal(d.meminfo)
	default:
		return 0, fmt.Errorf("memory detection unsupported on %s", d.goos)
	}
}

func readMemTotal(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = file.Close() }()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "MemTotal:") {
			fields := strings.Fields(line)
			if len(fields) < 2 {
				return 0, fmt.Errorf("unexpected format in %s", path)
			}
			memkB, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				return 0, err
			}
			return int(memkB / 1024), nil
		}
	}

	return 0, fmt.Errorf("MemTotal not found in %s", path)
}

func (d *SystemDetector) HasAccelerator(ctx context.Context) (bool, error) {
	switch d.goos {
	case "darwin":
		return d.goarch == "arm64", nil
	case "linux":
		output, err := d.run(ctx, "nvidia-smi", "--query-gpu=memory.total", "--format=csv,noheader,nounits")
		if err != nil {
			// No driver means no GPU
			return false, nil
		}
		return sumVRAM(output) > 0, nil
	default:
		return false, nil
	}
}

func sumVRAM(output []byte) int {
	total := 0
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if v, err := strconv.Atoi(line); err == nil {
			total += v
		}
	}
	return total
}

func (d *SystemDetector) CoreCount(_ context.Context) (int, error) {
	return runtime.NumCPU(), nil
}

// PlatformMajorVersion maps the kernel release to a platform release. Darwin
// kernel N ships with OS release N-6 (Darwin 23 is release 17). Linux reports
// the kernel major directly.
func (d *SystemDetector) PlatformMajorVersion(ctx context.Context) (int, error) {
	switch d.goos {
	case "darwin":
		output, err := d.run(ctx, "sysctl", "-n", "kern.osrelease")
		if err != nil {
			return 0, fmt.Errorf("sysctl kern.osrelease: %w", err)
		}
		major, err := parseMajor(string(output))
		if err != nil {
			return 0, err
		}
		return major - 6, nil
	case "linux":
		data, err := os.ReadFile(d.osrelease)
		if err != nil {
			return 0, err
		}
		return parseMajor(string(data))
	default:
		return 0, fmt.Errorf("platform version unsupported on %s", d.goos)
	}
}

func parseMajor(release string) (int, error) {
	release = strings.TrimSpace(release)
	head, _, _ := strings.Cut(release, ".")
	major, err := strconv.Atoi(head)
	if err != nil {
		return 0, fmt.Errorf("parse release %q: %w", release, err)
	}
	return major, nil
}

func (d *SystemDetector) Platform() string {
	return d.goos
}

// MockDetector is a test double for Detector. Unset funcs return defaults of
// 16384 MB, no accelerator, 8 cores, platform 17 on darwin.
type MockDetector struct {
	PhysicalMemoryMBFunc     func(ctx context.Context) (int, error)
	HasAcceleratorFunc       func(ctx context.Context) (bool, error)
	CoreCountFunc            func(ctx context.Context) (int, error)
	PlatformMajorVersionFunc func(ctx context.Context) (int, error)
	PlatformFunc             func() string
}

func (m *MockDetector) PhysicalMemoryMB(ctx context.Context) (int, error) {
	if m.PhysicalMemoryMBFunc != nil {
		return m.PhysicalMemoryMBFunc(ctx)
	}
	return 16384, nil
}

func (m *MockDetector) HasAccelerator(ctx context.Context) (bool, error) {
	if m.HasAcceleratorFunc != nil {
		return m.HasAcceleratorFunc(ctx)
	}
	return false, nil
}

func (m *MockDetector) CoreCount(ctx context.Context) (int, error) {
	if m.CoreCountFunc != nil {
		return m.CoreCountFunc(ctx)
	}
	return 8, nil
}

func (m *MockDetector) PlatformMajorVersion(ctx context.Context) (int, error) {
	if m.PlatformMajorVersionFunc != nil {
		return m.PlatformMajorVersionFunc(ctx)
	}
	return 17, nil
}

func (m *MockDetector) Platform() string {
	if m.PlatformFunc != nil {
		return m.PlatformFunc()
	}
	return "darwin"
}

var (
	_ Detector = (*SystemDetector)(nil)
	_ Detector = (*MockDetector)(nil)
)
