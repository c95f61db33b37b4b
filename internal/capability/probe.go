// Package capability produces a snapshot of the host's inference-relevant
// resources.
package capability

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	// MinUsableMemoryMB is the floor applied to the usable memory budget.
	MinUsableMemoryMB = 512

	// DefaultUsableFraction is the share of physical memory granted to a model.
	DefaultUsableFraction = 0.35

	// FallbackPlatformMajor is reported when the platform version cannot be read.
	FallbackPlatformMajor = 1
)

// Snapshot is an immutable description of the host at probe time.
type Snapshot struct {
	HasAccelerator       bool      `json:"has_accelerator"`
	CoreCount            int       `json:"core_count"`
	UsableMemoryMB       int       `json:"usable_memory_mb"`
	PlatformMajorVersion int       `json:"platform_major_version"`
	Platform             string    `json:"platform"`
	PhysicalMemoryMB     int       `json:"physical_memory_mb"`
	ProbedAt             time.Time `json:"probed_at"`
}

// UsableMemory applies the budget rule max(512, floor(physical * fraction)).
func UsableMemory(physicalMB int, fraction float64) int {
	if fraction <= 0 || fraction > 1 {
		fraction = DefaultUsableFraction
	}
	usable := int(math.Floor(float64(physicalMB) * fraction))
	if usable < MinUsableMemoryMB {
		return MinUsableMemoryMB
	}
	return usable
}

// Prober turns Detector readings into Snapshots. Concurrent calls to Probe
// share one detection pass.
type Prober struct {
	detector Detector
	fraction float64
	logger   *zap.Logger
	group    singleflight.Group
	now      func() time.Time
}

// NewProber creates a prober. A nil detector uses the host; a fraction outside
// (0, 1] uses DefaultUsableFraction.
func NewProber(detector Detector, fraction float64, logger *zap.Logger) *Prober {
	if detector == nil {
		detector = NewSystemDetector()
	}
	if fraction <= 0 || fraction > 1 {
		fraction = DefaultUsableFraction
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{
		detector: detector,
		fraction: fraction,
		logger:   logger,
		now:      time.Now,
	}
}

// Probe inspects the host. It never fails on detection errors: each failed
// reading degrades to a conservative value and is logged. The error return is
// reserved for context cancellation.
func (p *Prober) Probe(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	v, err, shared := p.group.Do("probe", func() (interface{}, error) {
		return p.probe(ctx), nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	if shared {
		p.logger.Debug("Capability probe shared with concurrent caller")
	}
	return v.(Snapshot), nil
}

func (p *Prober) probe(ctx context.Context) Snapshot {
	physical, err := p.detector.PhysicalMemoryMB(ctx)
	if err != nil || physical < 0 {
		p.logger.Warn("Memory detection failed, using minimum budget", zap.Error(err))
		physical = 0
	}

	accelerator, err := p.detector.HasAccelerator(ctx)
	if err != nil {
		p.logger.Warn("Accelerator detection failed", zap.Error(err))
		accelerator = false
	}

	cores, err := p.detector.CoreCount(ctx)
	if err != nil || cores < 1 {
		p.logger.Warn("Core count detection failed", zap.Error(err), zap.Int("reported", cores))
		cores = 1
	}

	platform, err := p.detector.PlatformMajorVersion(ctx)
	if err != nil || platform < 1 {
		p.logger.Warn("Platform version detection failed", zap.Error(err), zap.Int("reported", platform))
		platform = FallbackPlatformMajor
	}

	snapshot := Snapshot{
		HasAccelerator:       accelerator,
		CoreCount:            cores,
		UsableMemoryMB:       UsableMemory(physical, p.fraction),
		PlatformMajorVersion: platform,
		Platform:             p.detector.Platform(),
		PhysicalMemoryMB:     physical,
		ProbedAt:             p.now().UTC(),
	}

	p.logger.Info("Capability probe complete",
		zap.Bool("has_accelerator", snapshot.HasAccelerator),
		zap.Int("core_count", snapshot.CoreCount),
		zap.Int("usable_memory_mb", snapshot.UsableMemoryMB),
		zap.Int("platform_major_version", snapshot.PlatformMajorVersion),
		zap.String("platform", snapshot.Platform),
	)

	return snapshot
}
