package selection

import (
	"testing"

	"github.com/a-marczewski/tinyinfer/internal/capability"
	"github.com/a-marczewski/tinyinfer/internal/catalog"
	"github.com/stretchr/testify/assert"
)

func TestSelect(t *testing.T) {
	s := NewSelector(catalog.Default())

	tests := []struct {
		name       string
		snapshot   capability.Snapshot
		identifier string
		target     int
		fallback   bool
	}{
		{
			name:       "high tier device",
			snapshot:   capability.Snapshot{UsableMemoryMB: 4000, PlatformMajorVersion: 17, CoreCount: 6},
			identifier: "tiny-3b-int4",
			target:     4096,
		},
		{
			name:       "baseline device",
			snapshot:   capability.Snapshot{UsableMemoryMB: 1200, PlatformMajorVersion: 16, CoreCount: 6},
			identifier: "tiny-1b-int4",
			target:     2048,
		},
		{
			name:       "recent platform but little memory",
			snapshot:   capability.Snapshot{UsableMemoryMB: 1200, PlatformMajorVersion: 18, CoreCount: 4},
			identifier: "tiny-1b-int4",
			target:     2048,
		},
		{
			name:       "old platform",
			snapshot:   capability.Snapshot{UsableMemoryMB: 8000, PlatformMajorVersion: 15, CoreCount: 4},
			identifier: "tiny-0.5b-int8",
			target:     2048,
		},
		{
			name:       "minimum memory floor",
			snapshot:   capability.Snapshot{UsableMemoryMB: 512, PlatformMajorVersion: 1, CoreCount: 1},
			identifier: "tiny-0.5b-int8",
			target:     2048,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := s.Select(tt.snapshot)
			assert.Equal(t, tt.identifier, result.Model.Identifier)
			assert.Equal(t, tt.target, result.TargetContextTokens)
			assert.Equal(t, tt.fallback, result.Fallback)
			assert.LessOrEqual(t, result.TargetContextTokens, result.Model.MaxContextTokens)
		})
	}
}

func TestSelectFallsBackWhenNothingEligible(t *testing.T) {
	c := catalog.MustNew(
		catalog.Descriptor{Identifier: "big", Quantization: catalog.Int4, MaxContextTokens: 4096, MinPlatformMajor: 20, RequiredMemoryMB: 4000},
		catalog.Descriptor{Identifier: "small", Quantization: catalog.Int8, MaxContextTokens: 1024, MinPlatformMajor: 1, RequiredMemoryMB: 800, PreferredContextTokens: 2048},
	)
	s := NewSelector(c)

	result := s.Select(capability.Snapshot{UsableMemoryMB: 512, PlatformMajorVersion: 1})
	assert.Equal(t, "small", result.Model.Identifier)
	assert.True(t, result.Fallback)
	assert.Equal(t, 1024, result.TargetContextTokens)
}

func TestSelectIsDeterministic(t *testing.T) {
	s := NewSelector(nil)
	snapshot := capability.Snapshot{UsableMemoryMB: 2150, PlatformMajorVersion: 17, CoreCount: 6}

	first := s.Select(snapshot)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, s.Select(snapshot))
	}
}

func TestSelectWithOverride(t *testing.T) {
	s := NewSelector(catalog.Default())
	snapshot := capability.Snapshot{UsableMemoryMB: 512, PlatformMajorVersion: 1}

	result := s.SelectWithOverride(snapshot, "tiny-3b-int4")
	assert.Equal(t, "tiny-3b-int4", result.Model.Identifier)
	assert.True(t, result.Override)

	result = s.SelectWithOverride(snapshot, "unknown-model")
	assert.Equal(t, "tiny-0.5b-int8", result.Model.Identifier)
	assert.False(t, result.Override)
}

func TestEligible(t *testing.T) {
	d := catalog.Descriptor{MinPlatformMajor: 16, RequiredMemoryMB: 1000}

	assert.True(t, Eligible(d, capability.Snapshot{PlatformMajorVersion: 16, UsableMemoryMB: 1000}))
	assert.False(t, Eligible(d, capability.Snapshot{PlatformMajorVersion: 15, UsableMemoryMB: 1000}))
	assert.False(t, Eligible(d, capability.Snapshot{PlatformMajorVersion: 16, UsableMemoryMB: 999}))
}
