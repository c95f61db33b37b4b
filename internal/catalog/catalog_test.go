package catalog

import (
	"testing"

	"github.com/a-marczewski/tinyinfer/internal/errdefs"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalog(t *testing.T) {
	c := Default()

	require.Equal(t, 3, c.Len())
	all := c.All()
	assert.Equal(t, "tiny-3b-int4", all[0].Identifier)
	assert.Equal(t, "tiny-1b-int4", all[1].Identifier)
	assert.Equal(t, "tiny-0.5b-int8", all[2].Identifier)

	for _, d := range all {
		assert.NotEqual(t, uuid.Nil, d.ID)
		assert.GreaterOrEqual(t, d.MinPlatformMajor, 1)
		assert.Positive(t, d.MaxContextTokens)
	}

	lowest := c.Lowest()
	assert.Equal(t, "tiny-0.5b-int8", lowest.Identifier)
	assert.Equal(t, 1, lowest.MinPlatformMajor)
}

func TestNewValidation(t *testing.T) {
	valid := Descriptor{Identifier: "a", Quantization: Int4, MaxContextTokens: 1024, MinPlatformMajor: 1}

	tests := []struct {
		name    string
		entries []Descriptor
	}{
		{"missing identifier", []Descriptor{{Quantization: Int4, MaxContextTokens: 1, MinPlatformMajor: 1}}},
		{"duplicate identifier", []Descriptor{valid, valid}},
		{"platform below one", []Descriptor{{Identifier: "b", Quantization: Int4, MaxContextTokens: 1}}},
		{"zero context", []Descriptor{{Identifier: "b", Quantization: Int4, MinPlatformMajor: 1}}},
		{"unknown quantization", []Descriptor{{Identifier: "b", Quantization: "int2", MaxContextTokens: 1, MinPlatformMajor: 1}}},
		{"negative memory", []Descriptor{{Identifier: "b", Quantization: Int8, MaxContextTokens: 1, MinPlatformMajor: 1, RequiredMemoryMB: -1}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.entries...)
			assert.Error(t, err)
		})
	}
}

func TestNewRejectsUnreachableFallback(t *testing.T) {
	tests := []struct {
		name    string
		entries []Descriptor
	}{
		{"every entry needs a recent platform", []Descriptor{
			{Identifier: "large", Quantization: Int4, MaxContextTokens: 4096, MinPlatformMajor: 17, RequiredMemoryMB: 3000},
			{Identifier: "small", Quantization: Int8, MaxContextTokens: 2048, MinPlatformMajor: 17, RequiredMemoryMB: 512},
		}},
		{"portable entry is not the lowest", []Descriptor{
			{Identifier: "small", Quantization: Int8, MaxContextTokens: 2048, MinPlatformMajor: 17, RequiredMemoryMB: 512},
			{Identifier: "legacy", Quantization: Int8, MaxContextTokens: 2048, MinPlatformMajor: 1, RequiredMemoryMB: 800},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.entries...)
			assert.ErrorIs(t, err, errdefs.ErrSelectionExhausted)
			assert.Contains(t, err.Error(), `"small"`)
		})
	}
}

func TestNewEmpty(t *testing.T) {
	_, err := New()
	assert.ErrorIs(t, err, errdefs.ErrSelectionExhausted)
}

func TestNewFillsDefaults(t *testing.T) {
	c, err := New(Descriptor{Identifier: "x", Quantization: Float16, MaxContextTokens: 512, MinPlatformMajor: 1})
	require.NoError(t, err)

	d, ok := c.ByIdentifier("x")
	require.True(t, ok)
	assert.Equal(t, 512, d.PreferredContextTokens)
	assert.NotEqual(t, uuid.Nil, d.ID)

	_, ok = c.ByIdentifier("missing")
	assert.False(t, ok)
}

func TestLowestTieKeepsEarlierEntry(t *testing.T) {
	c := MustNew(
		Descriptor{Identifier: "first", Quantization: Int4, MaxContextTokens: 1, MinPlatformMajor: 1, RequiredMemoryMB: 100},
		Descriptor{Identifier: "second", Quantization: Int4, MaxContextTokens: 1, MinPlatformMajor: 1, RequiredMemoryMB: 100},
	)
	assert.Equal(t, "first", c.Lowest().Identifier)
}

func TestAllReturnsCopy(t *testing.T) {
	c := Default()
	all := c.All()
	all[0].Identifier = "mutated"

	assert.Equal(t, "tiny-3b-int4", c.All()[0].Identifier)
}
