// Package catalog holds the ordered set of models the device may run.
package catalog

import (
	"fmt"

	"github.com/a-marczewski/tinyinfer/internal/errdefs"
	"github.com/google/uuid"
)

// Quantization is the numeric format of a model's weights.
type Quantization string

const (
	Int4    Quantization = "int4"
	Int8    Quantization = "int8"
	Float16 Quantization = "float16"
)

// Valid reports whether q is a known quantization.
func (q Quantization) Valid() bool {
	switch q {
	case Int4, Int8, Float16:
		return true
	}
	return false
}

// Descriptor is an immutable description of a runnable model.
type Descriptor struct {
	ID                     uuid.UUID    `json:"id"`
	Identifier             string       `json:"identifier"`
	Name                   string       `json:"name"`
	SizeMB                 float64      `json:"size_mb"`
	Quantization           Quantization `json:"quantization"`
	MaxContextTokens       int          `json:"max_context_tokens"`
	MinPlatformMajor       int          `json:"min_platform_major"`
	RequiredMemoryMB       int          `json:"required_memory_mb"`
	PreferredContextTokens int          `json:"preferred_context_tokens"`
	Notes                  string       `json:"notes,omitempty"`
}

// Catalog is an ordered, immutable list of descriptors, highest capability first.
type Catalog struct {
	entries []Descriptor
	byIdent map[string]int
}

// New validates entries and builds a catalog. Entries missing an ID get a
// fresh one. An empty catalog, or one whose lowest-memory entry needs more
// than platform 1, fails with ErrSelectionExhausted.
func New(entries ...Descriptor) (*Catalog, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("catalog is empty: %w", errdefs.ErrSelectionExhausted)
	}

	c := &Catalog{
		entries: make([]Descriptor, len(entries)),
		byIdent: make(map[string]int, len(entries)),
	}
	for i, d := range entries {
		if d.Identifier == "" {
			return nil, fmt.Errorf("catalog entry %d has no identifier", i)
		}
		if _, dup := c.byIdent[d.Identifier]; dup {
			return nil, fmt.Errorf("duplicate catalog identifier %q", d.Identifier)
		}
		if d.MinPlatformMajor < 1 {
			return nil, fmt.Errorf("catalog entry %q: min platform major must be >= 1", d.Identifier)
		}
		if d.MaxContextTokens <= 0 {
			return nil, fmt.Errorf("catalog entry %q: max context tokens must be positive", d.Identifier)
		}
		if d.RequiredMemoryMB < 0 {
			return nil, fmt.Errorf("catalog entry %q: required memory cannot be negative", d.Identifier)
		}
		if !d.Quantization.Valid() {
			return nil, fmt.Errorf("catalog entry %q: unknown quantization %q", d.Identifier, d.Quantization)
		}
		if d.PreferredContextTokens <= 0 {
			d.PreferredContextTokens = d.MaxContextTokens
		}
		if d.ID == uuid.Nil {
			d.ID = uuid.New()
		}
		c.entries[i] = d
		c.byIdent[d.Identifier] = i
	}

	// Lowest is the selector's fallback and must run on every platform.
	if fallback := c.Lowest(); fallback.MinPlatformMajor != 1 {
		return nil, fmt.Errorf("fallback entry %q requires platform %d: %w",
			fallback.Identifier, fallback.MinPlatformMajor, errdefs.ErrSelectionExhausted)
	}

	return c, nil
}

// MustNew is New for static catalogs; it panics on invalid input.
func MustNew(entries ...Descriptor) *Catalog {
	c, err := New(entries...)
	if err != nil {
		panic(err)
	}
	return c
}

// Default returns the built-in catalog.
func Default() *Catalog {
	return MustNew(
		Descriptor{
			Identifier:             "tiny-3b-int4",
			Name:                   "Tiny 3B (int4)",
			SizeMB:                 1740,
			Quantization:           Int4,
			MaxContextTokens:       8192,
			MinPlatformMajor:       17,
			RequiredMemoryMB:       3000,
			PreferredContextTokens: 4096,
			Notes:                  "High tier for recent platforms with ample memory",
		},
		Descriptor{
			Identifier:             "tiny-1b-int4",
			Name:                   "Tiny 1B (int4)",
			SizeMB:                 620,
			Quantization:           Int4,
			MaxContextTokens:       4096,
			MinPlatformMajor:       16,
			RequiredMemoryMB:       1000,
			PreferredContextTokens: 2048,
			Notes:                  "Baseline",
		},
		Descriptor{
			Identifier:             "tiny-0.5b-int8",
			Name:                   "Tiny 0.5B (int8)",
			SizeMB:                 500,
			Quantization:           Int8,
			MaxContextTokens:       2048,
			MinPlatformMajor:       1,
			RequiredMemoryMB:       512,
			PreferredContextTokens: 2048,
			Notes:                  "Minimal fallback, runs everywhere",
		},
	)
}

// All returns a copy of the entries in catalog order.
func (c *Catalog) All() []Descriptor {
	out := make([]Descriptor, len(c.entries))
	copy(out, c.entries)
	return out
}

// Len returns the number of entries.
func (c *Catalog) Len() int {
	return len(c.entries)
}

// ByIdentifier looks up an entry by its identifier.
func (c *Catalog) ByIdentifier(identifier string) (Descriptor, bool) {
	i, ok := c.byIdent[identifier]
	if !ok {
		return Descriptor{}, false
	}
	return c.entries[i], true
}

// Lowest returns the entry with the smallest memory requirement. Earlier
// entries win ties.
func (c *Catalog) Lowest() Descriptor {
	lowest := c.entries[0]
	for _, d := range c.entries[1:] {
		if d.RequiredMemoryMB < lowest.RequiredMemoryMB {
			lowest = d
		}
	}
	return lowest
}
