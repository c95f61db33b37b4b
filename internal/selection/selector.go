// Package selection maps a capability snapshot onto the catalog.
package selection

import (
	"github.com/a-marczewski/tinyinfer/internal/capability"
	"github.com/a-marczewski/tinyinfer/internal/catalog"
)

// Result is the chosen model and its context budget.
type Result struct {
	Model               catalog.Descriptor `json:"model"`
	TargetContextTokens int                `json:"target_context_tokens"`
	Fallback            bool               `json:"fallback"`
	Override            bool               `json:"override"`
}

// Selector chooses a model for a device. It is pure: the same snapshot always
// yields the same Result.
type Selector struct {
	catalog *catalog.Catalog
}

// NewSelector returns a selector over c. A nil catalog uses catalog.Default.
func NewSelector(c *catalog.Catalog) *Selector {
	if c == nil {
		c = catalog.Default()
	}
	return &Selector{catalog: c}
}

// Catalog returns the catalog the selector ranks.
func (s *Selector) Catalog() *catalog.Catalog {
	return s.catalog
}

// Eligible reports whether snapshot satisfies d's platform and memory floors.
func Eligible(d catalog.Descriptor, snapshot capability.Snapshot) bool {
	return snapshot.PlatformMajorVersion >= d.MinPlatformMajor &&
		snapshot.UsableMemoryMB >= d.RequiredMemoryMB
}

// Select returns the first eligible entry in catalog order, or the entry with
// the lowest memory requirement when none is eligible.
func (s *Selector) Select(snapshot capability.Snapshot) Result {
	for _, d := range s.catalog.All() {
		if Eligible(d, snapshot) {
			return newResult(d, false, false)
		}
	}
	return newResult(s.catalog.Lowest(), true, false)
}

// SelectWithOverride honours an explicit identifier when the catalog has it
// and otherwise behaves like Select.
func (s *Selector) SelectWithOverride(snapshot capability.Snapshot, identifier string) Result {
	if identifier != "" {
		if d, ok := s.catalog.ByIdentifier(identifier); ok {
			return newResult(d, false, true)
		}
	}
	return s.Select(snapshot)
}

func newResult(d catalog.Descriptor, fallback, override bool) Result {
	return Result{
		Model:               d,
		TargetContextTokens: min(d.PreferredContextTokens, d.MaxContextTokens),
		Fallback:            fallback,
		Override:            override,
	}
}
