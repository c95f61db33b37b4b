package semantic

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"strings"
	"unicode"
)

const defaultDimensions = 384

// HashEmbedder is a deterministic offline embedder. Each lowercased word is
// hashed into a signed bucket, so texts sharing words land close together.
type HashEmbedder struct {
	dimensions int
}

// NewHashEmbedder creates a hash embedder. dimensions <= 0 uses 384.
func NewHashEmbedder(dimensions int) *HashEmbedder {
	if dimensions <= 0 {
		dimensions = defaultDimensions
	}
	return &HashEmbedder{dimensions: dimensions}
}

// Dimensions returns the vector length.
func (e *HashEmbedder) Dimensions() int {
	return e.dimensions
}

// Model names the embedding scheme for cache keys.
func (e *HashEmbedder) Model() string {
	return "hash"
}

// Embed never fails. Text without words maps to the zero vector.
func (e *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	embedding := make([]float32, e.dimensions)

	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, word := range words {
		sum := sha256.Sum256([]byte(word))
		bucket := binary.LittleEndian.Uint32(sum[:4]) % uint32(e.dimensions)
		if sum[4]&1 == 0 {
			embedding[bucket]++
		} else {
			embedding[bucket]--
		}
	}

	return normalizeVector(embedding), nil
}

var _ Embedder = (*HashEmbedder)(nil)
