// Package semantic keeps embedded text fragments in memory and answers
// nearest-neighbour queries by cosine similarity.
package semantic

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/a-marczewski/tinyinfer/internal/config"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Document is an indexed text fragment. Documents are never mutated.
type Document struct {
	ID        uuid.UUID `json:"id"`
	Text      string    `json:"text"`
	Embedding []float32 `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// Result is a ranked document with its similarity to the query.
type Result struct {
	Document Document `json:"document"`
	Score    float64  `json:"score"`
}

// Index is an append-only, in-memory vector index.
type Index struct {
	embedder Embedder
	logger   *zap.Logger

	mu   sync.RWMutex
	docs []Document
}

// NewIndex creates an empty index backed by embedder.
func NewIndex(embedder Embedder, logger *zap.Logger) *Index {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{embedder: embedder, logger: logger}
}

// AddDocument embeds text and appends it.
func (ix *Index) AddDocument(ctx context.Context, text string) (Document, error) {
	embedding, err := ix.embedder.Embed(ctx, text)
	if err != nil {
		return Document{}, fmt.Errorf("embed document: %w", err)
	}

	doc := Document{
		ID:        uuid.New(),
		Text:      text,
		Embedding: embedding,
		CreatedAt: time.Now(),
	}

	ix.mu.Lock()
	ix.docs = append(ix.docs, doc)
	n := len(ix.docs)
	ix.mu.Unlock()

	ix.logger.Debug("Document indexed",
		zap.String("document_id", doc.ID.String()),
		zap.Int("dimensions", len(embedding)),
		zap.Int("index_size", n),
	)
	return doc, nil
}

// TopK returns up to k documents ranked by descending similarity to query.
// Equal scores keep insertion order. k <= 0 returns an empty result.
func (ix *Index) TopK(ctx context.Context, query string, k int) ([]Document, error) {
	results, err := ix.Search(ctx, query, k)
	if err != nil {
		return nil, err
	}
	docs := make([]Document, len(results))
	for i, r := range results {
		docs[i] = r.Document
	}
	return docs, nil
}

// Search is TopK with the similarity scores.
func (ix *Index) Search(ctx context.Context, query string, k int) ([]Result, error) {
	if k <= 0 {
		return []Result{}, nil
	}

	queryEmbedding, err := ix.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	docs := ix.Documents()
	results := make([]Result, len(docs))
	for i, doc := range docs {
		results[i] = Result{Document: doc, Score: CosineSimilarity(queryEmbedding, doc.Embedding)}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	if k < len(results) {
		results = results[:k]
	}
	return results, nil
}

// Len returns the number of indexed documents.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.docs)
}

// Documents returns the documents in insertion order.
func (ix *Index) Documents() []Document {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]Document, len(ix.docs))
	copy(out, ix.docs)
	return out
}

// NewEmbedder builds the configured embedder. Remote embeddings are cached in
// memory and, when db is set, in sqlite.
func NewEmbedder(cfg *config.Config, db *sql.DB, logger *zap.Logger) (Embedder, error) {
	switch strings.ToLower(cfg.EmbeddingBackend) {
	case "hash", "":
		return NewHashEmbedder(cfg.EmbeddingDimensions), nil
	case "http":
		client := NewEmbeddingClient(cfg)
		ttl := time.Duration(cfg.EmbeddingCacheTTL) * time.Second
		return NewCachedEmbedder(client, client.Model(), db, ttl, logger), nil
	default:
		return nil, fmt.Errorf("unknown embedding backend: %s", cfg.EmbeddingBackend)
	}
}
