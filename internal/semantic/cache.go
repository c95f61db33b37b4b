package semantic

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// CachedEmbedder memoizes an Embedder by content hash. Hits are served from
// memory first, then from the embedding_cache table when a database is set.
type CachedEmbedder struct {
	embedder Embedder
	model    string
	db       *sql.DB
	memory   *cache.Cache
	logger   *zap.Logger
}

// NewCachedEmbedder wraps embedder. db may be nil for a memory-only cache.
// ttl bounds the in-memory layer; ttl <= 0 keeps entries until eviction.
func NewCachedEmbedder(embedder Embedder, model string, db *sql.DB, ttl time.Duration, logger *zap.Logger) *CachedEmbedder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	return &CachedEmbedder{
		embedder: embedder,
		model:    model,
		db:       db,
		memory:   cache.New(ttl, 10*time.Minute),
		logger:   logger,
	}
}

// Model returns the wrapped model name.
func (c *CachedEmbedder) Model() string {
	return c.model
}

func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := contentHash(text)

	if x, found := c.memory.Get(key); found {
		return x.([]float32), nil
	}

	if c.db != nil {
		embedding, err := c.getFromDB(ctx, key)
		if err == nil {
			c.memory.SetDefault(key, embedding)
			return embedding, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			c.logger.Warn("Embedding cache read failed", zap.Error(err))
		}
	}

	embedding, err := c.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed content: %w", err)
	}

	if c.db != nil {
		if err := c.storeInDB(ctx, key, embedding); err != nil {
			c.logger.Warn("Embedding cache write failed", zap.Error(err))
		}
	}
	c.memory.SetDefault(key, embedding)

	return embedding, nil
}

// Stats reports entry counts for the memory and database layers.
func (c *CachedEmbedder) Stats(ctx context.Context) (int, int, error) {
	memoryCount := c.memory.ItemCount()
	if c.db == nil {
		return memoryCount, 0, nil
	}

	var dbCount int
	err := c.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM embedding_cache WHERE embedding_model = ?", c.model,
	).Scan(&dbCount)
	if err != nil {
		return memoryCount, 0, err
	}
	return memoryCount, dbCount, nil
}

// Clear drops every cached embedding for this model.
func (c *CachedEmbedder) Clear(ctx context.Context) error {
	c.memory.Flush()
	if c.db == nil {
		return nil
	}
	_, err := c.db.ExecContext(ctx, "DELETE FROM embedding_cache WHERE embedding_model = ?", c.model)
	return err
}

func (c *CachedEmbedder) getFromDB(ctx context.Context, key string) ([]float32, error) {
	var blob []byte
	err := c.db.QueryRowContext(ctx, `
		SELECT embedding FROM embedding_cache
		WHERE content_hash = ? AND embedding_model = ?
	`, key, c.model).Scan(&blob)
	if err != nil {
		return nil, err
	}

	embedding, err := deserializeEmbedding(blob)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize embedding: %w", err)
	}
	return embedding, nil
}

func (c *CachedEmbedder) storeInDB(ctx context.Context, key string, embedding []float32) error {
	blob, err := serializeEmbedding(embedding)
	if err != nil {
		return fmt.Errorf("failed to serialize embedding: %w", err)
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO embedding_cache (content_hash, embedding_model, embedding, created_at)
		VALUES (?, ?, ?, ?)
	`, key, c.model, blob, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to store embedding: %w", err)
	}
	return nil
}

func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// serializeEmbedding writes a little-endian dimension count followed by the
// float32 values.
func serializeEmbedding(embedding []float32) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, uint32(len(embedding))); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, embedding); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func deserializeEmbedding(data []byte) ([]float32, error) {
	buf := bytes.NewReader(data)

	var dim uint32
	if err := binary.Read(buf, binary.LittleEndian, &dim); err != nil {
		return nil, err
	}
	if int64(dim)*4 != int64(buf.Len()) {
		return nil, fmt.Errorf("embedding blob holds %d bytes for %d dimensions", buf.Len(), dim)
	}

	embedding := make([]float32, dim)
	if err := binary.Read(buf, binary.LittleEndian, embedding); err != nil {
		return nil, err
	}
	return embedding, nil
}

var _ Embedder = (*CachedEmbedder)(nil)
