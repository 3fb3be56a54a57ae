package ai

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"knowledge-engine/internal/logger"
	"knowledge-engine/utils"
)

// QueryEmbedder embeds one search query
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// CachedQueryEmbedder memoizes query embeddings in Redis, keyed by model and
// a hash of the exact query text. Cache errors never fail a query.
type CachedQueryEmbedder struct {
	next  QueryEmbedder
	rdb   *redis.Client
	model string
	ttl   time.Duration
}

func NewCachedQueryEmbedder(next QueryEmbedder, rdb *redis.Client, model string, ttl time.Duration) *CachedQueryEmbedder {
	return &CachedQueryEmbedder{next: next, rdb: rdb, model: model, ttl: ttl}
}

func (c *CachedQueryEmbedder) key(text string) string {
	return fmt.Sprintf("qemb:%s:%s", c.model, utils.ContentHash(text))
}

func (c *CachedQueryEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	key := c.key(text)

	cacheCtx, cancel := utils.WithShortTimeout(ctx)
	raw, err := c.rdb.Get(cacheCtx, key).Bytes()
	cancel()
	if err == nil {
		if vec, derr := decodeVector(raw); derr == nil {
			return vec, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		logger.Warn("Embedding cache read failed", "error", err)
	}

	vec, err := c.next.EmbedQuery(ctx, text)
	if err != nil {
		return nil, err
	}

	cacheCtx, cancel = utils.WithShortTimeout(ctx)
	defer cancel()
	if err := c.rdb.Set(cacheCtx, key, encodeVector(vec), c.ttl).Err(); err != nil {
		logger.Warn("Embedding cache write failed", "error", err)
	}
	return vec, nil
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(x))
	}
	return buf
}

func decodeVector(buf []byte) ([]float32, error) {
	if len(buf) == 0 || len(buf)%4 != 0 {
		return nil, fmt.Errorf("corrupt cached vector of %d bytes", len(buf))
	}
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v, nil
}
