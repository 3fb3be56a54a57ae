package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"knowledge-engine/internal/logger"
	"knowledge-engine/internal/store"
	"knowledge-engine/internal/vector"
	"knowledge-engine/models"
	"knowledge-engine/utils"
)

// DefaultScanWindow is how many of the newest chunks a search scores
const DefaultScanWindow = 200

// SearchEngine scores a tenant's most recent chunks against a query by
// cosine similarity. It is a bounded linear scan, not an index.
type SearchEngine struct {
	docs     store.DocumentStore
	embedder QueryEmbedder
	window   int
}

func NewSearchEngine(docs store.DocumentStore, embedder QueryEmbedder, window int) *SearchEngine {
	if window <= 0 {
		window = DefaultScanWindow
	}
	return &SearchEngine{docs: docs, embedder: embedder, window: window}
}

// Search returns the top limit chunks by descending similarity. A query
// that matches nothing yields an empty slice.
func (s *SearchEngine) Search(ctx context.Context, tenantID, query string, limit int) ([]models.SearchResult, error) {
	ctx, span := tracer.Start(ctx, "search.internal")
	defer span.End()

	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("empty query: %w", models.ErrInvalidInput)
	}

	qvec, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		if !errors.Is(err, models.ErrExternalService) {
			err = fmt.Errorf("%w: %v", models.ErrExternalService, err)
		}
		return nil, fmt.Errorf("embed query: %w", err)
	}

	chunks, err := s.docs.RecentChunks(ctx, tenantID, s.window)
	if err != nil {
		return nil, fmt.Errorf("load chunks: %w", err)
	}
	span.SetAttributes(attribute.Int("scanned", len(chunks)))

	return RankChunks(qvec, chunks, limit), nil
}

// RankChunks scores chunks against qvec and keeps the best limit. Chunks
// whose vectors cannot be compared are skipped.
func RankChunks(qvec []float32, chunks []models.Chunk, limit int) []models.SearchResult {
	results := make([]models.SearchResult, 0, len(chunks))
	skipped := 0
	for _, c := range chunks {
		score, err := vector.CosineSimilarity(qvec, c.Embedding)
		if err != nil {
			skipped++
			continue
		}
		results = append(results, models.SearchResult{
			Content:      c.Content,
			Score:        score,
			Source:       models.ResultSourceInternal,
			DocumentID:   c.DocumentID,
			MediaAssetID: c.Metadata.GroundingAssetID,
			PageNumber:   c.Metadata.PageNumber,
			Fingerprint:  utils.Fingerprint(c.Content),
		})
	}
	if skipped > 0 {
		logger.Debug("Chunks skipped during scoring", "count", skipped)
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}
