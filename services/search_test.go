package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"knowledge-engine/internal/store"
	"knowledge-engine/internal/store/memstore"
	"knowledge-engine/models"
)

func storeFilter(t models.AssetType) store.AssetFilter {
	return store.AssetFilter{Type: t}
}

func TestRankChunks(t *testing.T) {
	chunks := []models.Chunk{
		{ID: "a", Content: "far", Embedding: []float32{0, 1}},
		{ID: "b", Content: "near", Embedding: []float32{1, 0.1}},
		{ID: "c", Content: "zero", Embedding: []float32{0, 0}},
		{ID: "d", Content: "short", Embedding: []float32{1}},
		{ID: "e", Content: "mid", Embedding: []float32{1, 1}},
	}

	got := RankChunks([]float32{1, 0}, chunks, 10)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"near", "mid", "far"}, []string{got[0].Content, got[1].Content, got[2].Content})
	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i-1].Score, got[i].Score)
	}
	assert.NotEmpty(t, got[0].Fingerprint)

	assert.Len(t, RankChunks([]float32{1, 0}, chunks, 2), 2)
}

func TestSearch_FindsIngestedText(t *testing.T) {
	st := memstore.New()
	emb := &fakeEmbedder{}
	ingestor := NewIngestor(emb, st, 20, 5)
	ctx := context.Background()

	_, err := ingestor.Ingest(ctx, IngestRequest{TenantID: testTenant, Title: "Billing", Text: "invoices are sent monthly by email", SourceAssetID: "a1", GroundingAssetID: "a1"})
	require.NoError(t, err)
	_, err = ingestor.Ingest(ctx, IngestRequest{TenantID: testTenant, Title: "Deploy", Text: "deploy the container with helm charts", SourceAssetID: "a2", GroundingAssetID: "a2"})
	require.NoError(t, err)

	engine := NewSearchEngine(st, emb, 0)
	results, err := engine.Search(ctx, testTenant, "invoices sent monthly", 5)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "a1", results[0].MediaAssetID)
	assert.Equal(t, models.ResultSourceInternal, results[0].Source)
}

func TestSearch_EmptyTenantReturnsNothing(t *testing.T) {
	engine := NewSearchEngine(memstore.New(), &fakeEmbedder{}, 0)
	results, err := engine.Search(context.Background(), "nobody", "anything at all", 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearch_Errors(t *testing.T) {
	engine := NewSearchEngine(memstore.New(), &fakeEmbedder{fail: true}, 0)

	_, err := engine.Search(context.Background(), testTenant, "   ", 5)
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	_, err = engine.Search(context.Background(), testTenant, "query", 5)
	assert.ErrorIs(t, err, models.ErrExternalService)
}
