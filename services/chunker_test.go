package services

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"knowledge-engine/internal/store/memstore"
	"knowledge-engine/models"
)

func TestChunkWords_Example(t *testing.T) {
	assert.Equal(t, []string{"A B C", "C D E", "E F"}, ChunkWords("A B C D E F", 3, 1))
}

func TestChunkWords_ShortTextIsOneChunk(t *testing.T) {
	for n := 1; n <= 5; n++ {
		text := strings.TrimSpace(strings.Repeat("w ", n))
		assert.Len(t, ChunkWords(text, 5, 2), 1, "n=%d", n)
	}
	assert.Nil(t, ChunkWords("   \n\t ", 5, 2))
}

func TestChunkWords_ConsecutiveOverlap(t *testing.T) {
	words := make([]string, 23)
	for i := range words {
		words[i] = string(rune('a' + i))
	}
	size, overlap := 7, 3
	chunks := ChunkWords(strings.Join(words, " "), size, overlap)
	require.Greater(t, len(chunks), 1)

	for i := 0; i+1 < len(chunks); i++ {
		cur := strings.Fields(chunks[i])
		next := strings.Fields(chunks[i+1])
		require.Len(t, cur, size)
		assert.Equal(t, cur[size-overlap:], next[:overlap], "chunk %d", i)
	}
	last := strings.Fields(chunks[len(chunks)-1])
	assert.Equal(t, "w", last[len(last)-1])
}

func TestChunkWords_ClampsBadOverlap(t *testing.T) {
	chunks := ChunkWords("a b c d", 2, 5)
	assert.Equal(t, []string{"a b", "b c", "c d"}, chunks)
}

func TestIngest_WritesDocumentAndChunks(t *testing.T) {
	st := memstore.New()
	emb := &fakeEmbedder{}
	in := NewIngestor(emb, st, 3, 1)

	doc, err := in.Ingest(context.Background(), IngestRequest{
		TenantID:         testTenant,
		Title:            "Deck",
		Source:           models.SourcePDFPageExtract,
		Text:             "A B C D E F",
		SourceAssetID:    "pdf-1",
		GroundingAssetID: "slide-4",
		PageNumber:       4,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, doc.ChunkCount)
	assert.Equal(t, 1, emb.calls, "one batch call per document")

	chunks, err := st.RecentChunks(context.Background(), testTenant, 10)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	for _, c := range chunks {
		assert.Equal(t, doc.ID, c.DocumentID)
		assert.Equal(t, "slide-4", c.Metadata.GroundingAssetID)
		assert.Equal(t, 4, c.Metadata.PageNumber)
		assert.NotEmpty(t, c.Embedding)
	}
}

func TestIngest_EmbeddingFailureLeavesNothing(t *testing.T) {
	st := memstore.New()
	in := NewIngestor(&fakeEmbedder{fail: true}, st, 3, 1)

	_, err := in.Ingest(context.Background(), IngestRequest{TenantID: testTenant, Title: "x", Text: "one two three four", SourceAssetID: "a"})
	assert.ErrorIs(t, err, models.ErrExternalService)
	assert.Empty(t, st.Documents(testTenant))
	assert.Zero(t, st.ChunkCount(testTenant))
}

func TestIngest_ChunkWriteFailureRollsBack(t *testing.T) {
	st := memstore.New()
	st.FailChunkWrites = true
	in := NewIngestor(&fakeEmbedder{}, st, 3, 1)

	_, err := in.Ingest(context.Background(), IngestRequest{TenantID: testTenant, Title: "x", Text: "one two three four", SourceAssetID: "a"})
	assert.Error(t, err)
	assert.Empty(t, st.Documents(testTenant))
}

func TestIngest_EmptyText(t *testing.T) {
	in := NewIngestor(&fakeEmbedder{}, memstore.New(), 3, 1)
	_, err := in.Ingest(context.Background(), IngestRequest{TenantID: testTenant, Text: "  "})
	assert.ErrorIs(t, err, models.ErrExtractionFailure)
}
