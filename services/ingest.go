package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"knowledge-engine/internal/store"
	"knowledge-engine/models"
)

var tracer = otel.Tracer("knowledge-engine/services")

// IngestRequest describes one text unit to persist as a Document
type IngestRequest struct {
	TenantID         string
	Title            string
	Source           string
	Text             string
	SourceAssetID    string
	GroundingAssetID string
	PageNumber       int
	URL              string
	HeadingsPath     []string
	ImageAssetIDs    []string
	SourceType       string
}

// Ingestor chunks, embeds and stores documents
type Ingestor struct {
	embedder  Embedder
	docs      store.DocumentStore
	chunkSize int
	overlap   int
}

func NewIngestor(embedder Embedder, docs store.DocumentStore, chunkSize, overlap int) *Ingestor {
	return &Ingestor{
		embedder:  embedder,
		docs:      docs,
		chunkSize: chunkSize,
		overlap:   overlap,
	}
}

// Ingest creates a Document for req.Text, embeds all of its chunks in a
// single batch and writes the document with its chunks. Embedding happens
// before anything is written, so a failed call leaves no trace.
func (in *Ingestor) Ingest(ctx context.Context, req IngestRequest) (*models.Document, error) {
	ctx, span := tracer.Start(ctx, "ingest")
	defer span.End()

	pieces := ChunkWords(req.Text, in.chunkSize, in.overlap)
	if len(pieces) == 0 {
		return nil, fmt.Errorf("ingest %q: empty text: %w", req.Title, models.ErrExtractionFailure)
	}
	span.SetAttributes(
		attribute.String("tenant_id", req.TenantID),
		attribute.String("source", req.Source),
		attribute.Int("chunks", len(pieces)),
	)

	vectors, err := in.embedder.EmbedBatch(ctx, pieces)
	if err != nil {
		span.RecordError(err)
		if !errors.Is(err, models.ErrExternalService) {
			err = fmt.Errorf("%w: %v", models.ErrExternalService, err)
		}
		return nil, fmt.Errorf("embed %d chunks: %w", len(pieces), err)
	}
	if len(vectors) != len(pieces) {
		return nil, fmt.Errorf("embedding service returned %d vectors for %d chunks: %w",
			len(vectors), len(pieces), models.ErrExternalService)
	}

	now := time.Now()
	doc := &models.Document{
		ID:               uuid.NewString(),
		TenantID:         req.TenantID,
		Title:            req.Title,
		Source:           req.Source,
		Content:          strings.TrimSpace(req.Text),
		SourceAssetID:    req.SourceAssetID,
		GroundingAssetID: req.GroundingAssetID,
		PageNumber:       req.PageNumber,
		URL:              req.URL,
		HeadingsPath:     req.HeadingsPath,
		ChunkCount:       len(pieces),
		CreatedAt:        now,
	}

	meta := models.ChunkMetadata{
		GroundingAssetID: req.GroundingAssetID,
		PageNumber:       req.PageNumber,
		ImageAssetIDs:    req.ImageAssetIDs,
		URL:              req.URL,
		HeadingsPath:     req.HeadingsPath,
		SourceType:       req.SourceType,
	}
	chunks := make([]models.Chunk, len(pieces))
	for i, text := range pieces {
		chunks[i] = models.Chunk{
			ID:         uuid.NewString(),
			TenantID:   req.TenantID,
			DocumentID: doc.ID,
			Index:      i,
			Content:    text,
			Embedding:  vectors[i],
			Metadata:   meta,
			CreatedAt:  now,
		}
	}

	if err := in.docs.SaveDocument(ctx, doc, chunks); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("save document %q: %w", req.Title, err)
	}
	return doc, nil
}
