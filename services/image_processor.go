package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"knowledge-engine/internal/logger"
	"knowledge-engine/internal/store"
	"knowledge-engine/internal/telemetry"
	"knowledge-engine/models"
)

// Caption confidence heuristic: long answers mean the model found content
const (
	highConfidenceChars = 100
	HighConfidence      = 0.9
	LowConfidence       = 0.7
)

const imagePrompt = `Extract all text visible in this image, preserving structure. If it is a chart, graph or diagram, describe what it shows, including labels, axes, values and trends. If it is a screenshot or photo, describe the key content. Plain text only.`

// CaptionConfidence rates a caption by its length
func CaptionConfidence(caption string) float64 {
	if utf8.RuneCountInString(strings.TrimSpace(caption)) >= highConfidenceChars {
		return HighConfidence
	}
	return LowConfidence
}

// ImageProcessor captions a single image-like asset and ingests the caption
type ImageProcessor struct {
	docs      store.DocumentStore
	ingestor  *Ingestor
	captioner Captioner
	storage   MediaStorage
	metrics   *telemetry.Metrics
}

func NewImageProcessor(docs store.DocumentStore, ingestor *Ingestor, captioner Captioner, storage MediaStorage, metrics *telemetry.Metrics) *ImageProcessor {
	return &ImageProcessor{
		docs:      docs,
		ingestor:  ingestor,
		captioner: captioner,
		storage:   storage,
		metrics:   metrics,
	}
}

func (p *ImageProcessor) Process(ctx context.Context, asset *models.SourceAsset, opts models.JobOptions, progress ProgressFunc) (*models.AssetCompletion, error) {
	if !asset.Type.Captionable() {
		return nil, fmt.Errorf("image processor got %q: %w", asset.Type, models.ErrUnsupportedType)
	}

	data, mimeType, err := p.storage.Read(ctx, asset.URL)
	if err != nil {
		return nil, fmt.Errorf("image source %s: %w", asset.URL, err)
	}
	if !strings.HasPrefix(mimeType, "image/") {
		return nil, fmt.Errorf("asset %s is %s, not an image: %w", asset.ID, mimeType, models.ErrUnsupportedType)
	}
	progress(20)

	if opts.ForceReindex {
		if _, err := p.docs.DeleteDocumentsBySource(ctx, asset.TenantID, asset.ID); err != nil {
			return nil, fmt.Errorf("force reindex: %w", err)
		}
	}

	p.metrics.RecordCaption("image")
	caption, err := p.captioner.Caption(ctx, data, mimeType, imagePrompt)
	if err != nil {
		if !errors.Is(err, models.ErrExternalService) {
			err = fmt.Errorf("%w: %v", models.ErrExternalService, err)
		}
		return nil, fmt.Errorf("caption: %w", err)
	}
	caption = strings.TrimSpace(caption)
	if caption == "" {
		return nil, fmt.Errorf("empty caption for %s: %w", asset.ID, models.ErrExtractionFailure)
	}
	progress(70)

	if _, err := p.ingestor.Ingest(ctx, IngestRequest{
		TenantID:         asset.TenantID,
		Title:            fmt.Sprintf("%s (OCR)", asset.Title),
		Source:           models.SourceOCR,
		Text:             caption,
		SourceAssetID:    asset.ID,
		GroundingAssetID: asset.ID,
		PageNumber:       asset.PageNumber,
		SourceType:       string(asset.Type),
	}); err != nil {
		return nil, fmt.Errorf("ingest caption: %w", err)
	}

	confidence := CaptionConfidence(caption)
	logger.Info("Image captioned", "tenant_id", asset.TenantID, "asset_id", asset.ID, "confidence", confidence)

	meta := asset.Metadata
	meta.Error = nil
	if meta.Image == nil {
		meta.Image = &models.ImageMetadata{}
	} else {
		img := *meta.Image
		meta.Image = &img
	}
	meta.Image.CaptionConfidence = confidence
	return &models.AssetCompletion{
		ExtractedText: caption,
		Metadata:      meta,
	}, nil
}
