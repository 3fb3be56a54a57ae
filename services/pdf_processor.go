package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"knowledge-engine/internal/logger"
	"knowledge-engine/internal/media"
	"knowledge-engine/internal/store"
	"knowledge-engine/internal/telemetry"
	"knowledge-engine/models"
)

const (
	// DefaultMinPageText is the extracted text length at which a page
	// without images is trusted as-is
	DefaultMinPageText = 50

	maxStoredText = 10000

	pdfPagePrompt = `This image is one page of a document. Transcribe all readable text, then describe any charts, diagrams, tables or figures: what they show, their labels, axes, values and trends. Plain text only.`
)

// PDFProcessor extracts a PDF's text, renders every page to a slide asset
// and decides per page whether the text layer is enough or the page must be
// captioned.
type PDFProcessor struct {
	assets    store.AssetStore
	docs      store.DocumentStore
	ingestor  *Ingestor
	captioner Captioner
	renderer  PageRenderer
	storage   MediaStorage
	metrics   *telemetry.Metrics

	// OpenPDF opens a local PDF file
	OpenPDF      func(path string) (PDFSource, error)
	MinTextChars int
	TempDir      string
}

func NewPDFProcessor(st store.Store, ingestor *Ingestor, captioner Captioner, renderer PageRenderer, storage MediaStorage, metrics *telemetry.Metrics) *PDFProcessor {
	return &PDFProcessor{
		assets:    st,
		docs:      st,
		ingestor:  ingestor,
		captioner: captioner,
		renderer:  renderer,
		storage:   storage,
		metrics:   metrics,
		OpenPDF: func(path string) (PDFSource, error) {
			return media.OpenPDF(path)
		},
		MinTextChars: DefaultMinPageText,
		TempDir:      os.TempDir(),
	}
}

// NeedsCaption is the per-page triage rule: pages with embedded images are
// always captioned, pages with enough text never are, and near-empty pages
// are captioned because they are probably scans.
func NeedsCaption(hasImages bool, pageText string, minChars int) bool {
	if hasImages {
		return true
	}
	return utf8.RuneCountInString(strings.TrimSpace(pageText)) < minChars
}

func (p *PDFProcessor) Process(ctx context.Context, asset *models.SourceAsset, opts models.JobOptions, progress ProgressFunc) (*models.AssetCompletion, error) {
	if asset.Type != models.AssetTypePDF {
		return nil, fmt.Errorf("pdf processor got %q: %w", asset.Type, models.ErrUnsupportedType)
	}
	log := logger.With("tenant_id", asset.TenantID, "asset_id", asset.ID)

	localPath, cleanup, err := p.storage.Localize(ctx, asset.URL, p.TempDir)
	if err != nil {
		return nil, fmt.Errorf("pdf source %s: %w", asset.URL, err)
	}
	defer cleanup()

	doc, err := p.OpenPDF(localPath)
	if err != nil {
		return nil, err
	}
	defer doc.Close()

	if opts.ForceReindex {
		if err := p.clearPrevious(ctx, asset); err != nil {
			return nil, err
		}
	}

	numPages := doc.NumPages()
	fullText := strings.TrimSpace(doc.FullText())
	documents := 0

	if fullText != "" {
		if _, err := p.ingestor.Ingest(ctx, IngestRequest{
			TenantID:         asset.TenantID,
			Title:            asset.Title,
			Source:           models.SourcePDFExtract,
			Text:             fullText,
			SourceAssetID:    asset.ID,
			GroundingAssetID: asset.ID,
			SourceType:       string(models.AssetTypePDF),
		}); err != nil {
			return nil, fmt.Errorf("ingest pdf text: %w", err)
		}
		documents++
	}
	progress(10)

	pageDir, err := os.MkdirTemp(p.TempDir, "pdf-pages-*")
	if err != nil {
		return nil, fmt.Errorf("page workspace: %w", err)
	}
	defer os.RemoveAll(pageDir)

	meta := &models.PDFMetadata{
		NumPages:      numPages,
		SlideAssetIDs: []string{},
		TextLength:    utf8.RuneCountInString(fullText),
	}

	for n := 1; n <= numPages; n++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		slideID, captioned, created, err := p.processPage(ctx, asset, doc, localPath, pageDir, n)
		if slideID != "" {
			meta.SlideAssetIDs = append(meta.SlideAssetIDs, slideID)
		}
		if captioned {
			meta.CaptionedPages = append(meta.CaptionedPages, n)
		}
		if created {
			documents++
		}
		if err != nil {
			meta.FailedPages = append(meta.FailedPages, n)
			p.metrics.RecordUnitFailure("pdf")
			log.Warn("PDF page failed", "page", n, "kind", models.KindPartialUnitFailure, "error", err)
		}
		progress(10 + 90*n/numPages)
	}

	if documents == 0 {
		return nil, fmt.Errorf("pdf %s has no text and no page could be captioned: %w", asset.ID, models.ErrExtractionFailure)
	}

	now := time.Now()
	meta.ExtractedAt = &now
	log.Info("PDF processed", "pages", numPages, "slides", len(meta.SlideAssetIDs),
		"captioned", len(meta.CaptionedPages), "failed", len(meta.FailedPages))

	stored := fullText
	if r := []rune(stored); len(r) > maxStoredText {
		stored = string(r[:maxStoredText])
	}
	return &models.AssetCompletion{
		ExtractedText: stored,
		Metadata: models.AssetMetadata{
			PDF:   meta,
			Extra: asset.Metadata.Extra,
		},
	}, nil
}

// processPage renders page n into a slide and either ingests its text or
// captions it. slideID is set whenever the slide exists, even if a later
// step failed.
func (p *PDFProcessor) processPage(ctx context.Context, asset *models.SourceAsset, doc PDFSource, pdfPath, pageDir string, n int) (slideID string, captioned, created bool, err error) {
	pageText, textErr := doc.PageText(n)
	if textErr != nil {
		logger.Debug("Page text unavailable", "asset_id", asset.ID, "page", n, "error", textErr)
		pageText = ""
	}
	pageText = strings.TrimSpace(pageText)
	hasImages, imgErr := doc.PageHasImages(n)
	if imgErr != nil {
		logger.Debug("Page image scan failed", "asset_id", asset.ID, "page", n, "error", imgErr)
	}

	imagePath, err := p.renderer.RenderPage(ctx, pdfPath, n, pageDir)
	if err != nil {
		return "", false, false, fmt.Errorf("render page %d: %w: %v", n, models.ErrPartialUnitFailure, err)
	}

	slide, err := p.upsertSlide(ctx, asset, n, imagePath, hasImages, pageText)
	if err != nil {
		return "", false, false, fmt.Errorf("slide for page %d: %w: %v", n, models.ErrPartialUnitFailure, err)
	}

	var (
		content = pageText
		source  = models.SourcePDFPageExtract
		title   = fmt.Sprintf("%s - Page %d (Text)", asset.Title, n)
	)
	if NeedsCaption(hasImages, pageText, p.MinTextChars) {
		captioned = true
		caption, err := p.caption(ctx, imagePath)
		if err != nil {
			p.failSlide(ctx, slide, n, err)
			return slide.ID, true, false, fmt.Errorf("caption page %d: %w: %v", n, models.ErrPartialUnitFailure, err)
		}
		content = caption
		if pageText != "" && !strings.Contains(caption, pageText) {
			content = caption + "\n\n" + pageText
		}
		source = models.SourceOCR
		title = fmt.Sprintf("%s (OCR)", slide.Title)
	}

	if _, err := p.ingestor.Ingest(ctx, IngestRequest{
		TenantID:         asset.TenantID,
		Title:            title,
		Source:           source,
		Text:             content,
		SourceAssetID:    asset.ID,
		GroundingAssetID: slide.ID,
		PageNumber:       n,
		SourceType:       string(models.AssetTypeSlide),
	}); err != nil {
		p.failSlide(ctx, slide, n, err)
		return slide.ID, captioned, false, fmt.Errorf("ingest page %d: %w: %v", n, models.ErrPartialUnitFailure, err)
	}

	if err := p.assets.CompleteAsset(context.WithoutCancel(ctx), asset.TenantID, slide.ID, models.AssetCompletion{
		ExtractedText: content,
		Metadata:      slide.Metadata,
	}); err != nil {
		logger.Warn("Failed to complete slide", "slide_id", slide.ID, "error", err)
	}
	return slide.ID, captioned, true, nil
}

func (p *PDFProcessor) caption(ctx context.Context, imagePath string) (string, error) {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return "", err
	}
	p.metrics.RecordCaption("pdf")
	text, err := p.captioner.Caption(ctx, data, "image/png", pdfPagePrompt)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("empty caption: %w", models.ErrExtractionFailure)
	}
	return text, nil
}

// upsertSlide stores the rendered page and returns its slide asset. A slide
// left behind by an earlier run for the same page is reused.
func (p *PDFProcessor) upsertSlide(ctx context.Context, asset *models.SourceAsset, n int, imagePath string, hasImages bool, pageText string) (*models.SourceAsset, error) {
	url, err := p.storage.SaveFile(asset.TenantID, fmt.Sprintf("%s-page-%d.png", asset.ID, n), imagePath)
	if err != nil {
		return nil, err
	}

	meta := &models.SlideMetadata{
		ParentTitle: asset.Title,
		HasImages:   hasImages,
		TextLength:  utf8.RuneCountInString(pageText),
	}
	if w, h, err := media.ImageSize(imagePath); err == nil {
		meta.Width, meta.Height = w, h
	}

	existing, err := p.assets.FindSlide(ctx, asset.TenantID, asset.ID, n)
	switch {
	case err == nil:
		existing.URL = url
		existing.Metadata.Slide = meta
		return existing, nil
	case !errors.Is(err, models.ErrNotFound):
		return nil, err
	}

	now := time.Now()
	slide := &models.SourceAsset{
		ID:               uuid.NewString(),
		TenantID:         asset.TenantID,
		Type:             models.AssetTypeSlide,
		URL:              url,
		Title:            fmt.Sprintf("%s - Page %d", asset.Title, n),
		Description:      fmt.Sprintf("Slide %d extracted from %s", n, asset.Title),
		ProcessingStatus: models.StatusProcessing,
		ParentAssetID:    asset.ID,
		PageNumber:       n,
		Metadata:         models.AssetMetadata{Slide: meta},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := p.assets.CreateAsset(ctx, slide); err != nil {
		return nil, err
	}
	return slide, nil
}

func (p *PDFProcessor) failSlide(ctx context.Context, slide *models.SourceAsset, page int, cause error) {
	perr := models.NewProcessingError(cause)
	perr.Page = page
	if err := p.assets.FailAsset(context.WithoutCancel(ctx), slide.TenantID, slide.ID, perr); err != nil {
		logger.Warn("Failed to record slide failure", "slide_id", slide.ID, "error", err)
	}
}

// clearPrevious removes documents produced by an earlier run. Slides are
// kept and reused page by page.
func (p *PDFProcessor) clearPrevious(ctx context.Context, asset *models.SourceAsset) error {
	removed, err := p.docs.DeleteDocumentsBySource(ctx, asset.TenantID, asset.ID)
	if err != nil {
		return fmt.Errorf("force reindex: %w", err)
	}
	logger.Info("Cleared previous documents", "asset_id", asset.ID, "documents", removed)
	return nil
}
