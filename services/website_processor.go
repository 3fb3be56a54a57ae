package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"knowledge-engine/internal/crawler"
	"knowledge-engine/internal/logger"
	"knowledge-engine/internal/store"
	"knowledge-engine/internal/telemetry"
	"knowledge-engine/models"
)

// CrawlDefaults are the crawl limits used when neither the job nor the
// asset sets them
type CrawlDefaults struct {
	MaxPages int
	MaxDepth int
	Delay    time.Duration
	RenderJS bool
}

// DefaultCrawlDefaults returns 50 pages, depth 3 and a 500ms delay
func DefaultCrawlDefaults() CrawlDefaults {
	return CrawlDefaults{MaxPages: 50, MaxDepth: 3, Delay: 500 * time.Millisecond}
}

// CrawlPlan is the resolved configuration of one website run
type CrawlPlan struct {
	Crawl         crawler.CrawlConfig
	IncludeImages bool
}

// WebsiteProcessor crawls a site and ingests one document per page,
// registering page images as assets and grounding each page on its first one.
type WebsiteProcessor struct {
	assets   store.AssetStore
	docs     store.DocumentStore
	ingestor *Ingestor
	crawl    CrawlFunc
	defaults CrawlDefaults
	metrics  *telemetry.Metrics

	// Images queues newly registered page images for captioning. When nil
	// they stay pending until an operator runs process-pending.
	Images Enqueuer
}

func NewWebsiteProcessor(st store.Store, ingestor *Ingestor, crawl CrawlFunc, defaults CrawlDefaults, metrics *telemetry.Metrics) *WebsiteProcessor {
	if crawl == nil {
		crawl = crawler.Crawl
	}
	return &WebsiteProcessor{
		assets:   st,
		docs:     st,
		ingestor: ingestor,
		crawl:    crawl,
		defaults: defaults,
		metrics:  metrics,
	}
}

// Plan merges job options over asset metadata over defaults
func (p *WebsiteProcessor) Plan(asset *models.SourceAsset, opts models.JobOptions) CrawlPlan {
	meta := asset.Metadata.Website
	if meta == nil {
		meta = &models.WebsiteMetadata{}
	}

	plan := CrawlPlan{
		Crawl: crawler.CrawlConfig{
			URL:            asset.URL,
			MaxPages:       firstPositive(opts.MaxPages, meta.MaxPages, p.defaults.MaxPages),
			MaxDepth:       firstPositive(opts.MaxDepth, meta.MaxDepth, p.defaults.MaxDepth),
			AllowedDomains: meta.AllowedDomains,
			Delay:          p.defaults.Delay,
			RenderJS:       p.defaults.RenderJS,
		},
		IncludeImages: true,
	}
	switch {
	case opts.IncludeImages != nil:
		plan.IncludeImages = *opts.IncludeImages
	case meta.IncludeImages != nil:
		plan.IncludeImages = *meta.IncludeImages
	}
	return plan
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}

func (p *WebsiteProcessor) Process(ctx context.Context, asset *models.SourceAsset, opts models.JobOptions, progress ProgressFunc) (*models.AssetCompletion, error) {
	if asset.Type != models.AssetTypeWebsite {
		return nil, fmt.Errorf("website processor got %q: %w", asset.Type, models.ErrUnsupportedType)
	}
	log := logger.With("tenant_id", asset.TenantID, "asset_id", asset.ID, "url", asset.URL)

	plan := p.Plan(asset, opts)
	meta := models.WebsiteMetadata{}
	if asset.Metadata.Website != nil {
		meta = *asset.Metadata.Website
	}

	if opts.DryRun {
		log.Info("Dry run, crawl skipped",
			"max_pages", plan.Crawl.MaxPages,
			"max_depth", plan.Crawl.MaxDepth,
			"include_images", plan.IncludeImages,
			"allowed_domains", plan.Crawl.AllowedDomains)
		return &models.AssetCompletion{
			ExtractedText: asset.ExtractedText,
			Metadata:      models.AssetMetadata{Website: &meta, Extra: asset.Metadata.Extra},
		}, nil
	}

	if opts.ForceReindex {
		removed, err := p.docs.DeleteDocumentsBySource(ctx, asset.TenantID, asset.ID)
		if err != nil {
			return nil, fmt.Errorf("force reindex: %w", err)
		}
		log.Info("Cleared previous website documents", "documents", removed)
	}

	result, err := p.crawl(ctx, plan.Crawl)
	if err != nil {
		if errors.Is(err, crawler.ErrNoPages) {
			return nil, fmt.Errorf("crawl %s: %w: %v", asset.URL, models.ErrExtractionFailure, err)
		}
		return nil, fmt.Errorf("crawl %s: %w", asset.URL, err)
	}
	progress(40)

	var (
		documents int
		images    = make(map[string]bool)
		summary   strings.Builder
	)
	for i, page := range result.Pages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var imageIDs []string
		if plan.IncludeImages {
			imageIDs = p.registerImages(ctx, asset, page)
			for _, id := range imageIDs {
				images[id] = true
			}
		}

		if strings.TrimSpace(page.Text) == "" {
			log.Debug("Page has no text", "page_url", page.URL)
			continue
		}

		grounding := asset.ID
		if len(imageIDs) > 0 {
			grounding = imageIDs[0]
		}
		if _, err := p.ingestor.Ingest(ctx, IngestRequest{
			TenantID:         asset.TenantID,
			Title:            page.Title,
			Source:           models.SourceWebsitePage,
			Text:             page.Text,
			SourceAssetID:    asset.ID,
			GroundingAssetID: grounding,
			URL:              page.URL,
			HeadingsPath:     page.Headings,
			ImageAssetIDs:    imageIDs,
			SourceType:       string(models.AssetTypeWebsite),
		}); err != nil {
			p.metrics.RecordUnitFailure("website")
			log.Warn("Page skipped", "page_url", page.URL, "kind", models.KindPartialUnitFailure, "error", err)
			continue
		}
		documents++
		if summary.Len() < maxStoredText {
			fmt.Fprintf(&summary, "%s\n%s\n\n", page.Title, page.URL)
		}
		progress(40 + 60*(i+1)/len(result.Pages))
	}

	if documents == 0 {
		return nil, fmt.Errorf("crawl of %s produced no indexable pages: %w", asset.URL, models.ErrExtractionFailure)
	}

	now := time.Now()
	meta.MaxPages = plan.Crawl.MaxPages
	meta.MaxDepth = plan.Crawl.MaxDepth
	meta.PagesProcessed = len(result.Pages)
	meta.PagesFailed = len(result.Failures)
	meta.ImagesCollected = len(images)
	meta.DocumentsCreated = documents
	meta.LastCrawledAt = &now

	log.Info("Website processed", "pages", meta.PagesProcessed, "failed", meta.PagesFailed,
		"images", meta.ImagesCollected, "documents", documents)
	return &models.AssetCompletion{
		ExtractedText: strings.TrimSpace(summary.String()),
		Metadata:      models.AssetMetadata{Website: &meta, Extra: asset.Metadata.Extra},
	}, nil
}

// registerImages returns the asset ids of a page's images in page order,
// reusing image assets already known by URL
func (p *WebsiteProcessor) registerImages(ctx context.Context, site *models.SourceAsset, page crawler.Page) []string {
	ids := make([]string, 0, len(page.Images))
	for _, img := range page.Images {
		existing, err := p.assets.FindAssetByURL(ctx, site.TenantID, models.AssetTypeImage, img.URL)
		if err == nil {
			ids = append(ids, existing.ID)
			continue
		}
		if !errors.Is(err, models.ErrNotFound) {
			logger.Warn("Image lookup failed", "image_url", img.URL, "error", err)
			continue
		}

		title := img.Alt
		if title == "" {
			title = img.Title
		}
		if title == "" {
			title = "Image from " + page.URL
		}
		now := time.Now()
		asset := &models.SourceAsset{
			ID:               uuid.NewString(),
			TenantID:         site.TenantID,
			Type:             models.AssetTypeImage,
			URL:              img.URL,
			Title:            title,
			Description:      "Image from website page: " + page.Title,
			ProcessingStatus: models.StatusPending,
			Metadata: models.AssetMetadata{Image: &models.ImageMetadata{
				WebsiteSourceID: site.ID,
				WebsiteURL:      page.URL,
				Alt:             img.Alt,
			}},
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := p.assets.CreateAsset(ctx, asset); err != nil {
			logger.Warn("Failed to register page image", "image_url", img.URL, "error", err)
			continue
		}
		ids = append(ids, asset.ID)

		if p.Images != nil {
			if _, err := p.Images.Enqueue(ctx, site.TenantID, asset.ID, models.AssetTypeImage, models.JobOptions{}); err != nil {
				logger.Warn("Failed to queue page image", "asset_id", asset.ID, "error", err)
			}
		}
	}
	return ids
}
